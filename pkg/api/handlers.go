package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/atmigrate/migrator/pkg/jobs"
	"github.com/atmigrate/migrator/pkg/migerr"
	"github.com/atmigrate/migrator/pkg/migration"
	"github.com/atmigrate/migrator/pkg/orchestrator"
	"github.com/atmigrate/migrator/pkg/statemachine"
	"github.com/atmigrate/migrator/pkg/vault"
)

// createMigrationRequest is the body of POST /v1/migrations, mirroring
// spec.md §6.1's create_migration signature exactly.
type createMigrationRequest struct {
	Email              string `json:"email"`
	OldHandle          string `json:"old_handle"`
	NewHandle          string `json:"new_handle,omitempty"`
	NewPDSHost         string `json:"new_pds_host,omitempty"`
	Password           string `json:"password"`
	InviteCode         string `json:"invite_code,omitempty"`
	CreateBackupBundle bool   `json:"create_backup_bundle"`
}

type createMigrationResponse struct {
	Token string `json:"token"`
}

func (s *Server) handleCreateMigration(w http.ResponseWriter, r *http.Request) {
	var req createMigrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, migerr.Validation("create_migration", fmt.Errorf("malformed request body: %w", err)))
		return
	}

	if !migration.ValidEmail(req.Email) {
		writeError(w, http.StatusBadRequest, migerr.Validation("create_migration", fmt.Errorf("invalid email")))
		return
	}
	if !migration.ValidHandle(req.OldHandle) {
		writeError(w, http.StatusBadRequest, migerr.Validation("create_migration", fmt.Errorf("invalid old_handle")))
		return
	}
	if req.Password == "" {
		writeError(w, http.StatusBadRequest, migerr.Validation("create_migration", fmt.Errorf("password is required")))
		return
	}

	targetHost := req.NewPDSHost
	if s.cfg.TargetPDSHost != "" {
		targetHost = s.cfg.TargetPDSHost
	}
	migrationType := migration.TypeMigrationOut
	if req.NewHandle == "" {
		req.NewHandle = req.OldHandle
		migrationType = migration.TypeMigrationIn
	}
	if targetHost != "" {
		normalized, err := migration.NormalizeHost(targetHost)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		targetHost = normalized
	}

	ctx := r.Context()
	did, err := s.resolver.ResolveHandleToDID(ctx, req.OldHandle)
	if err != nil {
		writeError(w, http.StatusBadRequest, migerr.Validation("create_migration", fmt.Errorf("resolve old_handle: %w", err)))
		return
	}
	oldPDSHost, err := s.resolver.ResolvePDSEndpoint(ctx, did)
	if err != nil {
		writeError(w, http.StatusBadRequest, migerr.Validation("create_migration", fmt.Errorf("resolve source PDS: %w", err)))
		return
	}

	token, err := migration.GenerateToken()
	if err != nil {
		writeError(w, http.StatusInternalServerError, migerr.FatalUnknown("create_migration", err))
		return
	}

	sealedPassword, err := s.vault.SealString(req.Password, vault.TTLSourcePassword)
	if err != nil {
		writeError(w, http.StatusInternalServerError, migerr.FatalUnknown("create_migration", err))
		return
	}
	var sealedInvite *vault.Sealed
	if req.InviteCode != "" {
		sealedInvite, err = s.vault.SealString(req.InviteCode, vault.TTLInviteCode)
		if err != nil {
			writeError(w, http.StatusInternalServerError, migerr.FatalUnknown("create_migration", err))
			return
		}
	}

	now := time.Now()
	m := &migration.Migration{
		Token:                  token,
		DID:                    did,
		Email:                  req.Email,
		OldHandle:              req.OldHandle,
		NewHandle:              req.NewHandle,
		OldPDSHost:             oldPDSHost,
		NewPDSHost:             targetHost,
		Status:                 "",
		MigrationType:          migrationType,
		ProgressData:           migration.ProgressData{},
		Credentials:            migration.Credentials{SourcePassword: sealedPassword, InviteCode: sealedInvite},
		CreateBackupBundle:     req.CreateBackupBundle,
		EmailVerificationToken: uuid.NewString(),
		CreatedAt:              now,
		UpdatedAt:              now,
	}

	if err := s.store.CreateMigration(ctx, m); err != nil {
		writeError(w, http.StatusConflict, migerr.Validation("create_migration", err))
		return
	}

	// Out-of-band: an email-dispatch worker (outside this module's scope,
	// spec.md §6.5 "SMTP credentials ... out of scope") sends
	// m.EmailVerificationToken to m.Email for the user to paste back via
	// verify_email.
	s.logger.Info().Str("token", m.Token).Str("did", did).Msg("api: migration created, awaiting email verification")

	writeJSON(w, http.StatusCreated, createMigrationResponse{Token: m.Token})
}

type verifyEmailRequest struct {
	VerificationToken string `json:"verification_token"`
}

func (s *Server) handleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	var req verifyEmailRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, migerr.Validation("verify_email", fmt.Errorf("malformed request body: %w", err)))
		return
	}

	ctx := r.Context()
	m, err := s.store.LoadMigrationByToken(ctx, token)
	if err != nil {
		writeError(w, http.StatusNotFound, migerr.Validation("verify_email", err))
		return
	}
	if m.EmailVerified() {
		writeJSON(w, http.StatusOK, statusResponse(m))
		return
	}
	if req.VerificationToken == "" || req.VerificationToken != m.EmailVerificationToken {
		writeError(w, http.StatusForbidden, migerr.Validation("verify_email", fmt.Errorf("verification token mismatch")))
		return
	}

	now := time.Now()
	m.EmailVerifiedAt = &now

	entry := statemachine.NextStatus(m.CreateBackupBundle)
	if err := statemachine.Advance(m, entry, now); err != nil {
		writeError(w, http.StatusInternalServerError, migerr.FatalUnknown("verify_email", err))
		return
	}
	if err := s.store.SaveMigration(ctx, m); err != nil {
		writeError(w, http.StatusInternalServerError, migerr.FatalUnknown("verify_email", err))
		return
	}

	step := orchestrator.StepDownloadBackup
	queue := jobs.QueueMigrations
	if entry == migration.StatusPendingAccount {
		step = orchestrator.StepCreateAccount
	}
	if err := s.enqueue(ctx, &jobs.Job{
		ID:          fmt.Sprintf("%s-%d", step, m.ID),
		MigrationID: m.ID,
		Queue:       queue,
		Step:        step,
		MaxAttempts: 5,
	}); err != nil {
		writeError(w, http.StatusInternalServerError, migerr.FatalUnknown("verify_email", err))
		return
	}

	writeJSON(w, http.StatusOK, statusResponse(m))
}

type statusPayload struct {
	Status                   migration.Status `json:"status"`
	ProgressPercentage        int              `json:"progress_percentage"`
	EstimatedTimeRemainingSec int              `json:"estimated_time_remaining_seconds"`
	BlobCount                 int              `json:"blob_count"`
	BlobsUploaded              int              `json:"blobs_uploaded"`
	BytesTransferred          int              `json:"bytes_transferred"`
	LastError                 string           `json:"last_error,omitempty"`
	CreatedAt                 time.Time        `json:"created_at"`
	UpdatedAt                 time.Time        `json:"updated_at"`
}

func statusResponse(m *migration.Migration) statusPayload {
	return statusPayload{
		Status:                    m.Status,
		ProgressPercentage:        progressPercentage(m.Status),
		EstimatedTimeRemainingSec: estimatedSecondsRemaining(m.Status),
		BlobCount:                 m.ProgressData.Int(migration.KeyBlobCount),
		BlobsUploaded:             m.ProgressData.Int(migration.KeyBlobsCompleted),
		BytesTransferred:          m.ProgressData.Int(migration.KeyBytesTransferred),
		LastError:                 m.LastError,
		CreatedAt:                 m.CreatedAt,
		UpdatedAt:                 m.UpdatedAt,
	}
}

// statusOrder gives each non-terminal status its position in the fixed
// pipeline of spec.md §3.4, for a coarse linear progress estimate.
var statusOrder = []migration.Status{
	migration.StatusPendingDownload,
	migration.StatusPendingBackup,
	migration.StatusBackupReady,
	migration.StatusPendingAccount,
	migration.StatusPendingRepo,
	migration.StatusPendingBlobs,
	migration.StatusPendingPrefs,
	migration.StatusPendingPLC,
	migration.StatusPendingActivate,
	migration.StatusCompleted,
}

func progressPercentage(status migration.Status) int {
	if status == migration.StatusCompleted {
		return 100
	}
	if status == migration.StatusFailed || status == migration.StatusCancelled {
		return 0
	}
	for i, s := range statusOrder {
		if s == status {
			return (i * 100) / (len(statusOrder) - 1)
		}
	}
	return 0
}

// estimatedSecondsRemaining is a rough linear estimate based on position in
// the pipeline; it intentionally ignores blob count/size since those vary
// too widely for a single constant to mean anything.
func estimatedSecondsRemaining(status migration.Status) int {
	const perPhase = 90
	for i, s := range statusOrder {
		if s == status {
			return (len(statusOrder) - 1 - i) * perPhase
		}
	}
	return 0
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	m, err := s.store.LoadMigrationByToken(r.Context(), token)
	if err != nil {
		writeError(w, http.StatusNotFound, migerr.Validation("get_status", err))
		return
	}
	writeJSON(w, http.StatusOK, statusResponse(m))
}

type submitDirectoryTokenRequest struct {
	OneTimeToken string `json:"one_time_token"`
}

func (s *Server) handleSubmitDirectoryToken(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	var req submitDirectoryTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, migerr.Validation("submit_directory_token", fmt.Errorf("malformed request body: %w", err)))
		return
	}

	ctx := r.Context()
	m, err := s.store.LoadMigrationByToken(ctx, token)
	if err != nil {
		writeError(w, http.StatusNotFound, migerr.Validation("submit_directory_token", err))
		return
	}

	if err := s.phases.SubmitOneTimeToken(ctx, m, req.OneTimeToken); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	writeJSON(w, http.StatusOK, statusResponse(m))
}

func (s *Server) handleDownloadBackup(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	m, err := s.store.LoadMigrationByToken(r.Context(), token)
	if err != nil {
		writeError(w, http.StatusNotFound, migerr.Validation("download_backup", err))
		return
	}
	if m.BackupBundlePath == "" || m.BackupExpiresAt == nil || time.Now().After(*m.BackupExpiresAt) {
		writeError(w, http.StatusGone, migerr.Validation("download_backup", fmt.Errorf("no unexpired backup bundle for this migration")))
		return
	}

	f, err := os.Open(m.BackupBundlePath)
	if err != nil {
		writeError(w, http.StatusGone, migerr.Validation("download_backup", fmt.Errorf("bundle file missing: %w", err)))
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", m.Token+"-backup.zip"))
	http.ServeContent(w, r, "backup.zip", *m.BackupCreatedAt, f)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	ctx := r.Context()
	m, err := s.store.LoadMigrationByToken(ctx, token)
	if err != nil {
		writeError(w, http.StatusNotFound, migerr.Validation("cancel", err))
		return
	}
	if !statemachine.CanCancel(m) {
		writeError(w, http.StatusConflict, migerr.Validation("cancel", fmt.Errorf("migration %s cannot be cancelled from status %s", m.Token, m.Status)))
		return
	}
	if err := statemachine.MarkCancelled(m, time.Now()); err != nil {
		writeError(w, http.StatusConflict, migerr.Validation("cancel", err))
		return
	}
	m.Credentials.Clear()
	if err := s.store.SaveMigration(ctx, m); err != nil {
		writeError(w, http.StatusInternalServerError, migerr.FatalUnknown("cancel", err))
		return
	}
	writeJSON(w, http.StatusOK, statusResponse(m))
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	ctx := r.Context()
	m, err := s.store.LoadMigrationByToken(ctx, token)
	if err != nil {
		writeError(w, http.StatusNotFound, migerr.Validation("retry", err))
		return
	}
	if m.Status != migration.StatusFailed {
		writeError(w, http.StatusConflict, migerr.Validation("retry", fmt.Errorf("retry is only valid from failed, migration %s is %s", m.Token, m.Status)))
		return
	}
	if m.CurrentJobStep == "" {
		writeError(w, http.StatusConflict, migerr.Validation("retry", fmt.Errorf("migration %s has no recorded current_job_step to resume from", m.Token)))
		return
	}

	// MarkFailed overwrites Status with "failed" regardless of which phase
	// was running (pkg/jobs.markFailedAndSave); current_job_step is the only
	// record of where to resume, so the phase's expected entry status must
	// be restored before the handler's EntryCheck will accept the job.
	entryStatus, ok := entryStatusForStep(jobs.Step(m.CurrentJobStep))
	if !ok {
		writeError(w, http.StatusConflict, migerr.Validation("retry", fmt.Errorf("unknown current_job_step %q", m.CurrentJobStep)))
		return
	}
	queue := jobs.QueueMigrations
	if entryStatus == migration.StatusPendingPLC || entryStatus == migration.StatusPendingActivate {
		queue = jobs.QueueCritical
	}

	m.Status = entryStatus
	m.LastError = ""
	if err := s.store.SaveMigration(ctx, m); err != nil {
		writeError(w, http.StatusInternalServerError, migerr.FatalUnknown("retry", err))
		return
	}

	if err := s.enqueue(ctx, &jobs.Job{
		ID:          fmt.Sprintf("retry-%s-%d-%d", m.CurrentJobStep, m.ID, time.Now().UnixNano()),
		MigrationID: m.ID,
		Queue:       queue,
		Step:        jobs.Step(m.CurrentJobStep),
		MaxAttempts: 5,
	}); err != nil {
		writeError(w, http.StatusInternalServerError, migerr.FatalUnknown("retry", err))
		return
	}

	writeJSON(w, http.StatusOK, statusResponse(m))
}

// entryStatusForStep maps a job step back to the migration status its
// handler's EntryCheck requires, the inverse of orchestrator.Phases.RegisterAll.
func entryStatusForStep(step jobs.Step) (migration.Status, bool) {
	switch step {
	case orchestrator.StepDownloadBackup:
		return migration.StatusPendingDownload, true
	case orchestrator.StepBuildBackup:
		return migration.StatusPendingBackup, true
	case orchestrator.StepCreateAccount:
		return migration.StatusPendingAccount, true
	case orchestrator.StepImportRepo:
		return migration.StatusPendingRepo, true
	case orchestrator.StepImportBlobs:
		return migration.StatusPendingBlobs, true
	case orchestrator.StepImportPrefs:
		return migration.StatusPendingPrefs, true
	case orchestrator.StepRequestPLCToken, orchestrator.StepDirectoryUpdate:
		return migration.StatusPendingPLC, true
	case orchestrator.StepActivate:
		return migration.StatusPendingActivate, true
	default:
		return "", false
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error(), Kind: string(migerr.KindOf(err))})
}
