// Package migration defines the root aggregate of spec.md §3: one user's
// transfer attempt from a source PDS to a target PDS, its status-machine
// cursor, its credential fields, and its progress map.
package migration

import (
	"time"

	"github.com/atmigrate/migrator/pkg/vault"
)

// Status is the state-machine cursor of spec.md §3.4.
type Status string

const (
	StatusPendingDownload  Status = "pending_download"
	StatusPendingBackup    Status = "pending_backup"
	StatusBackupReady      Status = "backup_ready"
	StatusPendingAccount   Status = "pending_account"
	StatusPendingRepo      Status = "pending_repo"
	StatusPendingBlobs     Status = "pending_blobs"
	StatusPendingPrefs     Status = "pending_prefs"
	StatusPendingPLC       Status = "pending_plc"
	StatusPendingActivate  Status = "pending_activation"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
	StatusCancelled        Status = "cancelled" // reported as failed+cancelled tag; kept distinct for status pages
)

// Terminal reports whether the status is one the state machine never
// advances out of.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Type distinguishes the two migration flavors of spec.md §3.1.
type Type string

const (
	TypeMigrationOut Type = "migration_out" // fresh account on a different host
	TypeMigrationIn  Type = "migration_in"  // returning to a pre-existing account
)

// Credentials bundles every encrypted, TTL-bearing field of spec.md §3.2.
type Credentials struct {
	SourcePassword      *vault.Sealed `json:"source_password,omitempty"`
	SourceAccessToken   *vault.Sealed `json:"source_access_token,omitempty"`
	SourceRefreshToken  *vault.Sealed `json:"source_refresh_token,omitempty"`
	TargetAccessToken   *vault.Sealed `json:"target_access_token,omitempty"`   // migration_in only
	TargetRefreshToken  *vault.Sealed `json:"target_refresh_token,omitempty"`  // migration_in only
	DirectoryOneTime    *vault.Sealed `json:"directory_one_time,omitempty"`
	InviteCode          *vault.Sealed `json:"invite_code,omitempty"`
	RotationPrivateKey  *vault.Sealed `json:"rotation_private_key,omitempty"`
}

// Clear nulls every credential field. Called on reaching `completed` per the
// invariant in spec.md §3.1 ("On reaching completed, all credential fields
// MUST be nulled") and on terminal failure/cancellation for hygiene.
func (c *Credentials) Clear() {
	*c = Credentials{}
}

// ClearExceptRotationKey nulls every credential except the rotation private
// key, which the user still needs delivered (spec.md §3.2).
func (c *Credentials) ClearExceptRotationKey() {
	rotation := c.RotationPrivateKey
	*c = Credentials{RotationPrivateKey: rotation}
}

// Migration is the durable record of spec.md §3.1.
type Migration struct {
	ID    int64  `json:"id"`
	Token string `json:"token"` // unguessable, URL-addressable

	DID          string `json:"did"`
	Email        string `json:"email"`
	OldHandle    string `json:"old_handle"`
	NewHandle    string `json:"new_handle"`
	OldPDSHost   string `json:"old_pds_host"`
	NewPDSHost   string `json:"new_pds_host"`

	Status          Status `json:"status"`
	MigrationType   Type   `json:"migration_type"`

	ProgressData ProgressData `json:"progress_data"`

	EstimatedMemoryMB int `json:"estimated_memory_mb"`

	Credentials Credentials `json:"credentials"`

	BackupBundlePath string     `json:"backup_bundle_path,omitempty"`
	BackupCreatedAt  *time.Time `json:"backup_created_at,omitempty"`
	BackupExpiresAt  *time.Time `json:"backup_expires_at,omitempty"`

	DownloadedDataPath string `json:"downloaded_data_path,omitempty"`

	LastError              string `json:"last_error,omitempty"`
	RetryCount             int    `json:"retry_count"`
	CurrentJobStep         string `json:"current_job_step,omitempty"`
	CurrentJobAttempt      int    `json:"current_job_attempt"`
	CurrentJobMaxAttempts  int    `json:"current_job_max_attempts"`

	EmailVerifiedAt        *time.Time `json:"email_verified_at,omitempty"`
	EmailVerificationToken string     `json:"email_verification_token,omitempty"`

	CreateBackupBundle bool `json:"create_backup_bundle"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EmailVerified reports whether the user has completed the email-verify
// handshake required before any phase job runs (spec.md §4.1 edges table:
// "(new) -> pending_download|pending_account ... post-email-verification").
func (m *Migration) EmailVerified() bool {
	return m.EmailVerifiedAt != nil
}
