package migration

import "encoding/json"

// ProgressData is the flat, semi-structured map of spec.md §3.3. Absence of
// a key means "not yet reached" — callers must not assume zero values.
type ProgressData map[string]any

// Well-known keys, spec.md §3.3.
const (
	KeyAccountCreationStartedAt = "account_creation_started_at"
	KeyAccountCreatedAt         = "account_created_at"
	KeyRepoExportedAt           = "repo_exported_at"
	KeyRepoImportedAt           = "repo_imported_at"
	KeyBlobsStartedAt           = "blobs_started_at"
	KeyBlobsCompletedAt         = "blobs_completed_at"
	KeyPreferencesExportedAt    = "preferences_exported_at"
	KeyPreferencesImportedAt    = "preferences_imported_at"
	KeyPLCOpRecommendedAt       = "plc_operation_recommended_at"
	KeyPLCOpSignedAt            = "plc_operation_signed_at"
	KeyPLCOpSubmittedAt         = "plc_operation_submitted_at"
	KeyAccountActivatedAt       = "account_activated_at"
	KeyAccountDeactivatedAt     = "account_deactivated_at"
	KeyCompletedAt              = "completed_at"

	KeyBlobCount        = "blob_count"
	KeyBlobsCompleted   = "blobs_completed"
	KeyBlobsUploaded    = "blobs_uploaded"
	KeyBytesTransferred = "bytes_transferred"
	KeyEstimatedMemMB   = "estimated_memory_mb"

	KeyFailedBlobs     = "failed_blobs"
	KeyFailedUploads   = "failed_uploads"
	KeyFailedDownloads = "failed_downloads"

	KeyBlobProgress = "blob_progress" // per-blob rolling map

	KeyRotationKeyPublic      = "rotation_key_public"
	KeyRotationKeyGeneratedAt = "rotation_key_generated_at"
	KeyRotationKeyError       = "rotation_key_error"

	KeyOldPDSDeactivationError = "old_pds_deactivation_error"
)

// Clone returns a shallow copy, safe to mutate without affecting the
// original map a caller may still be holding (e.g. for a progress snapshot
// written under a mutex, spec.md §4.5).
func (p ProgressData) Clone() ProgressData {
	out := make(ProgressData, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// StringSlice reads a key expected to hold a list of strings (e.g.
// failed_blobs), tolerating both []string and []any from JSON round-trips.
func (p ProgressData) StringSlice(key string) []string {
	v, ok := p[key]
	if !ok {
		return nil
	}
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// Int reads a key expected to hold a counter, tolerating JSON's float64.
func (p ProgressData) Int(key string) int {
	v, ok := p[key]
	if !ok {
		return 0
	}
	switch vv := v.(type) {
	case int:
		return vv
	case int64:
		return int(vv)
	case float64:
		return int(vv)
	default:
		return 0
	}
}

// MarshalForStorage is a typed alias point for the JSON column storage uses
// (spec.md §6.4: "JSON column progress_data").
func (p ProgressData) MarshalForStorage() ([]byte, error) {
	return json.Marshal(p)
}
