package vault

import "time"

// TTLs for the credential fields named in spec.md §3.2. Declared centrally
// so the migration record and the orchestrator phases agree on lifetimes.
const (
	TTLSourcePassword      = 48 * time.Hour
	TTLSourceSessionTokens = 48 * time.Hour
	TTLTargetSessionTokens = 48 * time.Hour // migration_in only
	TTLDirectoryOneTime    = 1 * time.Hour
	TTLInviteCode          = 48 * time.Hour
	TTLRotationPrivateKey  = 0 // never auto-expires; delivered to user once
)
