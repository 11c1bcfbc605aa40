// Package store is the concrete persistence substrate for this
// implementation. spec.md §1/§6.4 treats "a relational store with JSON
// columns and a work-queue store with delayed/priority scheduling" as an
// external, assumed collaborator; this package is the adapter that plays
// that role on top of BoltDB, the same embedded store the teacher uses for
// cluster state (pkg/storage/boltdb.go in the teacher repo). Every method
// here is the kind of "plain repository ... explicit load, update, advance,
// purge_credentials methods" spec.md §9 asks for in place of an ORM.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/atmigrate/migrator/pkg/jobs"
	"github.com/atmigrate/migrator/pkg/migration"
)

var (
	bucketMigrations    = []byte("migrations")
	bucketMigrationsByDID = []byte("migrations_by_did") // did -> migration id, non-terminal only
	bucketMigrationsByTok = []byte("migrations_by_token")
	bucketJobs          = []byte("jobs")
)

// BoltStore implements jobs.Store (and the migration repository operations
// the orchestrator and the form-handler API need) on top of BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// Open creates (or reopens) a BoltDB-backed store at <dataDir>/migrator.db.
func Open(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "migrator.db")
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketMigrations, bucketMigrationsByDID, bucketMigrationsByTok, bucketJobs} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the underlying database.
func (s *BoltStore) Close() error { return s.db.Close() }

// Ping verifies the underlying database file is still reachable by opening
// a read-only transaction against it, for use by a periodic health check
// rather than the open-time "it opened once" check.
func (s *BoltStore) Ping() error {
	return s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketMigrations) == nil {
			return fmt.Errorf("store: migrations bucket missing")
		}
		return nil
	})
}

func idKey(id int64) []byte { return []byte(fmt.Sprintf("%020d", id)) }

// CreateMigration inserts a brand-new migration, enforcing the "exactly one
// non-terminal migration per DID" invariant of spec.md §3.1 and assigning a
// monotonic ID.
func (s *BoltStore) CreateMigration(ctx context.Context, m *migration.Migration) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		byDID := tx.Bucket(bucketMigrationsByDID)
		if existing := byDID.Get([]byte(m.DID)); existing != nil {
			return fmt.Errorf("store: a non-terminal migration already exists for did %s", m.DID)
		}

		mb := tx.Bucket(bucketMigrations)
		id, _ := mb.NextSequence()
		m.ID = int64(id)

		if err := s.putMigrationLocked(tx, m); err != nil {
			return err
		}
		return byDID.Put([]byte(m.DID), idKey(m.ID))
	})
}

// SaveMigration upserts an existing migration record, keeping the DID index
// in sync with terminal/non-terminal status.
func (s *BoltStore) SaveMigration(ctx context.Context, m *migration.Migration) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return s.putMigrationLocked(tx, m)
	})
}

func (s *BoltStore) putMigrationLocked(tx *bolt.Tx, m *migration.Migration) error {
	mb := tx.Bucket(bucketMigrations)
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal migration: %w", err)
	}
	if err := mb.Put(idKey(m.ID), data); err != nil {
		return err
	}

	tokb := tx.Bucket(bucketMigrationsByTok)
	if err := tokb.Put([]byte(m.Token), idKey(m.ID)); err != nil {
		return err
	}

	byDID := tx.Bucket(bucketMigrationsByDID)
	if m.Status.Terminal() {
		// A completed/failed/cancelled migration no longer blocks a new
		// attempt for the same DID (spec.md §3.1).
		if existing := byDID.Get([]byte(m.DID)); existing != nil && string(existing) == string(idKey(m.ID)) {
			if err := byDID.Delete([]byte(m.DID)); err != nil {
				return err
			}
		}
	} else {
		if err := byDID.Put([]byte(m.DID), idKey(m.ID)); err != nil {
			return err
		}
	}
	return nil
}

// LoadMigration fetches a migration by its durable ID.
func (s *BoltStore) LoadMigration(ctx context.Context, id int64) (*migration.Migration, error) {
	var m migration.Migration
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketMigrations).Get(idKey(id))
		if data == nil {
			return fmt.Errorf("store: migration %d not found", id)
		}
		return json.Unmarshal(data, &m)
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// LoadMigrationByToken fetches a migration by its user-facing token
// (spec.md §6.1 form-handler surface is entirely token-addressed).
func (s *BoltStore) LoadMigrationByToken(ctx context.Context, token string) (*migration.Migration, error) {
	var id int64
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketMigrationsByTok).Get([]byte(token))
		if raw == nil {
			return fmt.Errorf("store: token %s not found", token)
		}
		_, err := fmt.Sscanf(string(raw), "%020d", &id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.LoadMigration(ctx, id)
}

// HasNonTerminalMigration reports whether did already has a non-terminal
// migration in flight.
func (s *BoltStore) HasNonTerminalMigration(ctx context.Context, did string) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(bucketMigrationsByDID).Get([]byte(did)) != nil
		return nil
	})
	return found, err
}

// CountInStatus implements jobs.Store's admission-control query.
func (s *BoltStore) CountInStatus(ctx context.Context, status migration.Status) (int, error) {
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMigrations).ForEach(func(k, v []byte) error {
			var m migration.Migration
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			if m.Status == status {
				count++
			}
			return nil
		})
	})
	return count, err
}

// ListByLastErrorSubstring powers the operator surface of spec.md §6.6
// ("List migrations whose last error matches '...'").
func (s *BoltStore) ListByLastErrorSubstring(ctx context.Context, substr string) ([]*migration.Migration, error) {
	var out []*migration.Migration
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMigrations).ForEach(func(k, v []byte) error {
			var m migration.Migration
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			if substr == "" || containsFold(m.LastError, substr) {
				out = append(out, &m)
			}
			return nil
		})
	})
	return out, err
}

// ListWithExpiredBackups returns every migration carrying a backup bundle
// whose retention deadline (spec.md §6.3: "24 h from creation") has passed,
// for the Housekeeper to delete.
func (s *BoltStore) ListWithExpiredBackups(ctx context.Context, now time.Time) ([]*migration.Migration, error) {
	var out []*migration.Migration
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMigrations).ForEach(func(k, v []byte) error {
			var m migration.Migration
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			if m.BackupBundlePath != "" && m.BackupExpiresAt != nil && now.After(*m.BackupExpiresAt) {
				out = append(out, &m)
			}
			return nil
		})
	})
	return out, err
}

func containsFold(haystack, needle string) bool {
	hl, nl := []rune(haystack), []rune(needle)
	toLower := func(rs []rune) []rune {
		out := make([]rune, len(rs))
		for i, r := range rs {
			if r >= 'A' && r <= 'Z' {
				r += 'a' - 'A'
			}
			out[i] = r
		}
		return out
	}
	hl, nl = toLower(hl), toLower(nl)
	if len(nl) == 0 {
		return true
	}
	for i := 0; i+len(nl) <= len(hl); i++ {
		match := true
		for j := range nl {
			if hl[i+j] != nl[j] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

// --- jobs.Store: durable priority queue ---

func jobKey(id string) []byte { return []byte(id) }

// Enqueue persists a job. Re-enqueues (retries, admission-control delays)
// use the same method with the same job ID, which simply overwrites.
func (s *BoltStore) Enqueue(ctx context.Context, job *jobs.Job) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(job)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketJobs).Put(jobKey(job.ID), data)
	})
}

// Dequeue returns the highest-priority ready job, or (nil, nil) if none are
// ready. This scans the whole bucket, which is adequate for the BoltDB
// deployment size this implementation targets; a production-scale
// deployment would use the external work-queue store spec.md §1 assumes.
func (s *BoltStore) Dequeue(ctx context.Context) (*jobs.Job, error) {
	var best *jobs.Job
	now := time.Now()

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		var candidates []*jobs.Job
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var j jobs.Job
			if err := json.Unmarshal(v, &j); err != nil {
				continue
			}
			if j.Ready(now) {
				candidates = append(candidates, &j)
			}
		}
		if len(candidates) == 0 {
			return nil
		}
		sort.SliceStable(candidates, func(i, k int) bool {
			return candidates[i].Queue.Priority() > candidates[k].Queue.Priority()
		})
		best = candidates[0]
		return b.Delete(jobKey(best.ID))
	})
	return best, err
}

// Delete removes a job (used after successful processing or permanent
// failure).
func (s *BoltStore) Delete(ctx context.Context, jobID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).Delete(jobKey(jobID))
	})
}
