// Package storage — bolt.go
//
// BoltDB-backed persistent storage for the Stem runtime.
//
// Schema (BoltDB bucket layout):
//
//	/ledger_entries
//	    key:   zero-padded cycle_id + "_" + zero-padded entry_id  [sortable]
//	    value: JSON-encoded LedgerEntryRecord
//
//	/reservations
//	    key:   zero-padded reserve_entry_id
//	    value: JSON-encoded ReservationRecord
//
//	/cognition
//	    key:   "state"
//	    value: JSON-encoded CognitionRecord
//
//	/meta
//	    key:   "schema_version"
//	    value: "1"
//
// Consistency model:
//   - Single-process, single-writer (BoltDB does not support concurrent writers).
//   - All writes use ACID transactions (bbolt Tx.Commit()).
//   - Reads use read-only transactions (bbolt.View()).
//   - CRC32 integrity check on database open (bbolt built-in).
//
// Retention:
//   - Ledger entries older than RetentionCycles are pruned by Stem's
//     reap_expired step, not by a background goroutine: retention is
//     cycle-counted, not wall-clock, so it must run on the same clock
//     as reservation expiry.
//
// Failure modes:
//   - BoltDB file corruption: bbolt detects via CRC and returns an error
//     on Open(). Stem logs a fatal event and refuses to start.
//   - Disk full: bbolt.Update() returns an error. The caller decides
//     whether to treat a persistence failure as fatal; Ledger does not
//     hold up in-memory state on a write failure it cannot recover from.
package storage

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/stemrun/stem/internal/observability"
)

const (
	// DefaultDBPath is the default BoltDB file location.
	DefaultDBPath = "/var/lib/stem/stem.db"

	// SchemaVersion is the current database schema version.
	SchemaVersion = "1"

	// bucketLedgerEntries is the BoltDB bucket name for survival-ledger entries.
	bucketLedgerEntries = "ledger_entries"

	// bucketReservations is the BoltDB bucket name for reservation snapshots.
	bucketReservations = "reservations"

	// bucketCognition is the BoltDB bucket name for the cognition-state revision.
	bucketCognition = "cognition"

	// bucketMeta is the BoltDB bucket name for schema metadata.
	bucketMeta = "meta"

	cognitionKey = "state"
)

// LedgerEntryRecord is the persisted form of a survival-ledger entry.
// Stored as JSON in the ledger_entries bucket.
type LedgerEntryRecord struct {
	ID          int64   `json:"id"`
	CycleID     uint64  `json:"cycle_id"`
	Direction   string  `json:"direction"` // debit | credit | adjustment
	AmountMicro int64   `json:"amount_micro"`
	Source      string  `json:"source"`
	Accuracy    float64 `json:"accuracy"`
	ReferenceID string  `json:"reference_id"`
	Note        string  `json:"note"`
}

// ReservationRecord is the persisted form of a reservation.
// Stored as JSON in the reservations bucket.
type ReservationRecord struct {
	ReserveEntryID    int64  `json:"reserve_entry_id"`
	AmountMicro       int64  `json:"amount_micro"`
	CreatedCycle      uint64 `json:"created_cycle"`
	ExpiresAtCycle    uint64 `json:"expires_at_cycle"`
	State             string `json:"state"` // open | settled | refunded | expired
	TerminalReference string `json:"terminal_reference"`
}

// CognitionRecord is the persisted form of cognition.State.
type CognitionRecord struct {
	Revision  uint64          `json:"revision"`
	GoalStack json.RawMessage `json:"goal_stack"`
}

// DB wraps a BoltDB instance with typed accessors for Stem's persisted state.
type DB struct {
	db      *bolt.DB
	metrics *observability.Metrics
}

// WithMetrics attaches a Prometheus metrics sink. Optional; a nil sink
// is never dereferenced.
func (d *DB) WithMetrics(m *observability.Metrics) *DB {
	d.metrics = m
	return d
}

// timedUpdate runs fn in a write transaction, recording its wall time
// against StorageWriteLatency when a metrics sink is attached.
func (d *DB) timedUpdate(fn func(*bolt.Tx) error) error {
	if d.metrics == nil {
		return d.db.Update(fn)
	}
	start := time.Now()
	err := d.db.Update(fn)
	d.metrics.StorageWriteLatency.Observe(time.Since(start).Seconds())
	return err
}

// Open opens (or creates) the BoltDB database at the given path.
// Initialises all required buckets and verifies the schema version.
// Returns an error if the database is corrupt or schema is incompatible.
func Open(path string) (*DB, error) {
	bdb, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout:      5 * time.Second,
		NoGrowSync:   false,
		FreelistType: bolt.FreelistArrayType,
	})
	if err != nil {
		return nil, fmt.Errorf("bolt.Open(%q): %w", path, err)
	}

	d := &DB{db: bdb}

	// Initialise buckets and schema version in a single write transaction.
	if err := d.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketLedgerEntries, bucketReservations, bucketCognition, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("CreateBucketIfNotExists(%q): %w", name, err)
			}
		}

		meta := tx.Bucket([]byte(bucketMeta))
		if meta.Get([]byte("schema_version")) == nil {
			if err := meta.Put([]byte("schema_version"), []byte(SchemaVersion)); err != nil {
				return fmt.Errorf("write schema_version: %w", err)
			}
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("database initialisation failed: %w", err)
	}

	if err := d.checkSchemaVersion(); err != nil {
		_ = bdb.Close()
		return nil, err
	}

	return d, nil
}

// checkSchemaVersion reads and validates the stored schema version.
func (d *DB) checkSchemaVersion() error {
	return d.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(bucketMeta))
		v := meta.Get([]byte("schema_version"))
		if string(v) != SchemaVersion {
			return fmt.Errorf(
				"schema version mismatch: database has %q, runtime requires %q. "+
					"Run migration or restore from backup.",
				string(v), SchemaVersion,
			)
		}
		return nil
	})
}

// Close closes the underlying BoltDB file.
func (d *DB) Close() error {
	return d.db.Close()
}

// ─── Ledger entry operations ──────────────────────────────────────────────

// ledgerEntryKey constructs a sortable BoltDB key for a ledger entry.
// Lexicographic sort = (cycle, entry) chronological sort.
func ledgerEntryKey(cycleID uint64, entryID int64) []byte {
	return []byte(fmt.Sprintf("%020d_%020d", cycleID, entryID))
}

// AppendLedgerEntry writes a new append-only survival-ledger entry.
func (d *DB) AppendLedgerEntry(rec LedgerEntryRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("AppendLedgerEntry marshal: %w", err)
	}

	key := ledgerEntryKey(rec.CycleID, rec.ID)
	return d.timedUpdate(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketLedgerEntries))
		if err := b.Put(key, data); err != nil {
			return fmt.Errorf("AppendLedgerEntry bolt.Put: %w", err)
		}
		return nil
	})
}

// PruneLedgerEntriesBefore deletes ledger entries whose cycle_id is
// strictly less than cutoffCycle. Called by Stem's reap_expired step,
// not a background goroutine, since retention here is cycle-counted.
// Returns the number of entries deleted.
func (d *DB) PruneLedgerEntriesBefore(cutoffCycle uint64) (int, error) {
	cutoffKey := ledgerEntryKey(cutoffCycle, 0)

	var deleted int
	err := d.timedUpdate(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketLedgerEntries))
		c := b.Cursor()

		var toDelete [][]byte
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if string(k) >= string(cutoffKey) {
				break
			}
			keyCopy := make([]byte, len(k))
			copy(keyCopy, k)
			toDelete = append(toDelete, keyCopy)
		}

		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return fmt.Errorf("PruneLedgerEntriesBefore delete: %w", err)
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

// ReadLedgerEntries returns all ledger entries in chronological order.
// For operational use (operator inspection). Not called on the hot path.
func (d *DB) ReadLedgerEntries() ([]LedgerEntryRecord, error) {
	var entries []LedgerEntryRecord
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketLedgerEntries))
		return b.ForEach(func(_, v []byte) error {
			var rec LedgerEntryRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			entries = append(entries, rec)
			return nil
		})
	})
	return entries, err
}

// ─── Reservation operations ───────────────────────────────────────────────

func reservationKey(id int64) []byte {
	return []byte(fmt.Sprintf("%020d", id))
}

// PutReservation writes or updates a reservation snapshot.
func (d *DB) PutReservation(rec ReservationRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("PutReservation marshal: %w", err)
	}
	return d.timedUpdate(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketReservations))
		return b.Put(reservationKey(rec.ReserveEntryID), data)
	})
}

// DeleteReservation removes a reservation snapshot. The Ledger does not
// call it; terminal reservations keep their persisted record.
func (d *DB) DeleteReservation(id int64) error {
	return d.timedUpdate(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketReservations))
		return b.Delete(reservationKey(id))
	})
}

// ReadReservations returns every persisted reservation snapshot.
func (d *DB) ReadReservations() ([]ReservationRecord, error) {
	var recs []ReservationRecord
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketReservations))
		return b.ForEach(func(_, v []byte) error {
			var rec ReservationRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			recs = append(recs, rec)
			return nil
		})
	})
	return recs, err
}

// ─── Cognition operations ─────────────────────────────────────────────────

// PutCognition writes the current cognition-state snapshot, replacing
// any previous value.
func (d *DB) PutCognition(rec CognitionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("PutCognition marshal: %w", err)
	}
	return d.timedUpdate(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketCognition))
		return b.Put([]byte(cognitionKey), data)
	})
}

// GetCognition reads the current cognition-state snapshot. Returns
// (zero value, false, nil) if none has been persisted yet.
func (d *DB) GetCognition() (CognitionRecord, bool, error) {
	var rec CognitionRecord
	found := false
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketCognition))
		data := b.Get([]byte(cognitionKey))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &rec)
	})
	return rec, found, err
}
