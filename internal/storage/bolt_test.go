package storage

import (
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stem.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOpen_InitializesSchemaVersion(t *testing.T) {
	db := openTestDB(t)
	if err := db.checkSchemaVersion(); err != nil {
		t.Fatalf("expected schema version to validate, got %v", err)
	}
}

func TestAppendAndReadLedgerEntries_PreservesChronologicalOrder(t *testing.T) {
	db := openTestDB(t)

	entries := []LedgerEntryRecord{
		{ID: 1, CycleID: 1, Direction: "debit", AmountMicro: 100, ReferenceID: "r1"},
		{ID: 2, CycleID: 1, Direction: "credit", AmountMicro: 50, ReferenceID: "r2"},
		{ID: 1, CycleID: 2, Direction: "debit", AmountMicro: 10, ReferenceID: "r3"},
	}
	for _, e := range entries {
		if err := db.AppendLedgerEntry(e); err != nil {
			t.Fatalf("AppendLedgerEntry failed: %v", err)
		}
	}

	got, err := db.ReadLedgerEntries()
	if err != nil {
		t.Fatalf("ReadLedgerEntries failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i-1].CycleID > got[i].CycleID {
			t.Errorf("expected chronological cycle order, got %d then %d", got[i-1].CycleID, got[i].CycleID)
		}
	}
}

func TestPruneLedgerEntriesBefore_RemovesOlderCycles(t *testing.T) {
	db := openTestDB(t)

	for cycle := uint64(1); cycle <= 5; cycle++ {
		if err := db.AppendLedgerEntry(LedgerEntryRecord{ID: 1, CycleID: cycle, Direction: "debit", AmountMicro: 1}); err != nil {
			t.Fatalf("AppendLedgerEntry failed: %v", err)
		}
	}

	deleted, err := db.PruneLedgerEntriesBefore(3)
	if err != nil {
		t.Fatalf("PruneLedgerEntriesBefore failed: %v", err)
	}
	if deleted != 2 {
		t.Errorf("expected 2 entries deleted (cycles 1,2), got %d", deleted)
	}

	remaining, err := db.ReadLedgerEntries()
	if err != nil {
		t.Fatalf("ReadLedgerEntries failed: %v", err)
	}
	if len(remaining) != 3 {
		t.Errorf("expected 3 entries remaining, got %d", len(remaining))
	}
}

func TestPutAndDeleteReservation_RoundTrips(t *testing.T) {
	db := openTestDB(t)

	rec := ReservationRecord{ReserveEntryID: 7, AmountMicro: 250, CreatedCycle: 1, ExpiresAtCycle: 10, State: "open"}
	if err := db.PutReservation(rec); err != nil {
		t.Fatalf("PutReservation failed: %v", err)
	}

	recs, err := db.ReadReservations()
	if err != nil {
		t.Fatalf("ReadReservations failed: %v", err)
	}
	if len(recs) != 1 || recs[0].ReserveEntryID != 7 {
		t.Fatalf("expected 1 reservation with id 7, got %+v", recs)
	}

	if err := db.DeleteReservation(7); err != nil {
		t.Fatalf("DeleteReservation failed: %v", err)
	}
	recs, err = db.ReadReservations()
	if err != nil {
		t.Fatalf("ReadReservations failed: %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("expected 0 reservations after delete, got %d", len(recs))
	}
}

func TestPutAndGetCognition_ReturnsLatestWrite(t *testing.T) {
	db := openTestDB(t)

	if _, found, err := db.GetCognition(); err != nil || found {
		t.Fatalf("expected no cognition record before first write, found=%v err=%v", found, err)
	}

	if err := db.PutCognition(CognitionRecord{Revision: 1, GoalStack: []byte("[]")}); err != nil {
		t.Fatalf("PutCognition failed: %v", err)
	}
	if err := db.PutCognition(CognitionRecord{Revision: 2, GoalStack: []byte(`["g1"]`)}); err != nil {
		t.Fatalf("PutCognition failed: %v", err)
	}

	rec, found, err := db.GetCognition()
	if err != nil {
		t.Fatalf("GetCognition failed: %v", err)
	}
	if !found {
		t.Fatal("expected a cognition record to be found")
	}
	if rec.Revision != 2 {
		t.Errorf("expected latest revision 2, got %d", rec.Revision)
	}
}
