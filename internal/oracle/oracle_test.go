package oracle

import (
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
)

func openTestDB(t *testing.T) *badger.DB {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLogger(nil))
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestNew_DefaultsToNativeDimsWithoutDeclaredValue(t *testing.T) {
	db := openTestDB(t)
	o, err := New(db, 384, time.Hour)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer o.Stop()

	snap := o.Snapshot()
	if snap.TargetDims != 384 {
		t.Errorf("TargetDims = %d, want 384 (native fallback)", snap.TargetDims)
	}
}

func TestRefreshNow_PicksUpDeclaredDimension(t *testing.T) {
	db := openTestDB(t)
	o, err := New(db, 384, time.Hour)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer o.Stop()

	if err := o.SetDeclaredDimension(768); err != nil {
		t.Fatal(err)
	}
	if err := o.RefreshNow(); err != nil {
		t.Fatal(err)
	}

	snap := o.Snapshot()
	if snap.TargetDims != 768 {
		t.Errorf("TargetDims = %d, want 768 after refresh", snap.TargetDims)
	}
}

func TestSetDeclaredDimension_RejectsNonPositiveOnRead(t *testing.T) {
	db := openTestDB(t)
	o, _ := New(db, 384, time.Hour)
	defer o.Stop()

	if err := o.SetDeclaredDimension(0); err != nil {
		t.Fatal(err)
	}
	// A zero declared dimension should fail validation on read, leaving the
	// previous snapshot (native fallback) untouched.
	o.RefreshNow()
	snap := o.Snapshot()
	if snap.TargetDims != 384 {
		t.Errorf("TargetDims = %d, want unchanged 384 after invalid declared value", snap.TargetDims)
	}
}
