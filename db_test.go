package archon

import (
	"path/filepath"
	"testing"
)

func TestDbCreateOpenCommit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.archon")

	db, err := Create(path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	snap, err := db.CreateChanges()
	if err != nil {
		t.Fatalf("CreateChanges: %v", err)
	}
	tbl, err := snap.CreateTable([]ColumnType{ColU64})
	if err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	if err := snap.Insert(tbl, 1); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	f, err := GetField[uint64](snap, tbl, 0)
	if err != nil {
		t.Fatalf("GetField: %v", err)
	}
	obj, err := snap.Change(tbl, 1)
	if err != nil {
		t.Fatalf("Change: %v", err)
	}
	if err := SetValue(obj, f, uint64(42)); err != nil {
		t.Fatalf("SetValue: %v", err)
	}

	t.Run("commit then read back through a fresh snapshot", func(t *testing.T) {
		if err := db.Commit(snap); err != nil {
			t.Fatalf("Commit: %v", err)
		}
		reader, err := db.OpenSnapshot()
		if err != nil {
			t.Fatalf("OpenSnapshot: %v", err)
		}
		if !reader.Exists(tbl, 1) {
			t.Fatalf("expected row 1 to exist after commit")
		}
		rf, err := GetField[uint64](reader, tbl, 0)
		if err != nil {
			t.Fatalf("GetField: %v", err)
		}
		ro, err := reader.Get(tbl, 1)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got := GetValue(ro, rf); got != 42 {
			t.Fatalf("expected 42, got %d", got)
		}
	})

	t.Run("reopening the file sees the committed generation", func(t *testing.T) {
		db2, err := Open(path)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		defer db2.Close()
		reader, err := db2.OpenSnapshot()
		if err != nil {
			t.Fatalf("OpenSnapshot: %v", err)
		}
		if !reader.Exists(tbl, 1) {
			t.Fatalf("expected row 1 to exist in reopened file")
		}
	})
}

// TestDbCommitStringAndListColumns commits a row whose string and list
// columns still have their backing storage in scratch at Commit time,
// then reopens the file from scratch: a reader's Memory only ever maps
// file chunks, so a nested array ref left pointing at scratch would
// read back as garbage or panic in translate.
func TestDbCommitStringAndListColumns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.archon")

	db, err := Create(path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	snap, err := db.CreateChanges()
	if err != nil {
		t.Fatalf("CreateChanges: %v", err)
	}
	tbl, err := snap.CreateTable([]ColumnType{ColString, ColListU64})
	if err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	if err := snap.Insert(tbl, 1); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	lf, err := GetListField(snap, tbl, 0)
	if err != nil {
		t.Fatalf("GetListField: %v", err)
	}
	ulf, err := GetListField(snap, tbl, 1)
	if err != nil {
		t.Fatalf("GetListField: %v", err)
	}
	obj, err := snap.Change(tbl, 1)
	if err != nil {
		t.Fatalf("Change: %v", err)
	}
	if err := SetString(obj, lf, "committed string"); err != nil {
		t.Fatalf("SetString: %v", err)
	}
	la, err := GetList[uint64](obj, ulf)
	if err != nil {
		t.Fatalf("GetList: %v", err)
	}
	if err := la.SetSize(2); err != nil {
		t.Fatalf("SetSize: %v", err)
	}
	if err := la.Set(0, 111); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := la.Set(1, 222); err != nil {
		t.Fatalf("Set: %v", err)
	}

	if err := db.Commit(snap); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	db.Close()

	db2, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db2.Close()
	reader, err := db2.OpenSnapshot()
	if err != nil {
		t.Fatalf("OpenSnapshot: %v", err)
	}
	ro, err := reader.Get(tbl, 1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got := GetString(ro, lf); got != "committed string" {
		t.Fatalf("expected %q, got %q", "committed string", got)
	}
	rla, err := GetList[uint64](ro, ulf)
	if err != nil {
		t.Fatalf("GetList: %v", err)
	}
	if got := rla.Len(); got != 2 {
		t.Fatalf("expected length 2, got %d", got)
	}
	if got := rla.Get(0); got != 111 {
		t.Fatalf("index 0: expected 111, got %d", got)
	}
	if got := rla.Get(1); got != 222 {
		t.Fatalf("index 1: expected 222, got %d", got)
	}
}
