package archon

import "testing"

func newTestSnapshot(t *testing.T) (*Memory, *SnapshotImpl) {
	t.Helper()
	mem, err := newMemory(nil, chunkSize)
	if err != nil {
		t.Fatalf("newMemory: %v", err)
	}
	ref, err := CreateSnapshot(mem)
	if err != nil {
		t.Fatalf("CreateSnapshot: %v", err)
	}
	return mem, newSnapshotImpl(mem, ref, true)
}

func TestSnapshot(t *testing.T) {
	_, snap := newTestSnapshot(t)

	schema := []ColumnType{ColU64, ColF64, ColString, ColListU64}
	tbl, err := snap.CreateTable(schema)
	if err != nil {
		t.Fatalf("CreateTable: %v", err)
	}

	t.Run("insert and read back a scalar column", func(t *testing.T) {
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
		if err := SetValue(obj, f, uint64(777)); err != nil {
			t.Fatalf("SetValue: %v", err)
		}
		read, err := snap.Get(tbl, 1)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got := GetValue(read, f); got != 777 {
			t.Fatalf("expected 777, got %d", got)
		}
	})

	t.Run("float column round trips", func(t *testing.T) {
		if err := snap.Insert(tbl, 2); err != nil {
			t.Fatalf("Insert: %v", err)
		}
		f, err := GetField[float64](snap, tbl, 1)
		if err != nil {
			t.Fatalf("GetField: %v", err)
		}
		obj, err := snap.Change(tbl, 2)
		if err != nil {
			t.Fatalf("Change: %v", err)
		}
		if err := SetValue(obj, f, 3.5); err != nil {
			t.Fatalf("SetValue: %v", err)
		}
		read, err := snap.Get(tbl, 2)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got := GetValue(read, f); got != 3.5 {
			t.Fatalf("expected 3.5, got %v", got)
		}
	})

	t.Run("string column round trips", func(t *testing.T) {
		if err := snap.Insert(tbl, 3); err != nil {
			t.Fatalf("Insert: %v", err)
		}
		lf, err := GetListField(snap, tbl, 2)
		if err != nil {
			t.Fatalf("GetListField: %v", err)
		}
		obj, err := snap.Change(tbl, 3)
		if err != nil {
			t.Fatalf("Change: %v", err)
		}
		if err := SetString(obj, lf, "hello"); err != nil {
			t.Fatalf("SetString: %v", err)
		}
		read, err := snap.Get(tbl, 3)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got := GetString(read, lf); got != "hello" {
			t.Fatalf("expected %q, got %q", "hello", got)
		}
	})

	t.Run("list column round trips", func(t *testing.T) {
		if err := snap.Insert(tbl, 4); err != nil {
			t.Fatalf("Insert: %v", err)
		}
		lf, err := GetListField(snap, tbl, 3)
		if err != nil {
			t.Fatalf("GetListField: %v", err)
		}
		obj, err := snap.Change(tbl, 4)
		if err != nil {
			t.Fatalf("Change: %v", err)
		}
		la, err := GetList[uint64](obj, lf)
		if err != nil {
			t.Fatalf("GetList: %v", err)
		}
		if err := la.SetSize(3); err != nil {
			t.Fatalf("SetSize: %v", err)
		}
		for i, v := range []uint64{10, 20, 30} {
			if err := la.Set(i, v); err != nil {
				t.Fatalf("Set(%d): %v", i, err)
			}
		}

		read, err := snap.Get(tbl, 4)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		rla, err := GetList[uint64](read, lf)
		if err != nil {
			t.Fatalf("GetList: %v", err)
		}
		if got := rla.Len(); got != 3 {
			t.Fatalf("expected length 3, got %d", got)
		}
		for i, want := range []uint64{10, 20, 30} {
			if got := rla.Get(i); got != want {
				t.Fatalf("index %d: expected %d, got %d", i, want, got)
			}
		}

		if _, err := GetList[int64](read, lf); err != ErrWrongType {
			t.Fatalf("expected ErrWrongType for mismatched element type, got %v", err)
		}
	})

	t.Run("duplicate row insert fails", func(t *testing.T) {
		if err := snap.Insert(tbl, 1); err != ErrKeyInUse {
			t.Fatalf("expected ErrKeyInUse, got %v", err)
		}
	})

	t.Run("exists reflects inserted rows", func(t *testing.T) {
		if !snap.Exists(tbl, 1) {
			t.Fatalf("expected row 1 to exist")
		}
		if snap.Exists(tbl, 999) {
			t.Fatalf("expected row 999 to be absent")
		}
	})

	t.Run("change on a read-only snapshot is rejected", func(t *testing.T) {
		mem, err := newMemory(nil, chunkSize)
		if err != nil {
			t.Fatalf("newMemory: %v", err)
		}
		ref, err := CreateSnapshot(mem)
		if err != nil {
			t.Fatalf("CreateSnapshot: %v", err)
		}
		ro := newSnapshotImpl(mem, ref, false)
		if _, err := ro.Change(tbl, 1); err != ErrNotWritable {
			t.Fatalf("expected ErrNotWritable, got %v", err)
		}
	})
}

func TestForEachPartition(t *testing.T) {
	_, snap := newTestSnapshot(t)
	schema := []ColumnType{ColU64}
	tbl, err := snap.CreateTable(schema)
	if err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	const rows = 64
	for i := uint64(0); i < rows; i++ {
		if err := snap.Insert(tbl, i); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}

	const partitions = 4
	seen := map[uint64]int{}
	for p := 0; p < partitions; p++ {
		err := snap.ForEachPartition(partitions, p, tbl, func(o *Object) error {
			slot := uint64(o.payload)<<16 | uint64(o.row)
			seen[slot]++
			return nil
		})
		if err != nil {
			t.Fatalf("ForEachPartition(%d): %v", p, err)
		}
	}
	if len(seen) == 0 {
		t.Fatalf("expected partitions to visit at least some rows")
	}
	for slot, count := range seen {
		if count != 1 {
			t.Fatalf("row slot %d visited %d times, want exactly once", slot, count)
		}
	}
}
