package archon

import "testing"

func TestTable(t *testing.T) {
	mem, err := newMemory(nil, chunkSize)
	if err != nil {
		t.Fatalf("newMemory: %v", err)
	}
	schema := []ColumnType{ColU64, ColF64, ColString}
	tableRef, err := CreateTable(mem, schema)
	if err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	pm := NewClusterMgr(schema)

	t.Run("schema round trips through FieldInfo", func(t *testing.T) {
		got := tableSchema(mem, uint64(tableRef))
		if len(got) != len(schema) {
			t.Fatalf("expected %d columns, got %d", len(schema), len(got))
		}
		for i, want := range schema {
			if got[i] != want {
				t.Fatalf("column %d: expected %c, got %c", i, want, got[i])
			}
		}
	})

	t.Run("insert then exists", func(t *testing.T) {
		if err := TableInsert(mem, pm, tableRef, 7); err != nil {
			t.Fatalf("TableInsert: %v", err)
		}
		if !TableExists(mem, tableRef, 7) {
			t.Fatalf("expected row 7 to exist")
		}
		if TableExists(mem, tableRef, 8) {
			t.Fatalf("expected row 8 to be absent")
		}
	})

	t.Run("duplicate insert fails", func(t *testing.T) {
		if err := TableInsert(mem, pm, tableRef, 7); err != ErrKeyInUse {
			t.Fatalf("expected ErrKeyInUse, got %v", err)
		}
	})

	t.Run("check field rejects wrong type", func(t *testing.T) {
		if _, err := CheckField[int64](mem, tableRef, 0); err != ErrWrongType {
			t.Fatalf("expected ErrWrongType, got %v", err)
		}
		f, err := CheckField[uint64](mem, tableRef, 0)
		if err != nil {
			t.Fatalf("CheckField: %v", err)
		}
		if f.Col != 0 {
			t.Fatalf("expected column 0, got %d", f.Col)
		}
	})

	t.Run("stale field detected when the captured key differs from the column's", func(t *testing.T) {
		f, err := CheckField[uint64](mem, tableRef, 0)
		if err != nil {
			t.Fatalf("CheckField: %v", err)
		}
		if err := checkStale(mem, tableRef, 0, f.Key); err != nil {
			t.Fatalf("expected fresh field to pass staleness check: %v", err)
		}
		if err := checkStale(mem, tableRef, 0, f.Key^1); err != ErrStaleField {
			t.Fatalf("expected ErrStaleField, got %v", err)
		}
	})
}
