package archon

import "testing"

func TestCuckoo(t *testing.T) {
	mem, err := newMemory(nil, chunkSize)
	if err != nil {
		t.Fatalf("newMemory: %v", err)
	}
	schema := []ColumnType{ColU64, ColI64}
	pm := NewClusterMgr(schema)

	var c Cuckoo
	if err := c.Init(mem, 256); err != nil {
		t.Fatalf("Init: %v", err)
	}

	t.Run("insert then find round trip", func(t *testing.T) {
		pm.InitInternalBuffer()
		if err := c.Insert(mem, pm, 42); err != nil {
			t.Fatalf("Insert: %v", err)
		}
		payload, _, _, ok := c.Find(mem, 42)
		if !ok {
			t.Fatalf("expected key 42 to be found")
		}
		if payload == 0 {
			t.Fatalf("expected a non-null payload ref")
		}
	})

	t.Run("duplicate insert fails", func(t *testing.T) {
		pm.InitInternalBuffer()
		if err := c.Insert(mem, pm, 42); err != ErrKeyInUse {
			t.Fatalf("expected ErrKeyInUse, got %v", err)
		}
	})

	t.Run("missing key is not found", func(t *testing.T) {
		if _, _, _, ok := c.Find(mem, 9999); ok {
			t.Fatalf("expected key 9999 to be absent")
		}
	})

	t.Run("many inserts survive a tree grow", func(t *testing.T) {
		for i := uint64(1000); i < 1400; i++ {
			pm.InitInternalBuffer()
			if err := c.Insert(mem, pm, i); err != nil {
				t.Fatalf("Insert(%d): %v", i, err)
			}
		}
		for i := uint64(1000); i < 1400; i++ {
			if _, _, _, ok := c.Find(mem, i); !ok {
				t.Fatalf("expected key %d to survive growth", i)
			}
		}
	})
}

// TestCuckooEvictionCarriesValues exercises a forced-eviction chain
// (insertInLeaf's conflict branch) with a distinct, non-zero value set
// on every inserted row, so a value dropped by an incorrectly zeroed
// internal buffer during a multi-hop eviction would surface as a
// mismatch rather than being masked by every row sharing a zero value.
func TestCuckooEvictionCarriesValues(t *testing.T) {
	mem, err := newMemory(nil, chunkSize)
	if err != nil {
		t.Fatalf("newMemory: %v", err)
	}
	schema := []ColumnType{ColU64}
	pm := NewClusterMgr(schema)

	var c Cuckoo
	if err := c.Init(mem, 256); err != nil {
		t.Fatalf("Init: %v", err)
	}

	const n = 2000
	want := make(map[uint64]uint64, n)
	for i := uint64(0); i < n; i++ {
		v := i*7 + 1
		pm.InitInternalBuffer()
		pm.buf[0].bits = v
		if err := c.Insert(mem, pm, i); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
		want[i] = v
	}

	for i := uint64(0); i < n; i++ {
		payload, row, _, ok := c.Find(mem, i)
		if !ok {
			t.Fatalf("expected key %d to be found", i)
		}
		arr := clusterColumnArray(mem, uint64(payload), 0)
		if got := arr.Get(mem, row); got != want[i] {
			t.Fatalf("key %d: expected value %d, got %d", i, want[i], got)
		}
	}
}
