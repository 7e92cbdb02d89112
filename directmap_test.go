package archon

import "testing"

func TestDirectMap(t *testing.T) {
	mem, err := newMemory(nil, chunkSize)
	if err != nil {
		t.Fatalf("newMemory: %v", err)
	}
	var dm DirectMap
	if err := dm.Init(mem, 16); err != nil {
		t.Fatalf("Init: %v", err)
	}

	t.Run("insert assigns a usable key", func(t *testing.T) {
		key, err := dm.Insert(mem)
		if err != nil {
			t.Fatalf("Insert: %v", err)
		}
		if _, err := dm.CowPath(mem, key); err != nil {
			t.Fatalf("CowPath: %v", err)
		}
		dm.SetValue(mem, key, 123)
		got, ok := dm.Get(mem, key)
		if !ok || got != 123 {
			t.Fatalf("expected 123, got %d (ok=%v)", got, ok)
		}
	})

	t.Run("many entries all round trip", func(t *testing.T) {
		keys := make([]uint64, 0, 50)
		for i := 0; i < 50; i++ {
			key, err := dm.Insert(mem)
			if err != nil {
				t.Fatalf("Insert: %v", err)
			}
			if _, err := dm.CowPath(mem, key); err != nil {
				t.Fatalf("CowPath: %v", err)
			}
			dm.SetValue(mem, key, uint64(i))
			keys = append(keys, key)
		}
		for i, key := range keys {
			got, ok := dm.Get(mem, key)
			if !ok || got != uint64(i) {
				t.Fatalf("entry %d: expected %d, got %d (ok=%v)", i, i, got, ok)
			}
		}
	})
}
