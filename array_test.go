package archon

import "testing"

func TestArray(t *testing.T) {
	mem, err := newMemory(nil, chunkSize)
	if err != nil {
		t.Fatalf("newMemory: %v", err)
	}

	t.Run("zero value reads back zero without allocating", func(t *testing.T) {
		var a Array[uint64]
		if got := a.Get(mem, 0); got != 0 {
			t.Fatalf("expected 0, got %d", got)
		}
		if mem.Footprint() != 0 {
			t.Fatalf("expected no footprint, got %d", mem.Footprint())
		}
	})

	t.Run("set and get round trip across widening", func(t *testing.T) {
		var a Array[uint64]
		a.Set(mem, 0, 5, 0)
		a.Set(mem, 1, 70000, 0)
		if got := a.Get(mem, 0); got != 5 {
			t.Fatalf("index 0: expected 5, got %d", got)
		}
		if got := a.Get(mem, 1); got != 70000 {
			t.Fatalf("index 1: expected 70000, got %d", got)
		}
	})

	t.Run("writing zero into an all-zero array is a no-op", func(t *testing.T) {
		var a Array[uint64]
		before := mem.Footprint()
		a.Set(mem, 3, 0, 0)
		if mem.Footprint() != before {
			t.Fatalf("expected footprint unchanged, got %d -> %d", before, mem.Footprint())
		}
	})

	t.Run("signed round trip preserves negative values", func(t *testing.T) {
		var a Array[int64]
		a.Set(mem, 0, -1, 0)
		a.Set(mem, 1, -12345, 0)
		if got := a.Get(mem, 0); got != -1 {
			t.Fatalf("expected -1, got %d", got)
		}
		if got := a.Get(mem, 1); got != -12345 {
			t.Fatalf("expected -12345, got %d", got)
		}
	})

	t.Run("list grows but rejects shrink", func(t *testing.T) {
		var l List[uint64]
		if err := l.SetSize(mem, 4); err != nil {
			t.Fatalf("grow: %v", err)
		}
		l.SetValue(mem, 2, 99)
		if got := l.Get(mem, 2); got != 99 {
			t.Fatalf("expected 99, got %d", got)
		}
		if err := l.SetSize(mem, 1); err != ErrLogic {
			t.Fatalf("expected ErrLogic on shrink, got %v", err)
		}
	})
}
