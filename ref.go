package archon

// Ref is an untyped 64-bit offset into the arena's flat address
// space. The phantom type parameter keeps refs from being mixed up
// at call sites without costing anything at runtime: Ref[T] erases to
// the same uint64 as Ref[Dyn] on the wire.
//
// Ref(0) is the sentinel null ref. It always translates to a shared
// zero-filled page (not write-protected), so lookups never need a
// branch to special-case "missing".
type Ref[T any] uint64

// Dyn is the phantom marker for an untyped ref, used for payload
// pointers that move between the cuckoo index and the
// cluster/PayloadMgr boundary.
type Dyn struct{}

// IsNull reports whether r is the null sentinel.
func (r Ref[T]) IsNull() bool { return r == 0 }

// Raw returns the ref's bare 64-bit value.
func (r Ref[T]) Raw() uint64 { return uint64(r) }

// RefFromRaw builds a typed ref from a raw 64-bit value, e.g. after
// decoding one out of a packed array word or a serialized header.
func RefFromRaw[T any](v uint64) Ref[T] { return Ref[T](v) }

// AsDyn erases the phantom type to an untyped ref.
func AsDyn[T any](r Ref[T]) Ref[Dyn] { return Ref[Dyn](r) }

// As performs an unchecked cross-type cast: the caller asserts that
// the bytes at this ref are actually shaped like O.
func As[O any](r Ref[Dyn]) Ref[O] { return Ref[O](r) }
