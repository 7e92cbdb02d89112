package archon

// PayloadMgr is the abstraction the cuckoo index funnels every
// row-payload operation through, so the index itself never needs to
// know the shape of a table's columns. ClusterMgr is
// the only implementation in this module.
type PayloadMgr interface {
	// Cow ensures payload is writable and has room for newCap rows,
	// reallocating the cluster header (and, lazily, its column
	// arrays) if needed.
	Cow(mem *Memory, payload *Ref[Dyn], oldCap, newCap int) error
	// Free releases a payload's backing storage.
	Free(mem *Memory, payload Ref[Dyn], cap int)
	// ReadInternalBuffer pulls row `from`'s values into the
	// manager's scratch buffer (used by cuckoo rehash).
	ReadInternalBuffer(mem *Memory, payload Ref[Dyn], from int)
	// WriteInternalBuffer pushes the scratch buffer's values into
	// row `to`, growing column arrays as necessary.
	WriteInternalBuffer(mem *Memory, payload *Ref[Dyn], to, cap int) error
	// InitInternalBuffer zero-initializes the scratch buffer, used
	// before inserting a brand new row.
	InitInternalBuffer()
	// SwapInternalBuffer atomically exchanges the scratch buffer's
	// values with row index's values: used by cuckoo eviction to
	// carry a victim row's values across the forced-evict hop.
	SwapInternalBuffer(mem *Memory, payload *Ref[Dyn], index, cap int) error
	// Commit copies payload's writable storage into the file region.
	// rows is the leaf's current row count, needed to walk and commit
	// each row's nested list/string backing storage in turn.
	Commit(mem *Memory, payload Ref[Dyn], rows int) Ref[Dyn]
}
