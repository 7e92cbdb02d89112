package archon

import "encoding/binary"

// ColumnType is the single-ASCII-character column type descriptor
// Uppercase denotes the list variant of the
// corresponding lowercase scalar type.
type ColumnType byte

const (
	ColU64      ColumnType = 'u'
	ColI64      ColumnType = 'i'
	ColF32      ColumnType = 'f'
	ColF64      ColumnType = 'd'
	ColTableRef ColumnType = 't'
	ColRowRef   ColumnType = 'r'
	ColString   ColumnType = 's'
	ColListU64  ColumnType = 'U'
	ColListI64  ColumnType = 'I'
	ColListF32  ColumnType = 'F'
	ColListF64  ColumnType = 'D'
	ColListT    ColumnType = 'T'
	ColListR    ColumnType = 'R'
)

func isListType(t ColumnType) bool {
	switch t {
	case ColListU64, ColListI64, ColListF32, ColListF64, ColListT, ColListR:
		return true
	}
	return false
}

// cell is the tagged-union scratch slot a ClusterMgr carries one per
// column: every column's cluster storage reduces to a single packed
// uint64 per row (a raw scalar bit pattern, an encoded ref, or a List
// ref), so the "union" collapses to one field here rather than a
// separate field per numeric kind. A bug class where an integer
// accessor reads a slot meant for a float (or vice versa) has no
// analogue in this layout: there is only one bit-pattern field to
// read, so the two kinds share the same storage by construction. This
// representational choice is recorded in DESIGN.md.
type cell struct {
	bits uint64
}

// Cluster is the per-leaf columnar payload block: one
// packed Array[uint64] word per schema column, holding up to 256 rows
// (the cuckoo leaf's row count) worth of values.
const clusterEntrySize = 8

func clusterSize(numFields int) int { return numFields * clusterEntrySize }

func clusterColumnArray(mem *Memory, clusterRef uint64, col int) Array[uint64] {
	buf := mem.translate(clusterRef, (col+1)*clusterEntrySize)
	return Array[uint64]{data: binary.LittleEndian.Uint64(buf[col*clusterEntrySize:])}
}

func setClusterColumnArray(mem *Memory, clusterRef uint64, col int, arr Array[uint64]) {
	buf := mem.translate(clusterRef, (col+1)*clusterEntrySize)
	binary.LittleEndian.PutUint64(buf[col*clusterEntrySize:], arr.data)
}

// ClusterMgr implements PayloadMgr over a Cluster, dispatching each
// operation across the table's schema via a switch on ColumnType --
// the per-row storage is compact enough that a switch over 13
// single-character type tags is adequate.
type ClusterMgr struct {
	schema []ColumnType
	buf    []cell
}

// NewClusterMgr builds a manager for the given column schema.
func NewClusterMgr(schema []ColumnType) *ClusterMgr {
	return &ClusterMgr{schema: schema, buf: make([]cell, len(schema))}
}

func (c *ClusterMgr) InitInternalBuffer() {
	for i := range c.buf {
		c.buf[i] = cell{}
	}
}

// Cow ensures the cluster header itself is writable at (at least)
// newCap row capacity; individual column arrays are COW'd lazily, the
// first time a row in them is written, by Array[T].Set/ensureStorage.
func (c *ClusterMgr) Cow(mem *Memory, payload *Ref[Dyn], oldCap, newCap int) error {
	sz := clusterSize(len(c.schema))
	if payload == nil || *payload == 0 {
		ref, _, err := mem.Alloc(sz)
		if err != nil {
			return err
		}
		*payload = Ref[Dyn](ref)
		return nil
	}
	if mem.IsWritable(uint64(*payload)) {
		return nil
	}
	newRef, newBuf, err := mem.Alloc(sz)
	if err != nil {
		return err
	}
	copy(newBuf, mem.translate(uint64(*payload), sz))
	mem.Free(uint64(*payload), sz)
	*payload = Ref[Dyn](newRef)
	return nil
}

func (c *ClusterMgr) Free(mem *Memory, payload Ref[Dyn], cap int) {
	if payload == 0 {
		return
	}
	for col := range c.schema {
		arr := clusterColumnArray(mem, uint64(payload), col)
		arr.Free(mem)
		setClusterColumnArray(mem, uint64(payload), col, arr)
	}
	mem.Free(uint64(payload), clusterSize(len(c.schema)))
}

// ReadInternalBuffer pulls row `from`'s raw values into the scratch
// buffer (used by cuckoo rehash to carry a row across a tree grow).
func (c *ClusterMgr) ReadInternalBuffer(mem *Memory, payload Ref[Dyn], from int) {
	for col := range c.schema {
		arr := clusterColumnArray(mem, uint64(payload), col)
		c.buf[col].bits = arr.Get(mem, from)
	}
}

// WriteInternalBuffer pushes the scratch buffer into row `to`,
// growing each column's array as needed.
func (c *ClusterMgr) WriteInternalBuffer(mem *Memory, payload *Ref[Dyn], to, cap int) error {
	for col := range c.schema {
		arr := clusterColumnArray(mem, uint64(*payload), col)
		arr.Set(mem, to, c.buf[col].bits, cap)
		setClusterColumnArray(mem, uint64(*payload), col, arr)
	}
	return nil
}

// SwapInternalBuffer exchanges the scratch buffer's values with row
// index's values -- the mechanism cuckoo eviction uses to carry a
// forced-out row's data to its alternate home.
func (c *ClusterMgr) SwapInternalBuffer(mem *Memory, payload *Ref[Dyn], index, cap int) error {
	for col := range c.schema {
		arr := clusterColumnArray(mem, uint64(*payload), col)
		old := arr.Get(mem, index)
		arr.Set(mem, index, c.buf[col].bits, cap)
		setClusterColumnArray(mem, uint64(*payload), col, arr)
		c.buf[col].bits = old
	}
	return nil
}

// needsNestedCommit reports whether a column's per-row cell word is
// itself a packed-array descriptor (string or list storage) with its
// own backing allocation, as opposed to a bare scalar or ref value
// that Commit can move by copying the cell word verbatim.
func needsNestedCommit(t ColumnType) bool {
	return t == ColString || isListType(t)
}

// Commit copies every column array (and the cluster header itself)
// into file storage. For string/list columns the per-row cell word is
// itself a packed-array/list descriptor whose own backing storage
// still lives in scratch; each such row's nested array is committed
// in turn and the cell word rewritten to point at its new file-region
// home before the outer column array itself is committed, otherwise
// a reader of the committed generation would dereference a dangling
// scratch ref through the copied-but-unmoved word.
func (c *ClusterMgr) Commit(mem *Memory, payload Ref[Dyn], rows int) Ref[Dyn] {
	if payload == 0 || !mem.IsWritable(uint64(payload)) {
		return payload
	}
	sz := clusterSize(len(c.schema))
	newRef, newBuf, err := mem.AllocInFile(sz)
	if err != nil {
		panic(err)
	}
	copy(newBuf, mem.translate(uint64(payload), sz))
	for col, typ := range c.schema {
		arr := clusterColumnArray(mem, newRef, col)
		if needsNestedCommit(typ) {
			for row := 0; row < rows; row++ {
				word := arr.Get(mem, row)
				if word == 0 {
					continue
				}
				nested := Array[uint64]{data: word}.Commit(mem)
				arr.Set(mem, row, nested.data, rows)
			}
		}
		arr = arr.Commit(mem)
		setClusterColumnArray(mem, newRef, col, arr)
	}
	mem.Free(uint64(payload), sz)
	return Ref[Dyn](newRef)
}
