package archon

import (
	"crypto/rand"
	"encoding/binary"
)

// Table byte layout: two embedded TreeTop headers (primary and an
// unused secondary tree, kept for layout compatibility) followed by
// the field count and the FieldInfo array.
const (
	tblPrimaryOff   = 0
	tblSecondaryOff = 28
	treeHeaderSize  = 28 // mask(8) + count(8) + levels(4) + top(8)
	tblNumFieldsOff = tblSecondaryOff + treeHeaderSize
	tblFieldsOff    = tblNumFieldsOff + 2
	fieldInfoSize   = 9 // key(8) + type(1)
)

func tableSize(numFields int) int { return tblFieldsOff + numFields*fieldInfoSize }

func readTreeHeader(mem *Memory, ref uint64, off int) (mask, count uint64, levels int, top uint64) {
	buf := mem.translate(ref, off+treeHeaderSize)
	mask = binary.LittleEndian.Uint64(buf[off:])
	count = binary.LittleEndian.Uint64(buf[off+8:])
	levels = int(binary.LittleEndian.Uint32(buf[off+16:]))
	top = binary.LittleEndian.Uint64(buf[off+20:])
	return
}

func writeTreeHeader(mem *Memory, ref uint64, off int, mask, count uint64, levels int, top uint64) {
	buf := mem.translate(ref, off+treeHeaderSize)
	binary.LittleEndian.PutUint64(buf[off:], mask)
	binary.LittleEndian.PutUint64(buf[off+8:], count)
	binary.LittleEndian.PutUint32(buf[off+16:], uint32(levels))
	binary.LittleEndian.PutUint64(buf[off+20:], top)
}

// loadCuckoo reconstructs a Cuckoo's small header state from the
// table's bytes. The tree's inner nodes themselves live in their own
// arena allocations, addressed by the Top ref read here; only the
// four header scalars are embedded inline in the table: a TreeTop
// value embedded in a Cuckoo value embedded in a Table.
func loadCuckoo(mem *Memory, tableRef uint64) Cuckoo {
	pMask, pCount, pLevels, pTop := readTreeHeader(mem, tableRef, tblPrimaryOff)
	sMask, sCount, sLevels, sTop := readTreeHeader(mem, tableRef, tblSecondaryOff)
	return Cuckoo{
		PrimaryTree:   TreeTop[TreeLeaf]{Mask: pMask, Count: pCount, Levels: pLevels, Top: pTop},
		SecondaryTree: TreeTop[TreeLeaf]{Mask: sMask, Count: sCount, Levels: sLevels, Top: sTop},
	}
}

func storeCuckoo(mem *Memory, tableRef uint64, c Cuckoo) {
	writeTreeHeader(mem, tableRef, tblPrimaryOff, c.PrimaryTree.Mask, c.PrimaryTree.Count, c.PrimaryTree.Levels, c.PrimaryTree.Top)
	writeTreeHeader(mem, tableRef, tblSecondaryOff, c.SecondaryTree.Mask, c.SecondaryTree.Count, c.SecondaryTree.Levels, c.SecondaryTree.Top)
}

func tableNumFields(mem *Memory, ref uint64) int {
	buf := mem.translate(ref, tblNumFieldsOff+2)
	return int(binary.LittleEndian.Uint16(buf[tblNumFieldsOff:]))
}

func tableFieldAt(mem *Memory, ref uint64, col int) (key uint64, typ ColumnType) {
	o := tblFieldsOff + col*fieldInfoSize
	buf := mem.translate(ref, o+fieldInfoSize)
	return binary.LittleEndian.Uint64(buf[o:]), ColumnType(buf[o+8])
}

func setTableFieldAt(mem *Memory, ref uint64, col int, key uint64, typ ColumnType) {
	o := tblFieldsOff + col*fieldInfoSize
	buf := mem.translate(ref, o+fieldInfoSize)
	binary.LittleEndian.PutUint64(buf[o:], key)
	buf[o+8] = byte(typ)
}

func tableSchema(mem *Memory, ref uint64) []ColumnType {
	n := tableNumFields(mem, ref)
	schema := make([]ColumnType, n)
	for i := 0; i < n; i++ {
		_, typ := tableFieldAt(mem, ref, i)
		schema[i] = typ
	}
	return schema
}

func randomKeyTag() uint64 {
	var b [6]byte
	_, _ = rand.Read(b[:])
	var tag uint64
	for _, x := range b {
		tag = (tag << 8) | uint64(x)
	}
	return tag & 0xFFFFFFFFFFFF
}

// CreateTable allocates a fresh Table with the given column schema,
// a zero-sized cuckoo index, and a per-column FieldInfo whose key
// packs a 48-bit random tag (high bits) with the column's position
// (low 16 bits), so a Field<T> captured before a schema change is
// detected as stale by a tag mismatch rather than silently reading
// the wrong column.
func CreateTable(mem *Memory, schema []ColumnType) (Ref[Table], error) {
	n := len(schema)
	ref, _, err := mem.Alloc(tableSize(n))
	if err != nil {
		return 0, err
	}
	buf := mem.translate(ref, tblNumFieldsOff+2)
	binary.LittleEndian.PutUint16(buf[tblNumFieldsOff:], uint16(n))
	for i, t := range schema {
		key := (randomKeyTag() << 16) | uint64(i)
		setTableFieldAt(mem, ref, i, key, t)
	}
	var c Cuckoo
	if err := c.Init(mem, 256); err != nil {
		return 0, err
	}
	storeCuckoo(mem, ref, c)
	return Ref[Table](ref), nil
}

// Table is the phantom type marker for Ref[Table]; all field access
// goes through the byte-offset helpers above.
type Table struct{}

// Field is a typed, schema-generation-tagged handle to a scalar
// column, returned by GetField and consumed by GetValue/SetValue.
// String and list columns are addressed through ListField instead,
// since their storage isn't a bare packed scalar.
type Field[T Packable] struct {
	Key   uint64
	Col   int
	Type  ColumnType
	table Ref[Table]
}

func columnTypeFor[T Packable]() ColumnType {
	var zero T
	switch any(zero).(type) {
	case uint64:
		return ColU64
	case int64:
		return ColI64
	case float32:
		return ColF32
	case float64:
		return ColF64
	default:
		return 0
	}
}

// listColumnTypeFor maps a list accessor's element type to the
// uppercase list column tag it's expected to match, the same
// skip-when-unrecognized convention columnTypeFor uses (a zero result
// means "no check possible for this T", not "no column matches").
func listColumnTypeFor[T Packable]() ColumnType {
	var zero T
	switch any(zero).(type) {
	case uint64:
		return ColListU64
	case int64:
		return ColListI64
	case float32:
		return ColListF32
	case float64:
		return ColListF64
	default:
		return 0
	}
}

// CheckField verifies that column col's stored type tag matches T and
// returns a Field handle carrying the column's random tag, so a
// Field captured against an earlier schema generation is detectable
// later.
func CheckField[T Packable](mem *Memory, tableRef Ref[Table], col int) (Field[T], error) {
	n := tableNumFields(mem, uint64(tableRef))
	if col < 0 || col >= n {
		return Field[T]{}, ErrNotFound
	}
	key, typ := tableFieldAt(mem, uint64(tableRef), col)
	want := columnTypeFor[T]()
	if want != 0 && typ != want {
		return Field[T]{}, ErrWrongType
	}
	return Field[T]{Key: key, Col: col, Type: typ, table: tableRef}, nil
}

// ListField identifies a list- or string-valued column; its cell word
// is itself the packed Array[byte] (strings) or List[T] (typed list
// columns) descriptor, whose data field refs the element storage,
// rather than a bare scalar.
type ListField struct {
	Key   uint64
	Col   int
	Type  ColumnType
	table Ref[Table]
}

// CheckListField verifies column col is a list or string type and
// returns its handle.
func CheckListField(mem *Memory, tableRef Ref[Table], col int) (ListField, error) {
	n := tableNumFields(mem, uint64(tableRef))
	if col < 0 || col >= n {
		return ListField{}, ErrNotFound
	}
	key, typ := tableFieldAt(mem, uint64(tableRef), col)
	if typ != ColString && !isListType(typ) {
		return ListField{}, ErrWrongType
	}
	return ListField{Key: key, Col: col, Type: typ, table: tableRef}, nil
}

// checkStale compares f's captured key against the table's current
// FieldInfo at the same column index: a mismatch means the schema
// generation moved on since f was captured.
func checkStale(mem *Memory, tableRef Ref[Table], col int, key uint64) error {
	n := tableNumFields(mem, uint64(tableRef))
	if col < 0 || col >= n {
		return ErrStaleField
	}
	curKey, _ := tableFieldAt(mem, uint64(tableRef), col)
	if curKey != key {
		return ErrStaleField
	}
	return nil
}

// TableInsert runs a zero-initialized row through the cuckoo index,
// failing with ErrKeyInUse if key is already present.
func TableInsert(mem *Memory, pm *ClusterMgr, tableRef Ref[Table], key uint64) error {
	c := loadCuckoo(mem, uint64(tableRef))
	pm.InitInternalBuffer()
	err := c.Insert(mem, pm, key)
	storeCuckoo(mem, uint64(tableRef), c)
	return err
}

// TableExists reports whether key is present.
func TableExists(mem *Memory, tableRef Ref[Table], key uint64) bool {
	c := loadCuckoo(mem, uint64(tableRef))
	_, _, _, ok := c.Find(mem, key)
	return ok
}

// TableFind returns the cluster payload ref and in-cluster row index
// for key.
func TableFind(mem *Memory, tableRef Ref[Table], key uint64) (payload Ref[Dyn], row int, ok bool) {
	c := loadCuckoo(mem, uint64(tableRef))
	p, r, _, found := c.Find(mem, key)
	return p, r, found
}

// TableFindAndCowPath is TableFind's write-path counterpart: it COWs
// the leaf (and cluster payload) on the path to key if necessary.
func TableFindAndCowPath(mem *Memory, pm *ClusterMgr, tableRef Ref[Table], key uint64) (payload Ref[Dyn], row int, err error) {
	c := loadCuckoo(mem, uint64(tableRef))
	p, r, _, ok, ferr := c.FindAndCowPath(mem, pm, key)
	storeCuckoo(mem, uint64(tableRef), c)
	if ferr != nil {
		return 0, 0, ferr
	}
	if !ok {
		return 0, 0, ErrNotFound
	}
	return p, r, nil
}

// TableFirstAccess seeds it for iteration over tableRef starting at
// startIndex.
func TableFirstAccess(mem *Memory, tableRef Ref[Table], it *CuckooIterator, startIndex uint64) bool {
	c := loadCuckoo(mem, uint64(tableRef))
	return c.firstAccessFrom(mem, it, startIndex)
}

// TableUniverseSize returns primary_tree.mask+1, the addressable hash
// universe size used to size parallel scan partitions.
func TableUniverseSize(mem *Memory, tableRef Ref[Table]) uint64 {
	c := loadCuckoo(mem, uint64(tableRef))
	return c.PrimaryTree.Mask + 1
}

// CommitTable copies the table's FieldInfo block and cuckoo index
// into file storage.
func CommitTable(mem *Memory, pm *ClusterMgr, tableRef Ref[Table]) (Ref[Table], error) {
	ref := uint64(tableRef)
	if !mem.IsWritable(ref) {
		return tableRef, nil
	}
	n := tableNumFields(mem, ref)
	sz := tableSize(n)
	newRef, newBuf, err := mem.AllocInFile(sz)
	if err != nil {
		return 0, err
	}
	copy(newBuf, mem.translate(ref, sz))
	mem.Free(ref, sz)
	c := loadCuckoo(mem, newRef)
	committer := cuckooLeafCommitter{pm: pm}
	if err := c.PrimaryTree.CopiedToFile(mem, committer); err != nil {
		return 0, err
	}
	storeCuckoo(mem, newRef, c)
	return Ref[Table](newRef), nil
}

// CowTable ensures tableRef is writable, cloning its bytes into
// scratch (including its embedded cuckoo header) if it is currently
// frozen.
func CowTable(mem *Memory, tableRef Ref[Table]) (Ref[Table], error) {
	ref := uint64(tableRef)
	if mem.IsWritable(ref) {
		return tableRef, nil
	}
	n := tableNumFields(mem, ref)
	sz := tableSize(n)
	newRef, newBuf, err := mem.Alloc(sz)
	if err != nil {
		return 0, err
	}
	copy(newBuf, mem.translate(ref, sz))
	return Ref[Table](newRef), nil
}
