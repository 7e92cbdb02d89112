package archon

import "encoding/binary"

// Snapshot is the phantom marker for Ref[Snapshot]: the versioned root
// record a Db's header points at. Its bytes are a version counter
// followed by an embedded DirectMap header, the same
// value-member-embedded-inline pattern table.go uses for Cuckoo.
type Snapshot struct{}

const (
	snapVersionOff = 0
	snapDirOff     = 8
	snapshotSize   = snapDirOff + treeHeaderSize
)

func snapshotVersion(mem *Memory, ref uint64) uint64 {
	buf := mem.translate(ref, snapVersionOff+8)
	return binary.LittleEndian.Uint64(buf[snapVersionOff:])
}

func setSnapshotVersion(mem *Memory, ref uint64, v uint64) {
	buf := mem.translate(ref, snapVersionOff+8)
	binary.LittleEndian.PutUint64(buf[snapVersionOff:], v)
}

func loadDirectMap(mem *Memory, ref uint64) DirectMap {
	mask, count, levels, top := readTreeHeader(mem, ref, snapDirOff)
	return DirectMap{tree: TreeTop[DirectMapLeaf]{Mask: mask, Count: count, Levels: levels, Top: top}}
}

func storeDirectMap(mem *Memory, ref uint64, d DirectMap) {
	writeTreeHeader(mem, ref, snapDirOff, d.tree.Mask, d.tree.Count, d.tree.Levels, d.tree.Top)
}

// CreateSnapshot allocates a brand new, empty root record: version 1,
// no tables.
func CreateSnapshot(mem *Memory) (Ref[Snapshot], error) {
	ref, _, err := mem.Alloc(snapshotSize)
	if err != nil {
		return 0, err
	}
	setSnapshotVersion(mem, ref, 1)
	var dm DirectMap
	if err := dm.Init(mem, 16); err != nil {
		return 0, err
	}
	storeDirectMap(mem, ref, dm)
	return Ref[Snapshot](ref), nil
}

// TableKey identifies a table within a snapshot's directory; it is the
// DirectMap key assigned at CreateTable time.
type TableKey uint64

// RowKey identifies a row within a table's cuckoo index.
type RowKey = uint64

// SnapshotImpl is the live, in-process handle to a snapshot version --
// either the durable read-only snapshot a reader opened, or the
// writer's working copy under construction. All mutation goes through
// copy-on-write the same way table.go and cuckoo.go do: frozen nodes
// are cloned into scratch before any field in them changes.
type SnapshotImpl struct {
	mem      *Memory
	Ref      Ref[Snapshot]
	writable bool
}

func newSnapshotImpl(mem *Memory, ref Ref[Snapshot], writable bool) *SnapshotImpl {
	return &SnapshotImpl{mem: mem, Ref: ref, writable: writable}
}

// Cow ensures the snapshot's own root bytes are writable, cloning them
// into scratch (directory header included) if the snapshot is still
// pointing at committed, read-only storage.
func (s *SnapshotImpl) Cow() error {
	ref := uint64(s.Ref)
	if s.mem.IsWritable(ref) {
		return nil
	}
	newRef, newBuf, err := s.mem.Alloc(snapshotSize)
	if err != nil {
		return err
	}
	copy(newBuf, s.mem.translate(ref, snapshotSize))
	s.Ref = Ref[Snapshot](newRef)
	return nil
}

func (s *SnapshotImpl) clusterMgrFor(tableRef Ref[Table]) *ClusterMgr {
	return NewClusterMgr(tableSchema(s.mem, uint64(tableRef)))
}

func (s *SnapshotImpl) tableRef(key TableKey) (Ref[Table], error) {
	dm := loadDirectMap(s.mem, uint64(s.Ref))
	v, ok := dm.Get(s.mem, uint64(key))
	if !ok {
		return 0, ErrNotFound
	}
	return Ref[Table](v), nil
}

// CreateTable registers a new table with the given column schema and
// returns the key future operations address it by.
func (s *SnapshotImpl) CreateTable(schema []ColumnType) (TableKey, error) {
	if err := s.Cow(); err != nil {
		return 0, err
	}
	tableRef, err := CreateTable(s.mem, schema)
	if err != nil {
		return 0, err
	}
	dm := loadDirectMap(s.mem, uint64(s.Ref))
	key, err := dm.Insert(s.mem)
	if err != nil {
		return 0, err
	}
	row, err := dm.CowPath(s.mem, key)
	if err != nil {
		return 0, err
	}
	dm.SetValue(s.mem, key, uint64(tableRef))
	_ = row
	storeDirectMap(s.mem, uint64(s.Ref), dm)
	return TableKey(key), nil
}

// GetField resolves column col of table t as a typed, schema-tagged
// Field handle, failing with ErrWrongType if the stored column type
// does not match T.
func GetField[T Packable](s *SnapshotImpl, t TableKey, col int) (Field[T], error) {
	ref, err := s.tableRef(t)
	if err != nil {
		return Field[T]{}, err
	}
	return CheckField[T](s.mem, ref, col)
}

// GetListField resolves column col of table t as a list/string column
// handle.
func GetListField(s *SnapshotImpl, t TableKey, col int) (ListField, error) {
	ref, err := s.tableRef(t)
	if err != nil {
		return ListField{}, err
	}
	return CheckListField(s.mem, ref, col)
}

// Insert adds a new, all-zero row keyed by r to table t.
func (s *SnapshotImpl) Insert(t TableKey, r RowKey) error {
	if err := s.Cow(); err != nil {
		return err
	}
	tableRef, err := s.tableRef(t)
	if err != nil {
		return err
	}
	tableRef, err = CowTable(s.mem, tableRef)
	if err != nil {
		return err
	}
	if err := s.retarget(t, tableRef); err != nil {
		return err
	}
	pm := s.clusterMgrFor(tableRef)
	return TableInsert(s.mem, pm, tableRef, r)
}

func (s *SnapshotImpl) retarget(t TableKey, newTableRef Ref[Table]) error {
	dm := loadDirectMap(s.mem, uint64(s.Ref))
	if _, err := dm.CowPath(s.mem, uint64(t)); err != nil {
		return err
	}
	dm.SetValue(s.mem, uint64(t), uint64(newTableRef))
	storeDirectMap(s.mem, uint64(s.Ref), dm)
	return nil
}

// Exists reports whether row r is present in table t.
func (s *SnapshotImpl) Exists(t TableKey, r RowKey) bool {
	tableRef, err := s.tableRef(t)
	if err != nil {
		return false
	}
	return TableExists(s.mem, tableRef, r)
}

// Object is a handle to one row's cluster slot, used to read or write
// individual column values.
type Object struct {
	mem      *Memory
	pm       *ClusterMgr
	payload  Ref[Dyn]
	row      int
	table    Ref[Table]
	writable bool
}

// Get looks up row r in table t for reading; the returned Object's
// writes (if any) are rejected unless the snapshot is a writer's
// working copy and the row was resolved via Change instead.
func (s *SnapshotImpl) Get(t TableKey, r RowKey) (*Object, error) {
	tableRef, err := s.tableRef(t)
	if err != nil {
		return nil, err
	}
	payload, row, ok := TableFind(s.mem, tableRef, r)
	if !ok {
		return nil, ErrNotFound
	}
	return &Object{mem: s.mem, pm: s.clusterMgrFor(tableRef), payload: payload, row: row, table: tableRef, writable: false}, nil
}

// Change resolves row r in table t for writing, COWing the cuckoo
// leaf (and, lazily, column arrays) that own it onto the current
// write snapshot's path.
func (s *SnapshotImpl) Change(t TableKey, r RowKey) (*Object, error) {
	if !s.writable {
		return nil, ErrNotWritable
	}
	if err := s.Cow(); err != nil {
		return nil, err
	}
	tableRef, err := s.tableRef(t)
	if err != nil {
		return nil, err
	}
	tableRef, err = CowTable(s.mem, tableRef)
	if err != nil {
		return nil, err
	}
	if err := s.retarget(t, tableRef); err != nil {
		return nil, err
	}
	pm := s.clusterMgrFor(tableRef)
	payload, row, err := TableFindAndCowPath(s.mem, pm, tableRef, r)
	if err != nil {
		return nil, err
	}
	return &Object{mem: s.mem, pm: pm, payload: payload, row: row, table: tableRef, writable: true}, nil
}

// GetValue reads column f's value from the object's row. The
// cluster's backing storage is always a packed Array[uint64]; the raw
// bits are reinterpreted as T here rather than at the array-codec
// level, since a single cluster array holds whatever logical type its
// schema column declares.
func GetValue[T Packable](o *Object, f Field[T]) T {
	arr := clusterColumnArray(o.mem, uint64(o.payload), f.Col)
	raw := arr.Get(o.mem, o.row)
	return decode[T](raw, 6)
}

// SetValue writes v into column f's value on the object's row. The
// object must have come from Change, not Get.
func SetValue[T Packable](o *Object, f Field[T], v T) error {
	if !o.writable {
		return ErrNotWritable
	}
	arr := clusterColumnArray(o.mem, uint64(o.payload), f.Col)
	raw := encode(v)
	arr.Set(o.mem, o.row, raw, o.row+1)
	setClusterColumnArray(o.mem, uint64(o.payload), f.Col, arr)
	return nil
}

// GetString reads column f's string value.
func GetString(o *Object, f ListField) string {
	arr := clusterColumnArray(o.mem, uint64(o.payload), f.Col)
	word := arr.Get(o.mem, o.row)
	if word == 0 {
		return ""
	}
	// The string's packed Array[byte] word is stored directly as the
	// column's uint64 cell value, not behind a further ref indirection.
	packed := Array[byte]{data: word}
	n := packed.Cap()
	buf := make([]byte, n)
	for i := 0; i < n; i++ {
		buf[i] = packed.Get(o.mem, i)
	}
	return string(buf)
}

// SetString writes v into column f's string value, replacing any
// prior backing storage.
func SetString(o *Object, f ListField, v string) error {
	if !o.writable {
		return ErrNotWritable
	}
	var packed Array[byte]
	for i := 0; i < len(v); i++ {
		packed.Set(o.mem, i, v[i], len(v))
	}
	arr := clusterColumnArray(o.mem, uint64(o.payload), f.Col)
	arr.Set(o.mem, o.row, packed.data, o.row+1)
	setClusterColumnArray(o.mem, uint64(o.payload), f.Col, arr)
	return nil
}

// listWord reads column col's raw cell word, the packed Array[T]
// descriptor backing a list or string column.
func (o *Object) listWord(col int) uint64 {
	arr := clusterColumnArray(o.mem, uint64(o.payload), col)
	return arr.Get(o.mem, o.row)
}

// setListWord rewrites column col's cell word after a nested list
// mutation reallocates or resizes its backing Array.
func (o *Object) setListWord(col int, word uint64) {
	arr := clusterColumnArray(o.mem, uint64(o.payload), col)
	arr.Set(o.mem, o.row, word, o.row+1)
	setClusterColumnArray(o.mem, uint64(o.payload), col, arr)
}

// ListAccessor is a handle to one row's list-column value, read or
// written element-by-element against the nested packed array the
// cell word points at.
type ListAccessor[T Packable] struct {
	o *Object
	f ListField
}

func (a ListAccessor[T]) list() List[T] {
	return List[T]{Arr: Array[T]{data: a.o.listWord(a.f.Col)}}
}

// Len returns the list's current element count.
func (a ListAccessor[T]) Len() int { return a.list().Size() }

// Get returns the element at index i.
func (a ListAccessor[T]) Get(i int) T { return a.list().Get(a.o.mem, i) }

// Set writes the element at index i without changing the list's size.
func (a ListAccessor[T]) Set(i int, v T) error {
	if !a.o.writable {
		return ErrNotWritable
	}
	l := a.list()
	l.SetValue(a.o.mem, i, v)
	a.o.setListWord(a.f.Col, l.Arr.data)
	return nil
}

// SetSize grows the list to n elements, zero-filling the new tail.
// Shrinking returns ErrLogic, the same as List[T].SetSize.
func (a ListAccessor[T]) SetSize(n int) error {
	if !a.o.writable {
		return ErrNotWritable
	}
	l := a.list()
	if err := l.SetSize(a.o.mem, n); err != nil {
		return err
	}
	a.o.setListWord(a.f.Col, l.Arr.data)
	return nil
}

// GetList resolves column f's value as a typed ListAccessor, failing
// with ErrWrongType if f's stored column tag doesn't match T's list
// variant.
func GetList[T Packable](o *Object, f ListField) (ListAccessor[T], error) {
	want := listColumnTypeFor[T]()
	if want != 0 && f.Type != want {
		return ListAccessor[T]{}, ErrWrongType
	}
	return ListAccessor[T]{o: o, f: f}, nil
}

// GetUniverseSize returns table t's addressable hash-bucket count, the
// natural partition count bound for ForEachPartition.
func (s *SnapshotImpl) GetUniverseSize(t TableKey) (uint64, error) {
	tableRef, err := s.tableRef(t)
	if err != nil {
		return 0, err
	}
	return TableUniverseSize(s.mem, tableRef), nil
}

// ForEachPartition scans the partitionNumber-th of partitions disjoint
// slices of table t's hash space, invoking fn once per row found. Per
// design, any two distinct partition indices visit disjoint row
// sets and their union covers every row -- callers may run partitions
// concurrently as long as each reads through its own SnapshotImpl
// (readers never mutate, so no further coordination is required).
func (s *SnapshotImpl) ForEachPartition(partitions, partitionNumber int, t TableKey, fn func(*Object) error) error {
	tableRef, err := s.tableRef(t)
	if err != nil {
		return err
	}
	universe := TableUniverseSize(s.mem, tableRef)
	// share is rounded up to a multiple of 256 (the leaf group stride)
	// so no 256-row leaf group straddles two partitions: each leaf
	// belongs to exactly one partition's [start, end) range.
	leafGroups := (universe + 255) / 256
	shareGroups := (leafGroups + uint64(partitions) - 1) / uint64(partitions)
	if shareGroups == 0 {
		shareGroups = 1
	}
	share := shareGroups * 256
	start := uint64(partitionNumber) * share
	end := start + share
	if partitionNumber == partitions-1 {
		end = universe
	}
	if start >= universe {
		return nil
	}
	pm := s.clusterMgrFor(tableRef)
	it := &CuckooIterator{}
	if !TableFirstAccess(s.mem, tableRef, it, start) || it.TreeIndex >= end {
		return nil
	}
	for {
		if it.TreeIndex >= end {
			return nil
		}
		payload := leafPayload(s.mem, uint64(it.LeafRef))
		obj := &Object{mem: s.mem, pm: pm, payload: payload, row: it.Row, table: tableRef, writable: false}
		if err := fn(obj); err != nil {
			return err
		}
		if !it.next(s.mem, universe-1) {
			next := it.TreeIndex + 256
			if next >= end {
				return nil
			}
			if !TableFirstAccess(s.mem, tableRef, it, next) {
				return nil
			}
		}
	}
}
