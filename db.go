package archon

import (
	"encoding/binary"
	"os"
	"sync"
)

// Header occupies the first headerSize bytes of the file: a selector
// byte choosing which of the two Meta records is current, followed by
// the two records themselves. Readers read the selector byte, then the
// Meta record it names, and never block on the writer, the
// same lock-free handoff a generation-counter header uses elsewhere in
// this codebase's lineage.
const (
	hdrSelectorOff = 0
	hdrMetaOff     = 8
	metaRecordSize = 24 // VersionsRef + LogicalFileSize + InFileAllocationPoint, 8 bytes apiece
)

// Meta is one committed generation's durable state.
type Meta struct {
	VersionsRef           uint64
	LogicalFileSize       uint64
	InFileAllocationPoint uint64
}

func readMeta(buf []byte) Meta {
	return Meta{
		VersionsRef:           binary.LittleEndian.Uint64(buf[0:]),
		LogicalFileSize:       binary.LittleEndian.Uint64(buf[8:]),
		InFileAllocationPoint: binary.LittleEndian.Uint64(buf[16:]),
	}
}

func writeMeta(buf []byte, m Meta) {
	binary.LittleEndian.PutUint64(buf[0:], m.VersionsRef)
	binary.LittleEndian.PutUint64(buf[8:], m.LogicalFileSize)
	binary.LittleEndian.PutUint64(buf[16:], m.InFileAllocationPoint)
}

// Versions is the record stored at VersionsRef: a single ref to the
// current snapshot. It holds no version counters and no array of older
// snapshots; each commit writes a fresh Versions record naming only the
// snapshot it just committed.
type Versions struct {
	Current Ref[Snapshot]
}

const versionsSize = 8

func readVersions(mem *Memory, ref uint64) Versions {
	buf := mem.translate(ref, versionsSize)
	return Versions{Current: Ref[Snapshot](binary.LittleEndian.Uint64(buf))}
}

func writeVersions(mem *Memory, ref uint64, v Versions) {
	buf := mem.translate(ref, versionsSize)
	binary.LittleEndian.PutUint64(buf, uint64(v.Current))
}

// Db is the open, mmap-backed handle to one database file: a single
// writer (guarded by writerMu) and any number of concurrent readers,
// each reading through its own Memory view of the current committed
// generation.
type Db struct {
	file      *os.File
	headerMap *mmapChunk

	writerMu  sync.Mutex
	writerMem *Memory

	mu sync.RWMutex
}

// headerBytes returns a live view of the header page. The selector
// byte and each Meta record are each written (and read) as a single
// contiguous run, so a reader always observes one fully-formed record
// or the other -- never a torn mix -- without needing its own atomic
// load, the same contract a generation-pointer handoff needs.
func (d *Db) headerBytes() []byte { return d.headerMap.bytes[:headerSize] }

// Create initializes a brand new database file at path: truncates it
// to one header page, writes an empty Versions record and an empty
// Snapshot as generation 0, and leaves the file ready for OpenSnapshot
// or CreateChanges.
func Create(path string) (*Db, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, wrapIo("create", err)
	}
	if err := ftruncateFile(f, headerSize); err != nil {
		f.Close()
		return nil, err
	}
	hmap, err := mmapFileShared(int(f.Fd()), 0, headerSize, true)
	if err != nil {
		f.Close()
		return nil, err
	}
	d := &Db{file: f, headerMap: hmap}

	// The genesis commit is the one case where scratch and file bump
	// allocators start from a blank arena at the same time; give
	// scratch a head start several chunks above where the file side
	// begins (chunkSize) so the two can never land on the same chunk
	// index while building the first snapshot. Every later commit goes
	// through PrepareMapping instead, which always places scratch
	// strictly above the file's then-current size.
	mem, err := newMemory(f, chunkSize*4)
	if err != nil {
		return nil, err
	}
	mem.OpenForWrite(chunkSize)
	snapRef, err := CreateSnapshot(mem)
	if err != nil {
		return nil, err
	}
	// The freshly created snapshot lives in scratch; commit it into the
	// file region the same way an ordinary write commit does.
	committed, err := commitSnapshot(mem, snapRef)
	if err != nil {
		return nil, err
	}
	versionsRef, _, err := mem.AllocInFile(versionsSize)
	if err != nil {
		return nil, err
	}
	writeVersions(mem, versionsRef, Versions{Current: committed})
	fileSize, allocPoint, err := mem.FinishWriting()
	if err != nil {
		return nil, err
	}
	meta := Meta{VersionsRef: versionsRef, LogicalFileSize: fileSize, InFileAllocationPoint: allocPoint}
	writeMeta(hmap.bytes[hdrMetaOff:], meta)
	hmap.bytes[hdrSelectorOff] = 0
	if err := hmap.sync(); err != nil {
		return nil, err
	}
	mem.ResetFreeLists()
	d.writerMem = mem
	return d, nil
}

// Open opens an existing database file.
func Open(path string) (*Db, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, wrapIo("open", err)
	}
	hmap, err := mmapFileShared(int(f.Fd()), 0, headerSize, true)
	if err != nil {
		f.Close()
		return nil, err
	}
	d := &Db{file: f, headerMap: hmap}
	mem, err := newMemory(f, headerSize)
	if err != nil {
		return nil, err
	}
	meta := d.currentMeta()
	if err := mem.PrepareMapping(meta.LogicalFileSize); err != nil {
		return nil, err
	}
	d.writerMem = mem
	return d, nil
}

func (d *Db) currentSelector() byte {
	return d.headerBytes()[hdrSelectorOff]
}

func (d *Db) currentMeta() Meta {
	sel := d.currentSelector()
	off := hdrMetaOff + int(sel)*metaRecordSize
	return readMeta(d.headerBytes()[off:])
}

// OpenSnapshot returns a read-only view of the current committed
// generation.
func (d *Db) OpenSnapshot() (*SnapshotImpl, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	mem, err := d.newReaderMemory()
	if err != nil {
		return nil, err
	}
	meta := d.currentMeta()
	versions := readVersions(mem, meta.VersionsRef)
	return newSnapshotImpl(mem, versions.Current, false), nil
}

func (d *Db) newReaderMemory() (*Memory, error) {
	mem, err := newMemory(d.file, headerSize)
	if err != nil {
		return nil, err
	}
	meta := d.currentMeta()
	if err := mem.PrepareMapping(meta.LogicalFileSize); err != nil {
		return nil, err
	}
	return mem, nil
}

// CreateChanges acquires the single-writer lock and returns a working
// snapshot cloned (copy-on-write, lazily) from the current committed
// generation. Only one writer snapshot may be outstanding at a time;
// a second call blocks until the first is Committed or Aborted.
func (d *Db) CreateChanges() (*SnapshotImpl, error) {
	d.writerMu.Lock()
	meta := d.currentMeta()
	if err := d.writerMem.PrepareMapping(meta.LogicalFileSize); err != nil {
		d.writerMu.Unlock()
		return nil, err
	}
	versions := readVersions(d.writerMem, meta.VersionsRef)
	return newSnapshotImpl(d.writerMem, versions.Current, true), nil
}

func commitSnapshot(mem *Memory, ref Ref[Snapshot]) (Ref[Snapshot], error) {
	if !mem.IsWritable(uint64(ref)) {
		return ref, nil
	}
	newRef, newBuf, err := mem.AllocInFile(snapshotSize)
	if err != nil {
		return 0, err
	}
	copy(newBuf, mem.translate(uint64(ref), snapshotSize))
	dm := loadDirectMap(mem, newRef)
	// Every table ref reachable from the directory must itself be
	// committed before the directory's own leaves are written, so walk
	// the directory once here, committing each table (and, through it,
	// its cuckoo index and every row's cluster) in turn.
	it := directMapIterator{mem: mem, mask: dm.tree.Mask}
	for leafRef, ok := it.first(dm.tree); ok; leafRef, ok = it.next() {
		n := dmNumEntries(mem, uint64(leafRef))
		for i := 0; i < n; i++ {
			tableRef := Ref[Table](dmEntryValue(mem, uint64(leafRef), i))
			pm := NewClusterMgr(tableSchema(mem, uint64(tableRef)))
			newTableRef, err := CommitTable(mem, pm, tableRef)
			if err != nil {
				return 0, err
			}
			if newTableRef != tableRef {
				dmSetEntryValue(mem, uint64(leafRef), i, uint64(newTableRef))
			}
		}
	}
	if err := dm.CopiedToFile(mem); err != nil {
		return 0, err
	}
	storeDirectMap(mem, newRef, dm)
	mem.Free(uint64(ref), snapshotSize)
	return Ref[Snapshot](newRef), nil
}

// directMapIterator walks every leaf of a DirectMap's tree in index
// order; table commit needs this to visit every registered table
// exactly once.
type directMapIterator struct {
	mem     *Memory
	mask    uint64
	idx     uint64
	primary TreeTop[DirectMapLeaf]
}

func (it *directMapIterator) first(tree TreeTop[DirectMapLeaf]) (Ref[DirectMapLeaf], bool) {
	it.primary = tree
	it.idx = 0
	return it.scan()
}

func (it *directMapIterator) next() (Ref[DirectMapLeaf], bool) {
	it.idx += 256
	return it.scan()
}

func (it *directMapIterator) scan() (Ref[DirectMapLeaf], bool) {
	for it.idx <= it.primary.Mask {
		leafRef := it.primary.Lookup(it.mem, it.idx)
		if leafRef != 0 {
			return leafRef, true
		}
		it.idx += 256
	}
	return 0, false
}

// Commit finalizes snap as the new current generation: it copies every
// writable node reachable from snap's root into file storage, splices
// a fresh Versions record pointing at it, writes the new Meta into the
// inactive slot, msyncs, flips the header selector, msyncs again, and
// finally releases the writer's scratch region. This double-msync,
// flip-then-msync-again protocol is what makes a crash between the two
// syncs always resolve to either the old or the new generation, never
// a torn mix of both.
func (d *Db) Commit(snap *SnapshotImpl) error {
	defer d.writerMu.Unlock()
	mem := d.writerMem
	meta := d.currentMeta()
	mem.OpenForWrite(meta.InFileAllocationPoint)
	newSnapRef, err := commitSnapshot(mem, snap.Ref)
	if err != nil {
		return err
	}
	versionsRef, _, err := mem.AllocInFile(versionsSize)
	if err != nil {
		return err
	}
	writeVersions(mem, versionsRef, Versions{Current: newSnapRef})
	fileSize, allocPoint, err := mem.FinishWriting()
	if err != nil {
		return err
	}
	newMeta := Meta{VersionsRef: versionsRef, LogicalFileSize: fileSize, InFileAllocationPoint: allocPoint}
	curSel := d.currentSelector()
	newSel := 1 - curSel
	off := hdrMetaOff + int(newSel)*metaRecordSize
	writeMeta(d.headerBytes()[off:], newMeta)
	if err := d.headerMap.sync(); err != nil {
		return err
	}
	d.headerBytes()[hdrSelectorOff] = newSel
	if err := d.headerMap.sync(); err != nil {
		return err
	}
	mem.ResetFreeLists()
	return nil
}

// Abort discards a writer snapshot's scratch allocations without
// committing anything.
func (d *Db) Abort(snap *SnapshotImpl) error {
	defer d.writerMu.Unlock()
	d.writerMem.ResetFreeLists()
	return nil
}

// Close releases the header mapping and the underlying file
// descriptor.
func (d *Db) Close() error {
	if err := d.headerMap.unmap(); err != nil {
		return err
	}
	return d.file.Close()
}
