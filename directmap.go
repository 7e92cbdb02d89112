package archon

import (
	"encoding/binary"
	"math/rand"
)

// DirectMapLeaf is the leaf type backing the table directory: a
// single-slot (not 4-slot) condenser probe, growing by exactly one
// entry per insert. Layout: uint16 numEntries, a 256-byte condenser
// (bias +1, 0 = empty), then numEntries {key uint64, entry uint64}
// pairs.
type DirectMapLeaf struct{}

const (
	dmHdrNumOff       = 0
	dmHdrCondenserOff = 2
	dmHdrEntriesOff   = 2 + 256
	dmEntrySize       = 16
)

func dmLeafSize(entries int) int { return dmHdrEntriesOff + entries*dmEntrySize }

func dmNumEntries(mem *Memory, ref uint64) int {
	buf := mem.translate(ref, dmHdrNumOff+2)
	return int(binary.LittleEndian.Uint16(buf[dmHdrNumOff:]))
}

func dmSetNumEntries(mem *Memory, ref uint64, n int) {
	buf := mem.translate(ref, dmHdrNumOff+2)
	binary.LittleEndian.PutUint16(buf[dmHdrNumOff:], uint16(n))
}

func dmCondenser(mem *Memory, ref uint64, subhash uint8) uint8 {
	buf := mem.translate(ref, dmHdrCondenserOff+256)
	return buf[dmHdrCondenserOff+int(subhash)]
}

func dmSetCondenser(mem *Memory, ref uint64, subhash uint8, idx uint8) {
	buf := mem.translate(ref, dmHdrCondenserOff+256)
	buf[dmHdrCondenserOff+int(subhash)] = idx
}

func dmEntryKey(mem *Memory, ref uint64, i int) uint64 {
	o := dmHdrEntriesOff + i*dmEntrySize
	buf := mem.translate(ref, o+8)
	return binary.LittleEndian.Uint64(buf[o:])
}

func dmSetEntryKey(mem *Memory, ref uint64, i int, key uint64) {
	o := dmHdrEntriesOff + i*dmEntrySize
	buf := mem.translate(ref, o+8)
	binary.LittleEndian.PutUint64(buf[o:], key)
}

func dmEntryValue(mem *Memory, ref uint64, i int) uint64 {
	o := dmHdrEntriesOff + i*dmEntrySize + 8
	buf := mem.translate(ref, o+8)
	return binary.LittleEndian.Uint64(buf[o:])
}

func dmSetEntryValue(mem *Memory, ref uint64, i int, val uint64) {
	o := dmHdrEntriesOff + i*dmEntrySize + 8
	buf := mem.translate(ref, o+8)
	binary.LittleEndian.PutUint64(buf[o:], val)
}

func dmIsEmpty(mem *Memory, ref uint64, key uint64) bool {
	subhash := uint8(key)
	return dmCondenser(mem, ref, subhash) == 0
}

func dmFind(mem *Memory, ref uint64, key uint64) int {
	subhash := uint8(key)
	idx := dmCondenser(mem, ref, subhash)
	if idx == 0 {
		return -1
	}
	row := int(idx) - 1
	if row < dmNumEntries(mem, ref) && dmEntryKey(mem, ref, row) == key {
		return row
	}
	return -1
}

// DirectMap is the small-fanout mapping used for the snapshot's table
// directory.
type DirectMap struct {
	tree TreeTop[DirectMapLeaf]
}

type directMapLeafCommitter struct{}

func (directMapLeafCommitter) Commit(mem *Memory, from Ref[DirectMapLeaf]) Ref[DirectMapLeaf] {
	if from == 0 || !mem.IsWritable(uint64(from)) {
		return from
	}
	n := dmNumEntries(mem, uint64(from))
	sz := dmLeafSize(n)
	newRef, newBuf, err := mem.AllocInFile(sz)
	if err != nil {
		panic(err)
	}
	copy(newBuf, mem.translate(uint64(from), sz))
	mem.Free(uint64(from), sz)
	return Ref[DirectMapLeaf](newRef)
}

// Init sizes the directory for at least initialSize entries.
func (d *DirectMap) Init(mem *Memory, initialSize uint64) error {
	return d.tree.Init(mem, initialSize)
}

// growLeaf returns a leaf ref with room for one more entry than from
// currently holds, cloning from's contents if it already has entries.
func growLeaf(mem *Memory, from uint64) (uint64, error) {
	n := 0
	if from != 0 {
		n = dmNumEntries(mem, from)
	}
	newRef, newBuf, err := mem.Alloc(dmLeafSize(n + 1))
	if err != nil {
		return 0, err
	}
	if from != 0 {
		copy(newBuf, mem.translate(from, dmLeafSize(n)))
	}
	dmSetNumEntries(mem, newRef, n)
	return newRef, nil
}

// Insert picks a random 64-bit key, retrying on collision, grows the
// owning leaf by one entry, and returns the assigned key with value
// left zero for the caller to fill in.
func (d *DirectMap) Insert(mem *Memory) (uint64, error) {
	for {
		key := rand.Uint64()
		leafRef := d.tree.Lookup(mem, key)
		if leafRef != 0 && !dmIsEmpty(mem, uint64(leafRef), key) {
			continue
		}
		newLeaf, err := growLeaf(mem, uint64(leafRef))
		if err != nil {
			return 0, err
		}
		if err := d.tree.CowPath(mem, key, Ref[DirectMapLeaf](newLeaf)); err != nil {
			return 0, err
		}
		n := dmNumEntries(mem, newLeaf)
		dmSetEntryKey(mem, newLeaf, n, key)
		dmSetEntryValue(mem, newLeaf, n, 0)
		dmSetNumEntries(mem, newLeaf, n+1)
		dmSetCondenser(mem, newLeaf, uint8(key), uint8(n+1))
		d.tree.Count++
		return key, nil
	}
}

// Get returns the value stored for key.
func (d *DirectMap) Get(mem *Memory, key uint64) (uint64, bool) {
	leafRef := d.tree.Lookup(mem, key)
	if leafRef == 0 {
		return 0, false
	}
	row := dmFind(mem, uint64(leafRef), key)
	if row < 0 {
		return 0, false
	}
	return dmEntryValue(mem, uint64(leafRef), row), true
}

// CowPath ensures the leaf owning key is writable, returning the row
// index so the caller can mutate the entry's value in place.
func (d *DirectMap) CowPath(mem *Memory, key uint64) (row int, err error) {
	leafRef := d.tree.Lookup(mem, key)
	if leafRef == 0 {
		return -1, ErrNotFound
	}
	row = dmFind(mem, uint64(leafRef), key)
	if row < 0 {
		return -1, ErrNotFound
	}
	if !mem.IsWritable(uint64(leafRef)) {
		n := dmNumEntries(mem, uint64(leafRef))
		newRef, newBuf, aerr := mem.Alloc(dmLeafSize(n))
		if aerr != nil {
			return -1, aerr
		}
		copy(newBuf, mem.translate(uint64(leafRef), dmLeafSize(n)))
		if err := d.tree.CowPath(mem, key, Ref[DirectMapLeaf](newRef)); err != nil {
			return -1, err
		}
	}
	return row, nil
}

// SetValue writes val into key's entry; CowPath must have been called
// first on the current write snapshot's path.
func (d *DirectMap) SetValue(mem *Memory, key uint64, val uint64) {
	leafRef := d.tree.Lookup(mem, key)
	row := dmFind(mem, uint64(leafRef), key)
	dmSetEntryValue(mem, uint64(leafRef), row, val)
}

// CopiedToFile commits every writable leaf in the directory to file
// storage.
func (d *DirectMap) CopiedToFile(mem *Memory) error {
	return d.tree.CopiedToFile(mem, directMapLeafCommitter{})
}
