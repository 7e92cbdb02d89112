package archon

import (
	"encoding/binary"
	"fmt"
	"os"
)

const (
	chunkShift      = 20
	chunkSize       = 1 << chunkShift
	chunkOffsetMask = chunkSize - 1
	numSizeBins     = 500
	numLinearBins   = 64
	headerSize      = 64 * 1024
)

// binToSize maps a size-class bin index back to the block size it
// hands out. Bins 0..63 are linear at 8-byte granularity; bins above
// that grow exponentially in 32 steps per octave, trading a bounded
// ~3% internal fragmentation for far fewer distinct free lists than a
// byte-granular scheme would need.
func binToSize(bin int) uint64 {
	if bin < numLinearBins {
		return uint64(bin) << 3
	}
	shifts := uint(bin>>5) - 1
	size := uint64(32 + (bin & 0x1F))
	size <<= shifts
	size <<= 3
	return size
}

// sizeToBin rounds sz up to the smallest bin whose size is >= sz.
func sizeToBin(sz uint64) int {
	if sz == 0 {
		return 0
	}
	words := (sz + 7) >> 3
	if words < numLinearBins {
		return int(words)
	}
	shifts := 0
	w := words
	for w >= 64 {
		w >>= 1
		shifts++
	}
	if w<<uint(shifts) < words {
		w++
		if w == 64 {
			w = 32
			shifts++
		}
	}
	bin := ((shifts + 1) << 5) | int(w-32)
	if bin >= numSizeBins {
		bin = numSizeBins - 1
	}
	return bin
}

// Memory is the arena: it translates refs to bytes, allocates from
// scratch (anonymous, private) or file (shared) backed chunks, and
// maintains per-bin free lists for scratch allocations. A Db keeps one
// Memory for its writer, and OpenSnapshot builds a separate one for
// each reader.
type Memory struct {
	txlTable  []*mmapChunk
	nullChunk *mmapChunk

	freeLists [numSizeBins]uint64

	scratchRefStart uint64
	allocationRef   uint64
	lastValidRef    uint64

	fd             *os.File
	fileSize       int64
	fileAllocStart uint64
	fileAllocRef   uint64
	fileAllocLimit uint64
	writeMaps      []*mmapChunk

	footprint uint64
	recycled  uint64
	freed     uint64
}

// newMemory builds an arena with an empty scratch region starting
// right after scratchStart (the caller's current logical file size,
// expressed as a ref). Chunk 0 is always the shared zero-filled null
// page (an ordinary anonymous mapping; it is not write-protected):
// every null ref translates there, so traversal code never
// special-cases a missing child.
func newMemory(fd *os.File, scratchStart uint64) (*Memory, error) {
	null, err := mmapAnon(chunkSize)
	if err != nil {
		return nil, err
	}
	m := &Memory{
		txlTable:        []*mmapChunk{null},
		nullChunk:       null,
		scratchRefStart: scratchStart,
		allocationRef:   scratchStart,
		lastValidRef:    scratchStart,
		fd:              fd,
	}
	return m, nil
}

func (m *Memory) ensureChunkSlot(idx uint64) {
	for uint64(len(m.txlTable)) <= idx {
		m.txlTable = append(m.txlTable, nil)
	}
}

// IsWritable reports whether ref lies in the scratch region: this
// single comparison is the only test the whole engine needs to decide
// whether a node must be copy-on-written before mutation.
func (m *Memory) IsWritable(ref uint64) bool {
	return ref != 0 && ref >= m.scratchRefStart
}

// translate returns a live view of length bytes starting at ref. The
// returned slice aliases the backing mmap region directly; callers
// must not retain it past the arena's next remap.
func (m *Memory) translate(ref uint64, length int) []byte {
	if ref == 0 {
		return m.nullChunk.bytes[:length]
	}
	chunkIdx := ref >> chunkShift
	off := ref & chunkOffsetMask
	chunk := m.txlTable[chunkIdx]
	if chunk == nil {
		panic(fmt.Sprintf("archon: translate of unmapped chunk %d (ref %d)", chunkIdx, ref))
	}
	return chunk.bytes[off : off+uint64(length)]
}

// Translate is the exported, checked form used by components outside
// this file; it never panics on a null ref.
func (m *Memory) Translate(ref uint64, length int) []byte {
	return m.translate(ref, length)
}

// Alloc allocates length bytes of scratch storage, popping a free
// list entry if one of adequate size exists, otherwise bump-allocating
// and mapping a fresh anonymous chunk on chunk-cross.
func (m *Memory) Alloc(length int) (uint64, []byte, error) {
	bin := sizeToBin(uint64(length))
	binSize := binToSize(bin)
	if binSize < uint64(length) {
		binSize = uint64(length)
	}
	if head := m.freeLists[bin]; head != 0 {
		next := binary.LittleEndian.Uint64(m.translate(head, 8))
		m.freeLists[bin] = next
		m.recycled += binSize
		buf := m.translate(head, int(binSize))
		for i := range buf {
			buf[i] = 0
		}
		return head, buf, nil
	}
	ref := m.allocationRef
	startChunk := ref >> chunkShift
	endChunk := (ref + binSize - 1) >> chunkShift
	if startChunk != endChunk || uint64(len(m.txlTable)) <= startChunk || m.txlTable[startChunk] == nil {
		// Cross into (or start at) a chunk not yet mapped: the bump
		// pointer always advances to the next chunk boundary first so
		// a single allocation never straddles two chunks.
		newBase := (ref + chunkSize - 1) &^ (chunkSize - 1)
		if cur := ref >> chunkShift; cur >= uint64(len(m.txlTable)) || m.txlTable[cur] == nil {
			newBase = ref &^ (chunkSize - 1)
		}
		chunkIdx := newBase >> chunkShift
		m.ensureChunkSlot(chunkIdx)
		if m.txlTable[chunkIdx] == nil {
			c, err := mmapAnon(chunkSize)
			if err != nil {
				return 0, nil, ErrOutOfMemory
			}
			m.txlTable[chunkIdx] = c
		}
		ref = newBase
	}
	m.allocationRef = ref + binSize
	if m.allocationRef > m.lastValidRef {
		m.lastValidRef = m.allocationRef
	}
	m.footprint += binSize
	buf := m.translate(ref, int(binSize))
	for i := range buf {
		buf[i] = 0
	}
	return ref, buf, nil
}

// Free returns a scratch block to its bin's free list. Freeing a
// frozen (file-region) ref is a silent no-op: those blocks belong to
// a committed, immutable snapshot and are never recycled.
func (m *Memory) Free(ref uint64, length int) {
	if ref == 0 || ref < m.scratchRefStart {
		return
	}
	bin := sizeToBin(uint64(length))
	binSize := binToSize(bin)
	if binSize < uint64(length) {
		binSize = uint64(length)
	}
	buf := m.translate(ref, 8)
	binary.LittleEndian.PutUint64(buf, m.freeLists[bin])
	m.freeLists[bin] = ref
	m.freed += binSize
}

// ResetFreeLists discards all scratch allocations at once, the
// abort/commit-completion cleanup step: since scratch chunks are
// MAP_PRIVATE|MAP_ANON, nothing here was ever visible to the file, so
// "reset" just means forgetting the bump pointer and free lists.
func (m *Memory) ResetFreeLists() {
	for i := range m.freeLists {
		m.freeLists[i] = 0
	}
	m.allocationRef = m.scratchRefStart
	m.lastValidRef = m.scratchRefStart
	m.footprint = 0
	m.recycled = 0
	m.freed = 0
}

// OpenForWrite brackets a commit: it sets up the file-side bump
// allocator starting at startRef (the previous commit's
// in_file_allocation_point).
func (m *Memory) OpenForWrite(startRef uint64) {
	m.fileAllocStart = startRef
	m.fileAllocRef = startRef
	m.fileAllocLimit = (startRef + chunkSize) &^ (chunkSize - 1)
	if m.fileAllocLimit == startRef {
		m.fileAllocLimit = startRef + chunkSize
	}
}

// AllocInFile bump-allocates length bytes in the file-backed region,
// growing the file by whole chunks and remembering each newly mapped
// chunk so FinishWriting can msync and unmap it.
func (m *Memory) AllocInFile(length int) (uint64, []byte, error) {
	ref := m.fileAllocRef
	// Round up to whole quads so every file ref stays 8-byte aligned, the
	// alignment packed Array words rely on when storing ref >> 3.
	need := (uint64(length) + 7) &^ 7
	if ref+need > m.fileAllocLimit || m.txlTable[ref>>chunkShift] == nil {
		chunkIdx := ref >> chunkShift
		newSize := int64(chunkIdx+1) * chunkSize
		if err := ftruncateFile(m.fd, newSize); err != nil {
			return 0, nil, err
		}
		c, err := mmapFileShared(int(m.fd.Fd()), int64(chunkIdx)*chunkSize, chunkSize, true)
		if err != nil {
			return 0, nil, err
		}
		m.ensureChunkSlot(chunkIdx)
		m.txlTable[chunkIdx] = c
		m.writeMaps = append(m.writeMaps, c)
		m.fileAllocLimit = (chunkIdx + 1) * chunkSize
		if ref < chunkIdx*chunkSize {
			ref = chunkIdx * chunkSize
		}
	}
	m.fileAllocRef = ref + need
	buf := m.translate(ref, length)
	return ref, buf, nil
}

// FinishWriting msyncs every chunk touched by this commit's file-side
// allocations and clears the pending list; the chunks are not unmapped
// and stay installed in the translation table. It returns the new
// logical file size and allocation point to be stored in the new Meta
// record.
func (m *Memory) FinishWriting() (fileSize, allocPoint uint64, err error) {
	for _, c := range m.writeMaps {
		if serr := c.sync(); serr != nil {
			return 0, 0, serr
		}
	}
	m.writeMaps = m.writeMaps[:0]
	st, serr := m.fd.Stat()
	if serr != nil {
		return 0, 0, wrapIo("stat", serr)
	}
	return uint64(st.Size()), m.fileAllocRef, nil
}

// PrepareMapping is called when opening a snapshot whose committed
// region has advanced past this arena's current view: it extends the
// read-only file mapping up to newFileSize and resets the scratch
// region to start fresh above it.
func (m *Memory) PrepareMapping(newFileSize uint64) error {
	lastFileChunk := (newFileSize - headerSize + chunkSize - 1) / chunkSize
	for idx := uint64(1); idx <= lastFileChunk; idx++ {
		m.ensureChunkSlot(idx)
		if m.txlTable[idx] != nil {
			continue
		}
		offset := int64(idx) * chunkSize
		c, err := mmapFileShared(int(m.fd.Fd()), offset, chunkSize, false)
		if err != nil {
			return err
		}
		m.txlTable[idx] = c
	}
	newScratchStart := (lastFileChunk + 1) * chunkSize
	if newScratchStart < chunkSize {
		newScratchStart = chunkSize
	}
	m.scratchRefStart = newScratchStart
	m.allocationRef = newScratchStart
	m.lastValidRef = newScratchStart
	return nil
}

func (m *Memory) Footprint() uint64 { return m.footprint }
func (m *Memory) Recycled() uint64  { return m.recycled }
func (m *Memory) Freed() uint64     { return m.freed }
