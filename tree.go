package archon

import "encoding/binary"

// innerNodeSize is the byte footprint of one TreeTop inner node: 256
// child refs, 8 bytes apiece.
const (
	treeFanout    = 256
	innerNodeSize = treeFanout * 8
)

// LeafCommitter lets a TreeTop commit its leaves without knowing
// their concrete type: the cuckoo index and the direct map each
// supply one.
type LeafCommitter[L any] interface {
	Commit(mem *Memory, from Ref[L]) Ref[L]
}

// TreeTop is the sparse multi-level tree: it maps a 64-bit hash,
// masked to Mask, down to a leaf ref. The low 8 bits of the masked
// hash are a slot inside the leaf, so each leaf covers 256 consecutive
// tree indices; the bits above them select the leaf, 8 bits consumed
// per level. Inner nodes on the path to a mutated leaf are COW'd.
type TreeTop[L any] struct {
	Mask   uint64
	Count  uint64
	Levels int
	Top    uint64 // ref to the root inner node; 0 only before Init
}

// levelsForMask returns how many 8-bit groups are needed to address
// every slot up to mask.
func levelsForMask(mask uint64) int {
	levels := 1
	for shift := uint(8); (mask >> shift) != 0; shift += 8 {
		levels++
	}
	return levels
}

// Init sizes the tree to address at least capacity tree indices
// (Mask+1, 256 per leaf) and
// allocates the (empty, all-null) inner node path.
func (t *TreeTop[L]) Init(mem *Memory, capacity uint64) error {
	mask := uint64(0xFF)
	for mask+1 < capacity {
		mask = 1 + 2*mask
	}
	t.Mask = mask
	t.Levels = levelsForMask(mask)
	ref, _, err := mem.Alloc(innerNodeSize)
	if err != nil {
		return err
	}
	t.Top = ref
	return nil
}

func groupAt(index uint64, level int) uint64 {
	return (index >> uint(level*8)) & 0xFF
}

// Lookup masks index to Mask, drops its low 8 bits (the in-leaf slot),
// and descends levels-1 inner nodes using the highest remaining 8-bit
// group first, then returns the leaf ref stored in the bottom inner
// node. A null child at any level short-circuits to the null leaf ref,
// so lookup of an absent key never faults.
func (t *TreeTop[L]) Lookup(mem *Memory, index uint64) Ref[L] {
	ref := t.Top
	if ref == 0 {
		return 0
	}
	index = (index & t.Mask) >> 8
	for level := t.Levels - 1; level >= 1; level-- {
		buf := mem.translate(ref, innerNodeSize)
		child := binary.LittleEndian.Uint64(buf[groupAt(index, level)*8:])
		if child == 0 {
			return 0
		}
		ref = child
	}
	buf := mem.translate(ref, innerNodeSize)
	leafRef := binary.LittleEndian.Uint64(buf[groupAt(index, 0)*8:])
	return Ref[L](leafRef)
}

// CowPath walks from the root to the slot that owns index, copying
// every read-only inner node it passes through into scratch and
// splicing the new child ref in, then stores leaf at the bottom slot.
// Nodes that are already writable are reused in place.
func (t *TreeTop[L]) CowPath(mem *Memory, index uint64, leaf Ref[L]) error {
	index = (index & t.Mask) >> 8
	if t.Top == 0 || !mem.IsWritable(t.Top) {
		nt, err := t.cowNode(mem, t.Top)
		if err != nil {
			return err
		}
		t.Top = nt
	}
	ref := t.Top
	for level := t.Levels - 1; level >= 1; level-- {
		buf := mem.translate(ref, innerNodeSize)
		slot := groupAt(index, level) * 8
		child := binary.LittleEndian.Uint64(buf[slot:])
		if child == 0 || !mem.IsWritable(child) {
			nc, err := t.cowNode(mem, child)
			if err != nil {
				return err
			}
			buf = mem.translate(ref, innerNodeSize)
			binary.LittleEndian.PutUint64(buf[slot:], nc)
			child = nc
		}
		ref = child
	}
	buf := mem.translate(ref, innerNodeSize)
	binary.LittleEndian.PutUint64(buf[groupAt(index, 0)*8:], uint64(leaf))
	return nil
}

// cowNode returns from unchanged if it's already writable (or the
// zero ref for "not yet allocated"), otherwise allocates a fresh
// scratch copy of it (or a fresh zeroed node if from is null) and
// frees the old one.
func (t *TreeTop[L]) cowNode(mem *Memory, from uint64) (uint64, error) {
	if from != 0 && mem.IsWritable(from) {
		return from, nil
	}
	ref, buf, err := mem.Alloc(innerNodeSize)
	if err != nil {
		return 0, err
	}
	if from != 0 {
		src := mem.translate(from, innerNodeSize)
		copy(buf, src)
		mem.Free(from, innerNodeSize)
	}
	return ref, nil
}

// Free recursively releases every inner node in the tree. Leaves are
// the caller's responsibility (they may own payload refs the tree
// itself knows nothing about).
func (t *TreeTop[L]) Free(mem *Memory) {
	if t.Top == 0 {
		return
	}
	t.freeSubtree(mem, t.Top, t.Levels-1)
	t.Top = 0
}

func (t *TreeTop[L]) freeSubtree(mem *Memory, ref uint64, level int) {
	if ref == 0 || level < 1 {
		if ref != 0 {
			mem.Free(ref, innerNodeSize)
		}
		return
	}
	buf := mem.translate(ref, innerNodeSize)
	for i := 0; i < treeFanout; i++ {
		child := binary.LittleEndian.Uint64(buf[i*8:])
		if child != 0 {
			t.freeSubtree(mem, child, level-1)
		}
	}
	mem.Free(ref, innerNodeSize)
}

// CopiedToFile walks every writable node reachable from the root,
// copying it to file-backed storage via the arena's file bump
// allocator, and asks committer to commit each leaf in turn. This is
// the DFS step invoked from Db.Commit.
func (t *TreeTop[L]) CopiedToFile(mem *Memory, committer LeafCommitter[L]) error {
	if t.Top == 0 {
		return nil
	}
	newTop, err := t.commitSubtree(mem, t.Top, t.Levels-1, committer)
	if err != nil {
		return err
	}
	t.Top = newTop
	return nil
}

func (t *TreeTop[L]) commitSubtree(mem *Memory, ref uint64, level int, committer LeafCommitter[L]) (uint64, error) {
	if ref == 0 {
		return 0, nil
	}
	if level < 1 {
		if !mem.IsWritable(ref) {
			return ref, nil
		}
		// ref is a bottom inner node whose slots are leaf refs.
		newRef, newBuf, err := mem.AllocInFile(innerNodeSize)
		if err != nil {
			return 0, err
		}
		oldBuf := mem.translate(ref, innerNodeSize)
		copy(newBuf, oldBuf)
		for i := 0; i < treeFanout; i++ {
			leafRef := Ref[L](binary.LittleEndian.Uint64(newBuf[i*8:]))
			if leafRef != 0 {
				committed := committer.Commit(mem, leafRef)
				binary.LittleEndian.PutUint64(newBuf[i*8:], uint64(committed))
			}
		}
		mem.Free(ref, innerNodeSize)
		return newRef, nil
	}
	if !mem.IsWritable(ref) {
		return ref, nil
	}
	newRef, newBuf, err := mem.AllocInFile(innerNodeSize)
	if err != nil {
		return 0, err
	}
	oldBuf := mem.translate(ref, innerNodeSize)
	copy(newBuf, oldBuf)
	for i := 0; i < treeFanout; i++ {
		child := binary.LittleEndian.Uint64(newBuf[i*8:])
		if child != 0 {
			nc, err := t.commitSubtree(mem, child, level-1, committer)
			if err != nil {
				return 0, err
			}
			binary.LittleEndian.PutUint64(newBuf[i*8:], nc)
		}
	}
	mem.Free(ref, innerNodeSize)
	return newRef, nil
}
