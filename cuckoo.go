package archon

import "encoding/binary"

const (
	condenserWindow = 4
	maxCollisions   = 20

	leafHdrSzOff       = 0  // uint16 sz
	leafHdrCapOff      = 2  // uint16 capacity
	leafHdrCondenserOff = 4 // [256]{idx uint8, quickKey uint8}
	leafHdrPayloadOff  = 4 + 256*2
	leafHdrKeysOff     = leafHdrPayloadOff + 8
)

// TreeLeaf marks the leaf type the cuckoo index's TreeTop is
// parameterized over; all actual field access goes through the
// byte-offset helpers below, a fixed header followed by a
// variable-length key tail.
type TreeLeaf struct{}

func leafSize(capacity int) int { return leafHdrKeysOff + capacity*8 }

func leafSz(mem *Memory, ref uint64) int {
	buf := mem.translate(ref, leafHdrSzOff+2)
	return int(binary.LittleEndian.Uint16(buf[leafHdrSzOff:]))
}

func setLeafSz(mem *Memory, ref uint64, sz int) {
	buf := mem.translate(ref, leafHdrSzOff+2)
	binary.LittleEndian.PutUint16(buf[leafHdrSzOff:], uint16(sz))
}

func leafCapacity(mem *Memory, ref uint64) int {
	buf := mem.translate(ref, leafHdrCapOff+2)
	return int(binary.LittleEndian.Uint16(buf[leafHdrCapOff:]))
}

func setLeafCapacity(mem *Memory, ref uint64, cap int) {
	buf := mem.translate(ref, leafHdrCapOff+2)
	binary.LittleEndian.PutUint16(buf[leafHdrCapOff:], uint16(cap))
}

func leafCondenser(mem *Memory, ref uint64, slot int) (idx, quickKey uint8) {
	buf := mem.translate(ref, leafHdrCondenserOff+256*2)
	o := leafHdrCondenserOff + slot*2
	return buf[o], buf[o+1]
}

func setLeafCondenser(mem *Memory, ref uint64, slot int, idx, quickKey uint8) {
	buf := mem.translate(ref, leafHdrCondenserOff+256*2)
	o := leafHdrCondenserOff + slot*2
	buf[o] = idx
	buf[o+1] = quickKey
}

func leafPayload(mem *Memory, ref uint64) Ref[Dyn] {
	buf := mem.translate(ref, leafHdrPayloadOff+8)
	return Ref[Dyn](binary.LittleEndian.Uint64(buf[leafHdrPayloadOff:]))
}

func setLeafPayload(mem *Memory, ref uint64, payload Ref[Dyn]) {
	buf := mem.translate(ref, leafHdrPayloadOff+8)
	binary.LittleEndian.PutUint64(buf[leafHdrPayloadOff:], uint64(payload))
}

func leafKey(mem *Memory, ref uint64, i int) uint64 {
	o := leafHdrKeysOff + i*8
	buf := mem.translate(ref, o+8)
	return binary.LittleEndian.Uint64(buf[o:])
}

func setLeafKey(mem *Memory, ref uint64, i int, key uint64) {
	o := leafHdrKeysOff + i*8
	buf := mem.translate(ref, o+8)
	binary.LittleEndian.PutUint64(buf[o:], key)
}

// splitmix64 backs both hash functions with different fixed seeds, so
// hashA and hashB are independent enough for the two-hash cuckoo
// scheme to treat them as two unrelated hash functions.
func splitmix64(x uint64) uint64 {
	x += 0x9E3779B97F4A7C15
	z := x
	z = (z ^ (z >> 30)) * 0xBF58476D1CE4E5B9
	z = (z ^ (z >> 27)) * 0x94D049BB133111EB
	return z ^ (z >> 31)
}

func hashA(key uint64) uint64 { return splitmix64(key ^ 0x9E3779B97F4A7C15) }
func hashB(key uint64) uint64 { return splitmix64(key ^ 0xC2B2AE3D27D4EB4F) }

// quickKeyOf extracts the second byte of the key after shifting out
// the tag bit: cheap pre-filter so most misses never touch the full
// key comparison.
func quickKeyOf(key uint64) uint8 { return uint8((key >> 9) & 0xFF) }

// Cuckoo is the primary key index: two
// independent hashes, a tag bit on the canonical key selecting which
// hash placed it, and a bounded forced-eviction chain on insert.
// SecondaryTree is carried in the on-disk layout but left unused --
// no second-tier role for it is defined, and this module does not
// invent one.
type Cuckoo struct {
	PrimaryTree   TreeTop[TreeLeaf]
	SecondaryTree TreeTop[TreeLeaf]
}

type cuckooLeafCommitter struct {
	pm PayloadMgr
}

func (c cuckooLeafCommitter) Commit(mem *Memory, from Ref[TreeLeaf]) Ref[TreeLeaf] {
	if from == 0 || !mem.IsWritable(uint64(from)) {
		return from
	}
	sz := leafSz(mem, uint64(from))
	cap := leafCapacity(mem, uint64(from))
	sizeBytes := leafSize(cap)
	newRef, newBuf, err := mem.AllocInFile(sizeBytes)
	if err != nil {
		panic(err)
	}
	oldBuf := mem.translate(uint64(from), sizeBytes)
	copy(newBuf, oldBuf)
	payload := leafPayload(mem, newRef)
	committed := c.pm.Commit(mem, payload, sz)
	setLeafPayload(mem, newRef, committed)
	mem.Free(uint64(from), sizeBytes)
	return Ref[TreeLeaf](newRef)
}

// Init sizes the primary tree to address at least capacity hash slots
// (256 per leaf).
func (c *Cuckoo) Init(mem *Memory, capacity uint64) error {
	return c.PrimaryTree.Init(mem, capacity)
}

// findInLeaf searches the 4-slot condenser window starting at
// hash&0xFF (wrapping mod 256) for key, returning the in-leaf row
// index on a hit.
func findInLeaf(mem *Memory, leafRef uint64, key, hash uint64) (int, bool) {
	qk := quickKeyOf(key)
	base := int(hash & 0xFF)
	for i := 0; i < condenserWindow; i++ {
		slot := (base + i) & 0xFF
		idxByte, quickKey := leafCondenser(mem, leafRef, slot)
		if idxByte == 0 {
			continue
		}
		if quickKey != qk {
			continue
		}
		row := int(idxByte) - 1
		if row < leafSz(mem, leafRef) && leafKey(mem, leafRef, row) == key {
			return row, true
		}
	}
	return -1, false
}

// findEmptyInLeaf returns the first empty condenser slot in the
// window, or -1 if the window is full (forcing an eviction).
func findEmptyInLeaf(mem *Memory, leafRef uint64, hash uint64) int {
	base := int(hash & 0xFF)
	for i := 0; i < condenserWindow; i++ {
		slot := (base + i) & 0xFF
		idxByte, _ := leafCondenser(mem, leafRef, slot)
		if idxByte == 0 {
			return slot
		}
	}
	return -1
}

// Find looks up key, trying hash_a with tag 0 then hash_b with tag 1.
func (c *Cuckoo) Find(mem *Memory, key uint64) (payload Ref[Dyn], index, size int, ok bool) {
	canonical := key << 1
	h1 := hashA(canonical)
	if leafRef := c.PrimaryTree.Lookup(mem, h1); leafRef != 0 {
		if row, found := findInLeaf(mem, uint64(leafRef), canonical, h1); found {
			return leafPayload(mem, uint64(leafRef)), row, leafSz(mem, uint64(leafRef)), true
		}
	}
	tagged := canonical | 1
	h2 := hashB(tagged)
	if leafRef := c.PrimaryTree.Lookup(mem, h2); leafRef != 0 {
		if row, found := findInLeaf(mem, uint64(leafRef), tagged, h2); found {
			return leafPayload(mem, uint64(leafRef)), row, leafSz(mem, uint64(leafRef)), true
		}
	}
	return 0, -1, 0, false
}

// FindAndCowPath mirrors Find but, on a hit against a frozen leaf,
// clones it into scratch (condenser, keys and payload all COW'd via
// pm) and splices the path before returning.
//
// size is always populated here on both the already-writable and
// newly-cloned branches, avoiding a local-variable-shadowing hazard
// that an output-parameter version of this logic could fall into.
func (c *Cuckoo) FindAndCowPath(mem *Memory, pm PayloadMgr, key uint64) (payload Ref[Dyn], index, size int, ok bool, err error) {
	canonical := key << 1
	h1 := hashA(canonical)
	leafRef := c.PrimaryTree.Lookup(mem, h1)
	hash := h1
	k := canonical
	row := -1
	if leafRef != 0 {
		row, ok = findInLeaf(mem, uint64(leafRef), canonical, h1)
	}
	if !ok {
		tagged := canonical | 1
		h2 := hashB(tagged)
		lr2 := c.PrimaryTree.Lookup(mem, h2)
		if lr2 != 0 {
			row, ok = findInLeaf(mem, uint64(lr2), tagged, h2)
		}
		if ok {
			leafRef = lr2
			hash = h2
			k = tagged
		}
	}
	if !ok {
		return 0, -1, 0, false, nil
	}
	_ = k
	sz := leafSz(mem, uint64(leafRef))
	if !mem.IsWritable(uint64(leafRef)) {
		cap := leafCapacity(mem, uint64(leafRef))
		sizeBytes := leafSize(cap)
		newRef, newBuf, aerr := mem.Alloc(sizeBytes)
		if aerr != nil {
			return 0, -1, 0, false, aerr
		}
		oldBuf := mem.translate(uint64(leafRef), sizeBytes)
		copy(newBuf, oldBuf)
		if err := c.PrimaryTree.CowPath(mem, hash, Ref[TreeLeaf](newRef)); err != nil {
			return 0, -1, 0, false, err
		}
		leafRef = Ref[TreeLeaf](newRef)
		if cowErr := withPayload(mem, uint64(leafRef), func(p *Ref[Dyn]) error {
			return pm.Cow(mem, p, cap, cap)
		}); cowErr != nil {
			return 0, -1, 0, false, cowErr
		}
	}
	return leafPayload(mem, uint64(leafRef)), row, sz, true, nil
}

// Insert adds key with the values currently held in pm's internal
// buffer as its payload row,
// evicting and re-homing at most maxCollisions times before growing
// the tree and retrying.
func (c *Cuckoo) Insert(mem *Memory, pm PayloadMgr, key uint64) error {
	if _, _, _, found := c.Find(mem, key); found {
		return ErrKeyInUse
	}
	canonical := key << 1
	curKey := canonical
	collisions := 0
	for {
		collisions++
		if collisions > maxCollisions {
			return ErrOutOfMemory
		}
		tag := curKey & 1
		var hash uint64
		if tag == 0 {
			hash = hashA(curKey)
		} else {
			hash = hashB(curKey)
		}
		evicted, didEvict, err := c.insertInLeaf(mem, pm, hash, curKey)
		if err != nil {
			return err
		}
		if !didEvict {
			break
		}
		curKey = evicted ^ 1
	}
	c.PrimaryTree.Count++
	if c.PrimaryTree.Count+(c.PrimaryTree.Count>>1) > c.PrimaryTree.Mask {
		return c.growTree(mem, pm)
	}
	return nil
}

// insertInLeaf places curKey into the leaf addressed by hash, growing
// or cloning the leaf first if it's frozen or out of capacity, and
// forcibly evicting the occupant of slot hash&0xFF when the 4-slot
// window is already full. It returns the evicted key (tag still to be
// flipped by the caller) and whether an eviction occurred.
func (c *Cuckoo) insertInLeaf(mem *Memory, pm PayloadMgr, hash, key uint64) (evictedKey uint64, didEvict bool, err error) {
	leafRef := c.PrimaryTree.Lookup(mem, hash)
	sz := 0
	cap := 0
	if leafRef != 0 {
		sz = leafSz(mem, uint64(leafRef))
		cap = leafCapacity(mem, uint64(leafRef))
	}
	needsGrow := leafRef == 0 || sz >= cap || !mem.IsWritable(uint64(leafRef))
	if needsGrow {
		newCap := (sz + 1 + 15) &^ 15
		if newCap < 16 {
			newCap = 16
		}
		newRef, newBuf, aerr := mem.Alloc(leafSize(newCap))
		if aerr != nil {
			return 0, false, aerr
		}
		if leafRef != 0 {
			oldBuf := mem.translate(uint64(leafRef), leafSize(cap))
			copy(newBuf[:leafHdrKeysOff+sz*8], oldBuf[:leafHdrKeysOff+sz*8])
		}
		setLeafCapacity(mem, uint64(newRef), newCap)
		if err := withPayload(mem, uint64(newRef), func(p *Ref[Dyn]) error {
			return pm.Cow(mem, p, cap, newCap)
		}); err != nil {
			return 0, false, err
		}
		if err := c.PrimaryTree.CowPath(mem, hash, Ref[TreeLeaf](newRef)); err != nil {
			return 0, false, err
		}
		leafRef = Ref[TreeLeaf](newRef)
		cap = newCap
	}
	slot := findEmptyInLeaf(mem, uint64(leafRef), hash)
	if slot >= 0 {
		row := sz
		setLeafKey(mem, uint64(leafRef), row, key)
		setLeafSz(mem, uint64(leafRef), sz+1)
		setLeafCondenser(mem, uint64(leafRef), slot, uint8(row+1), quickKeyOf(key))
		if err := withPayload(mem, uint64(leafRef), func(p *Ref[Dyn]) error {
			return pm.WriteInternalBuffer(mem, p, row, cap)
		}); err != nil {
			return 0, false, err
		}
		return 0, false, nil
	}
	// No free slot in the window: force-evict the occupant at the
	// canonical base slot and swap it out with the new key.
	base := int(hash & 0xFF)
	victimIdx, _ := leafCondenser(mem, uint64(leafRef), base)
	if victimIdx == 0 {
		// window scan above missed an actually-empty base slot; use it.
		row := sz
		setLeafKey(mem, uint64(leafRef), row, key)
		setLeafSz(mem, uint64(leafRef), sz+1)
		setLeafCondenser(mem, uint64(leafRef), base, uint8(row+1), quickKeyOf(key))
		if err := withPayload(mem, uint64(leafRef), func(p *Ref[Dyn]) error {
			return pm.WriteInternalBuffer(mem, p, row, cap)
		}); err != nil {
			return 0, false, err
		}
		return 0, false, nil
	}
	victimRow := int(victimIdx) - 1
	victimKey := leafKey(mem, uint64(leafRef), victimRow)
	setLeafKey(mem, uint64(leafRef), victimRow, key)
	setLeafCondenser(mem, uint64(leafRef), base, victimIdx, quickKeyOf(key))
	// The caller's internal buffer already holds the values being
	// carried into this row (the new key's values on the first hop, or
	// a previously-evicted row's values on a later hop); swapping pulls
	// the victim's values out in exchange, it must not be zeroed first.
	if err := withPayload(mem, uint64(leafRef), func(p *Ref[Dyn]) error {
		return pm.SwapInternalBuffer(mem, p, victimRow, cap)
	}); err != nil {
		return 0, false, err
	}
	return victimKey, true, nil
}

// withPayload loads the leaf's stored payload ref, lets fn mutate it
// (PayloadMgr methods may reallocate and hand back a new ref), and
// writes the possibly-updated ref back into the leaf.
func withPayload(mem *Memory, leafRef uint64, fn func(p *Ref[Dyn]) error) error {
	p := leafPayload(mem, leafRef)
	if err := fn(&p); err != nil {
		return err
	}
	setLeafPayload(mem, leafRef, p)
	return nil
}

// growTree doubles the tree's addressable mask (newMask = 1 +
// 2*oldMask) and rehashes every existing row into a fresh tree.
// Growth runs at most once per Insert call since the freshly built
// tree's load factor is below threshold by construction (a tree built
// for a strictly larger mask cannot itself need to grow mid-rehash).
func (c *Cuckoo) growTree(mem *Memory, pm PayloadMgr) error {
	oldPrimary := c.PrimaryTree
	newMask := 1 + 2*oldPrimary.Mask
	var fresh Cuckoo
	if err := fresh.Init(mem, newMask+1); err != nil {
		return err
	}
	old := Cuckoo{PrimaryTree: oldPrimary}
	it := &CuckooIterator{}
	for nextLeaf := uint64(0); old.firstAccessFrom(mem, it, nextLeaf); nextLeaf = it.TreeIndex + 256 {
		for {
			row := it.Row
			leafRef := it.LeafRef
			key := leafKey(mem, uint64(leafRef), row)
			pm.ReadInternalBuffer(mem, leafPayload(mem, uint64(leafRef)), row)
			if err := fresh.Insert(mem, pm, key>>1); err != nil {
				return err
			}
			if !it.next(mem, oldPrimary.Mask) {
				break
			}
		}
	}
	oldPrimary.Free(mem)
	c.PrimaryTree = fresh.PrimaryTree
	return nil
}

// CuckooIterator walks leaves in ascending tree-index order, that is in
// ascending order of the hash bits under the tree's Mask (not of the
// full 64-bit hash).
type CuckooIterator struct {
	LeafRef   Ref[TreeLeaf]
	TreeIndex uint64
	Row       int
}

// FirstAccess finds the first non-empty leaf, scanning from tree index 0.
func (c *Cuckoo) FirstAccess(mem *Memory, it *CuckooIterator) bool {
	return c.firstAccessFrom(mem, it, 0)
}

func (c *Cuckoo) firstAccessFrom(mem *Memory, it *CuckooIterator, startIndex uint64) bool {
	for idx := startIndex; idx <= c.PrimaryTree.Mask; idx += 256 {
		leafRef := c.PrimaryTree.Lookup(mem, idx)
		if leafRef != 0 && leafSz(mem, uint64(leafRef)) > 0 {
			it.LeafRef = leafRef
			it.TreeIndex = idx
			it.Row = 0
			return true
		}
	}
	return false
}

// next advances the iterator to the next row of the current leaf and
// reports false once that leaf is exhausted; moving on to the next leaf
// is left to the caller (growTree, ForEachPartition). mask is not used.
func (it *CuckooIterator) next(mem *Memory, mask uint64) bool {
	it.Row++
	if it.Row < leafSz(mem, uint64(it.LeafRef)) {
		return true
	}
	return false
}
