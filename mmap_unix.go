//go:build unix

package archon

import (
	"os"

	"golang.org/x/sys/unix"
)

// mmapChunk is a single memory-mapped region, either a file-backed
// chunk holding committed data or an anonymous chunk holding scratch
// allocations for the in-flight writer. It owns the syscall-level
// mapping and exposes it as a plain byte slice; indexing into the
// slice is how every other component translates a ref into bytes.
type mmapChunk struct {
	bytes    []byte
	fileBack bool
}

// mmapAnon maps a fresh MAP_PRIVATE|MAP_ANON chunk for scratch
// allocations: private and anonymous so nothing here is ever written
// back to the file.
func mmapAnon(size int) (*mmapChunk, error) {
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, wrapIo("mmap(anon)", err)
	}
	return &mmapChunk{bytes: b, fileBack: false}, nil
}

// mmapFileShared maps a chunk backed by fd at the given file offset,
// MAP_SHARED so writes become visible to msync.
func mmapFileShared(fd int, offset int64, size int, writable bool) (*mmapChunk, error) {
	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}
	b, err := unix.Mmap(fd, offset, size, prot, unix.MAP_SHARED)
	if err != nil {
		return nil, wrapIo("mmap(file)", err)
	}
	return &mmapChunk{bytes: b, fileBack: true}, nil
}

func (c *mmapChunk) unmap() error {
	if c == nil || c.bytes == nil {
		return nil
	}
	err := unix.Munmap(c.bytes)
	c.bytes = nil
	return wrapIo("munmap", err)
}

func (c *mmapChunk) sync() error {
	if c == nil || c.bytes == nil {
		return nil
	}
	return wrapIo("msync", unix.Msync(c.bytes, unix.MS_SYNC))
}

// ftruncateFile grows (never shrinks, in this design) the backing
// file to newSize bytes.
func ftruncateFile(f *os.File, newSize int64) error {
	return wrapIo("ftruncate", unix.Ftruncate(int(f.Fd()), newSize))
}
