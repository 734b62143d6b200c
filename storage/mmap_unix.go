//go:build unix

package storage

import (
	"os"

	"golang.org/x/sys/unix"
)

// mapPageFile memory-maps the first size bytes of f read/write, shared
// with the OS page cache so the kernel may flush dirty pages under
// memory pressure, per spec §4.1's memory-mapped variant.
func mapPageFile(f *os.File, size int) ([]byte, error) {
	return unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}

func unmapPageFile(data []byte) error {
	return unix.Munmap(data)
}

// syncPageFile forces the closed byte range [offset, offset+length) of a
// mapped page durable via msync, the platform's sync primitive for a
// mapped region.
func syncPageFile(_ *os.File, data []byte, offset, length int) error {
	return unix.Msync(data[offset:offset+length], unix.MS_SYNC)
}
