//go:build unix

package storage

import "golang.org/x/sys/unix"

// allocAnonPage reserves a private, page-aligned anonymous mapping for
// the anonymous-memory PageManager variant, per spec §4.1.
func allocAnonPage(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
}

func freeAnonPage(data []byte) error {
	return unix.Munmap(data)
}
