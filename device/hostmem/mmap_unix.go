//go:build unix

package hostmem

import (
	"golang.org/x/sys/unix"
)

// mapBlock reserves size bytes outside the Go heap
func mapBlock(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE,
	)
}

func unmapBlock(data []byte) error {
	return unix.Munmap(data)
}
