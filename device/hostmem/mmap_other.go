//go:build !unix

package hostmem

// mapBlock falls back to the Go heap on platforms without anonymous mmap
func mapBlock(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func unmapBlock(data []byte) error {
	return nil
}
