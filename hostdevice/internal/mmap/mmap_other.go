//go:build !unix

package mmap

// Map allocates size bytes from the heap on platforms without anonymous mappings
func Map(size int) ([]byte, error) {
	return make([]byte, size), nil
}

// Unmap releases a region created by Map
func Unmap(data []byte) error {
	return nil
}
