//go:build unix

package mmap

import (
	"golang.org/x/sys/unix"
)

// Map creates an anonymous shared read-write mapping of size bytes
func Map(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_SHARED)
}

// Unmap releases a mapping created by Map
func Unmap(data []byte) error {
	return unix.Munmap(data)
}
