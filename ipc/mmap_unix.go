//go:build unix

package ipc

import "syscall"

// mmapFile memory-maps a file read-only for the fast, lock-free reader
// path described in spec §4.7 ("Other processes observe Cached and
// read via from_memory_segment"). Adapted from the teacher's
// internal/cog/reader.go mmap helper: the fd can be closed right after
// mapping.
func mmapFile(fd uintptr, size int) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}
	return syscall.Mmap(int(fd), 0, size, syscall.PROT_READ, syscall.MAP_SHARED)
}

// munmapFile releases a mapping created by mmapFile.
func munmapFile(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return syscall.Munmap(data)
}
