//go:build !unix

package ipc

import "fmt"

// mmapFile is not supported on non-Unix platforms; Segment falls back
// to ReadAt for every load on these platforms.
func mmapFile(fd uintptr, size int) ([]byte, error) {
	return nil, fmt.Errorf("ipc: memory mapping is not supported on this platform")
}

func munmapFile(data []byte) error {
	return nil
}
