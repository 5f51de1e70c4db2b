//go:build linux

package shm

import "golang.org/x/sys/unix"

// mapMemory registers an anonymous private mapping for the segment.
func mapMemory(size int) ([]byte, bool, error) {
	if size == 0 {
		return []byte{}, false, nil
	}
	const prot = unix.PROT_READ | unix.PROT_WRITE
	const flags = unix.MAP_PRIVATE | unix.MAP_ANONYMOUS
	mem, err := unix.Mmap(-1, 0, size, prot, flags)
	if err != nil {
		return nil, false, err
	}
	return mem, true, nil
}

func unmapMemory(mem []byte) error {
	return unix.Munmap(mem)
}
