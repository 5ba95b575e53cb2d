//go:build unix

package page

import (
	"os"

	"golang.org/x/sys/unix"
)

func mmapRaw(fd *os.File, offset int64, length int) ([]byte, error) {
	return unix.Mmap(int(fd.Fd()), offset, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}

func munmapRaw(data []byte) error {
	return unix.Munmap(data)
}
