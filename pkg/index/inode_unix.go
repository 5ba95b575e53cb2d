//go:build unix

package index

import (
	"os"

	"golang.org/x/sys/unix"
)

// fileInode returns the inode number identifying f's underlying
// file, used to detect a slab file that has been replaced out from
// under an index (spec.md §6: slab inode check).
func fileInode(f *os.File) (uint64, error) {
	var st unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &st); err != nil {
		return 0, err
	}
	return uint64(st.Ino), nil
}
