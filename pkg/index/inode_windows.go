//go:build windows

package index

import (
	"os"

	"golang.org/x/sys/windows"
)

// fileInode returns a file-identity value derived from
// GetFileInformationByHandle, Windows' nearest equivalent of a Unix
// inode number, for the slab-replacement check spec.md §6 describes.
func fileInode(f *os.File) (uint64, error) {
	var info windows.ByHandleFileInformation
	if err := windows.GetFileInformationByHandle(windows.Handle(f.Fd()), &info); err != nil {
		return 0, err
	}
	return uint64(info.FileIndexHigh)<<32 | uint64(info.FileIndexLow), nil
}
