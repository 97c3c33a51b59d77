//go:build linux

package main

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// getDeviceSize returns the size of an image file or a block device.
func getDeviceSize(f *os.File) (int64, error) {
	st, err := f.Stat()
	if err != nil {
		return 0, err
	}
	if st.Mode().IsRegular() {
		return st.Size(), nil
	}
	n, err := unix.IoctlGetInt(int(f.Fd()), unix.BLKGETSIZE64)
	if err == nil {
		return int64(n), nil
	}
	size, serr := f.Seek(0, io.SeekEnd)
	if serr != nil {
		return 0, fmt.Errorf("cannot determine device size: %v", err)
	}
	_, _ = f.Seek(0, io.SeekStart)
	return size, nil
}

func syncFile(f *os.File) error {
	return unix.Fsync(int(f.Fd()))
}
