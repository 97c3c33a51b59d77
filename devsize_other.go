//go:build !linux

package main

import (
	"io"
	"os"
)

// getDeviceSize returns the size of an image file. Block devices report
// their size through the seek on the platforms that support them here.
func getDeviceSize(f *os.File) (int64, error) {
	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}
	_, err = f.Seek(0, io.SeekStart)
	return size, err
}

func syncFile(f *os.File) error {
	return f.Sync()
}
