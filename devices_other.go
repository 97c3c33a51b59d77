//go:build !linux && !darwin

package main

import (
	"fmt"
	"runtime"
)

func discoverDevices() ([]deviceInfo, error) {
	return nil, fmt.Errorf("device discovery is not supported on %s", runtime.GOOS)
}
