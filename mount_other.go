//go:build !linux && !darwin

package main

import (
	"context"
	"fmt"
	"runtime"
)

func mountDisk(ctx context.Context, dir, name string, view *diskView, debug bool) error {
	return fmt.Errorf("mount is not supported on %s", runtime.GOOS)
}
