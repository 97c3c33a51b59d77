//go:build linux || darwin

package main

import (
	"context"
	"fmt"
	"strings"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// diskRoot is the mount's root directory. It holds the selected disk as
// a nibble image and as a sector-order image.
type diskRoot struct {
	fs.Inode
	view *diskView
	name string
}

var _ = (fs.NodeOnAdder)((*diskRoot)(nil))

func (r *diskRoot) OnAdd(ctx context.Context) {
	stem, _, _ := strings.Cut(r.name, ".")
	files := []struct {
		name    string
		decoded bool
	}{
		{stem + ".NIC", false},
		{stem + ".DSK", true},
	}
	p := &r.Inode
	for k, f := range files {
		node := &diskFile{r: viewReader{v: r.view, decoded: f.decoded}}
		child := p.NewPersistentInode(ctx, node, fs.StableAttr{Ino: 1000 + uint64(k)})
		p.AddChild(f.name, child, true)
	}
}

// diskFile is one read-only rendering of the disk.
type diskFile struct {
	fs.Inode
	r viewReader
}

var _ = (fs.NodeOpener)((*diskFile)(nil))
var _ = (fs.NodeGetattrer)((*diskFile)(nil))
var _ = (fs.NodeReader)((*diskFile)(nil))

func (f *diskFile) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0 {
		return nil, 0, syscall.EROFS
	}
	return nil, fuse.FOPEN_DIRECT_IO, 0
}

func (f *diskFile) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = 0o444
	out.Size = uint64(f.r.Size())
	return 0
}

func (f *diskFile) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	n, err := f.r.ReadAt(dest, off)
	if err != nil && n == 0 && off < f.r.Size() {
		return nil, syscall.EIO
	}
	return fuse.ReadResultData(dest[:n]), 0
}

// mountDisk serves the view at dir until the file system is unmounted or
// ctx is done.
func mountDisk(ctx context.Context, dir, name string, view *diskView, debug bool) error {
	root := &diskRoot{view: view, name: name}
	opts := &fs.Options{}
	opts.Debug = debug
	server, err := fs.Mount(dir, root, opts)
	if err != nil {
		return fmt.Errorf("mount %s: %w", dir, err)
	}
	go func() {
		<-ctx.Done()
		_ = server.Unmount()
	}()
	server.Wait()
	return nil
}
