//go:build darwin

package main

import (
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// discoverDevices lists /dev/diskN nodes. Disks with a mounted slice are
// reported as in use so a card is not opened under the host's feet.
func discoverDevices() ([]deviceInfo, error) {
	entries, err := os.ReadDir("/dev")
	if err != nil {
		return nil, err
	}
	mounted := mountedDevices()
	infos := []deviceInfo{}
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "disk") {
			continue
		}
		path := filepath.Join("/dev", name)
		if strings.Contains(name[4:], "s") {
			infos = append(infos, deviceInfo{Path: path, Reason: "partition"})
			continue
		}
		info := deviceInfo{Path: path, Compatible: true}
		if f, err := os.Open(path); err == nil {
			info.Size, _ = getDeviceSize(f)
			f.Close()
		}
		if on, ok := mounted[name]; ok {
			info.Compatible, info.Reason = false, "mounted at "+on
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// mountedDevices maps a whole disk name to one of its mount points.
func mountedDevices() map[string]string {
	out := map[string]string{}
	n, err := unix.Getfsstat(nil, unix.MNT_NOWAIT)
	if err != nil || n <= 0 {
		return out
	}
	buf := make([]unix.Statfs_t, n)
	if _, err := unix.Getfsstat(buf, unix.MNT_NOWAIT); err != nil {
		return out
	}
	for _, st := range buf {
		from := unix.ByteSliceToString(st.Mntfromname[:])
		if !strings.HasPrefix(from, "/dev/disk") {
			continue
		}
		disk := strings.TrimPrefix(from, "/dev/")
		if i := strings.Index(disk[4:], "s"); i >= 0 {
			disk = disk[:4+i]
		}
		out[disk] = unix.ByteSliceToString(st.Mntonname[:])
	}
	return out
}
