//go:build linux

package main

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// discoverDevices lists the card readers and disks under /dev, with the
// size and removable flag the kernel reports in /sys/block.
func discoverDevices() ([]deviceInfo, error) {
	entries, err := os.ReadDir("/dev")
	if err != nil {
		return nil, err
	}
	infos := []deviceInfo{}
	for _, e := range entries {
		name := e.Name()
		path := filepath.Join("/dev", name)
		switch {
		case isWholeLinuxDevice(name):
			info := deviceInfo{Path: path, Compatible: true}
			info.Size, info.Removable = sysBlockInfo(name)
			if info.Size == 0 {
				info.Compatible, info.Reason = false, "no medium"
			} else if _, err := checkCardSize(info.Size); err != nil {
				info.Compatible, info.Reason = false, err.Error()
			}
			infos = append(infos, info)
		case isPartitionLinux(name):
			infos = append(infos, deviceInfo{Path: path, Reason: "partition"})
		}
	}
	return infos, nil
}

func sysBlockInfo(name string) (size int64, removable bool) {
	base := filepath.Join("/sys/block", name)
	if b, err := os.ReadFile(filepath.Join(base, "size")); err == nil {
		n, _ := strconv.ParseInt(strings.TrimSpace(string(b)), 10, 64)
		size = n * 512
	}
	if b, err := os.ReadFile(filepath.Join(base, "removable")); err == nil {
		removable = strings.TrimSpace(string(b)) == "1"
	}
	return size, removable
}

func isWholeLinuxDevice(name string) bool {
	// sdX
	if len(name) == 3 && strings.HasPrefix(name, "sd") && name[2] >= 'a' && name[2] <= 'z' {
		return true
	}
	// mmcblkX
	if strings.HasPrefix(name, "mmcblk") && len(name) > 6 && !strings.ContainsAny(name[6:], "pb") {
		return true
	}
	return false
}

func isPartitionLinux(name string) bool {
	if strings.HasPrefix(name, "sd") && len(name) >= 4 {
		c := name[len(name)-1]
		return c >= '0' && c <= '9'
	}
	// mmcblkXpY
	return strings.HasPrefix(name, "mmcblk") && strings.Contains(name, "p")
}
