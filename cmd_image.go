package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/GLGPrograms/TinyDiskII/drive"
	"github.com/GLGPrograms/TinyDiskII/fat16"
)

const lineWidth = 79

var (
	barHeavy = strings.Repeat("═", lineWidth)
	barLight = strings.Repeat("─", lineWidth)
)

func printLines(w io.Writer, lines []string) {
	for _, line := range lines {
		fmt.Fprintln(w, line)
	}
}

func formatRange(start, end int64) string {
	if end <= start {
		return fmt.Sprintf("[%06d]", start)
	}
	return fmt.Sprintf("[%06d … %06d]", start, end)
}

// checkCardSize reports whether a card of size bytes can hold a FAT16
// volume with the default cluster size.
func checkCardSize(size int64) (fat16.Layout, error) {
	p, err := fat16.ParamsForSize(size, 0)
	if err != nil {
		return fat16.Layout{}, err
	}
	return fat16.ComputeLayout(&p)
}

func printLayout(w io.Writer, size int64, p fat16.Params, l fat16.Layout) {
	totalSectors := size / fat16.SectorSize
	absFAT1 := int64(p.ReservedSectors)
	absFAT2 := absFAT1 + int64(l.FATSectors)
	absRoot := absFAT1 + int64(p.NumFATs)*int64(l.FATSectors)
	absData := absRoot + int64(l.RootDirSectors)

	label := strings.ToUpper(strings.TrimSpace(p.Label))
	if label == "" {
		label = "NO NAME"
	}
	printLines(w, []string{
		barHeavy,
		" CARD",
		barLight,
		fmt.Sprintf(" Size: %-8s  Total sectors: %-8d  Label: %s", human(size), totalSectors, label),
		fmt.Sprintf(" Cluster size: %d sectors (%d bytes)  Clusters: %d", p.SectorsPerCluster, int(p.SectorsPerCluster)*fat16.SectorSize, l.Clusters),
		fmt.Sprintf(" Sectors/FAT: %-5d   RootDir sectors: %-5d   Data sectors: %d", l.FATSectors, l.RootDirSectors, l.DataSectors),
		barLight,
		" LAYOUT (absolute sector ranges)",
		barLight,
		fmt.Sprintf(" Boot  : %s", formatRange(0, 0)),
		fmt.Sprintf(" FAT #1: %s    FAT #2: %s", formatRange(absFAT1, absFAT2-1), formatRange(absFAT2, absRoot-1)),
		fmt.Sprintf(" Root  : %s    Data  : %s", formatRange(absRoot, absData-1), formatRange(absData, totalSectors-1)),
		barHeavy,
	})
}

func newMkimageCmd(opts *options) *cobra.Command {
	var (
		out, sizeStr, label string
		dskPath, nicPath    string
		orderStr, name      string
		cluster, stride     int
		force, blank        bool
	)
	cmd := &cobra.Command{
		Use:   "mkimage",
		Short: "Create a FAT16 card image, optionally holding a nibble disk",
		RunE: func(cmd *cobra.Command, _ []string) error {
			sources := 0
			for _, set := range []bool{dskPath != "", nicPath != "", blank} {
				if set {
					sources++
				}
			}
			if sources > 1 {
				return fmt.Errorf("choose at most one of --dsk, --nic or --blank")
			}
			if cluster < 0 || cluster > 128 {
				return fmt.Errorf("--cluster %d out of range", cluster)
			}
			size, err := parseSize(sizeStr)
			if err != nil {
				return err
			}
			p, err := fat16.ParamsForSize(size, uint8(cluster))
			if err != nil {
				return err
			}
			p.Label = label

			// Build the disk before touching the output so a bad input
			// leaves nothing behind.
			var nic []byte
			switch {
			case dskPath != "":
				order, err := parseOrder(orderStr)
				if err != nil {
					return err
				}
				dsk, err := os.ReadFile(dskPath)
				if err != nil {
					return err
				}
				if nic, err = dskToNIC(dsk, order, opts.tracks, opts.sectors, volumeByte); err != nil {
					return fmt.Errorf("%s: %w", dskPath, err)
				}
			case nicPath != "":
				if nic, err = os.ReadFile(nicPath); err != nil {
					return err
				}
			case blank:
				dsk := make([]byte, dskSize(opts.tracks, opts.sectors))
				order := make([]int, opts.sectors)
				for i := range order {
					order[i] = i
				}
				if nic, err = dskToNIC(dsk, order, opts.tracks, opts.sectors, volumeByte); err != nil {
					return err
				}
			}

			flag := os.O_RDWR | os.O_CREATE | os.O_TRUNC
			if !force {
				flag |= os.O_EXCL
			}
			f, err := os.OpenFile(out, flag, 0o644)
			if err != nil {
				if errors.Is(err, os.ErrExist) {
					return fmt.Errorf("%s exists, use --force to overwrite", out)
				}
				return err
			}
			defer f.Close()
			if err := f.Truncate(size); err != nil {
				return err
			}
			l, err := fat16.Format(f, p)
			if err != nil {
				return err
			}
			printLayout(cmd.OutOrStdout(), size, p, l)

			if nic != nil {
				entry, err := fat16.AddFile(f, name, nic, stride)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "entry %d: %s, %d bytes\n", entry, strings.ToUpper(name), len(nic))
			}
			if err := syncFile(f); err != nil {
				return err
			}
			return f.Close()
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "output card image")
	cmd.Flags().StringVar(&sizeStr, "size", "32m", "card size (e.g. 16m, 64m, 1g)")
	cmd.Flags().IntVar(&cluster, "cluster", 4, "sectors per cluster (0 picks one for the size)")
	cmd.Flags().StringVar(&label, "label", "", "volume label (<=11 ASCII)")
	cmd.Flags().StringVar(&dskPath, "dsk", "", "sector-order disk image to nibblize onto the card")
	cmd.Flags().StringVar(&nicPath, "nic", "", "nibble image to copy onto the card as is")
	cmd.Flags().StringVar(&orderStr, "order", "dos", "sector order of --dsk: dos|prodos|linear")
	cmd.Flags().StringVar(&name, "name", "DISK.NIC", "8.3 name of the disk file on the card")
	cmd.Flags().IntVar(&stride, "stride", 1, "cluster stride of the disk file (>1 scatters the chain)")
	cmd.Flags().BoolVar(&blank, "blank", false, "store a freshly formatted nibble disk of zero sectors")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing image")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}

// fragments counts the contiguous runs in chain.
func fragments(chain []uint16) int {
	n := 0
	for i, c := range chain {
		if i == 0 || c != chain[i-1]+1 {
			n++
		}
	}
	return n
}

func newLsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "ls <card>",
		Short: "List the files on a card image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), args[0], opts, false)
			if err != nil {
				return err
			}
			defer s.Close()

			files, err := s.vol.Files()
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%-5s %-12s %10s %7s %8s %9s\n", "ENTRY", "NAME", "SIZE", "FIRST", "CLUSTERS", "FRAGMENTS")
			for _, l := range files {
				chain, err := s.vol.Chain(l.Entry.FirstCluster, s.vol.Clusters()+2)
				if err != nil {
					return fmt.Errorf("%s: %w", l.Entry.FileName(), err)
				}
				fmt.Fprintf(w, "%-5d %-12s %10d %#07x %8d %9d\n",
					l.Index, l.Entry.FileName(), l.Entry.FileSize, l.Entry.FirstCluster, len(chain), fragments(chain))
			}
			return nil
		},
	}
}

func newInfoCmd(opts *options) *cobra.Command {
	var ref string
	cmd := &cobra.Command{
		Use:   "info <card>",
		Short: "Select a disk and show how its sectors map onto the card",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), args[0], opts, false)
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.selectRef(ref); err != nil {
				return err
			}
			printDriveInfo(cmd.OutOrStdout(), s)
			return nil
		},
	}
	cmd.Flags().StringVar(&ref, "entry", "", "directory entry index or file name")
	_ = cmd.MarkFlagRequired("entry")
	return cmd
}

func printDriveInfo(w io.Writer, s *session) {
	d := s.drv
	g := d.Geometry()
	cfg := d.Config()
	chain := d.Chain()

	unmapped := 0
	for t := 0; t < g.Tracks; t++ {
		for sec := 0; sec < g.SectorsPerTrack; sec++ {
			if _, err := d.Translate(t, sec); errors.Is(err, drive.ErrUnmappedSector) {
				unmapped++
			}
		}
	}

	e, _ := s.vol.Entry(d.Entry())
	lines := []string{
		barHeavy,
		fmt.Sprintf(" DRIVE  entry %d  %s  %d bytes", d.Entry(), e.FileName(), e.FileSize),
		barLight,
		fmt.Sprintf(" Tracks: %-3d  Sectors/Track: %-3d  Sectors/Cluster: %-3d  Data at: %#x",
			g.Tracks, g.SectorsPerTrack, g.SectorsPerCluster(), s.vol.DataOffset()),
		fmt.Sprintf(" Chain: %d of %d clusters  Fragments: %d  Unmapped sectors: %d",
			len(chain), cfg.ChainCapacity, fragments(chain), unmapped),
		barLight,
		" CHAIN",
		barLight,
	}
	for i := 0; i < len(chain); i += 8 {
		var b strings.Builder
		fmt.Fprintf(&b, " %4d:", i)
		for _, c := range chain[i:min(i+8, len(chain))] {
			fmt.Fprintf(&b, " %#06x", c)
		}
		lines = append(lines, b.String())
	}
	lines = append(lines, barHeavy)
	printLines(w, lines)
}

// deviceInfo describes a block device that could hold a card.
type deviceInfo struct {
	Path       string
	Size       int64
	Removable  bool
	Compatible bool
	Reason     string
}

func newDevicesCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List block devices that could hold a card",
		RunE: func(cmd *cobra.Command, _ []string) error {
			infos, err := discoverDevices()
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, d := range infos {
				if !d.Compatible && !all {
					continue
				}
				kind := "fixed"
				if d.Removable {
					kind = "removable"
				}
				status := "compatible"
				if !d.Compatible {
					status = "not compatible: " + d.Reason
				}
				fmt.Fprintf(w, "%-16s %8s  %-9s  %s\n", d.Path, human(d.Size), kind, status)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include partitions and unusable devices")
	return cmd
}
