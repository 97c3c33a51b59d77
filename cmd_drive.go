package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/GLGPrograms/TinyDiskII/drive"
	"github.com/GLGPrograms/TinyDiskII/trackmap"
)

// addrFlags are the disk and sector selectors shared by the drive commands.
type addrFlags struct {
	ref    string
	track  int
	sector int
}

func (a *addrFlags) register(cmd *cobra.Command, sector bool) {
	cmd.Flags().StringVar(&a.ref, "entry", "", "directory entry index or file name of the disk")
	_ = cmd.MarkFlagRequired("entry")
	if !sector {
		return
	}
	cmd.Flags().IntVarP(&a.track, "track", "t", 0, "track")
	cmd.Flags().IntVarP(&a.sector, "sector", "s", 0, "physical sector")
}

func printBlock(w io.Writer, track, sector int, block []byte, decode bool) error {
	vol, trk, sec, err := drive.Address(block)
	if err != nil {
		fmt.Fprintf(w, "t:%d s:%d  address field: %v\n", track, sector, err)
	} else {
		fmt.Fprintf(w, "t:%d s:%d  volume %d track %d sector %d\n", track, sector, vol, trk, sec)
	}
	if !decode {
		fmt.Fprint(w, hex.Dump(block))
		return nil
	}
	data, err := drive.DecodeBlock(block)
	if err != nil {
		return err
	}
	fmt.Fprint(w, hex.Dump(data))
	return nil
}

func newReadCmd(opts *options) *cobra.Command {
	var (
		a      addrFlags
		decode bool
	)
	cmd := &cobra.Command{
		Use:   "read <card>",
		Short: "Read one sector through the drive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), args[0], opts, false)
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.selectRef(a.ref); err != nil {
				return err
			}
			block, err := s.readBlock(a.track, a.sector)
			if err != nil {
				return err
			}
			return printBlock(cmd.OutOrStdout(), a.track, a.sector, block, decode)
		},
	}
	a.register(cmd, true)
	cmd.Flags().BoolVar(&decode, "decode", false, "decode the data field instead of dumping the raw block")
	return cmd
}

// loadSector reads up to one sector of data from path, padding with zeros.
func loadSector(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(raw) > sectorBytes {
		return nil, fmt.Errorf("%s: %d bytes, a sector holds %d", path, len(raw), sectorBytes)
	}
	data := make([]byte, sectorBytes)
	copy(data, raw)
	return data, nil
}

func newWriteCmd(opts *options) *cobra.Command {
	var (
		a        addrFlags
		dataPath string
		volume   int
	)
	cmd := &cobra.Command{
		Use:   "write <card>",
		Short: "Write one sector through the drive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if volume < 0 || volume > 255 {
				return fmt.Errorf("--volume %d out of range", volume)
			}
			data, err := loadSector(dataPath)
			if err != nil {
				return err
			}
			var f drive.Frame
			drive.BuildFrame(&f)
			f.SetAddress(byte(volume), byte(a.track), byte(a.sector))
			if err := f.EncodeSector(data); err != nil {
				return err
			}

			s, err := openSession(cmd.Context(), args[0], opts, true)
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.selectRef(a.ref); err != nil {
				return err
			}
			if err := s.writeFrame(&f, a.track, a.sector); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "t:%d s:%d written\n", a.track, a.sector)
			return s.Close()
		},
	}
	a.register(cmd, true)
	cmd.Flags().StringVar(&dataPath, "data", "", "file with up to 256 bytes of sector data")
	cmd.Flags().IntVar(&volume, "volume", volumeByte, "volume number in the address field")
	_ = cmd.MarkFlagRequired("data")
	return cmd
}

// probeSector reads track and sector and classifies the outcome.
func probeSector(s *session, track, sector int) trackmap.State {
	block, err := s.readBlock(track, sector)
	var pe *drive.ProtocolError
	switch {
	case errors.Is(err, drive.ErrUnmappedSector):
		return trackmap.Unmapped
	case errors.As(err, &pe):
		return trackmap.Protocol
	case err != nil:
		return trackmap.Fault
	}
	if _, trk, sec, err := drive.Address(block); err != nil || int(trk) != track || int(sec) != sector {
		return trackmap.Bad
	}
	if _, err := drive.DecodeBlock(block); err != nil {
		return trackmap.Bad
	}
	return trackmap.OK
}

func newScanCmd(opts *options) *cobra.Command {
	var (
		a     addrFlags
		noUI  bool
		delay time.Duration
	)
	cmd := &cobra.Command{
		Use:   "scan <card>",
		Short: "Read every sector of a disk and draw a track map",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), args[0], opts, false)
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.selectRef(a.ref); err != nil {
				return err
			}
			g := s.drv.Geometry()
			m := trackmap.NewMap(g.Tracks, g.SectorsPerTrack)
			probe := func(t, sec int) trackmap.State { return probeSector(s, t, sec) }
			w := cmd.OutOrStdout()

			if noUI {
				if err := trackmap.Scan(nil, m, probe, 0); err != nil {
					return err
				}
				printLines(w, m.Lines())
				printLines(w, trackmap.Legend())
				fmt.Fprintln(w, trackmap.Progress(m, g.Tracks-1, g.SectorsPerTrack-1))
				return nil
			}

			u, err := trackmap.NewUI()
			if err != nil {
				return err
			}
			e, _ := s.vol.Entry(s.drv.Entry())
			u.SetTitle(fmt.Sprintf(" TinyDiskII scan: %s ", e.FileName()))
			u.SetSummary(fmt.Sprintf("entry %d, %d clusters in chain, %d sectors/cluster",
				s.drv.Entry(), len(s.drv.Chain()), g.SectorsPerCluster()))
			u.SetMap(m)
			err = trackmap.Scan(u, m, probe, delay)
			if err == nil {
				select {
				case <-u.Stopped():
				case <-cmd.Context().Done():
				}
			}
			u.Close()
			if err != nil && !errors.Is(err, trackmap.ErrInterrupted) {
				return err
			}
			fmt.Fprintln(w, trackmap.Progress(m, g.Tracks-1, g.SectorsPerTrack-1))
			return nil
		},
	}
	a.register(cmd, false)
	cmd.Flags().BoolVar(&noUI, "no-ui", false, "print the map instead of drawing it live")
	cmd.Flags().DurationVar(&delay, "delay", 5*time.Millisecond, "pause between sectors in the live view")
	return cmd
}

func openView(cmd *cobra.Command, opts *options, card, ref, orderStr string) (*session, *diskView, error) {
	order, err := parseOrder(orderStr)
	if err != nil {
		return nil, nil, err
	}
	s, err := openSession(cmd.Context(), card, opts, false)
	if err != nil {
		return nil, nil, err
	}
	if err := s.selectRef(ref); err != nil {
		s.Close()
		return nil, nil, err
	}
	v, err := newDiskView(s, order)
	if err != nil {
		s.Close()
		return nil, nil, err
	}
	return s, v, nil
}

func newExportCmd(opts *options) *cobra.Command {
	var (
		a                   addrFlags
		out, orderStr, kind string
	)
	cmd := &cobra.Command{
		Use:   "export <card>",
		Short: "Copy a disk off the card through the drive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var decoded bool
			switch kind {
			case "dsk":
				decoded = true
			case "nic":
			default:
				return fmt.Errorf("unknown --format %q (dsk|nic)", kind)
			}
			s, v, err := openView(cmd, opts, args[0], a.ref, orderStr)
			if err != nil {
				return err
			}
			defer s.Close()

			r := viewReader{v: v, decoded: decoded}
			f, err := os.Create(out)
			if err != nil {
				return err
			}
			defer f.Close()
			n, err := io.Copy(f, io.NewSectionReader(r, 0, r.Size()))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d bytes\n", out, n)
			return f.Close()
		},
	}
	a.register(cmd, false)
	cmd.Flags().StringVar(&out, "out", "", "output file")
	cmd.Flags().StringVar(&kind, "format", "dsk", "dsk|nic")
	cmd.Flags().StringVar(&orderStr, "order", "dos", "sector order of a dsk export: dos|prodos|linear")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}

func newMountCmd(opts *options) *cobra.Command {
	var (
		a        addrFlags
		orderStr string
		debug    bool
	)
	cmd := &cobra.Command{
		Use:   "mount <card> <dir>",
		Short: "Mount a disk read-only as nibble and sector-order images",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, v, err := openView(cmd, opts, args[0], a.ref, orderStr)
			if err != nil {
				return err
			}
			defer s.Close()
			e, _ := s.vol.Entry(s.drv.Entry())
			fmt.Fprintf(cmd.OutOrStdout(), "entry %d (%s) mounted at %s\n", s.drv.Entry(), e.FileName(), args[1])
			return mountDisk(cmd.Context(), args[1], e.FileName(), v, debug)
		},
	}
	a.register(cmd, false)
	cmd.Flags().StringVar(&orderStr, "order", "dos", "sector order of the .DSK file: dos|prodos|linear")
	cmd.Flags().BoolVar(&debug, "debug", false, "print FUSE debug information")
	return cmd
}
