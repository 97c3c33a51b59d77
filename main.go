// tinydisk2
// Disk II floppy emulator over a FAT16 card image.
// Cobra CLI driving the card, DMA and drive models, with a tcell
// track map for surface scans.
//
// Build:
//
//	go build -o tinydisk2 .
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	log "github.com/dsoprea/go-logging"
	"github.com/pkg/profile"
	"github.com/spf13/cobra"

	"github.com/GLGPrograms/TinyDiskII/drive"
)

// options are the persistent flags shared by every command.
type options struct {
	logLevel string
	timeout  time.Duration
	strict   bool
	tracks   int
	sectors  int
	capacity int

	profile    string
	profileDir string
	prof       interface{ Stop() }
}

func (o *options) driveConfig() drive.Config {
	return drive.Config{
		Tracks:          o.tracks,
		SectorsPerTrack: o.sectors,
		ChainCapacity:   o.capacity,
		Timeout:         o.timeout,
		Strict:          o.strict,
	}
}

var adapterOnce sync.Once

func setupLogging(level string) error {
	switch level {
	case "debug", "info", "warning", "error", "critical":
	default:
		return fmt.Errorf("unknown --log-level %q", level)
	}
	adapterOnce.Do(func() {
		log.AddAdapter("tinydisk2", log.NewConsoleLogAdapter())
	})
	scp := log.NewStaticConfigurationProvider()
	scp.SetDefaultAdapterName("tinydisk2")
	scp.SetLevelName(level)
	log.LoadConfiguration(scp)
	return nil
}

// startProfile starts the profiler named by --profile, if any.
func (o *options) startProfile() error {
	var mode func(*profile.Profile)
	switch o.profile {
	case "":
		return nil
	case "cpu":
		mode = profile.CPUProfile
	case "mem":
		mode = profile.MemProfile
	case "block":
		mode = profile.BlockProfile
	case "trace":
		mode = profile.TraceProfile
	default:
		return fmt.Errorf("unknown --profile %q", o.profile)
	}
	o.prof = profile.Start(mode, profile.ProfilePath(o.profileDir), profile.Quiet, profile.NoShutdownHook)
	return nil
}

func (o *options) stopProfile() {
	if o.prof != nil {
		o.prof.Stop()
		o.prof = nil
	}
}

func must(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
}

func parseSize(s string) (int64, error) {
	ss := strings.TrimSpace(strings.ToLower(s))
	if ss == "" {
		return 0, fmt.Errorf("empty size")
	}
	mult := int64(1)
	switch {
	case strings.HasSuffix(ss, "k"):
		mult = 1024
		ss = strings.TrimSuffix(ss, "k")
	case strings.HasSuffix(ss, "m"):
		mult = 1024 * 1024
		ss = strings.TrimSuffix(ss, "m")
	case strings.HasSuffix(ss, "g"):
		mult = 1024 * 1024 * 1024
		ss = strings.TrimSuffix(ss, "g")
	case strings.HasSuffix(ss, "b"):
		ss = strings.TrimSuffix(ss, "b")
	}
	v, err := strconv.ParseFloat(ss, 64)
	if err != nil {
		return 0, err
	}
	if v < 0 {
		return 0, fmt.Errorf("negative size %q", s)
	}
	return int64(v * float64(mult)), nil
}

func human(b int64) string {
	if b >= 1024*1024 {
		return fmt.Sprintf("%dM", b/(1024*1024))
	}
	if b >= 1024 {
		return fmt.Sprintf("%dK", b/1024)
	}
	return fmt.Sprintf("%dB", b)
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "tinydisk2",
		Short: "Disk II floppy emulator over a FAT16 card image",
		Long: "Build FAT16 card images holding nibble disks, and drive them through the\n" +
			"emulated card, DMA engine and floppy drive: read, write, scan and mount.",
		SilenceUsage: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			if err := setupLogging(opts.logLevel); err != nil {
				return err
			}
			return opts.startProfile()
		},
		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			opts.stopProfile()
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&opts.logLevel, "log-level", "warning", "debug|info|warning|error|critical")
	pf.DurationVar(&opts.timeout, "timeout", 250*time.Millisecond, "bound on every card and engine wait")
	pf.BoolVar(&opts.strict, "strict", false, "abort reads before arming the engine when a card step fails")
	pf.IntVar(&opts.tracks, "tracks", drive.Tracks, "tracks per disk")
	pf.IntVar(&opts.sectors, "sectors", drive.SectorsPerTrack, "sectors per track")
	pf.IntVar(&opts.capacity, "capacity", 0, "chain cache size in clusters (0 derives it from the geometry)")
	pf.StringVar(&opts.profile, "profile", "", "profile the command: cpu|mem|block|trace")
	pf.StringVar(&opts.profileDir, "profile-dir", ".", "directory for --profile output")

	root.AddCommand(
		newMkimageCmd(opts),
		newLsCmd(opts),
		newInfoCmd(opts),
		newReadCmd(opts),
		newWriteCmd(opts),
		newScanCmd(opts),
		newShellCmd(opts),
		newExportCmd(opts),
		newMountCmd(opts),
		newDevicesCmd(),
	)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	must(newRootCmd().ExecuteContext(ctx))
}
