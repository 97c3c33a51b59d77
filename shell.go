package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/GLGPrograms/TinyDiskII/drive"
)

const shellExit = 999

type shellCommand struct {
	Name             string
	Description      string
	MinArgs, MaxArgs int
	Code             func(sh *shell, args []string) int
	NeedsSelect      bool
	Text             []string
}

// shell drives a session by hand, one controller request per line.
type shell struct {
	s      *session
	out    io.Writer
	errOut io.Writer
}

var commandList map[string]*shellCommand

func init() {
	commandList = map[string]*shellCommand{
		"help": {
			Name:        "help",
			Description: "List commands or show help for one",
			MinArgs:     0,
			MaxArgs:     1,
			Code:        shellHelp,
			Text:        []string{"help [command]"},
		},
		"files": {
			Name:        "files",
			Description: "List the files on the card",
			MinArgs:     0,
			MaxArgs:     0,
			Code:        shellFiles,
		},
		"select": {
			Name:        "select",
			Description: "Select a disk by entry index or name",
			MinArgs:     1,
			MaxArgs:     1,
			Code:        shellSelect,
			Text: []string{
				"select <entry|name>",
				"",
				"Rebuilds the chain cache from the file's first cluster.",
			},
		},
		"deselect": {
			Name:        "deselect",
			Description: "Forget the selected disk",
			MinArgs:     0,
			MaxArgs:     0,
			Code:        shellDeselect,
		},
		"chain": {
			Name:        "chain",
			Description: "Show the chain cache of the selected disk",
			MinArgs:     0,
			MaxArgs:     0,
			Code:        shellChain,
			NeedsSelect: true,
		},
		"translate": {
			Name:        "translate",
			Description: "Show the card offset of a sector",
			MinArgs:     2,
			MaxArgs:     2,
			Code:        shellTranslate,
			NeedsSelect: true,
			Text:        []string{"translate <track> <sector>"},
		},
		"read": {
			Name:        "read",
			Description: "Read a sector into the sector cache",
			MinArgs:     2,
			MaxArgs:     3,
			Code:        shellRead,
			NeedsSelect: true,
			Text: []string{
				"read <track> <sector> [decode]",
				"",
				"Dumps the raw block, or the decoded 256 data bytes with decode.",
			},
		},
		"byte": {
			Name:        "byte",
			Description: "Show one byte of the sector cache",
			MinArgs:     1,
			MaxArgs:     1,
			Code:        shellByte,
			Text:        []string{"byte <offset>   (0..513)"},
		},
		"write": {
			Name:        "write",
			Description: "Start a sector write filled with one byte",
			MinArgs:     3,
			MaxArgs:     3,
			Code:        shellWrite,
			NeedsSelect: true,
			Text: []string{
				"write <track> <sector> <fill>",
				"",
				"Arms the write and returns. Use poll to see it acknowledged.",
			},
		},
		"poll": {
			Name:        "poll",
			Description: "Poll the pending write",
			MinArgs:     0,
			MaxArgs:     0,
			Code:        shellPoll,
		},
		"status": {
			Name:        "status",
			Description: "Show drive and engine state",
			MinArgs:     0,
			MaxArgs:     0,
			Code:        shellStatus,
		},
		"quit": {
			Name:        "quit",
			Description: "Leave the shell",
			MinArgs:     0,
			MaxArgs:     0,
			Code:        func(*shell, []string) int { return shellExit },
		},
	}
}

func smartSplit(line string) (string, []string) {
	var out []string
	var inqq bool
	var chunk strings.Builder

	add := func() {
		if chunk.Len() > 0 {
			out = append(out, chunk.String())
			chunk.Reset()
		}
	}

	for _, ch := range line {
		switch {
		case ch == '"':
			inqq = !inqq
			add()
		case (ch == ' ' || ch == '\t') && !inqq:
			add()
		default:
			chunk.WriteRune(ch)
		}
	}
	add()

	if len(out) == 0 {
		return "", out
	}
	return out[0], out[1:]
}

func (sh *shell) process(line string) int {
	verb, args := smartSplit(strings.TrimSpace(line))
	if verb == "" {
		return 0
	}
	verb = strings.ToLower(verb)
	command, ok := commandList[verb]
	if !ok {
		fmt.Fprintf(sh.errOut, "Unrecognized command: %s\n", verb)
		return -1
	}
	if len(args) < command.MinArgs {
		fmt.Fprintf(sh.errOut, "%s expects at least %d arguments\n", verb, command.MinArgs)
		return -1
	}
	if len(args) > command.MaxArgs {
		fmt.Fprintf(sh.errOut, "%s expects at most %d arguments\n", verb, command.MaxArgs)
		return -1
	}
	if command.NeedsSelect && !sh.s.drv.Selected() {
		fmt.Fprintf(sh.errOut, "%s needs a selected disk\n", verb)
		return -1
	}
	return command.Code(sh, args)
}

func (sh *shell) fail(err error) int {
	fmt.Fprintf(sh.errOut, "error: %v\n", err)
	return -1
}

func (sh *shell) prompt() string {
	if !sh.s.drv.Selected() {
		return fmt.Sprintf("%s> ", filepath.Base(sh.s.path))
	}
	return fmt.Sprintf("%s:%d> ", filepath.Base(sh.s.path), sh.s.drv.Entry())
}

func parseTS(args []string) (int, int, error) {
	t, err := strconv.Atoi(args[0])
	if err != nil {
		return 0, 0, fmt.Errorf("track %q: %w", args[0], err)
	}
	s, err := strconv.Atoi(args[1])
	if err != nil {
		return 0, 0, fmt.Errorf("sector %q: %w", args[1], err)
	}
	return t, s, nil
}

func shellHelp(sh *shell, args []string) int {
	if len(args) == 0 {
		keys := make([]string, 0, len(commandList))
		for k := range commandList {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(sh.out, "%-10s %s\n", commandList[k].Name, commandList[k].Description)
		}
		return 0
	}
	command := strings.ToLower(args[0])
	details, ok := commandList[command]
	if !ok || details.Text == nil {
		fmt.Fprintf(sh.errOut, "No help available for %s\n", command)
		return -1
	}
	printLines(sh.out, details.Text)
	return 0
}

func shellFiles(sh *shell, _ []string) int {
	files, err := sh.s.vol.Files()
	if err != nil {
		return sh.fail(err)
	}
	for _, l := range files {
		fmt.Fprintf(sh.out, "%3d  %-12s %8d\n", l.Index, l.Entry.FileName(), l.Entry.FileSize)
	}
	return 0
}

func shellSelect(sh *shell, args []string) int {
	if err := sh.s.selectRef(args[0]); err != nil {
		return sh.fail(err)
	}
	fmt.Fprintf(sh.out, "entry %d selected, %d clusters\n", sh.s.drv.Entry(), len(sh.s.drv.Chain()))
	return 0
}

func shellDeselect(sh *shell, _ []string) int {
	sh.s.drv.Deselect()
	return 0
}

func shellChain(sh *shell, _ []string) int {
	chain := sh.s.drv.Chain()
	for i := 0; i < len(chain); i += 8 {
		fmt.Fprintf(sh.out, "%4d:", i)
		for _, c := range chain[i:min(i+8, len(chain))] {
			fmt.Fprintf(sh.out, " %#06x", c)
		}
		fmt.Fprintln(sh.out)
	}
	return 0
}

func shellTranslate(sh *shell, args []string) int {
	t, s, err := parseTS(args)
	if err != nil {
		return sh.fail(err)
	}
	off, err := sh.s.drv.Translate(t, s)
	if err != nil {
		return sh.fail(err)
	}
	fmt.Fprintf(sh.out, "t:%d s:%d -> %#x (card %#x)\n", t, s, off, sh.s.vol.DataOffset()+off)
	return 0
}

func shellRead(sh *shell, args []string) int {
	t, s, err := parseTS(args)
	if err != nil {
		return sh.fail(err)
	}
	decode := len(args) == 3 && strings.EqualFold(args[2], "decode")
	block, err := sh.s.readBlock(t, s)
	if err != nil {
		return sh.fail(err)
	}
	if err := printBlock(sh.out, t, s, block, decode); err != nil {
		return sh.fail(err)
	}
	return 0
}

func shellByte(sh *shell, args []string) int {
	off, err := strconv.ParseInt(args[0], 0, 32)
	if err != nil {
		return sh.fail(err)
	}
	if off < 0 || off >= drive.ReadSize {
		return sh.fail(fmt.Errorf("offset %d outside the sector cache", off))
	}
	fmt.Fprintf(sh.out, "%#02x\n", sh.s.drv.Byte(int(off)))
	return 0
}

func shellWrite(sh *shell, args []string) int {
	t, s, err := parseTS(args)
	if err != nil {
		return sh.fail(err)
	}
	fill, err := strconv.ParseUint(args[2], 0, 8)
	if err != nil {
		return sh.fail(err)
	}
	var f drive.Frame
	drive.BuildFrame(&f)
	f.SetAddress(volumeByte, byte(t), byte(s))
	data := make([]byte, sectorBytes)
	for i := range data {
		data[i] = byte(fill)
	}
	if err := f.EncodeSector(data); err != nil {
		return sh.fail(err)
	}
	if err := sh.s.drv.WriteSector(&f, t, s); err != nil {
		return sh.fail(err)
	}
	fmt.Fprintf(sh.out, "t:%d s:%d armed\n", t, s)
	return 0
}

func shellPoll(sh *shell, _ []string) int {
	done, err := sh.s.drv.PollWriteback()
	if err != nil {
		return sh.fail(err)
	}
	if done {
		fmt.Fprintln(sh.out, "write back done")
	} else {
		fmt.Fprintln(sh.out, "write back in progress")
	}
	return 0
}

func shellStatus(sh *shell, _ []string) int {
	d := sh.s.drv
	fmt.Fprintf(sh.out, "selected: %v  entry: %d  pending write: %v  engine: %v  card busy: %d\n",
		d.Selected(), d.Entry(), d.Pending(), sh.s.eng.Status(), sh.s.sim.Busy())
	return 0
}

func historyFile() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "tinydisk2_history")
}

func completer() *readline.PrefixCompleter {
	items := make([]readline.PrefixCompleterInterface, 0, len(commandList))
	for name := range commandList {
		items = append(items, readline.PcItem(name))
	}
	return readline.NewPrefixCompleter(items...)
}

func (sh *shell) run() error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:       sh.prompt(),
		HistoryFile:  historyFile(),
		AutoComplete: completer(),
	})
	if err != nil {
		return err
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if err != nil {
			// io.EOF on Ctrl-D
			return nil
		}
		if sh.process(line) == shellExit {
			return nil
		}
		rl.SetPrompt(sh.prompt())
	}
}

func newShellCmd(opts *options) *cobra.Command {
	var readOnly bool
	cmd := &cobra.Command{
		Use:   "shell <card>",
		Short: "Drive the emulated controller interactively",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), args[0], opts, !readOnly)
			if err != nil {
				return err
			}
			defer s.Close()
			sh := &shell{s: s, out: cmd.OutOrStdout(), errOut: cmd.ErrOrStderr()}
			if err := sh.run(); err != nil {
				return err
			}
			return s.Close()
		},
	}
	cmd.Flags().BoolVar(&readOnly, "read-only", false, "open the card without write access")
	return cmd
}
