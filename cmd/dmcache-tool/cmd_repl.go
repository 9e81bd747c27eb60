package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"

	"github.com/blockcache/dmcache/internal/config"
)

const replHelp = `  repl <cached_dev> <data_dev> <meta_dev> <data_block_size_sectors>
    Opens a session and drops into an interactive debug loop.

REPL commands:
  status                       Print the free/used/dirty status line
  message <msg> [args...]      Send a dm-message to the era target
  dump [yaml]                  Dump resident mappings
  era                          Print the era target's bookkeeping
  help                         Show this help
  exit / quit / q              Leave the REPL`

func cmdRepl(out, errOut io.Writer, cfg config.Config, args []string) int {
	fs := newFlagSet("repl", errOut)
	fs.Usage = func() { fmt.Fprintln(errOut, replHelp) }

	if err := fs.Parse(args); err != nil {
		fmt.Fprintln(errOut, "error:", err)

		return 1
	}

	dev, err := parseDeviceArgs(fs)
	if err != nil {
		fmt.Fprintln(errOut, "error:", err)
		fs.Usage()

		return 1
	}

	sess, err := openSession(dev.cachedDev, dev.dataDev, dev.metaDev, dev.blockSize, cfg)
	if err != nil {
		fmt.Fprintln(errOut, "error:", err)

		return 1
	}
	defer sess.Close()

	r := &replState{sess: sess, out: out, errOut: errOut}

	if err := r.run(); err != nil {
		fmt.Fprintln(errOut, "error:", err)

		return 1
	}

	return 0
}

// replState is the interactive command loop over an already-opened
// session, grounded on cmd/sloty's REPL struct/Run loop.
type replState struct {
	sess   *session
	out    io.Writer
	errOut io.Writer
	ln     *liner.State
}

func replHistoryFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".dmcache_tool_history")
}

func (r *replState) run() error {
	r.ln = liner.NewLiner()
	defer r.ln.Close()

	r.ln.SetCtrlCAborts(true)

	if f, err := os.Open(replHistoryFile()); err == nil {
		r.ln.ReadHistory(f) //nolint:errcheck // best-effort history load
		f.Close()
	}

	fmt.Fprintf(r.out, "dmcache-tool repl (meta=%s data=%s)\n", r.sess.metaDev, r.sess.dataDev)
	fmt.Fprintln(r.out, "Type 'help' for available commands.")

	for {
		line, err := r.ln.Prompt("dmcache> ")
		if err != nil {
			if err == liner.ErrPromptAborted || err == io.EOF {
				fmt.Fprintln(r.out, "\nbye")

				break
			}

			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		r.ln.AppendHistory(line)

		parts := strings.Fields(line)
		cmd, rest := strings.ToLower(parts[0]), parts[1:]

		switch cmd {
		case "exit", "quit", "q":
			fmt.Fprintln(r.out, "bye")
			r.saveHistory()

			return nil

		case "help", "?":
			fmt.Fprintln(r.out, replHelp)

		case "status":
			r.cmdStatus()

		case "message", "msg":
			r.cmdMessage(rest)

		case "dump":
			r.cmdDump(rest)

		case "era":
			r.cmdEra()

		default:
			fmt.Fprintf(r.out, "unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}

	r.saveHistory()

	return nil
}

func (r *replState) saveHistory() {
	path := replHistoryFile()
	if path == "" {
		return
	}

	if f, err := os.Create(path); err == nil { //nolint:gosec // fixed home-relative path, matches cmd/sloty
		r.ln.WriteHistory(f) //nolint:errcheck // best-effort history save
		f.Close()
	}
}

func (r *replState) cmdStatus() {
	st := r.sess.engine.Status()
	fmt.Fprintf(r.out, "%d %d %d\n", st.FreeBlocks, st.UsedBlocks, st.DirtyBlocks)
}

func (r *replState) cmdMessage(args []string) {
	if len(args) == 0 {
		fmt.Fprintln(r.out, "usage: message <msg> [args...]")

		return
	}

	reply, err := r.sess.era.Message(args)
	if err != nil {
		fmt.Fprintln(r.errOut, "error:", err)

		return
	}

	fmt.Fprintln(r.out, reply)
}

func (r *replState) cmdDump(args []string) {
	rows, err := dumpMappings(r.sess.pol)
	if err != nil {
		fmt.Fprintln(r.errOut, "error:", err)

		return
	}

	if len(args) > 0 && args[0] == "yaml" {
		writeYAML(r.out, r.errOut, rows)

		return
	}

	for _, row := range rows {
		dirty := ""
		if row.Dirty {
			dirty = " dirty"
		}

		fmt.Fprintf(r.out, "origin=%d cache=%d%s\n", row.Origin, row.Cache, dirty)
	}
}

func (r *replState) cmdEra() {
	st := r.sess.era.Status()
	fmt.Fprintf(r.out, "current_era=%d archived=%v written=%d open_snapshots=%d\n",
		st.CurrentEra, st.ArchivedEras, st.WrittenCount, st.OpenSnapshots)
}
