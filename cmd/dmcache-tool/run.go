package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/blockcache/dmcache/internal/config"
)

const globalHelp = `dmcache-tool: construct, inspect, and message a cache device

Usage:
  dmcache-tool <command> [flags] [args]

Commands:
  create <cached> <data> <meta> <block_size_sectors>   Open or initialize a cache instance
  status <cached> <data> <meta> <block_size_sectors>   Print the status line
  message <cached> <data> <meta> <block_size_sectors> <msg> [args...]
                                                        Send a dm-message (e.g. checkpoint)
  dump <cached> <data> <meta> <block_size_sectors>     Dump resident mappings
  repl <cached> <data> <meta> <block_size_sectors>     Interactive debug session

Global flags:
  -C, --cwd <dir>       Run as if started in dir (for config lookup)
  -c, --config <file>   Use the specified config file instead of .dmcache.json
  -h, --help            Show this help
`

// Run is the entry point invoked by main, factored out the way the
// teacher's cli.Run is, so tests can drive it directly against
// in-memory buffers instead of the real process argv/environ.
func Run(_ io.Reader, out, errOut io.Writer, args []string, env []string) int {
	if len(args) < 2 {
		fmt.Fprint(errOut, globalHelp)

		return 1
	}

	workDir, configPath, rest := splitGlobalFlags(args[1:])
	if len(rest) == 0 {
		fmt.Fprint(errOut, globalHelp)

		return 1
	}

	if rest[0] == "help" || rest[0] == "-h" || rest[0] == "--help" {
		fmt.Fprint(out, globalHelp)

		return 0
	}

	cwd := workDir
	if cwd == "" {
		if d, err := os.Getwd(); err == nil {
			cwd = d
		}
	}

	cfg, _, err := config.Load(cwd, configPath, env)
	if err != nil {
		fmt.Fprintln(errOut, "error:", err)

		return 1
	}

	name, cmdArgs := rest[0], rest[1:]

	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(errOut, "error: unknown command %q\n\n", name)
		fmt.Fprint(errOut, globalHelp)

		return 1
	}

	return cmd(out, errOut, cfg, cmdArgs)
}

// commandFunc is the shape every subcommand takes, grounded on the
// teacher's cmdCreate/cmdLs-style (out, errOut, ..., args) int functions.
type commandFunc func(out, errOut io.Writer, cfg config.Config, args []string) int

var commands = map[string]commandFunc{
	"create":  cmdCreate,
	"status":  cmdStatus,
	"message": cmdMessage,
	"dump":    cmdDump,
	"repl":    cmdRepl,
}

// splitGlobalFlags pulls -C/--cwd and -c/--config off the front of
// args before a subcommand name, without pulling in a full flag-set
// parse for two rarely-used global options.
func splitGlobalFlags(args []string) (workDir, configPath string, rest []string) {
	i := 0

	for i < len(args) {
		arg := args[i]

		switch {
		case arg == "-C" || arg == "--cwd":
			if i+1 < len(args) {
				workDir = args[i+1]
				i += 2

				continue
			}

			i++
		case strings.HasPrefix(arg, "--cwd="):
			workDir = strings.TrimPrefix(arg, "--cwd=")
			i++
		case arg == "-c" || arg == "--config":
			if i+1 < len(args) {
				configPath = args[i+1]
				i += 2

				continue
			}

			i++
		case strings.HasPrefix(arg, "--config="):
			configPath = strings.TrimPrefix(arg, "--config=")
			i++
		default:
			return workDir, configPath, args[i:]
		}
	}

	return workDir, configPath, nil
}
