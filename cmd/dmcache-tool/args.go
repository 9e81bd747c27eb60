package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"

	flag "github.com/spf13/pflag"
)

// ErrDeviceArgs is returned when a subcommand isn't given the four
// positional device arguments spec.md §6's constructor line expects.
var ErrDeviceArgs = errors.New("expected <cached_dev> <data_dev> <meta_dev> <data_block_size_sectors>")

// deviceArgs bundles the cache target's constructor-line arguments,
// shared by every subcommand that opens a session.
type deviceArgs struct {
	cachedDev string
	dataDev   string
	metaDev   string
	blockSize uint64
}

// parseDeviceArgs pulls the four positional device arguments out of a
// parsed flag.FlagSet's remaining args.
func parseDeviceArgs(fs *flag.FlagSet) (deviceArgs, error) {
	rest := fs.Args()
	if len(rest) != 4 {
		return deviceArgs{}, ErrDeviceArgs
	}

	return parseDeviceArgsFromSlice(rest)
}

// parseDeviceArgsFromSlice parses exactly four positional device
// arguments, for subcommands like message/repl that take further
// arguments after the device quadruple.
func parseDeviceArgsFromSlice(rest []string) (deviceArgs, error) {
	if len(rest) != 4 {
		return deviceArgs{}, ErrDeviceArgs
	}

	blockSize, err := strconv.ParseUint(rest[3], 10, 64)
	if err != nil {
		return deviceArgs{}, fmt.Errorf("%w: invalid data_block_size_sectors %q: %w", ErrDeviceArgs, rest[3], err)
	}

	return deviceArgs{
		cachedDev: rest[0],
		dataDev:   rest[1],
		metaDev:   rest[2],
		blockSize: blockSize,
	}, nil
}

// newFlagSet builds a pflag.FlagSet in the teacher's ContinueOnError
// style, discarding its own usage output so the caller controls
// exactly what gets printed to errOut on a parse failure.
func newFlagSet(name string, errOut io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(errOut)

	return fs
}
