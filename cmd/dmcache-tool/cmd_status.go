package main

import (
	"fmt"
	"io"

	"github.com/blockcache/dmcache/internal/config"
)

const statusHelp = `  status <cached_dev> <data_dev> <meta_dev> <data_block_size_sectors>
    Prints the status line spec.md §6 defines:
    "<free_blocks> <used_blocks> <dirty_blocks>"`

func cmdStatus(out, errOut io.Writer, cfg config.Config, args []string) int {
	fs := newFlagSet("status", errOut)
	fs.Usage = func() { fmt.Fprintln(errOut, statusHelp) }

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

	st := sess.engine.Status()
	fmt.Fprintf(out, "%d %d %d\n", st.FreeBlocks, st.UsedBlocks, st.DirtyBlocks)

	if marker, ok, err := config.LoadCheckpointMarker(config.MarkerPath(dev.metaDev)); err == nil && ok {
		fmt.Fprintf(out, "# last %s: %s\n", marker.MsgType, marker.Reply)
	}

	return 0
}
