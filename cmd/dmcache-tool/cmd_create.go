package main

import (
	"fmt"
	"io"

	"github.com/blockcache/dmcache/internal/config"
)

const createHelp = `  create <cached_dev> <data_dev> <meta_dev> <data_block_size_sectors>
    Opens the metadata device, creating it if absent, and reports the
    resulting cache size. This is spec.md's constructor table line;
    run it once before status/message/dump/repl against a brand-new
    meta device.`

func cmdCreate(out, errOut io.Writer, cfg config.Config, args []string) int {
	fs := newFlagSet("create", errOut)
	fs.Usage = func() { fmt.Fprintln(errOut, createHelp) }

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
	fmt.Fprintf(out, "created: meta=%s data=%s block_size=%d sectors free=%d used=%d dirty=%d\n",
		dev.metaDev, dev.dataDev, dev.blockSize, st.FreeBlocks, st.UsedBlocks, st.DirtyBlocks)

	return 0
}
