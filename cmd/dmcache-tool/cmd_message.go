package main

import (
	"fmt"
	"io"

	"github.com/blockcache/dmcache/internal/config"
)

const messageHelp = `  message <cached_dev> <data_dev> <meta_dev> <data_block_size_sectors> <msg> [args...]
    Sends a dm-message to the era target. Supported messages:
      checkpoint                  close the current era, report its id
      take_metadata_snap          freeze the metadata roots, report snap id
      drop_metadata_snap <id>     release a previously taken snapshot`

func cmdMessage(out, errOut io.Writer, cfg config.Config, args []string) int {
	fs := newFlagSet("message", errOut)
	fs.Usage = func() { fmt.Fprintln(errOut, messageHelp) }

	if err := fs.Parse(args); err != nil {
		fmt.Fprintln(errOut, "error:", err)

		return 1
	}

	rest := fs.Args()
	if len(rest) < 5 {
		fmt.Fprintln(errOut, "error:", ErrDeviceArgs, "<msg> [args...]")
		fs.Usage()

		return 1
	}

	dev, err := parseDeviceArgsFromSlice(rest[:4])
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

	msgType := rest[4]

	reply, err := sess.era.Message(rest[4:])
	if err != nil {
		fmt.Fprintln(errOut, "error:", err)

		return 1
	}

	if msgType == "checkpoint" || msgType == "take_metadata_snap" {
		marker := config.CheckpointMarker{MsgType: msgType, Reply: reply}
		if err := config.SaveCheckpointMarker(config.MarkerPath(dev.metaDev), marker); err != nil {
			fmt.Fprintln(errOut, "warning:", err)
		}
	}

	fmt.Fprintln(out, reply)

	return 0
}
