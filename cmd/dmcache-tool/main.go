// Command dmcache-tool is a debug/ops CLI for the cache target
// implemented by this module: it constructs a cache instance over a
// cached/data/meta device triple, prints its status line, sends it
// dm-messages, dumps its resident mapping table, and offers an
// interactive REPL for manual poking, the way cmd/sloty does for
// slotcache files.
package main

import (
	"os"
)

func main() {
	os.Exit(Run(os.Stdin, os.Stdout, os.Stderr, os.Args, os.Environ()))
}
