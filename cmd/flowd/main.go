// Command flowd runs flow definitions: as a daemon serving the HTTP API and
// deployed triggers, or once from the command line.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
