// Command mlsgatewayd runs the MLS-over-Nostr gateway extension as a
// standalone daemon: the event pipeline, REQ interceptor, rotation
// coordinator, backfill, and periodic GC, plus an optional HTTP catch-up
// surface. It has no network listener of its own for Nostr traffic; it is
// meant to be embedded behind a host relay, with relayext.EventSink and the
// kind dispatcher wired by that host. This binary exists to exercise the
// gateway end to end against local storage.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
