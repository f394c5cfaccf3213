// Command scantrail-admin is the operational CLI: it ingests scan export
// batches and queries findings, the fixed backlog and per-finding timelines.
package main

import (
	"fmt"
	"os"

	"github.com/scantrail/api/cmd/scantrail-admin/cmd"
)

// Version is set by build flags.
var Version = "dev"

func main() {
	cmd.SetVersion(Version)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
