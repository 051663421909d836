package main

import (
	"fmt"
	"os"

	"github.com/lexledger/lexmigrate/internal/cli"
	"github.com/lexledger/lexmigrate/internal/cli/ui"
)

// Set at build time with -ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cli.SetVersion(version, commit, date)
	if err := cli.Execute(); err != nil {
		fmt.Fprint(os.Stderr, ui.FormatError(err))
		os.Exit(1)
	}
}
