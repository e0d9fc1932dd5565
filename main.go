package main

import (
	"os"

	"github.com/frankawp/data-agent/internal/cli"
)

// version is stamped at build time with -ldflags.
var version = "dev"

func main() {
	os.Exit(cli.Run(version))
}
