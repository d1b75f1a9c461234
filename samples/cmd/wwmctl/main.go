package main

import (
	"os"

	"github.com/worldwormmap/wwm-stack/samples/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
