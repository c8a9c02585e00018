package main

import (
	"os"

	"github.com/karasz/tpmlog/cmd/tpmlog/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
