package main

import (
	"os"

	"github.com/probelab/agentcheck/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
