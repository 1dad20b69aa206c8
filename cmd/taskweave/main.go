package main

import (
	"os"

	"github.com/msageha/taskweave/internal/cli"
)

func main() {
	if err := cli.BuildCLI().Execute(); err != nil {
		os.Exit(1)
	}
}
