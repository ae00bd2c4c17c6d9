package main

import (
	"os"

	"github.com/tkingovr/requestguard/cmd/requestguard/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
