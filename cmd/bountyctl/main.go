// Package main provides bountyctl, the operator CLI for the bounty service.
package main

import (
	"os"

	"github.com/karatsubalabs/gitbounties/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
