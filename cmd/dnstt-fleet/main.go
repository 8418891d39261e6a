// Package main is the entry point for the dnstt-fleet binary: a supervisor
// for a two-tier DNSTT/SSH tunnel fleet.
//
// Usage:
//
//	dnstt-fleet run --config /etc/dnstt-fleet/config.yaml
//	dnstt-fleet doctor --config /etc/dnstt-fleet/config.yaml
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/oxblack/dnstt-fleet/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
