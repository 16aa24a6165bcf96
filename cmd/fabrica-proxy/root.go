package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "fabrica-proxy",
	Short: "Forward HTTP proxy",
	Long: `fabrica-proxy accepts HTTP/1.x requests, resolves the host each request names
and relays the exchange to it. Upstream connections are kept per client and reused
while the client keeps asking for the same host.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
