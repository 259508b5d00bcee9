// Command carlink-companion is a smoke harness for the association,
// reconnection, secured-channel and trusted-device pipeline: it drives
// a simulated head unit through one full pairing and one reconnection,
// then exercises trusted-device enroll/unlock end to end. It is not a
// BLE driver; a real client supplies its own transport.Link.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/go-carlink/carlink/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "carlink-companion",
	Short: "Mobile-side companion protocol stack for vehicle head unit pairing",
	Long: `carlink-companion is the mobile-side half of a phone-to-head-unit
BLE companion protocol: discovery and association, reconnection, a secured
message channel, and higher-level features built on top of it (system
queries, trusted-device enroll/unlock).

This binary does not talk to real BLE hardware; its subcommands exercise
the protocol stack over simulated links for demonstration and testing.`,
}

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run one association, one reconnection, and a trusted-device unlock against a simulated head unit",
	RunE:  runDemoCmd,
}

func init() {
	rootCmd.SilenceErrors = true
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file (defaults built in if omitted)")
	rootCmd.AddCommand(demoCmd)
}

func runDemoCmd(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	return runDemo(cfg)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "carlink-companion: %s\n", err)
		os.Exit(1)
	}
}
