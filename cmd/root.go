// Package cmd wires the cobra CLI: serve (the long-running gateway),
// automation (list/run targets outside the reconcile loop), and route
// (inspect persisted per-route state) — grounded on the teacher's
// cmd/root.go command-tree shape (persistent --config/--verbose flags,
// one cobra.Command per concern).
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags "-X .../cmd.Version=v1.0.0".
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "qq-gateway",
	Short: "OneBot v11 chat-channel gateway",
	Long:  "qq-gateway bridges a OneBot v11 messaging endpoint to an internal conversational-agent runtime, with per-route dispatch, media resolution, delivery, and automation.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: config.json5 or $QQ_GATEWAY_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(automationCmd())
	rootCmd.AddCommand(routeCmd())
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("qq-gateway " + Version)
		},
	}
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("QQ_GATEWAY_CONFIG"); v != "" {
		return v
	}
	return "config.json5"
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
