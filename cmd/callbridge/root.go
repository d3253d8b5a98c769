package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentplexus/callbridge"
)

// Set via ldflags at build time.
var (
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "callbridge",
	Short: "Bridge Twilio calls to a cloud voice agent",
	Long: `callbridge places outbound emergency calls for incident tickets and
relays each call's audio between Twilio Media Streams and a voice agent.`,
	Version:       callbridge.Version,
	SilenceErrors: true,
	SilenceUsage:  true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var configPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server and ticket dispatcher",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runServe(cmd.Context(), configPath)
	},
}

var healthAddr string

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check a running server's health endpoint",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := checkHealth(healthAddr); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "OK")
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, _ []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "callbridge %s\n", callbridge.Version)
		fmt.Fprintf(out, "  Build Time: %s\n", BuildTime)
		fmt.Fprintf(out, "  Git Commit: %s\n", GitCommit)
	},
}

func init() {
	serveCmd.Flags().StringVar(&configPath, "config", "", "Path to config file (YAML)")
	healthCmd.Flags().StringVar(&healthAddr, "addr", "http://localhost:8080", "Server address")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(versionCmd)
}

func checkHealth(addr string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(addr + "/health")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: status %d", resp.StatusCode)
	}
	return nil
}
