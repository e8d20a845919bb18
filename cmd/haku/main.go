package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hakulab/haku/pkg/client"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "haku",
	Short: "Haku - self-hosted cluster manager for batch jobs and VPS sessions",
	Long: `Haku distributes command batch jobs and interactive VPS container
sessions across a small fleet of compute nodes. One host process owns all
cluster state; a runner agent on each node executes the work.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Haku version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("host", hostDefault(),
		"Host API base URL (or HAKU_HOST)")

	rootCmd.AddCommand(hostCmd)
	rootCmd.AddCommand(runnerCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(vpsCmd)
	rootCmd.AddCommand(psCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(killCmd)
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(saveEnvCmd)
	rootCmd.AddCommand(nodesCmd)
	rootCmd.AddCommand(healthCmd)
}

func hostDefault() string {
	if v := os.Getenv("HAKU_HOST"); v != "" {
		return v
	}
	return "http://127.0.0.1:7600"
}

func hostClient(cmd *cobra.Command) *client.HostClient {
	addr, _ := cmd.Flags().GetString("host")
	return client.NewHostClient(addr)
}
