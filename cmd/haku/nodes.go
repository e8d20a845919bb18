package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var nodesCmd = &cobra.Command{
	Use:   "nodes",
	Short: "List cluster nodes",
	RunE: func(cmd *cobra.Command, args []string) error {
		nodes, err := hostClient(cmd).Nodes()
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "HOSTNAME\tSTATUS\tCORES\tCPU%\tMEM%\tGPUS")
		for _, n := range nodes {
			fmt.Fprintf(w, "%s\t%s\t%d\t%.1f\t%.1f\t%d\n",
				n.Hostname, n.Status, n.TotalCores, n.CPUPercent, n.MemoryPercent, n.GPUCount)
		}
		return w.Flush()
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show the cluster health snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		snap, err := hostClient(cmd).Health()
		if err != nil {
			return err
		}

		fmt.Printf("Nodes online:  %d\n", snap.NodesOnline)
		fmt.Printf("Nodes offline: %d\n", snap.NodesOffline)
		fmt.Printf("Tasks active:  %d\n", snap.TasksActive)
		fmt.Printf("Tasks running: %d\n", snap.TasksRunning)
		fmt.Printf("VPS active:    %d\n", snap.VPSActive)
		return nil
	},
}
