package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hakulab/haku/pkg/client"
	"github.com/hakulab/haku/pkg/config"
	"github.com/hakulab/haku/pkg/engine"
	"github.com/hakulab/haku/pkg/envsync"
	"github.com/hakulab/haku/pkg/inventory"
	"github.com/hakulab/haku/pkg/log"
	"github.com/hakulab/haku/pkg/metrics"
	"github.com/hakulab/haku/pkg/runner"
)

var runnerCmd = &cobra.Command{
	Use:   "runner",
	Short: "Run the per-node runner agent",
	Long: `Run the runner agent on a compute node. The agent registers its
inventory with the host, heartbeats telemetry, and executes dispatched
tasks as containers or transient systemd units.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.LoadRunner(cfgPath)
		if err != nil {
			return err
		}

		log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})

		eng, err := engine.NewDockerEngine(cfg.DockerHost)
		if err != nil {
			return fmt.Errorf("failed to connect to container engine: %v", err)
		}
		defer eng.Close()

		metrics.SetVersion(Version)
		metrics.SetCriticalComponents("engine")
		metrics.RegisterComponent("engine", true, "container engine connected")

		envsDir := filepath.Join(cfg.SharedRoot, cfg.EnvsDir)
		agent, err := runner.New(cfg,
			client.NewHostClient(cfg.HostAddr),
			eng,
			engine.NewSystemdRunner(),
			envsync.New(envsDir, eng),
			inventory.New(),
		)
		if err != nil {
			return err
		}

		errCh := make(chan error, 1)
		go func() {
			if err := agent.Start(); err != nil {
				errCh <- err
			}
		}()

		fmt.Printf("Haku runner running (listen %s, host %s). Press Ctrl+C to stop.\n",
			cfg.ListenAddr, cfg.HostAddr)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			fmt.Println("\nShutting down...")
		case err := <-errCh:
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return agent.Stop(ctx)
	},
}

func init() {
	runnerCmd.Flags().String("config", "", "Path to haku-runner.yml")
}
