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

	"github.com/hakulab/haku/pkg/api"
	"github.com/hakulab/haku/pkg/config"
	"github.com/hakulab/haku/pkg/dispatch"
	"github.com/hakulab/haku/pkg/events"
	"github.com/hakulab/haku/pkg/host"
	"github.com/hakulab/haku/pkg/ids"
	"github.com/hakulab/haku/pkg/log"
	"github.com/hakulab/haku/pkg/metrics"
	"github.com/hakulab/haku/pkg/monitor"
	"github.com/hakulab/haku/pkg/relay"
	"github.com/hakulab/haku/pkg/resolver"
	"github.com/hakulab/haku/pkg/storage"
)

var hostCmd = &cobra.Command{
	Use:   "host",
	Short: "Run the cluster host (coordinator) process",
	Long: `Run the host process: the single owner of cluster state. It serves
the client and runner APIs, admits submissions, dispatches tasks, sweeps
node liveness and relays SSH sessions to VPS tasks.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.LoadHost(cfgPath)
		if err != nil {
			return err
		}

		log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})
		metrics.SetVersion(Version)
		metrics.SetCriticalComponents("store", "api")

		store, err := storage.NewBoltStore(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("failed to open state store: %v", err)
		}
		metrics.RegisterComponent("store", true, "state store open")

		broker := events.NewBroker()
		broker.Start()

		envsDir := filepath.Join(cfg.SharedRoot, cfg.EnvsDir)
		res := resolver.New(store, ids.NewGenerator(), cfg.SharedRoot)
		disp := dispatch.New(store, broker, dispatch.Config{
			Retries:        cfg.DispatchRetries,
			Backoff:        cfg.DispatchBackoff,
			BackoffCeiling: cfg.DispatchCeiling,
			AttemptTimeout: cfg.DispatchTimeout,
			EnvsDir:        envsDir,
		})
		disp.Start()

		coord := host.New(store, res, disp, broker)

		mon := monitor.New(store, broker, cfg.SweepInterval, cfg.HeartbeatTimeout)
		mon.Start()

		gc := host.NewArchiveGC(envsDir, cfg.ArchiveGCInterval)
		gc.Start()

		collector := metrics.NewCollector(store)
		collector.Start()

		rly := relay.New(store, cfg.RelayAddr)
		apiServer := api.NewServer(cfg.APIAddr, coord, broker)

		errCh := make(chan error, 2)
		go func() {
			if err := rly.Start(); err != nil {
				errCh <- fmt.Errorf("relay: %v", err)
			}
		}()
		go func() {
			metrics.RegisterComponent("api", true, "listening on "+cfg.APIAddr)
			if err := apiServer.Start(); err != nil {
				errCh <- fmt.Errorf("api: %v", err)
			}
		}()

		fmt.Printf("Haku host running (api %s, relay %s). Press Ctrl+C to stop.\n",
			cfg.APIAddr, cfg.RelayAddr)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			fmt.Println("\nShutting down...")
		case err := <-errCh:
			fmt.Fprintf(os.Stderr, "\nError: %v\n", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = apiServer.Shutdown(ctx)
		rly.Stop()
		collector.Stop()
		gc.Stop()
		mon.Stop()
		disp.Stop()
		broker.Stop()
		if err := store.Close(); err != nil {
			return fmt.Errorf("failed to close state store: %v", err)
		}

		fmt.Println("Shutdown complete")
		return nil
	},
}

func init() {
	hostCmd.Flags().String("config", "", "Path to haku-host.yml")
}
