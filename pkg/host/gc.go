package host

import (
	"os"
	"time"

	"github.com/hakulab/haku/pkg/envsync"
	"github.com/hakulab/haku/pkg/log"
)

// ArchiveGC removes superseded environment archives from shared storage.
// Only the newest timestamp per name is canonical; older files are dead
// weight once every runner has moved on.
type ArchiveGC struct {
	dir      string
	interval time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewArchiveGC creates a sweeper over the environments directory.
func NewArchiveGC(dir string, interval time.Duration) *ArchiveGC {
	return &ArchiveGC{
		dir:      dir,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (g *ArchiveGC) Start() {
	go g.run()
}

// Stop terminates the sweep loop.
func (g *ArchiveGC) Stop() {
	close(g.stopCh)
	<-g.doneCh
}

func (g *ArchiveGC) run() {
	defer close(g.doneCh)

	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.Sweep()
		case <-g.stopCh:
			return
		}
	}
}

// Sweep performs one pass, deleting every archive that is not the newest
// of its name.
func (g *ArchiveGC) Sweep() {
	logger := log.WithComponent("archive-gc")

	archives, err := envsync.ScanDir(g.dir)
	if err != nil {
		logger.Debug().Err(err).Msg("archive scan failed")
		return
	}

	newest := make(map[string]int64)
	for _, a := range archives {
		if a.Timestamp > newest[a.Name] {
			newest[a.Name] = a.Timestamp
		}
	}

	for _, a := range archives {
		if a.Timestamp == newest[a.Name] {
			continue
		}
		if err := os.Remove(a.Path); err != nil {
			logger.Warn().Err(err).Str("path", a.Path).Msg("failed to remove superseded archive")
			continue
		}
		logger.Info().
			Str("env", a.Name).
			Int64("timestamp", a.Timestamp).
			Msg("removed superseded archive")
	}
}
