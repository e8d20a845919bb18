package metrics

import (
	"time"

	"github.com/hakulab/haku/pkg/storage"
	"github.com/hakulab/haku/pkg/types"
)

// Collector periodically derives gauge values from the cluster store
type Collector struct {
	store  storage.Store
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(store storage.Store) *Collector {
	return &Collector{
		store:  store,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectNodeMetrics()
	c.collectTaskMetrics()
}

func (c *Collector) collectNodeMetrics() {
	nodes, err := c.store.ListNodes()
	if err != nil {
		return
	}

	counts := map[types.NodeStatus]int{
		types.NodeOnline:  0,
		types.NodeOffline: 0,
		types.NodeLost:    0,
	}
	for _, node := range nodes {
		counts[node.Status]++
	}
	for status, count := range counts {
		NodesTotal.WithLabelValues(string(status)).Set(float64(count))
	}
}

func (c *Collector) collectTaskMetrics() {
	for _, status := range []types.TaskStatus{
		types.StatusPending, types.StatusAssigning, types.StatusRunning,
		types.StatusPaused, types.StatusCompleted, types.StatusFailed,
		types.StatusKilled, types.StatusKilledOOM, types.StatusLost,
	} {
		tasks, err := c.store.ListTasksByStatus(status)
		if err != nil {
			continue
		}
		TasksTotal.WithLabelValues(string(status)).Set(float64(len(tasks)))
	}
}
