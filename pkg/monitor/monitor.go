package monitor

import (
	"fmt"
	"time"

	"github.com/hakulab/haku/pkg/events"
	"github.com/hakulab/haku/pkg/log"
	"github.com/hakulab/haku/pkg/storage"
	"github.com/hakulab/haku/pkg/types"
)

// Monitor sweeps node liveness. A node whose last heartbeat is older than
// the timeout goes offline and every non-terminal task it owns becomes
// lost. A returning heartbeat brings the node back online (handled at
// ingest); lost tasks are never resurrected.
type Monitor struct {
	store    storage.Store
	broker   *events.Broker
	interval time.Duration
	timeout  time.Duration

	// now is swappable in tests.
	now func() time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a monitor sweeping every interval with the given heartbeat
// timeout. The timeout must be at least three heartbeat intervals; config
// validation enforces that upstream.
func New(store storage.Store, broker *events.Broker, interval, timeout time.Duration) *Monitor {
	return &Monitor{
		store:    store,
		broker:   broker,
		interval: interval,
		timeout:  timeout,
		now:      time.Now,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (m *Monitor) Start() {
	go m.run()
}

// Stop terminates the sweep loop.
func (m *Monitor) Stop() {
	close(m.stopCh)
	<-m.doneCh
}

func (m *Monitor) run() {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Sweep()
		case <-m.stopCh:
			return
		}
	}
}

// Sweep performs one liveness pass over all nodes.
func (m *Monitor) Sweep() {
	nodes, err := m.store.ListNodes()
	if err != nil {
		log.WithComponent("monitor").Error().Err(err).Msg("failed to list nodes")
		return
	}

	cutoff := m.now().Add(-m.timeout)
	for _, node := range nodes {
		if node.Status != types.NodeOnline || !node.LastHeartbeat.Before(cutoff) {
			continue
		}
		m.markOffline(node)
	}
}

func (m *Monitor) markOffline(node *types.Node) {
	logger := log.WithComponent("monitor")

	node.Status = types.NodeOffline
	if err := m.store.UpdateNode(node); err != nil {
		logger.Error().Err(err).Str("node", node.Hostname).Msg("failed to mark node offline")
		return
	}
	logger.Warn().
		Str("node", node.Hostname).
		Time("last_heartbeat", node.LastHeartbeat).
		Msg("node offline: heartbeat timeout")
	m.broker.Publish(events.NodeEvent(events.EventNodeOffline, node.Hostname, "heartbeat timeout"))

	tasks, err := m.store.ListTasksByHostname(node.Hostname)
	if err != nil {
		logger.Error().Err(err).Str("node", node.Hostname).Msg("failed to list node tasks")
		return
	}

	reason := fmt.Sprintf("node offline: %s missed heartbeats for the timeout window", node.Hostname)
	for _, task := range tasks {
		if task.Status.Terminal() {
			continue
		}
		now := m.now()
		ok, err := m.store.TransitionTask(task.ID, types.StatusLost,
			types.ActiveStatuses,
			func(t *types.Task) {
				t.ErrorMessage = reason
				t.CompletedAt = &now
			})
		if err != nil {
			logger.Error().Err(err).Int64("task_id", task.ID).Msg("failed to mark task lost")
			continue
		}
		if ok {
			log.WithTaskID(task.ID).Warn().Str("node", node.Hostname).Msg("task lost")
			m.broker.Publish(events.TaskEvent(events.EventTaskLost, task.ID, reason))
		}
	}
}
