package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hakulab/haku/pkg/events"
	"github.com/hakulab/haku/pkg/storage"
	"github.com/hakulab/haku/pkg/types"
)

func newTestMonitor(t *testing.T) (*Monitor, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	return New(store, broker, 5*time.Second, 20*time.Second), store
}

func TestSweepMarksStaleNodeOffline(t *testing.T) {
	m, store := newTestMonitor(t)
	base := time.Now()
	m.now = func() time.Time { return base }

	require.NoError(t, store.CreateNode(&types.Node{
		Hostname: "n1", Status: types.NodeOnline,
		LastHeartbeat: base.Add(-25 * time.Second),
	}))
	require.NoError(t, store.CreateNode(&types.Node{
		Hostname: "n2", Status: types.NodeOnline,
		LastHeartbeat: base.Add(-5 * time.Second),
	}))

	m.Sweep()

	n1, err := store.GetNode("n1")
	require.NoError(t, err)
	assert.Equal(t, types.NodeOffline, n1.Status)

	n2, err := store.GetNode("n2")
	require.NoError(t, err)
	assert.Equal(t, types.NodeOnline, n2.Status)
}

func TestSweepLosesActiveTasksOnOfflineNode(t *testing.T) {
	m, store := newTestMonitor(t)
	base := time.Now()
	m.now = func() time.Time { return base }

	require.NoError(t, store.CreateNode(&types.Node{
		Hostname: "n1", Status: types.NodeOnline,
		LastHeartbeat: base.Add(-time.Minute),
	}))

	for i, status := range []types.TaskStatus{
		types.StatusRunning, types.StatusAssigning, types.StatusPaused,
		types.StatusPending, types.StatusCompleted,
	} {
		require.NoError(t, store.CreateTask(&types.Task{
			ID: int64(i + 1), Type: types.TaskCommand, Command: "x",
			TargetHostname: "n1", Status: status,
		}))
	}

	m.Sweep()

	for id := int64(1); id <= 4; id++ {
		task, err := store.GetTask(id)
		require.NoError(t, err)
		assert.Equal(t, types.StatusLost, task.Status, "task %d", id)
		assert.Contains(t, task.ErrorMessage, "node offline")
		assert.NotNil(t, task.CompletedAt)
	}

	// Terminal tasks are untouched.
	done, err := store.GetTask(5)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, done.Status)
}

func TestSweepIgnoresAlreadyOfflineNodes(t *testing.T) {
	m, store := newTestMonitor(t)
	base := time.Now()
	m.now = func() time.Time { return base }

	require.NoError(t, store.CreateNode(&types.Node{
		Hostname: "n1", Status: types.NodeOffline,
		LastHeartbeat: base.Add(-time.Hour),
	}))
	// A task already lost by a previous sweep stays lost with its message.
	require.NoError(t, store.CreateTask(&types.Task{
		ID: 1, Type: types.TaskCommand, Command: "x",
		TargetHostname: "n1", Status: types.StatusLost,
		ErrorMessage: "node offline: n1 missed heartbeats for the timeout window",
	}))

	m.Sweep()

	task, err := store.GetTask(1)
	require.NoError(t, err)
	assert.Equal(t, types.StatusLost, task.Status)
}

func TestSweepBoundary(t *testing.T) {
	m, store := newTestMonitor(t)
	base := time.Now()
	m.now = func() time.Time { return base }

	// Exactly at the timeout is not yet stale.
	require.NoError(t, store.CreateNode(&types.Node{
		Hostname: "n1", Status: types.NodeOnline,
		LastHeartbeat: base.Add(-20 * time.Second),
	}))

	m.Sweep()

	node, err := store.GetNode("n1")
	require.NoError(t, err)
	assert.Equal(t, types.NodeOnline, node.Status)
}
