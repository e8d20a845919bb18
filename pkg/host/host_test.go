package host

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hakulab/haku/pkg/dispatch"
	"github.com/hakulab/haku/pkg/events"
	"github.com/hakulab/haku/pkg/ids"
	"github.com/hakulab/haku/pkg/resolver"
	"github.com/hakulab/haku/pkg/storage"
	"github.com/hakulab/haku/pkg/types"
)

type fakeControl struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeControl) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.err
}

func (f *fakeControl) Kill(_ context.Context, id int64) error   { return f.record("kill") }
func (f *fakeControl) Pause(_ context.Context, id int64) error  { return f.record("pause") }
func (f *fakeControl) Resume(_ context.Context, id int64) error { return f.record("resume") }
func (f *fakeControl) SaveEnv(_ context.Context, id int64, name string) error {
	return f.record("save:" + name)
}

func (f *fakeControl) called() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func newTestCoordinator(t *testing.T) (*Coordinator, storage.Store, *fakeControl) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	res := resolver.New(store, ids.NewGenerator(), t.TempDir())
	disp := dispatch.New(store, broker, dispatch.Config{
		Retries: 1, Backoff: time.Millisecond,
		BackoffCeiling: time.Millisecond, AttemptTimeout: time.Second,
	})

	control := &fakeControl{}
	c := New(store, res, disp, broker)
	c.dial = func(string) runnerControl { return control }
	return c, store, control
}

func addOnlineNode(t *testing.T, store storage.Store, hostname string) {
	t.Helper()
	require.NoError(t, store.CreateNode(&types.Node{
		Hostname: hostname, Endpoint: hostname + ":7610",
		TotalCores: 8, TotalMemoryBytes: 32 << 30,
		Status: types.NodeOnline, LastHeartbeat: time.Now(),
	}))
}

func addTask(t *testing.T, store storage.Store, id int64, typ types.TaskType, status types.TaskStatus) {
	t.Helper()
	require.NoError(t, store.CreateTask(&types.Task{
		ID: id, Type: typ, Command: "x",
		TargetHostname: "n1", Status: status,
	}))
}

func TestRegisterValidatesTopology(t *testing.T) {
	c, store, _ := newTestCoordinator(t)

	err := c.Register(&types.RegisterRequest{
		Hostname: "n1", Endpoint: "n1:7610",
		TotalCores: 4,
		NUMA: []types.NUMANode{
			{ID: 0, Cores: []int{0, 1, 2, 3}},
			{ID: 1, Cores: []int{4, 5, 6, 7}},
		},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "numa")

	require.NoError(t, c.Register(&types.RegisterRequest{
		Hostname: "n1", Endpoint: "n1:7610", TotalCores: 8,
		NUMA: []types.NUMANode{
			{ID: 0, Cores: []int{0, 1, 2, 3}},
			{ID: 1, Cores: []int{4, 5, 6, 7}},
		},
	}))

	node, err := store.GetNode("n1")
	require.NoError(t, err)
	assert.Equal(t, types.NodeOnline, node.Status)
	assert.False(t, node.RegisteredAt.IsZero())
}

func TestReRegisterKeepsRegisteredAt(t *testing.T) {
	c, store, _ := newTestCoordinator(t)

	req := &types.RegisterRequest{Hostname: "n1", Endpoint: "n1:7610", TotalCores: 8}
	require.NoError(t, c.Register(req))
	first, err := store.GetNode("n1")
	require.NoError(t, err)

	c.now = func() time.Time { return first.RegisteredAt.Add(time.Hour) }
	require.NoError(t, c.Register(req))

	second, err := store.GetNode("n1")
	require.NoError(t, err)
	assert.Equal(t, first.RegisteredAt.Unix(), second.RegisteredAt.Unix())
	assert.True(t, second.LastHeartbeat.After(first.LastHeartbeat))
}

func TestHeartbeatRevivesOfflineNode(t *testing.T) {
	c, store, _ := newTestCoordinator(t)
	require.NoError(t, store.CreateNode(&types.Node{
		Hostname: "n1", Endpoint: "n1:7610", Status: types.NodeOffline,
		GPUs: []types.GPU{{ID: 0, Model: "A100", MemoryTotalBytes: 80 << 30}},
	}))
	// A task lost while the node was down stays lost.
	addTask(t, store, 1, types.TaskCommand, types.StatusLost)

	require.NoError(t, c.Heartbeat(&types.HeartbeatRequest{
		Hostname: "n1", CPUPercent: 42.5, MemoryPercent: 30,
		GPUs: []types.GPU{{ID: 0, UtilizationPct: 90, TemperatureC: 70}},
	}))

	node, err := store.GetNode("n1")
	require.NoError(t, err)
	assert.Equal(t, types.NodeOnline, node.Status)
	assert.Equal(t, 42.5, node.CPUPercent)
	// Telemetry merges into the static inventory.
	assert.Equal(t, "A100", node.GPUs[0].Model)
	assert.Equal(t, 90.0, node.GPUs[0].UtilizationPct)

	task, err := store.GetTask(1)
	require.NoError(t, err)
	assert.Equal(t, types.StatusLost, task.Status)
}

func TestHeartbeatUpdatesTopology(t *testing.T) {
	c, store, _ := newTestCoordinator(t)
	require.NoError(t, store.CreateNode(&types.Node{
		Hostname: "n1", Endpoint: "n1:7610", Status: types.NodeOnline,
		TotalCores: 8,
		NUMA: []types.NUMANode{
			{ID: 0, Cores: []int{0, 1, 2, 3}},
		},
	}))

	// Heartbeats carry the full topology; a changed layout replaces the
	// recorded one.
	require.NoError(t, c.Heartbeat(&types.HeartbeatRequest{
		Hostname: "n1", CPUPercent: 10, MemoryPercent: 20,
		NUMA: []types.NUMANode{
			{ID: 0, Cores: []int{0, 1, 2, 3}},
			{ID: 1, Cores: []int{4, 5, 6, 7}},
		},
	}))

	node, err := store.GetNode("n1")
	require.NoError(t, err)
	require.Len(t, node.NUMA, 2)
	assert.Equal(t, []int{4, 5, 6, 7}, node.NUMA[1].Cores)

	// A heartbeat without topology keeps the last known layout.
	require.NoError(t, c.Heartbeat(&types.HeartbeatRequest{
		Hostname: "n1", CPUPercent: 11, MemoryPercent: 21,
	}))
	node, err = store.GetNode("n1")
	require.NoError(t, err)
	assert.Len(t, node.NUMA, 2)
}

func TestHeartbeatUnknownNode(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	err := c.Heartbeat(&types.HeartbeatRequest{Hostname: "ghost"})
	assert.ErrorIs(t, err, storage.ErrNodeNotFound)
}

func TestIngestStatusLifecycle(t *testing.T) {
	c, store, _ := newTestCoordinator(t)
	addOnlineNode(t, store, "n1")
	addTask(t, store, 1, types.TaskCommand, types.StatusAssigning)

	// assigning -> running with unit name.
	require.NoError(t, c.IngestStatus(&types.StatusUpdate{
		TaskID: 1, Status: types.StatusRunning, UnitName: "haku-task-1",
	}))
	task, err := store.GetTask(1)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, task.Status)
	assert.Equal(t, "haku-task-1", task.AssignedUnitName)
	require.NotNil(t, task.StartedAt)

	// running -> completed with exit code.
	zero := 0
	require.NoError(t, c.IngestStatus(&types.StatusUpdate{
		TaskID: 1, Status: types.StatusCompleted, ExitCode: &zero,
	}))
	task, err = store.GetTask(1)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, task.Status)
	require.NotNil(t, task.ExitCode)
	assert.Equal(t, 0, *task.ExitCode)
	require.NotNil(t, task.CompletedAt)
}

func TestIngestStatusReplayIsNoOp(t *testing.T) {
	c, store, _ := newTestCoordinator(t)
	addTask(t, store, 1, types.TaskCommand, types.StatusKilled)

	code := 1
	require.NoError(t, c.IngestStatus(&types.StatusUpdate{
		TaskID: 1, Status: types.StatusFailed, ExitCode: &code, Error: "late report",
	}))

	// First terminal wins: the kill stands.
	task, err := store.GetTask(1)
	require.NoError(t, err)
	assert.Equal(t, types.StatusKilled, task.Status)
	assert.Nil(t, task.ExitCode)
}

func TestIngestStatusOOM(t *testing.T) {
	c, store, _ := newTestCoordinator(t)
	addTask(t, store, 1, types.TaskCommand, types.StatusRunning)

	code := 137
	require.NoError(t, c.IngestStatus(&types.StatusUpdate{
		TaskID: 1, Status: types.StatusFailed, ExitCode: &code, OOM: true,
	}))

	task, err := store.GetTask(1)
	require.NoError(t, err)
	assert.Equal(t, types.StatusKilledOOM, task.Status)
	require.NotNil(t, task.ExitCode)
	assert.Equal(t, 137, *task.ExitCode)
}

func TestIngestStatusVPSRunningRecordsSSHPort(t *testing.T) {
	c, store, _ := newTestCoordinator(t)
	addTask(t, store, 1, types.TaskVPS, types.StatusAssigning)

	require.NoError(t, c.IngestStatus(&types.StatusUpdate{
		TaskID: 1, Status: types.StatusRunning, SSHPort: 32801, UnitName: "haku-task-1",
	}))

	task, err := store.GetTask(1)
	require.NoError(t, err)
	assert.Equal(t, 32801, task.SSHPort)
}

func TestKillPendingTask(t *testing.T) {
	c, store, control := newTestCoordinator(t)
	addOnlineNode(t, store, "n1")
	addTask(t, store, 1, types.TaskCommand, types.StatusPending)

	require.NoError(t, c.Kill(1))

	task, err := store.GetTask(1)
	require.NoError(t, err)
	assert.Equal(t, types.StatusKilled, task.Status)
	// Pending tasks have no unit; no runner call.
	assert.Empty(t, control.called())
}

func TestKillRunningTaskStopsUnit(t *testing.T) {
	c, store, control := newTestCoordinator(t)
	addOnlineNode(t, store, "n1")
	addTask(t, store, 1, types.TaskCommand, types.StatusRunning)

	require.NoError(t, c.Kill(1))

	task, err := store.GetTask(1)
	require.NoError(t, err)
	assert.Equal(t, types.StatusKilled, task.Status)

	require.Eventually(t, func() bool {
		return len(control.called()) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, "kill", control.called()[0])
}

func TestKillTerminalTaskIsNoOp(t *testing.T) {
	c, store, control := newTestCoordinator(t)
	addTask(t, store, 1, types.TaskCommand, types.StatusCompleted)

	require.NoError(t, c.Kill(1))

	task, err := store.GetTask(1)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, task.Status)
	assert.Empty(t, control.called())
}

func TestPauseResume(t *testing.T) {
	c, store, control := newTestCoordinator(t)
	addOnlineNode(t, store, "n1")
	addTask(t, store, 1, types.TaskCommand, types.StatusRunning)

	require.NoError(t, c.Pause(1))
	task, err := store.GetTask(1)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPaused, task.Status)
	require.NotNil(t, task.PausedAt)

	require.NoError(t, c.Resume(1))
	task, err = store.GetTask(1)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, task.Status)
	assert.Nil(t, task.PausedAt)

	assert.Equal(t, []string{"pause", "resume"}, control.called())
}

func TestPauseIllegalFromPending(t *testing.T) {
	c, store, control := newTestCoordinator(t)
	addOnlineNode(t, store, "n1")
	addTask(t, store, 1, types.TaskCommand, types.StatusPending)

	err := c.Pause(1)
	var illegal *IllegalTransitionError
	require.ErrorAs(t, err, &illegal)
	assert.Empty(t, control.called())
}

func TestPauseRunnerErrorLeavesStateUntouched(t *testing.T) {
	c, store, control := newTestCoordinator(t)
	addOnlineNode(t, store, "n1")
	addTask(t, store, 1, types.TaskCommand, types.StatusRunning)
	control.err = errors.New("runner unreachable")

	err := c.Pause(1)
	require.Error(t, err)

	task, err2 := store.GetTask(1)
	require.NoError(t, err2)
	assert.Equal(t, types.StatusRunning, task.Status)
}

func TestFetchLog(t *testing.T) {
	c, store, _ := newTestCoordinator(t)

	dir := t.TempDir()
	outPath := filepath.Join(dir, "1.out")
	require.NoError(t, os.WriteFile(outPath, []byte("hello from task\n"), 0o644))
	require.NoError(t, store.CreateTask(&types.Task{
		ID: 1, Type: types.TaskCommand, Command: "x",
		TargetHostname: "n1", Status: types.StatusCompleted,
		StdoutPath: outPath,
	}))

	rc, err := c.FetchLog(1, "stdout")
	require.NoError(t, err)
	defer rc.Close()
	buf := make([]byte, 64)
	n, _ := rc.Read(buf)
	assert.Equal(t, "hello from task\n", string(buf[:n]))

	_, err = c.FetchLog(1, "stderr")
	assert.Error(t, err)
	_, err = c.FetchLog(1, "trace")
	assert.Error(t, err)
}

func TestSaveEnvRequiresRunningVPS(t *testing.T) {
	c, store, control := newTestCoordinator(t)
	addOnlineNode(t, store, "n1")
	addTask(t, store, 1, types.TaskCommand, types.StatusRunning)
	addTask(t, store, 2, types.TaskVPS, types.StatusPending)
	addTask(t, store, 3, types.TaskVPS, types.StatusRunning)

	assert.Error(t, c.SaveEnv(1, "snap"))
	assert.Error(t, c.SaveEnv(2, "snap"))
	assert.Error(t, c.SaveEnv(3, ""))
	require.NoError(t, c.SaveEnv(3, "snap"))
	assert.Equal(t, []string{"save:snap"}, control.called())
}

func TestHealthSnapshot(t *testing.T) {
	c, store, _ := newTestCoordinator(t)
	addOnlineNode(t, store, "n1")
	require.NoError(t, store.CreateNode(&types.Node{
		Hostname: "n2", Status: types.NodeOffline,
	}))

	addTask(t, store, 1, types.TaskCommand, types.StatusRunning)
	addTask(t, store, 2, types.TaskCommand, types.StatusPending)
	addTask(t, store, 3, types.TaskVPS, types.StatusRunning)
	addTask(t, store, 4, types.TaskCommand, types.StatusCompleted)

	snap, err := c.Health()
	require.NoError(t, err)
	assert.Equal(t, 1, snap.NodesOnline)
	assert.Equal(t, 1, snap.NodesOffline)
	assert.Equal(t, 3, snap.TasksActive)
	assert.Equal(t, 2, snap.TasksRunning)
	assert.Equal(t, 1, snap.VPSActive)
}

func TestArchiveGCSweep(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"pytorch.100.tar", "pytorch.200.tar", "pytorch.300.tar",
		"cuda.50.tar", "README.md",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}

	gc := NewArchiveGC(dir, time.Hour)
	gc.Sweep()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{"pytorch.300.tar", "cuda.50.tar", "README.md"}, names)
}
