package host

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/hakulab/haku/pkg/client"
	"github.com/hakulab/haku/pkg/dispatch"
	"github.com/hakulab/haku/pkg/events"
	"github.com/hakulab/haku/pkg/log"
	"github.com/hakulab/haku/pkg/metrics"
	"github.com/hakulab/haku/pkg/resolver"
	"github.com/hakulab/haku/pkg/storage"
	"github.com/hakulab/haku/pkg/types"
)

// IllegalTransitionError rejects a lifecycle command that is not legal in
// the task's current state.
type IllegalTransitionError struct {
	TaskID int64
	From   types.TaskStatus
	To     types.TaskStatus
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("task %d: cannot go %s -> %s", e.TaskID, e.From, e.To)
}

// runnerControl is the slice of the runner client the coordinator uses for
// lifecycle commands.
type runnerControl interface {
	Kill(ctx context.Context, id int64) error
	Pause(ctx context.Context, id int64) error
	Resume(ctx context.Context, id int64) error
	SaveEnv(ctx context.Context, id int64, name string) error
}

// Coordinator owns the task lifecycle on the host: admission, dispatch
// hand-off, runner status ingest and client lifecycle commands. All task
// state changes funnel through the store's atomic transition primitive;
// the first terminal transition wins and replays are no-ops.
type Coordinator struct {
	store      storage.Store
	resolver   *resolver.Resolver
	dispatcher *dispatch.Dispatcher
	broker     *events.Broker

	// dial is swappable in tests.
	dial func(endpoint string) runnerControl

	now func() time.Time
}

// New creates a coordinator.
func New(store storage.Store, res *resolver.Resolver, disp *dispatch.Dispatcher, broker *events.Broker) *Coordinator {
	return &Coordinator{
		store:      store,
		resolver:   res,
		dispatcher: disp,
		broker:     broker,
		dial: func(endpoint string) runnerControl {
			return client.NewRunnerClient(endpoint)
		},
		now: time.Now,
	}
}

// Register records a runner's topology and marks it online. Registration
// is an upsert: a restarting runner re-registers under its hostname.
func (c *Coordinator) Register(req *types.RegisterRequest) error {
	if req.Hostname == "" || req.Endpoint == "" {
		return fmt.Errorf("registration requires hostname and endpoint")
	}
	numaCores := 0
	for _, domain := range req.NUMA {
		numaCores += len(domain.Cores)
	}
	if req.TotalCores < numaCores {
		return fmt.Errorf("node %s reports %d cores but %d across numa domains",
			req.Hostname, req.TotalCores, numaCores)
	}

	now := c.now()
	node := &types.Node{
		Hostname:         req.Hostname,
		Endpoint:         req.Endpoint,
		TotalCores:       req.TotalCores,
		TotalMemoryBytes: req.TotalMemoryBytes,
		NUMA:             req.NUMA,
		GPUs:             req.GPUs,
		Status:           types.NodeOnline,
		LastHeartbeat:    now,
		RegisteredAt:     now,
	}
	if existing, err := c.store.GetNode(req.Hostname); err == nil {
		node.RegisteredAt = existing.RegisteredAt
	}

	if err := c.store.UpdateNode(node); err != nil {
		return fmt.Errorf("failed to register node: %w", err)
	}

	log.WithComponent("host").Info().
		Str("node", node.Hostname).
		Str("endpoint", node.Endpoint).
		Int("cores", node.TotalCores).
		Int("gpus", len(node.GPUs)).
		Msg("node registered")
	c.broker.Publish(events.NodeEvent(events.EventNodeRegistered, node.Hostname, "registered"))
	return nil
}

// Heartbeat ingests liveness and telemetry. A heartbeat from an offline or
// lost node brings it back online; tasks already lost stay lost.
func (c *Coordinator) Heartbeat(req *types.HeartbeatRequest) error {
	node, err := c.store.GetNode(req.Hostname)
	if err != nil {
		return err
	}

	wasDown := node.Status != types.NodeOnline
	node.Status = types.NodeOnline
	node.LastHeartbeat = c.now()
	node.CPUPercent = req.CPUPercent
	node.MemoryPercent = req.MemoryPercent
	if len(req.NUMA) > 0 {
		node.NUMA = req.NUMA
	}
	if len(req.GPUs) > 0 {
		node.GPUs = mergeGPUTelemetry(node.GPUs, req.GPUs)
	}

	if err := c.store.UpdateNode(node); err != nil {
		return fmt.Errorf("failed to record heartbeat: %w", err)
	}
	metrics.HeartbeatsTotal.Inc()

	if wasDown {
		log.WithComponent("host").Info().Str("node", node.Hostname).Msg("node back online")
	}
	return nil
}

// mergeGPUTelemetry overlays live utilization onto the static inventory.
func mergeGPUTelemetry(inventory, live []types.GPU) []types.GPU {
	byID := make(map[int]types.GPU, len(live))
	for _, gpu := range live {
		byID[gpu.ID] = gpu
	}
	for i, gpu := range inventory {
		if sample, ok := byID[gpu.ID]; ok {
			inventory[i].UtilizationPct = sample.UtilizationPct
			inventory[i].MemoryUsedBytes = sample.MemoryUsedBytes
			inventory[i].TemperatureC = sample.TemperatureC
			inventory[i].PowerWatts = sample.PowerWatts
		}
	}
	return inventory
}

// Submit admits a batch and hands accepted tasks to the dispatcher.
func (c *Coordinator) Submit(req *types.SubmitRequest) (*types.SubmitResponse, error) {
	resp, created, err := c.resolver.Submit(req)
	if err != nil {
		return nil, err
	}

	for _, task := range created {
		metrics.TasksSubmitted.WithLabelValues(string(task.Type)).Inc()
		c.broker.Publish(events.TaskEvent(events.EventTaskSubmitted, task.ID, string(task.Type)))
	}
	for range resp.FailedTargets {
		metrics.TasksRejected.Inc()
	}

	c.dispatcher.Enqueue(created)
	return resp, nil
}

// Status returns one task record.
func (c *Coordinator) Status(id int64) (*types.Task, error) {
	return c.store.GetTask(id)
}

// Tasks lists task records in id order, optionally filtered by status.
func (c *Coordinator) Tasks(status string) ([]*types.Task, error) {
	if status == "" {
		return c.store.ListTasks()
	}
	return c.store.ListTasksByStatus(types.TaskStatus(status))
}

// Kill terminates a task. Killing a terminal task is a no-op. Success
// means the store recorded the kill; stopping the unit on the runner is
// best-effort and asynchronous.
func (c *Coordinator) Kill(id int64) error {
	task, err := c.store.GetTask(id)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		return nil
	}

	now := c.now()
	ok, err := c.store.TransitionTask(id, types.StatusKilled,
		types.ActiveStatuses,
		func(t *types.Task) { t.CompletedAt = &now })
	if err != nil {
		return err
	}
	if !ok {
		// Raced with a terminal report; first terminal wins.
		return nil
	}

	log.WithTaskID(id).Info().Msg("task killed")
	c.broker.Publish(events.TaskEvent(events.EventTaskKilled, id, "killed by request"))

	if task.Status == types.StatusRunning || task.Status == types.StatusPaused {
		go c.stopUnit(task)
	}
	return nil
}

func (c *Coordinator) stopUnit(task *types.Task) {
	node, err := c.store.GetNode(task.TargetHostname)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := c.dial(node.Endpoint).Kill(ctx, task.ID); err != nil {
		log.WithTaskID(task.ID).Warn().Err(err).Msg("best-effort unit stop failed")
	}
}

// Pause freezes a running task. Only legal in running.
func (c *Coordinator) Pause(id int64) error {
	return c.freeze(id, types.StatusRunning, types.StatusPaused)
}

// Resume unfreezes a paused task. Only legal in paused.
func (c *Coordinator) Resume(id int64) error {
	return c.freeze(id, types.StatusPaused, types.StatusRunning)
}

func (c *Coordinator) freeze(id int64, from, to types.TaskStatus) error {
	task, err := c.store.GetTask(id)
	if err != nil {
		return err
	}
	if task.Status != from {
		return &IllegalTransitionError{TaskID: id, From: task.Status, To: to}
	}

	node, err := c.store.GetNode(task.TargetHostname)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	runner := c.dial(node.Endpoint)
	if to == types.StatusPaused {
		err = runner.Pause(ctx, id)
	} else {
		err = runner.Resume(ctx, id)
	}
	if err != nil {
		return fmt.Errorf("runner %s: %w", node.Hostname, err)
	}

	now := c.now()
	ok, err := c.store.TransitionTask(id, to, []types.TaskStatus{from},
		func(t *types.Task) {
			if to == types.StatusPaused {
				t.PausedAt = &now
			} else {
				t.PausedAt = nil
			}
		})
	if err != nil {
		return err
	}
	if !ok {
		return &IllegalTransitionError{TaskID: id, From: task.Status, To: to}
	}

	event := events.EventTaskPaused
	if to == types.StatusRunning {
		event = events.EventTaskResumed
	}
	c.broker.Publish(events.TaskEvent(event, id, string(to)))
	return nil
}

// statusWhitelist maps a reported status to its legal predecessors.
var statusWhitelist = map[types.TaskStatus][]types.TaskStatus{
	types.StatusRunning:   {types.StatusAssigning},
	types.StatusCompleted: {types.StatusRunning},
	types.StatusFailed:    {types.StatusAssigning, types.StatusRunning},
	types.StatusKilled:    {types.StatusAssigning, types.StatusRunning, types.StatusPaused},
	types.StatusKilledOOM: {types.StatusRunning, types.StatusPaused},
	types.StatusLost:      {types.StatusAssigning, types.StatusRunning, types.StatusPaused},
}

// IngestStatus applies a runner's status report. Reports outside the
// whitelist (including terminal replays) are logged no-ops.
func (c *Coordinator) IngestStatus(update *types.StatusUpdate) error {
	status := update.Status
	if update.OOM {
		status = types.StatusKilledOOM
	}

	from, ok := statusWhitelist[status]
	if !ok {
		log.WithTaskID(update.TaskID).Warn().
			Str("status", string(update.Status)).
			Msg("ignoring unknown status report")
		return nil
	}

	now := c.now()
	applied, err := c.store.TransitionTask(update.TaskID, status, from,
		func(t *types.Task) {
			switch status {
			case types.StatusRunning:
				t.StartedAt = &now
				t.SSHPort = update.SSHPort
				t.AssignedUnitName = update.UnitName
			default:
				t.ExitCode = update.ExitCode
				t.ErrorMessage = update.Error
				t.CompletedAt = &now
			}
		})
	if err != nil {
		return err
	}
	if !applied {
		log.WithTaskID(update.TaskID).Warn().
			Str("status", string(status)).
			Msg("illegal transition reported, ignoring")
		return nil
	}

	c.publishStatus(update.TaskID, status, update.Error)
	return nil
}

func (c *Coordinator) publishStatus(id int64, status types.TaskStatus, message string) {
	var event events.EventType
	switch status {
	case types.StatusRunning:
		event = events.EventTaskRunning
	case types.StatusCompleted:
		event = events.EventTaskCompleted
	case types.StatusFailed:
		event = events.EventTaskFailed
	case types.StatusKilled, types.StatusKilledOOM:
		event = events.EventTaskKilled
	case types.StatusLost:
		event = events.EventTaskLost
	default:
		return
	}
	c.broker.Publish(events.TaskEvent(event, id, message))
}

// FetchLog opens a task's stdout or stderr from shared storage. The caller
// closes the reader.
func (c *Coordinator) FetchLog(id int64, stream string) (io.ReadCloser, error) {
	task, err := c.store.GetTask(id)
	if err != nil {
		return nil, err
	}

	var path string
	switch stream {
	case "stdout":
		path = task.StdoutPath
	case "stderr":
		path = task.StderrPath
	default:
		return nil, fmt.Errorf("unknown stream %q", stream)
	}
	if path == "" {
		return nil, fmt.Errorf("task %d has no %s log", id, stream)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open log: %w", err)
	}
	return f, nil
}

// SaveEnv snapshots a running VPS task into a named environment archive on
// shared storage via its runner.
func (c *Coordinator) SaveEnv(id int64, name string) error {
	if name == "" {
		return fmt.Errorf("environment name must not be empty")
	}
	task, err := c.store.GetTask(id)
	if err != nil {
		return err
	}
	if task.Type != types.TaskVPS {
		return fmt.Errorf("task %d is not a vps task", id)
	}
	if task.Status != types.StatusRunning {
		return &IllegalTransitionError{TaskID: id, From: task.Status, To: types.StatusRunning}
	}

	node, err := c.store.GetNode(task.TargetHostname)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	if err := c.dial(node.Endpoint).SaveEnv(ctx, id, name); err != nil {
		return fmt.Errorf("runner %s: %w", node.Hostname, err)
	}

	metrics.EnvIngestsTotal.Inc()
	c.broker.Publish(events.TaskEvent(events.EventEnvIngested, id, name))
	return nil
}

// Health aggregates the monitoring snapshot served at /health.
func (c *Coordinator) Health() (*types.HealthSnapshot, error) {
	nodes, err := c.store.ListNodes()
	if err != nil {
		return nil, err
	}
	snap := &types.HealthSnapshot{}
	for _, node := range nodes {
		if node.Status == types.NodeOnline {
			snap.NodesOnline++
		} else {
			snap.NodesOffline++
		}
	}

	active, err := c.store.ListTasksByStatus(types.ActiveStatuses...)
	if err != nil {
		return nil, err
	}
	snap.TasksActive = len(active)
	for _, task := range active {
		if task.Status == types.StatusRunning {
			snap.TasksRunning++
		}
	}

	vps, err := c.store.ListActiveVPSTasks()
	if err != nil {
		return nil, err
	}
	snap.VPSActive = len(vps)
	return snap, nil
}

// Nodes lists node summaries for /nodes.
func (c *Coordinator) Nodes() ([]types.NodeSummary, error) {
	nodes, err := c.store.ListNodes()
	if err != nil {
		return nil, err
	}
	summaries := make([]types.NodeSummary, 0, len(nodes))
	for _, node := range nodes {
		summaries = append(summaries, types.NodeSummary{
			Hostname:      node.Hostname,
			Status:        node.Status,
			TotalCores:    node.TotalCores,
			CPUPercent:    node.CPUPercent,
			MemoryPercent: node.MemoryPercent,
			GPUCount:      len(node.GPUs),
		})
	}
	return summaries, nil
}
