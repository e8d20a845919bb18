package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hakulab/haku/pkg/client"
	"github.com/hakulab/haku/pkg/envsync"
	"github.com/hakulab/haku/pkg/events"
	"github.com/hakulab/haku/pkg/log"
	"github.com/hakulab/haku/pkg/metrics"
	"github.com/hakulab/haku/pkg/storage"
	"github.com/hakulab/haku/pkg/types"
)

// Config bounds the retry behavior of run-order delivery.
type Config struct {
	Retries        int           // attempts per task before giving up
	Backoff        time.Duration // initial backoff between attempts
	BackoffCeiling time.Duration // backoff stops doubling here
	AttemptTimeout time.Duration // per-attempt request timeout
	EnvsDir        string        // shared-storage environments directory
	Workers        int           // concurrent delivery workers
	RescanInterval time.Duration // pending-task rescan period
}

const (
	defaultWorkers        = 4
	defaultRescanInterval = 10 * time.Second
)

// runnerCaller is the slice of the runner client the dispatcher uses.
type runnerCaller interface {
	Run(ctx context.Context, order *types.RunOrder) (*types.RunAck, error)
}

// Dispatcher delivers run orders to target runners asynchronously. Submit
// returns before dispatch begins; each task is walked pending -> assigning
// and then either accepted (runner will report running) or failed. A pool
// of workers drains the queue so one slow or unreachable runner cannot
// stall deliveries to the rest of the fleet.
type Dispatcher struct {
	store  storage.Store
	broker *events.Broker
	cfg    Config

	// dial is swappable in tests.
	dial func(endpoint string) runnerCaller

	queue  chan int64
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a dispatcher. Start must be called before Enqueue.
func New(store storage.Store, broker *events.Broker, cfg Config) *Dispatcher {
	return &Dispatcher{
		store:  store,
		broker: broker,
		cfg:    cfg,
		dial: func(endpoint string) runnerCaller {
			return client.NewRunnerClient(endpoint)
		},
		queue:  make(chan int64, 256),
		stopCh: make(chan struct{}),
	}
}

// Start launches the worker pool and the pending rescan loop. The initial
// rescan re-enqueues tasks stranded in pending by a previous host process.
func (d *Dispatcher) Start() {
	workers := d.cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}

	d.requeuePending()

	d.wg.Add(workers + 1)
	for i := 0; i < workers; i++ {
		go d.worker()
	}
	go d.rescanLoop()
}

// Stop drains the pool. Queued tasks stay pending and are recovered on the
// next start.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	d.wg.Wait()
}

// Enqueue schedules newly admitted tasks for dispatch. A full queue is not
// an error: the rescan loop picks the tasks up on its next pass.
func (d *Dispatcher) Enqueue(tasks []*types.Task) {
	for _, task := range tasks {
		select {
		case d.queue <- task.ID:
		default:
			log.WithTaskID(task.ID).Debug().Msg("dispatch queue full, deferring to rescan")
		}
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case id := <-d.queue:
			d.dispatch(id)
		case <-d.stopCh:
			return
		}
	}
}

func (d *Dispatcher) rescanLoop() {
	defer d.wg.Done()

	interval := d.cfg.RescanInterval
	if interval <= 0 {
		interval = defaultRescanInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.requeuePending()
		case <-d.stopCh:
			return
		}
	}
}

// requeuePending re-enqueues every task still pending. Enqueueing a task
// twice is harmless: the pending -> assigning transition admits one winner.
func (d *Dispatcher) requeuePending() {
	pending, err := d.store.ListTasksByStatus(types.StatusPending)
	if err != nil {
		log.WithComponent("dispatch").Error().Err(err).Msg("failed to list pending tasks")
		return
	}
	for _, task := range pending {
		select {
		case d.queue <- task.ID:
		default:
			return
		}
	}
}

func (d *Dispatcher) dispatch(id int64) {
	logger := log.WithTaskID(id)
	timer := metrics.NewTimer()

	ok, err := d.store.TransitionTask(id, types.StatusAssigning,
		[]types.TaskStatus{types.StatusPending}, nil)
	if err != nil {
		logger.Error().Err(err).Msg("failed to mark task assigning")
		return
	}
	if !ok {
		// Killed while pending, or already picked up.
		logger.Debug().Msg("task left pending before dispatch")
		return
	}

	task, err := d.store.GetTask(id)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load task for dispatch")
		return
	}

	node, err := d.store.GetNode(task.TargetHostname)
	if err != nil || node.Status != types.NodeOnline {
		d.markLost(task, "node offline before dispatch")
		return
	}

	order, err := d.buildOrder(task)
	if err != nil {
		d.markFailed(task, err.Error())
		return
	}

	runner := d.dial(node.Endpoint)
	backoff := d.cfg.Backoff

	for attempt := 1; attempt <= d.cfg.Retries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), d.cfg.AttemptTimeout)
		ack, err := runner.Run(ctx, order)
		cancel()

		if err == nil {
			if ack.Accepted {
				metrics.DispatchAttempts.WithLabelValues("accepted").Inc()
				timer.ObserveDuration(metrics.DispatchLatency)
				logger.Info().Str("node", node.Hostname).Int("attempt", attempt).Msg("run order accepted")
				d.broker.Publish(events.TaskEvent(events.EventTaskAssigned, task.ID,
					"run order accepted by "+node.Hostname))
				return
			}
			metrics.DispatchAttempts.WithLabelValues("rejected").Inc()
			d.markFailed(task, fmt.Sprintf("runner rejected task: %s", ack.Reason))
			return
		}

		metrics.DispatchAttempts.WithLabelValues("unreachable").Inc()
		logger.Warn().Err(err).Int("attempt", attempt).Msg("runner unreachable")

		if _, serr := d.store.TransitionTask(id, types.StatusAssigning,
			[]types.TaskStatus{types.StatusAssigning},
			func(t *types.Task) { t.SuspicionCount++ }); serr != nil {
			logger.Error().Err(serr).Msg("failed to record dispatch suspicion")
		}

		if attempt == d.cfg.Retries {
			break
		}
		select {
		case <-time.After(backoff):
		case <-d.stopCh:
			return
		}
		backoff *= 2
		if backoff > d.cfg.BackoffCeiling {
			backoff = d.cfg.BackoffCeiling
		}
	}

	d.markFailed(task, "dispatch unreachable")
}

// buildOrder assembles the run order, resolving the canonical environment
// archive timestamp so every instance of a batch loads the same snapshot.
func (d *Dispatcher) buildOrder(task *types.Task) (*types.RunOrder, error) {
	order := &types.RunOrder{
		TaskID:       task.ID,
		Type:         task.Type,
		Command:      task.Command,
		Args:         task.Args,
		Env:          task.Env,
		Cores:        task.RequiredCores,
		MemoryBytes:  task.RequiredMemory,
		GPUs:         task.RequiredGPUs,
		ContainerEnv: task.ContainerEnv.Wire(),
		Privileged:   task.Privileged,
		Mounts:       task.Mounts,
		NUMA:         task.TargetNUMA,
		StdoutPath:   task.StdoutPath,
		StderrPath:   task.StderrPath,
	}

	if task.ContainerEnv.Kind == types.EnvNamed {
		archive, err := envsync.Latest(d.cfg.EnvsDir, task.ContainerEnv.Name)
		if err != nil {
			return nil, fmt.Errorf("no archive for environment %q", task.ContainerEnv.Name)
		}
		order.EnvTimestamp = archive.Timestamp

		if _, err := d.store.TransitionTask(task.ID, types.StatusAssigning,
			[]types.TaskStatus{types.StatusAssigning},
			func(t *types.Task) { t.EnvTimestamp = archive.Timestamp }); err != nil {
			return nil, fmt.Errorf("failed to pin environment timestamp: %w", err)
		}
	}
	return order, nil
}

func (d *Dispatcher) markFailed(task *types.Task, reason string) {
	now := time.Now()
	ok, err := d.store.TransitionTask(task.ID, types.StatusFailed,
		[]types.TaskStatus{types.StatusAssigning},
		func(t *types.Task) {
			t.ErrorMessage = reason
			t.CompletedAt = &now
		})
	if err != nil {
		log.WithTaskID(task.ID).Error().Err(err).Msg("failed to fail task")
		return
	}
	if ok {
		log.WithTaskID(task.ID).Warn().Str("reason", reason).Msg("dispatch failed")
		d.broker.Publish(events.TaskEvent(events.EventTaskFailed, task.ID, reason))
	}
}

func (d *Dispatcher) markLost(task *types.Task, reason string) {
	now := time.Now()
	ok, err := d.store.TransitionTask(task.ID, types.StatusLost,
		[]types.TaskStatus{types.StatusAssigning},
		func(t *types.Task) {
			t.ErrorMessage = reason
			t.CompletedAt = &now
		})
	if err != nil {
		log.WithTaskID(task.ID).Error().Err(err).Msg("failed to mark task lost")
		return
	}
	if ok {
		d.broker.Publish(events.TaskEvent(events.EventTaskLost, task.ID, reason))
	}
}
