package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/hakulab/haku/pkg/client"
	"github.com/hakulab/haku/pkg/config"
	"github.com/hakulab/haku/pkg/engine"
	"github.com/hakulab/haku/pkg/envsync"
	"github.com/hakulab/haku/pkg/inventory"
	"github.com/hakulab/haku/pkg/log"
	"github.com/hakulab/haku/pkg/metrics"
	"github.com/hakulab/haku/pkg/types"
)

const (
	registerBackoffFloor   = 1 * time.Second
	registerBackoffCeiling = 30 * time.Second
	statusPostAttempts     = 3
	statusPostBackoff      = 2 * time.Second
)

// unit tracks one launched workload. The map from task id to unit is owned
// by the runner alone; the host never learns unit ids except through status
// reports.
type unit struct {
	taskID   int64
	name     string
	taskType types.TaskType
	fallback bool
}

// Agent is the per-node runner: it registers with the host, heartbeats
// telemetry, and serves the host's run/lifecycle orders over HTTP.
type Agent struct {
	cfg      *config.Runner
	host     *client.HostClient
	eng      engine.Engine
	systemd  *engine.SystemdRunner
	syncer   *envsync.Syncer
	prober   *inventory.Prober
	hostname string
	endpoint string

	mu    sync.Mutex
	units map[int64]*unit

	srv    *http.Server
	stopCh chan struct{}
	doneCh chan struct{}
}

// New wires an agent from its collaborators. Hostname and endpoint fall
// back to os.Hostname plus the listen port when the config leaves them
// empty.
func New(cfg *config.Runner, host *client.HostClient, eng engine.Engine, systemd *engine.SystemdRunner, syncer *envsync.Syncer, prober *inventory.Prober) (*Agent, error) {
	hostname := cfg.Hostname
	if hostname == "" {
		var err error
		hostname, err = os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("failed to determine hostname: %w", err)
		}
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		_, port, err := net.SplitHostPort(cfg.ListenAddr)
		if err != nil {
			return nil, fmt.Errorf("failed to derive endpoint from listen addr %q: %w", cfg.ListenAddr, err)
		}
		endpoint = net.JoinHostPort(hostname, port)
	}

	a := &Agent{
		cfg:      cfg,
		host:     host,
		eng:      eng,
		systemd:  systemd,
		syncer:   syncer,
		prober:   prober,
		hostname: hostname,
		endpoint: endpoint,
		units:    make(map[int64]*unit),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	a.srv = &http.Server{Addr: cfg.ListenAddr, Handler: a.handler()}
	return a, nil
}

// Start registers with the host, then serves orders and heartbeats until
// Stop. It blocks in ListenAndServe.
func (a *Agent) Start() error {
	if err := a.register(); err != nil {
		return err
	}
	go a.heartbeatLoop()

	logger := log.WithComponent("runner")
	logger.Info().Str("addr", a.cfg.ListenAddr).Str("hostname", a.hostname).Msg("runner listening")
	if err := a.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("runner server failed: %w", err)
	}
	return nil
}

// Stop shuts the control surface down and stops the heartbeat loop.
// Launched units keep running; their supervisors post terminal status on
// their own.
func (a *Agent) Stop(ctx context.Context) error {
	close(a.stopCh)
	<-a.doneCh
	return a.srv.Shutdown(ctx)
}

// register probes local inventory and announces it to the host, retrying
// with doubling backoff until the host answers.
func (a *Agent) register() error {
	logger := log.WithComponent("runner")
	backoff := registerBackoffFloor

	for {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		cores, mem, numa, gpus, err := a.prober.Probe(ctx)
		cancel()
		if err == nil {
			err = a.host.Register(&types.RegisterRequest{
				Hostname:         a.hostname,
				Endpoint:         a.endpoint,
				TotalCores:       cores,
				TotalMemoryBytes: mem,
				NUMA:             numa,
				GPUs:             gpus,
			})
		}
		if err == nil {
			logger.Info().Int("cores", cores).Int64("memory_bytes", mem).
				Int("gpus", len(gpus)).Msg("registered with host")
			return nil
		}

		logger.Warn().Err(err).Dur("retry_in", backoff).Msg("registration failed")
		select {
		case <-time.After(backoff):
		case <-a.stopCh:
			return fmt.Errorf("runner stopped before registration completed")
		}
		backoff *= 2
		if backoff > registerBackoffCeiling {
			backoff = registerBackoffCeiling
		}
	}
}

// heartbeatLoop pushes telemetry every heartbeat interval. A host that has
// forgotten this node (restart, store wipe) triggers re-registration.
func (a *Agent) heartbeatLoop() {
	defer close(a.doneCh)

	logger := log.WithComponent("runner")
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), a.cfg.HeartbeatInterval)
			cpuPct, memPct, gpus, err := a.prober.Utilization(ctx)
			cancel()
			if err != nil {
				logger.Warn().Err(err).Msg("telemetry sample failed")
				continue
			}
			numa, err := a.prober.Topology()
			if err != nil {
				logger.Debug().Err(err).Msg("numa probe failed, heartbeat carries no topology")
			}
			err = a.host.Heartbeat(&types.HeartbeatRequest{
				Hostname:      a.hostname,
				CPUPercent:    cpuPct,
				MemoryPercent: memPct,
				NUMA:          numa,
				GPUs:          gpus,
			})
			switch {
			case err == nil:
			case client.IsNotFound(err):
				logger.Warn().Msg("host does not know this node, re-registering")
				if rerr := a.register(); rerr != nil {
					return
				}
			default:
				logger.Warn().Err(err).Msg("heartbeat failed")
			}
		case <-a.stopCh:
			return
		}
	}
}

func (a *Agent) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /run", a.handleRun)
	mux.HandleFunc("POST /kill/{id}", a.handleKill)
	mux.HandleFunc("POST /pause/{id}", a.lifecycle(a.pauseUnit))
	mux.HandleFunc("POST /resume/{id}", a.lifecycle(a.resumeUnit))
	mux.HandleFunc("POST /exec/{id}", a.handleExec)
	mux.HandleFunc("POST /save/{id}", a.handleSaveEnv)
	mux.HandleFunc("GET /health", metrics.HealthHandler())
	mux.HandleFunc("GET /ready", metrics.ReadyHandler())
	return mux
}

func unitID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	return id, err == nil
}

func (a *Agent) lookup(taskID int64) (*unit, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	u, ok := a.units[taskID]
	return u, ok
}

func (a *Agent) forget(taskID int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.units, taskID)
}

// handleRun acknowledges synchronously and launches asynchronously. A
// rejection means the order itself is unservable; failures after the ack
// are reported through status updates.
func (a *Agent) handleRun(w http.ResponseWriter, r *http.Request) {
	var order types.RunOrder
	if err := json.NewDecoder(r.Body).Decode(&order); err != nil {
		writeAck(w, &types.RunAck{Accepted: false, Reason: "malformed run order"})
		return
	}

	if reason, ok := a.admitOrder(&order); !ok {
		writeAck(w, &types.RunAck{Accepted: false, Reason: reason})
		return
	}

	go a.launch(&order)
	writeAck(w, &types.RunAck{Accepted: true})
}

// admitOrder performs the synchronous checks behind the run ack.
func (a *Agent) admitOrder(order *types.RunOrder) (string, bool) {
	if order.Type != types.TaskCommand && order.Type != types.TaskVPS {
		return fmt.Sprintf("unknown task type %q", order.Type), false
	}

	env := types.ParseContainerEnv(order.ContainerEnv)
	if env.Kind == types.EnvSystemFallback {
		if order.Type == types.TaskVPS {
			return "system fallback cannot host a vps", false
		}
		if len(order.GPUs) > 0 {
			return "system fallback cannot reserve gpus", false
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.units[order.TaskID]; ok {
		return fmt.Sprintf("task %d already has a unit", order.TaskID), false
	}
	// Reserve the slot before the ack so a duplicate order racing the
	// launch is still rejected.
	a.units[order.TaskID] = &unit{taskID: order.TaskID, taskType: order.Type}
	return "", true
}

func writeAck(w http.ResponseWriter, ack *types.RunAck) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(ack)
}

func (a *Agent) handleKill(w http.ResponseWriter, r *http.Request) {
	id, ok := unitID(r)
	if !ok {
		http.Error(w, "bad task id", http.StatusBadRequest)
		return
	}
	u, ok := a.lookup(id)
	if !ok {
		http.Error(w, "no unit for task", http.StatusNotFound)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	var err error
	if u.fallback {
		err = a.systemd.Stop(ctx, u.name)
	} else {
		err = a.eng.Stop(ctx, u.name)
	}
	if err != nil {
		log.WithTaskID(id).Warn().Err(err).Msg("failed to stop unit")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (a *Agent) lifecycle(op func(ctx context.Context, u *unit) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := unitID(r)
		if !ok {
			http.Error(w, "bad task id", http.StatusBadRequest)
			return
		}
		u, ok := a.lookup(id)
		if !ok {
			http.Error(w, "no unit for task", http.StatusNotFound)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
		defer cancel()
		if err := op(ctx, u); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

func (a *Agent) pauseUnit(ctx context.Context, u *unit) error {
	if u.fallback {
		return a.systemd.Pause(ctx, u.name)
	}
	return a.eng.Pause(ctx, u.name)
}

func (a *Agent) resumeUnit(ctx context.Context, u *unit) error {
	if u.fallback {
		return a.systemd.Resume(ctx, u.name)
	}
	return a.eng.Unpause(ctx, u.name)
}

// handleExec hijacks the connection and splices it onto a command running
// inside the unit, for interactive terminal sessions.
func (a *Agent) handleExec(w http.ResponseWriter, r *http.Request) {
	id, ok := unitID(r)
	if !ok {
		http.Error(w, "bad task id", http.StatusBadRequest)
		return
	}
	u, ok := a.lookup(id)
	if !ok {
		http.Error(w, "no unit for task", http.StatusNotFound)
		return
	}
	if u.fallback {
		http.Error(w, "exec is not supported on the system fallback", http.StatusBadRequest)
		return
	}

	var req types.ExecRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Cmd) == 0 {
		http.Error(w, "malformed exec request", http.StatusBadRequest)
		return
	}

	stream, err := a.eng.Exec(r.Context(), u.name, req.Cmd)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer stream.Close()

	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	conn, rw, err := hj.Hijack()
	if err != nil {
		return
	}
	defer conn.Close()

	fmt.Fprintf(rw, "HTTP/1.1 200 OK\r\nConnection: close\r\n\r\n")
	_ = rw.Flush()

	done := make(chan struct{}, 2)
	go func() {
		buf := make([]byte, 32*1024)
		for {
			n, rerr := rw.Read(buf)
			if n > 0 {
				if _, werr := stream.Write(buf[:n]); werr != nil {
					break
				}
			}
			if rerr != nil {
				break
			}
		}
		done <- struct{}{}
	}()
	go func() {
		buf := make([]byte, 32*1024)
		for {
			n, rerr := stream.Read(buf)
			if n > 0 {
				if _, werr := conn.Write(buf[:n]); werr != nil {
					break
				}
			}
			if rerr != nil {
				break
			}
		}
		done <- struct{}{}
	}()
	<-done
}

// handleSaveEnv commits the task's container and writes a new environment
// archive onto shared storage. The write lands under a temporary name and
// is renamed into place so readers never see a partial archive.
func (a *Agent) handleSaveEnv(w http.ResponseWriter, r *http.Request) {
	id, ok := unitID(r)
	if !ok {
		http.Error(w, "bad task id", http.StatusBadRequest)
		return
	}
	var req types.SaveEnvRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		http.Error(w, "environment name required", http.StatusBadRequest)
		return
	}
	u, ok := a.lookup(id)
	if !ok {
		http.Error(w, "no unit for task", http.StatusNotFound)
		return
	}
	if u.fallback {
		http.Error(w, "system fallback units cannot be saved", http.StatusBadRequest)
		return
	}

	ts := time.Now().Unix()
	ref := envsync.ImageRef(req.Name, ts)
	final := a.archivePath(req.Name, ts)
	tmp := final + ".partial"

	if err := a.eng.CommitAndSave(r.Context(), u.name, ref, tmp); err != nil {
		_ = os.Remove(tmp)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	log.WithTaskID(id).Info().Str("env", req.Name).Int64("timestamp", ts).
		Str("archive", final).Msg("environment saved")
	w.WriteHeader(http.StatusOK)
}

func (a *Agent) archivePath(name string, ts int64) string {
	return fmt.Sprintf("%s/%s/%s.%d.tar", a.cfg.SharedRoot, a.cfg.EnvsDir, name, ts)
}
