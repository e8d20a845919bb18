package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hakulab/haku/pkg/engine"
	"github.com/hakulab/haku/pkg/log"
	"github.com/hakulab/haku/pkg/types"
)

const (
	launchTimeout = 2 * time.Minute
)

// launch resolves the environment, starts the unit and hands it to a
// supervisor. Any failure before the unit is running is reported to the
// host as a failed status.
func (a *Agent) launch(order *types.RunOrder) {
	logger := log.WithTaskID(order.TaskID)

	ctx, cancel := context.WithTimeout(context.Background(), launchTimeout)
	defer cancel()

	env := types.ParseContainerEnv(order.ContainerEnv)
	if env.Kind == types.EnvSystemFallback {
		a.launchFallback(ctx, order)
		return
	}

	image := a.cfg.DefaultImage
	if env.Kind == types.EnvNamed {
		ref, err := a.syncer.Sync(ctx, env.Name, order.EnvTimestamp)
		if err != nil {
			logger.Error().Err(err).Str("env", env.Name).Msg("environment sync failed")
			a.reportFailure(order.TaskID, fmt.Sprintf("environment %q: %v", env.Name, err))
			return
		}
		image = ref
	}

	spec := a.buildRunSpec(order, image)

	switch order.Type {
	case types.TaskVPS:
		a.launchVPS(ctx, order, spec)
	default:
		a.launchCommand(ctx, order, spec)
	}
}

func (a *Agent) buildRunSpec(order *types.RunOrder, image string) *engine.RunSpec {
	privileged := a.cfg.PrivilegedDefault
	if order.Privileged != nil {
		privileged = *order.Privileged
	}

	mounts := append([]string{}, order.Mounts...)
	mounts = append(mounts, filepath.Join(a.cfg.SharedRoot, "shared_data")+":/shared_data")

	spec := &engine.RunSpec{
		Image:       image,
		Name:        fmt.Sprintf("haku-task-%d", order.TaskID),
		Cores:       order.Cores,
		MemoryBytes: order.MemoryBytes,
		GPUs:        order.GPUs,
		Mounts:      mounts,
		Env:         order.Env,
		Privileged:  privileged,
	}
	if order.Type == types.TaskVPS {
		spec.PublicKey = order.Command
	} else {
		spec.Cmd = order.Command
		spec.Args = order.Args
	}
	return spec
}

func (a *Agent) launchCommand(ctx context.Context, order *types.RunOrder, spec *engine.RunSpec) {
	logger := log.WithTaskID(order.TaskID)

	unitID, err := a.eng.RunEphemeral(ctx, spec)
	if err != nil {
		logger.Error().Err(err).Msg("container launch failed")
		a.reportFailure(order.TaskID, fmt.Sprintf("launch failed: %v", err))
		return
	}

	a.adopt(order.TaskID, unitID, false)
	a.postStatus(&types.StatusUpdate{
		TaskID: order.TaskID, Status: types.StatusRunning, UnitName: spec.Name,
	})

	go a.superviseContainer(order, unitID)
}

func (a *Agent) launchVPS(ctx context.Context, order *types.RunOrder, spec *engine.RunSpec) {
	logger := log.WithTaskID(order.TaskID)

	unitID, sshPort, err := a.eng.RunPersistentSSH(ctx, spec)
	if err != nil {
		logger.Error().Err(err).Msg("vps launch failed")
		a.reportFailure(order.TaskID, fmt.Sprintf("launch failed: %v", err))
		return
	}

	a.adopt(order.TaskID, unitID, false)
	a.postStatus(&types.StatusUpdate{
		TaskID: order.TaskID, Status: types.StatusRunning,
		UnitName: spec.Name, SSHPort: sshPort,
	})
	logger.Info().Int("ssh_port", sshPort).Msg("vps ready")

	go a.superviseContainer(order, unitID)
}

// superviseContainer owns the unit from running to terminal: it follows
// output streams for command tasks, waits for exit, reports the terminal
// status and removes the container.
func (a *Agent) superviseContainer(order *types.RunOrder, unitID string) {
	defer a.forget(order.TaskID)
	logger := log.WithTaskID(order.TaskID)
	ctx := context.Background()

	if order.Type == types.TaskCommand && order.StdoutPath != "" {
		if err := a.followOutput(ctx, order, unitID); err != nil {
			logger.Warn().Err(err).Msg("output follow failed")
		}
	}

	exit, err := a.eng.Wait(ctx, unitID)
	if err != nil {
		logger.Error().Err(err).Msg("wait on unit failed")
		a.reportFailure(order.TaskID, fmt.Sprintf("lost track of unit: %v", err))
		return
	}

	code := exit.ExitCode
	update := &types.StatusUpdate{
		TaskID:   order.TaskID,
		ExitCode: &code,
		OOM:      exit.OOMKilled,
	}
	switch {
	case exit.OOMKilled:
		update.Status = types.StatusKilledOOM
		update.Error = "out of memory"
	case exit.ExitCode == 0:
		update.Status = types.StatusCompleted
	default:
		update.Status = types.StatusFailed
		update.Error = fmt.Sprintf("exited with code %d", exit.ExitCode)
	}
	a.postStatus(update)

	rmCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := a.eng.Remove(rmCtx, unitID); err != nil {
		logger.Warn().Err(err).Msg("failed to remove unit")
	}
	logger.Info().Str("status", string(update.Status)).Int("exit_code", exit.ExitCode).Msg("unit finished")
}

// followOutput streams the unit's stdout/stderr into the task's files on
// shared storage in a background goroutine.
func (a *Agent) followOutput(ctx context.Context, order *types.RunOrder, unitID string) error {
	stdout, err := openLogFile(order.StdoutPath)
	if err != nil {
		return err
	}
	stderr, err := openLogFile(order.StderrPath)
	if err != nil {
		stdout.Close()
		return err
	}

	go func() {
		defer stdout.Close()
		defer stderr.Close()
		if err := a.eng.CopyOutput(ctx, unitID, stdout, stderr); err != nil {
			log.WithTaskID(order.TaskID).Warn().Err(err).Msg("output stream ended with error")
		}
	}()
	return nil
}

func openLogFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return f, nil
}

// launchFallback runs the command as a transient systemd unit. Output goes
// straight to the log files via StandardOutput=append, no copier needed.
func (a *Agent) launchFallback(ctx context.Context, order *types.RunOrder) {
	logger := log.WithTaskID(order.TaskID)

	spec := &engine.UnitSpec{
		Name:        fmt.Sprintf("haku-task-%d", order.TaskID),
		Cores:       order.Cores,
		MemoryBytes: order.MemoryBytes,
		NUMA:        order.NUMA,
		Env:         order.Env,
		Cmd:         order.Command,
		Args:        order.Args,
		StdoutPath:  order.StdoutPath,
		StderrPath:  order.StderrPath,
	}

	unitName, err := a.systemd.Launch(ctx, spec)
	if err != nil {
		logger.Error().Err(err).Msg("fallback launch failed")
		a.reportFailure(order.TaskID, fmt.Sprintf("launch failed: %v", err))
		return
	}

	a.adopt(order.TaskID, unitName, true)
	a.postStatus(&types.StatusUpdate{
		TaskID: order.TaskID, Status: types.StatusRunning, UnitName: unitName,
	})

	go a.superviseFallback(order, unitName)
}

func (a *Agent) superviseFallback(order *types.RunOrder, unitName string) {
	defer a.forget(order.TaskID)
	logger := log.WithTaskID(order.TaskID)

	state, err := a.systemd.Wait(context.Background(), unitName)
	if err != nil {
		logger.Error().Err(err).Msg("wait on fallback unit failed")
		a.reportFailure(order.TaskID, fmt.Sprintf("lost track of unit: %v", err))
		return
	}

	code := state.ExitCode
	update := &types.StatusUpdate{
		TaskID:   order.TaskID,
		ExitCode: &code,
		OOM:      state.OOMKilled,
	}
	switch {
	case state.OOMKilled:
		update.Status = types.StatusKilledOOM
		update.Error = "out of memory"
	case state.ExitCode == 0:
		update.Status = types.StatusCompleted
	default:
		update.Status = types.StatusFailed
		update.Error = fmt.Sprintf("exited with code %d", state.ExitCode)
	}
	a.postStatus(update)
	logger.Info().Str("status", string(update.Status)).Int("exit_code", state.ExitCode).Msg("fallback unit finished")
}

// adopt fills in the unit record reserved at admission.
func (a *Agent) adopt(taskID int64, name string, fallback bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if u, ok := a.units[taskID]; ok {
		u.name = name
		u.fallback = fallback
	}
}

func (a *Agent) reportFailure(taskID int64, reason string) {
	a.forget(taskID)
	a.postStatus(&types.StatusUpdate{
		TaskID: taskID, Status: types.StatusFailed, Error: reason,
	})
}

// postStatus pushes one status update, retrying a few times; the host's
// ingest is idempotent so replays are harmless.
func (a *Agent) postStatus(update *types.StatusUpdate) {
	logger := log.WithTaskID(update.TaskID)
	for attempt := 1; attempt <= statusPostAttempts; attempt++ {
		if err := a.host.PostStatus(update); err == nil {
			return
		} else if attempt == statusPostAttempts {
			logger.Error().Err(err).Str("status", string(update.Status)).
				Msg("dropping status update after retries")
			return
		} else {
			logger.Warn().Err(err).Msg("status post failed, retrying")
		}
		time.Sleep(statusPostBackoff)
	}
}
