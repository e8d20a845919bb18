package engine

import (
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"
)

// SystemdRunner executes tasks as transient service units when a task opts
// out of containers. VPS and GPU tasks never take this path; the resolver
// rejects them at admission.
type SystemdRunner struct {
	// execCommand is swappable in tests.
	execCommand func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// NewSystemdRunner returns a runner shelling out to systemd-run/systemctl.
func NewSystemdRunner() *SystemdRunner {
	return &SystemdRunner{
		execCommand: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).CombinedOutput()
		},
	}
}

// UnitSpec describes one transient unit launch.
type UnitSpec struct {
	Name        string
	Cores       int
	MemoryBytes int64
	NUMA        *int // bind cores and memory to one NUMA domain via numactl
	Env         map[string]string
	Cmd         string
	Args        []string
	StdoutPath  string
	StderrPath  string
}

// buildArgs assembles the systemd-run invocation for a unit spec.
func buildArgs(spec *UnitSpec) []string {
	args := []string{"--unit", spec.Name, "--collect", "--service-type", "exec"}

	if spec.Cores > 0 {
		args = append(args, "--property", fmt.Sprintf("CPUQuota=%d%%", spec.Cores*100))
	}
	if spec.MemoryBytes > 0 {
		args = append(args, "--property", fmt.Sprintf("MemoryMax=%d", spec.MemoryBytes))
	}
	if spec.StdoutPath != "" {
		args = append(args, "--property", "StandardOutput=append:"+spec.StdoutPath)
	}
	if spec.StderrPath != "" {
		args = append(args, "--property", "StandardError=append:"+spec.StderrPath)
	}

	// Deterministic env order keeps unit definitions reproducible.
	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--setenv", k+"="+spec.Env[k])
	}

	args = append(args, "--")
	if spec.NUMA != nil {
		n := strconv.Itoa(*spec.NUMA)
		args = append(args, "numactl", "--cpunodebind="+n, "--membind="+n)
	}
	args = append(args, spec.Cmd)
	args = append(args, spec.Args...)
	return args
}

// Launch starts the unit and returns its name as the unit id.
func (r *SystemdRunner) Launch(ctx context.Context, spec *UnitSpec) (string, error) {
	out, err := r.execCommand(ctx, "systemd-run", buildArgs(spec)...)
	if err != nil {
		return "", fmt.Errorf("systemd-run failed: %v: %s", err, strings.TrimSpace(string(out)))
	}
	return spec.Name, nil
}

// UnitExitState is the polled terminal state of a transient unit.
type UnitExitState struct {
	Exited    bool
	ExitCode  int
	OOMKilled bool
}

// Status polls systemctl for the unit's state. Result=oom-kill marks memory
// kills; a missing unit with --collect set means it exited cleanly and was
// garbage-collected, reported as exit 0.
func (r *SystemdRunner) Status(ctx context.Context, unit string) (UnitExitState, error) {
	out, err := r.execCommand(ctx, "systemctl", "show", unit+".service",
		"--property", "ActiveState", "--property", "ExecMainStatus", "--property", "Result")
	if err != nil {
		return UnitExitState{}, fmt.Errorf("systemctl show failed: %v: %s", err, strings.TrimSpace(string(out)))
	}

	props := map[string]string{}
	for _, line := range strings.Split(string(out), "\n") {
		if k, v, ok := strings.Cut(strings.TrimSpace(line), "="); ok {
			props[k] = v
		}
	}

	state := UnitExitState{}
	switch props["ActiveState"] {
	case "active", "activating", "deactivating":
		return state, nil
	case "inactive", "failed", "":
		state.Exited = true
	}
	if code, err := strconv.Atoi(props["ExecMainStatus"]); err == nil {
		state.ExitCode = code
	}
	if props["Result"] == "oom-kill" {
		state.OOMKilled = true
	}
	return state, nil
}

// WaitPollInterval is how often Wait polls unit state.
const WaitPollInterval = 2 * time.Second

// Wait polls until the unit exits.
func (r *SystemdRunner) Wait(ctx context.Context, unit string) (UnitExitState, error) {
	ticker := time.NewTicker(WaitPollInterval)
	defer ticker.Stop()

	for {
		state, err := r.Status(ctx, unit)
		if err != nil {
			return UnitExitState{}, err
		}
		if state.Exited {
			return state, nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return UnitExitState{}, ctx.Err()
		}
	}
}

// Stop terminates the unit.
func (r *SystemdRunner) Stop(ctx context.Context, unit string) error {
	if out, err := r.execCommand(ctx, "systemctl", "stop", unit+".service"); err != nil {
		return fmt.Errorf("systemctl stop failed: %v: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Pause delivers SIGSTOP to the unit's processes.
func (r *SystemdRunner) Pause(ctx context.Context, unit string) error {
	return r.signal(ctx, unit, "SIGSTOP")
}

// Resume delivers SIGCONT.
func (r *SystemdRunner) Resume(ctx context.Context, unit string) error {
	return r.signal(ctx, unit, "SIGCONT")
}

func (r *SystemdRunner) signal(ctx context.Context, unit, sig string) error {
	if out, err := r.execCommand(ctx, "systemctl", "kill", "--signal", sig, unit+".service"); err != nil {
		return fmt.Errorf("systemctl kill %s failed: %v: %s", sig, err, strings.TrimSpace(string(out)))
	}
	return nil
}
