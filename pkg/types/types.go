package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Node represents a compute node registered with the host. Nodes are
// identified by hostname and are never deleted; liveness is tracked through
// Status and LastHeartbeat.
type Node struct {
	Hostname         string     `json:"hostname"`
	Endpoint         string     `json:"endpoint"` // host:port of the runner control surface
	TotalCores       int        `json:"total_cores"`
	TotalMemoryBytes int64      `json:"total_memory_bytes"`
	NUMA             []NUMANode `json:"numa,omitempty"`
	GPUs             []GPU      `json:"gpus,omitempty"`
	Status           NodeStatus `json:"status"`
	LastHeartbeat    time.Time  `json:"last_heartbeat"`
	CPUPercent       float64    `json:"cpu_percent"`
	MemoryPercent    float64    `json:"memory_percent"`
	RegisteredAt     time.Time  `json:"registered_at"`
}

// NodeStatus represents node liveness
type NodeStatus string

const (
	NodeOnline  NodeStatus = "online"
	NodeOffline NodeStatus = "offline"
	NodeLost    NodeStatus = "lost"
)

// NUMANode is one NUMA domain of a node: a set of cores with locally
// attached memory.
type NUMANode struct {
	ID          int    `json:"id"`
	Cores       []int  `json:"cores"`
	MemoryBytes int64  `json:"memory_bytes"`
}

// GPU describes one enumerated GPU with its last reported telemetry.
type GPU struct {
	ID               int     `json:"id"`
	Model            string  `json:"model"`
	DriverVersion    string  `json:"driver_version"`
	MemoryTotalBytes int64   `json:"memory_total_bytes"`
	UtilizationPct   float64 `json:"utilization_pct"`
	MemoryUsedBytes  int64   `json:"memory_used_bytes"`
	TemperatureC     float64 `json:"temperature_c"`
	PowerWatts       float64 `json:"power_watts"`
}

// TaskType distinguishes batch commands from interactive VPS sessions.
type TaskType string

const (
	TaskCommand TaskType = "command"
	TaskVPS     TaskType = "vps"
)

// TaskStatus is the lifecycle state of a task instance.
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusAssigning TaskStatus = "assigning"
	StatusRunning   TaskStatus = "running"
	StatusPaused    TaskStatus = "paused"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusKilled    TaskStatus = "killed"
	StatusKilledOOM TaskStatus = "killed_oom"
	StatusLost      TaskStatus = "lost"
)

// Terminal reports whether the status is a terminal state. At most one
// terminal transition succeeds per task.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusKilled, StatusKilledOOM, StatusLost:
		return true
	}
	return false
}

// ActiveStatuses are the non-terminal states that count against a node's
// core and memory budget at admission time.
var ActiveStatuses = []TaskStatus{StatusPending, StatusAssigning, StatusRunning, StatusPaused}

// HoldingStatuses are the states in which a task holds its GPU reservation.
var HoldingStatuses = []TaskStatus{StatusAssigning, StatusRunning, StatusPaused}

// ContainerEnvKind tags the execution environment variant of a task.
type ContainerEnvKind int

const (
	// EnvDefault runs in the runner's default container image.
	EnvDefault ContainerEnvKind = iota
	// EnvNamed runs in a named environment archive synced from shared storage.
	EnvNamed
	// EnvSystemFallback runs as a transient OS service unit instead of a
	// container. Forbidden for VPS and GPU tasks.
	EnvSystemFallback
)

// envFallbackSentinel is the wire representation of the service-unit path,
// kept for compatibility with existing clients.
const envFallbackSentinel = "NONE"

// ContainerEnv is a tagged variant selecting the execution environment.
// On the wire and in the store it serializes as "" (default), the
// environment name, or the sentinel "NONE" (system fallback).
type ContainerEnv struct {
	Kind ContainerEnvKind
	Name string
}

// ParseContainerEnv maps the wire string to the internal variant.
func ParseContainerEnv(s string) ContainerEnv {
	switch s {
	case "":
		return ContainerEnv{Kind: EnvDefault}
	case envFallbackSentinel:
		return ContainerEnv{Kind: EnvSystemFallback}
	default:
		return ContainerEnv{Kind: EnvNamed, Name: s}
	}
}

// Wire returns the external string form.
func (e ContainerEnv) Wire() string {
	switch e.Kind {
	case EnvSystemFallback:
		return envFallbackSentinel
	case EnvNamed:
		return e.Name
	default:
		return ""
	}
}

func (e ContainerEnv) String() string {
	switch e.Kind {
	case EnvSystemFallback:
		return "system-fallback"
	case EnvNamed:
		return e.Name
	default:
		return "default"
	}
}

func (e ContainerEnv) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.Wire())
}

func (e *ContainerEnv) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("container env must be a string: %w", err)
	}
	*e = ParseContainerEnv(s)
	return nil
}

// Task is one dispatchable instance produced from a submission. The host
// owns the authoritative record; task records are created once and never
// deleted.
type Task struct {
	ID             int64             `json:"id"`
	BatchID        string            `json:"batch_id,omitempty"`
	Type           TaskType          `json:"type"`
	Command        string            `json:"command"` // vps: the submitted public key
	Args           []string          `json:"args,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	RequiredCores  int               `json:"required_cores"`
	RequiredMemory int64             `json:"required_memory_bytes,omitempty"`
	RequiredGPUs   []int             `json:"required_gpus,omitempty"`
	ContainerEnv   ContainerEnv      `json:"container_env"`
	Privileged     *bool             `json:"privileged,omitempty"` // nil = inherit runner default
	Mounts         []string          `json:"mounts,omitempty"`     // "host:container[:mode]"
	TargetHostname string            `json:"target_hostname"`
	TargetNUMA     *int              `json:"target_numa,omitempty"`

	Status      TaskStatus `json:"status"`
	SubmittedAt time.Time  `json:"submitted_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	PausedAt    *time.Time `json:"paused_at,omitempty"`

	ExitCode     *int   `json:"exit_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	StdoutPath   string `json:"stdout_path,omitempty"`
	StderrPath   string `json:"stderr_path,omitempty"`

	AssignedUnitName string `json:"assigned_unit_name,omitempty"`
	SSHPort          int    `json:"ssh_port,omitempty"`
	SuspicionCount   int    `json:"assignment_suspicion_count"`

	// EnvTimestamp is the canonical archive timestamp resolved at dispatch
	// time so every instance of a batch loads the same snapshot.
	EnvTimestamp int64 `json:"env_timestamp,omitempty"`
}

// UnitName is the engine unit/container name for this task. Task ids are
// embedded so names cannot collide across tasks.
func (t *Task) UnitName() string {
	return fmt.Sprintf("haku-task-%d", t.ID)
}
