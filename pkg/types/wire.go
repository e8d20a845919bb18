package types

// Wire payloads for the host and runner HTTP control surfaces. All bodies
// are JSON; field names follow the external protocol and stay stable.

// RegisterRequest is posted by a runner on startup (and re-registration).
type RegisterRequest struct {
	Hostname         string     `json:"hostname"`
	Endpoint         string     `json:"endpoint"`
	TotalCores       int        `json:"total_cores"`
	TotalMemoryBytes int64      `json:"total_memory_bytes"`
	NUMA             []NUMANode `json:"numa,omitempty"`
	GPUs             []GPU      `json:"gpus,omitempty"`
}

// HeartbeatRequest carries liveness plus telemetry every H seconds.
type HeartbeatRequest struct {
	Hostname      string     `json:"hostname"`
	CPUPercent    float64    `json:"cpu_percent"`
	MemoryPercent float64    `json:"memory_percent"`
	NUMA          []NUMANode `json:"numa,omitempty"`
	GPUs          []GPU      `json:"gpus,omitempty"`
}

// StatusUpdate is pushed by a runner when a task changes state. Replays of
// terminal updates are no-ops on the host.
type StatusUpdate struct {
	TaskID   int64      `json:"task_id"`
	Status   TaskStatus `json:"status"`
	ExitCode *int       `json:"exit_code,omitempty"`
	Error    string     `json:"error,omitempty"`
	SSHPort  int        `json:"ssh_port,omitempty"`
	UnitName string     `json:"unit_name,omitempty"`
	OOM      bool       `json:"oom,omitempty"`
}

// SubmitRequest is a client task submission. Targets use the grammar
// "host", "host:numa" or "host::gpu,gpu". An empty target list selects a
// node automatically.
type SubmitRequest struct {
	Type         TaskType          `json:"type"`
	Command      string            `json:"command"`
	Args         []string          `json:"args,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
	Cores        int               `json:"cores"`
	MemoryBytes  int64             `json:"memory_bytes,omitempty"`
	ContainerEnv string            `json:"container_env,omitempty"`
	Privileged   *bool             `json:"privileged,omitempty"`
	Mounts       []string          `json:"mounts,omitempty"`
	Targets      []string          `json:"targets,omitempty"`
}

// FailedTarget reports one target that was rejected at admission.
type FailedTarget struct {
	Target string `json:"target"`
	Reason string `json:"reason"`
}

// SubmitResponse is the partial-success result of a submission.
type SubmitResponse struct {
	TaskIDs       []int64        `json:"task_ids"`
	FailedTargets []FailedTarget `json:"failed_targets,omitempty"`
}

// RunOrder is transmitted host -> runner to start one task instance.
type RunOrder struct {
	TaskID         int64             `json:"task_id"`
	Type           TaskType          `json:"type"`
	Command        string            `json:"command"`
	Args           []string          `json:"args,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	Cores          int               `json:"cores"`
	MemoryBytes    int64             `json:"memory_bytes,omitempty"`
	GPUs           []int             `json:"gpus,omitempty"`
	ContainerEnv   string            `json:"container_env,omitempty"`
	EnvTimestamp   int64             `json:"env_timestamp,omitempty"`
	Privileged     *bool             `json:"privileged,omitempty"`
	Mounts         []string          `json:"mounts,omitempty"`
	NUMA           *int              `json:"numa,omitempty"`
	StdoutPath     string            `json:"stdout_path,omitempty"`
	StderrPath     string            `json:"stderr_path,omitempty"`
}

// RunAck is the runner's synchronous answer to a run order. A rejection
// fails the task with Reason; only transport errors are retried.
type RunAck struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// ExecRequest runs a command inside a task's unit for terminal relay.
type ExecRequest struct {
	Cmd []string `json:"cmd"`
}

// SaveEnvRequest snapshots a running VPS task into a new environment
// archive on shared storage.
type SaveEnvRequest struct {
	Name string `json:"name"`
}

// NodeSummary is the /nodes listing entry.
type NodeSummary struct {
	Hostname      string     `json:"hostname"`
	Status        NodeStatus `json:"status"`
	TotalCores    int        `json:"total_cores"`
	CPUPercent    float64    `json:"cpu_percent"`
	MemoryPercent float64    `json:"memory_percent"`
	GPUCount      int        `json:"gpu_count"`
}

// HealthSnapshot is the aggregate /health monitoring view.
type HealthSnapshot struct {
	NodesOnline  int   `json:"nodes_online"`
	NodesOffline int   `json:"nodes_offline"`
	TasksActive  int   `json:"tasks_active"`
	TasksRunning int   `json:"tasks_running"`
	VPSActive    int   `json:"vps_active"`
}

// ErrorResponse is the uniform JSON error body.
type ErrorResponse struct {
	Error string `json:"error"`
}
