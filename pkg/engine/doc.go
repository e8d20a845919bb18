/*
Package engine abstracts the execution substrate on a runner node.

The primary implementation drives a local Docker daemon: ephemeral
containers for command tasks, detached SSH containers for VPS tasks, plus
pause/unpause, exec, image load and commit-and-save for environment
snapshots. CPU limits are applied as fractional-core quotas (NanoCPUs),
memory as a hard limit, GPUs by device id injection.

SystemdRunner is the per-task fallback for tasks that opt out of containers:
the command runs as a transient service unit with CPUQuota/MemoryMax
properties, optionally prefixed by a numactl binding. Pause and resume map
to SIGSTOP/SIGCONT. The fallback cannot host VPS or GPU tasks; admission
rejects those combinations before a runner ever sees them.
*/
package engine
