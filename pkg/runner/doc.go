/*
Package runner is the per-node agent. On startup it probes local inventory
(cores, memory, NUMA topology, GPUs), registers with the host and then
heartbeats utilization telemetry on a fixed interval.

Run orders arrive over HTTP and are acknowledged synchronously; the launch
itself happens in the background. A supervisor goroutine owns each unit
from launch to exit and pushes status updates to the host, which ingests
them idempotently. Command tasks run as ephemeral containers with their
output copied onto shared storage; VPS tasks run a detached SSH container
on an ephemeral published port; tasks that opt out of containers run as
transient systemd units.

The mapping from task id to engine unit lives only here. The host learns
unit names through status reports but never addresses units directly.
*/
package runner
