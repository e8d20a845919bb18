/*
Package types defines the shared Haku data model: nodes with their NUMA
topology and GPU inventory, task instances with their lifecycle states, and
the JSON wire payloads exchanged between clients, the host and runners.

# Task lifecycle

	pending -> assigning -> running -> completed   (exit 0)
	                         |  |
	                         |  +--> failed        (non-zero exit, OOM -> killed_oom)
	                         +--> paused -> running
	                         +--> killed
	pending/assigning -> killed|failed|lost
	running/assigning/paused -> lost               (heartbeat timeout)

Terminal states are completed, failed, killed, killed_oom and lost. The
state machine is enforced by the store's atomic transition primitive; this
package only declares the vocabulary.

# Container environments

A task's execution environment is a tagged variant (default image, named
archive, or OS service-unit fallback). The wire protocol keeps the legacy
sentinel string "NONE" for the fallback; internal code always works with the
ContainerEnv variant.
*/
package types
