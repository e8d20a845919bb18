// Package monitor watches runner liveness. Nodes missing heartbeats
// beyond the timeout go offline and their non-terminal tasks become lost;
// heartbeat ingest elsewhere brings returning nodes back online without
// resurrecting lost tasks.
package monitor
