/*
Package storage persists the cluster state (nodes and task instances) in a
single embedded BoltDB file on the host.

Tasks are keyed by their big-endian 64-bit id, so bucket iteration returns
records in admission order. Node records are keyed by hostname and upserted
on re-registration.

The TransitionTask primitive performs a compare-and-set on a task's status
inside one write transaction; every lifecycle command (kill, pause, resume,
status ingest, liveness sweep) is built on it, which is what makes those
commands idempotent and gives each task at most one terminal transition.
*/
package storage
