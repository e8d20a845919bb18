/*
Package host implements the task coordinator, the single writer of cluster
state. It admits submissions through the resolver, hands accepted tasks to
the dispatcher, ingests runner registrations, heartbeats and status
reports, and serves lifecycle commands.

Every state change goes through the store's atomic transition primitive
with a whitelist of legal predecessors: at most one terminal transition
succeeds per task, replayed runner reports are no-ops, and races between a
client kill and a runner's terminal report are settled by whichever lands
first. Kill is best-effort toward the runner: success means the store
recorded the kill.

ArchiveGC is the companion sweeper that deletes superseded environment
archives from shared storage.
*/
package host
