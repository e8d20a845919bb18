/*
Package dispatch delivers run orders to target runners after admission.

Submission returns before dispatch begins. Each task moves pending ->
assigning atomically, then the run order is sent with a per-attempt
timeout. A runner rejection fails the task with the runner's reason; a
transport error bumps the task's suspicion count and retries with
exponential backoff up to the configured attempt bound, after which the
task fails with "dispatch unreachable". Named environments are pinned to
the newest archive timestamp at dispatch time so every instance of a
batch loads the same snapshot.
*/
package dispatch
