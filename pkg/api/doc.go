/*
Package api serves the host's JSON control surface: runner registration,
heartbeats and status reports, client submission and lifecycle commands,
log streaming from shared storage, node listing and the aggregate health
snapshot, plus /metrics, /events (server-sent events) and the
readiness/liveness probes.

Error kinds map onto status codes: validation 400, unknown task or node
404, illegal lifecycle transition 409, store failures 500.
*/
package api
