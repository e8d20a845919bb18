// Package client provides the HTTP clients for both control surfaces:
// HostClient for the CLI and the runner agent talking to the host, and
// RunnerClient for the host dispatching run orders and lifecycle commands
// to a runner.
package client
