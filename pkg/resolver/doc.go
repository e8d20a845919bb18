/*
Package resolver parses submission targets and performs admission control.

The target grammar is "host", "host:numa" or "host::gpu,gpu". Each target
is checked against one snapshot of node state taken under the admission
mutex: node online, numa domain exists, GPUs exist and are unreserved,
free cores and memory cover the request. Accepted targets become pending
task records with ids strictly increasing in input order; rejected targets
are collected into the partial-success response.
*/
package resolver
