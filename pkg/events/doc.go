// Package events provides a non-blocking broadcast broker for task and
// node lifecycle events. Slow subscribers drop events rather than stalling
// the publisher; the API layer streams them to clients over SSE.
package events
