package storage

import (
	"errors"
	"fmt"

	"github.com/hakulab/haku/pkg/types"
)

var (
	// ErrNodeNotFound is returned for lookups of unregistered hostnames.
	ErrNodeNotFound = errors.New("node not found")

	// ErrTaskNotFound is returned for lookups of unknown task ids.
	ErrTaskNotFound = errors.New("task not found")
)

// StoreError wraps underlying I/O failures. Callers treat any StoreError as
// fatal for the in-flight operation.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Store is the persistent record of nodes and task instances. All writes are
// serialized on the host process; reads may be concurrent. Task records are
// append-only: they are created once and never deleted.
type Store interface {
	// Nodes
	CreateNode(node *types.Node) error
	GetNode(hostname string) (*types.Node, error)
	ListNodes() ([]*types.Node, error)
	UpdateNode(node *types.Node) error

	// Tasks
	CreateTask(task *types.Task) error
	GetTask(id int64) (*types.Task, error)
	UpdateTask(task *types.Task) error
	ListTasks() ([]*types.Task, error)
	ListTasksByStatus(statuses ...types.TaskStatus) ([]*types.Task, error)
	ListTasksByHostname(hostname string) ([]*types.Task, error)
	ListActiveVPSTasks() ([]*types.Task, error)

	// TransitionTask atomically moves a task to status `to` iff its current
	// status is in `from`, applying `mutate` (may be nil) to the record
	// inside the same transaction. It reports whether the transition
	// happened. A non-matching current status is not an error: idempotent
	// lifecycle commands are built on this primitive.
	TransitionTask(id int64, to types.TaskStatus, from []types.TaskStatus, mutate func(*types.Task)) (bool, error)

	Close() error
}
