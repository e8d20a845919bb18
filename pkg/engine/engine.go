package engine

import (
	"context"
	"fmt"
	"io"
)

// ErrorKind classifies engine failures for callers that branch on them.
type ErrorKind string

const (
	ErrImageMissing      ErrorKind = "image_missing"
	ErrDaemonUnreachable ErrorKind = "daemon_unreachable"
	ErrInvalidResource   ErrorKind = "invalid_resource"
	ErrNameConflict      ErrorKind = "name_conflict"
	ErrUnitNotFound      ErrorKind = "unit_not_found"
	ErrUnknown           ErrorKind = "unknown"
)

// Error wraps a container engine failure with its classification.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("engine %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err is an engine Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var ee *Error
	for err != nil {
		if e, ok := err.(*Error); ok {
			ee = e
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return ee != nil && ee.Kind == kind
}

// RunSpec describes one unit to launch.
type RunSpec struct {
	Image       string
	Name        string
	Cores       int
	MemoryBytes int64
	GPUs        []int
	Mounts      []string // "host:container[:mode]", applied verbatim
	Env         map[string]string
	Privileged  bool
	Cmd         string
	Args        []string
	Workdir     string
	PublicKey   string // vps only: installed into authorized_keys
}

// UnitState is the inspected state of a unit.
type UnitState struct {
	Running   bool
	Paused    bool
	ExitCode  int
	OOMKilled bool
}

// UnitExit is the result of waiting for a unit to stop.
type UnitExit struct {
	ExitCode  int
	OOMKilled bool
}

// Engine abstracts the local container runtime. The runner holds exactly one
// Engine; tests substitute fakes.
type Engine interface {
	// RunEphemeral starts a container for a command task. The container is
	// removed by the adapter once its exit status has been collected.
	RunEphemeral(ctx context.Context, spec *RunSpec) (unitID string, err error)

	// RunPersistentSSH starts a detached container running an SSH daemon with
	// the spec's public key installed, publishing container port 22 on an
	// ephemeral host port.
	RunPersistentSSH(ctx context.Context, spec *RunSpec) (unitID string, hostSSHPort int, err error)

	Stop(ctx context.Context, unitID string) error
	Pause(ctx context.Context, unitID string) error
	Unpause(ctx context.Context, unitID string) error
	Remove(ctx context.Context, unitID string) error

	// Wait blocks until the unit stops and returns its exit result.
	Wait(ctx context.Context, unitID string) (UnitExit, error)

	// CopyOutput follows the unit's stdout/stderr streams into the given
	// writers until the unit stops. Blocking; run it off the I/O path.
	CopyOutput(ctx context.Context, unitID string, stdout, stderr io.Writer) error

	// Exec starts a command inside a running unit and returns a raw
	// bidirectional stream for terminal relay.
	Exec(ctx context.Context, unitID string, cmd []string) (io.ReadWriteCloser, error)

	LoadImage(ctx context.Context, archivePath string) error
	HasImage(ctx context.Context, ref string) (bool, error)
	CommitAndSave(ctx context.Context, unitID, ref, archivePath string) error

	Inspect(ctx context.Context, unitID string) (*UnitState, error)

	Close() error
}
