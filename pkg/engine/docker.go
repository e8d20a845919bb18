package engine

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
)

const sshPort = "22/tcp"

// DockerEngine implements Engine against a local Docker daemon.
type DockerEngine struct {
	cli *client.Client
}

// NewDockerEngine connects to the Docker daemon. An empty host uses the
// environment (DOCKER_HOST or the default socket).
func NewDockerEngine(dockerHost string) (*DockerEngine, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if dockerHost != "" {
		opts = append(opts, client.WithHost(dockerHost))
	} else {
		opts = append(opts, client.FromEnv)
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, &Error{Kind: ErrDaemonUnreachable, Err: err}
	}
	return &DockerEngine{cli: cli}, nil
}

// Close closes the daemon connection.
func (e *DockerEngine) Close() error {
	return e.cli.Close()
}

// Ping verifies the daemon is reachable.
func (e *DockerEngine) Ping(ctx context.Context) error {
	if _, err := e.cli.Ping(ctx); err != nil {
		return &Error{Kind: ErrDaemonUnreachable, Err: err}
	}
	return nil
}

// classify maps Docker client errors onto engine error kinds.
func classify(err error) *Error {
	switch {
	case client.IsErrConnectionFailed(err):
		return &Error{Kind: ErrDaemonUnreachable, Err: err}
	case client.IsErrNotFound(err):
		return &Error{Kind: ErrUnitNotFound, Err: err}
	case strings.Contains(err.Error(), "No such image"):
		return &Error{Kind: ErrImageMissing, Err: err}
	case strings.Contains(err.Error(), "is already in use"),
		strings.Contains(err.Error(), "Conflict"):
		return &Error{Kind: ErrNameConflict, Err: err}
	case strings.Contains(err.Error(), "invalid"):
		return &Error{Kind: ErrInvalidResource, Err: err}
	default:
		return &Error{Kind: ErrUnknown, Err: err}
	}
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

func deviceRequests(gpus []int) []container.DeviceRequest {
	if len(gpus) == 0 {
		return nil
	}
	ids := make([]string, len(gpus))
	for i, g := range gpus {
		ids[i] = strconv.Itoa(g)
	}
	return []container.DeviceRequest{{
		Driver:       "nvidia",
		DeviceIDs:    ids,
		Capabilities: [][]string{{"gpu"}},
	}}
}

func (e *DockerEngine) hostConfig(spec *RunSpec) *container.HostConfig {
	return &container.HostConfig{
		Binds:      spec.Mounts,
		Privileged: spec.Privileged,
		Resources: container.Resources{
			NanoCPUs:       int64(spec.Cores) * 1e9,
			Memory:         spec.MemoryBytes,
			DeviceRequests: deviceRequests(spec.GPUs),
		},
	}
}

func (e *DockerEngine) RunEphemeral(ctx context.Context, spec *RunSpec) (string, error) {
	if spec.Cores < 0 || spec.MemoryBytes < 0 {
		return "", &Error{Kind: ErrInvalidResource, Err: fmt.Errorf("negative resource request")}
	}

	cfg := &container.Config{
		Image:      spec.Image,
		Cmd:        append([]string{spec.Cmd}, spec.Args...),
		Env:        envSlice(spec.Env),
		WorkingDir: spec.Workdir,
	}

	resp, err := e.cli.ContainerCreate(ctx, cfg, e.hostConfig(spec), nil, nil, spec.Name)
	if err != nil {
		return "", classify(err)
	}
	if err := e.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = e.Remove(ctx, resp.ID)
		return "", classify(err)
	}
	return resp.ID, nil
}

// sshBootstrap installs the submitted key and runs sshd in the foreground.
// The image is expected to carry an OpenSSH server (environment archives for
// VPS use are built that way).
const sshBootstrap = `mkdir -p /root/.ssh /run/sshd &&
printf '%s\n' "$HAKU_SSH_PUBKEY" > /root/.ssh/authorized_keys &&
chmod 700 /root/.ssh && chmod 600 /root/.ssh/authorized_keys &&
ssh-keygen -A >/dev/null 2>&1;
exec /usr/sbin/sshd -D -e`

func (e *DockerEngine) RunPersistentSSH(ctx context.Context, spec *RunSpec) (string, int, error) {
	env := envSlice(spec.Env)
	env = append(env, "HAKU_SSH_PUBKEY="+spec.PublicKey)

	cfg := &container.Config{
		Image:        spec.Image,
		Cmd:          []string{"/bin/sh", "-c", sshBootstrap},
		Env:          env,
		ExposedPorts: nat.PortSet{sshPort: struct{}{}},
	}
	hostCfg := e.hostConfig(spec)
	// Empty HostPort asks the daemon for an ephemeral port.
	hostCfg.PortBindings = nat.PortMap{
		sshPort: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: ""}},
	}

	resp, err := e.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", 0, classify(err)
	}
	if err := e.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = e.Remove(ctx, resp.ID)
		return "", 0, classify(err)
	}

	port, err := e.mappedSSHPort(ctx, resp.ID)
	if err != nil {
		_ = e.Stop(ctx, resp.ID)
		_ = e.Remove(ctx, resp.ID)
		return "", 0, err
	}
	return resp.ID, port, nil
}

func (e *DockerEngine) mappedSSHPort(ctx context.Context, unitID string) (int, error) {
	info, err := e.cli.ContainerInspect(ctx, unitID)
	if err != nil {
		return 0, classify(err)
	}
	bindings := info.NetworkSettings.Ports[nat.Port(sshPort)]
	if len(bindings) == 0 {
		return 0, &Error{Kind: ErrUnknown, Err: fmt.Errorf("no host port mapped for %s", sshPort)}
	}
	port, err := strconv.Atoi(bindings[0].HostPort)
	if err != nil {
		return 0, &Error{Kind: ErrUnknown, Err: fmt.Errorf("bad host port %q", bindings[0].HostPort)}
	}
	return port, nil
}

func (e *DockerEngine) Stop(ctx context.Context, unitID string) error {
	if err := e.cli.ContainerStop(ctx, unitID, container.StopOptions{}); err != nil {
		return classify(err)
	}
	return nil
}

func (e *DockerEngine) Pause(ctx context.Context, unitID string) error {
	if err := e.cli.ContainerPause(ctx, unitID); err != nil {
		return classify(err)
	}
	return nil
}

func (e *DockerEngine) Unpause(ctx context.Context, unitID string) error {
	if err := e.cli.ContainerUnpause(ctx, unitID); err != nil {
		return classify(err)
	}
	return nil
}

func (e *DockerEngine) Remove(ctx context.Context, unitID string) error {
	err := e.cli.ContainerRemove(ctx, unitID, container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return classify(err)
	}
	return nil
}

func (e *DockerEngine) Wait(ctx context.Context, unitID string) (UnitExit, error) {
	waitCh, errCh := e.cli.ContainerWait(ctx, unitID, container.WaitConditionNotRunning)
	select {
	case resp := <-waitCh:
		exit := UnitExit{ExitCode: int(resp.StatusCode)}
		// The wait response has no OOM flag; inspect before removal.
		if state, err := e.Inspect(ctx, unitID); err == nil {
			exit.OOMKilled = state.OOMKilled
		}
		return exit, nil
	case err := <-errCh:
		return UnitExit{}, classify(err)
	case <-ctx.Done():
		return UnitExit{}, ctx.Err()
	}
}

func (e *DockerEngine) CopyOutput(ctx context.Context, unitID string, stdout, stderr io.Writer) error {
	rc, err := e.cli.ContainerLogs(ctx, unitID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return classify(err)
	}
	defer rc.Close()

	if _, err := stdcopy.StdCopy(stdout, stderr, rc); err != nil && err != io.EOF {
		return fmt.Errorf("failed to demux unit output: %w", err)
	}
	return nil
}

// execStream adapts a hijacked exec connection to io.ReadWriteCloser.
type execStream struct {
	reader *bufio.Reader
	conn   net.Conn
}

func (s *execStream) Read(p []byte) (int, error)  { return s.reader.Read(p) }
func (s *execStream) Write(p []byte) (int, error) { return s.conn.Write(p) }
func (s *execStream) Close() error                { return s.conn.Close() }

func (e *DockerEngine) Exec(ctx context.Context, unitID string, cmd []string) (io.ReadWriteCloser, error) {
	created, err := e.cli.ContainerExecCreate(ctx, unitID, container.ExecOptions{
		Cmd:          cmd,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          true,
	})
	if err != nil {
		return nil, classify(err)
	}

	attached, err := e.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{Tty: true})
	if err != nil {
		return nil, classify(err)
	}
	return &execStream{reader: attached.Reader, conn: attached.Conn}, nil
}

func (e *DockerEngine) LoadImage(ctx context.Context, archivePath string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive %s: %w", archivePath, err)
	}
	defer f.Close()

	resp, err := e.cli.ImageLoad(ctx, f)
	if err != nil {
		return classify(err)
	}
	defer resp.Body.Close()
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return fmt.Errorf("failed to drain load response: %w", err)
	}
	return nil
}

func (e *DockerEngine) HasImage(ctx context.Context, ref string) (bool, error) {
	images, err := e.cli.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", ref)),
	})
	if err != nil {
		return false, classify(err)
	}
	return len(images) > 0, nil
}

func (e *DockerEngine) CommitAndSave(ctx context.Context, unitID, ref, archivePath string) error {
	if _, err := e.cli.ContainerCommit(ctx, unitID, container.CommitOptions{Reference: ref}); err != nil {
		return classify(err)
	}

	rc, err := e.cli.ImageSave(ctx, []string{ref})
	if err != nil {
		return classify(err)
	}
	defer rc.Close()

	f, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("failed to create archive %s: %w", archivePath, err)
	}
	defer f.Close()

	if _, err := io.Copy(f, rc); err != nil {
		return fmt.Errorf("failed to write archive %s: %w", archivePath, err)
	}
	return nil
}

func (e *DockerEngine) Inspect(ctx context.Context, unitID string) (*UnitState, error) {
	info, err := e.cli.ContainerInspect(ctx, unitID)
	if err != nil {
		return nil, classify(err)
	}
	return &UnitState{
		Running:   info.State.Running,
		Paused:    info.State.Paused,
		ExitCode:  info.State.ExitCode,
		OOMKilled: info.State.OOMKilled,
	}, nil
}
