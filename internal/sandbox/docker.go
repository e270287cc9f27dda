package sandbox

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// DockerProvider spawns the agent inside a throwaway Docker container per
// turn, chosen when config.Sandbox.Provider == "docker" for hosts that
// need hard memory/CPU limits and filesystem isolation the plain
// subprocess provider cannot offer. Client construction uses
// client.NewClientWithOpts(WithAPIVersionNegotiation); lifecycle is
// container create+start, stdcopy demux, removal on completion.
type DockerProvider struct {
	cli   *client.Client
	image string
}

// NewDockerProvider connects to the local Docker daemon (honouring
// DOCKER_HOST) and binds every spawned container to image.
func NewDockerProvider(image string) (*DockerProvider, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("sandbox: docker client: %w", err)
	}
	if _, err := cli.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("sandbox: docker daemon unreachable: %w", err)
	}
	return &DockerProvider{cli: cli, image: image}, nil
}

func (p *DockerProvider) Close() error { return p.cli.Close() }

type dockerHandle struct {
	cli         *client.Client
	containerID string

	stdinW  io.WriteCloser
	stdoutR io.Reader
	stderrR io.Reader

	exitCh chan int
	errCh  chan error
}

func (p *DockerProvider) Spawn(ctx context.Context, spec SpawnSpec) (Handle, error) {
	timeout := time.Duration(spec.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	hostCfg := &container.HostConfig{
		Binds: []string{
			spec.Workspace + ":/workspace",
			spec.SkillsDir + ":/workspace/skills",
		},
		Resources: container.Resources{
			Memory: int64(spec.MemoryMB) * 1024 * 1024,
		},
		AutoRemove: false, // removed explicitly after log/exit-code retrieval
	}

	args := append([]string{}, spec.Command[1:]...)
	args = append(args, spec.IPCSocket, "/workspace")
	created, err := p.cli.ContainerCreate(ctx, &container.Config{
		Image:        p.image,
		Entrypoint:   []string{spec.Command[0]},
		Cmd:          args,
		WorkingDir:   "/workspace",
		OpenStdin:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          false,
	}, hostCfg, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("sandbox: container create: %w", err)
	}

	if err := p.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("sandbox: container start: %w", err)
	}

	attach, err := p.cli.ContainerAttach(ctx, created.ID, container.AttachOptions{
		Stream: true, Stdin: true, Stdout: true, Stderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("sandbox: container attach: %w", err)
	}

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	go func() {
		_, copyErr := stdcopy.StdCopy(stdoutW, stderrW, attach.Reader)
		stdoutW.CloseWithError(copyErr)
		stderrW.CloseWithError(copyErr)
	}()

	h := &dockerHandle{
		cli:         p.cli,
		containerID: created.ID,
		stdinW:      attach.Conn,
		stdoutR:     stdoutR,
		stderrR:     stderrR,
		exitCh:      make(chan int, 1),
		errCh:       make(chan error, 1),
	}

	go h.awaitExit(ctx, timeout)
	return h, nil
}

func (h *dockerHandle) awaitExit(ctx context.Context, timeout time.Duration) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	statusCh, errCh := h.cli.ContainerWait(waitCtx, h.containerID, container.WaitConditionNotRunning)
	select {
	case st := <-statusCh:
		h.exitCh <- int(st.StatusCode)
	case err := <-errCh:
		h.errCh <- err
	case <-waitCtx.Done():
		_ = h.cli.ContainerKill(context.Background(), h.containerID, "KILL")
		h.errCh <- waitCtx.Err()
	}
}

func (h *dockerHandle) Stdin() io.WriteCloser { return h.stdinW }
func (h *dockerHandle) Stdout() io.Reader     { return h.stdoutR }
func (h *dockerHandle) Stderr() io.Reader     { return h.stderrR }

func (h *dockerHandle) Wait() (int, error) {
	defer func() {
		_ = h.cli.ContainerRemove(context.Background(), h.containerID, container.RemoveOptions{Force: true})
	}()
	select {
	case code := <-h.exitCh:
		return code, nil
	case err := <-h.errCh:
		return -1, err
	}
}

func (h *dockerHandle) Kill() error {
	return h.cli.ContainerKill(context.Background(), h.containerID, "KILL")
}
