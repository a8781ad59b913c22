package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/containerd/errdefs"
	"github.com/moby/moby/api/pkg/stdcopy"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/client"
)

// DockerRuntime implements Runtime on the Docker Engine API.
type DockerRuntime struct {
	client *client.Client
}

// NewDockerRuntime creates a Docker-backed runtime from the environment
// (DOCKER_HOST and friends).
func NewDockerRuntime() (*DockerRuntime, error) {
	cli, err := client.New(client.FromEnv)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &DockerRuntime{client: cli}, nil
}

// Close releases the client connection.
func (r *DockerRuntime) Close() error {
	return r.client.Close()
}

// Ping checks connectivity to the engine.
func (r *DockerRuntime) Ping(ctx context.Context) error {
	_, err := r.client.Ping(ctx, client.PingOptions{})
	return err
}

// EnsureContainer returns a running container with the given name, creating
// and starting one from image if needed. The container idles on sleep so
// commands can be exec'd into it for the lifetime of the run.
func (r *DockerRuntime) EnsureContainer(ctx context.Context, image, name string) (string, error) {
	result, err := r.client.ContainerInspect(ctx, name, client.ContainerInspectOptions{})
	if err == nil {
		id := result.Container.ID
		if result.Container.State != nil && result.Container.State.Running {
			return id, nil
		}
		if _, err := r.client.ContainerStart(ctx, id, client.ContainerStartOptions{}); err != nil {
			return "", fmt.Errorf("failed to start container %s: %w", name, err)
		}
		return id, nil
	}
	if !errdefs.IsNotFound(err) {
		return "", fmt.Errorf("failed to inspect container %s: %w", name, err)
	}

	created, err := r.client.ContainerCreate(ctx, client.ContainerCreateOptions{
		Name:  name,
		Image: image,
		Config: &container.Config{
			Cmd: []string{"sleep", "infinity"},
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to create container %s: %w", name, err)
	}
	if _, err := r.client.ContainerStart(ctx, created.ID, client.ContainerStartOptions{}); err != nil {
		return "", fmt.Errorf("failed to start container %s: %w", name, err)
	}
	return created.ID, nil
}

// RemoveContainer force-removes a container, tolerating absence.
func (r *DockerRuntime) RemoveContainer(ctx context.Context, id string) error {
	_, err := r.client.ContainerRemove(ctx, id, client.ContainerRemoveOptions{
		Force:         true,
		RemoveVolumes: false,
	})
	if errdefs.IsNotFound(err) {
		return nil
	}
	return err
}

// Exec runs cmd inside the container and returns its exit code and combined
// output.
func (r *DockerRuntime) Exec(ctx context.Context, containerID string, cmd []string, opts ExecOptions) (int, string, error) {
	execResult, err := r.client.ExecCreate(ctx, containerID, client.ExecCreateOptions{
		Cmd:          cmd,
		Env:          opts.Env,
		WorkingDir:   opts.WorkingDir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return 0, "", fmt.Errorf("failed to create exec: %w", err)
	}

	attachResp, err := r.client.ExecAttach(ctx, execResult.ID, client.ExecAttachOptions{})
	if err != nil {
		return 0, "", fmt.Errorf("failed to attach exec: %w", err)
	}
	defer attachResp.Close()

	// Output is capped after demultiplexing so a truncated frame never
	// corrupts the copy.
	var output bytes.Buffer
	lw := &limitedWriter{w: &output, limit: maxActionOutput}
	if err := demuxExecStream(lw, lw, attachResp.Reader); err != nil {
		return 0, "", fmt.Errorf("failed to read exec output: %w", err)
	}

	inspectResp, err := r.client.ExecInspect(ctx, execResult.ID, client.ExecInspectOptions{})
	if err != nil {
		return 0, "", fmt.Errorf("failed to inspect exec: %w", err)
	}
	return inspectResp.ExitCode, output.String(), nil
}

// ExecStreamIn runs cmd with stdin connected to the given reader and waits
// for it to finish.
func (r *DockerRuntime) ExecStreamIn(ctx context.Context, containerID string, cmd []string, stdin io.Reader) error {
	execResult, err := r.client.ExecCreate(ctx, containerID, client.ExecCreateOptions{
		Cmd:          cmd,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return fmt.Errorf("failed to create exec: %w", err)
	}

	attachResp, err := r.client.ExecAttach(ctx, execResult.ID, client.ExecAttachOptions{})
	if err != nil {
		return fmt.Errorf("failed to attach exec: %w", err)
	}
	defer attachResp.Close()

	if _, err := io.Copy(attachResp.Conn, stdin); err != nil {
		return fmt.Errorf("failed to write exec stdin: %w", err)
	}
	// Signal EOF so the command stops reading, then wait for it to exit by
	// draining the output side.
	if cw, ok := attachResp.Conn.(interface{ CloseWrite() error }); ok {
		if err := cw.CloseWrite(); err != nil {
			return fmt.Errorf("failed to close exec stdin: %w", err)
		}
	}
	if err := demuxExecStream(io.Discard, io.Discard, attachResp.Reader); err != nil {
		return fmt.Errorf("failed to drain exec output: %w", err)
	}

	return r.checkExit(ctx, execResult.ID, cmd)
}

// ExecStreamOut runs cmd with stdout connected to the given writer and waits
// for it to finish.
func (r *DockerRuntime) ExecStreamOut(ctx context.Context, containerID string, cmd []string, stdout io.Writer) error {
	execResult, err := r.client.ExecCreate(ctx, containerID, client.ExecCreateOptions{
		Cmd:          cmd,
		AttachStdout: true,
	})
	if err != nil {
		return fmt.Errorf("failed to create exec: %w", err)
	}

	attachResp, err := r.client.ExecAttach(ctx, execResult.ID, client.ExecAttachOptions{})
	if err != nil {
		return fmt.Errorf("failed to attach exec: %w", err)
	}
	defer attachResp.Close()

	if err := demuxExecStream(stdout, io.Discard, attachResp.Reader); err != nil {
		return fmt.Errorf("failed to read exec output: %w", err)
	}

	return r.checkExit(ctx, execResult.ID, cmd)
}

// demuxExecStream splits a non-TTY exec attach stream into stdout and stderr.
// The engine multiplexes both onto one connection in stdcopy frames; feeding
// the framed stream to a consumer directly would corrupt it.
func demuxExecStream(stdout, stderr io.Writer, src io.Reader) error {
	_, err := stdcopy.StdCopy(stdout, stderr, src)
	return err
}

func (r *DockerRuntime) checkExit(ctx context.Context, execID string, cmd []string) error {
	inspectResp, err := r.client.ExecInspect(ctx, execID, client.ExecInspectOptions{})
	if err != nil {
		return fmt.Errorf("failed to inspect exec: %w", err)
	}
	if inspectResp.ExitCode != 0 {
		return fmt.Errorf("%s exited with code %d", cmd[0], inspectResp.ExitCode)
	}
	return nil
}
