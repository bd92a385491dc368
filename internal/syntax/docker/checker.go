// Package docker checks syntax inside pre-warmed containers, for servers that
// do not have an interpreter installed or do not want to run one on the host.
package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/Almenon/AREPL-backend/internal/syntax"
)

// Checker implements syntax.Checker with docker exec.
type Checker struct {
	cli    *client.Client
	config Config
	logger *slog.Logger
	pool   *Pool
}

var _ syntax.Checker = (*Checker)(nil)

// New connects to the docker daemon from the environment, pulls the image and
// starts warming containers.
func New(cfg Config, logger *slog.Logger) (*Checker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker: creating client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	logger.Info("ensuring docker image is available", slog.String("image", cfg.Image))
	reader, err := cli.ImagePull(ctx, cfg.Image, image.PullOptions{})
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("docker: pulling image: %w", err)
	}
	// the pull only completes once the progress stream is consumed
	_, _ = io.Copy(io.Discard, reader)
	reader.Close()

	c := &Checker{
		cli:    cli,
		config: cfg,
		logger: logger,
		pool:   NewPool(cli, cfg, logger),
	}
	c.pool.Start()

	return c, nil
}

// Close stops the pool and the client.
func (c *Checker) Close() error {
	c.pool.Stop()
	return c.cli.Close()
}

func (c *Checker) Check(ctx context.Context, code string) error {
	return c.check(ctx, code, "<string>")
}

// CheckFile reads path on the host and checks it in a container.
func (c *Checker) CheckFile(ctx context.Context, path string) error {
	src, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("docker: reading %s: %w", path, err)
	}
	return c.check(ctx, string(src), path)
}

func (c *Checker) check(ctx context.Context, code, name string) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	containerID, err := c.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("docker: acquiring container: %w", err)
	}

	stderr, exitCode, err := c.exec(ctx, containerID, code, name)
	if err != nil {
		c.pool.Discard(containerID)
		return err
	}
	c.pool.Release(containerID)

	if exitCode != 0 {
		return &syntax.Error{Diagnostic: stderr}
	}
	return nil
}

func (c *Checker) exec(ctx context.Context, containerID, code, name string) (string, int, error) {
	execResp, err := c.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Cmd:          []string{"python", "-c", syntax.CompileScript, name},
	})
	if err != nil {
		return "", 0, fmt.Errorf("docker: creating exec: %w", err)
	}

	attachResp, err := c.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecStartOptions{})
	if err != nil {
		return "", 0, fmt.Errorf("docker: attaching to exec: %w", err)
	}
	defer attachResp.Close()

	if _, err := io.WriteString(attachResp.Conn, code); err != nil {
		return "", 0, fmt.Errorf("docker: sending source: %w", err)
	}
	if err := attachResp.CloseWrite(); err != nil {
		return "", 0, fmt.Errorf("docker: closing stdin: %w", err)
	}

	var stdout, stderr bytes.Buffer
	done := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&stdout, &stderr, attachResp.Reader)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return "", 0, fmt.Errorf("docker: reading exec output: %w", err)
		}
	case <-ctx.Done():
		return "", 0, fmt.Errorf("docker: syntax check: %w", ctx.Err())
	}

	inspect, err := c.cli.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return "", 0, fmt.Errorf("docker: inspecting exec: %w", err)
	}
	return stderr.String(), inspect.ExitCode, nil
}
