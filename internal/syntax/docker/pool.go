package docker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

// Pool keeps warm, idle containers for syntax checks. Compiling never runs
// user code, so a container goes back into the pool after a successful check
// and is only replaced when a check fails to complete.
type Pool struct {
	cli        *client.Client
	config     Config
	logger     *slog.Logger
	containers chan string
	live       atomic.Int32
	done       chan struct{}
	wg         sync.WaitGroup
	startOnce  sync.Once
	stopOnce   sync.Once
}

// NewPool initializes a container pool. Call Start to begin filling it.
func NewPool(cli *client.Client, cfg Config, logger *slog.Logger) *Pool {
	return &Pool{
		cli:        cli,
		config:     cfg,
		logger:     logger,
		containers: make(chan string, cfg.PoolSize),
		done:       make(chan struct{}),
	}
}

// Start begins filling the pool in the background.
func (p *Pool) Start() {
	p.startOnce.Do(func() {
		p.logger.Info("starting syntax container pool", slog.Int("poolSize", p.config.PoolSize))
		p.wg.Add(1)
		go p.manager()
	})
}

// Stop shuts down the manager and removes idle containers. Containers that
// are checked out are removed when they come back.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		p.logger.Info("shutting down syntax container pool")
		close(p.done)
		p.wg.Wait()

		for {
			select {
			case id := <-p.containers:
				p.remove(id)
			default:
				return
			}
		}
	})
}

// Acquire blocks until a container is available or ctx is done.
func (p *Pool) Acquire(ctx context.Context) (string, error) {
	select {
	case id := <-p.containers:
		return id, nil
	case <-p.done:
		return "", fmt.Errorf("docker: pool stopped")
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Release returns a healthy container to the pool.
func (p *Pool) Release(id string) {
	select {
	case <-p.done:
		p.remove(id)
		return
	default:
	}
	select {
	case p.containers <- id:
	default:
		p.remove(id)
	}
}

// Discard removes a container that may be in a bad state; the manager
// replaces it.
func (p *Pool) Discard(id string) {
	p.remove(id)
}

func (p *Pool) manager() {
	defer p.wg.Done()

	for {
		select {
		case <-p.done:
			return
		default:
		}

		if int(p.live.Load()) >= p.config.PoolSize {
			time.Sleep(100 * time.Millisecond)
			continue
		}

		id, err := p.create()
		if err != nil {
			p.logger.Error("failed to create syntax container", slog.String("error", err.Error()))
			time.Sleep(1 * time.Second)
			continue
		}

		select {
		case p.containers <- id:
		case <-p.done:
			p.remove(id)
			return
		}
	}
}

func (p *Pool) create() (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	hostConfig := &container.HostConfig{
		NetworkMode: "none",
		Resources: container.Resources{
			Memory:   p.config.MemoryLimit,
			NanoCPUs: int64(p.config.CPULimit * 1e9),
		},
		ReadonlyRootfs: true,
	}

	resp, err := p.cli.ContainerCreate(ctx, &container.Config{
		Image: p.config.Image,
		Cmd:   []string{"sleep", "infinity"},
		User:  "nobody",
	}, hostConfig, nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("docker: creating container: %w", err)
	}
	p.live.Add(1)

	if err := p.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		p.remove(resp.ID)
		return "", fmt.Errorf("docker: starting container: %w", err)
	}

	return resp.ID, nil
}

func (p *Pool) remove(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := p.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		p.logger.Warn("failed to remove syntax container", slog.String("id", id), slog.String("error", err.Error()))
	}
	p.live.Add(-1)
}
