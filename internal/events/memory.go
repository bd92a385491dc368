package events

import (
	"context"
	"log/slog"
	"sync"
)

// MemoryBus is an in-process Bus for a single server.
type MemoryBus struct {
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[string]map[*subscriber]struct{}
	closed bool
	done   chan struct{}
}

type subscriber struct {
	ch   chan Event
	once sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.ch) })
}

var _ Bus = (*MemoryBus)(nil)

func NewMemoryBus(logger *slog.Logger) *MemoryBus {
	return &MemoryBus{
		logger: logger,
		subs:   make(map[string]map[*subscriber]struct{}),
		done:   make(chan struct{}),
	}
}

func (b *MemoryBus) Publish(_ context.Context, ev Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}

	for sub := range b.subs[ev.SessionID] {
		select {
		case sub.ch <- ev:
		default:
			b.logger.Warn("dropping event for slow subscriber",
				slog.String("sessionID", ev.SessionID),
				slog.String("type", string(ev.Type)),
			)
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, sessionID string) (<-chan Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	sub := &subscriber{ch: make(chan Event, subscriberBuffer)}
	if b.subs[sessionID] == nil {
		b.subs[sessionID] = make(map[*subscriber]struct{})
	}
	b.subs[sessionID][sub] = struct{}{}

	go func() {
		select {
		case <-ctx.Done():
		case <-b.done:
		}
		b.mu.Lock()
		delete(b.subs[sessionID], sub)
		if len(b.subs[sessionID]) == 0 {
			delete(b.subs, sessionID)
		}
		b.mu.Unlock()
		sub.close()
	}()

	return sub.ch, nil
}

// Close ends every subscription.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.done)
	for _, subs := range b.subs {
		for sub := range subs {
			sub.close()
		}
	}
	b.subs = nil
	return nil
}
