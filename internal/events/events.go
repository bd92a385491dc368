// Package events fans session output out to stream subscribers.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/Almenon/AREPL-backend/internal/executor"
)

// Type identifies what an Event carries.
type Type string

const (
	TypePrint  Type = "print"
	TypeStderr Type = "stderr"
	TypeResult Type = "result"
	TypeExit   Type = "exit"
	TypeError  Type = "error"
	TypeClosed Type = "closed"
)

// Event is one piece of session output.
type Event struct {
	SessionID string           `json:"sessionId"`
	Type      Type             `json:"type"`
	Text      string           `json:"text,omitempty"`
	Result    *executor.Result `json:"result,omitempty"`
	ExitCode  int              `json:"exitCode,omitempty"`
	Time      time.Time        `json:"time"`
}

// ErrClosed is returned by a Bus after Close.
var ErrClosed = errors.New("events: bus closed")

// Bus delivers events to subscribers of a session. Delivery is best effort:
// a subscriber that falls behind loses events instead of blocking the
// publisher.
type Bus interface {
	Publish(ctx context.Context, ev Event) error
	// Subscribe returns a channel of the session's events. It is closed when
	// ctx is done or the bus is closed.
	Subscribe(ctx context.Context, sessionID string) (<-chan Event, error)
	Close() error
}

// subscriberBuffer is how many events a slow subscriber may lag behind.
const subscriberBuffer = 256
