package python

import (
	"errors"
	"os"
	"sync"
	"time"
)

const (
	// settleWindow is how long a pipe must stay quiet before a waiting
	// result is let through.
	settleWindow = 5 * time.Millisecond

	// drainLimit bounds how long output that keeps flowing can hold a
	// result back.
	drainLimit = 5 * time.Second
)

// outputStream forwards a process pipe chunk by chunk as it arrives.
//
// drain lets the result reader wait until everything already buffered in the
// pipe has been forwarded, so a result is never delivered ahead of output the
// process emitted before it. Only the reader goroutine arms the quiet window,
// and it does so after each emit returns: a waiter is released once a Read
// times out without returning any bytes.
type outputStream struct {
	f    *os.File
	emit func(string)

	mu sync.Mutex
	// armed is set while a quiet window is running or has been requested.
	armed bool
	// kicked means drain cut the current Read short, so its timeout proves
	// nothing about the pipe.
	kicked bool
	// covered waiters registered before the current window started; waiting
	// ones arrived later and need a window of their own.
	covered []chan struct{}
	waiting []chan struct{}
	since   time.Time
	done    chan struct{}
}

func newOutputStream(f *os.File, emit func(string)) *outputStream {
	return &outputStream{
		f:    f,
		emit: emit,
		done: make(chan struct{}),
	}
}

func (s *outputStream) run() {
	defer close(s.done)
	defer s.f.Close()

	buf := make([]byte, 32*1024)
	for {
		n, err := s.f.Read(buf)
		if n > 0 {
			s.emit(string(buf[:n]))
			s.mu.Lock()
			if s.armed {
				if time.Since(s.since) > drainLimit {
					s.releaseLocked()
				}
				s.armLocked()
			}
			s.mu.Unlock()
		}
		if errors.Is(err, os.ErrDeadlineExceeded) {
			if n == 0 {
				s.settle()
			}
			continue
		}
		if err != nil {
			return
		}
	}
}

// settle handles a Read that timed out empty.
func (s *outputStream) settle() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.armed {
		_ = s.f.SetReadDeadline(time.Time{})
		return
	}
	if !s.kicked {
		s.releaseLocked()
	}
	if len(s.covered) == 0 && len(s.waiting) == 0 {
		s.armed = false
		_ = s.f.SetReadDeadline(time.Time{})
		return
	}
	s.armLocked()
}

// armLocked starts a fresh quiet window covering every registered waiter.
func (s *outputStream) armLocked() {
	if len(s.covered) == 0 {
		s.since = time.Now()
	}
	s.covered = append(s.covered, s.waiting...)
	s.waiting = nil
	s.kicked = false
	_ = s.f.SetReadDeadline(time.Now().Add(settleWindow))
}

func (s *outputStream) releaseLocked() {
	for _, ack := range s.covered {
		close(ack)
	}
	s.covered = nil
}

func (s *outputStream) drain() {
	ack := make(chan struct{})

	s.mu.Lock()
	s.waiting = append(s.waiting, ack)
	var err error
	if !s.armed {
		// wake a reader that is blocked with no deadline
		s.armed = true
		s.kicked = true
		err = s.f.SetReadDeadline(time.Now())
	}
	if err != nil {
		// pipes without deadline support (or already closed): nothing to wait for
		s.armed = false
		s.kicked = false
		s.waiting = s.waiting[:len(s.waiting)-1]
	}
	s.mu.Unlock()

	if err != nil {
		return
	}
	select {
	case <-ack:
	case <-s.done:
	}
}
