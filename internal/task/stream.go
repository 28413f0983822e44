package task

import (
	"sync"
	"sync/atomic"
	"time"
)

// Stream is the ordered, time-bounded channel a subscriber reads task events
// from. Sends never block: when the buffer is full the event is dropped and
// counted. After the lifetime elapses the stream closes itself and later sends
// are silently discarded.
type Stream struct {
	events chan Event
	done   chan struct{}

	mu       sync.RWMutex
	closed   bool
	watchdog *time.Timer // guarded by mu
	once     sync.Once

	timedOut atomic.Bool
	dropped  atomic.Int64
}

func newStream(buffer int, lifetime time.Duration) *Stream {
	if buffer < 1 {
		buffer = 1
	}
	s := &Stream{
		events: make(chan Event, buffer),
		done:   make(chan struct{}),
	}
	if lifetime > 0 {
		// the callback's Close blocks on mu until the timer is stored
		s.mu.Lock()
		s.watchdog = time.AfterFunc(lifetime, func() {
			s.timedOut.Store(true)
			s.Close()
		})
		s.mu.Unlock()
	}
	return s
}

// Events is closed after the terminal event, or on timeout.
func (s *Stream) Events() <-chan Event { return s.events }

// Done is closed together with Events.
func (s *Stream) Done() <-chan struct{} { return s.done }

func (s *Stream) TimedOut() bool { return s.timedOut.Load() }

func (s *Stream) Dropped() int64 { return s.dropped.Load() }

// Err returns ErrStreamTimeout when the watchdog closed the stream.
func (s *Stream) Err() error {
	if s.TimedOut() {
		return ErrStreamTimeout
	}
	return nil
}

func (s *Stream) send(ev Event) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	select {
	case s.events <- ev:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

// Close is safe to call any number of times from any goroutine.
func (s *Stream) Close() {
	s.once.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.watchdog != nil {
			s.watchdog.Stop()
		}
		s.closed = true
		close(s.events)
		close(s.done)
	})
}
