package network

import (
	"context"
	"sync"
	"sync/atomic"
)

// State is the process-wide connectivity flag. Online is a single atomic load;
// the mutex only guards the wake-up channel and listener list and is never
// held while calling out.
type State struct {
	online atomic.Bool

	mu        sync.Mutex
	restored  chan struct{}
	listeners map[int]func(online bool)
	nextID    int
	closed    bool
}

func NewState(online bool) *State {
	s := &State{
		restored:  make(chan struct{}),
		listeners: make(map[int]func(bool)),
	}
	s.online.Store(online)
	return s
}

func (s *State) Online() bool {
	return s.online.Load()
}

// SetOnline records the current connectivity. Listeners run on the caller's
// goroutine, only when the value changes.
func (s *State) SetOnline(online bool) {
	if s.online.Swap(online) == online {
		return
	}

	s.mu.Lock()
	if online && !s.closed {
		close(s.restored)
		s.restored = make(chan struct{})
	}
	listeners := make([]func(bool), 0, len(s.listeners))
	for _, fn := range s.listeners {
		listeners = append(listeners, fn)
	}
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(online)
	}
}

// WaitOnline blocks until the state is online or ctx is done.
func (s *State) WaitOnline(ctx context.Context) error {
	for {
		if s.Online() {
			return nil
		}

		s.mu.Lock()
		restored, closed := s.restored, s.closed
		s.mu.Unlock()
		if closed {
			return nil
		}

		// SetOnline may have run between the load and fetching the channel.
		if s.Online() {
			return nil
		}

		select {
		case <-restored:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Subscribe registers fn for connectivity changes and returns a function
// removing it.
func (s *State) Subscribe(fn func(online bool)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	s.listeners[id] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

// Close drops all listeners and wakes every waiter as if connectivity had
// been restored, so sends resolve during shutdown.
func (s *State) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.listeners = make(map[int]func(bool))
	s.online.Store(true)
	close(s.restored)
}
