// Package supervisor tracks named, stoppable services for the boot
// migrator: runtime dependencies and the short-lived connection pools it
// opens around a migration run.
//
// Start is idempotent per name — a second Start of the same name reports
// the service as already running instead of starting it twice, and the
// caller learns it does not own that service's lifetime. Stop is
// synchronous: it waits for the service's own Stop to acknowledge, under
// a bounded timeout, so callers never need a sleep to let teardown
// finish.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// DefaultStopTimeout bounds how long Stop waits for a service to
// acknowledge shutdown before giving up.
const DefaultStopTimeout = 5 * time.Second

// ErrStopTimeout is returned by Stop when a service does not acknowledge
// shutdown within the timeout. The service is removed from the registry
// regardless.
var ErrStopTimeout = errors.New("supervisor: stop timed out")

// Service is anything the supervisor can run. Start must return only once
// the service is usable; Stop must return only once shutdown is complete.
type Service interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Func adapts a pair of functions to a Service. Either may be nil.
func Func(start, stop func(ctx context.Context) error) Service {
	return funcService{start: start, stop: stop}
}

type funcService struct {
	start func(ctx context.Context) error
	stop  func(ctx context.Context) error
}

func (f funcService) Start(ctx context.Context) error {
	if f.start == nil {
		return nil
	}
	return f.start(ctx)
}

func (f funcService) Stop(ctx context.Context) error {
	if f.stop == nil {
		return nil
	}
	return f.stop(ctx)
}

// Handle refers to a running service. Holders that received started=true
// from Start own the service's lifetime and should pass the handle back
// to Stop; holders that received started=false must not.
type Handle struct {
	name string
	svc  Service
}

// Name returns the name the service was started under.
func (h *Handle) Name() string { return h.name }

// Service returns the underlying service instance.
func (h *Handle) Service() Service { return h.svc }

// Supervisor is a registry of running services. The zero value is not
// usable; construct with New.
type Supervisor struct {
	mu          sync.Mutex
	procs       map[string]*Handle
	stopTimeout time.Duration
}

// New creates an empty Supervisor with DefaultStopTimeout.
func New() *Supervisor {
	return &Supervisor{
		procs:       map[string]*Handle{},
		stopTimeout: DefaultStopTimeout,
	}
}

// SetStopTimeout overrides the Stop acknowledgment timeout.
func (s *Supervisor) SetStopTimeout(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d > 0 {
		s.stopTimeout = d
	}
}

// Start runs svc under name. When name is already running, the existing
// handle is returned with started=false and svc is not touched — its
// lifetime belongs to whoever started it first. When svc.Start fails,
// nothing is recorded.
func (s *Supervisor) Start(ctx context.Context, name string, svc Service) (h *Handle, started bool, err error) {
	s.mu.Lock()
	if existing, ok := s.procs[name]; ok {
		s.mu.Unlock()
		return existing, false, nil
	}
	s.mu.Unlock()

	// Start outside the lock: service startup may be slow (a pool open
	// pings the database) and must not block unrelated Starts.
	if err := svc.Start(ctx); err != nil {
		return nil, false, fmt.Errorf("supervisor: start %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.procs[name]; ok {
		// Lost the race to another starter. Undo our start and report
		// theirs as the running one.
		stopCtx, cancel := context.WithTimeout(context.Background(), s.stopTimeout)
		defer cancel()
		_ = svc.Stop(stopCtx)
		return existing, false, nil
	}

	h = &Handle{name: name, svc: svc}
	s.procs[name] = h
	return h, true, nil
}

// Lookup returns the handle registered under name, if any.
func (s *Supervisor) Lookup(name string) (*Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.procs[name]
	return h, ok
}

// Running reports whether a service is registered under name.
func (s *Supervisor) Running(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.procs[name]
	return ok
}

// Stop shuts down the service behind h and waits for acknowledgment up to
// the stop timeout (or ctx's deadline, whichever is sooner). The handle
// is deregistered even when Stop errors or times out.
func (s *Supervisor) Stop(ctx context.Context, h *Handle) error {
	if h == nil {
		return nil
	}

	s.mu.Lock()
	timeout := s.stopTimeout
	if current, ok := s.procs[h.name]; !ok || current != h {
		// Not ours anymore (already stopped, or replaced); nothing to do.
		s.mu.Unlock()
		return nil
	}
	delete(s.procs, h.name)
	s.mu.Unlock()

	stopCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- h.svc.Stop(stopCtx) }()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("supervisor: stop %s: %w", h.name, err)
		}
		return nil
	case <-stopCtx.Done():
		return fmt.Errorf("%w: %s", ErrStopTimeout, h.name)
	}
}
