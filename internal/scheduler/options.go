package scheduler

import (
	"log/slog"
	"time"

	"project-governor/internal/network"
)

// DefaultCoalescePeriod is how often coalesced clients get to issue work.
const DefaultCoalescePeriod = 5 * time.Second

// ServerProperties answers whether a destination multiplexes with
// per-request priorities. The answer may change over a request's lifetime.
type ServerProperties interface {
	SupportsRequestPriority(hp network.HostPort) bool
}

// Timer is the periodic wake shared by all coalesced clients. fire is
// expected to run on the scheduler's control goroutine.
type Timer interface {
	Start(period time.Duration, fire func())
	Stop()
	IsRunning() bool
}

// Observer receives scheduling events for metrics.
type Observer interface {
	ThrottleStateChanged(id ClientID, from, to ThrottleState)
	AggregatesChanged(clients, activeClientsLoading, coalescedClients int)
	RequestStarted(state ClientState, deferredFor, sinceCreation time.Duration)
	// ClientLoaded reports the load time of a client. category is Active,
	// Background, Other or Other.SwitchedToActive.
	ClientLoaded(category string, numClients int, elapsed time.Duration)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

func WithServerProperties(props ServerProperties) Option {
	return func(s *Scheduler) { s.props = props }
}

func WithTimer(t Timer) Option {
	return func(s *Scheduler) { s.timer = t }
}

func WithObserver(o Observer) Option {
	return func(s *Scheduler) { s.observer = o }
}

// WithThrottling enables throttling of background clients and, if coalesce
// is also set, coalescing of loaded background clients.
func WithThrottling(throttle, coalesce bool) Option {
	return func(s *Scheduler) {
		s.shouldThrottle = throttle
		s.shouldCoalesce = coalesce
	}
}

// WithOutstandingLimit caps in-flight requests per client. n <= 0 disables it.
func WithOutstandingLimit(n int) Option {
	return func(s *Scheduler) {
		s.limitOutstanding = n > 0
		s.outstandingLimit = n
	}
}

func WithCoalescePeriod(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.coalescePeriod = d
		}
	}
}

// WithDebugChecks makes contract violations and counter drift panic.
func WithDebugChecks(enabled bool) Option {
	return func(s *Scheduler) { s.debugChecks = enabled }
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

type noServerProperties struct{}

func (noServerProperties) SupportsRequestPriority(network.HostPort) bool { return false }

// idleTimer tracks whether it was started but never fires.
type idleTimer struct{ running bool }

func (t *idleTimer) Start(time.Duration, func()) { t.running = true }
func (t *idleTimer) Stop()                       { t.running = false }
func (t *idleTimer) IsRunning() bool             { return t.running }

type nopObserver struct{}

func (nopObserver) ThrottleStateChanged(ClientID, ThrottleState, ThrottleState) {}
func (nopObserver) AggregatesChanged(int, int, int)                             {}
func (nopObserver) RequestStarted(ClientState, time.Duration, time.Duration)    {}
func (nopObserver) ClientLoaded(string, int, time.Duration)                     {}
