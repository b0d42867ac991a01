package scheduler

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

var (
	// ErrIgnoreLimits is returned when a caller tries to reprioritize a
	// request that is exempt from all limits.
	ErrIgnoreLimits = errors.New("request ignores limits and cannot be reprioritized")
	// ErrUnknownRequest is returned for a request that was already closed.
	ErrUnknownRequest = errors.New("request is no longer scheduled")
)

// Scheduler decides when each request may proceed. It is not safe for
// concurrent use: every method, including the timer callback, must run on
// one control goroutine.
type Scheduler struct {
	logger   *slog.Logger
	props    ServerProperties
	timer    Timer
	observer Observer
	now      func() time.Time

	shouldThrottle   bool
	shouldCoalesce   bool
	limitOutstanding bool
	outstandingLimit int
	coalescePeriod   time.Duration
	debugChecks      bool

	clients map[ClientID]*Client
	unowned map[*ScheduledRequest]struct{}

	activeClientsLoading int
	coalescedClients     int
}

func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		logger:         slog.New(slog.DiscardHandler),
		props:          noServerProperties{},
		timer:          &idleTimer{},
		observer:       nopObserver{},
		now:            time.Now,
		coalescePeriod: DefaultCoalescePeriod,
		clients:        make(map[ClientID]*Client),
		unowned:        make(map[*ScheduledRequest]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schedule registers req with the client identified by id and returns its
// handle. Requests for unknown clients are started immediately.
func (s *Scheduler) Schedule(id ClientID, req Request) *ScheduledRequest {
	r := newScheduledRequest(s, id, req)

	c, ok := s.clients[id]
	if !ok {
		// No client: a request without a route, or the tab closed while the
		// request was in transit.
		s.unowned[r] = struct{}{}
		r.loc = locUnowned
		r.start()
		return r
	}
	c.scheduleRequest(r)
	return r
}

func (s *Scheduler) removeRequest(r *ScheduledRequest) {
	switch r.loc {
	case locUnowned:
		delete(s.unowned, r)
		r.loc = locDetached
	case locPending, locInFlight:
		r.client.removeRequest(r)
	}
}

// Reprioritize changes the priority of a scheduled request. Pending requests
// are re-queued behind any existing requests with the same key.
func (s *Scheduler) Reprioritize(r *ScheduledRequest, p Priority, intra int) error {
	if r.ignoresLimits() {
		s.logger.Error("Reprioritize called on a request that ignores limits",
			"client", r.clientID, "priority", p)
		if s.debugChecks {
			panic(ErrIgnoreLimits)
		}
		return ErrIgnoreLimits
	}
	if r.closed {
		return ErrUnknownRequest
	}

	next := PriorityKey{Priority: p, Intra: intra}
	old := r.key
	r.req.SetPriority(p)

	if r.client == nil {
		// Unowned, or the client went away.
		r.key = next
		return nil
	}
	if old == next {
		return nil
	}
	r.client.reprioritize(r, old, next)
	return nil
}

// CreateClient registers a new tab.
func (s *Scheduler) CreateClient(id ClientID, visible, audible bool) {
	if _, exists := s.clients[id]; exists {
		s.logger.Error("Client already exists", "client", id)
		if s.debugChecks {
			panic(fmt.Sprintf("scheduler: duplicate client %s", id))
		}
		return
	}
	c := newClient(s, id, visible, audible)
	s.clients[id] = c
	s.logger.Info("Client created", "client", id, "visible", visible, "audible", audible)

	c.updateThrottleState()
	s.reportAggregates()
}

// DeleteClient tears a tab down. Everything it still holds is started and
// handed to the unowned set.
func (s *Scheduler) DeleteClient(id ClientID) {
	c, ok := s.clients[id]
	if !ok {
		return
	}

	drained := c.drainAll()
	c.teardown()
	for _, r := range drained {
		if r.loc != locInFlight || r.client != c {
			continue
		}
		r.client = nil
		r.loc = locUnowned
		s.unowned[r] = struct{}{}
	}
	delete(s.clients, id)
	s.logger.Info("Client deleted", "client", id, "unowned", len(drained))
	s.reportAggregates()
}

func (s *Scheduler) SetVisible(id ClientID, visible bool) {
	if c, ok := s.clients[id]; ok {
		c.setActiveFlag(&c.visible, visible)
	}
}

func (s *Scheduler) SetAudible(id ClientID, audible bool) {
	if c, ok := s.clients[id]; ok {
		c.setActiveFlag(&c.audible, audible)
	}
}

func (s *Scheduler) SetLoaded(id ClientID, loaded bool) {
	if c, ok := s.clients[id]; ok {
		c.setLoaded(loaded)
	}
}

func (s *Scheduler) SetPaused(id ClientID) {
	if c, ok := s.clients[id]; ok {
		c.setPaused()
	}
}

func (s *Scheduler) Navigate(id ClientID) {
	if c, ok := s.clients[id]; ok {
		c.navigate()
	}
}

func (s *Scheduler) BodyInserted(id ClientID) {
	if c, ok := s.clients[id]; ok {
		c.bodyInserted()
	}
}

func (s *Scheduler) PrioritizedProxyResponse(id ClientID) {
	if c, ok := s.clients[id]; ok {
		c.prioritizedProxyResponse()
	}
}

// SetThrottleOptions switches throttling and coalescing at runtime and
// re-evaluates every client.
func (s *Scheduler) SetThrottleOptions(throttle, coalesce bool) {
	s.shouldThrottle = throttle
	s.shouldCoalesce = coalesce
	s.logger.Info("Throttle options changed", "throttle", throttle, "coalesce", coalesce)
	s.updateAllClients()
}

// LoadCoalescedRequests is the coalescing timer's fire callback.
func (s *Scheduler) LoadCoalescedRequests() {
	s.forEachClient((*Client).loadCoalescedRequests)
}

// forEachClient visits clients in id order. Clients deleted by an earlier
// visit are skipped.
func (s *Scheduler) forEachClient(fn func(*Client)) {
	ids := make([]ClientID, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].less(ids[j]) })
	for _, id := range ids {
		if c, ok := s.clients[id]; ok {
			fn(c)
		}
	}
}

func (s *Scheduler) updateAllClients() {
	s.forEachClient((*Client).updateThrottleState)
}

// applyTransition is the only writer of the aggregate counters. Both are
// adjusted before any client is re-evaluated so recounts match throughout.
func (s *Scheduler) applyTransition(old, next ThrottleState) {
	var loadingDelta, coalescedDelta int
	if next == ActiveAndLoading {
		loadingDelta = 1
	} else if old == ActiveAndLoading {
		loadingDelta = -1
	}
	if next == Coalesced {
		coalescedDelta = 1
	} else if old == Coalesced {
		coalescedDelta = -1
	}
	if loadingDelta == 0 && coalescedDelta == 0 {
		return
	}

	s.activeClientsLoading += loadingDelta
	s.coalescedClients += coalescedDelta
	s.checkAggregates()
	s.reportAggregates()

	switch {
	case coalescedDelta == 1 && s.coalescedClients == 1:
		s.timer.Start(s.coalescePeriod, s.LoadCoalescedRequests)
	case coalescedDelta == -1 && s.coalescedClients == 0:
		s.timer.Stop()
	}

	// The first active client to start loading, or the last to finish,
	// changes what every background client is allowed to do.
	if (loadingDelta == 1 && s.activeClientsLoading == 1) ||
		(loadingDelta == -1 && s.activeClientsLoading == 0) {
		s.updateAllClients()
	}
}

func (s *Scheduler) reportAggregates() {
	s.observer.AggregatesChanged(len(s.clients), s.activeClientsLoading, s.coalescedClients)
}

func (s *Scheduler) checkAggregates() {
	if !s.debugChecks {
		return
	}
	if err := s.verifyAggregates(); err != nil {
		panic(fmt.Sprintf("scheduler: %v", err))
	}
}

func (s *Scheduler) clientState(id ClientID) ClientState {
	c, ok := s.clients[id]
	if !ok {
		return ClientStateUnknown
	}
	if c.active() {
		return ClientStateActive
	}
	return ClientStateBackground
}

// ActiveClientsLoaded reports whether no visible or audible client is loading.
func (s *Scheduler) ActiveClientsLoaded() bool {
	return s.activeClientsLoading == 0
}

// HasLoadingClients reports whether any client has not finished loading.
func (s *Scheduler) HasLoadingClients() bool {
	for _, c := range s.clients {
		if !c.loaded {
			return true
		}
	}
	return false
}

func (s *Scheduler) ClientThrottleState(id ClientID) (ThrottleState, bool) {
	c, ok := s.clients[id]
	if !ok {
		return 0, false
	}
	return c.state, true
}

func (s *Scheduler) IsClientVisible(id ClientID) (visible, ok bool) {
	c, ok := s.clients[id]
	if !ok {
		return false, false
	}
	return c.visible, true
}

// IsCoalescingTimerRunning reports whether the coalescing timer is armed.
func (s *Scheduler) IsCoalescingTimerRunning() bool {
	return s.timer.IsRunning()
}

// ClientSnapshot is a point-in-time view of one client.
type ClientSnapshot struct {
	ID                ClientID      `json:"id"`
	State             ThrottleState `json:"-"`
	StateName         string        `json:"state"`
	Visible           bool          `json:"visible"`
	Audible           bool          `json:"audible"`
	Loaded            bool          `json:"loaded"`
	HasBody           bool          `json:"has_body"`
	Pending           int           `json:"pending"`
	InFlight          int           `json:"in_flight"`
	InFlightDelayable int           `json:"in_flight_delayable"`
	LayoutBlocking    int           `json:"layout_blocking"`
}

// Snapshot returns every client in id order.
func (s *Scheduler) Snapshot() []ClientSnapshot {
	out := make([]ClientSnapshot, 0, len(s.clients))
	s.forEachClient(func(c *Client) {
		out = append(out, ClientSnapshot{
			ID:                c.id,
			State:             c.state,
			StateName:         c.state.String(),
			Visible:           c.visible,
			Audible:           c.audible,
			Loaded:            c.loaded,
			HasBody:           c.hasBody,
			Pending:           c.pending.Len(),
			InFlight:          len(c.inFlight),
			InFlightDelayable: c.inFlightDelayable,
			LayoutBlocking:    c.layoutBlocking,
		})
	})
	return out
}

// UnownedCount is the number of requests running without a client.
func (s *Scheduler) UnownedCount() int {
	return len(s.unowned)
}
