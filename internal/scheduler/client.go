package scheduler

import (
	"fmt"
	"time"
)

const (
	maxDelayableRequestsPerClient = 10
	maxDelayableRequestsPerHost   = 6
	maxThrottledRequestsPerClient = 1
)

type startDecision int

const (
	stopSearching startDecision = iota
	keepSearching
	startRequest
)

// Client is the scheduling context of one tab. It owns its pending queue and
// in-flight set; nothing else mutates them.
type Client struct {
	id    ClientID
	sched *Scheduler

	visible    bool
	audible    bool
	loaded     bool
	paused     bool
	hasBody    bool
	usingProxy bool

	state ThrottleState

	pending  *RequestQueue
	inFlight map[*ScheduledRequest]struct{}

	inFlightDelayable int
	layoutBlocking    int

	loadStartedAt    time.Time
	lastActiveSwitch time.Time

	// inBurst is set while a coalescing timer fire has the client
	// transiently unthrottled. Throttle re-evaluation is deferred until the
	// burst ends.
	inBurst    bool
	reevaluate bool
	deleted    bool
}

func newClient(s *Scheduler, id ClientID, visible, audible bool) *Client {
	return &Client{
		id:            id,
		sched:         s,
		visible:       visible,
		audible:       audible,
		state:         Throttled,
		pending:       NewRequestQueue(),
		inFlight:      make(map[*ScheduledRequest]struct{}),
		loadStartedAt: s.now(),
	}
}

func (c *Client) active() bool { return c.visible || c.audible }

func (c *Client) scheduleRequest(r *ScheduledRequest) {
	r.client = c
	if c.shouldStart(r) == startRequest {
		c.startRequest(r)
	} else {
		c.pending.Insert(r)
		r.loc = locPending
	}
	// Starting may resume the request, and the transport may close it
	// before we get here.
	if r.client == c {
		c.setClassification(r, c.classify(r))
	}
}

func (c *Client) removeRequest(r *ScheduledRequest) {
	switch r.loc {
	case locPending:
		c.pending.Erase(r)
		c.setClassification(r, ClassNormal)
		c.detach(r)
	case locInFlight:
		c.eraseInFlight(r)
		c.detach(r)
		c.loadAnyStartablePending()
	}
}

func (c *Client) detach(r *ScheduledRequest) {
	r.client = nil
	r.loc = locDetached
}

// drainAll starts every pending request regardless of limits and hands the
// whole in-flight set back to the caller. Only valid at teardown.
func (c *Client) drainAll() []*ScheduledRequest {
	for {
		r, ok := c.pending.Highest()
		if !ok {
			break
		}
		c.pending.Erase(r)
		c.startRequest(r)
	}

	drained := make([]*ScheduledRequest, 0, len(c.inFlight))
	for r := range c.inFlight {
		r.class = ClassNormal
		drained = append(drained, r)
	}
	c.inFlight = make(map[*ScheduledRequest]struct{})
	c.inFlightDelayable = 0
	c.layoutBlocking = 0
	return drained
}

func (c *Client) startRequest(r *ScheduledRequest) {
	c.inFlight[r] = struct{}{}
	r.loc = locInFlight
	c.setClassification(r, c.classify(r))
	r.start()
}

func (c *Client) eraseInFlight(r *ScheduledRequest) {
	delete(c.inFlight, r)
	c.setClassification(r, ClassNormal)
}

func (c *Client) setClassification(r *ScheduledRequest, class Classification) {
	old := r.class
	if old == class {
		return
	}
	switch old {
	case ClassInFlightDelayable:
		c.inFlightDelayable--
	case ClassLayoutBlocking:
		c.layoutBlocking--
	}
	switch class {
	case ClassInFlightDelayable:
		c.inFlightDelayable++
	case ClassLayoutBlocking:
		c.layoutBlocking++
	}
	r.class = class

	if c.sched.debugChecks {
		if err := c.verify(); err != nil {
			panic(fmt.Sprintf("scheduler: client %s: %v", c.id, err))
		}
	}
}

func (c *Client) supportsPriority(r *ScheduledRequest) bool {
	return c.sched.props.SupportsRequestPriority(r.hostPort)
}

func (c *Client) classify(r *ScheduledRequest) Classification {
	p := r.key.Priority
	// Layout-blocking survives redirects unless the priority was lowered.
	if r.class == ClassLayoutBlocking && p > PriorityLow {
		return ClassLayoutBlocking
	}
	if !c.hasBody && p > PriorityLow {
		return ClassLayoutBlocking
	}
	if p < PriorityLow && !c.supportsPriority(r) && r.loc == locInFlight {
		return ClassInFlightDelayable
	}
	return ClassNormal
}

func (c *Client) sameHostInFlightAtCap(r *ScheduledRequest) bool {
	n := 0
	for other := range c.inFlight {
		if other.hostPort == r.hostPort {
			n++
			if n >= maxDelayableRequestsPerHost {
				return true
			}
		}
	}
	return false
}

func (c *Client) shouldStart(r *ScheduledRequest) startDecision {
	if !r.req.IsAsync() || r.ignoresLimits() || !r.isHTTP() {
		return startRequest
	}

	if c.state == Coalesced {
		return stopSearching
	}

	if c.usingProxy && r.scheme == "http" {
		return startRequest
	}

	s := c.sched
	if s.limitOutstanding && len(c.inFlight) >= s.outstandingLimit {
		return stopSearching
	}

	if c.supportsPriority(r) {
		return startRequest
	}

	if c.state == Throttled && len(c.inFlight) >= maxThrottledRequestsPerClient {
		// A priority-capable request further down may still qualify.
		return keepSearching
	}

	if r.key.Priority >= PriorityLow {
		return startRequest
	}

	if c.inFlightDelayable >= maxDelayableRequestsPerClient {
		return stopSearching
	}

	if c.sameHostInFlightAtCap(r) {
		return keepSearching
	}

	haveImmediate := len(c.inFlight) > c.inFlightDelayable
	if haveImmediate &&
		(!c.hasBody || c.layoutBlocking != 0) &&
		(s.limitOutstanding || c.inFlightDelayable != 0) {
		return stopSearching
	}

	return startRequest
}

// loadAnyStartablePending walks the pending queue from the top. Starting a
// request can change the queue, so the head is re-fetched after every start.
func (c *Client) loadAnyStartablePending() {
	candidate, ok := c.pending.Highest()
	for ok {
		switch c.shouldStart(candidate) {
		case startRequest:
			c.pending.Erase(candidate)
			c.startRequest(candidate)
			candidate, ok = c.pending.Highest()
		case keepSearching:
			candidate, ok = c.pending.After(candidate)
		default:
			return
		}
	}
}

func (c *Client) computeThrottleState() ThrottleState {
	s := c.sched
	switch {
	case !s.shouldThrottle:
		return Unthrottled
	case c.active() && !c.loaded:
		return ActiveAndLoading
	case c.active():
		return Unthrottled
	case c.paused:
		return Paused
	case !s.ActiveClientsLoaded():
		return Throttled
	case c.loaded && s.shouldCoalesce:
		return Coalesced
	}
	return Unthrottled
}

func (c *Client) updateThrottleState() {
	if c.inBurst {
		c.reevaluate = true
		return
	}
	old := c.state
	next := c.computeThrottleState()
	if next == old {
		return
	}

	c.state = next
	if next != Paused {
		c.paused = false
	}
	c.sched.logger.Debug("Throttle state changed", "client", c.id, "from", old, "to", next)
	c.sched.observer.ThrottleStateChanged(c.id, old, next)

	c.sched.applyTransition(old, next)

	c.loadAnyStartablePending()
}

// loadCoalescedRequests lets a coalesced client issue what it can as if it
// were unthrottled, then returns it to Coalesced. The aggregate counters are
// left alone since the client is Coalesced again before anyone can observe.
func (c *Client) loadCoalescedRequests() {
	if c.state != Coalesced {
		return
	}
	c.inBurst = true
	if c.sched.ActiveClientsLoaded() {
		c.state = Unthrottled
	} else {
		c.state = Throttled
	}
	c.loadAnyStartablePending()
	if c.deleted {
		return
	}
	c.state = Coalesced
	c.inBurst = false

	if c.reevaluate {
		c.reevaluate = false
		c.updateThrottleState()
	}
}

// endBurst restores the Coalesced state of a client whose burst is being
// cut short by teardown.
func (c *Client) endBurst() {
	if !c.inBurst {
		return
	}
	c.state = Coalesced
	c.inBurst = false
	c.reevaluate = false
}

func (c *Client) setActiveFlag(flag *bool, v bool) {
	wasActive := c.active()
	*flag = v
	if wasActive == c.active() {
		return
	}
	c.lastActiveSwitch = c.sched.now()
	c.updateThrottleState()
}

func (c *Client) setLoaded(loaded bool) {
	if c.loaded == loaded {
		return
	}
	c.loaded = loaded
	c.updateThrottleState()
	if c.deleted {
		return
	}

	now := c.sched.now()
	if !loaded {
		c.loadStartedAt = now
		c.lastActiveSwitch = time.Time{}
		return
	}

	numClients := len(c.sched.clients)
	category := "Other"
	if c.lastActiveSwitch.IsZero() {
		category = "Background"
		if c.active() {
			category = "Active"
		}
	} else if c.active() {
		c.sched.observer.ClientLoaded("Other.SwitchedToActive", numClients, now.Sub(c.lastActiveSwitch))
	}
	c.sched.observer.ClientLoaded(category, numClients, now.Sub(c.loadStartedAt))
}

func (c *Client) setPaused() {
	c.paused = true
	c.updateThrottleState()
}

func (c *Client) navigate() {
	c.hasBody = false
	c.loaded = false
	c.loadStartedAt = c.sched.now()
	c.lastActiveSwitch = time.Time{}
	c.updateThrottleState()
}

func (c *Client) bodyInserted() {
	c.hasBody = true
	c.loadAnyStartablePending()
}

func (c *Client) prioritizedProxyResponse() {
	if c.usingProxy {
		return
	}
	c.usingProxy = true
	c.loadAnyStartablePending()
}

func (c *Client) reprioritize(r *ScheduledRequest, old, next PriorityKey) {
	if r.loc != locPending {
		r.key = next
		c.setClassification(r, c.classify(r))
		return
	}

	c.pending.Erase(r)
	r.key = next
	c.pending.Insert(r)

	if next.Priority > old.Priority {
		c.loadAnyStartablePending()
	}
}

// teardown moves the client to its final state so the aggregate counters
// stop including it.
func (c *Client) teardown() {
	c.endBurst()
	c.deleted = true
	c.visible = false
	c.audible = false
	c.paused = true
	c.updateThrottleState()
}
