package scheduler

import (
	"net/url"
	"strings"
	"time"

	"project-governor/internal/network"
)

// LoadFlags carries per-request behaviour bits set by the caller.
type LoadFlags uint32

const (
	// LoadIgnoreLimits exempts a request from every admission limit.
	LoadIgnoreLimits LoadFlags = 1 << iota
)

// Request is the transport-side object being scheduled.
type Request interface {
	Priority() Priority
	SetPriority(p Priority)
	LoadFlags() LoadFlags
	IsAsync() bool
	URL() *url.URL
	// Resume continues a request that WillStartRequest deferred.
	Resume()
	CreatedAt() time.Time
}

type location int

const (
	locDetached location = iota
	locPending
	locInFlight
	locUnowned
)

// ScheduledRequest is the handle returned by Schedule. The transport calls
// WillStartRequest before issuing I/O and Close once the request completes
// or is cancelled.
type ScheduledRequest struct {
	sched *Scheduler
	req   Request

	clientID ClientID
	client   *Client
	loc      location

	key   PriorityKey
	fifo  uint64
	class Classification

	hostPort network.HostPort
	scheme   string

	ready      bool
	deferred   bool
	deferredAt time.Time
	closed     bool

	stateOnCreation ClientState
}

func newScheduledRequest(s *Scheduler, id ClientID, req Request) *ScheduledRequest {
	r := &ScheduledRequest{
		sched:    s,
		req:      req,
		clientID: id,
		key:      PriorityKey{Priority: req.Priority()},
	}
	if u := req.URL(); u != nil {
		r.scheme = strings.ToLower(u.Scheme)
		r.hostPort = network.HostPortFromURL(u)
	}
	r.stateOnCreation = s.clientState(id)
	return r
}

// WillStartRequest reports whether the transport must hold the request
// until the scheduler resumes it.
func (r *ScheduledRequest) WillStartRequest() (deferred bool) {
	r.deferred = !r.ready
	if r.deferred {
		r.deferredAt = r.sched.now()
	}
	return r.deferred
}

// Close detaches the request from the scheduler. Safe to call more than once.
func (r *ScheduledRequest) Close() {
	if r.closed {
		return
	}
	r.closed = true
	r.sched.removeRequest(r)
}

// Started reports whether the scheduler has let the request proceed.
func (r *ScheduledRequest) Started() bool { return r.ready }

func (r *ScheduledRequest) Key() PriorityKey { return r.key }

func (r *ScheduledRequest) ClientID() ClientID { return r.clientID }

func (r *ScheduledRequest) Request() Request { return r.req }

func (r *ScheduledRequest) Classification() Classification { return r.class }

func (r *ScheduledRequest) ignoresLimits() bool {
	return r.req.LoadFlags()&LoadIgnoreLimits != 0
}

func (r *ScheduledRequest) isHTTP() bool {
	return r.scheme == "http" || r.scheme == "https"
}

func (r *ScheduledRequest) start() {
	if r.ready {
		return
	}
	r.ready = true

	now := r.sched.now()
	state := r.sched.clientState(r.clientID)
	if state != r.stateOnCreation {
		state = ClientStateUnknown
	}

	var deferredFor time.Duration
	if r.deferred {
		r.deferred = false
		r.req.Resume()
		deferredFor = now.Sub(r.deferredAt)
	}
	r.sched.observer.RequestStarted(state, deferredFor, now.Sub(r.req.CreatedAt()))
}
