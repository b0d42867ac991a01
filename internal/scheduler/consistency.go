package scheduler

import (
	"errors"
	"fmt"
)

// Verify recounts every counter from the containers and checks that each
// live request is held by exactly one container. It returns nil when the
// scheduler is consistent.
func (s *Scheduler) Verify() error {
	var errs []error
	seen := make(map[*ScheduledRequest]string)

	claim := func(r *ScheduledRequest, owner string) {
		if prev, dup := seen[r]; dup {
			errs = append(errs, fmt.Errorf("request held by both %s and %s", prev, owner))
			return
		}
		seen[r] = owner
	}

	for r := range s.unowned {
		claim(r, "unowned")
		if r.loc != locUnowned || r.client != nil {
			errs = append(errs, fmt.Errorf("unowned request has location %d", r.loc))
		}
	}

	s.forEachClient(func(c *Client) {
		c.pending.Ascend(func(r *ScheduledRequest) bool {
			claim(r, "pending of "+c.id.String())
			if r.loc != locPending || r.client != c {
				errs = append(errs, fmt.Errorf("client %s: pending request has wrong location", c.id))
			}
			return true
		})
		for r := range c.inFlight {
			claim(r, "in-flight of "+c.id.String())
			if r.loc != locInFlight || r.client != c {
				errs = append(errs, fmt.Errorf("client %s: in-flight request has wrong location", c.id))
			}
		}
		if err := c.verify(); err != nil {
			errs = append(errs, fmt.Errorf("client %s: %w", c.id, err))
		}
	})

	if err := s.verifyAggregates(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// recountClients counts clients by throttle state. A client in the middle of
// a coalescing burst still counts as Coalesced.
func (s *Scheduler) recountClients() (loading, coalesced int) {
	for _, c := range s.clients {
		switch {
		case c.inBurst || c.state == Coalesced:
			coalesced++
		case c.state == ActiveAndLoading:
			loading++
		}
	}
	return loading, coalesced
}

func (s *Scheduler) verifyAggregates() error {
	loading, coalesced := s.recountClients()
	var errs []error
	if loading != s.activeClientsLoading {
		errs = append(errs, fmt.Errorf("active clients loading is %d, recount %d", s.activeClientsLoading, loading))
	}
	if coalesced != s.coalescedClients {
		errs = append(errs, fmt.Errorf("coalesced clients is %d, recount %d", s.coalescedClients, coalesced))
	}
	return errors.Join(errs...)
}

func (c *Client) verify() error {
	var delayable, blocking int
	for r := range c.inFlight {
		switch r.class {
		case ClassInFlightDelayable:
			delayable++
		case ClassLayoutBlocking:
			blocking++
		}
	}
	var errs []error
	c.pending.Ascend(func(r *ScheduledRequest) bool {
		switch r.class {
		case ClassLayoutBlocking:
			blocking++
		case ClassInFlightDelayable:
			errs = append(errs, errors.New("pending request classified in-flight delayable"))
		}
		return true
	})

	if delayable != c.inFlightDelayable {
		errs = append(errs, fmt.Errorf("in-flight delayable is %d, recount %d", c.inFlightDelayable, delayable))
	}
	if blocking != c.layoutBlocking {
		errs = append(errs, fmt.Errorf("layout blocking is %d, recount %d", c.layoutBlocking, blocking))
	}
	return errors.Join(errs...)
}
