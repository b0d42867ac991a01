package scheduler

import "fmt"

// Priority is the caller-stated importance of a request.
type Priority int

const (
	PriorityThrottled Priority = iota
	PriorityIdle
	PriorityLowest
	PriorityLow
	PriorityMedium
	PriorityHighest
)

var priorityNames = [...]string{"throttled", "idle", "lowest", "low", "medium", "highest"}

func (p Priority) String() string {
	if p < 0 || int(p) >= len(priorityNames) {
		return fmt.Sprintf("priority(%d)", int(p))
	}
	return priorityNames[p]
}

// ParsePriority accepts the lower-case names returned by String.
func ParsePriority(s string) (Priority, error) {
	for i, name := range priorityNames {
		if name == s {
			return Priority(i), nil
		}
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

// PriorityKey orders pending requests. Intra breaks ties within a level.
type PriorityKey struct {
	Priority Priority
	Intra    int
}

// GreaterThan reports whether k should be served before other.
func (k PriorityKey) GreaterThan(other PriorityKey) bool {
	if k.Priority != other.Priority {
		return k.Priority > other.Priority
	}
	return k.Intra > other.Intra
}

// Classification is the per-request tag that feeds the client counters.
type Classification int

const (
	ClassNormal Classification = iota
	ClassLayoutBlocking
	ClassInFlightDelayable
)

func (c Classification) String() string {
	switch c {
	case ClassNormal:
		return "Normal"
	case ClassLayoutBlocking:
		return "LayoutBlocking"
	case ClassInFlightDelayable:
		return "InFlightDelayable"
	}
	return fmt.Sprintf("Classification(%d)", int(c))
}

// ThrottleState is the admission regime a client is currently under.
type ThrottleState int

const (
	// Unthrottled clients follow the regular admission rules.
	Unthrottled ThrottleState = iota
	// ActiveAndLoading marks a visible or audible client that is still loading.
	// While any such client exists, background clients are Throttled.
	ActiveAndLoading
	// Throttled clients may keep at most one request in flight.
	Throttled
	// Coalesced clients only start delayable work when the coalescing timer fires.
	Coalesced
	// Paused clients are being torn down or suspended.
	Paused
)

func (s ThrottleState) String() string {
	switch s {
	case Unthrottled:
		return "Unthrottled"
	case ActiveAndLoading:
		return "ActiveAndLoading"
	case Throttled:
		return "Throttled"
	case Coalesced:
		return "Coalesced"
	case Paused:
		return "Paused"
	}
	return fmt.Sprintf("ThrottleState(%d)", int(s))
}

// ClientState is the coarse activity category used for request timing metrics.
type ClientState int

const (
	ClientStateUnknown ClientState = iota
	ClientStateBackground
	ClientStateActive
)

func (s ClientState) String() string {
	switch s {
	case ClientStateBackground:
		return "Background"
	case ClientStateActive:
		return "Active"
	}
	return "Unknown"
}

// ClientID addresses one tab or frame host view.
type ClientID struct {
	ProcessID int `json:"process_id"`
	RouteID   int `json:"route_id"`
}

func (id ClientID) String() string {
	return fmt.Sprintf("%d:%d", id.ProcessID, id.RouteID)
}

func (id ClientID) less(other ClientID) bool {
	if id.ProcessID != other.ProcessID {
		return id.ProcessID < other.ProcessID
	}
	return id.RouteID < other.RouteID
}
