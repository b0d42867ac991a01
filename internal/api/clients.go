package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"project-governor/internal/scheduler"
)

type createClientRequest struct {
	ProcessID int  `json:"process_id"`
	RouteID   int  `json:"route_id"`
	Visible   bool `json:"visible"`
	Audible   bool `json:"audible"`
}

type statusResponse struct {
	Clients             int    `json:"clients"`
	HasLoadingClients   bool   `json:"has_loading_clients"`
	ActiveClientsLoaded bool   `json:"active_clients_loaded"`
	CoalescingTimer     bool   `json:"coalescing_timer_running"`
	Unowned             int    `json:"unowned_requests"`
	Tracked             int    `json:"tracked_requests"`
	Consistent          bool   `json:"consistent"`
	VerifyError         string `json:"verify_error,omitempty"`
}

// clientEvents maps the lifecycle notifications the tab layer sends.
var clientEvents = map[string]func(*scheduler.Scheduler, scheduler.ClientID){
	"visible":  func(s *scheduler.Scheduler, id scheduler.ClientID) { s.SetVisible(id, true) },
	"hidden":   func(s *scheduler.Scheduler, id scheduler.ClientID) { s.SetVisible(id, false) },
	"audible":  func(s *scheduler.Scheduler, id scheduler.ClientID) { s.SetAudible(id, true) },
	"silent":   func(s *scheduler.Scheduler, id scheduler.ClientID) { s.SetAudible(id, false) },
	"loaded":   func(s *scheduler.Scheduler, id scheduler.ClientID) { s.SetLoaded(id, true) },
	"loading":  func(s *scheduler.Scheduler, id scheduler.ClientID) { s.SetLoaded(id, false) },
	"paused":   (*scheduler.Scheduler).SetPaused,
	"navigate": (*scheduler.Scheduler).Navigate,
	"body":     (*scheduler.Scheduler).BodyInserted,
	"proxy":    (*scheduler.Scheduler).PrioritizedProxyResponse,
}

func parseClientID(r *http.Request) (scheduler.ClientID, error) {
	pid, err := strconv.Atoi(chi.URLParam(r, "pid"))
	if err != nil {
		return scheduler.ClientID{}, fmt.Errorf("invalid process id: %w", err)
	}
	rid, err := strconv.Atoi(chi.URLParam(r, "rid"))
	if err != nil {
		return scheduler.ClientID{}, fmt.Errorf("invalid route id: %w", err)
	}
	return scheduler.ClientID{ProcessID: pid, RouteID: rid}, nil
}

// findClient must run on the loop.
func (s *ControlServer) findClient(id scheduler.ClientID) (scheduler.ClientSnapshot, bool) {
	for _, c := range s.sched.Snapshot() {
		if c.ID == id {
			return c, true
		}
	}
	return scheduler.ClientSnapshot{}, false
}

func (s *ControlServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	var resp statusResponse
	ok := s.onLoop(w, r, func() {
		resp = statusResponse{
			Clients:             len(s.sched.Snapshot()),
			HasLoadingClients:   s.sched.HasLoadingClients(),
			ActiveClientsLoaded: s.sched.ActiveClientsLoaded(),
			CoalescingTimer:     s.sched.IsCoalescingTimerRunning(),
			Unowned:             s.sched.UnownedCount(),
			Tracked:             len(s.requests),
			Consistent:          true,
		}
		if err := s.sched.Verify(); err != nil {
			resp.Consistent = false
			resp.VerifyError = err.Error()
		}
	})
	if ok {
		writeJSON(w, http.StatusOK, resp)
	}
}

func (s *ControlServer) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, s.audit.RecentLogs(limit))
}

func (s *ControlServer) handleListClients(w http.ResponseWriter, r *http.Request) {
	var clients []scheduler.ClientSnapshot
	if s.onLoop(w, r, func() { clients = s.sched.Snapshot() }) {
		writeJSON(w, http.StatusOK, clients)
	}
}

func (s *ControlServer) handleCreateClient(w http.ResponseWriter, r *http.Request) {
	var req createClientRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	id := scheduler.ClientID{ProcessID: req.ProcessID, RouteID: req.RouteID}

	var (
		snap    scheduler.ClientSnapshot
		existed bool
	)
	ok := s.onLoop(w, r, func() {
		if _, existed = s.sched.ClientThrottleState(id); existed {
			return
		}
		s.sched.CreateClient(id, req.Visible, req.Audible)
		snap, _ = s.findClient(id)
	})
	if !ok {
		return
	}
	if existed {
		writeError(w, http.StatusConflict, fmt.Sprintf("client %s already exists", id))
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

func (s *ControlServer) handleGetClient(w http.ResponseWriter, r *http.Request) {
	id, err := parseClientID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var (
		snap  scheduler.ClientSnapshot
		found bool
	)
	if !s.onLoop(w, r, func() { snap, found = s.findClient(id) }) {
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "client not found")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *ControlServer) handleDeleteClient(w http.ResponseWriter, r *http.Request) {
	id, err := parseClientID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var found bool
	ok := s.onLoop(w, r, func() {
		if _, found = s.sched.ClientThrottleState(id); found {
			s.sched.DeleteClient(id)
		}
	})
	if !ok {
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "client not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *ControlServer) handleClientEvent(w http.ResponseWriter, r *http.Request) {
	id, err := parseClientID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	event := chi.URLParam(r, "event")
	apply, known := clientEvents[event]
	if !known {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown client event %q", event))
		return
	}

	var (
		snap  scheduler.ClientSnapshot
		found bool
	)
	ok := s.onLoop(w, r, func() {
		if _, found = s.sched.ClientThrottleState(id); !found {
			return
		}
		apply(s.sched, id)
		snap, _ = s.findClient(id)
	})
	if !ok {
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "client not found")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}
