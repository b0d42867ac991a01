package api

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"project-governor/internal/network"
	"project-governor/internal/scheduler"
)

// remoteRequest is a transport request announced over the control surface.
// Its fields are only touched on the loop goroutine.
type remoteRequest struct {
	id        string
	u         *url.URL
	priority  scheduler.Priority
	flags     scheduler.LoadFlags
	async     bool
	createdAt time.Time
	resumedAt time.Time
	handle    *scheduler.ScheduledRequest
}

func (r *remoteRequest) Priority() scheduler.Priority       { return r.priority }
func (r *remoteRequest) SetPriority(p scheduler.Priority)   { r.priority = p }
func (r *remoteRequest) LoadFlags() scheduler.LoadFlags     { return r.flags }
func (r *remoteRequest) IsAsync() bool                      { return r.async }
func (r *remoteRequest) URL() *url.URL                      { return r.u }
func (r *remoteRequest) CreatedAt() time.Time               { return r.createdAt }
func (r *remoteRequest) Resume()                            { r.resumedAt = time.Now() }

type scheduleRequestBody struct {
	ProcessID    int    `json:"process_id"`
	RouteID      int    `json:"route_id"`
	URL          string `json:"url"`
	Priority     string `json:"priority"`
	Sync         bool   `json:"sync"`
	IgnoreLimits bool   `json:"ignore_limits"`
}

type requestView struct {
	ID             string             `json:"id"`
	Client         scheduler.ClientID `json:"client"`
	URL            string             `json:"url"`
	Priority       string             `json:"priority"`
	IntraPriority  int                `json:"intra_priority"`
	Started        bool               `json:"started"`
	Deferred       bool               `json:"deferred,omitempty"`
	Classification string             `json:"classification"`
	ResumedAt      *time.Time         `json:"resumed_at,omitempty"`
}

type reprioritizeBody struct {
	Priority      string `json:"priority"`
	IntraPriority int    `json:"intra_priority"`
}

type serverBody struct {
	HostPort         string `json:"host_port"`
	SupportsPriority bool   `json:"supports_priority"`
}

func (r *remoteRequest) view(deferred bool) requestView {
	v := requestView{
		ID:             r.id,
		Client:         r.handle.ClientID(),
		URL:            r.u.String(),
		Priority:       r.handle.Key().Priority.String(),
		IntraPriority:  r.handle.Key().Intra,
		Started:        r.handle.Started(),
		Deferred:       deferred,
		Classification: r.handle.Classification().String(),
	}
	if !r.resumedAt.IsZero() {
		t := r.resumedAt
		v.ResumedAt = &t
	}
	return v
}

func (s *ControlServer) handleScheduleRequest(w http.ResponseWriter, r *http.Request) {
	var body scheduleRequestBody
	if !decodeJSON(w, r, &body) {
		return
	}
	u, err := url.Parse(body.URL)
	if err != nil || u.Scheme == "" {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("url %q must be absolute", body.URL))
		return
	}
	priority := scheduler.PriorityLow
	if body.Priority != "" {
		if priority, err = scheduler.ParsePriority(body.Priority); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	req := &remoteRequest{
		id:        uuid.New().String(),
		u:         u,
		priority:  priority,
		async:     !body.Sync,
		createdAt: time.Now(),
	}
	if body.IgnoreLimits {
		req.flags |= scheduler.LoadIgnoreLimits
	}
	id := scheduler.ClientID{ProcessID: body.ProcessID, RouteID: body.RouteID}

	var view requestView
	ok := s.onLoop(w, r, func() {
		req.handle = s.sched.Schedule(id, req)
		deferred := req.handle.WillStartRequest()
		s.requests[req.id] = req
		view = req.view(deferred)
	})
	if ok {
		writeJSON(w, http.StatusCreated, view)
	}
}

func (s *ControlServer) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var (
		view  requestView
		found bool
	)
	ok := s.onLoop(w, r, func() {
		var req *remoteRequest
		if req, found = s.requests[id]; found {
			view = req.view(!req.handle.Started())
		}
	})
	if !ok {
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "request not found")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *ControlServer) handleReprioritize(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body reprioritizeBody
	if !decodeJSON(w, r, &body) {
		return
	}
	priority, err := scheduler.ParsePriority(body.Priority)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var (
		view  requestView
		found bool
		opErr error
	)
	ok := s.onLoop(w, r, func() {
		req, exists := s.requests[id]
		if found = exists; !found {
			return
		}
		// Checked here so debug builds do not panic on a client mistake.
		if req.flags&scheduler.LoadIgnoreLimits != 0 {
			opErr = scheduler.ErrIgnoreLimits
			return
		}
		opErr = s.sched.Reprioritize(req.handle, priority, body.IntraPriority)
		view = req.view(!req.handle.Started())
	})
	switch {
	case !ok:
	case !found:
		writeError(w, http.StatusNotFound, "request not found")
	case errors.Is(opErr, scheduler.ErrIgnoreLimits):
		writeError(w, http.StatusConflict, opErr.Error())
	case opErr != nil:
		writeError(w, http.StatusGone, opErr.Error())
	default:
		writeJSON(w, http.StatusOK, view)
	}
}

func (s *ControlServer) handleCompleteRequest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var found bool
	ok := s.onLoop(w, r, func() {
		var req *remoteRequest
		if req, found = s.requests[id]; found {
			delete(s.requests, id)
			req.handle.Close()
		}
	})
	if !ok {
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "request not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *ControlServer) handleListServers(w http.ResponseWriter, r *http.Request) {
	hosts := s.servers.Hosts()
	out := make([]serverBody, 0, len(hosts))
	for _, hp := range hosts {
		out = append(out, serverBody{HostPort: hp.String(), SupportsPriority: true})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *ControlServer) handleSetServer(w http.ResponseWriter, r *http.Request) {
	var body serverBody
	if !decodeJSON(w, r, &body) {
		return
	}
	hp, err := network.ParseHostPort(body.HostPort)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.servers.SetSupportsRequestPriority(hp, body.SupportsPriority)
	writeJSON(w, http.StatusOK, serverBody{HostPort: hp.String(), SupportsPriority: body.SupportsPriority})
}
