package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"project-governor/internal/loop"
	"project-governor/internal/metrics"
	"project-governor/internal/network"
	"project-governor/internal/scheduler"
	"project-governor/internal/security"
)

const testToken = "0123456789abcdef0123456789abcdef"

type testEnv struct {
	t       *testing.T
	server  *ControlServer
	sched   *scheduler.Scheduler
	servers *network.ServerProperties
	loop    *loop.Loop
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	lp := loop.New(logger, 0)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		lp.Run(ctx)
		close(stopped)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})

	servers := network.NewServerProperties(logger, nil)
	sched := scheduler.New(
		scheduler.WithLogger(logger),
		scheduler.WithServerProperties(servers),
		scheduler.WithThrottling(true, false),
		scheduler.WithDebugChecks(true),
	)
	audit := security.NewAuditLogger(logger, t.TempDir())
	t.Cleanup(func() { audit.Close() })

	if cfg.Token == "" {
		cfg.Token = testToken
	}
	srv := NewControlServer(Deps{
		Logger:    logger,
		Loop:      lp,
		Scheduler: sched,
		Servers:   servers,
		Metrics:   metrics.NewRecorder().Handler(),
		Audit:     audit,
	}, cfg)
	return &testEnv{t: t, server: srv, sched: sched, servers: servers, loop: lp}
}

func (e *testEnv) send(method, path string, body any, mutate func(*http.Request)) *httptest.ResponseRecorder {
	e.t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(e.t, err)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.RemoteAddr = "127.0.0.1:40000"
	req.Header.Set(TokenHeader, testToken)
	if mutate != nil {
		mutate(req)
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) do(method, path string, body any) *httptest.ResponseRecorder {
	e.t.Helper()
	return e.send(method, path, body, nil)
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (e *testEnv) createClient(pid, rid int, visible bool) scheduler.ClientSnapshot {
	e.t.Helper()
	rec := e.do(http.MethodPost, "/v1/clients", createClientRequest{ProcessID: pid, RouteID: rid, Visible: visible})
	require.Equal(e.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[scheduler.ClientSnapshot](e.t, rec)
}

func (e *testEnv) schedule(body scheduleRequestBody) requestView {
	e.t.Helper()
	rec := e.do(http.MethodPost, "/v1/requests", body)
	require.Equal(e.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[requestView](e.t, rec)
}

func TestSecurityMiddleware(t *testing.T) {
	e := newTestEnv(t, Config{})

	rec := e.send(http.MethodGet, "/v1/status", nil, func(r *http.Request) { r.Header.Del(TokenHeader) })
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = e.send(http.MethodGet, "/v1/status", nil, func(r *http.Request) { r.Header.Set(TokenHeader, "guess") })
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = e.send(http.MethodGet, "/v1/status", nil, func(r *http.Request) { r.RemoteAddr = "192.0.2.7:5000" })
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = e.send(http.MethodGet, "/metrics", nil, func(r *http.Request) { r.RemoteAddr = "192.0.2.7:5000" })
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = e.do(http.MethodGet, "/v1/status", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(http.MethodGet, "/v1/audit?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decode[[]security.AccessLogEntry](t, rec)
	require.Len(t, entries, 2)
	assert.Equal(t, "GET /v1/audit", entries[0].Action)
	assert.Equal(t, "GET /v1/status", entries[1].Action)
	assert.Equal(t, http.StatusOK, entries[1].Status)

	rec = e.do(http.MethodGet, "/v1/audit?limit=none", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRateLimit(t *testing.T) {
	e := newTestEnv(t, Config{RateLimit: 0.001, Burst: 1})

	assert.Equal(t, http.StatusOK, e.do(http.MethodGet, "/v1/status", nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, e.do(http.MethodGet, "/v1/status", nil).Code)
}

func TestClientLifecycle(t *testing.T) {
	e := newTestEnv(t, Config{})

	active := e.createClient(1, 1, true)
	assert.Equal(t, "ActiveAndLoading", active.StateName)
	background := e.createClient(2, 2, false)
	assert.Equal(t, "Throttled", background.StateName)

	rec := e.do(http.MethodPost, "/v1/clients", createClientRequest{ProcessID: 2, RouteID: 2})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = e.do(http.MethodPost, "/v1/clients/1/1/loaded", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Unthrottled", decode[scheduler.ClientSnapshot](t, rec).StateName)

	rec = e.do(http.MethodGet, "/v1/clients/2/2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Unthrottled", decode[scheduler.ClientSnapshot](t, rec).StateName)

	rec = e.do(http.MethodPost, "/v1/clients/2/2/explode", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = e.do(http.MethodPost, "/v1/clients/9/9/visible", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = e.do(http.MethodGet, "/v1/clients/x/9", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(http.MethodGet, "/v1/clients", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]scheduler.ClientSnapshot](t, rec), 2)

	assert.Equal(t, http.StatusNoContent, e.do(http.MethodDelete, "/v1/clients/2/2", nil).Code)
	assert.Equal(t, http.StatusNotFound, e.do(http.MethodDelete, "/v1/clients/2/2", nil).Code)
	assert.Equal(t, http.StatusNotFound, e.do(http.MethodGet, "/v1/clients/2/2", nil).Code)
}

func TestThrottledRequestWaitsForCompletion(t *testing.T) {
	e := newTestEnv(t, Config{})
	e.createClient(1, 1, true)
	e.createClient(2, 2, false)

	first := e.schedule(scheduleRequestBody{ProcessID: 2, RouteID: 2, URL: "http://host/a", Priority: "lowest"})
	assert.True(t, first.Started)
	assert.Equal(t, "InFlightDelayable", first.Classification)

	second := e.schedule(scheduleRequestBody{ProcessID: 2, RouteID: 2, URL: "http://host/b", Priority: "lowest"})
	assert.False(t, second.Started)
	assert.True(t, second.Deferred)

	rec := e.do(http.MethodPost, "/v1/requests/"+second.ID+"/priority", reprioritizeBody{Priority: "highest", IntraPriority: 1})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	moved := decode[requestView](t, rec)
	assert.Equal(t, "highest", moved.Priority)
	assert.Equal(t, 1, moved.IntraPriority)
	assert.False(t, moved.Started)

	status := decode[statusResponse](t, e.do(http.MethodGet, "/v1/status", nil))
	assert.Equal(t, 2, status.Clients)
	assert.Equal(t, 2, status.Tracked)
	assert.True(t, status.Consistent)
	assert.False(t, status.ActiveClientsLoaded)

	assert.Equal(t, http.StatusNoContent, e.do(http.MethodDelete, "/v1/requests/"+first.ID, nil).Code)

	rec = e.do(http.MethodGet, "/v1/requests/"+second.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	started := decode[requestView](t, rec)
	assert.True(t, started.Started)
	assert.NotNil(t, started.ResumedAt)

	assert.Equal(t, http.StatusNoContent, e.do(http.MethodDelete, "/v1/requests/"+second.ID, nil).Code)
	assert.Equal(t, http.StatusNotFound, e.do(http.MethodGet, "/v1/requests/"+second.ID, nil).Code)
	assert.Equal(t, http.StatusNotFound, e.do(http.MethodDelete, "/v1/requests/"+second.ID, nil).Code)
}

func TestScheduleAbandonedWhileLoopBusy(t *testing.T) {
	e := newTestEnv(t, Config{})
	e.createClient(2, 2, false)

	release := make(chan struct{})
	require.NoError(t, e.loop.Post(func() { <-release }))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	rec := e.send(http.MethodPost, "/v1/requests",
		scheduleRequestBody{ProcessID: 2, RouteID: 2, URL: "http://host/late", Priority: "lowest"},
		func(r *http.Request) { *r = *r.WithContext(ctx) })
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	close(release)

	status := decode[statusResponse](t, e.do(http.MethodGet, "/v1/status", nil))
	assert.Equal(t, 0, status.Tracked)
	assert.True(t, status.Consistent)

	client := decode[scheduler.ClientSnapshot](t, e.do(http.MethodGet, "/v1/clients/2/2", nil))
	assert.Equal(t, 0, client.InFlight)
	assert.Equal(t, 0, client.InFlightDelayable)
	assert.Equal(t, 0, client.Pending)

	// A retry schedules exactly once.
	retry := e.schedule(scheduleRequestBody{ProcessID: 2, RouteID: 2, URL: "http://host/late", Priority: "lowest"})
	assert.True(t, retry.Started)
	status = decode[statusResponse](t, e.do(http.MethodGet, "/v1/status", nil))
	assert.Equal(t, 1, status.Tracked)
}

func TestScheduleEdgeCases(t *testing.T) {
	e := newTestEnv(t, Config{})
	e.createClient(2, 2, false)

	orphan := e.schedule(scheduleRequestBody{ProcessID: 9, RouteID: 9, URL: "http://host/orphan"})
	assert.True(t, orphan.Started)
	assert.Equal(t, "low", orphan.Priority)

	exempt := e.schedule(scheduleRequestBody{ProcessID: 2, RouteID: 2, URL: "http://host/ignore", Priority: "idle", IgnoreLimits: true})
	assert.True(t, exempt.Started)
	rec := e.do(http.MethodPost, "/v1/requests/"+exempt.ID+"/priority", reprioritizeBody{Priority: "highest"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = e.do(http.MethodPost, "/v1/requests", scheduleRequestBody{ProcessID: 2, RouteID: 2, URL: "/relative"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = e.do(http.MethodPost, "/v1/requests", scheduleRequestBody{ProcessID: 2, RouteID: 2, URL: "http://host/x", Priority: "urgent"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = e.do(http.MethodPost, "/v1/requests/"+orphan.ID+"/priority", reprioritizeBody{Priority: "urgent"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = e.do(http.MethodPost, "/v1/requests/missing/priority", reprioritizeBody{Priority: "low"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	status := decode[statusResponse](t, e.do(http.MethodGet, "/v1/status", nil))
	assert.Equal(t, 1, status.Unowned)
	assert.True(t, status.Consistent)
}

func TestServerHintsEndpoint(t *testing.T) {
	e := newTestEnv(t, Config{})

	rec := e.do(http.MethodPost, "/v1/servers", serverBody{HostPort: "SpdyHost:443", SupportsPriority: true})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, e.servers.SupportsRequestPriority(network.HostPort{Host: "spdyhost", Port: 443}))

	rec = e.do(http.MethodGet, "/v1/servers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []serverBody{{HostPort: "spdyhost:443", SupportsPriority: true}}, decode[[]serverBody](t, rec))

	rec = e.do(http.MethodPost, "/v1/servers", serverBody{HostPort: "no-port"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Priority-capable hosts bypass the throttled client's single slot.
	e.createClient(1, 1, true)
	e.createClient(2, 2, false)
	e.schedule(scheduleRequestBody{ProcessID: 2, RouteID: 2, URL: "http://host/a", Priority: "lowest"})
	spdy := e.schedule(scheduleRequestBody{ProcessID: 2, RouteID: 2, URL: "https://spdyhost/b", Priority: "lowest"})
	assert.True(t, spdy.Started)
}

func TestMetricsEndpoint(t *testing.T) {
	e := newTestEnv(t, Config{})
	rec := e.send(http.MethodGet, "/metrics", nil, func(r *http.Request) { r.Header.Del(TokenHeader) })
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStartAndShutdown(t *testing.T) {
	e := newTestEnv(t, Config{})

	addr, err := e.server.Start("127.0.0.1:0")
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, "http://"+addr.String()+"/v1/status", nil)
	require.NoError(t, err)
	req.Header.Set(TokenHeader, testToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, e.server.Shutdown(ctx))
}
