package scheduler

import (
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"project-governor/internal/network"
)

var (
	activeID      = ClientID{ProcessID: 1, RouteID: 1}
	backgroundID  = ClientID{ProcessID: 2, RouteID: 2}
	backgroundID2 = ClientID{ProcessID: 3, RouteID: 3}
	otherID       = ClientID{ProcessID: 4, RouteID: 4}
)

type fakeRequest struct {
	u        *url.URL
	priority Priority
	flags    LoadFlags
	async    bool
	created  time.Time

	handle   *ScheduledRequest
	started  bool
	resumed  int
	onResume func()
}

func (r *fakeRequest) Priority() Priority     { return r.priority }
func (r *fakeRequest) SetPriority(p Priority) { r.priority = p }
func (r *fakeRequest) LoadFlags() LoadFlags   { return r.flags }
func (r *fakeRequest) IsAsync() bool          { return r.async }
func (r *fakeRequest) URL() *url.URL          { return r.u }
func (r *fakeRequest) CreatedAt() time.Time   { return r.created }

func (r *fakeRequest) Resume() {
	r.resumed++
	r.started = true
	if r.onResume != nil {
		r.onResume()
	}
}

func (r *fakeRequest) cancel() { r.handle.Close() }

type fakeProperties struct {
	supports map[network.HostPort]bool
}

func (p *fakeProperties) SupportsRequestPriority(hp network.HostPort) bool {
	return p.supports[hp]
}

func (p *fakeProperties) set(host string, port int) {
	p.supports[network.HostPort{Host: host, Port: port}] = true
}

type fakeTimer struct {
	running bool
	period  time.Duration
	fire    func()
	starts  int
}

func (t *fakeTimer) Start(period time.Duration, fire func()) {
	t.running = true
	t.period = period
	t.fire = fire
	t.starts++
}

func (t *fakeTimer) Stop()           { t.running = false }
func (t *fakeTimer) IsRunning() bool { return t.running }

type fixture struct {
	t     *testing.T
	s     *Scheduler
	props *fakeProperties
	timer *fakeTimer
}

// newFixture mirrors a browser with one visible tab that is loading and one
// hidden tab, throttling on and coalescing off.
func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		t:     t,
		props: &fakeProperties{supports: make(map[network.HostPort]bool)},
		timer: &fakeTimer{},
	}
	base := []Option{
		WithServerProperties(f.props),
		WithTimer(f.timer),
		WithThrottling(true, false),
		WithDebugChecks(true),
	}
	f.s = New(append(base, opts...)...)
	f.s.CreateClient(activeID, true, false)
	f.s.CreateClient(backgroundID, false, false)
	t.Cleanup(func() {
		require.NoError(t, f.s.Verify())
	})
	return f
}

func (f *fixture) newRequest(rawURL string, p Priority) *fakeRequest {
	u, err := url.Parse(rawURL)
	require.NoError(f.t, err)
	return &fakeRequest{u: u, priority: p, async: true, created: time.Now()}
}

func (f *fixture) schedule(id ClientID, req *fakeRequest) *fakeRequest {
	f.t.Helper()
	req.handle = f.s.Schedule(id, req)
	if !req.handle.WillStartRequest() {
		req.started = true
	}
	require.NoError(f.t, f.s.Verify())
	return req
}

func (f *fixture) request(rawURL string, p Priority) *fakeRequest {
	f.t.Helper()
	return f.schedule(activeID, f.newRequest(rawURL, p))
}

func (f *fixture) background(rawURL string, p Priority) *fakeRequest {
	f.t.Helper()
	return f.schedule(backgroundID, f.newRequest(rawURL, p))
}

func (f *fixture) syncRequest(id ClientID, rawURL string, p Priority) *fakeRequest {
	f.t.Helper()
	req := f.newRequest(rawURL, p)
	req.async = false
	return f.schedule(id, req)
}

func (f *fixture) reprioritize(req *fakeRequest, p Priority, intra int) {
	f.t.Helper()
	require.NoError(f.t, f.s.Reprioritize(req.handle, p, intra))
	require.NoError(f.t, f.s.Verify())
}

func (f *fixture) state(id ClientID) ThrottleState {
	f.t.Helper()
	st, ok := f.s.ClientThrottleState(id)
	require.True(f.t, ok, "client %s not found", id)
	return st
}

func (f *fixture) fireTimer() {
	f.t.Helper()
	require.True(f.t, f.timer.running, "coalescing timer is not running")
	f.timer.fire()
	require.NoError(f.t, f.s.Verify())
}

// enableCoalescing loads the active tab and the background tab so that the
// background tab ends up Coalesced.
func (f *fixture) enableCoalescing() {
	f.t.Helper()
	f.s.SetThrottleOptions(true, true)
	f.s.SetLoaded(activeID, true)
	f.s.SetLoaded(backgroundID, true)
	require.Equal(f.t, Coalesced, f.state(backgroundID))
	require.True(f.t, f.s.ActiveClientsLoaded())
}
