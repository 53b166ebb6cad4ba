package worker

import (
	"context"
	"errors"
	"maps"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"offline0/internal/cachestore"
	"offline0/internal/protocol"
)

// testOrigin serves fixed bodies per path and can be slowed down or taken
// offline.
type testOrigin struct {
	t   *testing.T
	srv *httptest.Server

	mu     sync.Mutex
	bodies map[string]string
	hits   map[string]int
	delay  time.Duration
}

func newTestOrigin(t *testing.T, bodies map[string]string) *testOrigin {
	t.Helper()
	o := &testOrigin{t: t, bodies: maps.Clone(bodies), hits: map[string]int{}}
	o.srv = httptest.NewServer(http.HandlerFunc(o.serve))
	t.Cleanup(o.close)
	return o
}

func (o *testOrigin) serve(w http.ResponseWriter, r *http.Request) {
	o.mu.Lock()
	o.hits[r.URL.Path]++
	body, ok := o.bodies[r.URL.Path]
	delay := o.delay
	o.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(body))
}

func (o *testOrigin) set(path, body string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.bodies[path] = body
}

func (o *testOrigin) setDelay(d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.delay = d
}

func (o *testOrigin) hitCount(path string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hits[path]
}

func (o *testOrigin) url() *url.URL {
	u, err := url.Parse(o.srv.URL)
	require.NoError(o.t, err)
	return u
}

// goOffline makes every further fetch fail at the transport level.
func (o *testOrigin) goOffline() {
	o.srv.CloseClientConnections()
	o.srv.Close()
}

func (o *testOrigin) close() {
	o.srv.Close()
}

type fakeClient struct {
	id  string
	url string

	mu      sync.Mutex
	msgs    []protocol.Message
	focused int
}

func (c *fakeClient) ID() string  { return c.id }
func (c *fakeClient) URL() string { return c.url }

func (c *fakeClient) Focus(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.focused++
	return nil
}

func (c *fakeClient) PostMessage(_ context.Context, msg protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *fakeClient) messages() []protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Message(nil), c.msgs...)
}

// fakeGlobal is both the worker scope and its clients.
type fakeGlobal struct {
	storage *cachestore.Storage

	mu            sync.Mutex
	skipWaiting   int
	preload       bool
	claimed       int
	cachesAtClaim []string
	clients       []*fakeClient
	opened        []string
}

func (g *fakeGlobal) SkipWaiting() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.skipWaiting++
}

func (g *fakeGlobal) EnableNavigationPreload() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.preload = true
}

func (g *fakeGlobal) Clients() Clients { return g }

func (g *fakeGlobal) MatchAll() []Client {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Client, 0, len(g.clients))
	for _, c := range g.clients {
		out = append(out, c)
	}
	return out
}

func (g *fakeGlobal) Claim(context.Context) error {
	names, err := g.storage.Keys()
	if err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.claimed++
	g.cachesAtClaim = names
	return nil
}

func (g *fakeGlobal) OpenWindow(_ context.Context, u string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.opened = append(g.opened, u)
	return nil
}

type fakeNotifier struct {
	mu    sync.Mutex
	shown []Notification
	err   error
}

func (n *fakeNotifier) Show(_ context.Context, note Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.shown = append(n.shown, note)
	return nil
}

func (n *fakeNotifier) notifications() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notification(nil), n.shown...)
}

var errDenied = errors.New("permission denied")

type harness struct {
	storage  *cachestore.Storage
	origin   *testOrigin
	global   *fakeGlobal
	notifier *fakeNotifier
	scope    *url.URL
}

func newHarness(t *testing.T, bodies map[string]string) *harness {
	t.Helper()
	s, err := cachestore.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	scope, err := url.Parse("http://arcade.test")
	require.NoError(t, err)
	return &harness{
		storage:  s,
		origin:   newTestOrigin(t, bodies),
		global:   &fakeGlobal{storage: s},
		notifier: &fakeNotifier{},
		scope:    scope,
	}
}

func (h *harness) worker(t *testing.T, rel Release, mutate ...func(*Options)) *Worker {
	t.Helper()
	opts := Options{
		Release:           rel,
		Origin:            h.origin.url(),
		Scope:             h.scope,
		Storage:           h.storage,
		HTTPClient:        &http.Client{Timeout: 5 * time.Second},
		Global:            h.global,
		Notifier:          h.notifier,
		NavigationTimeout: 2 * time.Second,
		FetchTimeout:      5 * time.Second,
		NavigationPreload: true,
	}
	for _, m := range mutate {
		m(&opts)
	}
	w := New(opts)
	t.Cleanup(w.Close)
	return w
}

func (h *harness) installed(t *testing.T, rel Release, mutate ...func(*Options)) *Worker {
	t.Helper()
	w := h.worker(t, rel, mutate...)
	require.NoError(t, w.Install(context.Background()))
	require.NoError(t, w.Activate(context.Background()))
	return w
}

func (h *harness) navigation(t *testing.T, path string) *FetchEvent {
	t.Helper()
	u, err := h.scope.Parse(path)
	require.NoError(t, err)
	return &FetchEvent{Request: &Request{
		Method:      http.MethodGet,
		URL:         u,
		Header:      http.Header{"Accept": {"text/html"}},
		Mode:        ModeNavigate,
		Credentials: "same-origin",
		Redirect:    "follow",
	}}
}

func (h *harness) asset(t *testing.T, path string) *FetchEvent {
	t.Helper()
	ev := h.navigation(t, path)
	ev.Request.Mode = ModeNoCORS
	ev.Request.Header = http.Header{}
	return ev
}

func cachedBody(t *testing.T, s *cachestore.Storage, cache, key string) (string, bool) {
	t.Helper()
	ent, ok, err := s.Cache(cache).Match(key, cachestore.MatchOptions{})
	require.NoError(t, err)
	if !ok {
		return "", false
	}
	return string(ent.Body), true
}

func release(version string, precache ...string) Release {
	rel := Release{AppName: "arcade", Version: version}
	for _, u := range precache {
		rel.Precache = append(rel.Precache, ManifestEntry{URL: u, Required: true})
	}
	return rel
}
