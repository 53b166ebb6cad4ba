package host

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"offline0/internal/cachestore"
	"offline0/internal/worker"
)

// testOrigin is the upstream site: pages, assets and the worker script.
type testOrigin struct {
	srv *httptest.Server

	mu       sync.Mutex
	files    map[string]string
	requests []*http.Request
	delay    time.Duration
}

func newTestOrigin(t *testing.T) *testOrigin {
	t.Helper()
	o := &testOrigin{files: map[string]string{
		"/":                       "home",
		"/index.html":             "home",
		"/games/snake/":           "snake",
		"/games/snake/index.html": "snake",
		"/timers/":                "timers",
		"/timers/index.html":      "timers",
		"/app.js":                 "app",
	}}
	o.srv = httptest.NewServer(http.HandlerFunc(o.serve))
	t.Cleanup(o.srv.Close)
	o.setRelease("1", "/", "/games/snake/", "/app.js")
	return o
}

func (o *testOrigin) serve(w http.ResponseWriter, r *http.Request) {
	o.mu.Lock()
	o.requests = append(o.requests, r.Clone(r.Context()))
	body, ok := o.files[r.URL.Path]
	delay := o.delay
	o.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if r.Method == http.MethodPost {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("posted"))
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	_, _ = w.Write([]byte(body))
}

func (o *testOrigin) setRelease(version string, precache ...string) {
	b, _ := json.Marshal(map[string]any{"appName": "arcade", "version": version, "precache": precache})
	o.set("/sw.js", string(b))
}

func (o *testOrigin) set(path, body string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.files[path] = body
}

// setDelay slows down every later response.
func (o *testOrigin) setDelay(d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.delay = d
}

func (o *testOrigin) remove(path string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.files, path)
}

func (o *testOrigin) seen(method, path string) []*http.Request {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []*http.Request
	for _, r := range o.requests {
		if r.Method == method && r.URL.Path == path {
			out = append(out, r)
		}
	}
	return out
}

func (o *testOrigin) url(t *testing.T) *url.URL {
	u, err := url.Parse(o.srv.URL)
	require.NoError(t, err)
	return u
}

type testHost struct {
	origin    *testOrigin
	storage   *cachestore.Storage
	container *Container
	notes     *NotificationCenter
	registry  *prometheus.Registry
	srv       *httptest.Server
	scope     *url.URL
}

// newTestHost starts a host in front of a fresh origin. The host's own URL
// is the scope pages see.
func newTestHost(t *testing.T, mutate ...func(*Options)) *testHost {
	t.Helper()
	th := &testHost{origin: newTestOrigin(t)}

	s, err := cachestore.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	th.storage = s

	var handler http.Handler
	th.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(th.srv.Close)
	th.scope, err = url.Parse(th.srv.URL)
	require.NoError(t, err)

	th.notes = NewNotificationCenter(PermissionGranted, "")
	th.registry = prometheus.NewRegistry()
	opts := Options{
		Origin:            th.origin.url(t),
		Scope:             th.scope,
		AppName:           "arcade",
		Storage:           s,
		HTTPClient:        &http.Client{Timeout: 5 * time.Second},
		Notifications:     th.notes,
		Metrics:           worker.NewMetrics(th.registry),
		NavigationTimeout: 500 * time.Millisecond,
		FetchTimeout:      5 * time.Second,
		NavigationPreload: true,
	}
	for _, m := range mutate {
		m(&opts)
	}
	th.container = NewContainer(opts)
	t.Cleanup(th.container.Close)
	handler = NewServer(th.container, th.registry).Handler()
	return th
}

func (th *testHost) scriptURL() string {
	return th.scope.String() + "/sw.js"
}

func (th *testHost) caches(t *testing.T) []string {
	t.Helper()
	names, err := th.storage.Keys()
	require.NoError(t, err)
	return names
}

func (th *testHost) controllerVersion() string {
	if h := th.container.controllerHandle(); h != nil {
		return h.Version()
	}
	return ""
}
