package negotiator

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"offline0/internal/protocol"
)

type fakeHandle struct {
	version string

	mu        sync.Mutex
	state     WorkerState
	listeners []func(WorkerState)
	posted    []protocol.Message
}

func (h *fakeHandle) ScriptURL() string { return "/sw.js?v=" + h.version }
func (h *fakeHandle) Version() string   { return h.version }

func (h *fakeHandle) State() WorkerState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *fakeHandle) OnStateChange(fn func(WorkerState)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	i := len(h.listeners)
	h.listeners = append(h.listeners, fn)
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.listeners[i] = nil
	}
}

func (h *fakeHandle) PostMessage(_ context.Context, msg protocol.Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.posted = append(h.posted, msg)
	return nil
}

func (h *fakeHandle) setState(st WorkerState) {
	h.mu.Lock()
	h.state = st
	ls := append([]func(WorkerState){}, h.listeners...)
	h.mu.Unlock()
	for _, fn := range ls {
		if fn != nil {
			fn(st)
		}
	}
}

func (h *fakeHandle) messages() []protocol.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]protocol.Message(nil), h.posted...)
}

type fakeRegistration struct {
	mu          sync.Mutex
	installing  *fakeHandle
	waiting     *fakeHandle
	active      *fakeHandle
	updateFound []func()
	updates     int
}

func orNil(h *fakeHandle) WorkerHandle {
	if h == nil {
		return nil
	}
	return h
}

func (r *fakeRegistration) Installing() WorkerHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return orNil(r.installing)
}

func (r *fakeRegistration) Waiting() WorkerHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return orNil(r.waiting)
}

func (r *fakeRegistration) Active() WorkerHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return orNil(r.active)
}

func (r *fakeRegistration) OnUpdateFound(fn func()) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := len(r.updateFound)
	r.updateFound = append(r.updateFound, fn)
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.updateFound[i] = nil
	}
}

func (r *fakeRegistration) Update(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates++
	return nil
}

func (r *fakeRegistration) updateCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updates
}

// install simulates a new worker being found and finishing its install.
func (r *fakeRegistration) install(h *fakeHandle) {
	r.mu.Lock()
	r.installing = h
	fns := append([]func(){}, r.updateFound...)
	r.mu.Unlock()
	for _, fn := range fns {
		if fn != nil {
			fn()
		}
	}

	r.mu.Lock()
	r.installing = nil
	r.waiting = h
	r.mu.Unlock()
	h.setState(StateInstalled)
}

type fakeContainer struct {
	reg *fakeRegistration

	mu         sync.Mutex
	controller *fakeHandle
	listeners  []func()
	failures   int
	calls      int
	scripts    []string
	opts       []RegisterOptions
}

var errRegister = errors.New("registration network error")

func (c *fakeContainer) Register(_ context.Context, scriptURL string, opts RegisterOptions) (Registration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.scripts = append(c.scripts, scriptURL)
	c.opts = append(c.opts, opts)
	if c.failures != 0 {
		if c.failures > 0 {
			c.failures--
		}
		return nil, errRegister
	}
	return c.reg, nil
}

func (c *fakeContainer) Controller() WorkerHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return orNil(c.controller)
}

func (c *fakeContainer) OnControllerChange(fn func()) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := len(c.listeners)
	c.listeners = append(c.listeners, fn)
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.listeners[i] = nil
	}
}

func (c *fakeContainer) claim(h *fakeHandle) {
	c.mu.Lock()
	c.controller = h
	ls := append([]func(){}, c.listeners...)
	c.mu.Unlock()
	for _, fn := range ls {
		if fn != nil {
			fn()
		}
	}
}

// live counts the listeners still registered.
func live[F any](mu *sync.Mutex, fns []F, isNil func(F) bool) int {
	mu.Lock()
	defer mu.Unlock()
	n := 0
	for _, fn := range fns {
		if !isNil(fn) {
			n++
		}
	}
	return n
}

func (c *fakeContainer) registerCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// site serves the page's version sources and the worker script.
type site struct {
	mu           sync.Mutex
	version      string // empty means 404
	document     string // empty means 404
	scriptStatus int
	heads        int
}

func (s *site) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch r.URL.Path {
	case "/version.json":
		if s.version == "" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"version":"` + s.version + `"}`))
	case "/index.html":
		if s.document == "" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(s.document))
	case "/sw.js":
		if r.Method == http.MethodHead {
			s.heads++
		}
		w.WriteHeader(s.scriptStatus)
	default:
		http.NotFound(w, r)
	}
}

func (s *site) headCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heads
}

type memStore struct {
	mu sync.Mutex
	kv map[string]string
}

func (m *memStore) Setting(key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.kv[key]
	return v, ok, nil
}

func (m *memStore) SetSetting(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.kv == nil {
		m.kv = map[string]string{}
	}
	m.kv[key] = value
	return nil
}

type env struct {
	site      *site
	srv       *httptest.Server
	container *fakeContainer
	store     *memStore
	reloads   int
	mu        sync.Mutex
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		site:      &site{version: "2", scriptStatus: http.StatusOK},
		container: &fakeContainer{reg: &fakeRegistration{}},
		store:     &memStore{},
	}
	e.srv = httptest.NewServer(e.site)
	t.Cleanup(e.srv.Close)
	return e
}

func (e *env) session(t *testing.T, mutate ...func(*Options)) *Session {
	t.Helper()
	base, err := url.Parse(e.srv.URL)
	require.NoError(t, err)
	opts := Options{
		Container:      e.container,
		Store:          e.store,
		BaseURL:        base,
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Reload: func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.reloads++
		},
	}
	for _, m := range mutate {
		m(&opts)
	}
	s := NewSession(opts)
	t.Cleanup(s.Close)
	return s
}

func (e *env) reloadCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reloads
}
