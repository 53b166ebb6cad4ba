// Package host runs workers on behalf of pages: it keeps the registration
// for the scope, moves worker instances through their lifecycle and turns
// incoming HTTP requests into fetch events for the controlling worker.
package host

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"offline0/internal/cachestore"
	"offline0/internal/negotiator"
	"offline0/internal/protocol"
	"offline0/internal/worker"
)

var (
	ErrNoController = errors.New("host: no controlling worker")
	ErrScriptFetch  = errors.New("host: worker script unavailable")
	ErrOutOfScope   = errors.New("host: script outside scope")
	ErrRedundant    = errors.New("host: worker is redundant")
)

type Options struct {
	// Origin receives script and network fetches. Scope is the origin pages
	// are served under.
	Origin *url.URL
	Scope  *url.URL

	AppName          string
	ScriptPath       string
	FallbackDocument string

	Storage       *cachestore.Storage
	HTTPClient    *http.Client
	Notifications *NotificationCenter
	Metrics       *worker.Metrics

	NavigationTimeout    time.Duration
	FetchTimeout         time.Duration
	MaxEntryBytes        int64
	SkipWaitingOnInstall bool
	NavigationPreload    bool
}

// Container holds the single registration of a scope.
type Container struct {
	opts    Options
	log     *slog.Logger
	clients *Clients

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// regMu serializes update jobs and activation.
	regMu sync.Mutex

	mu          sync.RWMutex
	reg         *Registration
	controller  *Handle
	ccListeners listeners[func()]
}

func NewContainer(opts Options) *Container {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Scope == nil {
		opts.Scope = opts.Origin
	}
	if opts.ScriptPath == "" {
		opts.ScriptPath = "/sw.js"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Container{
		opts:    opts,
		log:     slog.Default().With("component", "host"),
		clients: newClients(),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (c *Container) Clients() *Clients { return c.clients }

// Register fetches the worker script and, when it differs from the newest
// known worker, installs it. Install failures are logged and leave the
// current worker in place; only a script that cannot be fetched or parsed is
// an error.
func (c *Container) Register(ctx context.Context, scriptURL string, opts negotiator.RegisterOptions) (negotiator.Registration, error) {
	u, err := c.opts.Scope.Parse(scriptURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrOutOfScope, scriptURL, err)
	}
	if u.Scheme != c.opts.Scope.Scheme || u.Host != c.opts.Scope.Host {
		return nil, fmt.Errorf("%w: %s", ErrOutOfScope, u)
	}

	c.regMu.Lock()
	defer c.regMu.Unlock()

	c.mu.Lock()
	if c.reg == nil {
		c.reg = &Registration{c: c}
	}
	reg := c.reg
	c.mu.Unlock()

	reg.mu.Lock()
	reg.scriptURL = u.String()
	reg.updateViaCache = opts.UpdateViaCache
	reg.mu.Unlock()

	if err := c.update(ctx, reg); err != nil {
		return nil, err
	}
	return reg, nil
}

// Registration returns the scope's registration, or nil before the first
// Register.
func (c *Container) Registration() *Registration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reg
}

func (c *Container) Controller() negotiator.WorkerHandle {
	return handleOrNil(c.controllerHandle())
}

func (c *Container) controllerHandle() *Handle {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.controller
}

// OnControllerChange adds fn to the controllerchange listeners. The returned
// func removes it again.
func (c *Container) OnControllerChange(fn func()) (remove func()) {
	c.mu.Lock()
	id := c.ccListeners.add(fn)
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.ccListeners.remove(id)
	}
}

// Dispatch delivers a message from a page to the worker controlling it.
func (c *Container) Dispatch(ctx context.Context, from *Client, msg protocol.Message) error {
	h := c.controllerHandle()
	var src worker.Client
	if from != nil {
		src = from
		if ch := from.Controller(); ch != nil {
			h = ch
		}
	}
	if h == nil {
		return ErrNoController
	}
	return h.w.HandleMessage(ctx, src, msg)
}

// NotificationClick dismisses the notification with tag and lets the active
// worker handle the click.
func (c *Container) NotificationClick(ctx context.Context, tag string) error {
	if c.opts.Notifications == nil {
		return ErrNotificationNotFound
	}
	n, ok := c.opts.Notifications.Take(tag)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotificationNotFound, tag)
	}
	var h *Handle
	if reg := c.Registration(); reg != nil {
		h = reg.activeHandle()
	}
	if h == nil {
		return ErrNoController
	}
	return h.w.HandleNotificationClick(ctx, n)
}

// Close stops every worker and disconnects all pages.
func (c *Container) Close() {
	c.cancel()
	c.clients.closeAll()

	c.regMu.Lock()
	var handles []*Handle
	if reg := c.Registration(); reg != nil {
		reg.mu.Lock()
		for _, h := range []*Handle{reg.installing, reg.waiting, reg.active} {
			if h != nil {
				handles = append(handles, h)
			}
		}
		reg.mu.Unlock()
	}
	c.regMu.Unlock()

	for _, h := range handles {
		h.w.Close()
	}
	c.wg.Wait()
}

// update is the update job. Callers hold regMu.
func (c *Container) update(ctx context.Context, reg *Registration) error {
	scriptURL, via := reg.script()
	body, err := c.fetchScript(ctx, scriptURL, via)
	if err != nil {
		return err
	}
	if newest := reg.newest(); newest != nil && bytes.Equal(newest.script, body) {
		c.log.Debug("worker script unchanged", "script", scriptURL, "version", newest.Version())
		return nil
	}
	rel, err := worker.ParseRelease(body, c.opts.AppName)
	if err != nil {
		return err
	}

	h := c.newHandle(reg, rel, scriptURL, body)
	reg.mu.Lock()
	reg.installing = h
	fns := reg.updateFound.snapshot()
	reg.mu.Unlock()
	for _, fn := range fns {
		fn()
	}

	c.log.Info("installing worker", "version", rel.Version, "cache", rel.CacheName())
	if err := h.w.Install(ctx); err != nil {
		c.log.Warn("install failed, current worker stays", "version", rel.Version, "err", err)
		reg.mu.Lock()
		reg.installing = nil
		reg.mu.Unlock()
		c.retire(h)
		return nil
	}

	reg.mu.Lock()
	prev := reg.waiting
	reg.installing = nil
	reg.waiting = h
	active := reg.active
	reg.mu.Unlock()
	if prev != nil {
		c.retire(prev)
	}
	h.setState(negotiator.StateInstalled)

	if active == nil || h.skipWaitingRequested() {
		c.activate(ctx, reg, h)
	}
	return nil
}

// activate promotes h to the active worker. Callers hold regMu.
func (c *Container) activate(ctx context.Context, reg *Registration, h *Handle) {
	reg.mu.Lock()
	old := reg.active
	reg.active = h
	if reg.waiting == h {
		reg.waiting = nil
	}
	reg.mu.Unlock()

	h.setState(negotiator.StateActivating)
	if err := h.w.Activate(ctx); err != nil {
		c.log.Error("activate failed", "version", h.Version(), "err", err)
		// pages must not stay with a retired worker
		c.claim(h)
	}
	h.setState(negotiator.StateActivated)
	if old != nil {
		c.retire(old)
	}
	c.log.Info("worker activated", "version", h.Version())
}

// skipWaiting is called by a worker. During install it only marks the
// handle; a waiting worker is activated right away.
func (c *Container) skipWaiting(h *Handle) {
	if !h.requestSkipWaiting() {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.regMu.Lock()
		defer c.regMu.Unlock()
		if c.ctx.Err() != nil || h.reg.waitingHandle() != h {
			return
		}
		c.activate(c.ctx, h.reg, h)
	}()
}

// claim makes h the controller of the container and of every page.
func (c *Container) claim(h *Handle) {
	c.mu.Lock()
	changed := c.controller != h
	c.controller = h
	fns := c.ccListeners.snapshot()
	c.mu.Unlock()

	c.clients.setController(h)
	if !changed {
		return
	}
	for _, fn := range fns {
		fn()
	}
}

func (c *Container) retire(h *Handle) {
	h.setState(negotiator.StateRedundant)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		h.w.Close()
	}()
}

func (c *Container) fetchScript(ctx context.Context, scriptURL string, via negotiator.UpdateViaCache) ([]byte, error) {
	u, err := url.Parse(scriptURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrScriptFetch, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.opts.Origin.String()+u.RequestURI(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrScriptFetch, err)
	}
	req.Header.Set("Service-Worker", "script")
	if via != negotiator.UpdateViaCacheAll {
		req.Header.Set("Cache-Control", "no-cache")
		req.Header.Set("Pragma", "no-cache")
	}

	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrScriptFetch, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s: status %d", ErrScriptFetch, u.RequestURI(), resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrScriptFetch, err)
	}
	return body, nil
}

func (c *Container) newHandle(reg *Registration, rel worker.Release, scriptURL string, script []byte) *Handle {
	h := &Handle{
		c:         c,
		reg:       reg,
		rel:       rel,
		scriptURL: scriptURL,
		script:    script,
		state:     negotiator.StateInstalling,
	}
	var notifier worker.Notifier
	if c.opts.Notifications != nil {
		notifier = c.opts.Notifications
	}
	h.w = worker.New(worker.Options{
		Release:              rel,
		Origin:               c.opts.Origin,
		Scope:                c.opts.Scope,
		ScriptPath:           c.opts.ScriptPath,
		FallbackDocument:     c.opts.FallbackDocument,
		Storage:              c.opts.Storage,
		HTTPClient:           c.opts.HTTPClient,
		Global:               &scope{c: c, h: h},
		Notifier:             notifier,
		Metrics:              c.opts.Metrics,
		NavigationTimeout:    c.opts.NavigationTimeout,
		FetchTimeout:         c.opts.FetchTimeout,
		MaxEntryBytes:        c.opts.MaxEntryBytes,
		SkipWaitingOnInstall: c.opts.SkipWaitingOnInstall,
		NavigationPreload:    c.opts.NavigationPreload,
	})
	return h
}

// Registration tracks the installing, waiting and active workers.
type Registration struct {
	c *Container

	mu                sync.Mutex
	scriptURL         string
	updateViaCache    negotiator.UpdateViaCache
	installing        *Handle
	waiting           *Handle
	active            *Handle
	navigationPreload bool
	updateFound       listeners[func()]
}

func (r *Registration) Installing() negotiator.WorkerHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return handleOrNil(r.installing)
}

func (r *Registration) Waiting() negotiator.WorkerHandle {
	return handleOrNil(r.waitingHandle())
}

func (r *Registration) Active() negotiator.WorkerHandle {
	return handleOrNil(r.activeHandle())
}

func (r *Registration) OnUpdateFound(fn func()) (remove func()) {
	r.mu.Lock()
	id := r.updateFound.add(fn)
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.updateFound.remove(id)
	}
}

// Update re-fetches the registered script and installs it when it changed.
func (r *Registration) Update(ctx context.Context) error {
	r.c.regMu.Lock()
	defer r.c.regMu.Unlock()
	return r.c.update(ctx, r)
}

func (r *Registration) ScriptURL() string {
	s, _ := r.script()
	return s
}

func (r *Registration) NavigationPreload() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.navigationPreload
}

func (r *Registration) script() (string, negotiator.UpdateViaCache) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scriptURL, r.updateViaCache
}

func (r *Registration) newest() *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case r.installing != nil:
		return r.installing
	case r.waiting != nil:
		return r.waiting
	default:
		return r.active
	}
}

func (r *Registration) waitingHandle() *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.waiting
}

func (r *Registration) activeHandle() *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Handle is one worker instance.
type Handle struct {
	c         *Container
	reg       *Registration
	w         *worker.Worker
	rel       worker.Release
	scriptURL string
	script    []byte

	mu          sync.Mutex
	state       negotiator.WorkerState
	skipWaiting bool
	listeners   listeners[func(negotiator.WorkerState)]
}

func (h *Handle) ScriptURL() string      { return h.scriptURL }
func (h *Handle) Version() string        { return h.rel.Version }
func (h *Handle) Worker() *worker.Worker { return h.w }

func (h *Handle) State() negotiator.WorkerState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handle) OnStateChange(fn func(negotiator.WorkerState)) (remove func()) {
	h.mu.Lock()
	id := h.listeners.add(fn)
	h.mu.Unlock()
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.listeners.remove(id)
	}
}

// PostMessage queues msg for the worker and returns without waiting for it
// to be handled.
func (h *Handle) PostMessage(ctx context.Context, msg protocol.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if h.State() == negotiator.StateRedundant {
		return ErrRedundant
	}
	h.c.wg.Add(1)
	go func() {
		defer h.c.wg.Done()
		if err := h.w.HandleMessage(h.c.ctx, nil, msg); err != nil {
			h.c.log.Debug("worker message failed", "version", h.Version(), "type", msg.Type(), "err", err)
		}
	}()
	return nil
}

func (h *Handle) setState(st negotiator.WorkerState) {
	h.mu.Lock()
	if h.state == st {
		h.mu.Unlock()
		return
	}
	h.state = st
	fns := h.listeners.snapshot()
	h.mu.Unlock()

	h.c.log.Debug("worker state", "version", h.Version(), "state", st)
	for _, fn := range fns {
		fn(st)
	}
}

// requestSkipWaiting marks the handle and reports whether it is waiting.
func (h *Handle) requestSkipWaiting() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.skipWaiting = true
	return h.state == negotiator.StateInstalled
}

func (h *Handle) skipWaitingRequested() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.skipWaiting
}

func handleOrNil(h *Handle) negotiator.WorkerHandle {
	if h == nil {
		return nil
	}
	return h
}

// scope is the worker.Global of one handle.
type scope struct {
	c *Container
	h *Handle
}

func (s *scope) SkipWaiting() { s.c.skipWaiting(s.h) }

func (s *scope) EnableNavigationPreload() {
	s.h.reg.mu.Lock()
	defer s.h.reg.mu.Unlock()
	s.h.reg.navigationPreload = true
}

func (s *scope) Clients() worker.Clients { return s }

func (s *scope) MatchAll() []worker.Client {
	return s.c.clients.controlledBy(s.h)
}

func (s *scope) Claim(context.Context) error {
	switch s.h.State() {
	case negotiator.StateActivating, negotiator.StateActivated:
		s.c.claim(s.h)
		return nil
	default:
		return fmt.Errorf("claim from %s worker", s.h.State())
	}
}

func (s *scope) OpenWindow(ctx context.Context, u string) error {
	if s.c.opts.Notifications == nil {
		s.c.log.Info("open window", "url", u)
		return nil
	}
	return s.c.opts.Notifications.OpenWindow(ctx, u)
}
