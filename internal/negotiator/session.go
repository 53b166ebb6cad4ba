// Package negotiator registers the worker from a page and negotiates
// updates: a waiting worker is only activated once the page accepts it, and
// the page reloads once when control moves to the new worker.
package negotiator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"offline0/internal/protocol"
)

// ErrScriptMissing means the worker script does not exist; registration is
// skipped, not retried.
var ErrScriptMissing = errors.New("negotiator: worker script missing")

type Options struct {
	Container  Container
	Store      VersionStore
	HTTPClient *http.Client
	// BaseURL is the page's origin.
	BaseURL *url.URL

	ScriptPath   string
	VersionPath  string
	DocumentPath string
	MetaName     string

	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	UpdateInterval time.Duration

	// OnUpdate receives every newly available version. When it is nil,
	// Confirm is asked instead and a true answer accepts the update.
	OnUpdate func(*Update)
	Confirm  func(version string) bool
	Reload   func()
}

// Session is one page load.
type Session struct {
	opts   Options
	log    *slog.Logger
	client *http.Client
	guard  *ReloadGuard

	mu            sync.Mutex
	reg           Registration
	disabled      bool
	closed        bool
	hadController bool
	surfaced      map[string]bool
	tracked       map[WorkerHandle]bool
	pending       *Update
	// unsubscribe drops every listener this session added
	unsubscribe []func()
}

func NewSession(opts Options) *Session {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.ScriptPath == "" {
		opts.ScriptPath = "/sw.js"
	}
	if opts.VersionPath == "" {
		opts.VersionPath = "/version.json"
	}
	if opts.DocumentPath == "" {
		opts.DocumentPath = "/index.html"
	}
	if opts.MetaName == "" {
		opts.MetaName = "app-version"
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 500 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Second
	}
	return &Session{
		opts:     opts,
		log:      slog.Default().With("component", "negotiator"),
		client:   opts.HTTPClient,
		guard:    NewReloadGuard(opts.Reload),
		surfaced: map[string]bool{},
		tracked:  map[WorkerHandle]bool{},
	}
}

// Boot registers the worker. It never fails: when the script is missing or
// registration keeps failing, offline support is disabled for this session
// and nil is returned.
func (s *Session) Boot(ctx context.Context) Registration {
	s.mu.Lock()
	s.hadController = s.opts.Container.Controller() != nil
	s.mu.Unlock()
	s.listen(s.opts.Container.OnControllerChange(s.controllerChanged))

	version := s.ResolveVersion(ctx)
	scriptURL := s.ScriptURL(version)

	reg, err := s.register(ctx, scriptURL)
	if err != nil {
		s.mu.Lock()
		s.disabled = true
		s.mu.Unlock()
		if errors.Is(err, ErrScriptMissing) {
			s.log.Info("worker script not deployed, offline support skipped", "script", scriptURL)
		} else {
			s.log.Warn("registration failed, offline support disabled for this session", "script", scriptURL, "err", err)
		}
		return nil
	}

	s.log.Info("worker registered", "script", scriptURL, "version", version)
	s.attach(reg)
	return reg
}

func (s *Session) register(ctx context.Context, scriptURL string) (Registration, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.InitialBackoff
	b.MaxInterval = s.opts.MaxBackoff

	attempt := 0
	op := func() (Registration, error) {
		attempt++
		if err := s.probe(ctx, scriptURL); err != nil {
			return nil, err
		}
		return s.opts.Container.Register(ctx, scriptURL, RegisterOptions{UpdateViaCache: UpdateViaCacheNone})
	}
	notify := func(err error, next time.Duration) {
		s.log.Warn("registration attempt failed", "attempt", attempt, "retry_in", next, "err", err)
	}
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(max(s.opts.MaxRetries, 0)+1)),
		backoff.WithNotify(notify),
	)
}

// probe checks that the script exists without fetching it.
func (s *Session) probe(ctx context.Context, scriptURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, scriptURL, nil)
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Cache-Control", "no-cache")
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("probe %s: %w", scriptURL, err)
	}
	resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return backoff.Permanent(fmt.Errorf("%w: %s: status %d", ErrScriptMissing, scriptURL, resp.StatusCode))
	case resp.StatusCode == http.StatusMethodNotAllowed:
		return nil
	case resp.StatusCode >= 400:
		return fmt.Errorf("probe %s: status %d", scriptURL, resp.StatusCode)
	}
	return nil
}

func (s *Session) attach(reg Registration) {
	s.mu.Lock()
	s.reg = reg
	s.mu.Unlock()

	s.listen(reg.OnUpdateFound(func() {
		if h := reg.Installing(); h != nil {
			s.track(h)
		}
	}))
	if h := reg.Installing(); h != nil {
		s.track(h)
	}
	if h := reg.Waiting(); h != nil {
		s.surface(h)
	}
}

func (s *Session) track(h WorkerHandle) {
	s.mu.Lock()
	if s.tracked[h] {
		s.mu.Unlock()
		return
	}
	s.tracked[h] = true
	s.mu.Unlock()

	s.listen(h.OnStateChange(func(st WorkerState) {
		if st == StateInstalled {
			s.surface(h)
		}
	}))
}

// surface offers a waiting worker to the user. With no controller there is
// nothing to replace and the worker activates on its own.
func (s *Session) surface(h WorkerHandle) {
	if s.opts.Container.Controller() == nil {
		return
	}
	version := h.Version()

	s.mu.Lock()
	if s.closed || s.surfaced[version] {
		s.mu.Unlock()
		return
	}
	s.surfaced[version] = true
	u := &Update{Version: version, handle: h, log: s.log}
	s.pending = u
	s.mu.Unlock()

	s.log.Info("update available", "version", version)
	switch {
	case s.opts.OnUpdate != nil:
		s.opts.OnUpdate(u)
	case s.opts.Confirm != nil:
		if s.opts.Confirm(version) {
			if err := u.Accept(context.Background()); err != nil {
				s.log.Warn("accept update failed", "version", version, "err", err)
			}
		}
	}
}

func (s *Session) controllerChanged() {
	s.mu.Lock()
	closed := s.closed
	had := s.hadController
	s.hadController = true
	s.mu.Unlock()

	// the first claim of an uncontrolled page is not a transfer
	if closed || !had {
		return
	}
	if s.guard.Trigger() {
		s.log.Info("controller changed, reloading")
	}
}

// Pending is the most recent update offered to the user, or nil.
func (s *Session) Pending() *Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

func (s *Session) OfflineDisabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disabled
}

func (s *Session) Reloaded() bool { return s.guard.Fired() }

// WatchUpdates asks the registration for updates every UpdateInterval until
// ctx is done.
func (s *Session) WatchUpdates(ctx context.Context) {
	s.mu.Lock()
	reg := s.reg
	s.mu.Unlock()
	if reg == nil || s.opts.UpdateInterval <= 0 {
		return
	}

	t := time.NewTicker(s.opts.UpdateInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := reg.Update(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn("update check failed", "err", err)
			}
		}
	}
}

// Close detaches the session and removes its listeners from the container,
// the registration and every tracked worker.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	fns := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// listen keeps remove for Close. A listener added after Close is removed
// right away.
func (s *Session) listen(remove func()) {
	if remove == nil {
		return
	}
	s.mu.Lock()
	if !s.closed {
		s.unsubscribe = append(s.unsubscribe, remove)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	remove()
}

// Update is a waiting worker offered to the user.
type Update struct {
	Version string

	handle WorkerHandle
	log    *slog.Logger
	once   sync.Once
	err    error
}

// Accept tells the waiting worker to skip waiting. Repeated calls do
// nothing.
func (u *Update) Accept(ctx context.Context) error {
	u.once.Do(func() {
		u.log.Info("update accepted", "version", u.Version)
		u.err = u.handle.PostMessage(ctx, protocol.SkipWaiting{})
	})
	return u.err
}
