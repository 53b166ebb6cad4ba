// Package worker is the background worker: it owns one cache generation,
// answers intercepted fetches from it, and runs the timer scheduler.
//
// A Worker is created per release by the host. The host decides when its
// lifecycle phases run; the worker only talks back through Global.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"offline0/internal/cachestore"
	"offline0/internal/logging"
	"offline0/internal/protocol"
	"offline0/internal/scheduler"
)

var (
	ErrInstallFailed     = errors.New("worker: install failed")
	ErrNoResponse        = errors.New("worker: no response available")
	ErrNotIntercepted    = errors.New("worker: request not intercepted")
	ErrUnexpectedMessage = errors.New("worker: unexpected message")
)

// Global is the scope the host provides to a worker.
type Global interface {
	// SkipWaiting makes the worker eligible to activate without waiting for
	// the pages of the previous worker to go away. Calling it on an active
	// worker does nothing.
	SkipWaiting()
	EnableNavigationPreload()
	Clients() Clients
}

type Clients interface {
	MatchAll() []Client
	Claim(ctx context.Context) error
	OpenWindow(ctx context.Context, url string) error
}

// Client is a connected page.
type Client interface {
	ID() string
	URL() string
	Focus(ctx context.Context) error
	PostMessage(ctx context.Context, msg protocol.Message) error
}

type Notification struct {
	Title   string `json:"title"`
	Body    string `json:"body"`
	Tag     string `json:"tag"`
	URL     string `json:"url"`
	TimerID string `json:"timerId,omitempty"`
}

type Notifier interface {
	Show(ctx context.Context, n Notification) error
}

type Options struct {
	Release Release

	// Origin is where network fetches go. Scope is the origin pages see;
	// only requests to Scope are intercepted.
	Origin *url.URL
	Scope  *url.URL

	ScriptPath       string
	FallbackDocument string

	Storage    *cachestore.Storage
	HTTPClient *http.Client
	Global     Global
	Notifier   Notifier
	Metrics    *Metrics
	Clock      scheduler.Clock

	NavigationTimeout    time.Duration
	FetchTimeout         time.Duration
	MaxEntryBytes        int64
	SkipWaitingOnInstall bool
	NavigationPreload    bool
	InstallConcurrency   int
}

type Worker struct {
	opts   Options
	scope  *url.URL
	client *http.Client
	log    *slog.Logger
	warn   *logging.RateLimited
	timers *scheduler.Scheduler

	// background work outlives the request that started it but not the worker
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(opts Options) *Worker {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.NavigationTimeout <= 0 {
		opts.NavigationTimeout = 2 * time.Second
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 30 * time.Second
	}
	if opts.ScriptPath == "" {
		opts.ScriptPath = "/sw.js"
	}
	if opts.FallbackDocument == "" {
		opts.FallbackDocument = "/index.html"
	}
	if opts.InstallConcurrency <= 0 {
		opts.InstallConcurrency = 8
	}
	scope := opts.Scope
	if scope == nil {
		scope = opts.Origin
	}

	ctx, cancel := context.WithCancel(context.Background())
	log := slog.Default().With("component", "worker", "version", opts.Release.Version)
	w := &Worker{
		opts:   opts,
		scope:  scope,
		client: opts.HTTPClient,
		log:    log,
		warn:   logging.NewRateLimited(log, time.Minute),
		ctx:    ctx,
		cancel: cancel,
	}
	w.timers = scheduler.New(opts.Clock, w.timerFired)
	return w
}

func (w *Worker) Release() Release { return w.opts.Release }

func (w *Worker) CacheName() string { return w.opts.Release.CacheName() }

// Timers exposes the scheduler, mainly for status reporting.
func (w *Worker) Timers() *scheduler.Scheduler { return w.timers }

// Close stops the scheduler and waits for background cache writes.
func (w *Worker) Close() {
	w.timers.Stop()
	w.cancel()
	w.wg.Wait()
}

// cache never creates the generation: once activation of a newer worker has
// deleted it, late writes from this worker must not bring it back.
func (w *Worker) cache() *cachestore.Cache {
	return w.opts.Storage.Cache(w.CacheName())
}

// store writes a successful response into the current generation. Failures
// are logged; a missing cache write never fails a fetch.
func (w *Worker) store(key string, ent *cachestore.Entry) {
	if !ent.OK() {
		return
	}
	if w.opts.MaxEntryBytes > 0 && int64(ent.Size()) > w.opts.MaxEntryBytes {
		w.log.Debug("response too large to cache", "url", key, "size", formatBytes(uint64(ent.Size())))
		return
	}
	if err := w.cache().Put(key, ent); err != nil {
		w.warn.Warn("cache write failed", "cache", w.CacheName(), "url", key, "err", err)
	}
}

func (w *Worker) match(key string) (*cachestore.Entry, bool) {
	ent, ok, err := w.cache().Match(key, cachestore.MatchOptions{IgnoreSearch: true})
	if err != nil {
		w.warn.Warn("cache match failed", "cache", w.CacheName(), "url", key, "err", err)
		return nil, false
	}
	return ent, ok
}
