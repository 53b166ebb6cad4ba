package worker

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"offline0/internal/cachestore"
	"offline0/internal/protocol"
)

// Install fetches every precache entry and writes the generation in one
// batch. A required entry that cannot be fetched fails the install before
// anything is written, so the current generation is left untouched.
func (w *Worker) Install(ctx context.Context) error {
	rel := w.opts.Release
	name := rel.CacheName()

	var (
		mu      sync.Mutex
		entries = make(map[string]*cachestore.Entry, len(rel.Precache))
		skipped int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.opts.InstallConcurrency)
	for _, me := range rel.Precache {
		g.Go(func() error {
			ref, err := url.Parse(me.URL)
			if err != nil {
				return fmt.Errorf("%s: %w", me.URL, err)
			}
			req := &Request{
				Method:      http.MethodGet,
				URL:         w.scope.ResolveReference(ref),
				Header:      http.Header{},
				Credentials: "same-origin",
				Redirect:    "follow",
			}
			ent, err := w.network(gctx, req, true)
			if err == nil && !ent.OK() {
				err = fmt.Errorf("%s: status %d", me.URL, ent.Status)
			}
			if err != nil {
				if me.Required {
					return err
				}
				w.log.Warn("optional precache entry skipped", "url", me.URL, "err", err)
				mu.Lock()
				skipped++
				mu.Unlock()
				return nil
			}

			mu.Lock()
			defer mu.Unlock()
			entries[req.Key()] = ent
			// a directory URL is also reachable through its index document
			if strings.HasSuffix(req.URL.Path, "/") {
				entries[Normalize(req).Key()] = ent
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInstallFailed, name, err)
	}

	existed, err := w.opts.Storage.Has(name)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInstallFailed, name, err)
	}
	c, err := w.opts.Storage.Open(name)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInstallFailed, name, err)
	}
	if err := c.PutAll(entries); err != nil {
		if !existed {
			w.discard(name)
		}
		return fmt.Errorf("%w: %s: %v", ErrInstallFailed, name, err)
	}

	var total uint64
	for _, ent := range entries {
		total += uint64(ent.Size())
	}
	w.opts.Metrics.observeInstall(len(entries), total)
	w.log.Info("installed", "cache", name, "entries", len(entries), "skipped", skipped, "size", formatBytes(total))

	if w.opts.SkipWaitingOnInstall {
		w.opts.Global.SkipWaiting()
	}
	return nil
}

// discard drops a generation this install created but could not fill. If
// that fails the empty marker stays until the next activation removes it.
func (w *Worker) discard(name string) {
	if _, err := w.opts.Storage.Delete(name); err != nil {
		w.log.Warn("discard partial cache failed", "cache", name, "err", err)
	}
}

// Activate enables navigation preload, deletes every other generation,
// claims all pages and then tells them which version is active. The order
// matters: a page reacting to the broadcast must not see a stale generation.
func (w *Worker) Activate(ctx context.Context) error {
	if w.opts.NavigationPreload {
		w.opts.Global.EnableNavigationPreload()
	}

	current := w.CacheName()
	names, err := w.opts.Storage.Keys()
	if err != nil {
		return fmt.Errorf("list caches: %w", err)
	}
	for _, name := range names {
		if name == current {
			continue
		}
		if _, err := w.opts.Storage.Delete(name); err != nil {
			return fmt.Errorf("delete cache %s: %w", name, err)
		}
		w.log.Info("deleted stale cache", "cache", name)
	}

	clients := w.opts.Global.Clients()
	if err := clients.Claim(ctx); err != nil {
		return fmt.Errorf("claim clients: %w", err)
	}
	w.broadcast(ctx, protocol.VersionBroadcast{AppVersion: w.opts.Release.Version})
	w.log.Info("activated", "cache", current)
	return nil
}

func (w *Worker) broadcast(ctx context.Context, msg protocol.Message) {
	for _, c := range w.opts.Global.Clients().MatchAll() {
		if err := c.PostMessage(ctx, msg); err != nil {
			w.log.Debug("post message failed", "client", c.ID(), "type", msg.Type(), "err", err)
		}
	}
}
