package worker

import (
	"context"
	"fmt"
	"time"

	"offline0/internal/cachestore"
)

// Source says where a response came from. It is reported to the browser in
// the X-Offline0 header.
type Source string

const (
	SourcePreload  Source = "preload"
	SourceCache    Source = "cache"
	SourceNetwork  Source = "network"
	SourceFallback Source = "fallback"
)

type Response struct {
	Entry  *cachestore.Entry
	Source Source
}

// FetchEvent is one intercepted request.
type FetchEvent struct {
	Request *Request
	// Preload, when set, waits for the navigation preload response the host
	// started before dispatching the event.
	Preload func(ctx context.Context) (*cachestore.Entry, error)
}

// Fetch answers an intercepted request. Requests the worker does not handle
// return ErrNotIntercepted and must go to the network untouched. Every other
// outcome is a response or an error wrapping ErrNoResponse.
func (w *Worker) Fetch(ctx context.Context, ev *FetchEvent) (resp Response, err error) {
	class := w.Classify(ev.Request)
	defer func() {
		if p := recover(); p != nil {
			w.log.Error("fetch handler panic", "url", ev.Request.Key(), "panic", p)
			resp, err = Response{}, fmt.Errorf("%w: %s: panic: %v", ErrNoResponse, ev.Request.Key(), p)
		}
		if err == nil {
			w.opts.Metrics.observeFetch(class, string(resp.Source))
		} else if class != ClassPassthrough {
			w.opts.Metrics.observeFetch(class, "error")
		}
	}()

	switch class {
	case ClassNavigation:
		return w.navigate(ctx, ev)
	case ClassAsset:
		return w.asset(ctx, Normalize(ev.Request))
	case ClassPassthrough:
		return Response{}, ErrNotIntercepted
	default:
		panic(fmt.Sprintf("unhandled request class %d", class))
	}
}

// navigate serves a cached page within NavigationTimeout, taking a
// successful preload or network response instead when one arrives first.
// Without a cached copy it waits on the preload, then the network, and
// finally falls back to the cached index document.
func (w *Worker) navigate(ctx context.Context, ev *FetchEvent) (Response, error) {
	req := Normalize(ev.Request)
	key := req.Key()

	if cached, ok := w.match(key); ok {
		return w.race(ctx, req, cached, ev.Preload), nil
	}

	if ev.Preload != nil {
		ent, err := ev.Preload(ctx)
		switch {
		case err != nil:
			w.log.Debug("navigation preload failed", "url", key, "err", err)
		case ent.OK():
			w.store(key, ent)
			return Response{Entry: ent, Source: SourcePreload}, nil
		}
	}

	ent, err := w.network(ctx, req, false)
	if err == nil && ent.OK() {
		w.store(key, ent)
		return Response{Entry: ent, Source: SourceNetwork}, nil
	}
	if fb, ok := w.match(w.opts.FallbackDocument); ok {
		return Response{Entry: fb, Source: SourceFallback}, nil
	}
	if err != nil {
		return Response{}, fmt.Errorf("%w: %s: %v", ErrNoResponse, key, err)
	}
	return Response{Entry: ent, Source: SourceNetwork}, nil
}

type fetchResult struct {
	ent *cachestore.Entry
	err error
}

// race gives the preload, or the network when there is no preload or it
// failed, until NavigationTimeout to beat the cached copy. Both run detached
// from the request, so a late response still refreshes the cache.
func (w *Worker) race(ctx context.Context, req *Request, cached *cachestore.Entry, preload func(context.Context) (*cachestore.Entry, error)) Response {
	key := req.Key()
	startNetwork := func() <-chan fetchResult {
		return w.background(key, func(fctx context.Context) (*cachestore.Entry, error) {
			return w.network(fctx, req, false)
		})
	}

	var preloadDone, networkDone <-chan fetchResult
	if preload != nil {
		preloadDone = w.background(key, preload)
	} else {
		networkDone = startNetwork()
	}

	timer := time.NewTimer(w.opts.NavigationTimeout)
	defer timer.Stop()
	for preloadDone != nil || networkDone != nil {
		select {
		case res := <-preloadDone:
			preloadDone = nil
			if res.err == nil && res.ent.OK() {
				return Response{Entry: res.ent, Source: SourcePreload}
			}
			w.log.Debug("navigation preload failed", "url", key, "err", res.err)
			networkDone = startNetwork()
		case res := <-networkDone:
			networkDone = nil
			if res.err == nil && res.ent.OK() {
				return Response{Entry: res.ent, Source: SourceNetwork}
			}
		case <-timer.C:
			w.log.Debug("network slower than navigation timeout, serving cache", "url", key)
			return Response{Entry: cached, Source: SourceCache}
		case <-ctx.Done():
			return Response{Entry: cached, Source: SourceCache}
		}
	}
	return Response{Entry: cached, Source: SourceCache}
}

// background runs fetch on the worker's context and caches a successful
// result before reporting it.
func (w *Worker) background(key string, fetch func(context.Context) (*cachestore.Entry, error)) <-chan fetchResult {
	done := make(chan fetchResult, 1)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		fctx, cancel := context.WithTimeout(w.ctx, w.opts.FetchTimeout)
		defer cancel()

		var res fetchResult
		func() {
			defer func() {
				if p := recover(); p != nil {
					res.err = fmt.Errorf("panic: %v", p)
				}
			}()
			res.ent, res.err = fetch(fctx)
		}()
		if res.err == nil && res.ent.OK() {
			w.store(key, res.ent)
		}
		done <- res
	}()
	return done
}

// asset is network first. Successful responses refresh the cache; transport
// failures fall back to any cached copy regardless of query string.
func (w *Worker) asset(ctx context.Context, req *Request) (Response, error) {
	key := req.Key()
	ent, err := w.network(ctx, req, true)
	if err == nil {
		w.store(key, ent)
		return Response{Entry: ent, Source: SourceNetwork}, nil
	}
	if cached, ok := w.match(key); ok {
		return Response{Entry: cached, Source: SourceCache}, nil
	}
	return Response{}, fmt.Errorf("%w: %s: %v", ErrNoResponse, key, err)
}
