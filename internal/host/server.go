package host

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"offline0/internal/cachestore"
	"offline0/internal/protocol"
	"offline0/internal/worker"
)

// ControlPrefix is reserved for the host's own endpoints; everything else is
// a fetch.
const ControlPrefix = "/__offline0"

type Server struct {
	c        *Container
	log      *slog.Logger
	proxy    *httputil.ReverseProxy
	gatherer prometheus.Gatherer
}

// NewServer serves pages for c. gatherer may be nil to disable /metrics.
func NewServer(c *Container, gatherer prometheus.Gatherer) *Server {
	s := &Server{
		c:        c,
		log:      slog.Default().With("component", "server"),
		gatherer: gatherer,
	}
	s.proxy = &httputil.ReverseProxy{
		Rewrite:        s.rewrite,
		Transport:      c.opts.HTTPClient.Transport,
		ModifyResponse: s.modifyResponse,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			s.log.Warn("pass-through failed", "method", r.Method, "url", r.URL.RequestURI(), "err", err)
			badGateway(w)
		},
	}
	return s
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route(ControlPrefix, func(r chi.Router) {
		r.Use(noStore)
		r.Get("/messages", s.handleMessages)
		r.Get("/notifications", s.handleNotifications)
		r.Post("/notifications/{tag}/click", s.handleNotificationClick)
		r.Get("/status", s.handleStatus)
		if s.gatherer != nil {
			r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
		}
	})
	r.HandleFunc("/*", s.handleFetch)
	return r
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	h := s.c.controllerHandle()
	if h == nil {
		s.proxy.ServeHTTP(w, r)
		return
	}

	req := worker.NewRequest(r, s.c.opts.Scope)
	ev := &worker.FetchEvent{Request: req}
	if req.Mode == worker.ModeNavigate && r.Method == http.MethodGet && h.reg.NavigationPreload() {
		ev.Preload = s.preload(r)
	}

	resp, err := h.w.Fetch(r.Context(), ev)
	switch {
	case errors.Is(err, worker.ErrNotIntercepted):
		s.proxy.ServeHTTP(w, r)
	case err != nil:
		s.log.Warn("fetch failed", "url", req.Key(), "err", err)
		badGateway(w)
	default:
		writeEntry(w, resp.Entry, string(resp.Source))
	}
}

type preloadResult struct {
	ent *cachestore.Entry
	err error
}

// preload starts the navigation request to the origin before the worker
// sees the event. It runs on the container's context: the worker may keep
// waiting for it after the page got its answer from the cache.
func (s *Server) preload(r *http.Request) func(context.Context) (*cachestore.Entry, error) {
	uri, header := r.URL.RequestURI(), r.Header.Clone()
	done := make(chan preloadResult, 1)
	go func() {
		ent, err := s.fetchPreload(s.c.ctx, uri, header)
		done <- preloadResult{ent: ent, err: err}
	}()
	return func(ctx context.Context) (*cachestore.Entry, error) {
		select {
		case res := <-done:
			return res.ent, res.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *Server) fetchPreload(ctx context.Context, uri string, header http.Header) (*cachestore.Entry, error) {
	if s.c.opts.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.c.opts.FetchTimeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.c.opts.Origin.String()+uri, nil)
	if err != nil {
		return nil, err
	}
	for k, vs := range header {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	cachestore.StripHopByHop(req.Header)
	req.Header.Set("Accept-Encoding", "identity")
	req.Header.Set("Service-Worker-Navigation-Preload", "true")

	resp, err := s.c.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return cachestore.NewEntry(uri, resp.StatusCode, resp.Header, body), nil
}

func (s *Server) rewrite(pr *httputil.ProxyRequest) {
	target := s.c.opts.Origin
	if in := pr.In.URL; in.IsAbs() && !strings.EqualFold(in.Host, s.c.opts.Scope.Host) {
		target = &url.URL{Scheme: in.Scheme, Host: in.Host}
	}
	pr.SetURL(target)
	pr.SetXForwarded()
}

func (s *Server) modifyResponse(resp *http.Response) error {
	setSourceHeaders(resp.Header, "passthrough")
	if resp.Request != nil && resp.Request.URL.Path == s.c.opts.ScriptPath {
		resp.Header.Set("Cache-Control", "no-store")
	}
	return nil
}

// handleMessages connects a page to the message bus. The page passes its
// own URL in the url query parameter.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	scope := s.c.opts.Scope
	page := scope.ResolveReference(&url.URL{Path: "/"})
	if raw := r.URL.Query().Get("url"); raw != "" {
		u, err := scope.Parse(raw)
		if err != nil || u.Scheme != scope.Scheme || u.Host != scope.Host {
			http.Error(w, "page url outside scope", http.StatusBadRequest)
			return
		}
		page = u
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{scope.Host},
	})
	if err != nil {
		s.log.Warn("websocket accept failed", "err", err)
		return
	}

	client := s.c.clients.add(conn, page.String(), s.c.controllerHandle())
	s.log.Debug("page connected", "client", client.ID(), "url", client.URL())
	defer func() {
		s.c.clients.remove(client)
		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.log.Debug("page disconnected", "client", client.ID())
	}()

	// the request context ends with the upgrade; the container outlives it
	ctx := s.c.ctx
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			s.log.Debug("dropping malformed message", "client", client.ID(), "err", err)
			continue
		}
		if err := s.c.Dispatch(ctx, client, msg); err != nil {
			s.log.Debug("message not handled", "client", client.ID(), "type", msg.Type(), "err", err)
		}
	}
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	shown := []Shown{}
	if n := s.c.opts.Notifications; n != nil {
		shown = n.List()
	}
	writeJSON(w, http.StatusOK, shown)
}

func (s *Server) handleNotificationClick(w http.ResponseWriter, r *http.Request) {
	tag := chi.URLParam(r, "tag")
	err := s.c.NotificationClick(r.Context(), tag)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, ErrNotificationNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrNoController):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		s.log.Warn("notification click failed", "tag", tag, "err", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

type ClientStatus struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Focused   bool      `json:"focused"`
	Connected time.Time `json:"connected"`
}

type Status struct {
	Scope             string         `json:"scope"`
	Script            string         `json:"script,omitempty"`
	Installing        string         `json:"installing,omitempty"`
	Waiting           string         `json:"waiting,omitempty"`
	Active            string         `json:"active,omitempty"`
	Controller        string         `json:"controller,omitempty"`
	NavigationPreload bool           `json:"navigationPreload"`
	Caches            []string       `json:"caches"`
	Timers            []string       `json:"timers"`
	Clients           []ClientStatus `json:"clients"`
}

// Status reports the registration, cache generations and pages.
func (c *Container) Status() (Status, error) {
	st := Status{
		Scope:   c.opts.Scope.String(),
		Timers:  []string{},
		Clients: []ClientStatus{},
	}
	version := func(h *Handle) string {
		if h == nil {
			return ""
		}
		return h.Version()
	}
	if reg := c.Registration(); reg != nil {
		reg.mu.Lock()
		st.Script = reg.scriptURL
		st.Installing = version(reg.installing)
		st.Waiting = version(reg.waiting)
		st.Active = version(reg.active)
		st.NavigationPreload = reg.navigationPreload
		reg.mu.Unlock()
	}
	if h := c.controllerHandle(); h != nil {
		st.Controller = h.Version()
		st.Timers = h.w.Timers().Pending()
	}
	for _, cl := range c.clients.All() {
		st.Clients = append(st.Clients, ClientStatus{
			ID:        cl.ID(),
			URL:       cl.URL(),
			Focused:   cl.Focused(),
			Connected: cl.connected,
		})
	}

	caches, err := c.opts.Storage.Keys()
	if err != nil {
		return st, err
	}
	st.Caches = caches
	return st, nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.c.Status()
	if err != nil {
		s.log.Warn("status failed", "err", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
