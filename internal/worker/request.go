package worker

import (
	"net/http"
	"net/url"
	"strings"
)

// Mode is the fetch mode of a request. ModeNavigate is only legal on a
// request the browser issued itself.
type Mode int

const (
	ModeSameOrigin Mode = iota
	ModeNavigate
	ModeNoCORS
	ModeCORS
)

func (m Mode) String() string {
	switch m {
	case ModeNavigate:
		return "navigate"
	case ModeNoCORS:
		return "no-cors"
	case ModeCORS:
		return "cors"
	default:
		return "same-origin"
	}
}

func parseMode(s string) Mode {
	switch strings.ToLower(s) {
	case "navigate":
		return ModeNavigate
	case "no-cors":
		return ModeNoCORS
	case "cors":
		return ModeCORS
	default:
		return ModeSameOrigin
	}
}

// Request is an intercepted request as the worker sees it.
type Request struct {
	Method      string
	URL         *url.URL // absolute
	Header      http.Header
	Mode        Mode
	Credentials string
	Redirect    string
}

// NewRequest derives a Request from an incoming HTTP request. Requests in
// origin form are resolved against scope; absolute-form requests keep their
// own origin so they can be recognised as cross-origin.
func NewRequest(r *http.Request, scope *url.URL) *Request {
	u := *r.URL
	if !u.IsAbs() {
		u = *scope.ResolveReference(&url.URL{Path: r.URL.Path, RawPath: r.URL.RawPath, RawQuery: r.URL.RawQuery})
	}

	mode := parseMode(r.Header.Get("Sec-Fetch-Mode"))
	if r.Header.Get("Sec-Fetch-Mode") == "" && r.Method == http.MethodGet && prefersHTML(r.Header.Get("Accept")) {
		mode = ModeNavigate
	}
	return &Request{
		Method:      r.Method,
		URL:         &u,
		Header:      r.Header.Clone(),
		Mode:        mode,
		Credentials: "same-origin",
		Redirect:    "follow",
	}
}

func prefersHTML(accept string) bool {
	for _, part := range strings.Split(accept, ",") {
		mt := strings.TrimSpace(strings.SplitN(part, ";", 2)[0])
		switch mt {
		case "text/html", "application/xhtml+xml":
			return true
		case "":
			continue
		default:
			return false
		}
	}
	return false
}

// Key is the cache key of the request: its root-relative URI.
func (r *Request) Key() string {
	return r.URL.RequestURI()
}

// Normalize rewrites a directory-style URL to its index document. The
// result is always a new request and never carries ModeNavigate.
func Normalize(r *Request) *Request {
	u := *r.URL
	if strings.HasSuffix(u.Path, "/") {
		u.Path += "index.html"
		if u.RawPath != "" {
			u.RawPath += "index.html"
		}
	}
	mode := r.Mode
	if mode == ModeNavigate {
		mode = ModeSameOrigin
	}
	return &Request{
		Method:      r.Method,
		URL:         &u,
		Header:      r.Header.Clone(),
		Mode:        mode,
		Credentials: r.Credentials,
		Redirect:    r.Redirect,
	}
}

// Class is the closed set of request classes the router distinguishes.
type Class int

const (
	ClassPassthrough Class = iota
	ClassNavigation
	ClassAsset
)

func (c Class) String() string {
	switch c {
	case ClassNavigation:
		return "navigation"
	case ClassAsset:
		return "asset"
	default:
		return "passthrough"
	}
}

// Classify decides how an intercepted request is handled. Non-GET,
// cross-origin and worker-script requests are left to the network.
func (w *Worker) Classify(r *Request) Class {
	if r.Method != http.MethodGet {
		return ClassPassthrough
	}
	if !sameOrigin(r.URL, w.scope) {
		return ClassPassthrough
	}
	if r.URL.Path == w.opts.ScriptPath {
		return ClassPassthrough
	}
	if r.Mode == ModeNavigate {
		return ClassNavigation
	}
	return ClassAsset
}

func sameOrigin(a, b *url.URL) bool {
	return strings.EqualFold(a.Scheme, b.Scheme) && strings.EqualFold(a.Host, b.Host)
}
