package host

import (
	"net/http"
	"strconv"
	"strings"

	"offline0/internal/cachestore"
)

const sourceHeader = "X-Offline0"

func writeEntry(w http.ResponseWriter, ent *cachestore.Entry, source string) {
	for k, vs := range ent.Header {
		if strings.EqualFold(k, sourceHeader) {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setSourceHeaders(w.Header(), source)
	w.Header().Set("Content-Length", strconv.Itoa(len(ent.Body)))
	w.WriteHeader(ent.Status)
	_, _ = w.Write(ent.Body)
}

func badGateway(w http.ResponseWriter) {
	setSourceHeaders(w.Header(), "bad-gateway")
	http.Error(w, "bad gateway", http.StatusBadGateway)
}

func setSourceHeaders(h http.Header, source string) {
	if source != "" {
		h.Set(sourceHeader, source)
	}
	// browsers hide custom headers from scripts unless exposed
	ensureExposedHeader(h, sourceHeader)
}

func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

func noStore(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}
