package worker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"offline0/internal/cachestore"
)

// network fetches req from the origin. Any HTTP status is a response; only
// transport failures are errors. bypass asks intermediaries for a fresh copy.
func (w *Worker) network(ctx context.Context, req *Request, bypass bool) (*cachestore.Entry, error) {
	originURL := w.opts.Origin.String() + req.URL.RequestURI()
	out, err := http.NewRequestWithContext(ctx, http.MethodGet, originURL, nil)
	if err != nil {
		return nil, err
	}
	copyHeaders(out.Header, req.Header)
	out.Header.Set("Accept-Encoding", "identity")
	if bypass {
		out.Header.Set("Cache-Control", "no-cache")
		out.Header.Set("Pragma", "no-cache")
	}
	if req.Credentials == "omit" {
		out.Header.Del("Cookie")
		out.Header.Del("Authorization")
	}

	client := w.client
	if req.Redirect != "" && req.Redirect != "follow" {
		c := *w.client
		c.CheckRedirect = func(*http.Request, []*http.Request) error {
			if req.Redirect == "manual" {
				return http.ErrUseLastResponse
			}
			return fmt.Errorf("redirect not allowed for %s", req.Key())
		}
		client = &c
	}

	resp, err := client.Do(out)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", req.Key(), err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", req.Key(), err)
	}
	return cachestore.NewEntry(req.Key(), resp.StatusCode, resp.Header, body), nil
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") || strings.HasPrefix(http.CanonicalHeaderKey(k), "Sec-Fetch-") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
	cachestore.StripHopByHop(dst)
	// conditional requests could produce a 304 with nothing to store
	dst.Del("If-None-Match")
	dst.Del("If-Modified-Since")
}
