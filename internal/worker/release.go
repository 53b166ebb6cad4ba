package worker

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
)

var ErrInvalidRelease = errors.New("worker: invalid release descriptor")

// Release is what the origin serves at the worker script URL.
type Release struct {
	AppName  string          `json:"appName"`
	Version  string          `json:"version"`
	Precache []ManifestEntry `json:"precache"`
}

// CacheName is the name of the generation this release owns.
func (r Release) CacheName() string {
	return r.AppName + "-v" + r.Version
}

// ManifestEntry is one precache URL. In JSON it is either a bare string
// (required) or {"url": ..., "required": bool}.
type ManifestEntry struct {
	URL      string `json:"url"`
	Required bool   `json:"required"`
}

func (e *ManifestEntry) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*e = ManifestEntry{URL: s, Required: true}
		return nil
	}
	var obj struct {
		URL      string `json:"url"`
		Required *bool  `json:"required"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*e = ManifestEntry{URL: obj.URL, Required: true}
	if obj.Required != nil {
		e.Required = *obj.Required
	}
	return nil
}

// ParseRelease decodes a release descriptor. Gzip bodies are accepted even
// when the transport did not decode them. appName fills in a missing
// appName.
func ParseRelease(body []byte, appName string) (Release, error) {
	if len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b {
		gz, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return Release{}, fmt.Errorf("%w: %v", ErrInvalidRelease, err)
		}
		defer gz.Close()
		if body, err = io.ReadAll(gz); err != nil {
			return Release{}, fmt.Errorf("%w: %v", ErrInvalidRelease, err)
		}
	}

	var rel Release
	if err := json.Unmarshal(body, &rel); err != nil {
		return Release{}, fmt.Errorf("%w: %v", ErrInvalidRelease, err)
	}
	rel.Version = strings.TrimSpace(rel.Version)
	if rel.AppName == "" {
		rel.AppName = appName
	}
	if rel.Version == "" {
		return Release{}, fmt.Errorf("%w: missing version", ErrInvalidRelease)
	}
	if rel.AppName == "" {
		return Release{}, fmt.Errorf("%w: missing appName", ErrInvalidRelease)
	}

	seen := make(map[string]struct{}, len(rel.Precache))
	out := rel.Precache[:0]
	for i, e := range rel.Precache {
		key, err := manifestKey(e.URL)
		if err != nil {
			return Release{}, fmt.Errorf("%w: precache[%d]: %v", ErrInvalidRelease, i, err)
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		e.URL = key
		out = append(out, e)
	}
	rel.Precache = out
	return rel, nil
}

// manifestKey turns a manifest URL into a root-relative cache key.
// Absolute URLs are rejected: the manifest only lists same-origin resources.
func manifestKey(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("empty url")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.IsAbs() || u.Host != "" {
		return "", fmt.Errorf("%q is not same-origin relative", raw)
	}
	u = (&url.URL{Path: "/"}).ResolveReference(u)
	u.Fragment = ""
	return u.RequestURI(), nil
}
