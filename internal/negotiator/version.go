package negotiator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

const versionSetting = "app-version"

var errNoVersion = errors.New("no version")

// ResolveVersion finds the deployed version: the version descriptor first,
// then the document's meta tag, then the value stored by an earlier load.
// A freshly resolved version is stored for the next load. The result is
// empty when every source fails.
func (s *Session) ResolveVersion(ctx context.Context) string {
	sources := []struct {
		name string
		get  func(context.Context) (string, error)
	}{
		{"descriptor", s.versionFromDescriptor},
		{"meta", s.versionFromDocument},
	}
	for _, src := range sources {
		v, err := src.get(ctx)
		if err != nil {
			s.log.Debug("version source unavailable", "source", src.name, "err", err)
			continue
		}
		if s.opts.Store != nil {
			if err := s.opts.Store.SetSetting(versionSetting, v); err != nil {
				s.log.Warn("persist version failed", "err", err)
			}
		}
		s.log.Debug("version resolved", "source", src.name, "version", v)
		return v
	}

	if s.opts.Store != nil {
		v, ok, err := s.opts.Store.Setting(versionSetting)
		switch {
		case err != nil:
			s.log.Warn("read stored version failed", "err", err)
		case ok && v != "":
			s.log.Debug("version resolved", "source", "stored", "version", v)
			return v
		}
	}
	return ""
}

// ScriptURL is the registration URL for version, busted with a query
// parameter so a new deployment is never mistaken for the old script.
func (s *Session) ScriptURL(version string) string {
	u := s.resolve(s.opts.ScriptPath)
	if version != "" {
		q := u.Query()
		q.Set("v", version)
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func (s *Session) resolve(path string) *url.URL {
	return s.opts.BaseURL.ResolveReference(&url.URL{Path: path})
}

func (s *Session) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.resolve(path).String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Cache-Control", "no-cache")
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: status %d", path, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
}

func (s *Session) versionFromDescriptor(ctx context.Context) (string, error) {
	b, err := s.get(ctx, s.opts.VersionPath)
	if err != nil {
		return "", err
	}
	var d struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(b, &d); err != nil {
		return "", fmt.Errorf("decode %s: %w", s.opts.VersionPath, err)
	}
	if v := strings.TrimSpace(d.Version); v != "" {
		return v, nil
	}
	return "", errNoVersion
}

func (s *Session) versionFromDocument(ctx context.Context) (string, error) {
	b, err := s.get(ctx, s.opts.DocumentPath)
	if err != nil {
		return "", err
	}
	doc, err := html.Parse(strings.NewReader(string(b)))
	if err != nil {
		return "", err
	}
	if v := metaContent(doc, s.opts.MetaName); v != "" {
		return v, nil
	}
	return "", errNoVersion
}

func metaContent(n *html.Node, name string) string {
	if n.Type == html.ElementNode && n.Data == "meta" {
		var metaName, content string
		for _, a := range n.Attr {
			switch strings.ToLower(a.Key) {
			case "name":
				metaName = a.Val
			case "content":
				content = a.Val
			}
		}
		if strings.EqualFold(metaName, name) {
			return strings.TrimSpace(content)
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if v := metaContent(c, name); v != "" {
			return v
		}
	}
	return ""
}
