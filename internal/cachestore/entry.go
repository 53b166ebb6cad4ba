package cachestore

import (
	"bytes"
	"encoding/gob"
	"hash/crc32"
	"net/http"
	"strings"
	"time"
)

// Entry is a stored response. Entries are written whole and replaced whole.
type Entry struct {
	URL      string
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix seconds
	Hash32   uint32
}

// NewEntry builds an entry from a response, dropping headers that describe
// the original connection rather than the resource.
func NewEntry(url string, status int, header http.Header, body []byte) *Entry {
	h := CloneHeader(header)
	StripHopByHop(h)
	h.Del("Content-Length")
	return &Entry{
		URL:      url,
		Status:   status,
		Header:   h,
		Body:     body,
		StoredAt: time.Now().Unix(),
		Hash32:   crc32.ChecksumIEEE(body),
	}
}

// OK reports whether the entry holds a 2xx response.
func (e *Entry) OK() bool {
	return e != nil && e.Status >= 200 && e.Status < 300
}

// Size is the number of body bytes.
func (e *Entry) Size() int {
	if e == nil {
		return 0
	}
	return len(e.Body)
}

var hopByHop = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// StripHopByHop removes connection-scoped headers, including any listed in
// the Connection header itself.
func StripHopByHop(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopByHop {
		h.Del(name)
	}
}

func CloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
