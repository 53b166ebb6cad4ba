package cachestore

import (
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func textEntry(body string) *Entry {
	h := http.Header{}
	h.Set("Content-Type", "text/plain")
	return NewEntry("", http.StatusOK, h, []byte(body))
}

func TestOpenRegistersGeneration(t *testing.T) {
	s := newTestStorage(t)

	_, err := s.Open("arcade-v2")
	require.NoError(t, err)
	_, err = s.Open("arcade-v1")
	require.NoError(t, err)

	names, err := s.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"arcade-v1", "arcade-v2"}, names)

	ok, err := s.Has("arcade-v1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestOpenRejectsInvalidName(t *testing.T) {
	s := newTestStorage(t)
	_, err := s.Open("")
	assert.ErrorIs(t, err, ErrInvalidName)
}

func TestPutAndMatchExact(t *testing.T) {
	s := newTestStorage(t)
	c, err := s.Open("arcade-v1")
	require.NoError(t, err)

	require.NoError(t, c.Put("/app.js?v=1", textEntry("one")))

	ent, ok, err := c.Match("/app.js?v=1", MatchOptions{})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "one", string(ent.Body))
	assert.Equal(t, "/app.js?v=1", ent.URL)

	_, ok, err = c.Match("/app.js?v=2", MatchOptions{})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMatchIgnoreSearch(t *testing.T) {
	s := newTestStorage(t)
	c, err := s.Open("arcade-v1")
	require.NoError(t, err)

	require.NoError(t, c.Put("/app.js?v=1", textEntry("one")))

	ent, ok, err := c.Match("/app.js?v=2", MatchOptions{IgnoreSearch: true})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "one", string(ent.Body))

	ent, ok, err = c.Match("/app.js", MatchOptions{IgnoreSearch: true})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "one", string(ent.Body))

	_, ok, err = c.Match("/app.css", MatchOptions{IgnoreSearch: true})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPutOverwrites(t *testing.T) {
	s := newTestStorage(t)
	c, err := s.Open("arcade-v1")
	require.NoError(t, err)

	require.NoError(t, c.Put("/index.html", textEntry("old")))
	require.NoError(t, c.Put("/index.html", textEntry("new")))

	ent, ok, err := c.Match("/index.html", MatchOptions{})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "new", string(ent.Body))

	keys, err := c.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"/index.html"}, keys)
}

func TestDeleteRemovesGenerationAndEntries(t *testing.T) {
	s := newTestStorage(t)
	old, err := s.Open("arcade-v1")
	require.NoError(t, err)
	cur, err := s.Open("arcade-v2")
	require.NoError(t, err)

	require.NoError(t, old.Put("/index.html", textEntry("v1")))
	require.NoError(t, cur.Put("/index.html", textEntry("v2")))

	deleted, err := s.Delete("arcade-v1")
	require.NoError(t, err)
	assert.True(t, deleted)

	names, err := s.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"arcade-v2"}, names)

	_, ok, err := old.Match("/index.html", MatchOptions{IgnoreSearch: true})
	require.NoError(t, err)
	assert.False(t, ok)

	ent, ok, err := cur.Match("/index.html", MatchOptions{})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v2", string(ent.Body))

	deleted, err = s.Delete("arcade-v1")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestPutAfterDeleteFails(t *testing.T) {
	s := newTestStorage(t)
	c, err := s.Open("arcade-v1")
	require.NoError(t, err)

	_, err = s.Delete("arcade-v1")
	require.NoError(t, err)

	err = c.Put("/index.html", textEntry("late"))
	assert.ErrorIs(t, err, ErrGenerationDeleted)

	names, err := s.Keys()
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestConcurrentPuts(t *testing.T) {
	s := newTestStorage(t)
	c, err := s.Open("arcade-v1")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.Put("/index.html", textEntry("same")))
		}()
	}
	wg.Wait()

	keys, err := c.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"/index.html"}, keys)
}

func TestSettings(t *testing.T) {
	s := newTestStorage(t)

	_, ok, err := s.Setting("app-version")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetSetting("app-version", "1.2.0"))
	v, ok, err := s.Setting("app-version")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "1.2.0", v)

	names, err := s.Keys()
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestNewEntryStripsConnectionHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Connection", "X-Trace")
	h.Set("X-Trace", "abc")
	h.Set("Transfer-Encoding", "chunked")
	h.Set("Content-Length", "3")
	h.Set("Content-Type", "text/html")

	ent := NewEntry("/", http.StatusOK, h, []byte("abc"))
	assert.Empty(t, ent.Header.Get("X-Trace"))
	assert.Empty(t, ent.Header.Get("Transfer-Encoding"))
	assert.Empty(t, ent.Header.Get("Content-Length"))
	assert.Equal(t, "text/html", ent.Header.Get("Content-Type"))
	assert.True(t, ent.OK())
	assert.NotZero(t, ent.Hash32)
}

func TestCacheHandleDoesNotCreate(t *testing.T) {
	s := newTestStorage(t)

	c := s.Cache("arcade-v9")
	_, ok, err := c.Match("/index.html", MatchOptions{IgnoreSearch: true})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.ErrorIs(t, c.Put("/index.html", textEntry("x")), ErrGenerationDeleted)

	names, err := s.Keys()
	require.NoError(t, err)
	assert.Empty(t, names)

	_, err = s.Open("arcade-v9")
	require.NoError(t, err)
	assert.NoError(t, c.Put("/index.html", textEntry("x")))
}
