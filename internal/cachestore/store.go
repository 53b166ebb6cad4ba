package cachestore

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var (
	ErrInvalidName       = errors.New("cachestore: invalid cache name")
	ErrGenerationDeleted = errors.New("cachestore: cache generation deleted")
)

// Key layout:
//
//	n:<name>                       generation marker
//	e:<name>\x00<key>              gob-encoded Entry
//	q:<name>\x00<path>\x00<key>    query-less index for IgnoreSearch lookups
//	s:<key>                        setting value
const (
	prefixName    = "n:"
	prefixEntry   = "e:"
	prefixSearch  = "q:"
	prefixSetting = "s:"
	sep           = "\x00"
)

// Storage holds named cache generations on top of a single leveldb.
type Storage struct {
	db *leveldb.DB

	// Delete takes the write side so a put racing a generation delete cannot
	// resurrect entries under a name that no longer exists.
	mu sync.RWMutex
}

func Open(path string) (*Storage, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %q: %w", path, err)
	}
	return &Storage{db: db}, nil
}

// OpenMemory returns a storage that lives only in memory.
func OpenMemory() (*Storage, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return &Storage{db: db}, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

// Open returns the named generation, creating it if needed.
func (s *Storage) Open(name string) (*Cache, error) {
	if name == "" || strings.Contains(name, sep) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.db.Put([]byte(prefixName+name), nil, nil); err != nil {
		return nil, err
	}
	return &Cache{s: s, name: name}, nil
}

// Cache returns a handle to name without creating the generation. Writes
// through it fail with ErrGenerationDeleted until the name exists.
func (s *Storage) Cache(name string) *Cache {
	return &Cache{s: s, name: name}
}

func (s *Storage) Has(name string) (bool, error) {
	return s.db.Has([]byte(prefixName+name), nil)
}

// Keys lists generation names in lexical order.
func (s *Storage) Keys() ([]string, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte(prefixName)), nil)
	defer it.Release()

	var out []string
	for it.Next() {
		out = append(out, strings.TrimPrefix(string(it.Key()), prefixName))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

// Delete removes a generation and every entry in it in one batch.
func (s *Storage) Delete(name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ok, err := s.db.Has([]byte(prefixName+name), nil)
	if err != nil || !ok {
		return false, err
	}

	batch := new(leveldb.Batch)
	batch.Delete([]byte(prefixName + name))
	for _, p := range []string{prefixEntry, prefixSearch} {
		it := s.db.NewIterator(util.BytesPrefix([]byte(p+name+sep)), nil)
		for it.Next() {
			k := make([]byte, len(it.Key()))
			copy(k, it.Key())
			batch.Delete(k)
		}
		it.Release()
		if err := it.Error(); err != nil {
			return false, err
		}
	}
	if err := s.db.Write(batch, nil); err != nil {
		return false, err
	}
	return true, nil
}

// Setting returns a persisted value outside of any cache generation.
func (s *Storage) Setting(key string) (string, bool, error) {
	b, err := s.db.Get([]byte(prefixSetting+key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(b), true, nil
}

func (s *Storage) SetSetting(key, value string) error {
	return s.db.Put([]byte(prefixSetting+key), []byte(value), nil)
}

// MatchOptions mirrors the lookup knobs a cache match supports.
type MatchOptions struct {
	// IgnoreSearch matches entries regardless of their query string.
	IgnoreSearch bool
}

// Cache is a handle to one named generation.
type Cache struct {
	s    *Storage
	name string
}

func (c *Cache) Name() string { return c.name }

// Put stores ent under key, replacing any previous entry.
func (c *Cache) Put(key string, ent *Entry) error {
	return c.PutAll(map[string]*Entry{key: ent})
}

// PutAll stores all entries in a single atomic batch.
func (c *Cache) PutAll(entries map[string]*Entry) error {
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()

	ok, err := c.s.db.Has([]byte(prefixName+c.name), nil)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrGenerationDeleted, c.name)
	}

	batch := new(leveldb.Batch)
	for key, ent := range entries {
		stored := *ent
		stored.URL = key
		b, err := encodeGob(stored)
		if err != nil {
			return fmt.Errorf("encode %s: %w", key, err)
		}
		batch.Put(c.entryKey(key), b)
		batch.Put(c.searchKey(key), nil)
	}
	return c.s.db.Write(batch, nil)
}

// Match looks up key. With IgnoreSearch the query string of both the stored
// keys and the lookup key is disregarded and the first match in key order wins.
func (c *Cache) Match(key string, opts MatchOptions) (*Entry, bool, error) {
	if ent, ok, err := c.get(key); err != nil || ok || !opts.IgnoreSearch {
		return ent, ok, err
	}

	it := c.s.db.NewIterator(util.BytesPrefix([]byte(prefixSearch+c.name+sep+stripSearch(key)+sep)), nil)
	defer it.Release()
	for it.Next() {
		k := string(it.Key())
		stored := k[strings.LastIndex(k, sep)+1:]
		if ent, ok, err := c.get(stored); err != nil || ok {
			return ent, ok, err
		}
	}
	return nil, false, it.Error()
}

// Keys lists the stored keys in lexical order.
func (c *Cache) Keys() ([]string, error) {
	prefix := prefixEntry + c.name + sep
	it := c.s.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer it.Release()

	var out []string
	for it.Next() {
		out = append(out, strings.TrimPrefix(string(it.Key()), prefix))
	}
	return out, it.Error()
}

func (c *Cache) Delete(key string) (bool, error) {
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()

	ok, err := c.s.db.Has(c.entryKey(key), nil)
	if err != nil || !ok {
		return false, err
	}
	batch := new(leveldb.Batch)
	batch.Delete(c.entryKey(key))
	batch.Delete(c.searchKey(key))
	return true, c.s.db.Write(batch, nil)
}

func (c *Cache) get(key string) (*Entry, bool, error) {
	b, err := c.s.db.Get(c.entryKey(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var ent Entry
	if err := decodeGob(b, &ent); err != nil {
		return nil, false, fmt.Errorf("decode %s: %w", key, err)
	}
	return &ent, true, nil
}

func (c *Cache) entryKey(key string) []byte {
	return []byte(prefixEntry + c.name + sep + key)
}

func (c *Cache) searchKey(key string) []byte {
	return []byte(prefixSearch + c.name + sep + stripSearch(key) + sep + key)
}

func stripSearch(key string) string {
	if u, err := url.Parse(key); err == nil {
		u.RawQuery = ""
		u.ForceQuery = false
		u.Fragment = ""
		return u.String()
	}
	if i := strings.IndexByte(key, '?'); i >= 0 {
		return key[:i]
	}
	return key
}
