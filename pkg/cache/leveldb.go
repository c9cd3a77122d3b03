package cache

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout:
//
//	g:<generation>                    -> generationMeta
//	c:<generation>\x00<method> <url>  -> Entry
const (
	generationPrefix = "g:"
	entryPrefix      = "c:"
)

type generationMeta struct {
	CreatedAt int64 // unix nanoseconds
}

// LevelDBStorage persists generations in a LevelDB shared with other
// components. The caller owns the database.
type LevelDBStorage struct {
	db *leveldb.DB
	// serializes generation creation and deletion
	mu          sync.Mutex
	lastCreated int64
}

func NewLevelDBStorage(db *leveldb.DB) *LevelDBStorage {
	return &LevelDBStorage{db: db}
}

func (s *LevelDBStorage) Open(name string) (Generation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := []byte(generationPrefix + name)
	ok, err := s.db.Has(key, nil)
	if err != nil {
		return nil, fmt.Errorf("open generation %q: %w", name, err)
	}
	if !ok {
		created := time.Now().UnixNano()
		if created <= s.lastCreated {
			created = s.lastCreated + 1
		}
		s.lastCreated = created
		b, err := encodeGob(generationMeta{CreatedAt: created})
		if err != nil {
			return nil, err
		}
		if err := s.db.Put(key, b, nil); err != nil {
			return nil, fmt.Errorf("create generation %q: %w", name, err)
		}
	}
	return &levelDBGeneration{db: s.db, name: name}, nil
}

func (s *LevelDBStorage) Has(name string) (bool, error) {
	return s.db.Has([]byte(generationPrefix+name), nil)
}

func (s *LevelDBStorage) Keys() ([]string, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte(generationPrefix)), nil)
	defer it.Release()

	type named struct {
		name string
		meta generationMeta
	}
	var all []named
	for it.Next() {
		var meta generationMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			continue
		}
		all = append(all, named{
			name: string(bytes.TrimPrefix(it.Key(), []byte(generationPrefix))),
			meta: meta,
		})
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("list generations: %w", err)
	}

	sort.SliceStable(all, func(i, j int) bool {
		return all[i].meta.CreatedAt < all[j].meta.CreatedAt
	})
	out := make([]string, len(all))
	for i, n := range all {
		out[i] = n.name
	}
	return out, nil
}

func (s *LevelDBStorage) Delete(name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := []byte(generationPrefix + name)
	ok, err := s.db.Has(key, nil)
	if err != nil || !ok {
		return false, err
	}

	batch := new(leveldb.Batch)
	batch.Delete(key)

	it := s.db.NewIterator(util.BytesPrefix(entryKeyPrefix(name)), nil)
	for it.Next() {
		batch.Delete(bytes.Clone(it.Key()))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, fmt.Errorf("scan generation %q: %w", name, err)
	}

	if err := s.db.Write(batch, nil); err != nil {
		return false, fmt.Errorf("delete generation %q: %w", name, err)
	}
	return true, nil
}

type levelDBGeneration struct {
	db   *leveldb.DB
	name string
}

func (g *levelDBGeneration) Name() string {
	return g.name
}

func (g *levelDBGeneration) Match(method, url string) (Entry, bool, error) {
	b, err := g.db.Get(g.entryKey(method, url), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("match %s %s: %w", method, url, err)
	}
	var e Entry
	if err := decodeGob(b, &e); err != nil {
		return Entry{}, false, fmt.Errorf("decode %s %s: %w", method, url, err)
	}
	return e, true, nil
}

func (g *levelDBGeneration) Put(method, url string, e Entry) error {
	return g.PutAll([]Item{{Method: method, URL: url, Entry: e}})
}

func (g *levelDBGeneration) PutAll(items []Item) error {
	batch := new(leveldb.Batch)
	for _, it := range items {
		b, err := encodeGob(it.Entry)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", it.Method, it.URL, err)
		}
		batch.Put(g.entryKey(it.Method, it.URL), b)
	}
	if err := g.db.Write(batch, nil); err != nil {
		return fmt.Errorf("write generation %q: %w", g.name, err)
	}
	return nil
}

func (g *levelDBGeneration) Len() (int, error) {
	it := g.db.NewIterator(util.BytesPrefix(entryKeyPrefix(g.name)), nil)
	defer it.Release()

	n := 0
	for it.Next() {
		n++
	}
	return n, it.Error()
}

func (g *levelDBGeneration) entryKey(method, url string) []byte {
	return append(entryKeyPrefix(g.name), RequestKey(method, url)...)
}

func entryKeyPrefix(name string) []byte {
	return []byte(entryPrefix + name + "\x00")
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

func init() {
	gob.Register(http.Header{})
}
