package cache

import (
	"io"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
)

func storages(t *testing.T) map[string]Storage {
	t.Helper()
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return map[string]Storage{
		"memory":  NewMemoryStorage(),
		"leveldb": NewLevelDBStorage(db),
	}
}

func textEntry(body string) Entry {
	h := http.Header{}
	h.Set("Content-Type", "text/plain")
	return NewEntry(http.StatusOK, h, []byte(body))
}

func TestStorage_PutAndMatch(t *testing.T) {
	for name, s := range storages(t) {
		t.Run(name, func(t *testing.T) {
			g, err := s.Open("languagepal-v1")
			require.NoError(t, err)

			require.NoError(t, g.Put(http.MethodGet, "http://app.test/static/css/style.css", textEntry("body{}")))

			e, ok, err := g.Match(http.MethodGet, "http://app.test/static/css/style.css")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, http.StatusOK, e.Status)
			assert.Equal(t, "text/plain", e.Header.Get("Content-Type"))
			assert.Equal(t, "body{}", string(e.Body))

			_, ok, err = g.Match(http.MethodPost, "http://app.test/static/css/style.css")
			require.NoError(t, err)
			assert.False(t, ok, "method is part of the identity")
		})
	}
}

func TestStorage_GenerationsAreIsolated(t *testing.T) {
	for name, s := range storages(t) {
		t.Run(name, func(t *testing.T) {
			g1, err := s.Open("v1")
			require.NoError(t, err)
			g2, err := s.Open("v2")
			require.NoError(t, err)

			require.NoError(t, g1.Put(http.MethodGet, "http://app.test/", textEntry("one")))

			_, ok, err := g2.Match(http.MethodGet, "http://app.test/")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestStorage_KeysInCreationOrder(t *testing.T) {
	for name, s := range storages(t) {
		t.Run(name, func(t *testing.T) {
			for _, n := range []string{"b", "a", "c"} {
				_, err := s.Open(n)
				require.NoError(t, err)
			}
			_, err := s.Open("a")
			require.NoError(t, err)

			keys, err := s.Keys()
			require.NoError(t, err)
			assert.Equal(t, []string{"b", "a", "c"}, keys)
		})
	}
}

func TestStorage_DeleteRemovesEntries(t *testing.T) {
	for name, s := range storages(t) {
		t.Run(name, func(t *testing.T) {
			g, err := s.Open("v1")
			require.NoError(t, err)
			require.NoError(t, g.Put(http.MethodGet, "http://app.test/", textEntry("x")))

			deleted, err := s.Delete("v1")
			require.NoError(t, err)
			assert.True(t, deleted)

			deleted, err = s.Delete("v1")
			require.NoError(t, err)
			assert.False(t, deleted)

			has, err := s.Has("v1")
			require.NoError(t, err)
			assert.False(t, has)

			g, err = s.Open("v1")
			require.NoError(t, err)
			n, err := g.Len()
			require.NoError(t, err)
			assert.Equal(t, 0, n)
		})
	}
}

func TestStorage_PutAll(t *testing.T) {
	for name, s := range storages(t) {
		t.Run(name, func(t *testing.T) {
			g, err := s.Open("v1")
			require.NoError(t, err)

			items := []Item{
				{Method: http.MethodGet, URL: "http://app.test/", Entry: textEntry("home")},
				{Method: http.MethodGet, URL: "http://app.test/offline", Entry: textEntry("offline")},
				{Method: http.MethodGet, URL: "https://cdn.test/lib.css", Entry: textEntry("css")},
			}
			require.NoError(t, g.PutAll(items))

			n, err := g.Len()
			require.NoError(t, err)
			assert.Equal(t, 3, n)

			for _, it := range items {
				e, ok, err := g.Match(it.Method, it.URL)
				require.NoError(t, err)
				require.True(t, ok, it.URL)
				assert.Equal(t, it.Entry.Body, e.Body)
			}
		})
	}
}

func TestStorage_ConcurrentPuts(t *testing.T) {
	for name, s := range storages(t) {
		t.Run(name, func(t *testing.T) {
			g, err := s.Open("v1")
			require.NoError(t, err)

			var wg sync.WaitGroup
			for i := 0; i < 50; i++ {
				wg.Add(2)
				go func(n int) {
					defer wg.Done()
					_ = g.Put(http.MethodGet, "http://app.test/chat", textEntry(string(rune('a'+n%26))))
				}(i)
				go func() {
					defer wg.Done()
					_, _, _ = g.Match(http.MethodGet, "http://app.test/chat")
				}()
			}
			wg.Wait()

			n, err := g.Len()
			require.NoError(t, err)
			assert.Equal(t, 1, n)
		})
	}
}

func TestEntry_Response(t *testing.T) {
	h := http.Header{}
	h.Set("Content-Type", "text/html")
	h.Set("Content-Length", "999")
	e := NewEntry(http.StatusOK, h, []byte("<p>hi</p>"))

	assert.Empty(t, e.Header.Get("Content-Length"), "stored entries drop Content-Length")

	req, err := http.NewRequest(http.MethodGet, "http://app.test/", nil)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		resp := e.Response(req)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, "<p>hi</p>", string(body))
		assert.Equal(t, "9", resp.Header.Get("Content-Length"))
		assert.Equal(t, int64(9), resp.ContentLength)
		assert.Equal(t, "200 OK", resp.Status)
		assert.Same(t, req, resp.Request)
	}
}
