package cache

import (
	"sync"
)

// MemoryStorage keeps generations in process memory.
type MemoryStorage struct {
	mutex       sync.RWMutex
	generations map[string]*memoryGeneration
	order       []string
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		generations: make(map[string]*memoryGeneration),
	}
}

func (s *MemoryStorage) Open(name string) (Generation, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if g, ok := s.generations[name]; ok {
		return g, nil
	}
	g := &memoryGeneration{name: name, entries: make(map[string]Entry)}
	s.generations[name] = g
	s.order = append(s.order, name)
	return g, nil
}

func (s *MemoryStorage) Has(name string) (bool, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	_, ok := s.generations[name]
	return ok, nil
}

func (s *MemoryStorage) Keys() ([]string, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	out := make([]string, len(s.order))
	copy(out, s.order)
	return out, nil
}

func (s *MemoryStorage) Delete(name string) (bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, ok := s.generations[name]; !ok {
		return false, nil
	}
	delete(s.generations, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true, nil
}

type memoryGeneration struct {
	name    string
	mutex   sync.RWMutex
	entries map[string]Entry
}

func (g *memoryGeneration) Name() string {
	return g.name
}

func (g *memoryGeneration) Match(method, url string) (Entry, bool, error) {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	e, ok := g.entries[RequestKey(method, url)]
	return e, ok, nil
}

func (g *memoryGeneration) Put(method, url string, e Entry) error {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	g.entries[RequestKey(method, url)] = e
	return nil
}

func (g *memoryGeneration) PutAll(items []Item) error {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	for _, it := range items {
		g.entries[RequestKey(it.Method, it.URL)] = it.Entry
	}
	return nil
}

func (g *memoryGeneration) Len() (int, error) {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	return len(g.entries), nil
}
