package longterm

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store backed by a mutex-guarded two-level
// map (namespace path, then key). Expired entries are dropped lazily by
// whichever read observes them.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]map[string]*Entry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]map[string]*Entry)}
}

func (s *MemoryStore) Put(ctx context.Context, namespace []string, key string, value map[string]any, ttl time.Duration) error {
	if err := validateNamespace(namespace); err != nil {
		return err
	}
	if err := validateKey(key); err != nil {
		return err
	}

	now := time.Now()
	ent := &Entry{
		Namespace: append([]string(nil), namespace...),
		Key:       key,
		Value:     cloneDoc(value),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if ttl > 0 {
		ent.ExpiresAt = now.Add(ttl)
	}

	path := joinPath(namespace)

	s.mu.Lock()
	defer s.mu.Unlock()

	bucket, ok := s.entries[path]
	if !ok {
		bucket = make(map[string]*Entry)
		s.entries[path] = bucket
	}
	if prev, ok := bucket[key]; ok && !prev.Expired(now) {
		ent.CreatedAt = prev.CreatedAt
	}
	bucket[key] = ent
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, namespace []string, key string) (*Entry, error) {
	if err := validateNamespace(namespace); err != nil {
		return nil, err
	}
	if err := validateKey(key); err != nil {
		return nil, err
	}

	path := joinPath(namespace)

	s.mu.RLock()
	ent, ok := s.entries[path][key]
	s.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound
	}
	if ent.Expired(time.Now()) {
		s.mu.Lock()
		delete(s.entries[path], key)
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	return copyEntry(ent), nil
}

func (s *MemoryStore) Delete(ctx context.Context, namespace []string, key string) error {
	if err := validateNamespace(namespace); err != nil {
		return err
	}
	if err := validateKey(key); err != nil {
		return err
	}

	path := joinPath(namespace)

	s.mu.Lock()
	if bucket, ok := s.entries[path]; ok {
		delete(bucket, key)
		if len(bucket) == 0 {
			delete(s.entries, path)
		}
	}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Search(ctx context.Context, prefix []string, q Query) ([]*Entry, error) {
	prefixPath := joinPath(prefix)
	now := time.Now()

	s.mu.RLock()
	var matched []*Entry
	for path, bucket := range s.entries {
		if !pathHasPrefix(path, prefixPath) {
			continue
		}
		for _, ent := range bucket {
			if ent.Expired(now) {
				continue
			}
			matched = append(matched, ent)
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		pi, pj := joinPath(matched[i].Namespace), joinPath(matched[j].Namespace)
		if pi != pj {
			return pi < pj
		}
		return matched[i].Key < matched[j].Key
	})

	if q.Offset > 0 {
		if q.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[q.Offset:]
	}
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}

	out := make([]*Entry, len(matched))
	for i, ent := range matched {
		out[i] = copyEntry(ent)
	}
	return out, nil
}

func (s *MemoryStore) ListNamespaces(ctx context.Context, prefix []string) ([][]string, error) {
	prefixPath := joinPath(prefix)
	now := time.Now()

	s.mu.RLock()
	var paths []string
	for path, bucket := range s.entries {
		if !pathHasPrefix(path, prefixPath) {
			continue
		}
		live := false
		for _, ent := range bucket {
			if !ent.Expired(now) {
				live = true
				break
			}
		}
		if live {
			paths = append(paths, path)
		}
	}
	s.mu.RUnlock()

	sort.Strings(paths)

	out := make([][]string, len(paths))
	for i, path := range paths {
		out[i] = splitPath(path)
	}
	return out, nil
}

func copyEntry(ent *Entry) *Entry {
	out := *ent
	out.Namespace = append([]string(nil), ent.Namespace...)
	out.Value = cloneDoc(ent.Value)
	return &out
}
