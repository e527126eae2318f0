// Package longterm provides the cross-flow key-value store: JSON documents
// addressed by a hierarchical namespace path and a key. Unlike checkpoints,
// which belong to a single flow, entries here are shared state visible to
// every flow and thread. Writes are last-write-wins; entries may carry a
// TTL and read as absent once expired.
package longterm

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrNotFound         = errors.New("longterm: entry not found")
	ErrInvalidNamespace = errors.New("longterm: invalid namespace")
	ErrInvalidKey       = errors.New("longterm: invalid key")
)

// Entry is a stored document. Value is deep-copied on both write and read,
// so callers can mutate their maps freely.
type Entry struct {
	Namespace []string
	Key       string
	Value     map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
	ExpiresAt time.Time // zero means the entry never expires
}

// Expired reports whether the entry's TTL has elapsed at the given time.
func (e *Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// Query bounds a Search. Zero values mean "no limit" and "no offset".
type Query struct {
	Limit  int
	Offset int
}

// Store is the interface long-term store backends implement.
//
// Namespaces are non-empty segment paths; segments must not contain the
// '/' separator. ttl <= 0 on Put stores the entry without expiry. Delete
// of an absent entry is not an error.
type Store interface {
	Put(ctx context.Context, namespace []string, key string, value map[string]any, ttl time.Duration) error
	Get(ctx context.Context, namespace []string, key string) (*Entry, error)
	Delete(ctx context.Context, namespace []string, key string) error

	// Search returns entries whose namespace equals prefix or descends
	// from it, ordered by namespace path then key. An empty prefix
	// matches every namespace.
	Search(ctx context.Context, prefix []string, q Query) ([]*Entry, error)

	// ListNamespaces returns the distinct namespace paths under prefix,
	// sorted.
	ListNamespaces(ctx context.Context, prefix []string) ([][]string, error)
}

const pathSep = "/"

func validateNamespace(namespace []string) error {
	if len(namespace) == 0 {
		return ErrInvalidNamespace
	}
	for _, seg := range namespace {
		if seg == "" || strings.Contains(seg, pathSep) {
			return ErrInvalidNamespace
		}
	}
	return nil
}

func validateKey(key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	return nil
}

func joinPath(namespace []string) string {
	return strings.Join(namespace, pathSep)
}

func splitPath(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, pathSep)
}

// pathHasPrefix reports whether path is prefix itself or a descendant.
func pathHasPrefix(path, prefix string) bool {
	if prefix == "" {
		return true
	}
	return path == prefix || strings.HasPrefix(path, prefix+pathSep)
}

func cloneDoc(doc map[string]any) map[string]any {
	if doc == nil {
		return nil
	}
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = cloneDocValue(v)
	}
	return out
}

func cloneDocValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneDoc(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneDocValue(item)
		}
		return out
	default:
		return v
	}
}
