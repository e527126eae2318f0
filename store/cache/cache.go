// Package cache provides the node-output cache: a TTL-bounded store
// mapping input fingerprints to memoized node results. Entries are pure
// functions of their fingerprint, so concurrent writers converging on the
// same key are safe and last-write-wins.
package cache

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("cache: key not found")
	ErrExpired  = errors.New("cache: key expired")
)

// DefaultTTL applies when a backend is constructed without an explicit
// default and a caller passes a non-positive ttl to Set.
const DefaultTTL = time.Hour

// Cache is the interface node-cache backends implement. Get returns
// ErrNotFound for absent keys and ErrExpired for entries past their
// deadline; callers treat both as a miss. A non-positive ttl on Set
// selects the backend's configured default.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}

// IsMiss reports whether err is one of the two absent-entry conditions.
func IsMiss(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrExpired)
}
