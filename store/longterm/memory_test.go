package longterm

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"
)

// Both backends must satisfy the full store contract.
var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
)

func TestMemoryStorePutGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	ns := []string{"users", "alice"}

	if err := s.Put(ctx, ns, "prefs", map[string]any{"theme": "dark"}, 0); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	ent, err := s.Get(ctx, ns, "prefs")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got, want := ent.Value["theme"], "dark"; got != want {
		t.Errorf("Value[theme] = %v, want %v", got, want)
	}
	if !reflect.DeepEqual(ent.Namespace, ns) {
		t.Errorf("Namespace = %v, want %v", ent.Namespace, ns)
	}
	if !ent.ExpiresAt.IsZero() {
		t.Errorf("ExpiresAt = %v, want zero for ttl-less entry", ent.ExpiresAt)
	}

	// Mutating the returned document must not affect the stored one.
	ent.Value["theme"] = "light"
	again, err := s.Get(ctx, ns, "prefs")
	if err != nil {
		t.Fatalf("second Get failed: %v", err)
	}
	if got := again.Value["theme"]; got != "dark" {
		t.Errorf("stored value mutated through returned entry: %v", got)
	}
}

func TestMemoryStoreLastWriteWins(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	ns := []string{"users", "alice"}

	if err := s.Put(ctx, ns, "prefs", map[string]any{"v": 1}, 0); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	first, err := s.Get(ctx, ns, "prefs")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if err := s.Put(ctx, ns, "prefs", map[string]any{"v": 2}, 0); err != nil {
		t.Fatalf("overwrite Put failed: %v", err)
	}
	second, err := s.Get(ctx, ns, "prefs")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if got := second.Value["v"]; got != 2 {
		t.Errorf("Value[v] = %v, want 2", got)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("CreatedAt changed on overwrite: %v vs %v", second.CreatedAt, first.CreatedAt)
	}
	if second.UpdatedAt.Before(first.UpdatedAt) {
		t.Errorf("UpdatedAt went backwards: %v vs %v", second.UpdatedAt, first.UpdatedAt)
	}
}

func TestMemoryStoreMissAndDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	ns := []string{"users", "alice"}

	if _, err := s.Get(ctx, ns, "absent"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(absent) = %v, want ErrNotFound", err)
	}

	if err := s.Put(ctx, ns, "prefs", map[string]any{"v": 1}, 0); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := s.Delete(ctx, ns, "prefs"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := s.Get(ctx, ns, "prefs"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after Delete = %v, want ErrNotFound", err)
	}

	// Deleting again is idempotent.
	if err := s.Delete(ctx, ns, "prefs"); err != nil {
		t.Errorf("second Delete = %v, want nil", err)
	}
}

func TestMemoryStoreTTL(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	ns := []string{"sessions"}

	if err := s.Put(ctx, ns, "tok", map[string]any{"v": 1}, 10*time.Millisecond); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if _, err := s.Get(ctx, ns, "tok"); err != nil {
		t.Fatalf("Get before expiry failed: %v", err)
	}

	time.Sleep(30 * time.Millisecond)
	if _, err := s.Get(ctx, ns, "tok"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after expiry = %v, want ErrNotFound", err)
	}

	entries, err := s.Search(ctx, nil, Query{})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("Search returned %d expired entries, want 0", len(entries))
	}
}

func TestMemoryStoreValidation(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.Put(ctx, nil, "k", nil, 0); !errors.Is(err, ErrInvalidNamespace) {
		t.Errorf("Put(empty namespace) = %v, want ErrInvalidNamespace", err)
	}
	if err := s.Put(ctx, []string{"a", ""}, "k", nil, 0); !errors.Is(err, ErrInvalidNamespace) {
		t.Errorf("Put(blank segment) = %v, want ErrInvalidNamespace", err)
	}
	if err := s.Put(ctx, []string{"a/b"}, "k", nil, 0); !errors.Is(err, ErrInvalidNamespace) {
		t.Errorf("Put(segment with separator) = %v, want ErrInvalidNamespace", err)
	}
	if err := s.Put(ctx, []string{"a"}, "", nil, 0); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("Put(empty key) = %v, want ErrInvalidKey", err)
	}
}

func TestMemoryStoreSearch(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	seed := []struct {
		ns  []string
		key string
	}{
		{[]string{"users", "alice"}, "prefs"},
		{[]string{"users", "alice"}, "profile"},
		{[]string{"users", "bob"}, "prefs"},
		{[]string{"teams", "core"}, "roster"},
	}
	for _, item := range seed {
		if err := s.Put(ctx, item.ns, item.key, map[string]any{"k": item.key}, 0); err != nil {
			t.Fatalf("Put(%v, %s) failed: %v", item.ns, item.key, err)
		}
	}

	all, err := s.Search(ctx, nil, Query{})
	if err != nil {
		t.Fatalf("Search(all) failed: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("Search(all) returned %d entries, want 4", len(all))
	}

	users, err := s.Search(ctx, []string{"users"}, Query{})
	if err != nil {
		t.Fatalf("Search(users) failed: %v", err)
	}
	if len(users) != 3 {
		t.Fatalf("Search(users) returned %d entries, want 3", len(users))
	}
	// Ordered by namespace path, then key.
	if got, want := users[0].Key, "prefs"; got != want {
		t.Errorf("users[0].Key = %s, want %s", got, want)
	}
	if got, want := users[1].Key, "profile"; got != want {
		t.Errorf("users[1].Key = %s, want %s", got, want)
	}
	if !reflect.DeepEqual(users[2].Namespace, []string{"users", "bob"}) {
		t.Errorf("users[2].Namespace = %v, want [users bob]", users[2].Namespace)
	}

	// "user" is not a path prefix of "users".
	none, err := s.Search(ctx, []string{"user"}, Query{})
	if err != nil {
		t.Fatalf("Search(user) failed: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("Search(user) returned %d entries, want 0", len(none))
	}

	page, err := s.Search(ctx, []string{"users"}, Query{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("Search(paged) failed: %v", err)
	}
	if len(page) != 1 || page[0].Key != "profile" {
		t.Errorf("Search(paged) = %v, want single profile entry", page)
	}
}

func TestMemoryStoreListNamespaces(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	for _, ns := range [][]string{
		{"users", "alice"},
		{"users", "bob"},
		{"teams", "core"},
	} {
		if err := s.Put(ctx, ns, "k", map[string]any{"v": 1}, 0); err != nil {
			t.Fatalf("Put(%v) failed: %v", ns, err)
		}
	}

	got, err := s.ListNamespaces(ctx, []string{"users"})
	if err != nil {
		t.Fatalf("ListNamespaces failed: %v", err)
	}
	want := [][]string{{"users", "alice"}, {"users", "bob"}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ListNamespaces = %v, want %v", got, want)
	}

	all, err := s.ListNamespaces(ctx, nil)
	if err != nil {
		t.Fatalf("ListNamespaces(all) failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("ListNamespaces(all) returned %d paths, want 3", len(all))
	}
}
