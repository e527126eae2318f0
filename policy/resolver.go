package policy

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// Registry maps policy references to constructors. Keys are stored in
// canonical colon form, so the colon and dot spellings of a reference
// land on the same entry.
type Registry struct {
	mu          sync.RWMutex
	permissions map[string]func() PermissionPolicy
	throttles   map[string]func() ThrottlePolicy
}

// NewRegistry creates a registry preloaded with the built-in policies.
func NewRegistry() *Registry {
	r := &Registry{
		permissions: make(map[string]func() PermissionPolicy),
		throttles:   make(map[string]func() ThrottlePolicy),
	}
	r.RegisterPermission(RefAllowAny, func() PermissionPolicy { return AllowAny{} })
	r.RegisterPermission(RefAuthenticatedOnly, func() PermissionPolicy { return AuthenticatedOnly{} })
	r.RegisterPermission(RefDenyAll, func() PermissionPolicy { return DenyAll{} })

	shared := NewRateLimitThrottle(DefaultRateLimitConfig())
	r.RegisterThrottle(RefRateLimit, func() ThrottlePolicy { return shared })
	return r
}

// RegisterPermission binds a reference to a permission policy
// constructor. The constructor runs once per resolution.
func (r *Registry) RegisterPermission(ref string, ctor func() PermissionPolicy) {
	key, err := canonicalRef(ref)
	if err != nil {
		key = ref
	}
	r.mu.Lock()
	r.permissions[key] = ctor
	r.mu.Unlock()
}

// RegisterThrottle binds a reference to a throttle policy constructor.
// Stateful throttles should close over a shared instance.
func (r *Registry) RegisterThrottle(ref string, ctor func() ThrottlePolicy) {
	key, err := canonicalRef(ref)
	if err != nil {
		key = ref
	}
	r.mu.Lock()
	r.throttles[key] = ctor
	r.mu.Unlock()
}

func (r *Registry) permission(key string) (func() PermissionPolicy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ctor, ok := r.permissions[key]
	return ctor, ok
}

func (r *Registry) throttle(key string) (func() ThrottlePolicy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ctor, ok := r.throttles[key]
	return ctor, ok
}

// canonicalRef normalizes a reference to "module:Name". The colon form
// is taken as written; the dot form splits at the last dot and the
// module part swaps dots for slashes, so "path.to.pkg.Name" and
// "path/to/pkg:Name" produce the same key.
func canonicalRef(ref string) (string, error) {
	var module, name string
	if i := strings.LastIndex(ref, ":"); i >= 0 {
		module, name = ref[:i], ref[i+1:]
	} else if i := strings.LastIndex(ref, "."); i >= 0 {
		module, name = ref[:i], ref[i+1:]
	} else {
		return "", fmt.Errorf("reference %q has no module separator", ref)
	}
	if module == "" || name == "" {
		return "", fmt.Errorf("reference %q is missing a module or policy name", ref)
	}
	if strings.Contains(module, ":") {
		return "", fmt.Errorf("reference %q has more than one colon", ref)
	}
	module = strings.ReplaceAll(module, ".", "/")
	return module + ":" + name, nil
}

// Config carries the resolver dependencies and the authentication
// default for empty permission references.
type Config struct {
	Registry              *Registry
	Logger                *slog.Logger
	RequireAuthentication bool
}

// DefaultConfig returns a resolver configuration that requires
// authentication when a descriptor names no permission policy.
func DefaultConfig() Config {
	return Config{RequireAuthentication: true}
}

// Resolver turns descriptor references into policies. Resolution never
// fails: a broken permission reference degrades to authenticated-only
// and a broken throttle reference degrades to no throttling, each
// tagged and logged so the misconfiguration is visible.
type Resolver struct {
	registry              *Registry
	logger                *slog.Logger
	requireAuthentication bool
}

// NewResolver creates a resolver. A nil Registry gets the built-ins
// only; a nil Logger falls back to slog.Default().
func NewResolver(cfg Config) *Resolver {
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Resolver{
		registry:              cfg.Registry,
		logger:                cfg.Logger,
		requireAuthentication: cfg.RequireAuthentication,
	}
}

// PermissionResolution is the tagged result of ResolvePermission. The
// policy is never nil.
type PermissionResolution struct {
	Policy   PermissionPolicy
	FellBack bool
	Reason   string
}

// ThrottleResolution is the tagged result of ResolveThrottle. A nil
// policy means no throttle applies.
type ThrottleResolution struct {
	Policy   ThrottlePolicy
	FellBack bool
	Reason   string
}

// ResolvePermission resolves a permission reference. An empty
// reference yields the configured default: authenticated-only, or
// allow-any when the resolver was built with RequireAuthentication
// false. A non-empty reference that is unknown or malformed always
// falls back to authenticated-only, whatever the configuration.
func (r *Resolver) ResolvePermission(ref string) PermissionResolution {
	if ref == "" {
		if !r.requireAuthentication {
			return PermissionResolution{Policy: AllowAny{}}
		}
		return PermissionResolution{Policy: AuthenticatedOnly{}}
	}

	key, err := canonicalRef(ref)
	if err != nil {
		return r.permissionFallback(ref, err.Error())
	}
	ctor, ok := r.registry.permission(key)
	if !ok {
		return r.permissionFallback(ref, fmt.Sprintf("no permission policy registered under %q", key))
	}
	return PermissionResolution{Policy: ctor()}
}

// ResolveThrottle resolves a throttle reference. An empty reference
// means no throttling and is not a fallback. A non-empty reference
// that is unknown or malformed falls back open: no throttle, tagged
// and logged.
func (r *Resolver) ResolveThrottle(ref string) ThrottleResolution {
	if ref == "" {
		return ThrottleResolution{}
	}

	key, err := canonicalRef(ref)
	if err != nil {
		return r.throttleFallback(ref, err.Error())
	}
	ctor, ok := r.registry.throttle(key)
	if !ok {
		return r.throttleFallback(ref, fmt.Sprintf("no throttle policy registered under %q", key))
	}
	return ThrottleResolution{Policy: ctor()}
}

func (r *Resolver) permissionFallback(ref, reason string) PermissionResolution {
	r.logger.Warn("permission reference fell back to authenticated-only",
		"reference", ref, "reason", reason)
	return PermissionResolution{Policy: AuthenticatedOnly{}, FellBack: true, Reason: reason}
}

func (r *Resolver) throttleFallback(ref, reason string) ThrottleResolution {
	r.logger.Warn("throttle reference fell back to no throttling",
		"reference", ref, "reason", reason)
	return ThrottleResolution{FellBack: true, Reason: reason}
}
