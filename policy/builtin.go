package policy

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Built-in references, preloaded on every NewRegistry. The dot forms
// of these resolve to the same policies.
const (
	RefAllowAny          = "policies:AllowAny"
	RefAuthenticatedOnly = "policies:AuthenticatedOnly"
	RefDenyAll           = "policies:DenyAll"
	RefRateLimit         = "throttles:RateLimit"
)

// AllowAny admits every caller.
type AllowAny struct{}

func (AllowAny) Allow(ctx context.Context, p Principal) bool { return true }

func (AllowAny) Name() string { return "AllowAny" }

// AuthenticatedOnly admits authenticated callers. It is the
// fail-secure default for permission references.
type AuthenticatedOnly struct{}

func (AuthenticatedOnly) Allow(ctx context.Context, p Principal) bool { return p.Authenticated }

func (AuthenticatedOnly) Name() string { return "AuthenticatedOnly" }

// DenyAll admits nobody.
type DenyAll struct{}

func (DenyAll) Allow(ctx context.Context, p Principal) bool { return false }

func (DenyAll) Name() string { return "DenyAll" }

// RequireRole admits authenticated callers holding the role.
func RequireRole(role string) PermissionPolicy {
	return requireRole{role: role}
}

type requireRole struct {
	role string
}

func (p requireRole) Allow(ctx context.Context, pr Principal) bool {
	return pr.Authenticated && pr.HasRole(p.role)
}

func (p requireRole) Name() string { return "RequireRole(" + p.role + ")" }

// RateLimitConfig sizes the shared and per-principal token buckets.
type RateLimitConfig struct {
	GlobalRPS      float64
	GlobalBurst    int
	PrincipalRPS   float64
	PrincipalBurst int
}

// DefaultRateLimitConfig returns the limits used by the built-in
// throttle reference.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		GlobalRPS:      100,
		GlobalBurst:    200,
		PrincipalRPS:   10,
		PrincipalBurst: 20,
	}
}

// RateLimitThrottle enforces a global token bucket and one bucket per
// principal ID. The instance carries the rate state, so a registration
// should close over a shared value instead of constructing a new one
// per resolution.
type RateLimitThrottle struct {
	global *rate.Limiter

	mu       sync.RWMutex
	limiters map[string]*rate.Limiter

	principalRate  rate.Limit
	principalBurst int
}

// NewRateLimitThrottle creates a throttle with the given limits.
func NewRateLimitThrottle(cfg RateLimitConfig) *RateLimitThrottle {
	return &RateLimitThrottle{
		global:         rate.NewLimiter(rate.Limit(cfg.GlobalRPS), cfg.GlobalBurst),
		limiters:       make(map[string]*rate.Limiter),
		principalRate:  rate.Limit(cfg.PrincipalRPS),
		principalBurst: cfg.PrincipalBurst,
	}
}

func (t *RateLimitThrottle) Allow(ctx context.Context, p Principal) bool {
	if !t.global.Allow() {
		return false
	}
	return t.principalLimiter(p.ID).Allow()
}

func (t *RateLimitThrottle) Name() string { return "RateLimit" }

func (t *RateLimitThrottle) principalLimiter(id string) *rate.Limiter {
	t.mu.RLock()
	limiter, ok := t.limiters[id]
	t.mu.RUnlock()

	if ok {
		return limiter
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if limiter, ok = t.limiters[id]; ok {
		return limiter
	}

	limiter = rate.NewLimiter(t.principalRate, t.principalBurst)
	t.limiters[id] = limiter
	return limiter
}
