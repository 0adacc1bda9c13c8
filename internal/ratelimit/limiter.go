// Package ratelimit provides fixed-window admission control backed by
// a shared Redis counter namespace.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/rs/zerolog/log"

	"github.com/querypilot/querypilot/pkg/models"
)

// GlobalPrincipal is the reserved counter key for the global window.
const GlobalPrincipal = "__global__"

// Scope names which window rejected a request.
type Scope string

const (
	ScopePrincipal Scope = "principal"
	ScopeGlobal    Scope = "global"
)

// Error reports a rejected admission. RetryAfter is the time until the
// current window boundary.
type Error struct {
	Scope      Scope
	Limit      int
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	return fmt.Sprintf("rate limit exceeded (%s, limit %d, retry after %s)", e.Scope, e.Limit, e.RetryAfter)
}

// Window is a (limit, size) pair for one counter.
type Window struct {
	Limit int
	Size  time.Duration
}

// Pool yields Redis connections. *redis.Pool satisfies it.
type Pool interface {
	GetContext(ctx context.Context) (redis.Conn, error)
}

// Limiter admits requests against a per-principal and a global fixed
// window. Counters live in Redis under `rl:{principal}:{bucket}` with
// bucket = floor(now/window), shared by every orchestrator instance.
//
// Fixed-window counting allows a burst of up to 2x the limit straddling
// a window boundary. The limits are generous and the cost of a boundary
// burst is low, so this is accepted in exchange for a single atomic
// INCR per counter instead of a sorted-set sliding window.
type Limiter struct {
	pool      Pool
	principal Window
	global    Window
	now       func() time.Time
}

// New creates a limiter over the shared counter store.
func New(pool Pool, perPrincipal, global Window) *Limiter {
	return &Limiter{pool: pool, principal: perPrincipal, global: global, now: time.Now}
}

// Admit increments both counters and checks them against their limits.
// A nil return means admitted. Rejected attempts are counted too: once
// a window is exhausted it stays exhausted until it rolls over, which
// keeps the check a single INCR round trip.
func (l *Limiter) Admit(ctx context.Context, principal models.Principal) error {
	conn, err := l.pool.GetContext(ctx)
	if err != nil {
		return fmt.Errorf("rate limiter store: %w", err)
	}
	defer conn.Close()

	now := l.now()
	pKey, pTTL := l.key(string(principal), l.principal, now)
	gKey, gTTL := l.key(GlobalPrincipal, l.global, now)

	if err := conn.Send("INCR", pKey); err != nil {
		return fmt.Errorf("rate limiter incr: %w", err)
	}
	if err := conn.Send("EXPIRE", pKey, pTTL); err != nil {
		return fmt.Errorf("rate limiter expire: %w", err)
	}
	if err := conn.Send("INCR", gKey); err != nil {
		return fmt.Errorf("rate limiter incr: %w", err)
	}
	if err := conn.Send("EXPIRE", gKey, gTTL); err != nil {
		return fmt.Errorf("rate limiter expire: %w", err)
	}
	if err := conn.Flush(); err != nil {
		return fmt.Errorf("rate limiter flush: %w", err)
	}

	pCount, err := redis.Int64(conn.Receive())
	if err != nil {
		return fmt.Errorf("rate limiter receive: %w", err)
	}
	if _, err := conn.Receive(); err != nil {
		return fmt.Errorf("rate limiter receive: %w", err)
	}
	gCount, err := redis.Int64(conn.Receive())
	if err != nil {
		return fmt.Errorf("rate limiter receive: %w", err)
	}
	if _, err := conn.Receive(); err != nil {
		return fmt.Errorf("rate limiter receive: %w", err)
	}

	if pCount > int64(l.principal.Limit) {
		// A principal already over their own limit must not burn global
		// capacity for everyone else; hand the increment back.
		if _, derr := conn.Do("DECR", gKey); derr != nil {
			log.Warn().Err(derr).Msg("Rate limiter global counter refund failed")
		}
		return &Error{
			Scope:      ScopePrincipal,
			Limit:      l.principal.Limit,
			RetryAfter: retryAfter(now, l.principal.Size),
		}
	}
	if gCount > int64(l.global.Limit) {
		return &Error{
			Scope:      ScopeGlobal,
			Limit:      l.global.Limit,
			RetryAfter: retryAfter(now, l.global.Size),
		}
	}
	return nil
}

// Reset clears a principal's current window immediately. Used by the
// administrative surface for support/unblock scenarios; the caller is
// responsible for auditing the reset.
func (l *Limiter) Reset(ctx context.Context, principal models.Principal) error {
	conn, err := l.pool.GetContext(ctx)
	if err != nil {
		return fmt.Errorf("rate limiter store: %w", err)
	}
	defer conn.Close()

	key, _ := l.key(string(principal), l.principal, l.now())
	if _, err := conn.Do("DEL", key); err != nil {
		return fmt.Errorf("rate limiter reset: %w", err)
	}
	log.Info().Str("principal", string(principal)).Msg("Rate limit counters reset")
	return nil
}

// Usage reports a principal's consumption of the current window.
type Usage struct {
	Made    int64         `json:"requests_made"`
	Allowed int           `json:"requests_allowed"`
	Window  time.Duration `json:"window"`
	ResetIn time.Duration `json:"reset_in"`
}

// Usage returns the current window's consumption for support tooling.
func (l *Limiter) Usage(ctx context.Context, principal models.Principal) (*Usage, error) {
	conn, err := l.pool.GetContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("rate limiter store: %w", err)
	}
	defer conn.Close()

	key, _ := l.key(string(principal), l.principal, l.now())
	made, err := redis.Int64(conn.Do("GET", key))
	if err != nil && err != redis.ErrNil {
		return nil, fmt.Errorf("rate limiter usage: %w", err)
	}
	return &Usage{
		Made:    made,
		Allowed: l.principal.Limit,
		Window:  l.principal.Size,
		ResetIn: retryAfter(l.now(), l.principal.Size),
	}, nil
}

// key builds the fixed-window counter key and its expiry seconds.
// Keys expire after two windows so stale buckets clean themselves up.
func (l *Limiter) key(principal string, w Window, now time.Time) (string, int64) {
	windowSecs := windowSeconds(w.Size)
	bucket := now.Unix() / windowSecs
	return fmt.Sprintf("rl:%s:%d", principal, bucket), windowSecs * 2
}

// retryAfter computes the time until the current window rolls over.
func retryAfter(now time.Time, window time.Duration) time.Duration {
	windowSecs := windowSeconds(window)
	boundary := (now.Unix()/windowSecs + 1) * windowSecs
	return time.Duration(boundary-now.Unix()) * time.Second
}

// windowSeconds clamps a window to whole seconds, minimum one. Bucket
// arithmetic works on Unix seconds, so a sub-second window would
// divide by zero.
func windowSeconds(d time.Duration) int64 {
	secs := int64(d.Seconds())
	if secs < 1 {
		return 1
	}
	return secs
}
