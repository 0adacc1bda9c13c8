package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/querypilot/querypilot/pkg/models"
)

// fakeConn implements redis.Conn over an in-memory counter map so the
// limiter's windowing logic can be exercised without a server.
type fakeConn struct {
	store *fakeStore
	queue []fakeCmd
	out   []any
}

type fakeCmd struct {
	name string
	args []any
}

type fakeStore struct {
	mu       sync.Mutex
	counters map[string]int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{counters: make(map[string]int64)}
}

func (s *fakeStore) GetContext(_ context.Context) (redis.Conn, error) {
	return &fakeConn{store: s}, nil
}

func (c *fakeConn) Close() error { return nil }
func (c *fakeConn) Err() error   { return nil }

func (c *fakeConn) Do(name string, args ...any) (any, error) {
	return c.store.exec(name, args)
}

func (c *fakeConn) Send(name string, args ...any) error {
	c.queue = append(c.queue, fakeCmd{name: name, args: args})
	return nil
}

func (c *fakeConn) Flush() error {
	for _, cmd := range c.queue {
		reply, err := c.store.exec(cmd.name, cmd.args)
		if err != nil {
			return err
		}
		c.out = append(c.out, reply)
	}
	c.queue = nil
	return nil
}

func (c *fakeConn) Receive() (any, error) {
	if len(c.out) == 0 {
		return nil, errors.New("no queued reply")
	}
	reply := c.out[0]
	c.out = c.out[1:]
	return reply, nil
}

func (s *fakeStore) exec(name string, args []any) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, _ := args[0].(string)
	switch name {
	case "INCR":
		s.counters[key]++
		return s.counters[key], nil
	case "EXPIRE":
		return int64(1), nil
	case "DECR":
		s.counters[key]--
		return s.counters[key], nil
	case "DEL":
		delete(s.counters, key)
		return int64(1), nil
	case "GET":
		v, ok := s.counters[key]
		if !ok {
			return nil, nil
		}
		return v, nil
	}
	return nil, errors.New("unsupported command " + name)
}

func newTestLimiter(store *fakeStore, perPrincipal, global int) *Limiter {
	l := New(store, Window{Limit: perPrincipal, Size: 60 * time.Second}, Window{Limit: global, Size: 60 * time.Second})
	// Pin the clock so every admission lands in one bucket.
	fixed := time.Unix(1700000000, 0)
	l.now = func() time.Time { return fixed }
	return l
}

func TestAdmit_UnderLimit(t *testing.T) {
	l := newTestLimiter(newFakeStore(), 10, 100)
	for i := 0; i < 10; i++ {
		require.NoError(t, l.Admit(context.Background(), "U1"))
	}
}

func TestAdmit_EleventhRejected(t *testing.T) {
	l := newTestLimiter(newFakeStore(), 10, 100)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, l.Admit(ctx, "U1"))
	}

	err := l.Admit(ctx, "U1")
	var rlErr *Error
	require.ErrorAs(t, err, &rlErr)
	assert.Equal(t, ScopePrincipal, rlErr.Scope)
	assert.LessOrEqual(t, rlErr.RetryAfter, 60*time.Second)
	assert.Greater(t, rlErr.RetryAfter, time.Duration(0))
}

func TestAdmit_GlobalLimit(t *testing.T) {
	l := newTestLimiter(newFakeStore(), 10, 5)
	ctx := context.Background()

	// Spread across principals so per-principal windows never fill.
	principals := []string{"A", "B", "C", "D", "E"}
	for _, p := range principals {
		require.NoError(t, l.Admit(ctx, models.Principal(p)))
	}

	err := l.Admit(ctx, "F")
	var rlErr *Error
	require.ErrorAs(t, err, &rlErr)
	assert.Equal(t, ScopeGlobal, rlErr.Scope)
}

func TestAdmit_ConcurrentNeverExceedsLimit(t *testing.T) {
	const limit = 10
	l := newTestLimiter(newFakeStore(), limit, 1000)
	ctx := context.Background()

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Admit(ctx, "U1"); err == nil {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(limit), admitted.Load())
}

func TestAdmit_PrincipalRejectionRefundsGlobal(t *testing.T) {
	l := newTestLimiter(newFakeStore(), 2, 4)
	ctx := context.Background()

	// U1 exhausts their own window, then keeps hammering.
	require.NoError(t, l.Admit(ctx, "U1"))
	require.NoError(t, l.Admit(ctx, "U1"))
	for i := 0; i < 5; i++ {
		err := l.Admit(ctx, "U1")
		var rlErr *Error
		require.ErrorAs(t, err, &rlErr)
		assert.Equal(t, ScopePrincipal, rlErr.Scope)
	}

	// U1's rejected attempts must not have consumed global capacity.
	require.NoError(t, l.Admit(ctx, "U2"))
	require.NoError(t, l.Admit(ctx, "U2"))
}

func TestAdmit_SubSecondWindowDoesNotPanic(t *testing.T) {
	l := New(newFakeStore(), Window{Limit: 2, Size: 100 * time.Millisecond}, Window{Limit: 100, Size: 500 * time.Millisecond})
	fixed := time.Unix(1700000000, 0)
	l.now = func() time.Time { return fixed }
	ctx := context.Background()

	require.NoError(t, l.Admit(ctx, "U1"))
	require.NoError(t, l.Admit(ctx, "U1"))

	err := l.Admit(ctx, "U1")
	var rlErr *Error
	require.ErrorAs(t, err, &rlErr)
	assert.Greater(t, rlErr.RetryAfter, time.Duration(0))
}

func TestReset_ReopensWindow(t *testing.T) {
	l := newTestLimiter(newFakeStore(), 2, 100)
	ctx := context.Background()

	require.NoError(t, l.Admit(ctx, "U1"))
	require.NoError(t, l.Admit(ctx, "U1"))
	require.Error(t, l.Admit(ctx, "U1"))

	require.NoError(t, l.Reset(ctx, "U1"))
	require.NoError(t, l.Admit(ctx, "U1"))
}

func TestUsage(t *testing.T) {
	l := newTestLimiter(newFakeStore(), 10, 100)
	ctx := context.Background()

	require.NoError(t, l.Admit(ctx, "U1"))
	require.NoError(t, l.Admit(ctx, "U1"))

	usage, err := l.Usage(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), usage.Made)
	assert.Equal(t, 10, usage.Allowed)
	assert.Equal(t, 60*time.Second, usage.Window)

	// Unknown principal has an empty window.
	usage, err = l.Usage(ctx, "nobody")
	require.NoError(t, err)
	assert.Equal(t, int64(0), usage.Made)
}
