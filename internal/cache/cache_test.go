package cache

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"gorm.io/gorm/logger"

	"github.com/querypilot/querypilot/internal/db"
	"github.com/querypilot/querypilot/pkg/models"
)

func newTestStore(t *testing.T) *db.Store {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "querypilot_cache_test_*")
	if err != nil {
		t.Fatalf("create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	store, err := db.NewStore(db.Config{
		Driver:   "sqlite",
		DSN:      filepath.Join(tmpDir, "test.db"),
		MaxConns: 4,
		LogLevel: logger.Silent,
	})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func sampleResult() *models.ResultSet {
	return &models.ResultSet{
		Columns:    []string{"region", "total"},
		Rows:       [][]any{{"emea", float64(1204)}, {"apac", float64(987)}},
		RowCount:   2,
		DurationMs: 842,
	}
}

func TestKey_NormalizationAndContext(t *testing.T) {
	execCtx := ExecContext{Database: "ANALYTICS", Schema: "PUBLIC", Warehouse: "COMPUTE_WH"}

	base := Key("SELECT region, SUM(total) FROM orders GROUP BY region", execCtx)

	t.Run("whitespace and trailing semicolon ignored", func(t *testing.T) {
		assert.Equal(t, base, Key("  SELECT   region, SUM(total)\n\tFROM orders\n GROUP BY region ; ", execCtx))
	})

	t.Run("different sql differs", func(t *testing.T) {
		assert.NotEqual(t, base, Key("SELECT region FROM orders", execCtx))
	})

	t.Run("different execution context differs", func(t *testing.T) {
		other := execCtx
		other.Schema = "STAGING"
		assert.NotEqual(t, base, Key("SELECT region, SUM(total) FROM orders GROUP BY region", other))
	})

	t.Run("context fields do not concatenate ambiguously", func(t *testing.T) {
		a := Key("SELECT 1", ExecContext{Database: "AB", Schema: "C"})
		b := Key("SELECT 1", ExecContext{Database: "A", Schema: "BC"})
		assert.NotEqual(t, a, b)
	})
}

// CacheSuite is a test suite for result cache operations.
type CacheSuite struct {
	suite.Suite
	cache *Cache
	ctx   context.Context
	clock time.Time
}

func (s *CacheSuite) SetupTest() {
	s.cache = New(newTestStore(s.T()))
	s.clock = time.Unix(1700000000, 0).UTC()
	s.cache.now = func() time.Time { return s.clock }
	s.ctx = context.Background()
}

func TestCacheSuite(t *testing.T) {
	suite.Run(t, new(CacheSuite))
}

func (s *CacheSuite) TestLookup_MissThenHit() {
	key := Key("SELECT 1", ExecContext{})

	entry, err := s.cache.Lookup(s.ctx, key)
	s.Require().NoError(err)
	s.Nil(entry)

	s.Require().NoError(s.cache.Store(s.ctx, key, "SELECT 1", sampleResult(), 30*time.Minute))

	entry, err = s.cache.Lookup(s.ctx, key)
	s.Require().NoError(err)
	s.Require().NotNil(entry)
	s.Equal(int64(1), entry.HitCount)
	s.Require().NotNil(entry.Result)
	s.Equal(2, entry.Result.RowCount)
	s.Equal([]string{"region", "total"}, entry.Result.Columns)
}

func (s *CacheSuite) TestLookup_ExpiredEntryIsMiss() {
	key := Key("SELECT 2", ExecContext{})
	s.Require().NoError(s.cache.Store(s.ctx, key, "SELECT 2", sampleResult(), 30*time.Minute))

	// Advance past the TTL without sweeping; read-time check must
	// refuse the stale row.
	s.clock = s.clock.Add(31 * time.Minute)

	entry, err := s.cache.Lookup(s.ctx, key)
	s.Require().NoError(err)
	s.Nil(entry)
}

func (s *CacheSuite) TestLookup_HitDoesNotExtendTTL() {
	key := Key("SELECT 3", ExecContext{})
	s.Require().NoError(s.cache.Store(s.ctx, key, "SELECT 3", sampleResult(), 10*time.Minute))

	s.clock = s.clock.Add(9 * time.Minute)
	entry, err := s.cache.Lookup(s.ctx, key)
	s.Require().NoError(err)
	s.Require().NotNil(entry)

	s.clock = s.clock.Add(2 * time.Minute)
	entry, err = s.cache.Lookup(s.ctx, key)
	s.Require().NoError(err)
	s.Nil(entry)
}

func (s *CacheSuite) TestConcurrentHits_NoLostIncrements() {
	key := Key("SELECT 4", ExecContext{})
	s.Require().NoError(s.cache.Store(s.ctx, key, "SELECT 4", sampleResult(), time.Hour))

	const readers = 20
	var wg sync.WaitGroup
	errs := make(chan error, readers)
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.cache.Lookup(s.ctx, key)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		s.Require().NoError(err)
	}

	entry, err := s.cache.Lookup(s.ctx, key)
	s.Require().NoError(err)
	s.Require().NotNil(entry)
	s.Equal(int64(readers+1), entry.HitCount)
}

func (s *CacheSuite) TestStore_OverwritePreservesHitCount() {
	key := Key("SELECT 5", ExecContext{})
	s.Require().NoError(s.cache.Store(s.ctx, key, "SELECT 5", sampleResult(), time.Hour))

	_, err := s.cache.Lookup(s.ctx, key)
	s.Require().NoError(err)
	_, err = s.cache.Lookup(s.ctx, key)
	s.Require().NoError(err)

	fresher := sampleResult()
	fresher.RowCount = 3
	fresher.Rows = append(fresher.Rows, []any{"amer", float64(1500)})
	s.Require().NoError(s.cache.Store(s.ctx, key, "SELECT 5", fresher, time.Hour))

	entry, err := s.cache.Lookup(s.ctx, key)
	s.Require().NoError(err)
	s.Require().NotNil(entry)
	s.Equal(3, entry.RowCount)
	s.Equal(int64(3), entry.HitCount)
}

func (s *CacheSuite) TestInvalidate() {
	key := Key("SELECT 6", ExecContext{})
	s.Require().NoError(s.cache.Store(s.ctx, key, "SELECT 6", sampleResult(), time.Hour))

	s.Require().NoError(s.cache.Invalidate(s.ctx, key, "schema changed"))

	entry, err := s.cache.Lookup(s.ctx, key)
	s.Require().NoError(err)
	s.Nil(entry)

	// A fresh store for the same key serves again.
	s.Require().NoError(s.cache.Store(s.ctx, key, "SELECT 6", sampleResult(), time.Hour))
	entry, err = s.cache.Lookup(s.ctx, key)
	s.Require().NoError(err)
	s.NotNil(entry)
}

func (s *CacheSuite) TestInvalidate_AbsentKeyIsNoop() {
	s.Require().NoError(s.cache.Invalidate(s.ctx, "no-such-key", "manual"))
}

func (s *CacheSuite) TestSweep_RemovesExpiredOnly() {
	live := Key("SELECT live", ExecContext{})
	stale := Key("SELECT stale", ExecContext{})
	s.Require().NoError(s.cache.Store(s.ctx, live, "SELECT live", sampleResult(), time.Hour))
	s.Require().NoError(s.cache.Store(s.ctx, stale, "SELECT stale", sampleResult(), time.Minute))

	s.clock = s.clock.Add(5 * time.Minute)

	removed, err := s.cache.Sweep(s.ctx)
	s.Require().NoError(err)
	s.Equal(int64(1), removed)

	entry, err := s.cache.Lookup(s.ctx, live)
	s.Require().NoError(err)
	s.NotNil(entry)
}

func TestSweeper_SweepNowCollapsesConcurrent(t *testing.T) {
	cache := New(newTestStore(t))
	sweeper := NewSweeper(cache, time.Hour)

	key := Key("SELECT gone", ExecContext{})
	require.NoError(t, cache.Store(context.Background(), key, "SELECT gone", sampleResult(), -time.Minute))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := sweeper.SweepNow(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	entry, err := cache.Lookup(context.Background(), key)
	require.NoError(t, err)
	assert.Nil(t, entry)
}
