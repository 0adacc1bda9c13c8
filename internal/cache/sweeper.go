package cache

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// Sweeper periodically purges expired cache rows. Overlapping sweeps
// (timer tick racing an admin-triggered sweep) collapse into one pass
// via singleflight.
type Sweeper struct {
	cache    *Cache
	interval time.Duration
	group    singleflight.Group
	stop     chan struct{}
	done     chan struct{}
}

// NewSweeper creates a sweeper over the cache.
func NewSweeper(cache *Cache, interval time.Duration) *Sweeper {
	return &Sweeper{
		cache:    cache,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the background sweep loop.
func (s *Sweeper) Start(ctx context.Context) {
	go s.run(ctx)
}

// Stop shuts the loop down and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	close(s.stop)
	<-s.done
}

// SweepNow runs one sweep immediately, joining any sweep already in
// flight instead of stacking a second one.
func (s *Sweeper) SweepNow(ctx context.Context) (int64, error) {
	v, err, _ := s.group.Do("sweep", func() (any, error) {
		return s.cache.Sweep(ctx)
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Debug().
		Dur("interval", s.interval).
		Msg("Cache sweeper started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			removed, err := s.SweepNow(ctx)
			if err != nil {
				log.Error().Err(err).Msg("Cache sweep failed")
				continue
			}
			if removed > 0 {
				log.Info().
					Int64("removed", removed).
					Msg("Cache sweep purged expired entries")
			}
		}
	}
}
