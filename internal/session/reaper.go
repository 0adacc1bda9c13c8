// Package session runs background maintenance over the session store.
package session

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/querypilot/querypilot/internal/db"
)

// Reaper expires idle sessions on an interval. A timer tick racing an
// operator-triggered expiry collapses into one store pass.
type Reaper struct {
	sessions  *db.SessionStore
	threshold time.Duration
	interval  time.Duration
	group     singleflight.Group
	stop      chan struct{}
	done      chan struct{}
}

// NewReaper creates a reaper over the session store.
func NewReaper(sessions *db.SessionStore, threshold, interval time.Duration) *Reaper {
	return &Reaper{
		sessions:  sessions,
		threshold: threshold,
		interval:  interval,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the background reap loop.
func (r *Reaper) Start(ctx context.Context) {
	go r.run(ctx)
}

// Stop shuts the loop down and waits for an in-flight pass to finish.
func (r *Reaper) Stop() {
	close(r.stop)
	<-r.done
}

// ReapNow expires idle sessions immediately, joining any pass already
// in flight.
func (r *Reaper) ReapNow(ctx context.Context) (int64, error) {
	v, err, _ := r.group.Do("reap", func() (any, error) {
		return r.sessions.ExpireIdle(ctx, r.threshold)
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

func (r *Reaper) run(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	log.Debug().
		Dur("interval", r.interval).
		Dur("threshold", r.threshold).
		Msg("Session reaper started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			expired, err := r.ReapNow(ctx)
			if err != nil {
				log.Error().Err(err).Msg("Session reap failed")
				continue
			}
			if expired > 0 {
				log.Info().
					Int64("expired", expired).
					Msg("Idle sessions expired")
			}
		}
	}
}
