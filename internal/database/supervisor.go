package database

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"golang.org/x/time/rate"

	"github.com/stratumhq/stratum/pkg/logger"
	"github.com/stratumhq/stratum/pkg/metrics"
)

// NotifyFunc is called when the supervisor exhausts its reconnection
// attempts. Wire it to an operator-notification path (pager, mail).
type NotifyFunc func(err error)

// Supervisor watches the storage connection and drives reconnection with
// exponential backoff. It never crashes the process: after MaxAttempts
// consecutive failures it fires Notify and keeps probing at the ceiling
// interval.
type Supervisor struct {
	Client       *mongo.Client
	Log          logger.Logger
	Notify       NotifyFunc
	PingInterval time.Duration
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	MaxAttempts  int

	limiter *rate.Limiter
}

// Run blocks until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	if s.PingInterval <= 0 {
		s.PingInterval = 15 * time.Second
	}
	if s.BaseBackoff <= 0 {
		s.BaseBackoff = time.Second
	}
	if s.MaxBackoff <= 0 {
		s.MaxBackoff = time.Minute
	}
	if s.MaxAttempts <= 0 {
		s.MaxAttempts = 8
	}
	// Cap reconnect probes globally so overlapping failures cannot stampede
	// the store.
	s.limiter = rate.NewLimiter(rate.Every(s.BaseBackoff), 1)

	ticker := time.NewTicker(s.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Client.Ping(ctx, nil); err != nil {
				s.Log.Warnf("storage ping failed: %v", err)
				s.reconnect(ctx)
			}
		}
	}
}

func (s *Supervisor) reconnect(ctx context.Context) {
	backoff := s.BaseBackoff
	for attempt := 1; ; attempt++ {
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
		metrics.StorageReconnects.Inc()
		err := s.Client.Ping(ctx, nil)
		if err == nil {
			s.Log.Infof("storage connection restored after %d attempt(s)", attempt)
			return
		}
		s.Log.Errorf("storage reconnect attempt %d failed: %v", attempt, err)
		if attempt == s.MaxAttempts && s.Notify != nil {
			s.Notify(err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > s.MaxBackoff {
			backoff = s.MaxBackoff
		}
	}
}
