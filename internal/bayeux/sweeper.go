package bayeux

import (
	"context"
	"time"

	"github.com/life-stream-dev/life-stream-go-bayeux/internal/logger"
)

// Sweeper wakes up every tick and runs a server sweep once per interval.
type Sweeper struct {
	server   *Server
	tick     time.Duration
	interval time.Duration
	last     time.Time
}

func NewSweeper(server *Server, tick time.Duration, interval time.Duration) *Sweeper {
	return &Sweeper{
		server:   server,
		tick:     tick,
		interval: interval,
	}
}

// Run blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	s.last = time.Now()
	logger.DebugF("Sweeper started, tick %s, interval %s", s.tick, s.interval)

	for {
		select {
		case <-ctx.Done():
			logger.DebugF("Sweeper stopped")
			return
		case now := <-ticker.C:
			s.Tick(now)
		}
	}
}

// Tick runs a sweep if the interval elapsed since the previous one. It
// reports whether a sweep ran.
func (s *Sweeper) Tick(now time.Time) bool {
	if now.Sub(s.last) < s.interval {
		return false
	}
	s.last = now
	s.server.Sweep(now)
	return true
}
