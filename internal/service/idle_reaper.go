package service

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
)

// IdleEvictor is the part of the connection registry the reaper drives.
type IdleEvictor interface {
	EvictIdle(ctx context.Context, maxIdle time.Duration) int
}

// IdleReaper periodically closes connections that have not been used within maxIdle.
type IdleReaper struct {
	registry IdleEvictor
	interval time.Duration
	maxIdle  time.Duration
}

// NewIdleReaper creates a reaper that sweeps every interval.
func NewIdleReaper(registry IdleEvictor, interval, maxIdle time.Duration) *IdleReaper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &IdleReaper{
		registry: registry,
		interval: interval,
		maxIdle:  maxIdle,
	}
}

// Start begins the periodic sweep loop. Returns when ctx is cancelled.
func (r *IdleReaper) Start(ctx context.Context) {
	if r.maxIdle <= 0 {
		return
	}
	log.Info("Idle reaper started", "interval", r.interval, "maxIdle", r.maxIdle)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *IdleReaper) sweep(ctx context.Context) {
	if n := r.registry.EvictIdle(ctx, r.maxIdle); n > 0 {
		log.Info("Idle reaper: evicted connections", "count", n)
	}
}
