package service

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
)

// DirectoryAnnouncer is the part of the connection registry the refresher drives.
type DirectoryAnnouncer interface {
	RefreshDirectory(ctx context.Context) int
}

// DirectoryRefresher re-announces held connections before their directory
// entries expire, so entries left by a crashed replica age out on their own.
type DirectoryRefresher struct {
	registry DirectoryAnnouncer
	interval time.Duration
}

// NewDirectoryRefresher creates a refresher for entries that expire after ttl.
func NewDirectoryRefresher(registry DirectoryAnnouncer, ttl time.Duration) *DirectoryRefresher {
	return &DirectoryRefresher{registry: registry, interval: ttl / 3}
}

// Start begins the refresh loop. Returns when ctx is cancelled.
func (r *DirectoryRefresher) Start(ctx context.Context) {
	if r.interval <= 0 {
		return
	}
	log.Info("Directory refresher started", "interval", r.interval)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n := r.registry.RefreshDirectory(ctx)
			log.Debug("Directory refreshed", "connections", n)
		}
	}
}
