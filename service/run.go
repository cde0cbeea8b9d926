package service

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/confhub/health"
)

// DefaultRefreshInterval is how often the fallback cache is rewritten from
// the store even without writes, so its age stays bounded.
const DefaultRefreshInterval = 5 * time.Minute

const drainTimeout = 30 * time.Second

// Run starts the hub and its background loops and blocks until ctx is
// cancelled or a loop fails. The monitor may be nil.
func (h *Hub) Run(ctx context.Context, monitor *health.Monitor, checkInterval time.Duration) error {
	if err := h.Start(ctx); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	if monitor != nil {
		g.Go(func() error {
			monitor.Run(ctx, checkInterval)
			return nil
		})
	}

	if h.cache != nil {
		g.Go(func() error {
			ticker := time.NewTicker(DefaultRefreshInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					h.scheduleRefresh("periodic")
				}
			}
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		return h.Stop(drainTimeout)
	})

	return g.Wait()
}
