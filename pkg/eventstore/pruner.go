package eventstore

import (
	"context"
	"time"

	"github.com/ajitpratap0/streamrpc-go/pkg/logging"
)

// Pruner periodically deletes events older than the retention window
type Pruner struct {
	store     Store
	retention time.Duration
	interval  time.Duration
	logger    logging.Logger
	now       func() time.Time
	observe   func(removed int, err error)
}

// PrunerOption configures a Pruner
type PrunerOption func(*Pruner)

// WithPrunerLogger sets the logger
func WithPrunerLogger(logger logging.Logger) PrunerOption {
	return func(p *Pruner) {
		p.logger = logger
	}
}

// WithPrunerClock sets the clock used to compute the cutoff
func WithPrunerClock(now func() time.Time) PrunerOption {
	return func(p *Pruner) {
		p.now = now
	}
}

// WithPruneObserver registers a callback invoked after every pass
func WithPruneObserver(fn func(removed int, err error)) PrunerOption {
	return func(p *Pruner) {
		p.observe = fn
	}
}

// NewPruner creates a pruner for store
func NewPruner(store Store, retention, interval time.Duration, opts ...PrunerOption) *Pruner {
	p := &Pruner{
		store:     store,
		retention: retention,
		interval:  interval,
		logger:    logging.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.interval <= 0 {
		p.interval = time.Minute
	}
	return p
}

// PruneOnce runs a single pass
func (p *Pruner) PruneOnce(ctx context.Context) (int, error) {
	cutoff := p.now().Add(-p.retention)
	removed, err := p.store.Prune(ctx, cutoff)
	if p.observe != nil {
		p.observe(removed, err)
	}
	if err != nil {
		p.logger.WithError(err).Warn("Event prune failed", logging.Time("cutoff", cutoff))
		return removed, err
	}
	if removed > 0 {
		p.logger.Debug("Pruned events", logging.Int("removed", removed), logging.Time("cutoff", cutoff))
	}
	return removed, nil
}

// Run prunes on every interval until ctx is done. It returns nil when ctx is
// cancelled so it can run inside an errgroup.
func (p *Pruner) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			_, _ = p.PruneOnce(ctx)
		}
	}
}
