package widget

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"goals-sync/domain"
)

// DefaultPollInterval is how often the pending queue is drained.
const DefaultPollInterval = time.Second

// Resolver settles completion events against the local database.
type Resolver interface {
	ResolveTaskConflicts(ctx context.Context, events []domain.CompletionEvent) ([]domain.ConflictResolution, error)
}

// Refresher rebuilds the projection after completions were applied.
type Refresher interface {
	ForceRefresh(ctx context.Context, reason string) bool
}

// Poller drains completion events written by the extension into the
// resolver.
type Poller struct {
	store     *Store
	resolver  Resolver
	refresher Refresher
	interval  time.Duration
	logger    *log.Logger

	inFlight atomic.Bool
}

func NewPoller(store *Store, resolver Resolver, refresher Refresher, interval time.Duration, logger *log.Logger) *Poller {
	if logger == nil {
		logger = log.StandardLogger()
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{store: store, resolver: resolver, refresher: refresher, interval: interval, logger: logger}
}

// Run drains the queue every interval until ctx is done.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.SyncWidgetChangesToDatabase(ctx); err != nil {
				p.logger.WithError(err).Warn("failed to drain widget completions")
			}
		}
	}
}

// SyncWidgetChangesToDatabase drains the pending queue once and returns
// the ids of tasks whose events were resolved. It returns immediately
// when another drain is running. Invalid entries are dropped. Valid
// entries are removed only once all of them were applied; a retryable
// failure leaves the queue intact for the next tick.
func (p *Poller) SyncWidgetChangesToDatabase(ctx context.Context) ([]string, error) {
	if !p.inFlight.CompareAndSwap(false, true) {
		return nil, nil
	}
	defer p.inFlight.Store(false)

	pending, err := p.store.PendingCompletions(ctx)
	if err != nil {
		return nil, err
	}
	if pending.Size == 0 {
		return nil, nil
	}
	for _, err := range pending.Invalid {
		p.logger.WithError(err).Warn("discarding invalid completion event")
	}

	var resolved []domain.ConflictResolution
	var resolveErr error
	if len(pending.Events) > 0 {
		resolved, resolveErr = p.resolver.ResolveTaskConflicts(ctx, pending.Events)
	}
	if resolveErr != nil && retryable(resolveErr) {
		return nil, fmt.Errorf("resolve widget completions: %w", resolveErr)
	}
	if resolveErr != nil {
		p.logger.WithError(resolveErr).Warn("dropping completion events that cannot be applied")
	}
	if err := p.store.AckCompletions(ctx, pending.Size); err != nil {
		return nil, fmt.Errorf("ack widget completions: %w", err)
	}

	ids := make([]string, 0, len(resolved))
	for _, r := range resolved {
		ids = append(ids, r.TaskID)
	}
	if len(resolved) > 0 {
		p.logger.WithFields(log.Fields{"resolved": len(resolved), "discarded": len(pending.Invalid)}).Info("applied widget completions")
		if p.refresher != nil {
			p.refresher.ForceRefresh(ctx, "widget completion")
		}
	}
	return ids, nil
}

// retryable reports whether any failure in a joined resolver error could
// succeed on a later attempt. Missing tasks and invalid events never will.
func retryable(err error) bool {
	var errs []error
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		errs = joined.Unwrap()
	} else {
		errs = []error{err}
	}
	for _, e := range errs {
		if !errors.Is(e, domain.ErrNotFound) && !errors.Is(e, domain.ErrInvalidCompletion) {
			return true
		}
	}
	return false
}
