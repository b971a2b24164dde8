// Package timeline decides when the widget projection is rebuilt. It
// balances freshness against a daily refresh budget and adapts the refresh
// interval to how actively the app and widget are used.
package timeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"goals-sync/domain"
	"goals-sync/schedule"
	"goals-sync/storage"
)

// ForegroundRefreshAfter is how stale the projection may get before
// returning to the foreground forces a refresh.
const ForegroundRefreshAfter = 30 * time.Minute

// Projector rebuilds the projection and reports today's progress.
type Projector interface {
	Rebuild(ctx context.Context) error
	Progress(ctx context.Context) (completed, total int, err error)
}

// State is where the scheduler is in its refresh loop.
type State int32

const (
	StateIdle State = iota
	StateScheduled
	StateRefreshing
)

func (s State) String() string {
	switch s {
	case StateScheduled:
		return "scheduled"
	case StateRefreshing:
		return "refreshing"
	default:
		return "idle"
	}
}

// Scheduler owns the timeline policy. Policy reads and writes are
// serialized by mu; the armed timer is replaced on every transition.
type Scheduler struct {
	kv        storage.KV
	projector Projector
	base      time.Duration
	logger    *log.Logger
	now       func() time.Time

	mu      sync.Mutex
	loaded  bool
	policy  domain.TimelinePolicy
	metrics domain.ActivityMetrics
	history []domain.RefreshLogEntry

	state    atomic.Int32
	timer    schedule.Timer
	debounce *schedule.Debouncer
	remote   *schedule.Debouncer

	// changedAt and builtAt are UnixNano stamps of the latest data change
	// and the start of the latest successful rebuild.
	changedAt atomic.Int64
	builtAt   atomic.Int64
}

func New(kv storage.KV, projector Projector, logger *log.Logger) *Scheduler {
	if logger == nil {
		logger = log.StandardLogger()
	}
	s := &Scheduler{kv: kv, projector: projector, base: domain.DefaultRefreshInterval, logger: logger, now: time.Now}
	s.debounce = schedule.NewDebouncer(func() {
		if s.current("data changed") {
			return
		}
		s.ForceRefresh(context.Background(), "data changed")
	})
	s.remote = schedule.NewDebouncer(func() {
		if s.current("remote change") {
			return
		}
		s.IntelligentRefresh(context.Background(), "remote change")
	})
	return s
}

// Initialize loads the persisted policy, applies the daily reset and arms
// the first scheduled refresh.
func (s *Scheduler) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loaded = false
	if err := s.load(ctx); err != nil {
		return err
	}
	s.arm(s.policy.RefreshInterval)
	s.logger.WithFields(log.Fields{
		"interval":      s.policy.RefreshInterval,
		"refresh_count": s.policy.RefreshCount,
		"reset_date":    s.policy.ResetDate,
	}).Info("timeline scheduler initialized")
	return nil
}

// Stop cancels the armed and debounced refreshes.
func (s *Scheduler) Stop() {
	s.timer.Cancel()
	s.debounce.Stop()
	s.remote.Stop()
	s.state.Store(int32(StateIdle))
}

// State reports the current loop state.
func (s *Scheduler) State() State {
	return State(s.state.Load())
}

// Policy returns the current policy after the daily reset check.
func (s *Scheduler) Policy(ctx context.Context) (domain.TimelinePolicy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(ctx); err != nil {
		return domain.TimelinePolicy{}, err
	}
	return s.policy, nil
}

// SetPolicy replaces the configurable parts of the policy: interval, cap
// and background permission. Counters are kept.
func (s *Scheduler) SetPolicy(ctx context.Context, p domain.TimelinePolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(ctx); err != nil {
		return err
	}
	s.policy.RefreshInterval = p.RefreshInterval
	s.policy.MaxDailyRefreshes = p.MaxDailyRefreshes
	s.policy.BackgroundRefreshEnabled = p.BackgroundRefreshEnabled
	return storage.SaveJSON(ctx, s.kv, storage.KeyTimelinePolicy, s.policy)
}

// Metrics returns the activity metrics.
func (s *Scheduler) Metrics(ctx context.Context) (domain.ActivityMetrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(ctx); err != nil {
		return domain.ActivityMetrics{}, err
	}
	return s.metrics, nil
}

// RefreshLog returns the most recent refresh attempts, oldest first.
func (s *Scheduler) RefreshLog(ctx context.Context) ([]domain.RefreshLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(ctx); err != nil {
		return nil, err
	}
	return append([]domain.RefreshLogEntry(nil), s.history...), nil
}

// CanPerformRefresh reports whether an unforced refresh is allowed now.
func (s *Scheduler) CanPerformRefresh(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(ctx); err != nil {
		s.logger.WithError(err).Warn("unable to read timeline policy")
		return false
	}
	ok, _ := s.permitted()
	return ok
}

// permitted applies the interval, daily cap and background gates. Callers
// hold mu.
func (s *Scheduler) permitted() (bool, string) {
	p := s.policy
	if p.RefreshCount >= p.MaxDailyRefreshes {
		return false, "daily refresh budget exhausted"
	}
	if !p.BackgroundRefreshEnabled && !s.metrics.Foreground {
		return false, "background refresh disabled"
	}
	if p.LastRefresh > 0 && s.now().Sub(time.UnixMilli(p.LastRefresh)) < p.RefreshInterval {
		return false, "refresh interval not elapsed"
	}
	return true, ""
}

// IntelligentRefresh rebuilds the projection when the policy allows it and
// reports whether a refresh happened.
func (s *Scheduler) IntelligentRefresh(ctx context.Context, reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(ctx); err != nil {
		s.logger.WithError(err).Warn("unable to read timeline policy")
		return false
	}
	if ok, why := s.permitted(); !ok {
		s.logger.WithFields(log.Fields{"reason": reason, "skipped": why}).Debug("timeline refresh skipped")
		return false
	}
	return s.refresh(ctx, reason, false)
}

// ForceRefresh rebuilds the projection regardless of the interval and
// background gates. Forced refreshes count toward the daily budget but are
// never blocked by it. The timer is re-armed even when the rebuild fails.
func (s *Scheduler) ForceRefresh(ctx context.Context, reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(ctx); err != nil {
		s.logger.WithError(err).Warn("unable to read timeline policy")
		s.arm(s.policy.RefreshInterval)
		return false
	}
	return s.refresh(ctx, reason, true)
}

// ScheduleRefresh forces a rebuild after delay for a change the user made.
// A later call replaces a pending one. The rebuild is skipped when another
// refresh already ran after the change.
func (s *Scheduler) ScheduleRefresh(delay time.Duration) {
	s.changedAt.Store(s.now().UnixNano())
	s.debounce.Trigger(delay)
}

// ScheduleRemoteRefresh is ScheduleRefresh for changes pulled from the
// backend. The rebuild goes through the policy gates; a refused one is
// picked up by the next scheduled refresh.
func (s *Scheduler) ScheduleRemoteRefresh(delay time.Duration) {
	s.changedAt.Store(s.now().UnixNano())
	s.remote.Trigger(delay)
}

// current reports whether the projection was rebuilt after the latest
// data change.
func (s *Scheduler) current(reason string) bool {
	if s.builtAt.Load() < s.changedAt.Load() {
		return false
	}
	s.logger.WithField("reason", reason).Debug("timeline already current")
	return true
}

// SetForeground records an app lifecycle transition. Coming to the
// foreground with a projection older than ForegroundRefreshAfter forces a
// refresh.
func (s *Scheduler) SetForeground(ctx context.Context, foreground bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(ctx); err != nil {
		return err
	}
	now := s.now()
	s.metrics.Foreground = foreground
	if foreground {
		s.metrics.LastAppOpen = now.UnixMilli()
	}
	if err := storage.SaveJSON(ctx, s.kv, storage.KeyActivityMetrics, s.metrics); err != nil {
		return err
	}
	if foreground && now.Sub(time.UnixMilli(s.policy.LastRefresh)) > ForegroundRefreshAfter {
		s.refresh(ctx, "app foreground", true)
	}
	return nil
}

// RecordWidgetInteraction notes that the user used the widget.
func (s *Scheduler) RecordWidgetInteraction(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(ctx); err != nil {
		return err
	}
	s.metrics.LastWidgetInteraction = s.now().UnixMilli()
	return storage.SaveJSON(ctx, s.kv, storage.KeyActivityMetrics, s.metrics)
}

// refresh performs one rebuild and updates policy, metrics and log.
// Callers hold mu.
func (s *Scheduler) refresh(ctx context.Context, reason string, forced bool) bool {
	ctx, span := otel.Tracer("goals-sync/timeline").Start(ctx, "timeline.refresh")
	defer span.End()
	span.SetAttributes(attribute.String("timeline.reason", reason), attribute.Bool("timeline.forced", forced))

	s.state.Store(int32(StateRefreshing))
	start := s.now()

	if completed, total, err := s.projector.Progress(ctx); err == nil {
		s.metrics.CompletionRate = domain.CompletionRate(completed, total)
	} else {
		s.logger.WithError(err).Debug("unable to compute completion rate")
	}
	interval := domain.AdaptiveInterval(s.base, s.metrics, start)

	err := s.projector.Rebuild(ctx)
	entry := domain.RefreshLogEntry{At: start.UnixMilli(), Reason: reason, Forced: forced, Succeeded: err == nil, Interval: interval}
	fields := log.Fields{"reason": reason, "forced": forced, "interval": interval}
	if err != nil {
		entry.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.WithError(err).WithFields(fields).Warn("timeline refresh failed")
		interval = s.policy.RefreshInterval
	} else {
		s.builtAt.Store(start.UnixNano())
		s.policy.LastRefresh = start.UnixMilli()
		s.policy.RefreshCount++
		s.policy.RefreshInterval = interval
		fields["refresh_count"] = s.policy.RefreshCount
		s.logger.WithFields(fields).Info("timeline refreshed")
	}
	s.history = domain.AppendRefreshLog(s.history, entry)
	s.persist(ctx)
	s.arm(interval)
	return err == nil
}

// load reads persisted state once and runs the daily reset on every call.
// Callers hold mu.
func (s *Scheduler) load(ctx context.Context) error {
	today := s.now().Format(domain.DayLayout)
	if !s.loaded {
		policy := domain.DefaultPolicy(today)
		if _, err := storage.LoadJSON(ctx, s.kv, storage.KeyTimelinePolicy, &policy); err != nil {
			return fmt.Errorf("load timeline policy: %w", err)
		}
		if policy.RefreshInterval <= 0 {
			policy.RefreshInterval = domain.DefaultRefreshInterval
		}
		var metrics domain.ActivityMetrics
		if _, err := storage.LoadJSON(ctx, s.kv, storage.KeyActivityMetrics, &metrics); err != nil {
			return fmt.Errorf("load activity metrics: %w", err)
		}
		var history []domain.RefreshLogEntry
		if _, err := storage.LoadJSON(ctx, s.kv, storage.KeyRefreshLog, &history); err != nil {
			s.logger.WithError(err).Warn("discarding unreadable refresh log")
			history = nil
		}
		s.policy, s.metrics, s.history = policy, metrics, history
		s.loaded = true
	}
	if s.policy.ResetIfStale(today) {
		s.logger.WithField("reset_date", today).Info("daily refresh budget reset")
		if err := storage.SaveJSON(ctx, s.kv, storage.KeyTimelinePolicy, s.policy); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) persist(ctx context.Context) {
	if err := storage.SaveJSON(ctx, s.kv, storage.KeyTimelinePolicy, s.policy); err != nil {
		s.logger.WithError(err).Warn("failed to persist timeline policy")
	}
	if err := storage.SaveJSON(ctx, s.kv, storage.KeyActivityMetrics, s.metrics); err != nil {
		s.logger.WithError(err).Warn("failed to persist activity metrics")
	}
	if err := storage.SaveJSON(ctx, s.kv, storage.KeyRefreshLog, s.history); err != nil {
		s.logger.WithError(err).Warn("failed to persist refresh log")
	}
}

func (s *Scheduler) arm(d time.Duration) {
	if d <= 0 {
		d = domain.DefaultRefreshInterval
	}
	s.state.Store(int32(StateScheduled))
	s.timer.Arm(d, s.onTimer)
}

// onTimer keeps the loop alive: a scheduled refresh that the policy
// refuses still re-arms for the current interval.
func (s *Scheduler) onTimer() {
	ctx := context.Background()
	if s.IntelligentRefresh(ctx, "scheduled") {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, pending := s.timer.Pending(); !pending {
		s.arm(s.policy.RefreshInterval)
	}
}
