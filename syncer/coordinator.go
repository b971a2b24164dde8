// Package syncer moves records between the local database and the remote
// backend in pull-then-push cycles.
package syncer

import (
	"context"
	"fmt"
	"math"
	"strconv"
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

// LocalStore is the subset of the local database a cycle needs.
type LocalStore interface {
	storage.KV
	ApplyRemote(ctx context.Context, records []domain.Record) (int, error)
	Owned(ctx context.Context, table domain.Table, userID string) ([]domain.Record, []string, error)
	PurgeDeleted(ctx context.Context, table domain.Table, ids []string) error
}

// Backend is the remote side of a cycle.
type Backend interface {
	Pull(ctx context.Context, table domain.Table, userID, since string) (domain.PullResult, error)
	Push(ctx context.Context, userID string, batch domain.PushBatch) error
	Notify(ctx context.Context, notice domain.SyncNotice) error
}

// Identity resolves the current user.
type Identity interface {
	UserID(ctx context.Context) (string, error)
}

// DefaultSyncInterval is how often Run reconciles when no interval is given.
const DefaultSyncInterval = 5 * time.Minute

// Config tunes the coordinator. Zero values take the defaults.
type Config struct {
	Cooldown     time.Duration
	MaxAttempts  int
	RetryInitial time.Duration
	RetryMax     time.Duration
	DeviceID     string
}

func (c Config) withDefaults() Config {
	if c.Cooldown <= 0 {
		c.Cooldown = 5 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = 2 * time.Second
	}
	if c.RetryMax <= 0 {
		c.RetryMax = time.Minute
	}
	return c
}

// Coordinator runs sync cycles. At most one cycle runs at a time; calls
// made while one is in flight return immediately.
type Coordinator struct {
	local    LocalStore
	remote   Backend
	identity Identity
	cfg      Config
	logger   *log.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	inFlight    atomic.Bool
	lastSuccess atomic.Int64
	debounce    *schedule.Debouncer
}

// New creates a Coordinator. A nil remote turns every Sync into a no-op.
func New(local LocalStore, remote Backend, identity Identity, cfg Config, logger *log.Logger) *Coordinator {
	if logger == nil {
		logger = log.StandardLogger()
	}
	c := &Coordinator{
		local:    local,
		remote:   remote,
		identity: identity,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		now:      time.Now,
		sleep:    sleepContext,
	}
	c.debounce = schedule.NewDebouncer(func() {
		if err := c.Sync(context.Background(), false); err != nil {
			c.logger.WithError(err).Warn("scheduled sync failed")
		}
	})
	return c
}

// ScheduleSync runs Sync after delay. A later call replaces a pending one.
func (c *Coordinator) ScheduleSync(delay time.Duration) {
	c.debounce.Trigger(delay)
}

// Run syncs every interval until ctx is done, so remote changes arrive and
// failed pushes are retried without a local edit. Ticks that land in the
// cooldown or on a running cycle are dropped by Sync.
func (c *Coordinator) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSyncInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Sync(ctx, false); err != nil {
				c.logger.WithError(err).Warn("periodic sync failed")
			}
		}
	}
}

// Stop drops any scheduled sync.
func (c *Coordinator) Stop() {
	c.debounce.Stop()
}

// InFlight reports whether a cycle is running.
func (c *Coordinator) InFlight() bool {
	return c.inFlight.Load()
}

// Sync runs one pull/push cycle. It silently does nothing when the remote
// is not configured, no user is signed in, a cycle is already running, or
// the last success is within the cooldown and force is false. Network
// failures are retried with exponential backoff; the last error is
// returned once attempts run out.
func (c *Coordinator) Sync(ctx context.Context, force bool) error {
	if c.remote == nil {
		c.logger.Debug("sync skipped: remote not configured")
		return nil
	}
	if !force {
		if last := c.lastSuccess.Load(); last > 0 && c.now().Sub(time.UnixMilli(last)) < c.cfg.Cooldown {
			c.logger.Debug("sync skipped: cooldown")
			return nil
		}
	}
	if !c.inFlight.CompareAndSwap(false, true) {
		c.logger.Debug("sync skipped: cycle in flight")
		return nil
	}
	defer c.inFlight.Store(false)

	userID, err := c.identity.UserID(ctx)
	if err != nil || userID == "" {
		c.logger.WithError(err).Debug("sync skipped: no user identity")
		return nil
	}

	ctx, span := otel.Tracer("goals-sync/syncer").Start(ctx, "sync.cycle")
	defer span.End()
	span.SetAttributes(attribute.Bool("sync.forced", force))

	metrics := newCycleMetrics(ctx, c.logger, force)
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		metrics.attempts = attempt
		metrics.reset()
		lastErr = c.cycle(ctx, userID, metrics)
		if lastErr == nil {
			break
		}
		if !IsNetworkError(lastErr) || attempt == c.cfg.MaxAttempts {
			break
		}
		delay := exponentialBackoff(attempt, c.cfg.RetryInitial, c.cfg.RetryMax)
		c.logger.WithError(lastErr).WithFields(log.Fields{"attempt": attempt, "delay": delay}).Warn("sync attempt failed, retrying")
		if err := c.sleep(ctx, delay); err != nil {
			lastErr = err
			break
		}
	}
	span.SetAttributes(
		attribute.Int("sync.attempts", metrics.attempts),
		attribute.Int("sync.pulled", metrics.pulled),
		attribute.Int("sync.pushed", metrics.totalPushed()),
	)
	if lastErr != nil {
		span.RecordError(lastErr)
		span.SetStatus(codes.Error, lastErr.Error())
	}
	metrics.Log(lastErr)
	return lastErr
}

// cycle pulls every table past its server watermark, applies the rows,
// then pushes local state. The local-clock cursor only splits pushed rows
// into created and updated.
func (c *Coordinator) cycle(ctx context.Context, userID string, metrics *cycleMetrics) error {
	cursor, err := c.loadMillis(ctx, storage.KeySyncCursor+userID)
	if err != nil {
		metrics.SetErrorStage("cursor")
		return err
	}
	snapshot := c.now().UnixMilli()
	if snapshot < cursor {
		snapshot = cursor
	}

	pullStart := time.Now()
	var pulled []domain.Record
	watermarks := make(map[domain.Table]string, len(domain.SyncTables))
	for _, table := range domain.SyncTables {
		since, _, err := c.local.GetValue(ctx, watermarkKey(userID, table))
		if err != nil {
			metrics.SetErrorStage("cursor")
			return fmt.Errorf("load %s watermark: %w", table, err)
		}
		res, err := c.remote.Pull(ctx, table, userID, since)
		if err != nil {
			metrics.SetErrorStage("pull")
			return fmt.Errorf("pull %s: %w", table, err)
		}
		for _, err := range res.Skipped {
			metrics.skipped++
			c.logger.WithError(err).WithField("table", table).Warn("skipping undecodable remote row")
		}
		for _, row := range res.Rows {
			rec, err := domain.ToLocal(row)
			if err != nil {
				metrics.skipped++
				c.logger.WithError(err).WithField("table", table).Warn("skipping remote row")
				continue
			}
			pulled = append(pulled, rec)
		}
		if res.Watermark != "" {
			watermarks[table] = res.Watermark
		}
	}
	metrics.pulled = len(pulled)
	applied, err := c.local.ApplyRemote(ctx, pulled)
	if err != nil {
		metrics.SetErrorStage("apply")
		return fmt.Errorf("apply pulled records: %w", err)
	}
	metrics.applied = applied
	metrics.ObservePull(time.Since(pullStart))

	pushStart := time.Now()
	for _, table := range domain.SyncTables {
		batch, err := c.pushBatch(ctx, table, userID, cursor)
		if err != nil {
			metrics.SetErrorStage("read")
			return err
		}
		if batch.Empty() {
			continue
		}
		if err := c.remote.Push(ctx, userID, batch); err != nil {
			metrics.SetErrorStage("push")
			return fmt.Errorf("push %s: %w", table, err)
		}
		metrics.pushed[table] = len(batch.Created) + len(batch.Updated)
		metrics.deleted += len(batch.Deleted)
		if err := c.local.PurgeDeleted(ctx, table, batch.Deleted); err != nil {
			c.logger.WithError(err).WithField("table", table).Warn("failed to purge pushed tombstones")
		}
	}
	metrics.ObservePush(time.Since(pushStart))

	for table, mark := range watermarks {
		if err := c.local.SetValue(ctx, watermarkKey(userID, table), mark); err != nil {
			metrics.SetErrorStage("cursor")
			return fmt.Errorf("store %s watermark: %w", table, err)
		}
	}
	if err := c.local.SetValue(ctx, storage.KeySyncCursor+userID, strconv.FormatInt(snapshot, 10)); err != nil {
		metrics.SetErrorStage("cursor")
		return fmt.Errorf("store cursor: %w", err)
	}
	finished := c.now().UnixMilli()
	if err := c.local.SetValue(ctx, storage.KeyLastSyncTime+userID, strconv.FormatInt(finished, 10)); err != nil {
		c.logger.WithError(err).Warn("failed to store last sync time")
	}
	c.lastSuccess.Store(finished)

	counts := make(map[domain.Table]int, len(metrics.pushed))
	for t, n := range metrics.pushed {
		counts[t] = n
	}
	if err := c.remote.Notify(ctx, domain.SyncNotice{UserID: userID, DeviceID: c.cfg.DeviceID, PushedAt: finished, Counts: counts}); err != nil {
		c.logger.WithError(err).Warn("failed to enqueue sync notice")
	}
	return nil
}

// pushBatch collects every locally owned record of a table. Records created
// after the cursor count as created, the rest as updated.
func (c *Coordinator) pushBatch(ctx context.Context, table domain.Table, userID string, cursor int64) (domain.PushBatch, error) {
	live, deleted, err := c.local.Owned(ctx, table, userID)
	if err != nil {
		return domain.PushBatch{}, fmt.Errorf("read %s: %w", table, err)
	}
	batch := domain.PushBatch{Table: table, Deleted: deleted}
	for _, rec := range live {
		row, err := domain.ToRemote(rec)
		if err != nil {
			c.logger.WithError(err).WithField("table", table).Warn("skipping local record")
			continue
		}
		if rec.Meta().CreatedAt > cursor {
			batch.Created = append(batch.Created, row)
		} else {
			batch.Updated = append(batch.Updated, row)
		}
	}
	return batch, nil
}

// watermarkKey names the stored server watermark of one table's pulls.
func watermarkKey(userID string, table domain.Table) string {
	return storage.KeyPullWatermark + userID + ":" + string(table)
}

// LastSyncTime returns when the user's last successful cycle finished.
func (c *Coordinator) LastSyncTime(ctx context.Context) (time.Time, bool) {
	userID, err := c.identity.UserID(ctx)
	if err != nil || userID == "" {
		return time.Time{}, false
	}
	ms, err := c.loadMillis(ctx, storage.KeyLastSyncTime+userID)
	if err != nil || ms == 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

func (c *Coordinator) loadMillis(ctx context.Context, key string) (int64, error) {
	raw, ok, err := c.local.GetValue(ctx, key)
	if err != nil || !ok {
		return 0, err
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return v, nil
}

func exponentialBackoff(attempt int, initial, max time.Duration) time.Duration {
	if initial <= 0 {
		initial = time.Second
	}
	if max <= 0 {
		max = 10 * time.Second
	}
	if attempt <= 0 {
		return initial
	}
	backoff := float64(initial) * math.Pow(2, float64(attempt-1))
	if backoff > float64(max) {
		backoff = float64(max)
	}
	return time.Duration(backoff)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
