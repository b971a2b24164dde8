package widget

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus/hooks/test"

	"goals-sync/conflict"
	"goals-sync/domain"
	"goals-sync/storage"
)

type testEnv struct {
	store *Store
	redis *miniredis.Miniredis
	rc    *redis.Client
	local *storage.Local
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(m.Close)
	local, err := storage.OpenLocal(filepath.Join(t.TempDir(), "goals.db"), nil)
	if err != nil {
		t.Fatalf("open local: %v", err)
	}
	t.Cleanup(func() { local.Close() })
	rc := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { rc.Close() })
	logger, _ := test.NewNullLogger()
	store := NewStore(storage.NewShared(rc, "group", local, logger), logger)
	store.now = func() time.Time { return time.UnixMilli(10_000) }
	return &testEnv{store: store, redis: m, rc: rc, local: local}
}

func (e *testEnv) queue(t *testing.T) []domain.CompletionEvent {
	t.Helper()
	raw, err := e.redis.Get("group:widget:pending_completions")
	if err != nil {
		return nil
	}
	var events []domain.CompletionEvent
	if err := sonic.UnmarshalString(raw, &events); err != nil {
		t.Fatalf("decode queue %q: %v", raw, err)
	}
	return events
}

func TestUpdateAndGetWidgetData(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sub := env.rc.Subscribe(ctx, "group:widget:reload")
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	frog := &domain.TaskSummary{ID: "f", Title: "Eat the frog"}
	if err := env.store.UpdateWidgetData(ctx, frog, []domain.TaskSummary{{ID: "a", Title: "Inbox zero"}}); err != nil {
		t.Fatalf("UpdateWidgetData: %v", err)
	}
	proj, err := env.store.GetWidgetData(ctx)
	if err != nil || proj == nil {
		t.Fatalf("GetWidgetData = %v, %v", proj, err)
	}
	if proj.FrogTask == nil || proj.FrogTask.ID != "f" || len(proj.RegularTasks) != 1 || proj.LastUpdated != 10_000 {
		t.Fatalf("unexpected projection %+v", proj)
	}

	msg, err := sub.ReceiveTimeout(ctx, time.Second)
	if err != nil {
		t.Fatalf("expected reload message: %v", err)
	}
	if m, ok := msg.(*redis.Message); !ok || !strings.Contains(m.Payload, "10000") {
		t.Fatalf("unexpected reload message %#v", msg)
	}
}

func TestGetWidgetDataIgnoresMissingAndStale(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if proj, err := env.store.GetWidgetData(ctx); err != nil || proj != nil {
		t.Fatalf("expected no projection, got %+v, %v", proj, err)
	}
	env.redis.Set("group:widget:projection", `{"version":0,"regularTasks":[]}`)
	if proj, err := env.store.GetWidgetData(ctx); err != nil || proj != nil {
		t.Fatalf("expected stale projection to be ignored, got %+v, %v", proj, err)
	}
	env.redis.Set("group:widget:projection", `not json`)
	if proj, err := env.store.GetWidgetData(ctx); err != nil || proj != nil {
		t.Fatalf("expected garbage projection to be ignored, got %+v, %v", proj, err)
	}
}

func TestMarkTaskCompletedQueuesAndUpdatesProjection(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if err := env.store.UpdateWidgetData(ctx, nil, []domain.TaskSummary{{ID: "t1", Title: "Stretch"}}); err != nil {
		t.Fatalf("UpdateWidgetData: %v", err)
	}

	if err := env.store.MarkTaskCompleted(ctx, "t1"); err != nil {
		t.Fatalf("MarkTaskCompleted: %v", err)
	}
	if err := env.store.MarkTaskUncompleted(ctx, "other"); err != nil {
		t.Fatalf("MarkTaskUncompleted: %v", err)
	}

	events := env.queue(t)
	if len(events) != 2 {
		t.Fatalf("queue = %+v, want 2 events", events)
	}
	first := events[0]
	if first.TaskID != "t1" || first.Action != domain.ActionComplete || first.TaskTitle != "Stretch" ||
		first.CompletedAt != 10_000 || first.Source != domain.SourceExtension {
		t.Fatalf("unexpected first event %+v", first)
	}
	if events[1].Action != domain.ActionUncomplete {
		t.Fatalf("unexpected second event %+v", events[1])
	}

	proj, _ := env.store.GetWidgetData(ctx)
	if s, ok := proj.Find("t1"); !ok || !s.IsComplete || s.CompletedAt == nil || *s.CompletedAt != 10_000 {
		t.Fatalf("projection not updated optimistically: %+v", proj)
	}

	if err := env.store.MarkTaskCompleted(ctx, ""); !errors.Is(err, domain.ErrInvalidCompletion) {
		t.Fatalf("expected invalid completion, got %v", err)
	}
}

type fakeResolver struct {
	calls   [][]domain.CompletionEvent
	err     error
	during  func()
	results func(events []domain.CompletionEvent) []domain.ConflictResolution
}

func (f *fakeResolver) ResolveTaskConflicts(ctx context.Context, events []domain.CompletionEvent) ([]domain.ConflictResolution, error) {
	f.calls = append(f.calls, events)
	if f.during != nil {
		f.during()
	}
	var out []domain.ConflictResolution
	if f.results != nil {
		out = f.results(events)
	} else {
		for _, ev := range events {
			out = append(out, domain.ConflictResolution{TaskID: ev.TaskID, Resolution: domain.ResolutionWidgetWins})
		}
	}
	return out, f.err
}

type fakeRefresher struct{ reasons []string }

func (f *fakeRefresher) ForceRefresh(ctx context.Context, reason string) bool {
	f.reasons = append(f.reasons, reason)
	return true
}

func TestPollerAppliesAndAcks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.redis.Set("group:widget:pending_completions",
		`[{"taskId":"t1","completedAt":5,"action":"complete"},{"taskId":"","action":"complete"},{"taskId":"t2","action":"toggle"},42]`)

	resolver := &fakeResolver{}
	refresher := &fakeRefresher{}
	p := NewPoller(env.store, resolver, refresher, 0, env.store.logger)

	ids, err := p.SyncWidgetChangesToDatabase(ctx)
	if err != nil {
		t.Fatalf("SyncWidgetChangesToDatabase: %v", err)
	}
	if len(ids) != 1 || ids[0] != "t1" {
		t.Fatalf("ids = %v, want [t1]", ids)
	}
	if len(resolver.calls) != 1 || len(resolver.calls[0]) != 1 {
		t.Fatalf("resolver got %+v, want only the valid event", resolver.calls)
	}
	if env.redis.Exists("group:widget:pending_completions") {
		t.Fatal("expected queue to be emptied")
	}
	if len(refresher.reasons) != 1 {
		t.Fatalf("expected one forced refresh, got %v", refresher.reasons)
	}

	ids, err = p.SyncWidgetChangesToDatabase(ctx)
	if err != nil || ids != nil || len(resolver.calls) != 1 {
		t.Fatalf("empty drain should be a no-op, got %v %v", ids, err)
	}
}

func TestPollerKeepsQueueOnRetryableFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.redis.Set("group:widget:pending_completions", `[{"taskId":"t1","completedAt":5,"action":"complete"}]`)

	resolver := &fakeResolver{err: errors.New("database is locked"), results: func([]domain.CompletionEvent) []domain.ConflictResolution { return nil }}
	p := NewPoller(env.store, resolver, nil, 0, nil)

	if _, err := p.SyncWidgetChangesToDatabase(ctx); err == nil {
		t.Fatal("expected error")
	}
	if len(env.queue(t)) != 1 {
		t.Fatal("expected event to stay queued for the next tick")
	}

	resolver.err = nil
	resolver.results = nil
	if _, err := p.SyncWidgetChangesToDatabase(ctx); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if env.redis.Exists("group:widget:pending_completions") {
		t.Fatal("expected queue drained on retry")
	}
}

func TestPollerDropsPermanentFailures(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.redis.Set("group:widget:pending_completions", `[{"taskId":"gone","completedAt":5,"action":"complete"}]`)

	resolver := &fakeResolver{
		err:     errors.Join(fmt.Errorf("task gone: %w", domain.ErrNotFound), domain.ErrInvalidCompletion),
		results: func([]domain.CompletionEvent) []domain.ConflictResolution { return nil },
	}
	p := NewPoller(env.store, resolver, nil, 0, nil)
	if _, err := p.SyncWidgetChangesToDatabase(ctx); err != nil {
		t.Fatalf("expected not-found to be dropped, got %v", err)
	}
	if env.redis.Exists("group:widget:pending_completions") {
		t.Fatal("expected unappliable event removed")
	}
	if !retryable(errors.New("disk I/O error")) || retryable(domain.ErrInvalidCompletion) {
		t.Fatal("unexpected retryable classification")
	}
}

func TestPollerPreservesEntriesAppendedDuringDrain(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.redis.Set("group:widget:pending_completions", `[{"taskId":"t1","completedAt":5,"action":"complete"}]`)

	resolver := &fakeResolver{during: func() {
		if err := env.store.MarkTaskCompleted(ctx, "t2"); err != nil {
			t.Errorf("append during drain: %v", err)
		}
	}}
	p := NewPoller(env.store, resolver, nil, 0, nil)
	if _, err := p.SyncWidgetChangesToDatabase(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	events := env.queue(t)
	if len(events) != 1 || events[0].TaskID != "t2" {
		t.Fatalf("queue after drain = %+v, want only t2", events)
	}
}

func TestPollerSkipsOverlappingDrain(t *testing.T) {
	env := newTestEnv(t)
	env.redis.Set("group:widget:pending_completions", `[{"taskId":"t1","completedAt":5,"action":"complete"}]`)
	resolver := &fakeResolver{}
	p := NewPoller(env.store, resolver, nil, 0, nil)
	p.inFlight.Store(true)
	if ids, err := p.SyncWidgetChangesToDatabase(context.Background()); ids != nil || err != nil || len(resolver.calls) != 0 {
		t.Fatalf("expected overlapping drain to be dropped, got %v %v", ids, err)
	}
}

type builderRefresher struct{ b *Builder }

func (r builderRefresher) ForceRefresh(ctx context.Context, reason string) bool {
	return r.b.Rebuild(ctx) == nil
}

type userID string

func (u userID) UserID(context.Context) (string, error) { return string(u), nil }

func TestCompletionRoundTripConverges(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	day := time.Now().Format(domain.DayLayout)

	frog := &domain.Task{RecordMeta: domain.RecordMeta{UserID: "u1"}, Title: "Frog", ScheduledDate: day, IsFrog: true}
	other := &domain.Task{RecordMeta: domain.RecordMeta{UserID: "u1"}, Title: "Other", ScheduledDate: day, OrderIndex: 1}
	for _, task := range []*domain.Task{frog, other} {
		if err := env.local.Save(ctx, task); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	builder := NewBuilder(env.local, env.store, userID("u1"), nil)
	if err := builder.Rebuild(ctx); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	env.store.now = func() time.Time { return time.Now().Add(time.Minute) }
	if err := env.store.MarkTaskCompleted(ctx, frog.ID); err != nil {
		t.Fatalf("mark: %v", err)
	}

	resolver := conflict.New(env.local, env.store, userID("u1"), nil)
	p := NewPoller(env.store, resolver, builderRefresher{builder}, 0, nil)
	ids, err := p.SyncWidgetChangesToDatabase(ctx)
	if err != nil || len(ids) != 1 || ids[0] != frog.ID {
		t.Fatalf("drain = %v, %v", ids, err)
	}

	stored, err := env.local.GetTask(ctx, frog.ID)
	if err != nil || !stored.IsComplete {
		t.Fatalf("expected frog complete in database, got %+v, %v", stored, err)
	}
	report := resolver.DetectDataInconsistencies(ctx)
	if len(report.Inconsistencies) != 0 || len(report.Errors) != 0 {
		t.Fatalf("expected converged state, got %+v", report)
	}
	proj, _ := env.store.GetWidgetData(ctx)
	if proj.FrogTask == nil || proj.FrogTask.ID != frog.ID || !proj.FrogTask.IsComplete {
		t.Fatalf("unexpected projection after drain %+v", proj)
	}
}
