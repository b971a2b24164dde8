// Package widget owns the state shared with the extension process: the
// projection of today's tasks and the queue of completion events the
// extension appends.
package widget

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"goals-sync/domain"
	"goals-sync/storage"
)

// Shared key and channel names, relative to the app-group namespace.
const (
	KeyProjection         = "projection"
	KeyPendingCompletions = "pending_completions"
	ChannelReload         = "reload"
)

// Store reads and writes the shared projection and pending queue.
type Store struct {
	shared *storage.Shared
	logger *log.Logger
	now    func() time.Time
}

func NewStore(shared *storage.Shared, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Store{shared: shared, logger: logger, now: time.Now}
}

// UpdateWidgetData replaces the projection and asks the extension to
// reload its timelines.
func (s *Store) UpdateWidgetData(ctx context.Context, frog *domain.TaskSummary, regular []domain.TaskSummary) error {
	if regular == nil {
		regular = []domain.TaskSummary{}
	}
	proj := domain.Projection{
		Version:      domain.ProjectionVersion,
		FrogTask:     frog,
		RegularTasks: regular,
		LastUpdated:  s.now().UnixMilli(),
	}
	data, err := sonic.MarshalString(proj)
	if err != nil {
		return fmt.Errorf("encode projection: %w", err)
	}
	if err := s.shared.Set(ctx, KeyProjection, data); err != nil {
		return fmt.Errorf("store projection: %w", err)
	}
	s.ReloadTimelines(ctx)
	return nil
}

// GetWidgetData returns the current projection, or nil when none has been
// written or the stored one has an older layout.
func (s *Store) GetWidgetData(ctx context.Context) (*domain.Projection, error) {
	raw, ok, err := s.shared.Get(ctx, KeyProjection)
	if err != nil {
		return nil, fmt.Errorf("read projection: %w", err)
	}
	if !ok || raw == "" {
		return nil, nil
	}
	var proj domain.Projection
	if err := sonic.UnmarshalString(raw, &proj); err != nil {
		s.logger.WithError(err).Warn("discarding undecodable projection")
		return nil, nil
	}
	if proj.Version != domain.ProjectionVersion {
		s.logger.WithField("version", proj.Version).Info("discarding projection with stale layout")
		return nil, nil
	}
	return &proj, nil
}

// ReloadTimelines signals the extension that the projection changed.
func (s *Store) ReloadTimelines(ctx context.Context) {
	s.shared.Publish(ctx, ChannelReload, fmt.Sprintf(`{"at":%d}`, s.now().UnixMilli()))
}

// MarkTaskCompleted is the extension's write path: it queues a complete
// event and updates the projected task so the extension renders it at
// once. The app resolves the event later.
func (s *Store) MarkTaskCompleted(ctx context.Context, taskID string) error {
	return s.mark(ctx, taskID, domain.ActionComplete)
}

// MarkTaskUncompleted queues an uncomplete event.
func (s *Store) MarkTaskUncompleted(ctx context.Context, taskID string) error {
	return s.mark(ctx, taskID, domain.ActionUncomplete)
}

func (s *Store) mark(ctx context.Context, taskID string, action domain.CompletionAction) error {
	now := s.now().UnixMilli()
	ev := domain.CompletionEvent{TaskID: taskID, CompletedAt: now, Action: action, Source: domain.SourceExtension}
	if err := ev.Validate(); err != nil {
		return err
	}

	var title string
	err := s.shared.Update(ctx, KeyProjection, func(current string, ok bool) (string, bool, error) {
		if !ok || current == "" {
			return current, ok, nil
		}
		var proj domain.Projection
		if err := sonic.UnmarshalString(current, &proj); err != nil {
			return current, true, nil
		}
		if t, found := proj.Find(taskID); found {
			title = t.Title
		}
		complete := action == domain.ActionComplete
		if !proj.SetCompletion(taskID, complete, domain.Int64Ptr(now)) {
			return current, true, nil
		}
		next, err := sonic.MarshalString(proj)
		if err != nil {
			return "", false, fmt.Errorf("encode projection: %w", err)
		}
		return next, true, nil
	})
	if err != nil {
		s.logger.WithError(err).WithField("task", taskID).Warn("optimistic projection update failed")
	}

	ev.TaskTitle = title
	entry, err := sonic.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode completion event: %w", err)
	}
	err = s.shared.Update(ctx, KeyPendingCompletions, func(current string, ok bool) (string, bool, error) {
		queue := decodeQueue(current, ok)
		queue = append(queue, json.RawMessage(entry))
		next, err := sonic.MarshalString(queue)
		if err != nil {
			return "", false, fmt.Errorf("encode pending completions: %w", err)
		}
		return next, true, nil
	})
	if err != nil {
		return fmt.Errorf("queue %s for task %s: %w", action, taskID, err)
	}
	s.ReloadTimelines(ctx)
	return nil
}

// Pending is a snapshot of the pending queue. Size counts every raw
// entry, including ones that failed to decode or validate.
type Pending struct {
	Events  []domain.CompletionEvent
	Invalid []error
	Size    int
}

// PendingCompletions reads the queue without modifying it.
func (s *Store) PendingCompletions(ctx context.Context) (Pending, error) {
	raw, ok, err := s.shared.Get(ctx, KeyPendingCompletions)
	if err != nil {
		return Pending{}, fmt.Errorf("read pending completions: %w", err)
	}
	queue := decodeQueue(raw, ok)
	if raw != "" && queue == nil {
		s.logger.Warn("pending completions queue is undecodable, dropping it")
		return Pending{}, s.shared.Remove(ctx, KeyPendingCompletions)
	}
	p := Pending{Size: len(queue)}
	for i, entry := range queue {
		var ev domain.CompletionEvent
		if err := sonic.Unmarshal(entry, &ev); err != nil {
			p.Invalid = append(p.Invalid, fmt.Errorf("%w: entry %d: %v", domain.ErrInvalidCompletion, i, err))
			continue
		}
		if err := ev.Validate(); err != nil {
			p.Invalid = append(p.Invalid, fmt.Errorf("entry %d: %w", i, err))
			continue
		}
		p.Events = append(p.Events, ev)
	}
	return p, nil
}

// AckCompletions removes the first n entries of the queue. Entries the
// extension appended after the snapshot was read are kept.
func (s *Store) AckCompletions(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	return s.shared.Update(ctx, KeyPendingCompletions, func(current string, ok bool) (string, bool, error) {
		queue := decodeQueue(current, ok)
		if n >= len(queue) {
			return "", false, nil
		}
		next, err := sonic.MarshalString(queue[n:])
		if err != nil {
			return "", false, fmt.Errorf("encode pending completions: %w", err)
		}
		return next, true, nil
	})
}

func decodeQueue(raw string, ok bool) []json.RawMessage {
	if !ok || raw == "" {
		return nil
	}
	var queue []json.RawMessage
	if err := sonic.UnmarshalString(raw, &queue); err != nil {
		return nil
	}
	return queue
}
