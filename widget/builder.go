package widget

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"goals-sync/domain"
)

// TaskSource lists a user's tasks for one day.
type TaskSource interface {
	TasksForDay(ctx context.Context, userID, day string) ([]*domain.Task, error)
}

// Identity resolves the current user.
type Identity interface {
	UserID(ctx context.Context) (string, error)
}

// Builder rebuilds the projection from today's tasks in the local
// database.
type Builder struct {
	tasks    TaskSource
	store    *Store
	identity Identity
	logger   *log.Logger
	now      func() time.Time
}

func NewBuilder(tasks TaskSource, store *Store, identity Identity, logger *log.Logger) *Builder {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Builder{tasks: tasks, store: store, identity: identity, logger: logger, now: time.Now}
}

// Rebuild replaces the projection with today's tasks. Without a signed in
// user there is nothing to project and Rebuild returns ErrNoIdentity.
func (b *Builder) Rebuild(ctx context.Context) error {
	userID, err := b.identity.UserID(ctx)
	if err != nil || userID == "" {
		return domain.ErrNoIdentity
	}
	today := b.now().Format(domain.DayLayout)
	tasks, err := b.tasks.TasksForDay(ctx, userID, today)
	if err != nil {
		return fmt.Errorf("load tasks for %s: %w", today, err)
	}
	frog, regular := domain.SplitTasks(tasks)
	if err := b.store.UpdateWidgetData(ctx, frog, regular); err != nil {
		return err
	}
	b.logger.WithFields(log.Fields{"day": today, "tasks": len(tasks), "frog": frog != nil}).Debug("projection rebuilt")
	return nil
}

// Progress counts today's completed and total tasks.
func (b *Builder) Progress(ctx context.Context) (int, int, error) {
	userID, err := b.identity.UserID(ctx)
	if err != nil || userID == "" {
		return 0, 0, domain.ErrNoIdentity
	}
	tasks, err := b.tasks.TasksForDay(ctx, userID, b.now().Format(domain.DayLayout))
	if err != nil {
		return 0, 0, err
	}
	completed := 0
	for _, t := range tasks {
		if t.IsComplete {
			completed++
		}
	}
	return completed, len(tasks), nil
}
