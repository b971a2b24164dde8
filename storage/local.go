package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"goals-sync/domain"
)

//go:embed schema.sql
var schemaSQL string

// Local is the on-device database and the local source of truth. It owns
// the record tables, the kv table and the change feed.
type Local struct {
	db     *sql.DB
	logger *log.Logger
	now    func() time.Time
	last   atomic.Int64

	mu        sync.RWMutex
	observers map[int]func(domain.Change)
	nextObs   int
}

// OpenLocal opens or creates the database at path and applies the schema.
func OpenLocal(path string, logger *log.Logger) (*Local, error) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Local{db: db, logger: logger, now: time.Now, observers: map[int]func(domain.Change){}}, nil
}

// Close closes the database.
func (l *Local) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

// Observe registers fn for every committed change and returns a function
// that removes it. Observers run synchronously after the commit and must
// not block.
func (l *Local) Observe(fn func(domain.Change)) func() {
	l.mu.Lock()
	id := l.nextObs
	l.nextObs++
	l.observers[id] = fn
	l.mu.Unlock()
	return func() {
		l.mu.Lock()
		delete(l.observers, id)
		l.mu.Unlock()
	}
}

func (l *Local) notify(c domain.Change) {
	l.mu.RLock()
	fns := make([]func(domain.Change), 0, len(l.observers))
	for _, fn := range l.observers {
		fns = append(fns, fn)
	}
	l.mu.RUnlock()
	for _, fn := range fns {
		fn(c)
	}
}

// nextStamp returns a millisecond timestamp strictly greater than every
// stamp this store handed out before, so local edits always order.
func (l *Local) nextStamp() int64 {
	for {
		now := l.now().UnixMilli()
		last := l.last.Load()
		if now <= last {
			now = last + 1
		}
		if l.last.CompareAndSwap(last, now) {
			return now
		}
	}
}

// Save creates or updates a record from a local edit. It assigns an id and
// creation time to new records and always stamps UpdatedAt.
func (l *Local) Save(ctx context.Context, rec domain.Record) error {
	spec, err := specFor(rec.Table())
	if err != nil {
		return err
	}
	m := rec.Meta()
	if m.UserID == "" {
		return fmt.Errorf("save %s: %w", rec.Table(), domain.ErrNoIdentity)
	}
	stamp := l.nextStamp()
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt == 0 {
		m.CreatedAt = stamp
	}
	if m.CreationSource == "" {
		m.CreationSource = domain.SourceManual
	}
	m.UpdatedAt = stamp
	if _, err := l.db.ExecContext(ctx, upsertSQL(rec.Table(), spec, false), spec.values(rec)...); err != nil {
		return fmt.Errorf("save %s %s: %w", rec.Table(), m.ID, err)
	}
	l.notify(domain.Change{Table: rec.Table(), IDs: []string{m.ID}, Op: domain.OpUpsert, Source: domain.ChangeLocal})
	return nil
}

// Delete tombstones a record. The row stays until the deletion is pushed.
func (l *Local) Delete(ctx context.Context, table domain.Table, id string) error {
	if _, err := specFor(table); err != nil {
		return err
	}
	res, err := l.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE %s SET deleted = 1, updated_at = ? WHERE id = ? AND deleted = 0", table),
		l.nextStamp(), id)
	if err != nil {
		return fmt.Errorf("delete %s %s: %w", table, id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	l.notify(domain.Change{Table: table, IDs: []string{id}, Op: domain.OpDelete, Source: domain.ChangeLocal})
	return nil
}

// Get loads a live record.
func (l *Local) Get(ctx context.Context, table domain.Table, id string) (domain.Record, error) {
	spec, err := specFor(table)
	if err != nil {
		return nil, err
	}
	row := l.db.QueryRowContext(ctx, selectSQL(table, spec, "id = ? AND deleted = 0"), id)
	rec, err := spec.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s %s: %w", table, id, err)
	}
	return rec, nil
}

// GetTask loads a live task.
func (l *Local) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	rec, err := l.Get(ctx, domain.TableTasks, id)
	if err != nil {
		return nil, err
	}
	return rec.(*domain.Task), nil
}

// TasksForDay returns the user's live tasks scheduled on day (YYYY-MM-DD).
func (l *Local) TasksForDay(ctx context.Context, userID, day string) ([]*domain.Task, error) {
	spec := specs[domain.TableTasks]
	rows, err := l.db.QueryContext(ctx,
		selectSQL(domain.TableTasks, spec, "user_id = ? AND scheduled_date = ? AND deleted = 0")+" ORDER BY order_index, created_at",
		userID, day)
	if err != nil {
		return nil, fmt.Errorf("query tasks for %s: %w", day, err)
	}
	defer rows.Close()
	var out []*domain.Task
	for rows.Next() {
		rec, err := spec.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec.(*domain.Task))
	}
	return out, rows.Err()
}

// Owned returns the user's live records for a table and the ids of
// tombstoned ones.
func (l *Local) Owned(ctx context.Context, table domain.Table, userID string) ([]domain.Record, []string, error) {
	spec, err := specFor(table)
	if err != nil {
		return nil, nil, err
	}
	cols := strings.Join(spec.columns, ", ")
	rows, err := l.db.QueryContext(ctx,
		fmt.Sprintf("SELECT deleted, %s FROM %s WHERE user_id = ? ORDER BY updated_at", cols, table), userID)
	if err != nil {
		return nil, nil, fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close()
	var live []domain.Record
	var deleted []string
	for rows.Next() {
		var gone bool
		rec, err := spec.scan(prefixScanner{rows: rows, first: &gone})
		if err != nil {
			return nil, nil, err
		}
		if gone {
			deleted = append(deleted, rec.Meta().ID)
			continue
		}
		live = append(live, rec)
	}
	return live, deleted, rows.Err()
}

// prefixScanner scans one extra leading column before the spec columns.
type prefixScanner struct {
	rows  *sql.Rows
	first any
}

func (p prefixScanner) Scan(dest ...any) error {
	return p.rows.Scan(append([]any{p.first}, dest...)...)
}

// ApplyRemote bulk-applies pulled records in one transaction. A record
// only replaces a local row with an equal or older updated_at. It returns
// how many rows changed.
func (l *Local) ApplyRemote(ctx context.Context, records []domain.Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin apply: %w", err)
	}
	defer tx.Rollback()

	stmts := map[domain.Table]*sql.Stmt{}
	changed := map[domain.Table][]string{}
	applied := 0
	for _, rec := range records {
		spec, err := specFor(rec.Table())
		if err != nil {
			return 0, err
		}
		stmt, ok := stmts[rec.Table()]
		if !ok {
			stmt, err = tx.PrepareContext(ctx, upsertSQL(rec.Table(), spec, true))
			if err != nil {
				return 0, fmt.Errorf("prepare %s upsert: %w", rec.Table(), err)
			}
			defer stmt.Close()
			stmts[rec.Table()] = stmt
		}
		res, err := stmt.ExecContext(ctx, spec.values(rec)...)
		if err != nil {
			return 0, fmt.Errorf("apply %s %s: %w", rec.Table(), rec.Meta().ID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			applied++
			changed[rec.Table()] = append(changed[rec.Table()], rec.Meta().ID)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit apply: %w", err)
	}
	for _, table := range domain.SyncTables {
		if ids := changed[table]; len(ids) > 0 {
			l.notify(domain.Change{Table: table, IDs: ids, Op: domain.OpUpsert, Source: domain.ChangeRemote})
		}
	}
	l.logger.WithField("applied", applied).Debug("applied remote changes")
	return applied, nil
}

// PurgeDeleted removes tombstones once the remote has accepted them.
func (l *Local) PurgeDeleted(ctx context.Context, table domain.Table, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := specFor(table); err != nil {
		return err
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	_, err := l.db.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE deleted = 1 AND id IN (%s)", table, placeholders), args...)
	if err != nil {
		return fmt.Errorf("purge %s: %w", table, err)
	}
	return nil
}

// SetTaskCompletion writes a task's completion state and stamps UpdatedAt.
func (l *Local) SetTaskCompletion(ctx context.Context, id string, complete bool, completedAt *int64) error {
	if !complete {
		completedAt = nil
	}
	res, err := l.db.ExecContext(ctx,
		"UPDATE tasks SET is_complete = ?, completed_at = ?, updated_at = ? WHERE id = ? AND deleted = 0",
		complete, millisArg(completedAt), l.nextStamp(), id)
	if err != nil {
		return fmt.Errorf("set completion for task %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	l.notify(domain.Change{Table: domain.TableTasks, IDs: []string{id}, Op: domain.OpUpsert, Source: domain.ChangeLocal})
	return nil
}
