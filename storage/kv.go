package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
)

// KV is a string key/value store. Local implements it over the kv table.
type KV interface {
	GetValue(ctx context.Context, key string) (string, bool, error)
	SetValue(ctx context.Context, key, value string) error
	DeleteValue(ctx context.Context, key string) error
}

// Persisted key names for state kept outside the record tables.
const (
	KeySyncCursor      = "sync:cursor:"
	KeyPullWatermark   = "sync:watermark:"
	KeyLastSyncTime    = "sync:last:"
	KeyTimelinePolicy  = "timeline:policy"
	KeyActivityMetrics = "timeline:metrics"
	KeyRefreshLog      = "timeline:refresh_log"
)

func (l *Local) GetValue(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := l.db.QueryRowContext(ctx, "SELECT value FROM kv WHERE key = ?", key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return v, true, nil
}

func (l *Local) SetValue(ctx context.Context, key, value string) error {
	_, err := l.db.ExecContext(ctx,
		"INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at",
		key, value, l.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (l *Local) DeleteValue(ctx context.Context, key string) error {
	if _, err := l.db.ExecContext(ctx, "DELETE FROM kv WHERE key = ?", key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// UpdateValue runs fn against the current value inside a transaction and
// stores what it returns. Returning keep=false deletes the key.
func (l *Local) UpdateValue(ctx context.Context, key string, fn func(current string, ok bool) (next string, keep bool, err error)) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update %s: %w", key, err)
	}
	defer tx.Rollback()

	var current string
	ok := true
	err = tx.QueryRowContext(ctx, "SELECT value FROM kv WHERE key = ?", key).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		ok = false
	} else if err != nil {
		return fmt.Errorf("read %s: %w", key, err)
	}
	next, keep, err := fn(current, ok)
	if err != nil {
		return err
	}
	if keep {
		_, err = tx.ExecContext(ctx,
			"INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at",
			key, next, l.now().UnixMilli())
	} else {
		_, err = tx.ExecContext(ctx, "DELETE FROM kv WHERE key = ?", key)
	}
	if err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return tx.Commit()
}

// LoadJSON decodes the value at key into v. It reports false when the key
// is unset.
func LoadJSON(ctx context.Context, kv KV, key string, v any) (bool, error) {
	raw, ok, err := kv.GetValue(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := sonic.UnmarshalString(raw, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// SaveJSON encodes v and stores it at key.
func SaveJSON(ctx context.Context, kv KV, key string, v any) error {
	raw, err := sonic.MarshalString(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return kv.SetValue(ctx, key, raw)
}
