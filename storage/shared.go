package storage

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const (
	sharedFallbackPrefix = "shared:"
	maxWatchRetries      = 5
)

// FallbackKV is the process-private store used when the shared namespace
// is unreachable.
type FallbackKV interface {
	KV
	UpdateValue(ctx context.Context, key string, fn func(current string, ok bool) (next string, keep bool, err error)) error
}

// Shared is the key/value namespace both the app and the extension
// process can reach. Values are opaque strings replaced whole and never
// expire. Every operation degrades to the private fallback store when Redis
// fails.
type Shared struct {
	rc        *redis.Client
	fallback  FallbackKV
	namespace string
	logger    *log.Logger
}

// NewShared creates a shared store. rc may be nil, in which case every
// operation goes to fallback.
func NewShared(rc *redis.Client, namespace string, fallback FallbackKV, logger *log.Logger) *Shared {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Shared{rc: rc, fallback: fallback, namespace: namespace, logger: logger}
}

// Key returns the namespaced key for name.
func (s *Shared) Key(name string) string {
	return s.namespace + ":widget:" + name
}

func (s *Shared) fallbackKey(name string) string {
	return sharedFallbackPrefix + s.Key(name)
}

func (s *Shared) degrade(op, name string, err error) {
	s.logger.WithError(err).WithFields(log.Fields{"op": op, "key": s.Key(name)}).Warn("shared store unavailable, using private fallback")
}

// Get returns the value stored under name.
func (s *Shared) Get(ctx context.Context, name string) (string, bool, error) {
	if s.rc != nil {
		v, err := s.rc.Get(ctx, s.Key(name)).Result()
		if err == nil {
			return v, true, nil
		}
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		s.degrade("get", name, err)
	}
	return s.fallback.GetValue(ctx, s.fallbackKey(name))
}

// Set replaces the value stored under name.
func (s *Shared) Set(ctx context.Context, name, value string) error {
	if s.rc != nil {
		err := s.rc.Set(ctx, s.Key(name), value, 0).Err()
		if err == nil {
			return nil
		}
		s.degrade("set", name, err)
	}
	return s.fallback.SetValue(ctx, s.fallbackKey(name), value)
}

// Remove deletes the value stored under name.
func (s *Shared) Remove(ctx context.Context, name string) error {
	if s.rc != nil {
		err := s.rc.Del(ctx, s.Key(name)).Err()
		if err == nil {
			return nil
		}
		s.degrade("remove", name, err)
	}
	return s.fallback.DeleteValue(ctx, s.fallbackKey(name))
}

type updateFuncError struct{ err error }

func (e updateFuncError) Error() string { return e.err.Error() }
func (e updateFuncError) Unwrap() error { return e.err }

// Update performs an optimistic read-modify-write of name. fn may run more
// than once when another writer races it. Returning keep=false deletes the
// key. Errors from fn are returned unchanged.
func (s *Shared) Update(ctx context.Context, name string, fn func(current string, ok bool) (next string, keep bool, err error)) error {
	if s.rc != nil {
		key := s.Key(name)
		txf := func(tx *redis.Tx) error {
			current, err := tx.Get(ctx, key).Result()
			ok := true
			if errors.Is(err, redis.Nil) {
				ok = false
			} else if err != nil {
				return err
			}
			next, keep, err := fn(current, ok)
			if err != nil {
				return updateFuncError{err}
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				if keep {
					pipe.Set(ctx, key, next, 0)
				} else {
					pipe.Del(ctx, key)
				}
				return nil
			})
			return err
		}
		var err error
		for attempt := 0; attempt < maxWatchRetries; attempt++ {
			err = s.rc.Watch(ctx, txf, key)
			if !errors.Is(err, redis.TxFailedErr) {
				break
			}
		}
		var fnErr updateFuncError
		switch {
		case err == nil:
			return nil
		case errors.As(err, &fnErr):
			return fnErr.err
		case errors.Is(err, redis.TxFailedErr):
			return err
		}
		s.degrade("update", name, err)
	}
	return s.fallback.UpdateValue(ctx, s.fallbackKey(name), fn)
}

// Publish sends payload on a namespaced channel. Delivery is best effort.
func (s *Shared) Publish(ctx context.Context, channel, payload string) {
	if s.rc == nil {
		return
	}
	if err := s.rc.Publish(ctx, s.Key(channel), payload).Err(); err != nil {
		s.logger.WithError(err).WithField("channel", s.Key(channel)).Warn("unable to publish")
	}
}
