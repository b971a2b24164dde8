package syncer

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"goals-sync/domain"
)

// fakeBackend stamps every write with a server-side commit counter, the
// way the table service assigns Timestamp, and pulls past it.
type fakeBackend struct {
	mu       sync.Mutex
	rows     map[domain.Table]map[string]domain.Row
	stamps   map[domain.Table]map[string]int64
	clock    int64
	pulls    int
	pushes   []domain.PushBatch
	notices  []domain.SyncNotice
	pullErrs []error
	pushErr  error
	skipped  []error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		rows:   map[domain.Table]map[string]domain.Row{},
		stamps: map[domain.Table]map[string]int64{},
	}
}

func (f *fakeBackend) put(row domain.Row) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rows[row.Table()] == nil {
		f.rows[row.Table()] = map[string]domain.Row{}
		f.stamps[row.Table()] = map[string]int64{}
	}
	f.clock++
	f.rows[row.Table()][row.Header().ID] = row
	f.stamps[row.Table()][row.Header().ID] = f.clock
}

func (f *fakeBackend) get(table domain.Table, id string) (domain.Row, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[table][id]
	return row, ok
}

func (f *fakeBackend) Pull(ctx context.Context, table domain.Table, userID, since string) (domain.PullResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulls++
	if len(f.pullErrs) > 0 {
		err := f.pullErrs[0]
		f.pullErrs = f.pullErrs[1:]
		if err != nil {
			return domain.PullResult{}, err
		}
	}
	var after int64
	if since != "" {
		n, err := strconv.ParseInt(since, 10, 64)
		if err != nil {
			return domain.PullResult{}, fmt.Errorf("bad watermark %q", since)
		}
		after = n
	}
	var res domain.PullResult
	var newest int64
	for id, row := range f.rows[table] {
		stamp := f.stamps[table][id]
		if row.Header().PartitionKey != userID || stamp <= after {
			continue
		}
		if stamp > newest {
			newest = stamp
		}
		res.Rows = append(res.Rows, row)
	}
	if newest > 0 {
		res.Watermark = fmt.Sprintf("%012d", newest)
	}
	if table == domain.TableTasks {
		res.Skipped, f.skipped = f.skipped, nil
	}
	return res, nil
}

func (f *fakeBackend) Push(ctx context.Context, userID string, batch domain.PushBatch) error {
	f.mu.Lock()
	if f.pushErr != nil {
		err := f.pushErr
		f.mu.Unlock()
		return err
	}
	f.pushes = append(f.pushes, batch)
	f.mu.Unlock()
	for _, row := range append(append([]domain.Row{}, batch.Created...), batch.Updated...) {
		f.put(row)
	}
	f.mu.Lock()
	for _, id := range batch.Deleted {
		delete(f.rows[batch.Table], id)
		delete(f.stamps[batch.Table], id)
	}
	f.mu.Unlock()
	return nil
}

func (f *fakeBackend) Notify(ctx context.Context, notice domain.SyncNotice) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notices = append(f.notices, notice)
	return nil
}

func (f *fakeBackend) pullCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pulls
}

type staticIdentity string

func (s staticIdentity) UserID(context.Context) (string, error) {
	if s == "" {
		return "", domain.ErrNoIdentity
	}
	return string(s), nil
}
