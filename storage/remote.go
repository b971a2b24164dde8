package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"

	"goals-sync/domain"
)

// maxTransactionActions is the Table service limit per entity group
// transaction.
const maxTransactionActions = 100

// RemoteConfig names the backend resources.
type RemoteConfig struct {
	ConnectionString string
	Tables           map[domain.Table]string
	NoticeQueue      string
}

// DefaultTableNames maps every record table onto a same-named remote table.
func DefaultTableNames() map[domain.Table]string {
	out := make(map[domain.Table]string, len(domain.SyncTables))
	for _, t := range domain.SyncTables {
		out[t] = string(t)
	}
	return out
}

// Remote is the cross-device backend: one table per record type, keyed by
// user and record id, plus an optional queue for sync notices.
type Remote struct {
	svc     *aztables.ServiceClient
	tables  map[domain.Table]*aztables.Client
	names   map[domain.Table]string
	notices *azqueue.QueueClient
}

// NewRemote creates a Remote from a storage connection string.
func NewRemote(cfg RemoteConfig) (*Remote, error) {
	tablesClientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute,
				RetryDelay:    time.Second,
				MaxRetryDelay: 15 * time.Second,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(cfg.ConnectionString, &tablesClientOptions)
	if err != nil {
		return nil, err
	}
	names := cfg.Tables
	if names == nil {
		names = DefaultTableNames()
	}
	r := &Remote{svc: svc, tables: map[domain.Table]*aztables.Client{}, names: names}
	for _, t := range domain.SyncTables {
		name := names[t]
		if name == "" {
			return nil, fmt.Errorf("missing remote table name for %s", t)
		}
		r.tables[t] = svc.NewClient(name)
	}
	if cfg.NoticeQueue != "" {
		queueClientOptions := azqueue.ClientOptions{
			ClientOptions: azcore.ClientOptions{
				Retry: policy.RetryOptions{
					MaxRetries:    5,
					TryTimeout:    time.Minute,
					RetryDelay:    time.Second,
					MaxRetryDelay: 30 * time.Second,
					StatusCodes:   []int{408, 429, 500, 502, 503, 504},
				},
			},
		}
		q, err := azqueue.NewQueueClientFromConnectionString(cfg.ConnectionString, cfg.NoticeQueue, &queueClientOptions)
		if err != nil {
			return nil, err
		}
		r.notices = q
	}
	return r, nil
}

// EnsureResources creates the tables and the notice queue when missing.
func (r *Remote) EnsureResources(ctx context.Context) error {
	for _, t := range domain.SyncTables {
		if _, err := r.tables[t].CreateTable(ctx, nil); err != nil {
			var respErr *azcore.ResponseError
			if !(errors.As(err, &respErr) && respErr.ErrorCode == string(aztables.TableAlreadyExists)) {
				return fmt.Errorf("create table %s: %w", r.names[t], err)
			}
		}
	}
	if r.notices != nil {
		if _, err := r.notices.Create(ctx, nil); err != nil {
			var respErr *azcore.ResponseError
			if !(errors.As(err, &respErr) && respErr.ErrorCode == "QueueAlreadyExists") {
				return fmt.Errorf("create notice queue: %w", err)
			}
		}
	}
	return nil
}

// watermarkLayout renders server commit times with the service's full
// 100ns precision so watermarks compare exactly and sort lexically.
const watermarkLayout = "2006-01-02T15:04:05.0000000Z"

// pullFilter selects a user's rows committed after the since watermark.
// An empty watermark selects everything. Timestamp is assigned by the
// table service on every write, so it orders pushes from all devices.
func pullFilter(userID, since string) string {
	filter := "PartitionKey eq '" + escapeODataString(userID) + "'"
	if since != "" {
		filter += " and Timestamp gt datetime'" + since + "'"
	}
	return filter
}

func escapeODataString(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

// Pull lists a user's rows of one table committed after since, oldest edit
// first. Rows that fail to decode are returned in Skipped.
func (r *Remote) Pull(ctx context.Context, table domain.Table, userID, since string) (domain.PullResult, error) {
	client, ok := r.tables[table]
	if !ok {
		return domain.PullResult{}, fmt.Errorf("%w: %q", domain.ErrUnknownTable, table)
	}
	filter := pullFilter(userID, since)
	sel := domain.SelectClause(table) + ",Timestamp"
	pager := client.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter, Select: &sel})
	var entities [][]byte
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return domain.PullResult{}, err
		}
		entities = append(entities, resp.Entities...)
	}
	return decodeEntities(table, entities), nil
}

// decodeEntities turns listed entities into rows and tracks the newest
// server Timestamp, including that of rows that fail to decode.
func decodeEntities(table domain.Table, entities [][]byte) domain.PullResult {
	var res domain.PullResult
	var newest time.Time
	for _, e := range entities {
		var meta struct {
			Timestamp time.Time `json:"Timestamp"`
		}
		if err := json.Unmarshal(e, &meta); err == nil && meta.Timestamp.After(newest) {
			newest = meta.Timestamp
		}
		row, err := domain.DecodeRow(table, e)
		if err != nil {
			res.Skipped = append(res.Skipped, err)
			continue
		}
		res.Rows = append(res.Rows, row)
	}
	sort.SliceStable(res.Rows, func(i, j int) bool {
		return res.Rows[i].Header().UpdatedAt < res.Rows[j].Header().UpdatedAt
	})
	if !newest.IsZero() {
		res.Watermark = newest.UTC().Format(watermarkLayout)
	}
	return res
}

// Push upserts created and updated rows in entity group transactions and
// deletes the listed ids. A missing row on delete is not an error.
func (r *Remote) Push(ctx context.Context, userID string, batch domain.PushBatch) error {
	client, ok := r.tables[batch.Table]
	if !ok {
		return fmt.Errorf("%w: %q", domain.ErrUnknownTable, batch.Table)
	}
	for _, rows := range [][]domain.Row{batch.Created, batch.Updated} {
		for _, chunk := range chunkRows(rows, maxTransactionActions) {
			actions, err := upsertActions(batch.Table, chunk)
			if err != nil {
				return err
			}
			if _, err := client.SubmitTransaction(ctx, actions, nil); err != nil {
				return fmt.Errorf("upsert %d %s rows: %w", len(actions), batch.Table, err)
			}
		}
	}
	for _, id := range batch.Deleted {
		if _, err := client.DeleteEntity(ctx, userID, id, nil); err != nil && !isNotFound(err) {
			return fmt.Errorf("delete %s %s: %w", batch.Table, id, err)
		}
	}
	return nil
}

func upsertActions(table domain.Table, rows []domain.Row) ([]aztables.TransactionAction, error) {
	actions := make([]aztables.TransactionAction, 0, len(rows))
	for _, row := range rows {
		payload, err := json.Marshal(row)
		if err != nil {
			return nil, fmt.Errorf("encode %s %s: %w", table, row.Header().ID, err)
		}
		actions = append(actions, aztables.TransactionAction{ActionType: aztables.TransactionTypeInsertReplace, Entity: payload})
	}
	return actions, nil
}

// Notify enqueues a sync notice. Without a configured queue it does nothing.
func (r *Remote) Notify(ctx context.Context, notice domain.SyncNotice) error {
	if r.notices == nil {
		return nil
	}
	data, err := json.Marshal(notice)
	if err != nil {
		return err
	}
	_, err = r.notices.EnqueueMessage(ctx, string(data), nil)
	return err
}

func chunkRows(rows []domain.Row, size int) [][]domain.Row {
	var out [][]domain.Row
	for len(rows) > 0 {
		n := size
		if len(rows) < n {
			n = len(rows)
		}
		out = append(out, rows[:n])
		rows = rows[n:]
	}
	return out
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound
}
