package domain

// ChangeSource tells observers who produced a local change.
type ChangeSource string

const (
	ChangeLocal  ChangeSource = "local"
	ChangeRemote ChangeSource = "remote"
)

type ChangeOp string

const (
	OpUpsert ChangeOp = "upsert"
	OpDelete ChangeOp = "delete"
)

// Change is delivered to local database observers after a commit.
type Change struct {
	Table  Table
	IDs    []string
	Op     ChangeOp
	Source ChangeSource
}

// PushBatch is the per-table unit of a push.
type PushBatch struct {
	Table   Table
	Created []Row
	Updated []Row
	Deleted []string
}

// Empty reports whether the batch carries nothing.
func (b PushBatch) Empty() bool {
	return len(b.Created) == 0 && len(b.Updated) == 0 && len(b.Deleted) == 0
}

// PullResult is one table's incremental pull. Watermark is the newest
// server commit time among the returned rows, in the backend's own sortable
// format; it is empty when nothing came back.
type PullResult struct {
	Rows      []Row
	Skipped   []error
	Watermark string
}

// SyncNotice tells other devices of the same user that a push landed.
type SyncNotice struct {
	UserID   string        `json:"userId"`
	DeviceID string        `json:"deviceId"`
	PushedAt int64         `json:"pushedAt"`
	Counts   map[Table]int `json:"counts"`
}
