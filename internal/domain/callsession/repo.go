package callsession

import "context"

// Store owns every Call record. Each call lives in exactly one partition;
// implementations must make InsertActive, UpdateActive, PromoteToHistory and
// AttachSummary indivisible with respect to concurrent readers.
//
// Returned calls are copies; mutating them has no effect on the store.
type Store interface {
	// InsertActive adds a new call to the active partition. ErrConflict if the
	// id exists in either partition.
	InsertActive(ctx context.Context, c *Call) error
	// Get returns the call and the partition holding it, or ErrNotFound.
	Get(ctx context.Context, id string) (*Call, Partition, error)
	// ListActive returns active calls, optionally filtered by status,
	// ordered by scheduled start ascending.
	ListActive(ctx context.Context, status Status) ([]*Call, error)
	// ListHistory returns history calls matching the filter, ordered by
	// scheduled start descending.
	ListHistory(ctx context.Context, f HistoryFilter) ([]*Call, error)
	// UpdateActive applies fn to the active call with the given id and
	// persists the result. If fn leaves the call in a terminal status the call
	// moves to history in the same step. An error from fn aborts without
	// mutation. ErrNotFound if the id is not active.
	UpdateActive(ctx context.Context, id string, fn func(c *Call) error) (*Call, error)
	// PromoteToHistory moves an active call to history, preserving all
	// fields. ErrNotFound if the id is not active.
	PromoteToHistory(ctx context.Context, id string) error
	// AttachSummary replaces the summary of a history call. ErrNotFound if
	// the id is not in history.
	AttachSummary(ctx context.Context, id string, s *Summary) (*Call, error)
}
