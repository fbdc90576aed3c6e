package store

import (
	"context"
	"time"

	"github.com/rendis/procflow/pkg/schema"
)

// DefinitionFilter specifies criteria for listing workflow definitions.
type DefinitionFilter struct {
	Category   string
	Tag        string
	ActiveOnly bool
	Limit      int
	Offset     int
}

// InstanceFilter specifies criteria for querying instances.
type InstanceFilter struct {
	WorkflowID    string
	Status        *schema.InstanceStatus
	CorrelationID string
	TenantID      string
	CreatedSince  *time.Time
	CreatedUntil  *time.Time
	Limit         int
	Offset        int
}

// DefinitionStore persists versioned workflow definitions.
// All implementations must be safe for concurrent use.
type DefinitionStore interface {
	// GetDefinition returns one exact definition version.
	GetDefinition(ctx context.Context, id string, version int) (*schema.WorkflowDefinition, error)
	// GetLatestDefinition returns the highest version; activeOnly restricts
	// the lookup to active, non-draft versions.
	GetLatestDefinition(ctx context.Context, id string, activeOnly bool) (*schema.WorkflowDefinition, error)
	ListDefinitionVersions(ctx context.Context, id string) ([]int, error)
	// SaveDefinition upserts by (id, version).
	SaveDefinition(ctx context.Context, def *schema.WorkflowDefinition) error
	// Publish clears the draft flag and activates the version; Unpublish
	// deactivates it.
	Publish(ctx context.Context, id string, version int) error
	Unpublish(ctx context.Context, id string, version int) error
	ListDefinitions(ctx context.Context, filter DefinitionFilter) ([]*schema.WorkflowDefinition, error)
	// FindByTriggerKind returns active non-draft definitions declaring an
	// enabled trigger of the given kind.
	FindByTriggerKind(ctx context.Context, kind schema.TriggerKind) ([]*schema.WorkflowDefinition, error)
}

// InstanceStore persists instance state, history and bookmark indexes.
// All implementations must be safe for concurrent use.
type InstanceStore interface {
	GetInstance(ctx context.Context, id string) (*schema.WorkflowInstanceState, error)
	SaveInstance(ctx context.Context, instance *schema.WorkflowInstanceState) error
	DeleteInstance(ctx context.Context, id string) error
	QueryInstances(ctx context.Context, filter InstanceFilter) ([]*schema.WorkflowInstanceState, error)

	// AppendHistory adds an immutable execution record.
	AppendHistory(ctx context.Context, record *schema.ExecutionRecord) error
	GetHistory(ctx context.Context, instanceID string) ([]*schema.ExecutionRecord, error)

	// FindByBookmark returns suspended instances holding a bookmark with
	// the given name; workflowID filters by definition when non-empty.
	// Only suspended instances match: a bookmark persisted mid-run does
	// not make the instance resumable yet.
	FindByBookmark(ctx context.Context, bookmarkName, workflowID string) ([]*schema.WorkflowInstanceState, error)
	// FindScheduled returns pending instances whose scheduled start time is
	// due by the given time.
	FindScheduled(ctx context.Context, dueBy time.Time) ([]*schema.WorkflowInstanceState, error)
}

// LockProvider is the per-instance advisory lock: a holder-id plus expiry
// pair, re-entrant for the same holder, rejected for a different holder while
// unexpired. Optimistic by design — durable backends may upgrade to row-level
// locking.
type LockProvider interface {
	TryAcquireLock(ctx context.Context, instanceID, holderID string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, instanceID, holderID string) error
}

// TimerStore persists pending workflow timers.
type TimerStore interface {
	ScheduleTimer(ctx context.Context, timer *schema.WorkflowTimer) error
	// DueTimers returns untriggered timers with fireAt <= until.
	DueTimers(ctx context.Context, until time.Time) ([]*schema.WorkflowTimer, error)
	MarkTriggered(ctx context.Context, timerID string) error
	// CancelInstanceTimers removes pending timers for an instance;
	// bookmarkName scopes the cancellation to one bookmark when non-empty.
	CancelInstanceTimers(ctx context.Context, instanceID, bookmarkName string) error
}
