package schema

import "time"

// InstanceStatus represents the lifecycle state of a workflow instance.
type InstanceStatus string

const (
	InstancePending   InstanceStatus = "pending"
	InstanceRunning   InstanceStatus = "running"
	InstanceSuspended InstanceStatus = "suspended"
	InstanceCompleted InstanceStatus = "completed"
	InstanceFaulted   InstanceStatus = "faulted"
	InstanceCancelled InstanceStatus = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions
// (Retry from faulted is the single exception, handled by the engine).
func (s InstanceStatus) IsTerminal() bool {
	return s == InstanceCompleted || s == InstanceFaulted || s == InstanceCancelled
}

// WorkflowInstanceState is the mutable record of one execution. It is only
// mutated by the engine while holding the instance's advisory lock.
type WorkflowInstanceState struct {
	ID              string         `json:"id"`
	WorkflowID      string         `json:"workflow_id"`
	WorkflowVersion int            `json:"workflow_version"`
	Status          InstanceStatus `json:"status"`
	Name            string         `json:"name,omitempty"`
	CorrelationID   string         `json:"correlation_id,omitempty"`
	Priority        int            `json:"priority,omitempty"`
	TenantID        string         `json:"tenant_id,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	CurrentActivityID string         `json:"current_activity_id,omitempty"`
	Variables         map[string]any `json:"variables,omitempty"`
	Output            map[string]any `json:"output,omitempty"`
	Bookmarks         []Bookmark     `json:"bookmarks,omitempty"`
	FaultCount        int            `json:"fault_count"`
	LastError         *ActivityError `json:"last_error,omitempty"`

	ScheduledStartTime *time.Time `json:"scheduled_start_time,omitempty"`

	// Sub-process linkage: set on child instances that a parent waits on.
	ParentInstanceID string `json:"parent_instance_id,omitempty"`
	ParentBookmark   string `json:"parent_bookmark,omitempty"`

	// JoinArrivals counts branch arrivals per join activity; persisted so
	// joins survive suspension.
	JoinArrivals map[string]int `json:"join_arrivals,omitempty"`
}

// Bookmark marks one pending suspension point. Names are unique within an
// instance and consumed on successful resume.
type Bookmark struct {
	Name       string    `json:"name"`
	ActivityID string    `json:"activity_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// FindBookmark returns the bookmark with the given name, or nil.
func (s *WorkflowInstanceState) FindBookmark(name string) *Bookmark {
	for i := range s.Bookmarks {
		if s.Bookmarks[i].Name == name {
			return &s.Bookmarks[i]
		}
	}
	return nil
}

// RemoveBookmark deletes the bookmark with the given name and reports
// whether it existed.
func (s *WorkflowInstanceState) RemoveBookmark(name string) bool {
	for i := range s.Bookmarks {
		if s.Bookmarks[i].Name == name {
			s.Bookmarks = append(s.Bookmarks[:i], s.Bookmarks[i+1:]...)
			return true
		}
	}
	return false
}

// ActivityError captures an activity-level failure as data.
type ActivityError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	ActivityID string `json:"activity_id,omitempty"`
}

// ExecutionRecord is an append-only history entry. Never mutated after
// creation.
type ExecutionRecord struct {
	ID         int64          `json:"id,omitempty"`
	InstanceID string         `json:"instance_id"`
	ActivityID string         `json:"activity_id"`
	Type       ActivityType   `json:"activity_type"`
	Outcome    string         `json:"outcome"` // completed | suspended | faulted | resumed
	Error      *ActivityError `json:"error,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	Duration   time.Duration  `json:"duration"`
}

// Execution record outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeSuspended = "suspended"
	OutcomeFaulted   = "faulted"
	OutcomeResumed   = "resumed"
)

// WorkflowTimer is a pending timer created by a Timer activity and consumed
// by the dispatch loop.
type WorkflowTimer struct {
	ID           string     `json:"id"`
	InstanceID   string     `json:"instance_id"`
	BookmarkName string     `json:"bookmark_name"`
	FireAt       time.Time  `json:"fire_at"`
	IsTriggered  bool       `json:"is_triggered"`
	TriggeredAt  *time.Time `json:"triggered_at,omitempty"`
}
