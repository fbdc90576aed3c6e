package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rendis/procflow/pkg/schema"
)

// MemoryStore is the reference in-memory implementation of DefinitionStore,
// InstanceStore, TimerStore and LockProvider. It backs tests and embedded
// setups; production deployments swap in a durable store behind the same
// interfaces.
type MemoryStore struct {
	mu          sync.RWMutex
	definitions map[string]map[int]*schema.WorkflowDefinition
	instances   map[string]*schema.WorkflowInstanceState
	history     map[string][]*schema.ExecutionRecord
	timers      map[string]*schema.WorkflowTimer
	locks       map[string]memLock
	historySeq  int64
}

type memLock struct {
	holderID string
	expires  time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		definitions: make(map[string]map[int]*schema.WorkflowDefinition),
		instances:   make(map[string]*schema.WorkflowInstanceState),
		history:     make(map[string][]*schema.ExecutionRecord),
		timers:      make(map[string]*schema.WorkflowTimer),
		locks:       make(map[string]memLock),
	}
}

// --- DefinitionStore ---

func (m *MemoryStore) GetDefinition(_ context.Context, id string, version int) (*schema.WorkflowDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	def, ok := m.definitions[id][version]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeWorkflowNotFound, "definition %s v%d not found", id, version)
	}
	return copyDefinition(def), nil
}

func (m *MemoryStore) GetLatestDefinition(_ context.Context, id string, activeOnly bool) (*schema.WorkflowDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	versions := m.definitions[id]
	var best *schema.WorkflowDefinition
	for _, def := range versions {
		if activeOnly && (!def.IsActive || def.IsDraft) {
			continue
		}
		if best == nil || def.Version > best.Version {
			best = def
		}
	}
	if best == nil {
		return nil, schema.NewErrorf(schema.ErrCodeWorkflowNotFound, "no matching version of definition %s", id)
	}
	return copyDefinition(best), nil
}

func (m *MemoryStore) ListDefinitionVersions(_ context.Context, id string) ([]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []int
	for v := range m.definitions[id] {
		out = append(out, v)
	}
	sort.Ints(out)
	return out, nil
}

func (m *MemoryStore) SaveDefinition(_ context.Context, def *schema.WorkflowDefinition) error {
	if def == nil || def.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "definition requires an id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.definitions[def.ID] == nil {
		m.definitions[def.ID] = make(map[int]*schema.WorkflowDefinition)
	}
	m.definitions[def.ID][def.Version] = copyDefinition(def)
	return nil
}

func (m *MemoryStore) Publish(_ context.Context, id string, version int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	def, ok := m.definitions[id][version]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeWorkflowNotFound, "definition %s v%d not found", id, version)
	}
	def.IsDraft = false
	def.IsActive = true
	return nil
}

func (m *MemoryStore) Unpublish(_ context.Context, id string, version int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	def, ok := m.definitions[id][version]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeWorkflowNotFound, "definition %s v%d not found", id, version)
	}
	def.IsActive = false
	return nil
}

func (m *MemoryStore) ListDefinitions(_ context.Context, filter DefinitionFilter) ([]*schema.WorkflowDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*schema.WorkflowDefinition
	for _, versions := range m.definitions {
		for _, def := range versions {
			if filter.ActiveOnly && (!def.IsActive || def.IsDraft) {
				continue
			}
			if filter.Category != "" && def.Category != filter.Category {
				continue
			}
			if filter.Tag != "" && !containsString(def.Tags, filter.Tag) {
				continue
			}
			out = append(out, copyDefinition(def))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ID != out[j].ID {
			return out[i].ID < out[j].ID
		}
		return out[i].Version < out[j].Version
	})
	return paginate(out, filter.Limit, filter.Offset), nil
}

func (m *MemoryStore) FindByTriggerKind(_ context.Context, kind schema.TriggerKind) ([]*schema.WorkflowDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*schema.WorkflowDefinition
	for _, versions := range m.definitions {
		for _, def := range versions {
			if !def.IsActive || def.IsDraft {
				continue
			}
			for _, trg := range def.Triggers {
				if trg.Kind == kind && trg.Enabled {
					out = append(out, copyDefinition(def))
					break
				}
			}
		}
	}
	return out, nil
}

// --- InstanceStore ---

func (m *MemoryStore) GetInstance(_ context.Context, id string) (*schema.WorkflowInstanceState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeWorkflowNotFound, "instance %s not found", id)
	}
	return copyInstance(inst), nil
}

func (m *MemoryStore) SaveInstance(_ context.Context, instance *schema.WorkflowInstanceState) error {
	if instance == nil || instance.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "instance requires an id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.instances[instance.ID] = copyInstance(instance)
	return nil
}

func (m *MemoryStore) DeleteInstance(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.instances[id]; !ok {
		return schema.NewErrorf(schema.ErrCodeWorkflowNotFound, "instance %s not found", id)
	}
	delete(m.instances, id)
	delete(m.history, id)
	return nil
}

func (m *MemoryStore) QueryInstances(_ context.Context, filter InstanceFilter) ([]*schema.WorkflowInstanceState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*schema.WorkflowInstanceState
	for _, inst := range m.instances {
		if filter.WorkflowID != "" && inst.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.Status != nil && inst.Status != *filter.Status {
			continue
		}
		if filter.CorrelationID != "" && inst.CorrelationID != filter.CorrelationID {
			continue
		}
		if filter.TenantID != "" && inst.TenantID != filter.TenantID {
			continue
		}
		if filter.CreatedSince != nil && inst.CreatedAt.Before(*filter.CreatedSince) {
			continue
		}
		if filter.CreatedUntil != nil && inst.CreatedAt.After(*filter.CreatedUntil) {
			continue
		}
		out = append(out, copyInstance(inst))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return paginate(out, filter.Limit, filter.Offset), nil
}

func (m *MemoryStore) AppendHistory(_ context.Context, record *schema.ExecutionRecord) error {
	if record == nil || record.InstanceID == "" {
		return schema.NewError(schema.ErrCodeValidation, "history record requires an instance id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.historySeq++
	cp := *record
	cp.ID = m.historySeq
	m.history[record.InstanceID] = append(m.history[record.InstanceID], &cp)
	return nil
}

func (m *MemoryStore) GetHistory(_ context.Context, instanceID string) ([]*schema.ExecutionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	records := m.history[instanceID]
	out := make([]*schema.ExecutionRecord, len(records))
	for i, r := range records {
		cp := *r
		out[i] = &cp
	}
	return out, nil
}

func (m *MemoryStore) FindByBookmark(_ context.Context, bookmarkName, workflowID string) ([]*schema.WorkflowInstanceState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*schema.WorkflowInstanceState
	for _, inst := range m.instances {
		if inst.Status != schema.InstanceSuspended {
			continue
		}
		if workflowID != "" && inst.WorkflowID != workflowID {
			continue
		}
		if inst.FindBookmark(bookmarkName) != nil {
			out = append(out, copyInstance(inst))
		}
	}
	return out, nil
}

func (m *MemoryStore) FindScheduled(_ context.Context, dueBy time.Time) ([]*schema.WorkflowInstanceState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*schema.WorkflowInstanceState
	for _, inst := range m.instances {
		if inst.Status != schema.InstancePending || inst.ScheduledStartTime == nil {
			continue
		}
		if !inst.ScheduledStartTime.After(dueBy) {
			out = append(out, copyInstance(inst))
		}
	}
	return out, nil
}

// --- LockProvider ---

func (m *MemoryStore) TryAcquireLock(_ context.Context, instanceID, holderID string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if lock, ok := m.locks[instanceID]; ok && lock.expires.After(now) && lock.holderID != holderID {
		return false, nil
	}
	m.locks[instanceID] = memLock{holderID: holderID, expires: now.Add(ttl)}
	return true, nil
}

func (m *MemoryStore) ReleaseLock(_ context.Context, instanceID, holderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if lock, ok := m.locks[instanceID]; ok && lock.holderID == holderID {
		delete(m.locks, instanceID)
	}
	return nil
}

// --- TimerStore ---

func (m *MemoryStore) ScheduleTimer(_ context.Context, timer *schema.WorkflowTimer) error {
	if timer == nil || timer.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "timer requires an id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *timer
	m.timers[timer.ID] = &cp
	return nil
}

func (m *MemoryStore) DueTimers(_ context.Context, until time.Time) ([]*schema.WorkflowTimer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*schema.WorkflowTimer
	for _, t := range m.timers {
		if !t.IsTriggered && !t.FireAt.After(until) {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FireAt.Before(out[j].FireAt) })
	return out, nil
}

func (m *MemoryStore) MarkTriggered(_ context.Context, timerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.timers[timerID]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeWorkflowNotFound, "timer %s not found", timerID)
	}
	now := time.Now().UTC()
	t.IsTriggered = true
	t.TriggeredAt = &now
	return nil
}

func (m *MemoryStore) CancelInstanceTimers(_ context.Context, instanceID, bookmarkName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.timers {
		if t.InstanceID != instanceID {
			continue
		}
		if bookmarkName != "" && t.BookmarkName != bookmarkName {
			continue
		}
		delete(m.timers, id)
	}
	return nil
}

// --- helpers ---

func paginate[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func containsString(s []string, v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

func copyDefinition(def *schema.WorkflowDefinition) *schema.WorkflowDefinition {
	cp := *def
	return &cp
}

func copyInstance(inst *schema.WorkflowInstanceState) *schema.WorkflowInstanceState {
	cp := *inst
	cp.Variables = copyMap(inst.Variables)
	cp.Output = copyMap(inst.Output)
	cp.Bookmarks = append([]schema.Bookmark(nil), inst.Bookmarks...)
	if inst.JoinArrivals != nil {
		cp.JoinArrivals = make(map[string]int, len(inst.JoinArrivals))
		for k, v := range inst.JoinArrivals {
			cp.JoinArrivals[k] = v
		}
	}
	if inst.LastError != nil {
		e := *inst.LastError
		cp.LastError = &e
	}
	return &cp
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

var (
	_ DefinitionStore = (*MemoryStore)(nil)
	_ InstanceStore   = (*MemoryStore)(nil)
	_ TimerStore      = (*MemoryStore)(nil)
	_ LockProvider    = (*MemoryStore)(nil)
)
