package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/procflow/pkg/schema"
)

// LibSQLStore is the durable backing store over libSQL (embedded SQLite
// fork). It implements DefinitionStore, InstanceStore, TimerStore and
// LockProvider. Instance state and definitions are stored as JSON documents
// with the queryable fields mirrored into indexed columns; bookmarks get a
// side table so resume-by-signal stays an index lookup.
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Definitions ---

func (s *LibSQLStore) GetDefinition(ctx context.Context, id string, version int) (*schema.WorkflowDefinition, error) {
	var doc string
	err := s.db.QueryRowContext(ctx,
		`SELECT document FROM definitions WHERE id = ? AND version = ?`, id, version,
	).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, definitionNotFound(id, version)
	}
	if err != nil {
		return nil, err
	}
	return unmarshalDefinition(doc)
}

func (s *LibSQLStore) GetLatestDefinition(ctx context.Context, id string, activeOnly bool) (*schema.WorkflowDefinition, error) {
	query := `SELECT document FROM definitions WHERE id = ?`
	if activeOnly {
		query += ` AND is_active = 1 AND is_draft = 0`
	}
	query += ` ORDER BY version DESC LIMIT 1`

	var doc string
	err := s.db.QueryRowContext(ctx, query, id).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, definitionNotFound(id, 0)
	}
	if err != nil {
		return nil, err
	}
	return unmarshalDefinition(doc)
}

func (s *LibSQLStore) ListDefinitionVersions(ctx context.Context, id string) ([]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT version FROM definitions WHERE id = ? ORDER BY version ASC`, id,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func (s *LibSQLStore) SaveDefinition(ctx context.Context, def *schema.WorkflowDefinition) error {
	doc, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO definitions (id, version, name, category, is_active, is_draft, document)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id, version) DO UPDATE SET
		   name=excluded.name, category=excluded.category, is_active=excluded.is_active,
		   is_draft=excluded.is_draft, document=excluded.document, updated_at=CURRENT_TIMESTAMP`,
		def.ID, def.Version, nullStr(def.Name), nullStr(def.Category),
		boolInt(def.IsActive), boolInt(def.IsDraft), string(doc),
	)
	return err
}

func (s *LibSQLStore) Publish(ctx context.Context, id string, version int) error {
	return s.setPublishState(ctx, id, version, true)
}

func (s *LibSQLStore) Unpublish(ctx context.Context, id string, version int) error {
	return s.setPublishState(ctx, id, version, false)
}

func (s *LibSQLStore) setPublishState(ctx context.Context, id string, version int, active bool) error {
	var doc string
	err := s.db.QueryRowContext(ctx,
		`SELECT document FROM definitions WHERE id = ? AND version = ?`, id, version,
	).Scan(&doc)
	if err == sql.ErrNoRows {
		return definitionNotFound(id, version)
	}
	if err != nil {
		return err
	}

	def, err := unmarshalDefinition(doc)
	if err != nil {
		return err
	}
	def.IsActive = active
	if active {
		def.IsDraft = false
	}
	return s.SaveDefinition(ctx, def)
}

func (s *LibSQLStore) ListDefinitions(ctx context.Context, filter DefinitionFilter) ([]*schema.WorkflowDefinition, error) {
	var where []string
	var args []any

	if filter.Category != "" {
		where = append(where, "category = ?")
		args = append(args, filter.Category)
	}
	if filter.ActiveOnly {
		where = append(where, "is_active = 1 AND is_draft = 0")
	}

	query := `SELECT document FROM definitions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id, version DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []*schema.WorkflowDefinition
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		def, err := unmarshalDefinition(doc)
		if err != nil {
			return nil, err
		}
		// Tag filtering lives in the JSON document, not a column.
		if filter.Tag != "" && !hasTag(def, filter.Tag) {
			continue
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

func (s *LibSQLStore) FindByTriggerKind(ctx context.Context, kind schema.TriggerKind) ([]*schema.WorkflowDefinition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT document FROM definitions WHERE is_active = 1 AND is_draft = 0 ORDER BY id, version DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []*schema.WorkflowDefinition
	seen := make(map[string]bool)
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		def, err := unmarshalDefinition(doc)
		if err != nil {
			return nil, err
		}
		if seen[def.ID] {
			continue // only the highest active version per id
		}
		for _, trg := range def.Triggers {
			if trg.Kind == kind && trg.Enabled {
				seen[def.ID] = true
				defs = append(defs, def)
				break
			}
		}
	}
	return defs, rows.Err()
}

// --- Instances ---

func (s *LibSQLStore) GetInstance(ctx context.Context, id string) (*schema.WorkflowInstanceState, error) {
	var state string
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM instances WHERE id = ?`, id,
	).Scan(&state)
	if err == sql.ErrNoRows {
		return nil, instanceNotFound(id)
	}
	if err != nil {
		return nil, err
	}
	return unmarshalInstance(state)
}

func (s *LibSQLStore) SaveInstance(ctx context.Context, inst *schema.WorkflowInstanceState) error {
	state, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("marshal instance: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO instances (id, workflow_id, workflow_version, status, name, correlation_id, tenant_id, created_at, scheduled_start_time, parent_instance_id, state)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   status=excluded.status, name=excluded.name, correlation_id=excluded.correlation_id,
		   tenant_id=excluded.tenant_id, scheduled_start_time=excluded.scheduled_start_time,
		   parent_instance_id=excluded.parent_instance_id, state=excluded.state,
		   updated_at=CURRENT_TIMESTAMP`,
		inst.ID, inst.WorkflowID, inst.WorkflowVersion, string(inst.Status),
		nullStr(inst.Name), nullStr(inst.CorrelationID), nullStr(inst.TenantID),
		inst.CreatedAt, nullTime(inst.ScheduledStartTime), nullStr(inst.ParentInstanceID),
		string(state),
	)
	if err != nil {
		return fmt.Errorf("upsert instance: %w", err)
	}

	// Rebuild the bookmark index to mirror the document.
	if _, err := tx.ExecContext(ctx, `DELETE FROM bookmarks WHERE instance_id = ?`, inst.ID); err != nil {
		return fmt.Errorf("clear bookmarks: %w", err)
	}
	for _, bm := range inst.Bookmarks {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO bookmarks (instance_id, name, activity_id, created_at) VALUES (?, ?, ?, ?)`,
			inst.ID, bm.Name, bm.ActivityID, bm.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert bookmark: %w", err)
		}
	}

	return tx.Commit()
}

func (s *LibSQLStore) DeleteInstance(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM instances WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return instanceNotFound(id)
	}

	for _, stmt := range []string{
		`DELETE FROM bookmarks WHERE instance_id = ?`,
		`DELETE FROM history WHERE instance_id = ?`,
		`DELETE FROM timers WHERE instance_id = ?`,
		`DELETE FROM instance_locks WHERE instance_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *LibSQLStore) QueryInstances(ctx context.Context, filter InstanceFilter) ([]*schema.WorkflowInstanceState, error) {
	var where []string
	var args []any

	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.CorrelationID != "" {
		where = append(where, "correlation_id = ?")
		args = append(args, filter.CorrelationID)
	}
	if filter.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.CreatedSince != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.CreatedSince)
	}
	if filter.CreatedUntil != nil {
		where = append(where, "created_at <= ?")
		args = append(args, *filter.CreatedUntil)
	}

	query := `SELECT state FROM instances`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanInstances(rows)
}

func (s *LibSQLStore) AppendHistory(ctx context.Context, record *schema.ExecutionRecord) error {
	var errJSON any
	if record.Error != nil {
		raw, err := json.Marshal(record.Error)
		if err != nil {
			return fmt.Errorf("marshal record error: %w", err)
		}
		errJSON = string(raw)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO history (instance_id, activity_id, activity_type, outcome, error, started_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		record.InstanceID, record.ActivityID, string(record.Type), record.Outcome,
		errJSON, record.StartedAt, record.Duration.Milliseconds(),
	)
	if err != nil {
		return err
	}
	if id, err := res.LastInsertId(); err == nil {
		record.ID = id
	}
	return nil
}

func (s *LibSQLStore) GetHistory(ctx context.Context, instanceID string) ([]*schema.ExecutionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, instance_id, activity_id, activity_type, outcome, error, started_at, duration_ms
		 FROM history WHERE instance_id = ? ORDER BY id ASC`, instanceID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*schema.ExecutionRecord
	for rows.Next() {
		r := &schema.ExecutionRecord{}
		var activityType string
		var errJSON sql.NullString
		var durationMs int64
		if err := rows.Scan(&r.ID, &r.InstanceID, &r.ActivityID, &activityType, &r.Outcome, &errJSON, &r.StartedAt, &durationMs); err != nil {
			return nil, err
		}
		r.Type = schema.ActivityType(activityType)
		r.Duration = time.Duration(durationMs) * time.Millisecond
		if errJSON.Valid && errJSON.String != "" {
			r.Error = &schema.ActivityError{}
			if err := json.Unmarshal([]byte(errJSON.String), r.Error); err != nil {
				return nil, fmt.Errorf("unmarshal record error: %w", err)
			}
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func (s *LibSQLStore) FindByBookmark(ctx context.Context, bookmarkName, workflowID string) ([]*schema.WorkflowInstanceState, error) {
	query := `SELECT i.state FROM instances i
		 JOIN bookmarks b ON b.instance_id = i.id
		 WHERE b.name = ? AND i.status = ?`
	args := []any{bookmarkName, string(schema.InstanceSuspended)}
	if workflowID != "" {
		query += ` AND i.workflow_id = ?`
		args = append(args, workflowID)
	}
	query += ` ORDER BY i.created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanInstances(rows)
}

func (s *LibSQLStore) FindScheduled(ctx context.Context, dueBy time.Time) ([]*schema.WorkflowInstanceState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT state FROM instances
		 WHERE status = ? AND scheduled_start_time IS NOT NULL AND scheduled_start_time <= ?
		 ORDER BY scheduled_start_time ASC`,
		string(schema.InstancePending), dueBy,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanInstances(rows)
}

// --- Locks ---

func (s *LibSQLStore) TryAcquireLock(ctx context.Context, instanceID, holderID string, ttl time.Duration) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	var currentHolder string
	var expiresAt time.Time
	err = tx.QueryRowContext(ctx,
		`SELECT holder_id, expires_at FROM instance_locks WHERE instance_id = ?`, instanceID,
	).Scan(&currentHolder, &expiresAt)
	if err != nil && err != sql.ErrNoRows {
		return false, err
	}
	if err == nil && currentHolder != holderID && expiresAt.After(now) {
		return false, nil
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO instance_locks (instance_id, holder_id, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(instance_id) DO UPDATE SET holder_id=excluded.holder_id, expires_at=excluded.expires_at`,
		instanceID, holderID, now.Add(ttl),
	)
	if err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (s *LibSQLStore) ReleaseLock(ctx context.Context, instanceID, holderID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM instance_locks WHERE instance_id = ? AND holder_id = ?`,
		instanceID, holderID,
	)
	return err
}

// --- Timers ---

func (s *LibSQLStore) ScheduleTimer(ctx context.Context, timer *schema.WorkflowTimer) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO timers (id, instance_id, bookmark_name, fire_at, is_triggered, triggered_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET fire_at=excluded.fire_at, is_triggered=excluded.is_triggered`,
		timer.ID, timer.InstanceID, timer.BookmarkName, timer.FireAt,
		boolInt(timer.IsTriggered), nullTime(timer.TriggeredAt),
	)
	return err
}

func (s *LibSQLStore) DueTimers(ctx context.Context, until time.Time) ([]*schema.WorkflowTimer, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, instance_id, bookmark_name, fire_at, is_triggered, triggered_at
		 FROM timers WHERE is_triggered = 0 AND fire_at <= ? ORDER BY fire_at ASC`, until,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var timers []*schema.WorkflowTimer
	for rows.Next() {
		t := &schema.WorkflowTimer{}
		var triggered int
		var triggeredAt sql.NullTime
		if err := rows.Scan(&t.ID, &t.InstanceID, &t.BookmarkName, &t.FireAt, &triggered, &triggeredAt); err != nil {
			return nil, err
		}
		t.IsTriggered = triggered != 0
		if triggeredAt.Valid {
			t.TriggeredAt = &triggeredAt.Time
		}
		timers = append(timers, t)
	}
	return timers, rows.Err()
}

func (s *LibSQLStore) MarkTriggered(ctx context.Context, timerID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE timers SET is_triggered = 1, triggered_at = CURRENT_TIMESTAMP WHERE id = ?`, timerID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return schema.NewErrorf(schema.ErrCodeStore, "timer %q not found", timerID)
	}
	return nil
}

func (s *LibSQLStore) CancelInstanceTimers(ctx context.Context, instanceID, bookmarkName string) error {
	query := `DELETE FROM timers WHERE instance_id = ? AND is_triggered = 0`
	args := []any{instanceID}
	if bookmarkName != "" {
		query += ` AND bookmark_name = ?`
		args = append(args, bookmarkName)
	}
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

// --- Helpers ---

func definitionNotFound(id string, version int) *schema.FlowError {
	if version > 0 {
		return schema.NewErrorf(schema.ErrCodeWorkflowNotFound, "definition %q version %d not found", id, version)
	}
	return schema.NewErrorf(schema.ErrCodeWorkflowNotFound, "definition %q not found", id)
}

func instanceNotFound(id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeWorkflowNotFound, "instance %q not found", id)
}

func unmarshalDefinition(doc string) (*schema.WorkflowDefinition, error) {
	def := &schema.WorkflowDefinition{}
	if err := json.Unmarshal([]byte(doc), def); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	return def, nil
}

func unmarshalInstance(state string) (*schema.WorkflowInstanceState, error) {
	inst := &schema.WorkflowInstanceState{}
	if err := json.Unmarshal([]byte(state), inst); err != nil {
		return nil, fmt.Errorf("unmarshal instance: %w", err)
	}
	return inst, nil
}

func scanInstances(rows *sql.Rows) ([]*schema.WorkflowInstanceState, error) {
	var instances []*schema.WorkflowInstanceState
	for rows.Next() {
		var state string
		if err := rows.Scan(&state); err != nil {
			return nil, err
		}
		inst, err := unmarshalInstance(state)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

func hasTag(def *schema.WorkflowDefinition, tag string) bool {
	for _, t := range def.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var (
	_ DefinitionStore = (*LibSQLStore)(nil)
	_ InstanceStore   = (*LibSQLStore)(nil)
	_ TimerStore      = (*LibSQLStore)(nil)
	_ LockProvider    = (*LibSQLStore)(nil)
)
