package surreal

import (
	"context"
	"fmt"
	"time"

	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/bobmcallan/fhegate/internal/common"
	"github.com/bobmcallan/fhegate/internal/interfaces"
	"github.com/bobmcallan/fhegate/internal/models"
)

// resultSelectFields lists the fields selected from task_result.
const resultSelectFields = `task_id, uid, task_name, status, stdout, stderr,
	return_code, duration_ms, detail, digests, created_at, expires_at`

// resultRow is the wire shape of a task_result record.
type resultRow struct {
	TaskID     string            `json:"task_id"`
	UID        string            `json:"uid"`
	TaskName   string            `json:"task_name"`
	Status     string            `json:"status"`
	Stdout     string            `json:"stdout"`
	Stderr     string            `json:"stderr"`
	ReturnCode int               `json:"return_code"`
	DurationMS int64             `json:"duration_ms"`
	Detail     string            `json:"detail"`
	Digests    map[string]string `json:"digests"`
	CreatedAt  time.Time         `json:"created_at"`
	ExpiresAt  time.Time         `json:"expires_at"`
}

func (r *resultRow) outcome() *models.Outcome {
	return &models.Outcome{
		TaskID:     r.TaskID,
		UID:        r.UID,
		TaskName:   r.TaskName,
		Status:     models.TaskStatus(r.Status),
		Stdout:     r.Stdout,
		Stderr:     r.Stderr,
		ReturnCode: r.ReturnCode,
		DurationMS: r.DurationMS,
		Detail:     r.Detail,
		Digests:    r.Digests,
		CreatedAt:  r.CreatedAt,
	}
}

// ResultStore implements interfaces.ResultStore on SurrealDB with a record
// TTL. A record past its expiry reads as absent; a periodic purge removes
// the rows.
type ResultStore struct {
	db     *surrealdb.DB
	logger *common.Logger
	ttl    time.Duration
}

// NewResultStore creates a ResultStore with the given record TTL.
func NewResultStore(db *surrealdb.DB, logger *common.Logger, ttl time.Duration) *ResultStore {
	if ttl <= 0 {
		ttl = 720 * time.Hour
	}
	return &ResultStore{db: db, logger: logger, ttl: ttl}
}

func (s *ResultStore) Put(ctx context.Context, outcome *models.Outcome) error {
	now := time.Now()
	if outcome.CreatedAt.IsZero() {
		outcome.CreatedAt = now
	}

	sql := `UPSERT $rid SET
		task_id = $task_id, uid = $uid, task_name = $task_name, status = $status,
		stdout = $stdout, stderr = $stderr, return_code = $return_code,
		duration_ms = $duration_ms, detail = $detail, digests = $digests,
		created_at = $created_at, expires_at = $expires_at`
	vars := map[string]any{
		"rid":         surrealmodels.NewRecordID("task_result", outcome.TaskID),
		"task_id":     outcome.TaskID,
		"uid":         outcome.UID,
		"task_name":   outcome.TaskName,
		"status":      string(outcome.Status),
		"stdout":      outcome.Stdout,
		"stderr":      outcome.Stderr,
		"return_code": outcome.ReturnCode,
		"duration_ms": outcome.DurationMS,
		"detail":      outcome.Detail,
		"digests":     outcome.Digests,
		"created_at":  outcome.CreatedAt,
		"expires_at":  outcome.CreatedAt.Add(s.ttl),
	}

	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to store outcome: %w", err)
	}
	return nil
}

func (s *ResultStore) Get(ctx context.Context, taskID string) (*models.Outcome, error) {
	sql := "SELECT " + resultSelectFields + " FROM $rid WHERE expires_at > $now"
	vars := map[string]any{
		"rid": surrealmodels.NewRecordID("task_result", taskID),
		"now": time.Now(),
	}

	results, err := surrealdb.Query[[]resultRow](ctx, s.db, sql, vars)
	if err != nil {
		if isNotFoundError(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get outcome: %w", err)
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, nil
	}
	return (*results)[0].Result[0].outcome(), nil
}

func (s *ResultStore) Delete(ctx context.Context, taskID string) error {
	vars := map[string]any{"rid": surrealmodels.NewRecordID("task_result", taskID)}
	if _, err := surrealdb.Query[any](ctx, s.db, "DELETE $rid", vars); err != nil {
		return fmt.Errorf("failed to delete outcome: %w", err)
	}
	return nil
}

func (s *ResultStore) PurgeExpired(ctx context.Context) (int, error) {
	sql := "DELETE FROM task_result WHERE expires_at <= $now"
	vars := map[string]any{"now": time.Now()}

	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return 0, fmt.Errorf("failed to purge expired outcomes: %w", err)
	}
	// SurrealDB DELETE doesn't return count easily, return 0
	return 0, nil
}

// Compile-time check
var _ interfaces.ResultStore = (*ResultStore)(nil)
