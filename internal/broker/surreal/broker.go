// Package surreal implements the job queue and the result store on SurrealDB.
//
// The queue is a single task_queue table. An envelope is queued while its
// row has status "queued"; a lease flips the row to "reserved" (then
// "started" once the executable runs) with an expiring visibility window,
// and acknowledgement deletes the row. A lease whose window has elapsed is
// redelivered to the next consumer, which gives at-least-once delivery.
package surreal

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/bobmcallan/fhegate/internal/common"
	"github.com/bobmcallan/fhegate/internal/interfaces"
	"github.com/bobmcallan/fhegate/internal/models"
)

// taskSelectFields lists the fields selected from task_queue.
const taskSelectFields = `task_id, uid, task_name, binary, channel, status,
	worker, enqueued_at, lease_expires_at, attempts, revoked`

// queueRow is the wire shape of a task_queue record.
type queueRow struct {
	TaskID         string    `json:"task_id"`
	UID            string    `json:"uid"`
	TaskName       string    `json:"task_name"`
	Binary         string    `json:"binary"`
	Channel        string    `json:"channel"`
	Status         string    `json:"status"`
	Worker         string    `json:"worker"`
	EnqueuedAt     time.Time `json:"enqueued_at"`
	LeaseExpiresAt time.Time `json:"lease_expires_at"`
	Attempts       int       `json:"attempts"`
	Revoked        bool      `json:"revoked"`
}

func (r *queueRow) envelope() models.Envelope {
	return models.Envelope{
		TaskID:     r.TaskID,
		UID:        r.UID,
		TaskName:   r.TaskName,
		Binary:     r.Binary,
		Channel:    r.Channel,
		EnqueuedAt: r.EnqueuedAt,
	}
}

func (r *queueRow) lease() *models.Lease {
	return &models.Lease{
		Envelope:  r.envelope(),
		Worker:    r.Worker,
		Status:    models.TaskStatus(r.Status),
		ExpiresAt: r.LeaseExpiresAt,
		Attempts:  r.Attempts,
		Revoked:   r.Revoked,
	}
}

// Broker implements interfaces.Broker on a SurrealDB connection.
type Broker struct {
	db     *surrealdb.DB
	logger *common.Logger
}

// NewBroker creates a Broker on an established connection.
func NewBroker(db *surrealdb.DB, logger *common.Logger) *Broker {
	return &Broker{db: db, logger: logger}
}

func (b *Broker) Enqueue(ctx context.Context, env *models.Envelope) (string, error) {
	if env.TaskID == "" {
		env.TaskID = uuid.New().String()
	}
	if env.EnqueuedAt.IsZero() {
		env.EnqueuedAt = time.Now()
	}

	sql := `UPSERT $rid SET
		task_id = $task_id, uid = $uid, task_name = $task_name, binary = $binary,
		channel = $channel, status = $status, worker = $worker,
		enqueued_at = $enqueued_at, lease_expires_at = $lease_expires_at,
		attempts = $attempts, revoked = $revoked`
	vars := map[string]any{
		"rid":              surrealmodels.NewRecordID("task_queue", env.TaskID),
		"task_id":          env.TaskID,
		"uid":              env.UID,
		"task_name":        env.TaskName,
		"binary":           env.Binary,
		"channel":          env.Channel,
		"status":           string(models.StatusQueued),
		"worker":           "",
		"enqueued_at":      env.EnqueuedAt,
		"lease_expires_at": time.Time{},
		"attempts":         0,
		"revoked":          false,
	}

	if _, err := surrealdb.Query[any](ctx, b.db, sql, vars); err != nil {
		return "", fmt.Errorf("failed to enqueue task: %w", err)
	}
	return env.TaskID, nil
}

func (b *Broker) Lease(ctx context.Context, channels []string, worker string, max int, visibility time.Duration) ([]*models.Lease, error) {
	if max <= 0 {
		max = 1
	}
	now := time.Now()

	// Step 1: find candidates — queued envelopes, plus leased ones whose
	// visibility window has elapsed (redelivery).
	selectSQL := "SELECT " + taskSelectFields + ` FROM task_queue
		WHERE channel IN $channels
		AND (status = $queued OR (status IN [$reserved, $started] AND lease_expires_at < $now))
		ORDER BY enqueued_at ASC LIMIT $limit`
	vars := map[string]any{
		"channels": channels,
		"queued":   string(models.StatusQueued),
		"reserved": string(models.StatusReserved),
		"started":  string(models.StatusStarted),
		"now":      now,
		"limit":    max,
	}

	candidates, err := surrealdb.Query[[]queueRow](ctx, b.db, selectSQL, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to select lease candidates: %w", err)
	}
	if candidates == nil || len(*candidates) == 0 || len((*candidates)[0].Result) == 0 {
		return nil, nil
	}

	expires := now.Add(visibility)
	var leases []*models.Lease
	for i := range (*candidates)[0].Result {
		row := (*candidates)[0].Result[i]

		// Step 2: atomically claim — only update if still claimable, so two
		// consumers can't hold the same envelope inside one window.
		claimSQL := `UPDATE $rid SET status = $reserved, worker = $worker,
			lease_expires_at = $expires, attempts = attempts + 1
			WHERE status = $queued OR (status IN [$reserved, $started] AND lease_expires_at < $now)`
		claimVars := map[string]any{
			"rid":      surrealmodels.NewRecordID("task_queue", row.TaskID),
			"reserved": string(models.StatusReserved),
			"queued":   string(models.StatusQueued),
			"started":  string(models.StatusStarted),
			"worker":   worker,
			"expires":  expires,
			"now":      now,
		}

		claimed, err := surrealdb.Query[[]queueRow](ctx, b.db, claimSQL, claimVars)
		if err != nil {
			return leases, fmt.Errorf("failed to claim task %s: %w", row.TaskID, err)
		}
		if claimed == nil || len(*claimed) == 0 || len((*claimed)[0].Result) == 0 {
			continue // lost the race to another consumer
		}

		row.Status = string(models.StatusReserved)
		row.Worker = worker
		row.LeaseExpiresAt = expires
		row.Attempts++
		leases = append(leases, row.lease())
	}

	return leases, nil
}

func (b *Broker) MarkStarted(ctx context.Context, taskID, worker string) error {
	sql := `UPDATE $rid SET status = $started WHERE worker = $worker AND status = $reserved`
	vars := map[string]any{
		"rid":      surrealmodels.NewRecordID("task_queue", taskID),
		"started":  string(models.StatusStarted),
		"reserved": string(models.StatusReserved),
		"worker":   worker,
	}
	if _, err := surrealdb.Query[any](ctx, b.db, sql, vars); err != nil {
		return fmt.Errorf("failed to mark task started: %w", err)
	}
	return nil
}

func (b *Broker) Ack(ctx context.Context, taskID string) error {
	vars := map[string]any{"rid": surrealmodels.NewRecordID("task_queue", taskID)}
	if _, err := surrealdb.Query[any](ctx, b.db, "DELETE $rid", vars); err != nil {
		return fmt.Errorf("failed to ack task: %w", err)
	}
	return nil
}

func (b *Broker) Nack(ctx context.Context, taskID, reason string) error {
	sql := `UPDATE $rid SET status = $queued, worker = $worker, lease_expires_at = $zero`
	vars := map[string]any{
		"rid":    surrealmodels.NewRecordID("task_queue", taskID),
		"queued": string(models.StatusQueued),
		"worker": "",
		"zero":   time.Time{},
	}
	if _, err := surrealdb.Query[any](ctx, b.db, sql, vars); err != nil {
		return fmt.Errorf("failed to nack task: %w", err)
	}
	if b.logger != nil {
		b.logger.Debug().Str("task_id", taskID).Str("reason", reason).Msg("Task returned to queue")
	}
	return nil
}

func (b *Broker) Revoke(ctx context.Context, taskID string) (*models.Envelope, error) {
	row, err := b.getRow(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, nil
	}

	if row.Status == string(models.StatusQueued) {
		// Still queued: remove the envelope outright so status queries stop
		// reporting it as queued. The caller records the terminal outcome.
		if err := b.Ack(ctx, taskID); err != nil {
			return nil, fmt.Errorf("failed to remove revoked task: %w", err)
		}
		env := row.envelope()
		return &env, nil
	}

	// Leased: flag the row. The executing worker polls the flag and kills
	// its subprocess; a consumer that leases the row later discards it
	// without executing.
	sql := `UPDATE $rid SET revoked = true`
	vars := map[string]any{"rid": surrealmodels.NewRecordID("task_queue", taskID)}
	if _, err := surrealdb.Query[any](ctx, b.db, sql, vars); err != nil {
		return nil, fmt.Errorf("failed to flag task revoked: %w", err)
	}
	return nil, nil
}

func (b *Broker) IsRevoked(ctx context.Context, taskID string) (bool, error) {
	row, err := b.getRow(ctx, taskID)
	if err != nil {
		return false, err
	}
	if row == nil {
		// The row is gone: a revoked-and-removed task reads as revoked so
		// an executing worker still aborts.
		return true, nil
	}
	return row.Revoked, nil
}

func (b *Broker) QueuePosition(ctx context.Context, taskID string) (int, int, bool, error) {
	row, err := b.getRow(ctx, taskID)
	if err != nil {
		return 0, 0, false, err
	}
	if row == nil || row.Status != string(models.StatusQueued) {
		return 0, 0, false, nil
	}

	queued, err := b.ListQueued(ctx, row.Channel)
	if err != nil {
		return 0, 0, false, err
	}
	for i, env := range queued {
		if env.TaskID == taskID {
			return i + 1, len(queued), true, nil
		}
	}
	return 0, 0, false, nil
}

func (b *Broker) ListQueued(ctx context.Context, channel string) ([]*models.Envelope, error) {
	sql := "SELECT " + taskSelectFields + ` FROM task_queue
		WHERE channel = $channel AND status = $queued ORDER BY enqueued_at ASC`
	vars := map[string]any{
		"channel": channel,
		"queued":  string(models.StatusQueued),
	}

	results, err := surrealdb.Query[[]queueRow](ctx, b.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to list queued tasks: %w", err)
	}

	var envs []*models.Envelope
	if results != nil && len(*results) > 0 {
		for i := range (*results)[0].Result {
			env := (*results)[0].Result[i].envelope()
			envs = append(envs, &env)
		}
	}
	return envs, nil
}

func (b *Broker) ActiveLease(ctx context.Context, taskID string) (*models.Lease, error) {
	row, err := b.getRow(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, nil
	}
	if row.Status != string(models.StatusReserved) && row.Status != string(models.StatusStarted) {
		return nil, nil
	}
	if !row.LeaseExpiresAt.After(time.Now()) {
		return nil, nil // expired lease awaits redelivery; not active
	}
	return row.lease(), nil
}

func (b *Broker) ListLeases(ctx context.Context) ([]*models.Lease, error) {
	sql := "SELECT " + taskSelectFields + ` FROM task_queue
		WHERE status IN [$reserved, $started] AND lease_expires_at > $now
		ORDER BY enqueued_at ASC`
	vars := map[string]any{
		"reserved": string(models.StatusReserved),
		"started":  string(models.StatusStarted),
		"now":      time.Now(),
	}

	results, err := surrealdb.Query[[]queueRow](ctx, b.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to list leases: %w", err)
	}

	var leases []*models.Lease
	if results != nil && len(*results) > 0 {
		for i := range (*results)[0].Result {
			leases = append(leases, (*results)[0].Result[i].lease())
		}
	}
	return leases, nil
}

// getRow fetches one task_queue row by task id, nil when absent.
func (b *Broker) getRow(ctx context.Context, taskID string) (*queueRow, error) {
	sql := "SELECT " + taskSelectFields + " FROM $rid"
	vars := map[string]any{"rid": surrealmodels.NewRecordID("task_queue", taskID)}

	results, err := surrealdb.Query[[]queueRow](ctx, b.db, sql, vars)
	if err != nil {
		if isNotFoundError(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get task row: %w", err)
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, nil
	}
	return &(*results)[0].Result[0], nil
}

// isNotFoundError reports whether an error indicates a missing record rather
// than a broker fault.
func isNotFoundError(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "not found")
}

// Compile-time check
var _ interfaces.Broker = (*Broker)(nil)
