// Package memory provides an embedded, in-process broker and result store.
//
// It implements the same contracts as the SurrealDB backend and is selected
// with `driver = "memory"` in the broker configuration. Intended for
// development and tests; nothing survives a restart.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bobmcallan/fhegate/internal/interfaces"
	"github.com/bobmcallan/fhegate/internal/models"
)

type queueRow struct {
	env      models.Envelope
	seq      int64
	status   models.TaskStatus
	worker   string
	expires  time.Time
	attempts int
	revoked  bool
}

// Broker is an in-memory job queue.
type Broker struct {
	mu   sync.Mutex
	rows map[string]*queueRow
	seq  int64
}

// NewBroker creates an empty in-memory broker.
func NewBroker() *Broker {
	return &Broker{rows: make(map[string]*queueRow)}
}

func (b *Broker) Enqueue(_ context.Context, env *models.Envelope) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if env.TaskID == "" {
		env.TaskID = uuid.New().String()
	}
	if env.EnqueuedAt.IsZero() {
		env.EnqueuedAt = time.Now()
	}
	b.seq++
	b.rows[env.TaskID] = &queueRow{
		env:    *env,
		seq:    b.seq,
		status: models.StatusQueued,
	}
	return env.TaskID, nil
}

// claimable reports whether a row may be leased at now.
func (r *queueRow) claimable(now time.Time) bool {
	switch r.status {
	case models.StatusQueued:
		return true
	case models.StatusReserved, models.StatusStarted:
		return r.expires.Before(now)
	}
	return false
}

func (b *Broker) Lease(_ context.Context, channels []string, worker string, max int, visibility time.Duration) ([]*models.Lease, error) {
	if max <= 0 {
		max = 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	chSet := make(map[string]bool, len(channels))
	for _, c := range channels {
		chSet[c] = true
	}

	var candidates []*queueRow
	for _, row := range b.rows {
		if chSet[row.env.Channel] && row.claimable(now) {
			candidates = append(candidates, row)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].seq < candidates[j].seq })

	if len(candidates) > max {
		candidates = candidates[:max]
	}

	var leases []*models.Lease
	for _, row := range candidates {
		row.status = models.StatusReserved
		row.worker = worker
		row.expires = now.Add(visibility)
		row.attempts++
		leases = append(leases, b.leaseOf(row))
	}
	return leases, nil
}

func (b *Broker) leaseOf(row *queueRow) *models.Lease {
	return &models.Lease{
		Envelope:  row.env,
		Worker:    row.worker,
		Status:    row.status,
		ExpiresAt: row.expires,
		Attempts:  row.attempts,
		Revoked:   row.revoked,
	}
}

func (b *Broker) MarkStarted(_ context.Context, taskID, worker string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if row, ok := b.rows[taskID]; ok && row.worker == worker && row.status == models.StatusReserved {
		row.status = models.StatusStarted
	}
	return nil
}

func (b *Broker) Ack(_ context.Context, taskID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.rows, taskID)
	return nil
}

func (b *Broker) Nack(_ context.Context, taskID, _ string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if row, ok := b.rows[taskID]; ok {
		row.status = models.StatusQueued
		row.worker = ""
		row.expires = time.Time{}
	}
	return nil
}

func (b *Broker) Revoke(_ context.Context, taskID string) (*models.Envelope, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	row, ok := b.rows[taskID]
	if !ok {
		return nil, nil
	}
	if row.status == models.StatusQueued {
		delete(b.rows, taskID)
		env := row.env
		return &env, nil
	}
	row.revoked = true
	return nil, nil
}

func (b *Broker) IsRevoked(_ context.Context, taskID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	row, ok := b.rows[taskID]
	if !ok {
		return true, nil
	}
	return row.revoked, nil
}

func (b *Broker) QueuePosition(_ context.Context, taskID string) (int, int, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	row, ok := b.rows[taskID]
	if !ok || row.status != models.StatusQueued {
		return 0, 0, false, nil
	}

	queued := b.queuedRows(row.env.Channel)
	for i, r := range queued {
		if r.env.TaskID == taskID {
			return i + 1, len(queued), true, nil
		}
	}
	return 0, 0, false, nil
}

func (b *Broker) queuedRows(channel string) []*queueRow {
	var queued []*queueRow
	for _, r := range b.rows {
		if r.env.Channel == channel && r.status == models.StatusQueued {
			queued = append(queued, r)
		}
	}
	sort.Slice(queued, func(i, j int) bool { return queued[i].seq < queued[j].seq })
	return queued
}

func (b *Broker) ListQueued(_ context.Context, channel string) ([]*models.Envelope, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var envs []*models.Envelope
	for _, r := range b.queuedRows(channel) {
		env := r.env
		envs = append(envs, &env)
	}
	return envs, nil
}

func (b *Broker) ActiveLease(_ context.Context, taskID string) (*models.Lease, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	row, ok := b.rows[taskID]
	if !ok {
		return nil, nil
	}
	if row.status != models.StatusReserved && row.status != models.StatusStarted {
		return nil, nil
	}
	if !row.expires.After(time.Now()) {
		return nil, nil
	}
	return b.leaseOf(row), nil
}

func (b *Broker) ListLeases(_ context.Context) ([]*models.Lease, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	var rows []*queueRow
	for _, r := range b.rows {
		if (r.status == models.StatusReserved || r.status == models.StatusStarted) && r.expires.After(now) {
			rows = append(rows, r)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].seq < rows[j].seq })

	var leases []*models.Lease
	for _, r := range rows {
		leases = append(leases, b.leaseOf(r))
	}
	return leases, nil
}

// Compile-time check
var _ interfaces.Broker = (*Broker)(nil)

// ResultStore is an in-memory TTL'd outcome store.
type ResultStore struct {
	mu       sync.Mutex
	outcomes map[string]*storedOutcome
	ttl      time.Duration
}

type storedOutcome struct {
	outcome models.Outcome
	expires time.Time
}

// NewResultStore creates an empty in-memory result store.
func NewResultStore(ttl time.Duration) *ResultStore {
	if ttl <= 0 {
		ttl = 720 * time.Hour
	}
	return &ResultStore{outcomes: make(map[string]*storedOutcome), ttl: ttl}
}

func (s *ResultStore) Put(_ context.Context, outcome *models.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if outcome.CreatedAt.IsZero() {
		outcome.CreatedAt = time.Now()
	}
	s.outcomes[outcome.TaskID] = &storedOutcome{
		outcome: *outcome,
		expires: outcome.CreatedAt.Add(s.ttl),
	}
	return nil
}

func (s *ResultStore) Get(_ context.Context, taskID string) (*models.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.outcomes[taskID]
	if !ok || !stored.expires.After(time.Now()) {
		return nil, nil
	}
	outcome := stored.outcome
	return &outcome, nil
}

func (s *ResultStore) Delete(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.outcomes, taskID)
	return nil
}

func (s *ResultStore) PurgeExpired(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	count := 0
	for id, stored := range s.outcomes {
		if !stored.expires.After(now) {
			delete(s.outcomes, id)
			count++
		}
	}
	return count, nil
}

// Compile-time check
var _ interfaces.ResultStore = (*ResultStore)(nil)
