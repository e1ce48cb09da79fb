package surreal

import (
	"context"
	"fmt"

	"github.com/surrealdb/surrealdb.go"

	"github.com/bobmcallan/fhegate/internal/common"
)

// Manager owns the SurrealDB connection shared by the Broker and the
// ResultStore.
type Manager struct {
	db     *surrealdb.DB
	logger *common.Logger

	broker  *Broker
	results *ResultStore
}

// NewManager connects to the broker endpoint, selects the namespace and
// database, and ensures the tables exist.
func NewManager(logger *common.Logger, config *common.Config) (*Manager, error) {
	ctx := context.Background()

	db, err := surrealdb.New(config.Broker.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}

	if _, err := db.SignIn(ctx, map[string]interface{}{
		"user": config.Broker.Username,
		"pass": config.Broker.Password,
	}); err != nil {
		return nil, fmt.Errorf("failed to sign in to broker: %w", err)
	}

	if err := db.Use(ctx, config.Broker.Namespace, config.Broker.Database); err != nil {
		return nil, fmt.Errorf("failed to select namespace/database: %w", err)
	}

	// Define tables to ensure they exist (SurrealDB v3 errors on querying non-existent tables)
	tables := []string{"task_queue", "task_result"}
	for _, table := range tables {
		sql := fmt.Sprintf("DEFINE TABLE IF NOT EXISTS %s SCHEMALESS", table)
		if _, err := surrealdb.Query[any](ctx, db, sql, nil); err != nil {
			return nil, fmt.Errorf("failed to define table %s: %w", table, err)
		}
	}

	m := &Manager{
		db:      db,
		logger:  logger,
		broker:  NewBroker(db, logger),
		results: NewResultStore(db, logger, config.Results.GetTTL()),
	}

	logger.Info().
		Str("address", config.Broker.Address).
		Str("namespace", config.Broker.Namespace).
		Str("database", config.Broker.Database).
		Msg("Broker connection initialized")

	return m, nil
}

// Broker returns the job queue.
func (m *Manager) Broker() *Broker { return m.broker }

// Results returns the result store.
func (m *Manager) Results() *ResultStore { return m.results }

// Close closes the underlying connection.
func (m *Manager) Close() error {
	m.db.Close(context.Background())
	return nil
}
