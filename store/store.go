package store

import (
	"context"

	"github.com/arturoeanton/nflow-automate/engine"
	"github.com/arturoeanton/nflow-automate/logger"
	"github.com/arturoeanton/nflow-automate/model"
	"github.com/arturoeanton/nflow-automate/security/encryption"
)

// Store is everything the engine and the HTTP layer persist.
type Store interface {
	engine.GraphStore
	engine.CredentialProvider
	engine.StepWriter
	ListWorkflows(ctx context.Context) ([]*model.Workflow, error)
	PutCredential(ctx context.Context, c model.Credential) error
	RunSteps(ctx context.Context, runID string) ([]engine.TrackerEntry, error)
	Close() error
}

var (
	_ Store = (*SQLStore)(nil)
	_ Store = (*MemoryStore)(nil)
)

// New migrates and opens the configured database. An empty or "memory"
// driver gives a MemoryStore.
func New(cfg engine.DatabaseConfig, enc *encryption.EncryptionService) (Store, error) {
	if cfg.Driver == "" || cfg.Driver == DriverMemory {
		logger.Warn("no database configured, workflows are kept in memory")
		return NewMemoryStore(), nil
	}
	if err := Migrate(cfg); err != nil {
		return nil, err
	}
	db, err := Open(cfg)
	if err != nil {
		return nil, err
	}
	return NewSQLStore(db, cfg.Driver, enc), nil
}
