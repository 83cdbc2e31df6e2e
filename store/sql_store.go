package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/arturoeanton/nflow-automate/engine"
	"github.com/arturoeanton/nflow-automate/model"
	"github.com/arturoeanton/nflow-automate/security/encryption"
	"github.com/bytedance/sonic"
)

// SQLStore implements engine.GraphStore, engine.CredentialProvider and
// engine.StepWriter on one database.
type SQLStore struct {
	db  *sql.DB
	d   dialect
	enc *encryption.EncryptionService
}

// NewSQLStore wraps an opened pool. When enc is nil credentials are stored
// in clear text.
func NewSQLStore(db *sql.DB, driver string, enc *encryption.EncryptionService) *SQLStore {
	return &SQLStore{db: db, d: dialect{driver: driver}, enc: enc}
}

func (s *SQLStore) DB() *sql.DB { return s.db }

func (s *SQLStore) q(format string, n int) string {
	args := make([]any, n)
	for i := range args {
		args[i] = s.d.placeholder(i + 1)
	}
	return fmt.Sprintf(format, args...)
}

func (s *SQLStore) LoadWorkflow(ctx context.Context, id string) (*model.Workflow, error) {
	return s.loadWorkflow(ctx, s.db, id)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLStore) loadWorkflow(ctx context.Context, q querier, id string) (*model.Workflow, error) {
	var doc string
	err := q.QueryRowContext(ctx, s.q("SELECT document FROM workflows WHERE id = %s", 1), id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", model.ErrWorkflowNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load workflow %s: %w", id, err)
	}
	return model.DecodeWorkflow([]byte(doc))
}

// SaveWorkflow stores w as the next version of its id. A new workflow keeps
// its own version when it has one.
func (s *SQLStore) SaveWorkflow(ctx context.Context, w *model.Workflow) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var stored int64
	err = tx.QueryRowContext(ctx, s.q("SELECT version FROM workflows WHERE id = %s", 1), w.ID).Scan(&stored)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if w.Version < 1 {
			w.Version = 1
		}
	case err != nil:
		return fmt.Errorf("save workflow %s: %w", w.ID, err)
	default:
		w.Version = stored + 1
	}
	w.UpdatedAt = time.Now().UTC()

	if err := s.writeWorkflow(ctx, tx, w); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) writeWorkflow(ctx context.Context, tx *sql.Tx, w *model.Workflow) error {
	doc, err := model.EncodeWorkflow(w)
	if err != nil {
		return err
	}
	query := s.d.upsert("workflows", []string{"id"},
		[]string{"name", "credential_key", "published", "version", "document", "updated_at"})
	_, err = tx.ExecContext(ctx, query,
		w.ID, w.Name, w.Connection.CredentialKey, w.Published, w.Version, string(doc), w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save workflow %s: %w", w.ID, err)
	}
	return nil
}

// SetPublished flips the published flag without creating a new version.
func (s *SQLStore) SetPublished(ctx context.Context, id string, published bool) (*model.Workflow, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	w, err := s.loadWorkflow(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	w.Published = published
	w.UpdatedAt = time.Now().UTC()
	if err := s.writeWorkflow(ctx, tx, w); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return w, nil
}

func (s *SQLStore) ListPublished(ctx context.Context) ([]*model.Workflow, error) {
	return s.queryWorkflows(ctx, s.q("SELECT document FROM workflows WHERE published = %s ORDER BY id", 1), true)
}

func (s *SQLStore) FindByCredential(ctx context.Context, credentialKey string) ([]*model.Workflow, error) {
	return s.queryWorkflows(ctx,
		s.q("SELECT document FROM workflows WHERE credential_key = %s AND published = %s ORDER BY id", 2),
		credentialKey, true)
}

// ListWorkflows returns every stored workflow, published or not.
func (s *SQLStore) ListWorkflows(ctx context.Context) ([]*model.Workflow, error) {
	return s.queryWorkflows(ctx, "SELECT document FROM workflows ORDER BY id")
}

func (s *SQLStore) queryWorkflows(ctx context.Context, query string, args ...any) ([]*model.Workflow, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Workflow
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		w, err := model.DecodeWorkflow([]byte(doc))
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *SQLStore) SaveCompiledPaths(ctx context.Context, workflowID string, version int64, paths []model.FlowPath) error {
	doc, err := model.EncodePaths(workflowID, version, paths)
	if err != nil {
		return err
	}
	query := s.d.upsert("compiled_paths", []string{"workflow_id", "version"}, []string{"document", "created_at"})
	if _, err := s.db.ExecContext(ctx, query, workflowID, version, string(doc), time.Now().UTC()); err != nil {
		return fmt.Errorf("save paths of %s@%d: %w", workflowID, version, err)
	}
	return nil
}

func (s *SQLStore) LoadCompiledPaths(ctx context.Context, workflowID string, version int64) ([]model.FlowPath, error) {
	var doc string
	err := s.db.QueryRowContext(ctx,
		s.q("SELECT document FROM compiled_paths WHERE workflow_id = %s AND version = %s", 2),
		workflowID, version).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrPathsNotFound
	}
	if err != nil {
		return nil, err
	}
	return model.DecodePaths([]byte(doc), workflowID, version)
}

type credentialSecret struct {
	Token string            `json:"token"`
	Extra map[string]string `json:"extra,omitempty"`
}

func credentialContext(workflowID string, connector model.ConnectorType) string {
	return workflowID + "/" + string(connector)
}

// PutCredential stores (or replaces) the credential of one connector of a
// workflow, sealed when an encryption key is configured.
func (s *SQLStore) PutCredential(ctx context.Context, c model.Credential) error {
	secret, err := sealCredential(s.enc, c)
	if err != nil {
		return err
	}
	query := s.d.upsert("credentials", []string{"workflow_id", "connector"}, []string{"secret", "updated_at"})
	if _, err := s.db.ExecContext(ctx, query, c.WorkflowID, string(c.Connector), secret, time.Now().UTC()); err != nil {
		return fmt.Errorf("save credential %s: %w", credentialContext(c.WorkflowID, c.Connector), err)
	}
	return nil
}

func (s *SQLStore) GetCredential(ctx context.Context, workflowID string, connector model.ConnectorType) (model.Credential, error) {
	var secret string
	err := s.db.QueryRowContext(ctx,
		s.q("SELECT secret FROM credentials WHERE workflow_id = %s AND connector = %s", 2),
		workflowID, string(connector)).Scan(&secret)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Credential{}, model.ErrCredentialNotFound
	}
	if err != nil {
		return model.Credential{}, err
	}
	return openCredential(s.enc, workflowID, connector, secret)
}

func sealCredential(enc *encryption.EncryptionService, c model.Credential) (string, error) {
	data, err := sonic.Marshal(credentialSecret{Token: c.Token, Extra: c.Extra})
	if err != nil {
		return "", err
	}
	if enc == nil {
		return string(data), nil
	}
	return enc.Seal(string(data), credentialContext(c.WorkflowID, c.Connector))
}

func openCredential(enc *encryption.EncryptionService, workflowID string, connector model.ConnectorType, secret string) (model.Credential, error) {
	plain := secret
	if enc != nil && encryption.IsEncrypted(secret) {
		var err error
		plain, err = enc.Open(secret, credentialContext(workflowID, connector))
		if err != nil {
			return model.Credential{}, fmt.Errorf("open credential %s: %w", credentialContext(workflowID, connector), err)
		}
	}
	var cs credentialSecret
	if err := sonic.UnmarshalString(plain, &cs); err != nil {
		return model.Credential{}, fmt.Errorf("decode credential %s: %w", credentialContext(workflowID, connector), err)
	}
	return model.Credential{WorkflowID: workflowID, Connector: connector, Token: cs.Token, Extra: cs.Extra}, nil
}

// WriteSteps inserts a tracker batch in one transaction.
func (s *SQLStore) WriteSteps(ctx context.Context, entries []engine.TrackerEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, "INSERT INTO run_steps (run_id, workflow_id, path_index, node_id, connector, status, error_message, started_at_ms, duration_us, outputs) VALUES ("+s.d.placeholders(10)+")")
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range entries {
		_, err := stmt.ExecContext(ctx, e.RunID, e.WorkflowID, e.PathIndex, e.NodeID, e.Connector, e.Status,
			e.Error, e.StartedAt.UnixMilli(), e.Duration.Microseconds(), string(e.Outputs))
		if err != nil {
			return fmt.Errorf("insert step %s/%s: %w", e.RunID, e.NodeID, err)
		}
	}
	return tx.Commit()
}

// RunSteps returns the persisted steps of a run in insertion order.
func (s *SQLStore) RunSteps(ctx context.Context, runID string) ([]engine.TrackerEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		s.q("SELECT run_id, workflow_id, path_index, node_id, connector, status, error_message, started_at_ms, duration_us, outputs FROM run_steps WHERE run_id = %s ORDER BY id", 1),
		runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []engine.TrackerEntry
	for rows.Next() {
		var e engine.TrackerEntry
		var startedMs, durationUs int64
		var outputs string
		if err := rows.Scan(&e.RunID, &e.WorkflowID, &e.PathIndex, &e.NodeID, &e.Connector, &e.Status,
			&e.Error, &startedMs, &durationUs, &outputs); err != nil {
			return nil, err
		}
		e.StartedAt = time.UnixMilli(startedMs)
		e.Duration = time.Duration(durationUs) * time.Microsecond
		if outputs != "" {
			e.Outputs = []byte(outputs)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
