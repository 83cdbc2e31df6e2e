package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/arturoeanton/nflow-automate/engine"
	"github.com/arturoeanton/nflow-automate/model"
	"github.com/arturoeanton/nflow-automate/security/encryption"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleWorkflow(id, credentialKey string) *model.Workflow {
	return &model.Workflow{
		ID:        id,
		Name:      "notify " + id,
		TriggerID: "t1",
		Nodes: []*model.Node{
			{ID: "t1", Kind: model.KindTrigger, Connector: model.ConnectorSlackTrigger,
				Config: model.SlackTriggerConfig{ChannelType: model.ChannelTypeChannel, ChannelID: "C1"}},
			{ID: "a1", Kind: model.KindAction, Connector: model.ConnectorSlackMessage,
				Config: model.SlackMessageConfig{ChannelID: "C1", Text: "hi {{user}}"}},
		},
		Edges:      []model.Edge{{ID: "e1", Source: "t1", Target: "a1"}},
		Variables:  []model.Variable{{Name: "user", SourceNodeID: "t1", EventField: "user"}},
		Connection: model.Connection{CredentialKey: credentialKey, TeamID: credentialKey, BotUserID: "UBOT"},
	}
}

func newSQLiteStore(t *testing.T, enc *encryption.EncryptionService) *SQLStore {
	t.Helper()
	cfg := engine.DatabaseConfig{
		Driver: DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "automate.db"),
	}
	require.NoError(t, Migrate(cfg))
	// a second run finds nothing to apply
	require.NoError(t, Migrate(cfg))
	db, err := Open(cfg)
	require.NoError(t, err)
	s := NewSQLStore(db, DriverSQLite, enc)
	t.Cleanup(func() { s.Close() })
	return s
}

func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryStore()) })
	t.Run("sqlite", func(t *testing.T) { fn(t, newSQLiteStore(t, nil)) })
}

func TestStore_SaveAndLoadWorkflow(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		w := sampleWorkflow("wf-1", "T1")
		require.NoError(t, s.SaveWorkflow(ctx, w))
		assert.Equal(t, int64(1), w.Version)

		got, err := s.LoadWorkflow(ctx, "wf-1")
		require.NoError(t, err)
		assert.Equal(t, "notify wf-1", got.Name)
		assert.Equal(t, int64(1), got.Version)
		assert.WithinDuration(t, w.UpdatedAt, got.UpdatedAt, time.Second)
		cfg, ok := got.Nodes[1].Config.(model.SlackMessageConfig)
		require.True(t, ok)
		assert.Equal(t, "hi {{user}}", cfg.Text)

		_, err = s.LoadWorkflow(ctx, "missing")
		assert.ErrorIs(t, err, model.ErrWorkflowNotFound)
	})
}

func TestStore_SaveBumpsVersion(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		w := sampleWorkflow("wf-1", "T1")
		w.Version = 4
		require.NoError(t, s.SaveWorkflow(ctx, w))
		assert.Equal(t, int64(4), w.Version)

		edited := sampleWorkflow("wf-1", "T1")
		edited.Name = "renamed"
		require.NoError(t, s.SaveWorkflow(ctx, edited))
		assert.Equal(t, int64(5), edited.Version)

		got, err := s.LoadWorkflow(ctx, "wf-1")
		require.NoError(t, err)
		assert.Equal(t, "renamed", got.Name)
		assert.Equal(t, int64(5), got.Version)
	})
}

func TestStore_PublishedQueries(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for _, w := range []*model.Workflow{
			sampleWorkflow("wf-a", "T1"),
			sampleWorkflow("wf-b", "T1"),
			sampleWorkflow("wf-c", "T2"),
		} {
			require.NoError(t, s.SaveWorkflow(ctx, w))
		}

		found, err := s.FindByCredential(ctx, "T1")
		require.NoError(t, err)
		assert.Empty(t, found)

		for _, id := range []string{"wf-b", "wf-a", "wf-c"} {
			w, err := s.SetPublished(ctx, id, true)
			require.NoError(t, err)
			assert.True(t, w.Published)
			assert.Equal(t, int64(1), w.Version)
		}

		found, err = s.FindByCredential(ctx, "T1")
		require.NoError(t, err)
		ids := make([]string, len(found))
		for i, w := range found {
			ids[i] = w.ID
		}
		assert.Equal(t, []string{"wf-a", "wf-b"}, ids)

		_, err = s.SetPublished(ctx, "wf-a", false)
		require.NoError(t, err)
		published, err := s.ListPublished(ctx)
		require.NoError(t, err)
		assert.Len(t, published, 2)

		all, err := s.ListWorkflows(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 3)

		_, err = s.SetPublished(ctx, "missing", true)
		assert.ErrorIs(t, err, model.ErrWorkflowNotFound)
	})
}

func TestStore_CompiledPaths(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		paths := []model.FlowPath{
			{{NodeID: "t1"}, {NodeID: "c1", Via: model.BranchTrue}, {NodeID: "a1"}},
			{{NodeID: "t1"}, {NodeID: "a2"}},
		}

		_, err := s.LoadCompiledPaths(ctx, "wf-1", 1)
		assert.ErrorIs(t, err, model.ErrPathsNotFound)

		require.NoError(t, s.SaveCompiledPaths(ctx, "wf-1", 1, paths))
		got, err := s.LoadCompiledPaths(ctx, "wf-1", 1)
		require.NoError(t, err)
		if diff := cmp.Diff(paths, got); diff != "" {
			t.Errorf("paths mismatch (-want +got):\n%s", diff)
		}

		_, err = s.LoadCompiledPaths(ctx, "wf-1", 2)
		assert.ErrorIs(t, err, model.ErrPathsNotFound)

		// overwriting the same version is allowed
		require.NoError(t, s.SaveCompiledPaths(ctx, "wf-1", 1, paths[:1]))
		got, err = s.LoadCompiledPaths(ctx, "wf-1", 1)
		require.NoError(t, err)
		assert.Len(t, got, 1)
	})
}

func TestStore_Credentials(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, err := s.GetCredential(ctx, "wf-1", model.ConnectorSlackMessage)
		assert.ErrorIs(t, err, model.ErrCredentialNotFound)

		require.NoError(t, s.PutCredential(ctx, model.Credential{
			WorkflowID: "wf-1",
			Connector:  model.ConnectorSlackMessage,
			Token:      "xoxb-1",
			Extra:      map[string]string{"team": "T1"},
		}))
		require.NoError(t, s.PutCredential(ctx, model.Credential{
			WorkflowID: "wf-1",
			Connector:  model.ConnectorSlackMessage,
			Token:      "xoxb-2",
		}))

		c, err := s.GetCredential(ctx, "wf-1", model.ConnectorSlackMessage)
		require.NoError(t, err)
		assert.Equal(t, "xoxb-2", c.Token)
		assert.Empty(t, c.Extra)
		assert.Equal(t, "wf-1", c.WorkflowID)

		_, err = s.GetCredential(ctx, "wf-2", model.ConnectorSlackMessage)
		assert.ErrorIs(t, err, model.ErrCredentialNotFound)
	})
}

func TestStore_RunSteps(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		started := time.UnixMilli(time.Now().UnixMilli())
		entries := []engine.TrackerEntry{
			{RunID: "run-1", WorkflowID: "wf-1", NodeID: "t1", Status: "passed", StartedAt: started},
			{RunID: "run-1", WorkflowID: "wf-1", NodeID: "a1", Connector: "Slack_SendMessage", Status: "invoked",
				StartedAt: started, Duration: 1500 * time.Microsecond, Outputs: []byte(`{"ts":"1"}`)},
			{RunID: "run-2", WorkflowID: "wf-1", NodeID: "a1", Status: "failed", Error: "boom", StartedAt: started},
		}
		require.NoError(t, s.WriteSteps(ctx, entries))
		require.NoError(t, s.WriteSteps(ctx, nil))

		got, err := s.RunSteps(ctx, "run-1")
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "t1", got[0].NodeID)
		assert.Equal(t, "a1", got[1].NodeID)
		assert.Equal(t, 1500*time.Microsecond, got[1].Duration)
		assert.Equal(t, `{"ts":"1"}`, string(got[1].Outputs))
		assert.True(t, started.Equal(got[1].StartedAt))

		got, err = s.RunSteps(ctx, "run-2")
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "boom", got[0].Error)
	})
}

func TestSQLStore_CredentialsAreSealed(t *testing.T) {
	enc, err := encryption.NewEncryptionService("a test secret that is stretched")
	require.NoError(t, err)
	s := newSQLiteStore(t, enc)
	ctx := context.Background()

	require.NoError(t, s.PutCredential(ctx, model.Credential{
		WorkflowID: "wf-1",
		Connector:  model.ConnectorSlackMessage,
		Token:      "xoxb-secret",
	}))

	var raw string
	require.NoError(t, s.DB().QueryRow("SELECT secret FROM credentials WHERE workflow_id = ?", "wf-1").Scan(&raw))
	assert.NotContains(t, raw, "xoxb-secret")
	assert.True(t, encryption.IsEncrypted(raw))

	c, err := s.GetCredential(ctx, "wf-1", model.ConnectorSlackMessage)
	require.NoError(t, err)
	assert.Equal(t, "xoxb-secret", c.Token)

	// a sealed secret moved to another row does not open
	_, err = s.DB().Exec("INSERT INTO credentials (workflow_id, connector, secret, updated_at) VALUES (?, ?, ?, ?)",
		"wf-2", string(model.ConnectorSlackMessage), raw, time.Now().UTC())
	require.NoError(t, err)
	_, err = s.GetCredential(ctx, "wf-2", model.ConnectorSlackMessage)
	assert.Error(t, err)
}

func TestDialect(t *testing.T) {
	pg := dialect{driver: DriverPostgres}
	assert.Equal(t, "$1, $2", pg.placeholders(2))
	assert.Equal(t,
		"INSERT INTO t (k, v) VALUES ($1, $2) ON CONFLICT (k) DO UPDATE SET v = EXCLUDED.v",
		pg.upsert("t", []string{"k"}, []string{"v"}))

	my := dialect{driver: DriverMySQL}
	assert.Equal(t,
		"INSERT INTO t (k, v) VALUES (?, ?) ON DUPLICATE KEY UPDATE v = VALUES(v)",
		my.upsert("t", []string{"k"}, []string{"v"}))
}

func TestMigrationURL(t *testing.T) {
	assert.Equal(t, "sqlite3:///tmp/a.db", migrationURL(engine.DatabaseConfig{Driver: DriverSQLite, DSN: "/tmp/a.db"}))
	assert.Equal(t, "mysql://u:p@tcp(db:3306)/automate", migrationURL(engine.DatabaseConfig{Driver: DriverMySQL, DSN: "u:p@tcp(db:3306)/automate"}))
	assert.Equal(t, "u:p@tcp(db:3306)/automate", sqlDSN(engine.DatabaseConfig{Driver: DriverMySQL, DSN: "mysql://u:p@tcp(db:3306)/automate"}))
	assert.Equal(t, "postgres://u@db/automate", migrationURL(engine.DatabaseConfig{Driver: DriverPostgres, DSN: "postgres://u@db/automate"}))
}

func TestNew_MemoryWithoutDriver(t *testing.T) {
	s, err := New(engine.DatabaseConfig{}, nil)
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)
}
