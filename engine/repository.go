package engine

import (
	"context"

	"github.com/arturoeanton/nflow-automate/model"
)

// GraphStore persists workflows and their compiled paths.
type GraphStore interface {
	LoadWorkflow(ctx context.Context, id string) (*model.Workflow, error)
	// SaveWorkflow stores w and bumps its Version.
	SaveWorkflow(ctx context.Context, w *model.Workflow) error
	SetPublished(ctx context.Context, id string, published bool) (*model.Workflow, error)
	ListPublished(ctx context.Context) ([]*model.Workflow, error)
	// FindByCredential returns the published workflows connected with key.
	FindByCredential(ctx context.Context, credentialKey string) ([]*model.Workflow, error)
	SaveCompiledPaths(ctx context.Context, workflowID string, version int64, paths []model.FlowPath) error
	// LoadCompiledPaths fails with model.ErrPathsNotFound or model.ErrStalePaths
	// when nothing usable is stored for that version.
	LoadCompiledPaths(ctx context.Context, workflowID string, version int64) ([]model.FlowPath, error)
}

// CredentialProvider hands out the credential an action node runs with.
// Missing credentials are reported as model.ErrCredentialNotFound.
type CredentialProvider interface {
	GetCredential(ctx context.Context, workflowID string, connector model.ConnectorType) (model.Credential, error)
}
