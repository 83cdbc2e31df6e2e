package model

import (
	"encoding/json"
	"fmt"

	"github.com/bytedance/sonic"
	"gopkg.in/yaml.v3"
)

// SchemaVersion is bumped whenever the persisted shape of workflows or
// compiled paths changes. Documents written under another version are
// rejected so cached paths are recompiled instead of misread.
const SchemaVersion = 1

// jsonAPI matches encoding/json output byte for byte (sorted map keys, HTML
// escaping) so stored documents stay stable across encodes.
var jsonAPI = sonic.ConfigStd

type nodeJSON struct {
	ID        string          `json:"id"`
	Kind      Kind            `json:"kind"`
	Connector ConnectorType   `json:"connector"`
	Config    json.RawMessage `json:"config,omitempty"`
}

func (n Node) MarshalJSON() ([]byte, error) {
	raw := nodeJSON{ID: n.ID, Kind: n.Kind, Connector: n.Connector}
	if n.Config != nil {
		data, err := jsonAPI.Marshal(n.Config)
		if err != nil {
			return nil, fmt.Errorf("encode config of node %s: %w", n.ID, err)
		}
		raw.Config = data
	}
	return jsonAPI.Marshal(raw)
}

func (n *Node) UnmarshalJSON(data []byte) error {
	var raw nodeJSON
	if err := jsonAPI.Unmarshal(data, &raw); err != nil {
		return err
	}
	factory, ok := configFactories[raw.Connector]
	if !ok {
		return fmt.Errorf("node %s: %w %q", raw.ID, ErrUnknownConnector, raw.Connector)
	}
	cfg := factory()
	if len(raw.Config) > 0 && string(raw.Config) != "null" {
		if err := jsonAPI.Unmarshal(raw.Config, cfg); err != nil {
			return fmt.Errorf("decode config of node %s: %w", raw.ID, err)
		}
	}
	n.ID = raw.ID
	n.Kind = raw.Kind
	n.Connector = raw.Connector
	n.Config = deref(cfg)
	return nil
}

type workflowDocument struct {
	Schema   int       `json:"schema"`
	Workflow *Workflow `json:"workflow"`
}

type pathsDocument struct {
	Schema     int        `json:"schema"`
	WorkflowID string     `json:"workflow_id"`
	Version    int64      `json:"version"`
	Paths      []FlowPath `json:"paths"`
}

func EncodeWorkflow(w *Workflow) ([]byte, error) {
	return jsonAPI.Marshal(workflowDocument{Schema: SchemaVersion, Workflow: w})
}

func DecodeWorkflow(data []byte) (*Workflow, error) {
	var doc workflowDocument
	if err := jsonAPI.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode workflow: %w", err)
	}
	if doc.Schema != SchemaVersion {
		return nil, fmt.Errorf("%w: workflow schema %d", ErrSchemaVersion, doc.Schema)
	}
	if doc.Workflow == nil {
		return nil, fmt.Errorf("decode workflow: empty document")
	}
	return doc.Workflow, nil
}

// DecodeWorkflowYAML accepts the same document as DecodeWorkflow written as
// YAML, which is handier for hand-written seed files.
func DecodeWorkflowYAML(data []byte) (*Workflow, error) {
	var doc map[string]interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode workflow yaml: %w", err)
	}
	js, err := jsonAPI.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("decode workflow yaml: %w", err)
	}
	return DecodeWorkflow(js)
}

func EncodePaths(workflowID string, version int64, paths []FlowPath) ([]byte, error) {
	return jsonAPI.Marshal(pathsDocument{
		Schema:     SchemaVersion,
		WorkflowID: workflowID,
		Version:    version,
		Paths:      paths,
	})
}

// DecodePaths decodes a compiled path set and checks that it was produced
// for the given workflow version under the current schema.
func DecodePaths(data []byte, workflowID string, version int64) ([]FlowPath, error) {
	var doc pathsDocument
	if err := jsonAPI.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode paths: %w", err)
	}
	if doc.Schema != SchemaVersion {
		return nil, fmt.Errorf("%w: paths schema %d", ErrSchemaVersion, doc.Schema)
	}
	if doc.WorkflowID != workflowID || doc.Version != version {
		return nil, fmt.Errorf("%w: have %s@%d, want %s@%d", ErrStalePaths, doc.WorkflowID, doc.Version, workflowID, version)
	}
	return doc.Paths, nil
}
