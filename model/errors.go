package model

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrWorkflowNotFound   = errors.New("workflow not found")
	ErrCredentialNotFound = errors.New("credential not found")
	ErrUnknownConnector   = errors.New("unknown connector")
	ErrSchemaVersion      = errors.New("unsupported schema version")
	ErrStalePaths         = errors.New("compiled paths do not match workflow version")
	ErrPathsNotFound      = errors.New("compiled paths not found")
)

// MalformedGraphError reports a structural problem found while validating a
// workflow graph. At most one of NodeID and EdgeID is set.
type MalformedGraphError struct {
	WorkflowID string
	NodeID     string
	EdgeID     string
	Reason     string
}

func (e *MalformedGraphError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "malformed graph %q", e.WorkflowID)
	if e.NodeID != "" {
		fmt.Fprintf(&b, ": node %q", e.NodeID)
	}
	if e.EdgeID != "" {
		fmt.Fprintf(&b, ": edge %q", e.EdgeID)
	}
	b.WriteString(": ")
	b.WriteString(e.Reason)
	return b.String()
}

// CyclicGraphError lists the node ids of a cycle reachable from the trigger,
// with the first id repeated at the end.
type CyclicGraphError struct {
	WorkflowID string
	Cycle      []string
}

func (e *CyclicGraphError) Error() string {
	return fmt.Sprintf("cyclic graph %q: %s", e.WorkflowID, strings.Join(e.Cycle, " -> "))
}
