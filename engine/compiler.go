package engine

import (
	"github.com/arturoeanton/nflow-automate/model"
)

// Compile validates w and returns every path from its trigger to a leaf, in
// depth-first order following Outgoing. Nodes that no path reaches are left
// out without error; a cycle reachable from the trigger fails the compile.
func Compile(w *model.Workflow) ([]model.FlowPath, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}

	c := &pathCompiler{
		workflow: w,
		onStack:  make(map[string]int),
	}
	if err := c.walk(w.TriggerID, nil); err != nil {
		return nil, err
	}
	return c.paths, nil
}

type pathCompiler struct {
	workflow *model.Workflow
	stack    []string
	onStack  map[string]int
	paths    []model.FlowPath
}

func (c *pathCompiler) walk(nodeID string, prefix model.FlowPath) error {
	if at, ok := c.onStack[nodeID]; ok {
		cycle := append(append([]string{}, c.stack[at:]...), nodeID)
		return &model.CyclicGraphError{WorkflowID: c.workflow.ID, Cycle: cycle}
	}
	c.onStack[nodeID] = len(c.stack)
	c.stack = append(c.stack, nodeID)
	defer func() {
		c.stack = c.stack[:len(c.stack)-1]
		delete(c.onStack, nodeID)
	}()

	edges := c.workflow.Outgoing(nodeID)
	if len(edges) == 0 {
		path := make(model.FlowPath, len(prefix), len(prefix)+1)
		copy(path, prefix)
		c.paths = append(c.paths, append(path, model.PathStep{NodeID: nodeID}))
		return nil
	}

	for _, e := range edges {
		next := make(model.FlowPath, len(prefix), len(prefix)+1)
		copy(next, prefix)
		next = append(next, model.PathStep{NodeID: nodeID, Via: e.Branch})
		if err := c.walk(e.Target, next); err != nil {
			return err
		}
	}
	return nil
}
