package model

// DeepCopy returns an independent copy of the workflow. Runs work on a copy
// so edits saved while they are in flight are never observed.
func (w *Workflow) DeepCopy() (*Workflow, error) {
	data, err := jsonAPI.Marshal(w)
	if err != nil {
		return nil, err
	}

	var copy Workflow
	if err := jsonAPI.Unmarshal(data, &copy); err != nil {
		return nil, err
	}
	return &copy, nil
}

// DeepCopy copies a single node, config included.
func (n *Node) DeepCopy() (*Node, error) {
	data, err := jsonAPI.Marshal(n)
	if err != nil {
		return nil, err
	}

	var copy Node
	if err := jsonAPI.Unmarshal(data, &copy); err != nil {
		return nil, err
	}
	return &copy, nil
}

// Snapshot is the copy a run executes against.
func (w *Workflow) Snapshot() (*Workflow, error) {
	return w.DeepCopy()
}
