package model

// LogicalBranches is the explicit pair of edges leaving a Logical node.
// Either side may be nil when the author left it unconnected.
type LogicalBranches struct {
	OnTrue  *Edge
	OnFalse *Edge
}

// Branches resolves the true/false edges of a Logical node. Unlabelled edges
// take the labels left free, in authored order, so an unlabelled pair reads
// as first = true, second = false.
func (w *Workflow) Branches(nodeID string) LogicalBranches {
	var out LogicalBranches
	var unlabelled []Edge
	for _, e := range w.Edges {
		if e.Source != nodeID {
			continue
		}
		e := e
		switch e.Branch {
		case BranchTrue:
			if out.OnTrue == nil {
				out.OnTrue = &e
			}
		case BranchFalse:
			if out.OnFalse == nil {
				out.OnFalse = &e
			}
		default:
			unlabelled = append(unlabelled, e)
		}
	}
	for i := range unlabelled {
		e := unlabelled[i]
		if out.OnTrue == nil {
			e.Branch = BranchTrue
			out.OnTrue = &e
			continue
		}
		if out.OnFalse == nil {
			e.Branch = BranchFalse
			out.OnFalse = &e
		}
	}
	return out
}

// Outgoing returns the edges leaving nodeID in dispatch order. For Logical
// nodes the true branch always comes first and every edge carries its label.
func (w *Workflow) Outgoing(nodeID string) []Edge {
	if n, ok := w.Node(nodeID); ok && n.Kind == KindLogical {
		b := w.Branches(nodeID)
		edges := make([]Edge, 0, 2)
		if b.OnTrue != nil {
			edges = append(edges, *b.OnTrue)
		}
		if b.OnFalse != nil {
			edges = append(edges, *b.OnFalse)
		}
		return edges
	}
	var edges []Edge
	for _, e := range w.Edges {
		if e.Source == nodeID {
			edges = append(edges, e)
		}
	}
	return edges
}

// Validate checks the structural well-formedness of the graph.
func (w *Workflow) Validate() error {
	malformed := func(nodeID, edgeID, reason string) error {
		return &MalformedGraphError{WorkflowID: w.ID, NodeID: nodeID, EdgeID: edgeID, Reason: reason}
	}

	nodes := make(map[string]*Node, len(w.Nodes))
	for _, n := range w.Nodes {
		if n == nil || n.ID == "" {
			return malformed("", "", "node without id")
		}
		if _, dup := nodes[n.ID]; dup {
			return malformed(n.ID, "", "duplicate node id")
		}
		nodes[n.ID] = n
		if reason := validateNode(n); reason != "" {
			return malformed(n.ID, "", reason)
		}
	}

	if w.TriggerID == "" {
		return malformed("", "", "no trigger designated")
	}
	trigger, ok := nodes[w.TriggerID]
	if !ok {
		return malformed(w.TriggerID, "", "designated trigger is not in the node set")
	}
	if trigger.Kind != KindTrigger {
		return malformed(w.TriggerID, "", "designated trigger is not a trigger node")
	}

	edgeIDs := make(map[string]bool, len(w.Edges))
	outgoing := make(map[string][]Edge)
	for _, e := range w.Edges {
		if e.ID != "" {
			if edgeIDs[e.ID] {
				return malformed("", e.ID, "duplicate edge id")
			}
			edgeIDs[e.ID] = true
		}
		if _, ok := nodes[e.Source]; !ok {
			return malformed("", e.ID, "source "+e.Source+" does not exist")
		}
		if _, ok := nodes[e.Target]; !ok {
			return malformed("", e.ID, "target "+e.Target+" does not exist")
		}
		switch e.Branch {
		case BranchNone, BranchTrue, BranchFalse:
		default:
			return malformed("", e.ID, "unknown branch label "+string(e.Branch))
		}
		outgoing[e.Source] = append(outgoing[e.Source], e)
	}

	for id, edges := range outgoing {
		if len(edges) > 2 {
			return malformed(id, "", "more than two outgoing edges")
		}
		if nodes[id].Kind != KindLogical {
			for _, e := range edges {
				if e.Branch != BranchNone {
					return malformed(id, "", "branch label on edge "+e.ID+" of a non-logical node")
				}
			}
			continue
		}
		if len(edges) == 2 && edges[0].Branch != BranchNone && edges[0].Branch == edges[1].Branch {
			return malformed(id, "", "both outgoing edges carry the same branch")
		}
	}

	names := make(map[string]bool, len(w.Variables))
	for _, v := range w.Variables {
		if v.Name == "" {
			return malformed(v.SourceNodeID, "", "variable without name")
		}
		if names[v.Name] {
			return malformed(v.SourceNodeID, "", "duplicate variable "+v.Name)
		}
		names[v.Name] = true
	}
	return nil
}

func validateNode(n *Node) string {
	if !n.Kind.Valid() {
		return "unknown kind " + string(n.Kind)
	}
	if n.Config == nil {
		return "missing config"
	}
	if n.Config.ConnectorType() != n.Connector {
		return "config does not belong to connector " + string(n.Connector)
	}
	switch n.Kind {
	case KindTrigger:
		if _, ok := n.Config.(TriggerConfig); !ok {
			return "trigger node with non-trigger connector"
		}
		if sc, ok := n.Config.(SlackTriggerConfig); ok {
			switch sc.ChannelType {
			case ChannelTypeChannel:
				if sc.ChannelID == "" {
					return "channel trigger without channel id"
				}
			case ChannelTypeIM:
			default:
				return "unknown channel type " + sc.ChannelType
			}
		}
	case KindLogical:
		cc, ok := n.Config.(ConditionConfig)
		if !ok {
			return "logical node without condition"
		}
		return cc.Condition.validate()
	case KindAction:
		if _, ok := n.Config.(ActionConfig); !ok {
			return "action node with non-action connector"
		}
	}
	return ""
}
