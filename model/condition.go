package model

type Operator string

const (
	OpEquals         Operator = "equals"
	OpNotEquals      Operator = "not_equals"
	OpContains       Operator = "contains"
	OpNotContains    Operator = "not_contains"
	OpMatchesPattern Operator = "matches_pattern"
)

func (o Operator) Valid() bool {
	switch o {
	case OpEquals, OpNotEquals, OpContains, OpNotContains, OpMatchesPattern:
		return true
	}
	return false
}

type LogicConnector string

const (
	LogicNone LogicConnector = ""
	LogicAnd  LogicConnector = "and"
	LogicOr   LogicConnector = "or"
)

type Rule struct {
	VariableRef string   `json:"variable_ref"`
	Operator    Operator `json:"operator"`
	Input       string   `json:"input"`
}

// Condition combines its rules with a single connector. Mixing and/or within
// one rule list is not supported.
type Condition struct {
	Connector LogicConnector `json:"connector,omitempty"`
	Rules     []Rule         `json:"rules"`
}

func (c Condition) validate() string {
	for _, r := range c.Rules {
		if r.VariableRef == "" {
			return "rule without variable reference"
		}
		if !r.Operator.Valid() {
			return "unknown operator " + string(r.Operator)
		}
	}
	switch c.Connector {
	case LogicNone:
		if len(c.Rules) > 1 {
			return "condition with several rules needs a connector"
		}
	case LogicAnd, LogicOr:
	default:
		return "unknown connector " + string(c.Connector)
	}
	return ""
}
