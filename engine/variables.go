package engine

import (
	"regexp"
	"strings"
	"sync"

	"github.com/arturoeanton/nflow-automate/model"
)

// TriggerPrefix namespaces event fields in the variable table.
const TriggerPrefix = "trigger."

var placeholderRegex = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// Variables is the run-scoped name to value table. Each path of a run works
// on its own clone.
type Variables struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewVariables(seed map[string]string) *Variables {
	values := make(map[string]string, len(seed))
	for k, v := range seed {
		values[k] = v
	}
	return &Variables{values: values}
}

// BindVariables builds the initial table of a run: static values, event
// fields under trigger.<field>, and variables bound to an event field.
func BindVariables(w *model.Workflow, event model.Event) *Variables {
	vars := NewVariables(nil)
	if event.Payload != nil {
		for k, v := range event.Payload.Fields() {
			vars.values[TriggerPrefix+k] = v
		}
	}
	for _, v := range w.Variables {
		value := v.Value
		if v.EventField != "" && event.Payload != nil {
			if fv, ok := event.Payload.Field(v.EventField); ok {
				value = fv
			}
		}
		vars.values[v.Name] = value
	}
	return vars
}

func (v *Variables) Get(name string) (string, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	val, ok := v.values[name]
	return val, ok
}

func (v *Variables) Set(name, value string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.values[name] = value
}

// SetOutputs records an action's outputs as <nodeID>.<key>.
func (v *Variables) SetOutputs(nodeID string, outputs map[string]string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for k, val := range outputs {
		v.values[nodeID+"."+k] = val
	}
}

// Resolve replaces every {{name}} with its current value. Placeholders whose
// name is unknown stay as written.
func (v *Variables) Resolve(text string) string {
	if !strings.Contains(text, "{{") {
		return text
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	return placeholderRegex.ReplaceAllStringFunc(text, func(match string) string {
		name := placeholderRegex.FindStringSubmatch(match)[1]
		if val, ok := v.values[name]; ok {
			return val
		}
		return match
	})
}

func (v *Variables) Clone() *Variables {
	return NewVariables(v.Snapshot())
}

// Snapshot copies the table into a plain map.
func (v *Variables) Snapshot() map[string]string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make(map[string]string, len(v.values))
	for k, val := range v.values {
		out[k] = val
	}
	return out
}

func (v *Variables) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.values)
}

// HasVariableReference reports whether text contains a {{name}} placeholder.
func HasVariableReference(text string) bool {
	return placeholderRegex.MatchString(text)
}

// variableName accepts both "user" and "{{user}}" as a reference.
func variableName(ref string) string {
	if m := placeholderRegex.FindStringSubmatch(strings.TrimSpace(ref)); m != nil && m[0] == strings.TrimSpace(ref) {
		return m[1]
	}
	return strings.TrimSpace(ref)
}
