package plugins

import (
	"context"
	"sort"
	"strings"

	"github.com/arturoeanton/nflow-automate/engine"
	"github.com/arturoeanton/nflow-automate/model"
	"github.com/cbroglie/mustache"
)

// TemplateConnector renders a mustache template over the run variables and
// exposes the result as output "text". Dotted names such as a1.ts resolve
// through nested sections.
type TemplateConnector struct{}

func (TemplateConnector) RequiresCredential() bool { return false }

func (TemplateConnector) Invoke(_ context.Context, inv engine.Invocation) (engine.Ack, error) {
	cfg, ok := inv.Config.(model.TemplateConfig)
	if !ok {
		return engine.Ack{}, configError(inv)
	}
	text, err := mustache.Render(cfg.Template, nestVars(inv.Variables))
	if err != nil {
		return engine.Ack{}, err
	}
	return engine.Ack{Outputs: map[string]string{"text": text}}, nil
}

// nestVars turns {"a1.ts": "1"} into {"a1": {"ts": "1"}}. A name that is
// both a value and a prefix keeps the value.
func nestVars(vars map[string]string) map[string]any {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	root := make(map[string]any, len(vars))
	for _, k := range keys {
		parts := strings.Split(k, ".")
		node := root
		for _, p := range parts[:len(parts)-1] {
			child, ok := node[p].(map[string]any)
			if !ok {
				if _, taken := node[p]; taken {
					node = nil
					break
				}
				child = make(map[string]any)
				node[p] = child
			}
			node = child
		}
		if node == nil {
			continue
		}
		last := parts[len(parts)-1]
		if _, taken := node[last]; !taken {
			node[last] = vars[k]
		}
	}
	return root
}
