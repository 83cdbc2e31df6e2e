package plugins

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/arturoeanton/nflow-automate/logger"
	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/console"
	"github.com/dop251/goja_nodejs/require"
	"github.com/dop251/goja_nodejs/util"
)

var (
	ErrTimeLimitExceeded    = errors.New("execution time limit exceeded")
	ErrExecutionInterrupted = errors.New("execution interrupted")
)

// ScriptLimits bounds one script run.
type ScriptLimits struct {
	MaxExecution time.Duration // 0 = bounded by the invocation context only
	MaxCallStack int           // 0 = goja default
}

func DefaultScriptLimits() ScriptLimits {
	return ScriptLimits{
		MaxExecution: 5 * time.Second,
		MaxCallStack: 1000,
	}
}

// SandboxConfig lists what a script may reach.
type SandboxConfig struct {
	AllowedModules   map[string]bool
	BlockedFunctions []string
}

func DefaultSandboxConfig() SandboxConfig {
	return SandboxConfig{
		AllowedModules: map[string]bool{
			"console": true,
			"util":    true,
			// fs, net, child_process, http, os and process are never registered
		},
		BlockedFunctions: []string{
			"eval",
			"Function",
			"WebAssembly",
		},
	}
}

// scriptPrinter routes console output to the logger, tagged with the node
// that produced it.
type scriptPrinter struct {
	log *logger.Logger
}

func truncate(s string) string {
	if len(s) > 1000 {
		return s[:1000] + "...(truncated)"
	}
	return s
}

func (p scriptPrinter) Log(s string)   { p.log.Info("[script] " + truncate(s)) }
func (p scriptPrinter) Warn(s string)  { p.log.Warn("[script] " + truncate(s)) }
func (p scriptPrinter) Error(s string) { p.log.Error("[script] " + truncate(s)) }

// newSandboxedVM returns a runtime with console and util available through
// require, the blocked functions removed and the helper globals installed.
func newSandboxedVM(cfg SandboxConfig, limits ScriptLimits, log *logger.Logger) *goja.Runtime {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	if limits.MaxCallStack > 0 {
		vm.SetMaxCallStackSize(limits.MaxCallStack)
	}

	registry := require.NewRegistry()
	registry.RegisterNativeModule("console", console.RequireWithPrinter(scriptPrinter{log: log}))
	registry.RegisterNativeModule("util", util.Require)
	registry.Enable(vm)
	console.Enable(vm)

	applySandbox(vm, cfg)
	addScriptGlobals(vm)
	return vm
}

func applySandbox(vm *goja.Runtime, cfg SandboxConfig) {
	for _, fn := range cfg.BlockedFunctions {
		vm.GlobalObject().Delete(fn)
	}
	vm.Set("process", goja.Undefined())

	original, ok := goja.AssertFunction(vm.Get("require"))
	if !ok {
		return
	}
	vm.Set("require", func(call goja.FunctionCall) goja.Value {
		name := call.Argument(0).String()
		if !cfg.AllowedModules[name] {
			panic(vm.NewGoError(errors.New("module '" + name + "' is not allowed in sandbox")))
		}
		v, err := original(goja.Undefined(), call.Argument(0))
		if err != nil {
			panic(vm.NewGoError(err))
		}
		return v
	})
}

func addScriptGlobals(vm *goja.Runtime) {
	vm.Set("atob", func(value string) string {
		if d, err := base64.StdEncoding.DecodeString(value); err == nil {
			return string(d)
		}
		return ""
	})
	vm.Set("btoa", func(value string) string {
		return base64.StdEncoding.EncodeToString([]byte(value))
	})
	vm.Set("time_now_unix", func() int64 {
		return time.Now().Unix()
	})
	vm.Set("find_element", func(path string, payload any) any {
		elem := payload
		for _, term := range strings.Split(path, ".") {
			switch v := elem.(type) {
			case []any:
				i, err := strconv.Atoi(term)
				if err != nil || i < 0 || i >= len(v) {
					return nil
				}
				elem = v[i]
			case map[string]any:
				elem = v[term]
			case map[string]string:
				elem = v[term]
			default:
				return nil
			}
		}
		return elem
	})
}
