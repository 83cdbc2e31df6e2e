package plugins

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/arturoeanton/nflow-automate/cache"
	"github.com/arturoeanton/nflow-automate/engine"
	"github.com/arturoeanton/nflow-automate/logger"
	"github.com/arturoeanton/nflow-automate/model"
	"github.com/arturoeanton/nflow-automate/security/analyzer"
	"github.com/bytedance/sonic"
	"github.com/dop251/goja"
)

// programCache keeps compiled scripts by source text.
var programCache = cache.New[string, *goja.Program](time.Hour)

// ScriptConnector runs JavaScript with goja. The script defines
// main(vars) and its return value becomes output "result"; strings are kept
// as is and anything else is JSON encoded.
//
// Sources go through the static analyzer before they are compiled; set
// BlockSeverity to "off" to skip it.
type ScriptConnector struct {
	limits   ScriptLimits
	sandbox  SandboxConfig
	analyzer *analyzer.Analyzer
}

func NewScriptConnector(cfg engine.ScriptConfig) *ScriptConnector {
	limits := DefaultScriptLimits()
	if cfg.MaxExecution > 0 {
		limits.MaxExecution = cfg.MaxExecution
	}
	c := &ScriptConnector{limits: limits, sandbox: DefaultSandboxConfig()}
	if cfg.BlockSeverity != "off" {
		c.analyzer = analyzer.New()
		if cfg.BlockSeverity != "" {
			if err := c.analyzer.SetBlocking(cfg.BlockSeverity); err != nil {
				logger.Warn("script analyzer: keeping default severity", logger.Err(err))
			}
		}
	}
	return c
}

func (*ScriptConnector) RequiresCredential() bool { return false }

func compileScript(code string) (*goja.Program, error) {
	return programCache.GetOrCompute(code, func() (*goja.Program, error) {
		return goja.Compile("script", code, false)
	})
}

func (c *ScriptConnector) Invoke(ctx context.Context, inv engine.Invocation) (engine.Ack, error) {
	cfg, ok := inv.Config.(model.ScriptConfig)
	if !ok {
		return engine.Ack{}, configError(inv)
	}
	if c.analyzer != nil {
		if err := c.analyzer.Check(cfg.Code); err != nil {
			return engine.Ack{}, err
		}
	}
	program, err := compileScript(cfg.Code)
	if err != nil {
		return engine.Ack{}, fmt.Errorf("script: %w", err)
	}

	log := logger.With("workflow", inv.WorkflowID, "node", inv.NodeID)
	vm := newSandboxedVM(c.sandbox, c.limits, log)

	done := make(chan struct{})
	defer close(done)
	var cause error
	var timeout <-chan time.Time
	if c.limits.MaxExecution > 0 {
		timer := time.NewTimer(c.limits.MaxExecution)
		defer timer.Stop()
		timeout = timer.C
	}
	interrupted := make(chan struct{})
	go func() {
		defer close(interrupted)
		select {
		case <-ctx.Done():
			cause = ctx.Err()
		case <-timeout:
			cause = ErrTimeLimitExceeded
		case <-done:
			return
		}
		vm.Interrupt(cause)
	}()

	result, err := c.run(vm, program, inv.Variables)
	if err != nil {
		var ierr *goja.InterruptedError
		if errors.As(err, &ierr) {
			// the watcher set cause before interrupting
			<-interrupted
			if cause == nil {
				cause = ErrExecutionInterrupted
			}
			return engine.Ack{}, fmt.Errorf("script: %w", cause)
		}
		return engine.Ack{}, fmt.Errorf("script: %w", err)
	}
	return engine.Ack{Outputs: map[string]string{"result": result}}, nil
}

func (c *ScriptConnector) run(vm *goja.Runtime, program *goja.Program, vars map[string]string) (string, error) {
	if _, err := vm.RunProgram(program); err != nil {
		return "", err
	}
	main, ok := goja.AssertFunction(vm.Get("main"))
	if !ok {
		return "", errors.New("main function not defined")
	}
	if vars == nil {
		vars = map[string]string{}
	}
	v, err := main(goja.Undefined(), vm.ToValue(vars))
	if err != nil {
		return "", err
	}
	return exportResult(v)
}

func exportResult(v goja.Value) (string, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return "", nil
	}
	exported := v.Export()
	if s, ok := exported.(string); ok {
		return s, nil
	}
	out, err := sonic.Marshal(exported)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
