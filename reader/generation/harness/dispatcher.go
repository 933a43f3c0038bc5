package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	ports "github.com/ZanzyTHEbar/paper-reader/reader/generation/harness/ports"
	"github.com/rs/zerolog"
)

// ToolExecutor runs model-requested tool calls. Dispatch never returns an error:
// every failure is folded into the ToolResult.
type ToolExecutor interface {
	Specs() []ports.ToolSpec
	Dispatch(ctx context.Context, call ports.ToolCall) ports.ToolResult
}

// Dispatcher is a name-keyed registry of tools.
type Dispatcher struct {
	mu         sync.RWMutex
	tools      map[string]ports.Tool
	order      []string
	guardrails *Guardrails
	tracer     ports.Tracer
	timeout    time.Duration
	logger     zerolog.Logger
}

// NewDispatcher creates an empty registry. guardrails and tracer may be nil.
func NewDispatcher(guardrails *Guardrails, tracer ports.Tracer, timeout time.Duration, logger zerolog.Logger) *Dispatcher {
	if tracer == nil {
		tracer = &noOpTracer{}
	}
	return &Dispatcher{
		tools:      make(map[string]ports.Tool),
		guardrails: guardrails,
		tracer:     tracer,
		timeout:    timeout,
		logger:     logger,
	}
}

// Register adds tools by name. Registering a name twice is an error.
func (d *Dispatcher) Register(tools ...ports.Tool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, t := range tools {
		if _, exists := d.tools[t.Name()]; exists {
			return fmt.Errorf("tool %s already registered", t.Name())
		}
		d.tools[t.Name()] = t
		d.order = append(d.order, t.Name())
	}
	return nil
}

// Has reports whether a tool is registered.
func (d *Dispatcher) Has(name string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.tools[name]
	return ok
}

// Specs lists tool declarations in registration order.
func (d *Dispatcher) Specs() []ports.ToolSpec {
	d.mu.RLock()
	defer d.mu.RUnlock()

	specs := make([]ports.ToolSpec, 0, len(d.order))
	for _, name := range d.order {
		t := d.tools[name]
		specs = append(specs, ports.ToolSpec{
			Name:        t.Name(),
			Description: t.Description(),
			JSONSchema:  t.Schema(),
		})
	}
	return specs
}

// Dispatch validates and runs one call.
func (d *Dispatcher) Dispatch(ctx context.Context, call ports.ToolCall) (result ports.ToolResult) {
	ctx, finish := d.tracer.StartSpan(ctx, "tool_call", map[string]any{"tool": call.Name})
	var runErr error
	defer func() { finish(runErr) }()

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().Str("tool", call.Name).Interface("panic", r).Msg("Tool panicked")
			runErr = fmt.Errorf("tool %s panicked: %v", call.Name, r)
			result = ports.Failed(fmt.Sprintf("tool %s failed unexpectedly", call.Name))
		}
	}()

	d.mu.RLock()
	tool, ok := d.tools[call.Name]
	d.mu.RUnlock()
	if !ok {
		runErr = fmt.Errorf("unknown tool: %s", call.Name)
		return ports.Failed(runErr.Error())
	}

	if len(call.Args) == 0 {
		call.Args = json.RawMessage(`{}`)
	}

	if d.guardrails != nil {
		if err := d.guardrails.ValidateToolCall(call, tool.Schema()); err != nil {
			runErr = err
			d.logger.Warn().Str("tool", call.Name).Err(err).Msg("Tool call rejected")
			return ports.Failed(err.Error())
		}
	}

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	payload, err := tool.Invoke(ctx, call.Args)
	if err != nil {
		runErr = err
		d.logger.Debug().Str("tool", call.Name).Err(err).Msg("Tool returned failure")
		return ports.Failed(err.Error())
	}
	if payload == nil {
		payload = map[string]any{}
	}
	return ports.Succeeded(payload)
}

var _ ToolExecutor = (*Dispatcher)(nil)
