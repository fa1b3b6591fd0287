// Package tools holds the broker's tool registry: named handlers with JSON
// Schema validated arguments, per-tool config, and an opaque secret store
// whose values are injected into handlers at call time.
//
// The registry never emits stream events. Dispatch and event emission belong
// to the session; the registry only validates and invokes.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/agentfront/enclave/internal/observability"
	"github.com/agentfront/enclave/pkg/wire"
)

// MaxToolNameLength caps tool names at registration and lookup.
const MaxToolNameLength = 256

// Handler executes one tool call. args have already passed schema
// validation; call carries identity and resolved secrets. A returned
// *wire.CodedError keeps its code on the wire; any other error surfaces as
// EXECUTION_ERROR.
type Handler func(ctx context.Context, args map[string]any, call *CallContext) (any, error)

// CallContext is what a handler learns about the invocation.
type CallContext struct {
	SessionID string
	CallID    string

	// Secrets holds the tool's required secrets, resolved at call time.
	// Values never appear in events or logs.
	Secrets map[string]string
}

// Definition declares a tool. Definitions outlive sessions.
type Definition struct {
	Name        string
	Description string

	// ArgsSchema is a JSON Schema object validating the args map. nil
	// accepts anything.
	ArgsSchema map[string]any

	Handler Handler

	// Config is opaque per-tool configuration, readable via Configs.
	Config map[string]any

	// RequiredSecrets lists secret names resolved before each invocation.
	// Any missing secret fails the call with SECRET_ERROR.
	RequiredSecrets []string
}

type registeredTool struct {
	def    Definition
	schema *jsonschema.Schema
}

// Execution is the outcome of one Execute call.
type Execution struct {
	OK       bool
	Value    any
	Error    *wire.ErrorDetail
	Duration time.Duration
}

// Registry is the thread-safe tool and secret store.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]*registeredTool
	secrets map[string]string

	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewRegistry creates an empty registry. logger and metrics may be nil.
func NewRegistry(logger *observability.Logger, metrics *observability.Metrics) *Registry {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	return &Registry{
		tools:   make(map[string]*registeredTool),
		secrets: make(map[string]string),
		logger:  logger,
		metrics: metrics,
	}
}

// Register adds a tool. Names are unique; re-registration is an error. The
// args schema is compiled here so a bad schema never reaches call time.
func (r *Registry) Register(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("tools: definition has no name")
	}
	if len(def.Name) > MaxToolNameLength {
		return fmt.Errorf("tools: name exceeds %d characters", MaxToolNameLength)
	}
	if def.Handler == nil {
		return fmt.Errorf("tools: %s has no handler", def.Name)
	}

	schema, err := compileSchema(def.ArgsSchema)
	if err != nil {
		return fmt.Errorf("tools: compile %s args schema: %w", def.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[def.Name]; exists {
		return fmt.Errorf("tools: %s already registered", def.Name)
	}
	r.tools[def.Name] = &registeredTool{def: def, schema: schema}
	return nil
}

// Unregister removes a tool; unknown names are a no-op.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Has reports whether a tool is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// List returns registered tool names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Configs returns each tool's opaque config keyed by name. Tools without a
// config are omitted.
func (r *Registry) Configs() map[string]map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	configs := make(map[string]map[string]any)
	for name, tool := range r.tools {
		if tool.def.Config != nil {
			configs[name] = tool.def.Config
		}
	}
	return configs
}

// SetSecret stores an opaque secret value.
func (r *Registry) SetSecret(name, value string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.secrets[name] = value
}

// RemoveSecret deletes one secret.
func (r *Registry) RemoveSecret(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.secrets, name)
}

// HasSecret reports whether a secret is stored, without exposing its value.
func (r *Registry) HasSecret(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.secrets[name]
	return ok
}

// ClearSecrets removes every stored secret.
func (r *Registry) ClearSecrets() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.secrets = make(map[string]string)
}

// Validate checks args against a tool's schema without invoking it. The
// returned map is the JSON-normalized copy handlers would receive; the input
// map is never mutated. Unknown tool → UNKNOWN_TOOL, schema failure →
// VALIDATION_ERROR, both as *wire.CodedError.
func (r *Registry) Validate(name string, args map[string]any) (map[string]any, error) {
	r.mu.RLock()
	tool, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, wire.Errorf(wire.CodeUnknownTool, "unknown tool %q", name)
	}
	return validateArgs(tool.schema, name, args)
}

func validateArgs(schema *jsonschema.Schema, name string, args map[string]any) (map[string]any, error) {
	if args == nil {
		args = map[string]any{}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, wire.Errorf(wire.CodeValidationError, "%s args not serializable: %v", name, err)
	}
	var normalized map[string]any
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return nil, wire.Errorf(wire.CodeValidationError, "%s args: %v", name, err)
	}
	// The validator wants the generic decoded shape, not the caller's map.
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, wire.Errorf(wire.CodeValidationError, "%s args: %v", name, err)
	}
	if err := schema.Validate(decoded); err != nil {
		return nil, wire.Errorf(wire.CodeValidationError, "%s args invalid: %v", name, err)
	}
	return normalized, nil
}

// Execute validates args, resolves required secrets, and invokes the
// handler. It never returns a Go error; failures are carried in the
// Execution so callers can map them onto the recoverable/fatal split.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any, call *CallContext) *Execution {
	start := time.Now()

	r.mu.RLock()
	tool, ok := r.tools[name]
	var secrets map[string]string
	var missing []string
	if ok {
		for _, key := range tool.def.RequiredSecrets {
			value, found := r.secrets[key]
			if !found {
				missing = append(missing, key)
				continue
			}
			if secrets == nil {
				secrets = make(map[string]string, len(tool.def.RequiredSecrets))
			}
			secrets[key] = value
		}
	}
	r.mu.RUnlock()

	if !ok {
		return r.failed(name, start, wire.CodeUnknownTool, fmt.Sprintf("unknown tool %q", name))
	}

	validated, err := validateArgs(tool.schema, name, args)
	if err != nil {
		return r.failed(name, start, wire.CodeOf(err), wire.MessageOf(err))
	}

	if len(missing) > 0 {
		return r.failed(name, start, wire.CodeSecretError,
			fmt.Sprintf("%s requires unset secret %q", name, missing[0]))
	}

	if call == nil {
		call = &CallContext{}
	}
	call.Secrets = secrets

	value, err := r.invoke(ctx, tool.def.Handler, validated, call)
	duration := time.Since(start)
	if err != nil {
		code := wire.CodeOf(err)
		if r.metrics != nil {
			r.metrics.RecordToolExecution(name, "error", duration.Seconds())
		}
		r.logger.Debug(ctx, "tool execution failed",
			"tool", name, "code", string(code), "error", err)
		return &Execution{
			Error:    &wire.ErrorDetail{Code: code, Message: wire.MessageOf(err)},
			Duration: duration,
		}
	}

	if r.metrics != nil {
		r.metrics.RecordToolExecution(name, "success", duration.Seconds())
	}
	return &Execution{OK: true, Value: value, Duration: duration}
}

// invoke shields the broker from handler panics; a panicking tool fails its
// call instead of taking the process down.
func (r *Registry) invoke(ctx context.Context, handler Handler, args map[string]any, call *CallContext) (value any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error(ctx, "tool handler panic",
				"panic", fmt.Sprint(rec), "stack", string(debug.Stack()))
			value = nil
			err = wire.Errorf(wire.CodeExecutionError, "tool handler panic: %v", rec)
		}
	}()
	return handler(ctx, args, call)
}

func (r *Registry) failed(name string, start time.Time, code wire.Code, message string) *Execution {
	duration := time.Since(start)
	if r.metrics != nil {
		r.metrics.RecordToolExecution(name, "error", duration.Seconds())
	}
	return &Execution{
		Error:    &wire.ErrorDetail{Code: code, Message: message},
		Duration: duration,
	}
}

var schemaCache sync.Map

// compileSchema compiles an args schema, caching by its canonical JSON. nil
// schemas compile to the accept-everything schema.
func compileSchema(schema map[string]any) (*jsonschema.Schema, error) {
	raw := []byte("{}")
	if schema != nil {
		var err error
		raw, err = json.Marshal(schema)
		if err != nil {
			return nil, fmt.Errorf("encode schema: %w", err)
		}
	}

	key := string(raw)
	if cached, ok := schemaCache.Load(key); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}

	compiled, err := jsonschema.CompileString("args.schema.json", key)
	if err != nil {
		return nil, err
	}
	schemaCache.Store(key, compiled)
	return compiled, nil
}
