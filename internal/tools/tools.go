// Package tools holds the tool registry and the invocation arbiter that
// enforces policy on every call before it reaches a capability.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/basket/researchd/internal/job"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Effect declares a capability's domain of effect.
type Effect string

const (
	// EffectNone marks capabilities without externally visible side effects.
	EffectNone Effect = "none"
	// EffectNetwork marks capabilities that reach out over the network; their
	// target domain is policy-checked per call.
	EffectNetwork Effect = "network"
)

// Output is the result of one successful capability invocation.
type Output struct {
	Data       string
	Citations  []job.Citation
	TokensUsed int
}

// Capability is a callable tool implementation. Implementations classify
// non-retryable failures by wrapping them with Permanent.
type Capability interface {
	Invoke(ctx context.Context, input string) (Output, error)
}

// CapabilityFunc adapts a function to the Capability interface.
type CapabilityFunc func(ctx context.Context, input string) (Output, error)

func (f CapabilityFunc) Invoke(ctx context.Context, input string) (Output, error) {
	return f(ctx, input)
}

// Descriptor is the statically-typed contract a tool registers under:
// name, effect domain, and JSON Schemas for input and output payloads.
// Schemas are compiled at registration; invalid schemas fail Register.
type Descriptor struct {
	Name         string
	Effect       Effect
	InputSchema  json.RawMessage
	OutputSchema json.RawMessage
}

type registeredTool struct {
	desc        Descriptor
	capability  Capability
	inputSchema *jsonschema.Schema
}

// Config holds arbiter tuning. Zero values fall back to defaults.
type Config struct {
	// CallTimeout bounds one capability attempt. Default 30s.
	CallTimeout time.Duration
	// MaxAttempts bounds retries of transient failures. Default 3.
	MaxAttempts int
	// RetryBaseDelay seeds the exponential backoff. Default 1s.
	RetryBaseDelay time.Duration
	Logger         *slog.Logger
}

const (
	defaultCallTimeout    = 30 * time.Second
	defaultMaxAttempts    = 3
	defaultRetryBaseDelay = 1 * time.Second
	retryMaxDelay         = 30 * time.Second
)

// Registry maps tool names to registered capabilities and arbitrates every
// invocation through the policy engine.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]*registeredTool
	cfg    Config
	logger *slog.Logger
}

// NewRegistry creates an empty registry with the given arbiter config.
func NewRegistry(cfg Config) *Registry {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = defaultRetryBaseDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:  make(map[string]*registeredTool),
		cfg:    cfg,
		logger: logger,
	}
}

// Register binds a capability under its descriptor. The input schema is
// compiled here so malformed contracts are rejected at registration time,
// not on the first call.
func (r *Registry) Register(desc Descriptor, capability Capability) error {
	name := strings.ToLower(strings.TrimSpace(desc.Name))
	if name == "" {
		return fmt.Errorf("register tool: empty name")
	}
	if capability == nil {
		return fmt.Errorf("register tool %q: nil capability", name)
	}
	var compiled *jsonschema.Schema
	if len(desc.InputSchema) > 0 {
		var err error
		compiled, err = compileSchema(name, desc.InputSchema)
		if err != nil {
			return fmt.Errorf("register tool %q: %w", name, err)
		}
	}
	if len(desc.OutputSchema) > 0 {
		// Output schemas are validated for well-formedness only; outputs are
		// produced by trusted capabilities.
		if _, err := compileSchema(name+"-output", desc.OutputSchema); err != nil {
			return fmt.Errorf("register tool %q: %w", name, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("register tool %q: already registered", name)
	}
	desc.Name = name
	r.tools[name] = &registeredTool{desc: desc, capability: capability, inputSchema: compiled}
	return nil
}

// Lookup returns the descriptor for a registered tool.
func (r *Registry) Lookup(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Descriptor{}, false
	}
	return t.desc, true
}

// Names lists registered tool names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	return out
}

func (r *Registry) lookupTool(name string) (*registeredTool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[strings.ToLower(strings.TrimSpace(name))]
	return t, ok
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema JSON: %w", err)
	}
	c := jsonschema.NewCompiler()
	resource := name + ".schema.json"
	if err := c.AddResource(resource, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

func validateInput(schema *jsonschema.Schema, input string) error {
	if schema == nil {
		return nil
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(input))
	if err != nil {
		return fmt.Errorf("input is not valid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("input schema validation: %w", err)
	}
	return nil
}
