package expressions

import (
	"context"
	"strings"
	"sync"

	"github.com/rendis/procflow/pkg/schema"
)

// Engine evaluates expressions for script activities and mappings.
// Four implementations: the builtin condition dialect, CEL, Expr and GoJQ.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// DefaultDialect is the engine used when a script declares no language.
const DefaultDialect = "expression"

// Registry resolves script language tags to engines.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]Engine
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{engines: make(map[string]Engine)}
}

// NewDefaultRegistry creates a Registry with all built-in engines registered.
// The CEL engine is skipped if its environment fails to build.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(&DialectEngine{Resolver: DefaultResolver{}})
	r.Register(NewExprEngine())
	r.Register(NewGoJQEngine())
	if cel, err := NewCELEngine(); err == nil {
		r.Register(cel)
	}
	return r
}

// Register adds an engine under its Name.
func (r *Registry) Register(e Engine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engines[e.Name()] = e
}

// Get returns the engine for the given language tag.
func (r *Registry) Get(language string) (Engine, error) {
	if language == "" {
		language = DefaultDialect
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.engines[language]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown script language: %s", language)
	}
	return e, nil
}

// DialectEngine adapts the builtin condition dialect to the Engine interface.
// The data map's "vars" and "input" keys feed the resolver environment; the
// expression resolves as a single operand unless it contains a comparison
// operator, in which case it evaluates to a bool.
type DialectEngine struct {
	Resolver Resolver
}

// Name returns the engine identifier.
func (e *DialectEngine) Name() string { return DefaultDialect }

// Evaluate resolves the expression against the environment.
func (e *DialectEngine) Evaluate(_ context.Context, expression string, data map[string]any) (any, error) {
	env := envFromData(data)
	for _, op := range operators {
		if strings.Contains(expression, op) {
			return Evaluate(expression, env, e.Resolver)
		}
	}
	return ResolveValue(expression, env, e.Resolver)
}

// envFromData builds the resolver environment from the generic data map.
func envFromData(data map[string]any) Env {
	env := Env{}
	if v, ok := data["vars"].(map[string]any); ok {
		env.Variables = v
	}
	if v, ok := data["input"].(map[string]any); ok {
		env.Input = v
	}
	return env
}
