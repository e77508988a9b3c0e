package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/storage"
	"github.com/open-policy-agent/opa/v1/storage/inmem"
	"github.com/rs/zerolog"

	"github.com/fnforge/fnforge/pkg/deploy"
)

var _ deploy.Admission = (*Engine)(nil)

// Engine gates deploys on a set of compiled Rego policies: the built-ins
// plus whatever LoadPolicies or Watch picked up from disk.
type Engine struct {
	logger zerolog.Logger
	store  storage.Store
	loader *Loader

	mu       sync.RWMutex
	active   map[string]*compiledPolicy
	order    []string
	disabled map[string]bool
}

type compiledPolicy struct {
	policy Policy
	query  rego.PreparedEvalQuery
}

// NewEngine compiles the built-in policies. It fails only if a built-in
// does not compile.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		logger:   logger.With().Str("component", "policy-engine").Logger(),
		store:    inmem.New(),
		active:   make(map[string]*compiledPolicy),
		disabled: make(map[string]bool),
	}
	e.loader = NewLoader(e.logger)

	builtins, err := e.compileAll(context.Background(), GetBuiltinPolicies())
	if err != nil {
		return nil, fmt.Errorf("failed to compile built-in policies: %w", err)
	}
	e.install(builtins)
	e.logger.Info().Int("policies", len(builtins)).Msg("Built-in policies ready")
	return e, nil
}

// compile parses one policy and prepares a query for the deny set of its
// package.
func (e *Engine) compile(ctx context.Context, p Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(p.Name+".rego", p.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy %s: %w", p.Name, err)
	}

	query, err := rego.New(
		rego.ParsedModule(module),
		rego.Store(e.store),
		rego.Query(module.Package.Path.String()+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare policy %s: %w", p.Name, err)
	}
	return &compiledPolicy{policy: p, query: query}, nil
}

func (e *Engine) compileAll(ctx context.Context, policies []Policy) ([]*compiledPolicy, error) {
	out := make([]*compiledPolicy, 0, len(policies))
	for _, p := range policies {
		cp, err := e.compile(ctx, p)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

// install adds compiled policies to the active set, applying the disabled
// list. Callers hold e.mu or own e exclusively.
func (e *Engine) install(policies []*compiledPolicy) {
	for _, cp := range policies {
		if e.disabled[cp.policy.Name] {
			cp.policy.Enabled = false
		}
		e.active[cp.policy.Name] = cp
	}
	e.order = e.order[:0]
	for name := range e.active {
		e.order = append(e.order, name)
	}
	sort.Strings(e.order)
}

// Evaluate runs every enabled policy, in name order, against the admission
// input. An evaluation error fails the whole call so admission fails closed.
func (e *Engine) Evaluate(ctx context.Context, in deploy.AdmissionInput) (*Result, error) {
	start := time.Now()
	doc := &Input{
		Function: in.Function,
		Deploy:   in.Deploy,
		Context:  Context{Timestamp: start, Operation: "deploy"},
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	result := &Result{Allowed: true, EvaluatedPolicies: []string{}}
	for _, name := range e.order {
		cp := e.active[name]
		if !cp.policy.Enabled {
			continue
		}
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, name)

		found, err := cp.violations(ctx, doc)
		if err != nil {
			e.logger.Error().Err(err).Str("policy", name).Str("function_id", in.Function.ID).Msg("Policy evaluation failed")
			return nil, fmt.Errorf("policy %s evaluation failed: %w", name, err)
		}
		for _, v := range found {
			if v.Severity.Blocks() {
				result.Allowed = false
				result.Violations = append(result.Violations, v)
				continue
			}
			result.Warnings = append(result.Warnings, v)
		}
	}

	result.EvaluatedAt = time.Now()
	result.Duration = result.EvaluatedAt.Sub(start)

	e.logger.Debug().
		Str("function_id", in.Function.ID).
		Bool("allowed", result.Allowed).
		Int("violations", len(result.Violations)).
		Int("warnings", len(result.Warnings)).
		Dur("took", result.Duration).
		Msg("Admission evaluated")
	return result, nil
}

// violations evaluates the deny set. Each element is either a message
// string or an object with message, severity and remediation keys.
func (cp *compiledPolicy) violations(ctx context.Context, doc *Input) ([]Violation, error) {
	rs, err := cp.query.Eval(ctx, rego.EvalInput(doc))
	if err != nil {
		return nil, err
	}

	var out []Violation
	for _, r := range rs {
		if len(r.Expressions) == 0 {
			continue
		}
		denies, ok := r.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denies {
			v := Violation{Policy: cp.policy.Name, FunctionID: doc.Function.ID, Severity: cp.policy.Severity}
			switch d := d.(type) {
			case string:
				v.Message = d
			case map[string]interface{}:
				v.Message, _ = d["message"].(string)
				v.Remediation, _ = d["remediation"].(string)
				if sev, ok := d["severity"].(string); ok {
					v.Severity = Severity(sev)
				}
			default:
				v.Message = fmt.Sprint(d)
			}
			out = append(out, v)
		}
	}
	return out, nil
}

// Admit returns blocking violations first, then warnings. Warnings never
// deny a deploy.
func (e *Engine) Admit(ctx context.Context, in deploy.AdmissionInput) (*deploy.AdmissionDecision, error) {
	result, err := e.Evaluate(ctx, in)
	if err != nil {
		return nil, err
	}

	decision := &deploy.AdmissionDecision{Allowed: result.Allowed}
	for _, group := range [][]Violation{result.Violations, result.Warnings} {
		for _, v := range group {
			decision.Violations = append(decision.Violations, deploy.AdmissionViolation{
				Policy:   v.Policy,
				Message:  v.Message,
				Severity: string(v.Severity),
			})
		}
	}
	return decision, nil
}

// LoadPolicies adds the policies found under paths to the active set.
// Nothing is added if any of them fails to compile.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := e.loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return err
	}
	compiled, err := e.compileAll(ctx, policies)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.install(compiled)
	e.mu.Unlock()

	e.logger.Info().Int("policies", len(compiled)).Msg("Policy files loaded")
	return nil
}

// Watch reloads the policies under paths whenever a file there changes.
// It stops when ctx is cancelled.
func (e *Engine) Watch(ctx context.Context, paths []string) error {
	return e.loader.Watch(ctx, paths, func(policies []Policy) error {
		return e.replaceCustom(ctx, policies)
	})
}

// replaceCustom swaps every file policy for policies and keeps the
// built-ins. On a compile error the active set is left untouched.
func (e *Engine) replaceCustom(ctx context.Context, policies []Policy) error {
	compiled, err := e.compileAll(ctx, policies)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for name, cp := range e.active {
		if !cp.policy.Builtin {
			delete(e.active, name)
		}
	}
	e.install(compiled)
	return nil
}

// ReloadPolicies drops every file policy and recompiles the built-ins.
// Disabled policies stay disabled.
func (e *Engine) ReloadPolicies(ctx context.Context) error {
	builtins, err := e.compileAll(ctx, GetBuiltinPolicies())
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.active = make(map[string]*compiledPolicy, len(builtins))
	e.install(builtins)
	e.loader.ClearCache()
	return nil
}

// GetPolicy returns a copy of the named policy.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, ok := e.active[name]
	if !ok {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	p := cp.policy
	return &p, nil
}

// ListPolicies returns every policy, enabled or not, sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Policy, 0, len(e.order))
	for _, name := range e.order {
		out = append(out, e.active[name].policy)
	}
	return out
}

func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy switches a policy off. It stays off across reloads.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, ok := e.active[name]
	if !ok {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = enabled
	if enabled {
		delete(e.disabled, name)
	} else {
		e.disabled[name] = true
	}
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")
	return nil
}
