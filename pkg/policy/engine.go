package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/storage/inmem"
	"github.com/rs/zerolog"

	"github.com/fleetctl/odc/pkg/fault"
	"github.com/fleetctl/odc/pkg/rms"
)

// Engine admits resource submissions by evaluating Rego deny rules.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*Policy
	limits   Limits
	query    rego.PreparedEvalQuery
	logger   zerolog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLimits sets the data document policies evaluate against.
func WithLimits(l Limits) Option {
	return func(e *Engine) {
		e.limits = l
	}
}

// NewEngine creates a policy engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger, opts ...Option) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*Policy),
		limits:   DefaultLimits(),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}

	for _, p := range GetBuiltinPolicies() {
		e.policies[p.Name] = &p
	}

	if err := e.prepare(context.Background(), e.policies, e.limits); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}

	e.logger.Debug().
		Int("count", len(e.policies)).
		Int("max_workers", e.limits.MaxWorkers).
		Msg("Built-in policies loaded")

	return e, nil
}

// prepare compiles the enabled policies into one query. The caller holds mu
// or owns e exclusively.
func (e *Engine) prepare(ctx context.Context, policies map[string]*Policy, limits Limits) error {
	data, err := limitsDocument(limits)
	if err != nil {
		return err
	}

	opts := []func(*rego.Rego){
		rego.Query("data." + Package + ".deny"),
		rego.Store(inmem.NewFromObject(data)),
	}
	for _, name := range sortedNames(policies) {
		p := policies[name]
		if !p.Enabled {
			continue
		}
		opts = append(opts, rego.Module(p.Name+".rego", p.Rego))
	}

	query, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to compile policies: %w", err)
	}

	e.query = query
	return nil
}

func limitsDocument(l Limits) (map[string]interface{}, error) {
	if l.AllowedRMS == nil {
		l.AllowedRMS = []string{}
	}
	raw, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	var limits map[string]interface{}
	if err := json.Unmarshal(raw, &limits); err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"odc": map[string]interface{}{"limits": limits},
	}, nil
}

func sortedNames(policies map[string]*Policy) []string {
	names := make([]string, 0, len(policies))
	for name := range policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// EvaluateSubmission evaluates every enabled policy against req.
func (e *Engine) EvaluateSubmission(ctx context.Context, req rms.SubmitRequest) (*Decision, error) {
	start := time.Now()

	e.mu.RLock()
	query := e.query
	defaults := make(map[string]Severity, len(e.policies))
	for name, p := range e.policies {
		defaults[name] = p.Severity
	}
	e.mu.RUnlock()

	input := Input{
		Submission: Submission{
			RMS:        req.RMS,
			Instances:  req.Instances,
			Slots:      req.Slots,
			Total:      req.Total(),
			ConfigFile: req.ConfigFile,
		},
		Context: Context{
			Timestamp: start,
			Operation: "submit",
		},
	}

	results, err := query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, toViolation(d, defaults))
		}
	}
	sort.Slice(violations, func(i, j int) bool {
		return violations[i].Message < violations[j].Message
	})

	decision := &Decision{
		Allowed:     true,
		Violations:  violations,
		EvaluatedAt: time.Now(),
		Duration:    time.Since(start),
	}
	for _, v := range violations {
		if v.Severity == SeverityError {
			decision.Allowed = false
			break
		}
	}

	e.logger.Debug().
		Str("rms", req.RMS).
		Int("total", req.Total()).
		Bool("allowed", decision.Allowed).
		Int("violations", len(violations)).
		Dur("duration", decision.Duration).
		Msg("Submission policy evaluation completed")

	return decision, nil
}

func toViolation(result interface{}, defaults map[string]Severity) Violation {
	var v Violation
	switch r := result.(type) {
	case string:
		v.Message = r
	case map[string]interface{}:
		v.Message, _ = r["message"].(string)
		v.Policy, _ = r["policy"].(string)
		if sev, ok := r["severity"].(string); ok {
			v.Severity = Severity(sev)
		}
	default:
		v.Message = fmt.Sprintf("%v", result)
	}
	if v.Severity == "" {
		v.Severity = defaults[v.Policy]
	}
	if v.Severity == "" {
		v.Severity = SeverityWarning
	}
	return v
}

// AdmitSubmission returns a policy fault when any error-severity rule denies
// req. Warnings are logged and admitted.
func (e *Engine) AdmitSubmission(ctx context.Context, req rms.SubmitRequest) error {
	decision, err := e.EvaluateSubmission(ctx, req)
	if err != nil {
		return fault.Policy("failed to evaluate submission policies", err).WithOp("admit")
	}

	for _, v := range decision.Violations {
		if v.Severity != SeverityError {
			e.logger.Warn().Str("policy", v.Policy).Msg(v.Message)
		}
	}

	if blocking := decision.Blocking(); len(blocking) > 0 {
		e.logger.Error().Strs("violations", blocking).Msg("Submission denied by policy")
		return fault.Policy("submission denied "+fault.Join(blocking), nil).
			WithOp("admit").
			WithDetail("violations", decision.Violations)
	}
	return nil
}

// LoadPolicies adds the policies found at paths, replacing same-named ones.
// Nothing changes if any of them fails to compile.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := NewLoader(e.logger).LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.apply(ctx, policies)
}

func (e *Engine) apply(ctx context.Context, loaded []Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	next := make(map[string]*Policy, len(e.policies)+len(loaded))
	for name, p := range e.policies {
		next[name] = p
	}
	for i := range loaded {
		p := loaded[i]
		next[p.Name] = &p
	}

	if err := e.prepare(ctx, next, e.limits); err != nil {
		return err
	}
	e.policies = next

	e.logger.Info().
		Int("loaded", len(loaded)).
		Int("total", len(next)).
		Msg("Policies loaded successfully")
	return nil
}

// Watch loads the policies at paths and reloads them whenever they change,
// until ctx ends.
func (e *Engine) Watch(ctx context.Context, paths []string) error {
	if err := e.LoadPolicies(ctx, paths); err != nil {
		return err
	}
	return NewLoader(e.logger).Watch(ctx, paths, func(policies []Policy) error {
		return e.apply(ctx, policies)
	})
}

// SetLimits replaces the data document and recompiles.
func (e *Engine) SetLimits(ctx context.Context, l Limits) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.prepare(ctx, e.policies, l); err != nil {
		return err
	}
	e.limits = l
	return nil
}

// Limits returns the current data document.
func (e *Engine) Limits() Limits {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.limits
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	p, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	cp := *p
	return &cp, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, name := range sortedNames(e.policies) {
		policies = append(policies, *e.policies[name])
	}
	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(ctx context.Context, name string) error {
	return e.setEnabled(ctx, name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(ctx context.Context, name string) error {
	return e.setEnabled(ctx, name, false)
}

func (e *Engine) setEnabled(ctx context.Context, name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}

	next := make(map[string]*Policy, len(e.policies))
	for n, q := range e.policies {
		next[n] = q
	}
	updated := *p
	updated.Enabled = enabled
	next[name] = &updated

	if err := e.prepare(ctx, next, e.limits); err != nil {
		return err
	}
	e.policies = next

	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")
	return nil
}
