// Package policy gates macro execution: before the engine hands a macro to
// the sandbox, the macro's declared capabilities are evaluated against Rego
// policies. A denial rejects the submission before any script runs.
package policy

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"
)

// Severity classifies a violation.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Policy is one named Rego rule set evaluated against macro submissions.
type Policy struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Rego        string `json:"rego"`
	Enabled     bool   `json:"enabled"`
}

// Violation is a single denial produced by a policy.
type Violation struct {
	Policy   string   `json:"policy"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// MacroInput is the document policies evaluate.
type MacroInput struct {
	Macro   MacroFacts `json:"macro"`
	Context EvalContext `json:"context"`
}

// MacroFacts describes the macro under evaluation.
type MacroFacts struct {
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities"`
	InstanceUUID string   `json:"instance_uuid"`
	SourceBytes  int      `json:"source_bytes"`
}

// EvalContext carries evaluation metadata.
type EvalContext struct {
	Timestamp time.Time `json:"timestamp"`
}

// Result is the outcome of evaluating all enabled policies.
type Result struct {
	Allowed    bool        `json:"allowed"`
	Violations []Violation `json:"violations,omitempty"`
}

// Engine evaluates macro submissions against compiled policies.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	logger   zerolog.Logger
}

type compiledPolicy struct {
	policy Policy
	query  rego.PreparedEvalQuery
}

// NewEngine creates an engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}

	for _, p := range BuiltinPolicies() {
		if err := e.Load(context.Background(), p); err != nil {
			return nil, fmt.Errorf("failed to load built-in policy %s: %w", p.Name, err)
		}
	}
	return e, nil
}

// Load compiles and registers a policy, replacing any policy with the
// same name.
func (e *Engine) Load(ctx context.Context, p Policy) error {
	pkg := extractPackageName(p.Rego)
	if pkg == "" {
		return fmt.Errorf("policy %s has no package declaration", p.Name)
	}

	query, err := rego.New(
		rego.Module(p.Name, p.Rego),
		rego.Query(fmt.Sprintf("data.%s.deny", pkg)),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
	}

	e.mu.Lock()
	e.policies[p.Name] = &compiledPolicy{policy: p, query: query}
	e.mu.Unlock()

	e.logger.Debug().Str("policy", p.Name).Msg("Policy compiled")
	return nil
}

// Evaluate runs all enabled policies against a macro submission. The macro
// is allowed only if no error-severity violation was produced.
func (e *Engine) Evaluate(ctx context.Context, facts MacroFacts) (*Result, error) {
	input := MacroInput{
		Macro:   facts,
		Context: EvalContext{Timestamp: time.Now()},
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	result := &Result{Allowed: true}
	for _, cp := range e.policies {
		if !cp.policy.Enabled {
			continue
		}

		rs, err := cp.query.Eval(ctx, rego.EvalInput(input))
		if err != nil {
			return nil, fmt.Errorf("policy %s evaluation failed: %w", cp.policy.Name, err)
		}

		for _, violation := range denials(cp.policy.Name, rs) {
			result.Violations = append(result.Violations, violation)
			if violation.Severity == SeverityError {
				result.Allowed = false
			}
		}
	}
	return result, nil
}

// denials flattens a rego result set into violations.
func denials(policyName string, rs rego.ResultSet) []Violation {
	var out []Violation
	for _, result := range rs {
		for _, expr := range result.Expressions {
			set, ok := expr.Value.([]any)
			if !ok {
				continue
			}
			for _, d := range set {
				v := Violation{Policy: policyName, Severity: SeverityError}
				if m, ok := d.(map[string]any); ok {
					if msg, ok := m["message"].(string); ok {
						v.Message = msg
					}
					if sev, ok := m["severity"].(string); ok {
						v.Severity = Severity(sev)
					}
				} else {
					v.Message = fmt.Sprintf("%v", d)
				}
				out = append(out, v)
			}
		}
	}
	return out
}

var packageRe = regexp.MustCompile(`(?m)^package\s+([\w.]+)`)

func extractPackageName(module string) string {
	m := packageRe.FindStringSubmatch(module)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}
