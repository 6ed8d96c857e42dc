// Package engine evaluates the session admission policy with OPA Rego.
package engine

import (
	"context"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
)

const (
	allowQuery  = "data.authcore.session.allow"
	reasonQuery = "data.authcore.session.reason"
)

// DefaultRegoPolicy admits active identities holding a known role.
const DefaultRegoPolicy = `package authcore.session

default allow := false

permitted_roles := {"user", "admin"}

role_permitted if permitted_roles[input.user.role]

allow if {
	input.user.status == "active"
	role_permitted
}

reason := "account_inactive" if {
	input.user.status != "active"
}

reason := "role_not_permitted" if {
	input.user.status == "active"
	not role_permitted
}
`

// OPAEvaluator evaluates the session policy. The module is compiled once; queries are prepared
// at construction and safe for concurrent use.
type OPAEvaluator struct {
	allow  rego.PreparedEvalQuery
	reason rego.PreparedEvalQuery
}

// NewOPAEvaluator compiles policy (Rego source in package authcore.session). An empty policy
// selects DefaultRegoPolicy.
func NewOPAEvaluator(ctx context.Context, policy string) (*OPAEvaluator, error) {
	if policy == "" {
		policy = DefaultRegoPolicy
	}
	compiler, err := ast.CompileModules(map[string]string{"session.rego": policy})
	if err != nil {
		return nil, fmt.Errorf("compile session policy: %w", err)
	}
	allow, err := rego.New(rego.Query(allowQuery), rego.Compiler(compiler)).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare %s: %w", allowQuery, err)
	}
	reason, err := rego.New(rego.Query(reasonQuery), rego.Compiler(compiler)).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare %s: %w", reasonQuery, err)
	}
	return &OPAEvaluator{allow: allow, reason: reason}, nil
}

// NewOPAEvaluatorFromFile reads the policy from path, or uses DefaultRegoPolicy when path is empty.
func NewOPAEvaluatorFromFile(ctx context.Context, path string) (*OPAEvaluator, error) {
	if path == "" {
		return NewOPAEvaluator(ctx, "")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read session policy: %w", err)
	}
	return NewOPAEvaluator(ctx, string(b))
}

// EvaluateSession returns the policy decision for in. An undefined allow counts as deny.
func (e *OPAEvaluator) EvaluateSession(ctx context.Context, in SessionInput) (Decision, error) {
	input := buildInput(in)
	rs, err := e.allow.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return Decision{}, fmt.Errorf("eval session policy: %w", err)
	}
	var d Decision
	if len(rs) > 0 && len(rs[0].Expressions) > 0 {
		d.Allow, _ = rs[0].Expressions[0].Value.(bool)
	}
	if d.Allow {
		return d, nil
	}
	rs, err = e.reason.Eval(ctx, rego.EvalInput(input))
	if err == nil && len(rs) > 0 && len(rs[0].Expressions) > 0 {
		d.Reason, _ = rs[0].Expressions[0].Value.(string)
	}
	if d.Reason == "" {
		d.Reason = "denied_by_policy"
	}
	return d, nil
}

// HealthCheck verifies that the compiled policy evaluates to a boolean for a minimal input.
func (e *OPAEvaluator) HealthCheck(ctx context.Context) error {
	rs, err := e.allow.Eval(ctx, rego.EvalInput(buildInput(SessionInput{Operation: OperationLogin, Role: "user", Status: "active"})))
	if err != nil {
		return fmt.Errorf("eval session policy: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return fmt.Errorf("policy query returned no result")
	}
	if _, ok := rs[0].Expressions[0].Value.(bool); !ok {
		return fmt.Errorf("policy allow is %T, want bool", rs[0].Expressions[0].Value)
	}
	return nil
}

func buildInput(in SessionInput) map[string]interface{} {
	return map[string]interface{}{
		"operation": in.Operation,
		"user": map[string]interface{}{
			"id":     in.UserID,
			"role":   in.Role,
			"status": in.Status,
		},
	}
}
