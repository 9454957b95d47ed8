package bundle

import (
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/decls"
	"github.com/google/cel-go/common/types"
)

// MatcherValidator parses and type-checks access-rule CEL matcher
// expressions at bundle-build time. It never evaluates them — evaluation
// against a real caller's claims is an enforcement point's job — so it
// holds an *cel.Env and nothing else.
type MatcherValidator struct {
	env *cel.Env
}

// NewMatcherValidator builds the fixed CEL environment access-rule
// matchers are checked against: principal claims, identity, service, and
// tool, the shape every matcher in this bundle format may reference.
func NewMatcherValidator() (*MatcherValidator, error) {
	env, err := cel.NewEnv(
		cel.VariableDecls(
			decls.NewVariable("claims", types.NewMapType(types.StringType, types.DynType)),
			decls.NewVariable("identity", types.StringType),
			decls.NewVariable("service", types.StringType),
			decls.NewVariable("tool", types.StringType),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("cel env: %w", err)
	}
	return &MatcherValidator{env: env}, nil
}

// Validate parses and type-checks expr, returning an error describing the
// first compilation issue if it is not a well-formed boolean predicate.
func (v *MatcherValidator) Validate(expr string) error {
	ast, issues := v.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("invalid matcher expression: %w", issues.Err())
	}
	if ast.OutputType() != types.BoolType {
		return fmt.Errorf("matcher expression must evaluate to bool, got %s", ast.OutputType())
	}
	return nil
}
