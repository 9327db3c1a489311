// Package expr compiles the optional condition predicates attached to
// invalidation rules. Conditions are CEL expressions evaluated against each
// candidate cache key, so operators can scope a rule beyond what its glob
// pattern expresses ("engine == 'video' && ageSeconds > 1800.0").
package expr

import (
	"fmt"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
)

// Environment builds and compiles CEL programs against the cache entry
// attributes exposed to rule conditions.
type Environment struct {
	env *cel.Env
}

// NewEnvironment declares the variables a condition may reference: the key
// tuple components plus the entry's age in seconds.
func NewEnvironment() (*Environment, error) {
	env, err := cel.NewEnv(
		cel.Variable("engine", cel.StringType),
		cel.Variable("operation", cel.StringType),
		cel.Variable("fileId", cel.StringType),
		cel.Variable("ageSeconds", cel.DoubleType),
		cel.HomogeneousAggregateLiterals(),
	)
	if err != nil {
		return nil, fmt.Errorf("expr: build environment: %w", err)
	}
	return &Environment{env: env}, nil
}

// Condition wraps a compiled predicate. The zero Condition matches every
// entry its rule's pattern selects.
type Condition struct {
	source  string
	program cel.Program
}

// Compile checks the expression and enforces a boolean result type, so a
// malformed condition is rejected when the rule is added rather than when a
// scheduled tick fires.
func (e *Environment) Compile(expression string) (Condition, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return Condition{}, fmt.Errorf("expr: compile %q: %w", expression, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return Condition{}, fmt.Errorf("expr: condition %q must yield a boolean, got %s", expression, ast.OutputType())
	}
	program, err := e.env.Program(ast)
	if err != nil {
		return Condition{}, fmt.Errorf("expr: program %q: %w", expression, err)
	}
	return Condition{source: expression, program: program}, nil
}

// EntryFacts carries the attributes of one candidate cache entry.
type EntryFacts struct {
	Engine    string
	Operation string
	FileID    string
	Age       time.Duration
}

// Eval runs the condition against one entry. Evaluation errors are reported
// so the caller can count the entry as a non-match instead of widening an
// invalidation's blast radius.
func (c Condition) Eval(facts EntryFacts) (bool, error) {
	if c.program == nil {
		return true, nil
	}
	val, _, err := c.program.Eval(map[string]any{
		"engine":     facts.Engine,
		"operation":  facts.Operation,
		"fileId":     facts.FileID,
		"ageSeconds": facts.Age.Seconds(),
	})
	if err != nil {
		return false, fmt.Errorf("expr: eval %q: %w", c.source, err)
	}
	switch v := val.(type) {
	case types.Bool:
		return bool(v), nil
	case ref.Val:
		if b, ok := v.Value().(bool); ok {
			return b, nil
		}
	}
	return false, fmt.Errorf("expr: %q yielded non-bool result %T", c.source, val)
}

// Source returns the original expression for logs and rule snapshots.
func (c Condition) Source() string { return c.source }
