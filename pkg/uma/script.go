// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package uma

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// ScriptEvaluator evaluates a policy rule's custom script as a CEL expression
// over the requester's claim set. The claims are accessible via the "claims"
// variable as a map. A script must evaluate to a boolean; anything else, or
// any evaluation error, denies.
type ScriptEvaluator struct {
	env *cel.Env
}

// NewScriptEvaluator constructs the shared CEL environment.
func NewScriptEvaluator() (*ScriptEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("claims", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &ScriptEvaluator{env: env}, nil
}

// Evaluate compiles and runs the script against the claim set.
func (s *ScriptEvaluator) Evaluate(script string, claims map[string]any) (bool, error) {
	ast, issues := s.env.Compile(script)
	if issues != nil && issues.Err() != nil {
		return false, fmt.Errorf("script compilation failed: %w", issues.Err())
	}

	prg, err := s.env.Program(ast)
	if err != nil {
		return false, fmt.Errorf("script program construction failed: %w", err)
	}

	if claims == nil {
		claims = map[string]any{}
	}
	out, _, err := prg.Eval(map[string]any{"claims": claims})
	if err != nil {
		return false, fmt.Errorf("script evaluation failed: %w", err)
	}

	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("script did not evaluate to a boolean")
	}
	return result, nil
}
