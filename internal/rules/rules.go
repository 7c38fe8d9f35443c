package rules

import (
	"errors"
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rs/zerolog"
)

// Rule is a compiled boolean expression evaluated against a value environment.
type Rule struct {
	ID         string
	Expression string
	Message    string

	program *vm.Program
}

// Definition describes a rule before compilation.
type Definition struct {
	ID         string `yaml:"id"`
	Expression string `yaml:"when"`
	Message    string `yaml:"message,omitempty"`
}

// Compile builds a rule. Unknown identifiers evaluate to nil so rules can be
// shared between streams exposing different fields.
func Compile(def Definition) (*Rule, error) {
	code := strings.TrimSpace(def.Expression)
	if code == "" {
		return nil, errors.New("rule expression must not be empty")
	}
	id := strings.TrimSpace(def.ID)
	if id == "" {
		id = code
	}
	program, err := expr.Compile(code, expr.Env(map[string]interface{}{}), expr.AllowUndefinedVariables(), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile rule %s: %w", id, err)
	}
	return &Rule{ID: id, Expression: code, Message: def.Message, program: program}, nil
}

// CompileAll compiles every definition, failing on the first error.
func CompileAll(defs []Definition) ([]*Rule, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	out := make([]*Rule, 0, len(defs))
	for _, def := range defs {
		rule, err := Compile(def)
		if err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	return out, nil
}

// Match evaluates the rule.
func (r *Rule) Match(env map[string]interface{}) (bool, error) {
	if r == nil || r.program == nil {
		return false, nil
	}
	result, err := expr.Run(r.program, env)
	if err != nil {
		return false, fmt.Errorf("evaluate rule %s: %w", r.ID, err)
	}
	matched, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("rule %s returned %T, expected bool", r.ID, result)
	}
	return matched, nil
}

// Set evaluates a group of rules and logs every match as a warning.
type Set struct {
	rules  []*Rule
	logger zerolog.Logger
}

// NewSet wraps compiled rules.
func NewSet(rules []*Rule, logger zerolog.Logger) *Set {
	return &Set{rules: rules, logger: logger}
}

// Len returns the number of rules in the set.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.rules)
}

// Evaluate runs every rule against env and returns the IDs that matched.
// Evaluation errors are logged and never abort the remaining rules.
func (s *Set) Evaluate(env map[string]interface{}) []string {
	if s == nil || len(s.rules) == 0 {
		return nil
	}
	var matched []string
	for _, rule := range s.rules {
		ok, err := rule.Match(env)
		if err != nil {
			s.logger.Debug().Err(err).Str("rule", rule.ID).Msg("rule evaluation failed")
			continue
		}
		if !ok {
			continue
		}
		matched = append(matched, rule.ID)
		event := s.logger.Warn().Str("rule", rule.ID).Fields(env)
		if rule.Message != "" {
			event.Msg(rule.Message)
		} else {
			event.Msg("rule matched")
		}
	}
	return matched
}
