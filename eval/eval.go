package eval

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"
	"github.com/expr-lang/expr/vm"

	"github.com/tmerz/assetcalc/series"
)

// EvaluationReason classifies runtime evaluation failures.
type EvaluationReason string

const (
	// ReasonMissingBinding marks an identifier with no bound value.
	ReasonMissingBinding EvaluationReason = "missing_binding"
	// ReasonDivisionByZero marks a division producing a non-finite result.
	ReasonDivisionByZero EvaluationReason = "division_by_zero"
	// ReasonTypeMismatch marks an operator applied to incompatible operands.
	ReasonTypeMismatch EvaluationReason = "type_mismatch"
	// ReasonRuntime marks any other runtime failure inside the expression VM.
	ReasonRuntime EvaluationReason = "runtime"
)

// ParseError reports a malformed transformation expression.
type ParseError struct {
	Expression string
	Err        error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse expression %q: %v", e.Expression, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// EvaluationError reports a runtime failure for a single evaluation. The
// caller decides whether the failure is absorbed as a bad sample or
// propagated to dependents.
type EvaluationError struct {
	Reason EvaluationReason
	Detail string
}

func (e *EvaluationError) Error() string {
	if e.Detail == "" {
		return string(e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
}

// Binding carries one named input value together with its quality grade.
type Binding struct {
	Value   interface{}
	Quality series.Quality
}

// Program is a compiled transformation expression. Programs are immutable
// and safe for concurrent evaluation.
type Program struct {
	source      string
	program     *vm.Program
	identifiers []string
	qualified   []QualifiedRef
}

// QualifiedRef is a dotted reference to an attribute of another node,
// e.g. `Line1.Throughput`.
type QualifiedRef struct {
	Base     string
	Property string
}

func (r QualifiedRef) String() string { return r.Base + "." + r.Property }

// Compile parses a transformation expression. The identifier set referenced
// by the expression is extracted from the syntax tree so callers can plan
// inputs before any evaluation happens.
func Compile(source string) (*Program, error) {
	trimmed := strings.TrimSpace(source)
	if trimmed == "" {
		return nil, &ParseError{Expression: source, Err: errors.New("expression is empty")}
	}
	tree, err := parser.Parse(trimmed)
	if err != nil {
		return nil, &ParseError{Expression: trimmed, Err: err}
	}
	collector := &identifierCollector{seen: make(map[string]struct{})}
	ast.Walk(&tree.Node, collector)

	program, err := expr.Compile(trimmed, expr.Env(map[string]interface{}{}), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, &ParseError{Expression: trimmed, Err: err}
	}
	return &Program{
		source:      trimmed,
		program:     program,
		identifiers: collector.bareIdentifiers(),
		qualified:   collector.qualified,
	}, nil
}

// Source returns the expression text the program was compiled from.
func (p *Program) Source() string { return p.source }

// Identifiers returns the bare identifiers referenced by the expression in
// order of first appearance. Bases of qualified references are excluded.
func (p *Program) Identifiers() []string {
	out := make([]string, len(p.identifiers))
	copy(out, p.identifiers)
	return out
}

// Qualified returns the dotted node.attribute references of the expression.
func (p *Program) Qualified() []QualifiedRef {
	out := make([]QualifiedRef, len(p.qualified))
	copy(out, p.qualified)
	return out
}

// Evaluate runs the program against the provided bindings. The result
// quality is the worst quality of any consumed input; runtime failures
// return an EvaluationError together with bad quality. Evaluation is
// deterministic: identical bindings always yield an identical result.
func (p *Program) Evaluate(bindings map[string]Binding) (interface{}, series.Quality, error) {
	for _, name := range p.identifiers {
		if _, ok := bindings[name]; !ok {
			return nil, series.QualityBad, &EvaluationError{Reason: ReasonMissingBinding, Detail: name}
		}
	}
	for _, ref := range p.qualified {
		if _, ok := bindings[ref.String()]; !ok {
			return nil, series.QualityBad, &EvaluationError{Reason: ReasonMissingBinding, Detail: ref.String()}
		}
	}

	quality := series.QualityGood
	env := make(map[string]interface{}, len(bindings))
	for _, name := range p.identifiers {
		binding := bindings[name]
		env[name] = binding.Value
		quality = series.Worse(quality, binding.Quality)
	}
	for _, ref := range p.qualified {
		binding := bindings[ref.String()]
		nested, ok := env[ref.Base].(map[string]interface{})
		if !ok {
			nested = make(map[string]interface{})
			env[ref.Base] = nested
		}
		nested[ref.Property] = binding.Value
		quality = series.Worse(quality, binding.Quality)
	}

	value, err := vm.Run(p.program, env)
	if err != nil {
		return nil, series.QualityBad, classifyRuntimeError(err)
	}
	if f, ok := value.(float64); ok && (math.IsNaN(f) || math.IsInf(f, 0)) {
		return nil, series.QualityBad, &EvaluationError{Reason: ReasonDivisionByZero, Detail: "non-finite result"}
	}
	return value, quality, nil
}

func classifyRuntimeError(err error) *EvaluationError {
	msg := err.Error()
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "divide by zero"), strings.Contains(lower, "division by zero"):
		return &EvaluationError{Reason: ReasonDivisionByZero, Detail: msg}
	case strings.Contains(lower, "invalid operation"), strings.Contains(lower, "interface conversion"), strings.Contains(lower, "mismatch"):
		return &EvaluationError{Reason: ReasonTypeMismatch, Detail: msg}
	default:
		return &EvaluationError{Reason: ReasonRuntime, Detail: msg}
	}
}

type identifierCollector struct {
	seen      map[string]struct{}
	order     []string
	qualified []QualifiedRef
	bases     map[string]struct{}
}

func (c *identifierCollector) Visit(node *ast.Node) {
	switch n := (*node).(type) {
	case *ast.IdentifierNode:
		if _, dup := c.seen[n.Value]; !dup {
			c.seen[n.Value] = struct{}{}
			c.order = append(c.order, n.Value)
		}
	case *ast.MemberNode:
		base, okBase := n.Node.(*ast.IdentifierNode)
		prop, okProp := n.Property.(*ast.StringNode)
		if !okBase || !okProp {
			return
		}
		ref := QualifiedRef{Base: base.Value, Property: prop.Value}
		for _, existing := range c.qualified {
			if existing == ref {
				return
			}
		}
		c.qualified = append(c.qualified, ref)
		if c.bases == nil {
			c.bases = make(map[string]struct{})
		}
		c.bases[base.Value] = struct{}{}
	}
}

func (c *identifierCollector) bareIdentifiers() []string {
	out := make([]string, 0, len(c.order))
	for _, name := range c.order {
		if _, isBase := c.bases[name]; isBase {
			continue
		}
		out = append(out, name)
	}
	return out
}
