// Package script turns node components into executable snippets, caches the
// generated source and its compiled form, and evaluates them against a
// workflow context.
package script

import (
	"errors"
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/ohler55/ojg/jp"
)

var ErrUnsupportedProgram = errors.New("program was not compiled by this engine")

// Program is a compiled script.
type Program interface {
	Source() string
}

// Engine is the interpreter boundary: scripts only see the env they are run with.
type Engine interface {
	Compile(source string) (Program, error)
	Run(program Program, env map[string]any) (any, error)
}

type exprProgram struct {
	source  string
	program *vm.Program
}

func (p *exprProgram) Source() string { return p.source }

// ExprEngine runs scripts on expr-lang/expr. Besides the expr builtins,
// scripts can call:
//
//	evaluate(src, env)        compile and run src against env
//	evaluateCached(src, env)  same, reusing the compiled program
//	jsonPath(doc, path)       query doc with a JSONPath expression
type ExprEngine struct {
	programs *ProgramCache
}

// NewExprEngine creates an engine; programs backs evaluateCached and may be nil,
// in which case evaluateCached compiles on every call.
func NewExprEngine(programs *ProgramCache) *ExprEngine {
	return &ExprEngine{programs: programs}
}

func (e *ExprEngine) Compile(source string) (Program, error) {
	program, err := expr.Compile(source, e.options()...)
	if err != nil {
		return nil, err
	}

	return &exprProgram{source: source, program: program}, nil
}

func (e *ExprEngine) Run(program Program, env map[string]any) (any, error) {
	compiled, ok := program.(*exprProgram)
	if !ok {
		return nil, ErrUnsupportedProgram
	}

	return expr.Run(compiled.program, env)
}

func (e *ExprEngine) options() []expr.Option {
	return []expr.Option{
		expr.AllowUndefinedVariables(),
		expr.Function("evaluate", func(params ...any) (any, error) {
			return e.nested(false, params)
		}),
		expr.Function("evaluateCached", func(params ...any) (any, error) {
			return e.nested(true, params)
		}),
		expr.Function("jsonPath", jsonPath),
	}
}

func (e *ExprEngine) nested(cached bool, params []any) (any, error) {
	if len(params) < 1 || len(params) > 2 {
		return nil, fmt.Errorf("evaluate expects (source, env), got %d arguments", len(params))
	}

	source, ok := params[0].(string)
	if !ok {
		return nil, fmt.Errorf("evaluate source must be a string, got %T", params[0])
	}

	env := map[string]any{}

	if len(params) == 2 && params[1] != nil {
		env, ok = params[1].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("evaluate env must be a map, got %T", params[1])
		}
	}

	var (
		program Program
		err     error
	)

	if cached && e.programs != nil {
		program, err = e.programs.GetOrCompile(source, e.Compile)
	} else {
		program, err = e.Compile(source)
	}

	if err != nil {
		return nil, err
	}

	return e.Run(program, env)
}

func jsonPath(params ...any) (any, error) {
	if len(params) != 2 {
		return nil, fmt.Errorf("jsonPath expects (doc, path), got %d arguments", len(params))
	}

	path, ok := params[1].(string)
	if !ok {
		return nil, fmt.Errorf("jsonPath path must be a string, got %T", params[1])
	}

	return QueryPath(params[0], path)
}

// QueryPath evaluates a JSONPath expression. No match yields nil, one match
// the value itself and several matches a list.
func QueryPath(doc any, path string) (any, error) {
	x, err := jp.ParseString(path)
	if err != nil {
		return nil, fmt.Errorf("invalid path %q: %w", path, err)
	}

	results := x.Get(doc)

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}
