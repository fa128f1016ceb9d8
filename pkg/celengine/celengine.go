package celengine

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
)

var (
	envCache     = sync.Map{}
	programCache = sync.Map{}
)

// Attribute declares one variable an expression may reference.
type Attribute struct {
	Name string
	Type *cel.Type
}

// ItemAttributes are the variables a tier eligibility expression sees.
func ItemAttributes() []Attribute {
	return []Attribute{
		{Name: "platform", Type: cel.StringType},
		{Name: "views", Type: cel.IntType},
		{Name: "creator_id", Type: cel.StringType},
		{Name: "campaign_id", Type: cel.StringType},
	}
}

func envKey(attrs []Attribute) string {
	parts := make([]string, 0, len(attrs))
	for _, a := range attrs {
		parts = append(parts, a.Name+":"+a.Type.String())
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

func GetOrBuildEnv(attrs []Attribute) (*cel.Env, error) {
	key := envKey(attrs)
	if v, ok := envCache.Load(key); ok {
		return v.(*cel.Env), nil
	}

	variables := make([]cel.EnvOption, 0, len(attrs))
	for _, a := range attrs {
		variables = append(variables, cel.Variable(a.Name, a.Type))
	}

	env, err := cel.NewEnv(variables...)
	if err != nil {
		return nil, err
	}

	actual, _ := envCache.LoadOrStore(key, env)
	return actual.(*cel.Env), nil
}

func program(attrs []Attribute, expr string) (cel.Program, error) {
	key := envKey(attrs) + "|" + expr
	if v, ok := programCache.Load(key); ok {
		return v.(cel.Program), nil
	}

	env, err := GetOrBuildEnv(attrs)
	if err != nil {
		return nil, err
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("expression must return bool, got %s", out)
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, err
	}

	programCache.Store(key, prg)
	return prg, nil
}

func ValidateExpression(attrs []Attribute, expr string) error {
	_, err := program(attrs, expr)
	return err
}

func Evaluate(attrs []Attribute, expr string, vars map[string]any) (bool, error) {
	prg, err := program(attrs, expr)
	if err != nil {
		return false, err
	}

	out, _, err := prg.Eval(vars)
	if err != nil {
		return false, err
	}

	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expected bool from expression, got %T (%v)", out.Value(), out.Value())
	}

	return b, nil
}
