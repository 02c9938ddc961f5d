package manager

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/GoCodeAlone/taskq/task"
)

// ErrInvalidFilter is returned when a List filter expression does not compile
// to a boolean CEL program.
var ErrInvalidFilter = errors.New("invalid filter")

// taskFilter wraps a compiled CEL program evaluated per task. When disabled,
// Match always returns true.
type taskFilter struct {
	prog    cel.Program
	enabled bool
}

// newTaskFilter compiles expr. Variables exposed to the expression:
//
//	id, description, category, status, priority_name, assigned_agent (string)
//	priority, boost_count, retry_count, max_retries (int)
//	age_hours (double), tags (list(string)), metadata (map(string, dyn))
func newTaskFilter(expr string) (taskFilter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return taskFilter{}, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("id", cel.StringType),
		cel.Variable("description", cel.StringType),
		cel.Variable("category", cel.StringType),
		cel.Variable("status", cel.StringType),
		cel.Variable("priority", cel.IntType),
		cel.Variable("priority_name", cel.StringType),
		cel.Variable("assigned_agent", cel.StringType),
		cel.Variable("boost_count", cel.IntType),
		cel.Variable("retry_count", cel.IntType),
		cel.Variable("max_retries", cel.IntType),
		cel.Variable("age_hours", cel.DoubleType),
		cel.Variable("tags", cel.ListType(cel.StringType)),
		cel.Variable("metadata", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return taskFilter{}, err
	}
	ast, iss := env.Parse(expr)
	if iss != nil && iss.Err() != nil {
		return taskFilter{}, fmt.Errorf("%w: %v", ErrInvalidFilter, iss.Err())
	}
	checked, iss2 := env.Check(ast)
	if iss2 != nil && iss2.Err() != nil {
		return taskFilter{}, fmt.Errorf("%w: %v", ErrInvalidFilter, iss2.Err())
	}
	if !checked.OutputType().IsExactType(cel.BoolType) {
		return taskFilter{}, fmt.Errorf("%w: expression yields %s, want bool", ErrInvalidFilter, checked.OutputType())
	}
	prog, err := env.Program(checked)
	if err != nil {
		return taskFilter{}, fmt.Errorf("%w: %v", ErrInvalidFilter, err)
	}
	return taskFilter{prog: prog, enabled: true}, nil
}

// Match evaluates the filter against t. Evaluation errors count as no match.
func (f taskFilter) Match(t *task.Task, now time.Time) bool {
	if !f.enabled {
		return true
	}
	tags := t.Tags
	if tags == nil {
		tags = []string{}
	}
	md := t.Metadata
	if md == nil {
		md = map[string]any{}
	}
	out, _, err := f.prog.Eval(map[string]any{
		"id":             t.ID,
		"description":    t.Description,
		"category":       t.Category,
		"status":         string(t.Status),
		"priority":       int64(t.Priority),
		"priority_name":  t.Priority.Name(),
		"assigned_agent": t.AssignedAgent,
		"boost_count":    int64(t.BoostCount),
		"retry_count":    int64(t.RetryCount),
		"max_retries":    int64(t.MaxRetries),
		"age_hours":      now.Sub(t.CreatedAt).Hours(),
		"tags":           tags,
		"metadata":       md,
	})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}
