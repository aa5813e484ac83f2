// Package cmdline builds the argv of a CommandLineTool from its bindings
// and a resolved job order.
package cmdline

import (
	"fmt"
	"sort"
	"strings"

	"github.com/me/gowps/internal/cwlexpr"
	"github.com/me/gowps/pkg/cwl"
)

// Builder constructs command lines from CWL CommandLineTool definitions.
type Builder struct {
	evaluator *cwlexpr.Evaluator
}

// NewBuilder creates a new command line builder with the given expression library.
func NewBuilder(expressionLib []string) *Builder {
	return &Builder{evaluator: cwlexpr.NewEvaluator(expressionLib)}
}

// BuildResult contains the constructed command line and its redirections.
type BuildResult struct {
	Command []string
	Stdin   string
	Stdout  string
	Stderr  string
}

type cmdPart struct {
	position int
	key      string
	args     []string
}

// Build constructs the command line for doc with the given inputs. Inputs
// holding File objects should have been passed through cwlexpr.Enrich.
func (b *Builder) Build(doc *cwl.Document, inputs map[string]any, rt *cwlexpr.Runtime) (*BuildResult, error) {
	ctx := cwlexpr.NewContext(inputs, rt)
	var parts []cmdPart

	for i, arg := range doc.Arguments {
		part, err := b.argument(arg, i, ctx)
		if err != nil {
			return nil, fmt.Errorf("argument[%d]: %w", i, err)
		}
		if part != nil {
			parts = append(parts, *part)
		}
	}

	for _, in := range doc.Inputs {
		if in.InputBinding == nil {
			continue
		}
		part, err := b.input(in, inputs[in.ID], ctx)
		if err != nil {
			return nil, fmt.Errorf("input %q: %w", in.ID, err)
		}
		if part != nil {
			parts = append(parts, *part)
		}
	}

	sort.SliceStable(parts, func(i, j int) bool {
		if parts[i].position != parts[j].position {
			return parts[i].position < parts[j].position
		}
		return parts[i].key < parts[j].key
	})

	cmd := append([]string(nil), doc.BaseCommand...)
	for _, p := range parts {
		cmd = append(cmd, p.args...)
	}
	result := &BuildResult{Command: cmd}

	for _, r := range []struct {
		expr string
		dst  *string
		name string
	}{
		{doc.Stdin, &result.Stdin, "stdin"},
		{doc.Stdout, &result.Stdout, "stdout"},
		{doc.Stderr, &result.Stderr, "stderr"},
	} {
		if r.expr == "" {
			continue
		}
		s, err := b.evaluator.EvaluateString(r.expr, ctx)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", r.name, err)
		}
		*r.dst = s
	}
	return result, nil
}

func (b *Builder) argument(arg any, index int, ctx *cwlexpr.Context) (*cmdPart, error) {
	key := fmt.Sprintf("arg_%03d", index)
	switch a := arg.(type) {
	case string:
		value, err := b.evaluator.EvaluateString(a, ctx)
		if err != nil {
			return nil, err
		}
		return &cmdPart{key: key, args: []string{value}}, nil
	case *cwl.Argument:
		value, err := b.evaluator.Evaluate(a.ValueFrom, ctx)
		if err != nil {
			return nil, err
		}
		s := valueToString(value)
		if a.Prefix == "" && s == "" {
			return nil, nil
		}
		return &cmdPart{position: a.Position, key: key, args: prefixed(a.Prefix, s, a.IsSeparate())}, nil
	}
	return nil, fmt.Errorf("unexpected argument type %T", arg)
}

func (b *Builder) input(in cwl.Param, value any, ctx *cwlexpr.Context) (*cmdPart, error) {
	binding := in.InputBinding
	if value == nil {
		return nil, nil
	}
	part := &cmdPart{position: binding.Position, key: in.ID}

	if binding.ValueFrom != "" {
		evaluated, err := b.evaluator.Evaluate(binding.ValueFrom, ctx.WithSelf(value))
		if err != nil {
			return nil, err
		}
		value = evaluated
		if value == nil {
			return nil, nil
		}
	}

	switch v := value.(type) {
	case bool:
		// A true boolean emits only its prefix; false emits nothing.
		if !v || binding.Prefix == "" {
			return nil, nil
		}
		part.args = []string{binding.Prefix}
	case []any:
		args := arrayArgs(binding, in.Type.ItemBinding, v)
		if len(args) == 0 {
			return nil, nil
		}
		part.args = args
	default:
		s := valueToString(v)
		if s == "" {
			return nil, nil
		}
		part.args = prefixed(binding.Prefix, s, binding.IsSeparate())
	}
	return part, nil
}

func arrayArgs(binding, item *cwl.InputBinding, values []any) []string {
	var items []string
	for _, v := range values {
		if s := valueToString(v); s != "" {
			items = append(items, s)
		}
	}
	if len(items) == 0 {
		return nil
	}
	if binding.ItemSeparator != "" {
		return prefixed(binding.Prefix, strings.Join(items, binding.ItemSeparator), binding.IsSeparate())
	}

	var args []string
	if binding.Prefix != "" {
		args = append(args, binding.Prefix)
	}
	for _, s := range items {
		if item != nil && item.Prefix != "" {
			args = append(args, prefixed(item.Prefix, s, item.IsSeparate())...)
		} else {
			args = append(args, s)
		}
	}
	return args
}

func prefixed(prefix, value string, separate bool) []string {
	switch {
	case prefix == "":
		return []string{value}
	case separate:
		return []string{prefix, value}
	default:
		return []string{prefix + value}
	}
}

// valueToString renders a bound value: file objects by path, scalars
// as text, anything else as JSON.
func valueToString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case map[string]any:
		if p, ok := val["path"].(string); ok {
			return p
		}
		if loc, ok := val["location"].(string); ok {
			return loc
		}
	case []any:
		items := make([]string, 0, len(val))
		for _, item := range val {
			if s := valueToString(item); s != "" {
				items = append(items, s)
			}
		}
		return strings.Join(items, " ")
	}
	return cwlexpr.ToString(v)
}
