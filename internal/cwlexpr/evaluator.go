// Package cwlexpr evaluates CWL parameter references and JavaScript
// expressions with goja.
package cwlexpr

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/dop251/goja"
)

// Evaluator evaluates CWL expressions. A fresh VM is used per evaluation.
type Evaluator struct {
	expressionLib []string
}

// NewEvaluator creates an evaluator that loads expressionLib (from
// InlineJavascriptRequirement) before each evaluation.
func NewEvaluator(expressionLib []string) *Evaluator {
	return &Evaluator{expressionLib: expressionLib}
}

func (e *Evaluator) newVM(ctx *Context) (*goja.Runtime, error) {
	vm := goja.New()
	for i, lib := range e.expressionLib {
		if _, err := vm.RunString(lib); err != nil {
			return nil, fmt.Errorf("expressionLib[%d]: %w", i, err)
		}
	}
	if err := vm.Set("inputs", ctx.Inputs); err != nil {
		return nil, fmt.Errorf("set inputs: %w", err)
	}
	if err := vm.Set("self", ctx.Self); err != nil {
		return nil, fmt.Errorf("set self: %w", err)
	}
	if err := vm.Set("runtime", ctx.runtimeObject()); err != nil {
		return nil, fmt.Errorf("set runtime: %w", err)
	}
	return vm, nil
}

// Evaluate evaluates expr. Three forms are understood:
//
//	$(inputs.file.basename)        parameter reference, typed result
//	out_$(inputs.name).txt         interpolation, string result
//	${ return inputs.n + 1; }      code block, typed result
//
// Strings without expressions are returned with \$( escapes removed.
func (e *Evaluator) Evaluate(expr string, ctx *Context) (any, error) {
	if !IsExpression(expr) {
		return unescape(expr), nil
	}
	vm, err := e.newVM(ctx)
	if err != nil {
		return nil, err
	}

	trimmed := strings.TrimSpace(expr)
	if strings.HasPrefix(trimmed, "${") {
		if end := matchClose(trimmed, 1, '{', '}'); end == len(trimmed)-1 {
			code := trimmed[2:end]
			val, err := vm.RunString("(function() {" + code + "})()")
			if err != nil {
				return nil, fmt.Errorf("javascript error: %w", err)
			}
			return val.Export(), nil
		}
	}

	refs := findRefs(expr)
	if len(refs) == 1 && refs[0].start == 0 && refs[0].end == len(expr) {
		return e.run(vm, refs[0].code)
	}

	var b strings.Builder
	last := 0
	for _, ref := range refs {
		b.WriteString(unescape(expr[last:ref.start]))
		val, err := e.run(vm, ref.code)
		if err != nil {
			return nil, err
		}
		b.WriteString(ToString(val))
		last = ref.end
	}
	b.WriteString(unescape(expr[last:]))
	return b.String(), nil
}

func (e *Evaluator) run(vm *goja.Runtime, code string) (any, error) {
	src := code
	if strings.HasPrefix(strings.TrimSpace(code), "{") {
		src = "(" + code + ")"
	}
	val, err := vm.RunString(src)
	if err != nil {
		return nil, fmt.Errorf("expression error in $(%s): %w", code, err)
	}
	if goja.IsUndefined(val) {
		return nil, fmt.Errorf("expression $(%s) is undefined", code)
	}
	return val.Export(), nil
}

// EvaluateString evaluates expr and renders the result as a string.
func (e *Evaluator) EvaluateString(expr string, ctx *Context) (string, error) {
	val, err := e.Evaluate(expr, ctx)
	if err != nil {
		return "", err
	}
	return ToString(val), nil
}

// IsExpression reports whether s contains an unescaped $( or starts with ${.
func IsExpression(s string) bool {
	if strings.HasPrefix(strings.TrimSpace(s), "${") {
		return true
	}
	for i := 0; i+1 < len(s); i++ {
		if s[i] == '$' && s[i+1] == '(' && (i == 0 || s[i-1] != '\\') {
			return true
		}
	}
	return false
}

type ref struct {
	start, end int
	code       string
}

func findRefs(s string) []ref {
	var refs []ref
	for i := 0; i+1 < len(s); i++ {
		if s[i] != '$' || s[i+1] != '(' || (i > 0 && s[i-1] == '\\') {
			continue
		}
		end := matchClose(s[i:], 1, '(', ')')
		if end < 0 {
			break
		}
		refs = append(refs, ref{start: i, end: i + end + 1, code: s[i+2 : i+end]})
		i += end
	}
	return refs
}

// matchClose returns the index of the bracket closing the one at s[open],
// or -1.
func matchClose(s string, open int, l, r byte) int {
	depth := 0
	for i := open; i < len(s); i++ {
		switch s[i] {
		case l:
			depth++
		case r:
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func unescape(s string) string {
	return strings.NewReplacer(`\$(`, "$(", `\${`, "${").Replace(s)
}

// ToString renders an expression result the way CWL interpolation does:
// strings as is, numbers without exponent, objects as JSON.
func ToString(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(data)
	}
}
