package cwl

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

var primitives = map[string]bool{
	"null": true, "boolean": true, "int": true, "long": true, "float": true, "double": true,
	"string": true, "File": true, "Directory": true, "Any": true, "stdout": true, "stderr": true,
}

// Parse parses a CWL document in YAML or JSON form. For a packed $graph the
// entry with id "main" (or the first Workflow, or the first entry) is returned.
func Parse(data []byte) (*Document, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("YAML parse error: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("empty CWL document")
	}

	version := stringField(raw, "cwlVersion")
	if graph, ok := raw["$graph"].([]any); ok {
		main := pickMain(graph)
		if main == nil {
			return nil, fmt.Errorf("$graph has no process entries")
		}
		if stringField(main, "cwlVersion") == "" {
			main["cwlVersion"] = version
		}
		raw = main
	}
	return parseProcess(raw)
}

func pickMain(graph []any) map[string]any {
	var first, workflow map[string]any
	for _, entry := range graph {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		if first == nil {
			first = m
		}
		if id := shortID(stringField(m, "id")); id == "main" {
			return m
		}
		if workflow == nil && stringField(m, "class") == "Workflow" {
			workflow = m
		}
	}
	if workflow != nil {
		return workflow
	}
	return first
}

func parseProcess(raw map[string]any) (*Document, error) {
	doc := &Document{
		ID:           shortID(stringField(raw, "id")),
		Class:        stringField(raw, "class"),
		CWLVersion:   stringField(raw, "cwlVersion"),
		Label:        stringField(raw, "label"),
		Doc:          stringField(raw, "doc"),
		Stdin:        stringField(raw, "stdin"),
		Stdout:       stringField(raw, "stdout"),
		Stderr:       stringField(raw, "stderr"),
		Requirements: normalizeHintsToMap(raw["requirements"]),
		Hints:        normalizeHintsToMap(raw["hints"]),
		SuccessCodes: intSlice(raw, "successCodes"),
	}
	switch doc.Class {
	case "CommandLineTool", "Workflow", "ExpressionTool":
	case "":
		return nil, fmt.Errorf("missing class")
	default:
		return nil, fmt.Errorf("unsupported class %q", doc.Class)
	}

	switch bc := raw["baseCommand"].(type) {
	case string:
		doc.BaseCommand = []string{bc}
	case []any:
		for _, item := range bc {
			doc.BaseCommand = append(doc.BaseCommand, fmt.Sprintf("%v", item))
		}
	}

	if args, ok := raw["arguments"].([]any); ok {
		for _, arg := range args {
			switch a := arg.(type) {
			case string:
				doc.Arguments = append(doc.Arguments, a)
			case map[string]any:
				doc.Arguments = append(doc.Arguments, parseArgument(a))
			default:
				doc.Arguments = append(doc.Arguments, fmt.Sprintf("%v", a))
			}
		}
	}

	var err error
	if doc.Inputs, err = parseParams(raw["inputs"], true); err != nil {
		return nil, fmt.Errorf("inputs: %w", err)
	}
	if doc.Outputs, err = parseParams(raw["outputs"], false); err != nil {
		return nil, fmt.Errorf("outputs: %w", err)
	}
	return doc, nil
}

// parseParams accepts both the list form ([{id: x, ...}]) and the map form
// ({x: {...}} or {x: Type}). Map entries are returned sorted by id.
func parseParams(v any, input bool) ([]Param, error) {
	var params []Param
	switch val := v.(type) {
	case nil:
		return nil, nil
	case []any:
		for i, item := range val {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("entry %d is not an object", i)
			}
			p, err := parseParam(shortID(stringField(m, "id")), m, input)
			if err != nil {
				return nil, err
			}
			params = append(params, p)
		}
	case map[string]any:
		ids := make([]string, 0, len(val))
		for id := range val {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			var m map[string]any
			switch entry := val[id].(type) {
			case map[string]any:
				m = entry
			default:
				// Shorthand: id: Type
				m = map[string]any{"type": entry}
			}
			p, err := parseParam(shortID(id), m, input)
			if err != nil {
				return nil, err
			}
			params = append(params, p)
		}
	default:
		return nil, fmt.Errorf("expected list or map, got %T", v)
	}
	for _, p := range params {
		if p.ID == "" {
			return nil, fmt.Errorf("parameter without id")
		}
	}
	return params, nil
}

func parseParam(id string, m map[string]any, input bool) (Param, error) {
	t, err := ParseType(m["type"])
	if err != nil {
		return Param{}, fmt.Errorf("%s: %w", id, err)
	}
	p := Param{
		ID:             id,
		Type:           t,
		Label:          stringField(m, "label"),
		Doc:            stringField(m, "doc"),
		Format:         stringOrSlice(m["format"]),
		LoadContents:   boolField(m, "loadContents"),
		SecondaryFiles: parseSecondaryFiles(m["secondaryFiles"]),
		OutputSource:   stringOrSlice(m["outputSource"]),
	}
	if def, ok := m["default"]; ok && def != nil {
		p.Default = def
		p.HasDefault = true
	}
	if ib, ok := m["inputBinding"].(map[string]any); ok && input {
		p.InputBinding = parseInputBinding(ib)
		if p.InputBinding.ValueFrom == "" && boolField(ib, "loadContents") {
			p.LoadContents = true
		}
	}
	if ob, ok := m["outputBinding"].(map[string]any); ok && !input {
		p.OutputBinding = &OutputBinding{
			Glob:         stringOrSlice(ob["glob"]),
			LoadContents: boolField(ob, "loadContents"),
			OutputEval:   stringField(ob, "outputEval"),
		}
	}
	return p, nil
}

// ParseType normalizes the many spellings of a CWL type: shorthand strings
// ("File[]?"), array and enum schemas, and unions with "null".
func ParseType(v any) (Type, error) {
	switch t := v.(type) {
	case string:
		var out Type
		s := t
		if strings.HasSuffix(s, "?") {
			out.Optional = true
			s = strings.TrimSuffix(s, "?")
		}
		if strings.HasSuffix(s, "[]") {
			out.Array = true
			s = strings.TrimSuffix(s, "[]")
		}
		if !primitives[s] || s == "null" {
			return Type{}, fmt.Errorf("unsupported type %q", t)
		}
		out.Base = s
		return out, nil
	case map[string]any:
		switch stringField(t, "type") {
		case "array":
			items, err := ParseType(t["items"])
			if err != nil {
				return Type{}, fmt.Errorf("array items: %w", err)
			}
			if items.Array {
				return Type{}, fmt.Errorf("nested arrays are not supported")
			}
			items.Array = true
			items.Optional = false
			if ib, ok := t["inputBinding"].(map[string]any); ok {
				items.ItemBinding = parseInputBinding(ib)
			}
			return items, nil
		case "enum":
			syms := stringOrSlice(t["symbols"])
			if len(syms) == 0 {
				return Type{}, fmt.Errorf("enum without symbols")
			}
			for i, s := range syms {
				syms[i] = shortID(s)
			}
			return Type{Base: "enum", Symbols: syms}, nil
		case "record":
			return Type{Base: "record"}, nil
		default:
			return Type{}, fmt.Errorf("unsupported type schema %v", t["type"])
		}
	case []any:
		var members []Type
		optional := false
		for _, member := range t {
			if s, ok := member.(string); ok && s == "null" {
				optional = true
				continue
			}
			mt, err := ParseType(member)
			if err != nil {
				return Type{}, err
			}
			members = append(members, mt)
		}
		switch len(members) {
		case 0:
			return Type{}, fmt.Errorf("union of only null")
		case 1:
			members[0].Optional = members[0].Optional || optional
			return members[0], nil
		default:
			return Type{Base: "Any", Optional: optional}, nil
		}
	case nil:
		return Type{}, fmt.Errorf("missing type")
	default:
		return Type{}, fmt.Errorf("unsupported type %v", t)
	}
}

// shortID strips a leading "#" and any namespace path: "#main/in/x" → "x".
func shortID(id string) string {
	id = strings.TrimPrefix(id, "#")
	if i := strings.LastIndex(id, "/"); i >= 0 {
		id = id[i+1:]
	}
	return id
}

func parseInputBinding(ib map[string]any) *InputBinding {
	b := &InputBinding{
		Position:      intField(ib, "position"),
		Prefix:        stringField(ib, "prefix"),
		ItemSeparator: stringField(ib, "itemSeparator"),
		ValueFrom:     stringField(ib, "valueFrom"),
	}
	if sep, ok := ib["separate"].(bool); ok {
		b.Separate = &sep
	}
	return b
}

func parseArgument(a map[string]any) *Argument {
	arg := &Argument{
		Position:  intField(a, "position"),
		Prefix:    stringField(a, "prefix"),
		ValueFrom: stringField(a, "valueFrom"),
	}
	if sep, ok := a["separate"].(bool); ok {
		arg.Separate = &sep
	}
	return arg
}

// parseSecondaryFiles flattens the secondaryFiles field to its patterns.
func parseSecondaryFiles(v any) []string {
	switch sf := v.(type) {
	case string:
		return []string{sf}
	case map[string]any:
		return []string{stringField(sf, "pattern")}
	case []any:
		var result []string
		for _, item := range sf {
			switch s := item.(type) {
			case string:
				result = append(result, s)
			case map[string]any:
				result = append(result, stringField(s, "pattern"))
			}
		}
		return result
	}
	return nil
}

// normalizeHintsToMap converts array-style hints/requirements to map-style keyed by class.
// CWL supports both: hints: [{class: DockerRequirement, ...}] and hints: {DockerRequirement: {...}}.
func normalizeHintsToMap(v any) map[string]map[string]any {
	result := make(map[string]map[string]any)
	switch val := v.(type) {
	case map[string]any:
		for class, body := range val {
			if m, ok := body.(map[string]any); ok {
				result[class] = m
			} else {
				result[class] = map[string]any{}
			}
		}
	case []any:
		for _, item := range val {
			if m, ok := item.(map[string]any); ok {
				if class, ok := m["class"].(string); ok {
					result[class] = m
				}
			}
		}
	}
	return result
}

// stringField safely extracts a string from a map.
func stringField(m map[string]any, key string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	// Handle YAML type coercion (e.g., label: 42 parsed as int).
	return fmt.Sprintf("%v", v)
}

// stringOrSlice accepts a string or a list of strings.
func stringOrSlice(v any) []string {
	switch s := v.(type) {
	case string:
		return []string{s}
	case []any:
		var result []string
		for _, item := range s {
			if str, ok := item.(string); ok {
				result = append(result, str)
			}
		}
		return result
	case []string:
		return s
	}
	return nil
}

// boolField safely extracts a bool from a map.
func boolField(m map[string]any, key string) bool {
	b, _ := m[key].(bool)
	return b
}

func intField(m map[string]any, key string) int {
	switch n := m[key].(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

// intSlice safely extracts a []int from a map value.
// YAML decoder produces []any with int/float64 values.
func intSlice(m map[string]any, key string) []int {
	s, ok := m[key].([]any)
	if !ok {
		return nil
	}
	var result []int
	for _, item := range s {
		switch i := item.(type) {
		case int:
			result = append(result, i)
		case float64:
			result = append(result, int(i))
		}
	}
	return result
}
