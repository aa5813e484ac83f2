// Package wps reconciles a WPS-style process description with a CWL
// application package into one canonical process definition.
package wps

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/me/gowps/pkg/model"
	"gopkg.in/yaml.v3"
)

// Description is the WPS-facing half of an application package, in the
// shape of an OGC API - Processes process description.
type Description struct {
	ID       string
	Version  string
	Title    string
	Abstract string
	Keywords []string
	Inputs   []Param
	Outputs  []Param
}

// Literal data kinds understood in WPS schemas.
const (
	LiteralString  = "string"
	LiteralInteger = "integer"
	LiteralNumber  = "number"
	LiteralBoolean = "boolean"
)

// Param is one WPS input or output description. Nil occurrence bounds mean
// the description did not declare them.
type Param struct {
	ID       string
	Title    string
	Abstract string
	Keywords []string

	MinOccurs *int
	MaxOccurs *int // model.Unbounded for "unbounded"

	// Literal is the literal data kind (LiteralString etc.), empty for
	// complex data or an untyped schema.
	Literal string
	Complex bool

	Formats       []model.Format
	AllowedValues []string
	Default       any
}

// Input returns the input with the given id.
func (d *Description) Input(id string) (Param, bool) {
	return findParam(d.Inputs, id)
}

// Output returns the output with the given id.
func (d *Description) Output(id string) (Param, bool) {
	return findParam(d.Outputs, id)
}

func findParam(params []Param, id string) (Param, bool) {
	for _, p := range params {
		if p.ID == id {
			return p, true
		}
	}
	return Param{}, false
}

// ParseDescription parses a process description from JSON or YAML. It
// accepts the bare process object as well as the {"processDescription":
// {"process": {...}}} and {"process": {...}} wrappers.
func ParseDescription(data []byte) (*Description, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse process description: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("empty process description")
	}
	return descriptionFromMap(raw)
}

// DescriptionFromMap builds a Description from an already-decoded document.
func DescriptionFromMap(raw map[string]any) (*Description, error) {
	return descriptionFromMap(raw)
}

func descriptionFromMap(raw map[string]any) (*Description, error) {
	if pd, ok := raw["processDescription"].(map[string]any); ok {
		raw = pd
	}
	if p, ok := raw["process"].(map[string]any); ok {
		raw = p
	}

	d := &Description{
		ID:       stringField(raw, "id"),
		Version:  stringField(raw, "version"),
		Title:    stringField(raw, "title"),
		Abstract: firstNonEmpty(stringField(raw, "description"), stringField(raw, "abstract")),
		Keywords: stringSlice(raw["keywords"]),
	}
	if d.ID == "" {
		d.ID = stringField(raw, "identifier")
	}

	var err error
	if d.Inputs, err = parseParams(raw["inputs"]); err != nil {
		return nil, fmt.Errorf("inputs: %w", err)
	}
	if d.Outputs, err = parseParams(raw["outputs"]); err != nil {
		return nil, fmt.Errorf("outputs: %w", err)
	}
	return d, nil
}

func parseParams(v any) ([]Param, error) {
	var params []Param
	switch val := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		ids := make([]string, 0, len(val))
		for id := range val {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			m, _ := val[id].(map[string]any)
			if m == nil {
				m = map[string]any{}
			}
			p, err := parseParam(id, m)
			if err != nil {
				return nil, err
			}
			params = append(params, p)
		}
	case []any:
		seen := map[string]bool{}
		for i, item := range val {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("entry %d is not an object", i)
			}
			id := firstNonEmpty(stringField(m, "id"), stringField(m, "identifier"))
			if id == "" {
				return nil, fmt.Errorf("entry %d has no id", i)
			}
			if seen[id] {
				return nil, fmt.Errorf("duplicate id %q", id)
			}
			seen[id] = true
			p, err := parseParam(id, m)
			if err != nil {
				return nil, err
			}
			params = append(params, p)
		}
	default:
		return nil, fmt.Errorf("expected list or map, got %T", v)
	}
	return params, nil
}

func parseParam(id string, m map[string]any) (Param, error) {
	p := Param{
		ID:       id,
		Title:    stringField(m, "title"),
		Abstract: firstNonEmpty(stringField(m, "description"), stringField(m, "abstract")),
		Keywords: stringSlice(m["keywords"]),
	}

	var err error
	if p.MinOccurs, err = occurs(m["minOccurs"]); err != nil {
		return Param{}, fmt.Errorf("%s.minOccurs: %w", id, err)
	}
	if p.MaxOccurs, err = occurs(m["maxOccurs"]); err != nil {
		return Param{}, fmt.Errorf("%s.maxOccurs: %w", id, err)
	}
	if p.MinOccurs != nil && *p.MinOccurs == model.Unbounded {
		return Param{}, fmt.Errorf("%s.minOccurs: must be a number", id)
	}

	if formats, ok := m["formats"].([]any); ok {
		for _, f := range formats {
			if fm, ok := f.(map[string]any); ok {
				if format := parseFormat(fm); format.MediaType != "" {
					p.Formats = append(p.Formats, format)
				}
			}
		}
		p.Complex = true
	}

	if schema, ok := m["schema"].(map[string]any); ok {
		applySchema(&p, schema)
	}
	if def, ok := m["default"]; ok {
		p.Default = def
	}
	return p, nil
}

// applySchema reads the JSON schema of an OGC API parameter. Complex
// values are strings with a contentMediaType (or a oneOf of them); arrays
// set an unbounded maxOccurs unless maxItems is given.
func applySchema(p *Param, schema map[string]any) {
	if oneOf, ok := schema["oneOf"].([]any); ok {
		for _, alt := range oneOf {
			if am, ok := alt.(map[string]any); ok {
				applySchema(p, am)
			}
		}
		return
	}

	typ := stringField(schema, "type")
	if typ == "array" {
		if p.MaxOccurs == nil {
			bound := model.Unbounded
			if n, ok := schema["maxItems"]; ok {
				if v, err := occurs(n); err == nil && v != nil {
					bound = *v
				}
			}
			p.MaxOccurs = &bound
		}
		if items, ok := schema["items"].(map[string]any); ok {
			applySchema(p, items)
		}
		return
	}

	if mt := stringField(schema, "contentMediaType"); mt != "" {
		p.Complex = true
		p.Formats = appendFormat(p.Formats, model.Format{
			MediaType: mt,
			Encoding:  stringField(schema, "contentEncoding"),
			Schema:    stringField(schema, "contentSchema"),
		})
		return
	}
	switch stringField(schema, "format") {
	case "binary", "byte":
		p.Complex = true
		return
	}

	switch typ {
	case "integer":
		p.Literal = LiteralInteger
	case "number":
		p.Literal = LiteralNumber
	case "boolean":
		p.Literal = LiteralBoolean
	case "string":
		p.Literal = LiteralString
	}
	if enum, ok := schema["enum"].([]any); ok {
		for _, e := range enum {
			p.AllowedValues = append(p.AllowedValues, fmt.Sprintf("%v", e))
		}
	}
	if def, ok := schema["default"]; ok && p.Default == nil {
		p.Default = def
	}
}

func parseFormat(m map[string]any) model.Format {
	return model.Format{
		MediaType: firstNonEmpty(stringField(m, "mediaType"), stringField(m, "mimeType")),
		Encoding:  stringField(m, "encoding"),
		Schema:    stringField(m, "schema"),
	}
}

func appendFormat(formats []model.Format, f model.Format) []model.Format {
	for _, existing := range formats {
		if strings.EqualFold(existing.MediaType, f.MediaType) {
			return formats
		}
	}
	return append(formats, f)
}

// occurs decodes a minOccurs/maxOccurs value: a number, a numeric string,
// or "unbounded".
func occurs(v any) (*int, error) {
	var n int
	switch val := v.(type) {
	case nil:
		return nil, nil
	case int:
		n = val
	case int64:
		n = int(val)
	case float64:
		if val != float64(int(val)) {
			return nil, fmt.Errorf("%v is not an integer", val)
		}
		n = int(val)
	case string:
		if strings.EqualFold(val, "unbounded") {
			n = model.Unbounded
			return &n, nil
		}
		parsed, err := strconv.Atoi(val)
		if err != nil {
			return nil, fmt.Errorf("invalid value %q", val)
		}
		n = parsed
	default:
		return nil, fmt.Errorf("invalid value %v", v)
	}
	if n < 0 {
		return nil, fmt.Errorf("negative value %d", n)
	}
	return &n, nil
}

func stringField(m map[string]any, key string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func stringSlice(v any) []string {
	switch s := v.(type) {
	case string:
		return []string{s}
	case []any:
		var out []string
		for _, item := range s {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
