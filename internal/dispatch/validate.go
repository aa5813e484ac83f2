package dispatch

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"sort"

	"github.com/me/gowps/pkg/cwl"
	"github.com/me/gowps/pkg/model"
)

// validateInputs checks a request's inputs against the process inputs and
// returns one FieldError per problem.
func validateInputs(proc *model.Process, inputs map[string]model.InputList) []model.FieldError {
	var errs []model.FieldError

	ids := make([]string, 0, len(inputs))
	for id := range inputs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if _, ok := proc.Input(id); !ok {
			errs = append(errs, model.FieldError{Field: "inputs." + id, Message: "unknown input"})
		}
	}

	remote := proc.Backend == model.BackendRemote
	for _, p := range proc.Inputs {
		refs := inputs[p.ID]
		field := "inputs." + p.ID
		if len(refs) == 0 {
			if p.MinOccurs > 0 && p.Default == nil {
				errs = append(errs, model.FieldError{Field: field, Message: "required input missing"})
			}
			continue
		}
		if !p.AcceptsCount(len(refs)) {
			errs = append(errs, model.FieldError{Field: field, Message: occurrenceMessage(p, len(refs))})
		}
		for i, ref := range refs {
			if msg := checkOccurrence(p, ref, remote); msg != "" {
				errs = append(errs, model.FieldError{Field: fmt.Sprintf("%s[%d]", field, i), Message: msg})
			}
		}
	}
	return errs
}

func occurrenceMessage(p model.Parameter, n int) string {
	if p.MaxOccurs == model.Unbounded {
		return fmt.Sprintf("expected at least %d occurrence(s), got %d", p.MinOccurs, n)
	}
	return fmt.Sprintf("expected %d to %d occurrence(s), got %d", p.MinOccurs, p.MaxOccurs, n)
}

func checkOccurrence(p model.Parameter, ref model.InputRef, remote bool) string {
	if p.Type.IsComplex() {
		if ref.MediaType != "" && !p.AcceptsMediaType(ref.MediaType) {
			return fmt.Sprintf("media type %q not accepted", ref.MediaType)
		}
		if !ref.IsReference() {
			if _, ok := ref.Value.(string); !ok || p.Type == model.TypeDirectory {
				return "expects a reference (href)"
			}
			if remote {
				return "remote processes take inputs by URL reference only"
			}
			return ""
		}
		if remote {
			scheme, _ := cwl.ParseLocationScheme(ref.Href)
			if scheme != cwl.SchemeHTTP && scheme != cwl.SchemeHTTPS {
				return "remote processes take inputs by URL reference only"
			}
		}
		return ""
	}

	if ref.IsReference() {
		return fmt.Sprintf("expects a literal %s value", p.Type)
	}
	v := ref.Value
	switch p.Type {
	case model.TypeString:
		if _, ok := v.(string); !ok {
			return "expects a string"
		}
	case model.TypeInt, model.TypeLong:
		f, ok := number(v)
		if !ok || f != math.Trunc(f) {
			return "expects an integer"
		}
	case model.TypeFloat, model.TypeDouble:
		if _, ok := number(v); !ok {
			return "expects a number"
		}
	case model.TypeBoolean:
		if _, ok := v.(bool); !ok {
			return "expects a boolean"
		}
	case model.TypeEnum:
		if _, ok := v.(string); !ok {
			return "expects one of the allowed values"
		}
	}
	if len(p.AllowedValues) > 0 {
		s, ok := v.(string)
		if !ok {
			s = fmt.Sprint(v)
		}
		if !slices.Contains(p.AllowedValues, s) {
			return fmt.Sprintf("value %q not in allowed values %v", s, p.AllowedValues)
		}
	}
	return ""
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// resolveOutputs selects the requested outputs. An empty request selects
// every output: literals by value, files by reference.
func resolveOutputs(proc *model.Process, requested map[string]model.OutputRequest) ([]model.OutputRequest, []model.FieldError) {
	if len(requested) == 0 {
		out := make([]model.OutputRequest, len(proc.Outputs))
		for i, p := range proc.Outputs {
			out[i] = model.OutputRequest{ID: p.ID, Transmission: defaultTransmission(p)}
		}
		return out, nil
	}

	var errs []model.FieldError
	for id := range requested {
		if _, ok := proc.Output(id); !ok {
			errs = append(errs, model.FieldError{Field: "outputs." + id, Message: "unknown output"})
		}
	}
	var out []model.OutputRequest
	for _, p := range proc.Outputs {
		req, ok := requested[p.ID]
		if !ok {
			continue
		}
		switch req.Transmission {
		case "":
			req.Transmission = defaultTransmission(p)
		case model.TransmissionValue, model.TransmissionReference:
		default:
			errs = append(errs, model.FieldError{Field: "outputs." + p.ID, Message: fmt.Sprintf("unknown transmission mode %q", req.Transmission)})
			continue
		}
		req.ID = p.ID
		out = append(out, req)
	}
	sort.Slice(errs, func(i, j int) bool { return errs[i].Field < errs[j].Field })
	return out, errs
}

func defaultTransmission(p model.Parameter) model.TransmissionMode {
	if p.Type.IsComplex() {
		return model.TransmissionReference
	}
	return model.TransmissionValue
}

// remoteInputs renders a job's inputs in the execute-request form a remote
// service expects.
func remoteInputs(proc *model.Process, inputs map[string]model.InputList) map[string]any {
	out := make(map[string]any, len(inputs))
	for _, p := range proc.Inputs {
		refs := inputs[p.ID]
		if len(refs) == 0 {
			continue
		}
		items := make([]any, len(refs))
		for i, ref := range refs {
			if !ref.IsReference() {
				items[i] = ref.Value
				continue
			}
			item := map[string]any{"href": ref.Href}
			if ref.MediaType != "" {
				item["type"] = ref.MediaType
			}
			items[i] = item
		}
		if p.IsArray() {
			out[p.ID] = items
		} else {
			out[p.ID] = items[0]
		}
	}
	return out
}
