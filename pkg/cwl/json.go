package cwl

import (
	"encoding/json"
	"math"
	"strconv"
)

// ConvertForCWLOutput recursively converts values for CWL-compliant JSON:
// float64 values become json.Number to avoid scientific notation, and
// NaN/Inf become null.
func ConvertForCWLOutput(v any) any {
	switch val := v.(type) {
	case map[string]any:
		result := make(map[string]any, len(val))
		for k, v := range val {
			result[k] = ConvertForCWLOutput(v)
		}
		return result
	case []any:
		result := make([]any, len(val))
		for i, v := range val {
			result[i] = ConvertForCWLOutput(v)
		}
		return result
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return nil
		}
		return json.Number(strconv.FormatFloat(val, 'f', -1, 64))
	default:
		return v
	}
}

// MarshalJobOrder renders a CWL job order (the inputs document handed to
// the runner) as indented JSON.
func MarshalJobOrder(order map[string]any) ([]byte, error) {
	return json.MarshalIndent(ConvertForCWLOutput(order), "", "  ")
}

// FileObject builds a CWL File (or Directory) object for a staged path.
func FileObject(class, path string, size int64, format string) map[string]any {
	obj := map[string]any{
		"class":    class,
		"location": BuildLocation(SchemeFile, path),
		"path":     path,
	}
	if class == "File" && size >= 0 {
		obj["size"] = size
	}
	if format != "" {
		obj["format"] = format
	}
	return obj
}
