// Package cwl holds the subset of the Common Workflow Language a process
// package needs: typed parameters, bindings and the document header.
package cwl

// Document is a parsed CWL process: a CommandLineTool, Workflow or
// ExpressionTool, or the main process of a packed $graph.
type Document struct {
	ID         string
	Class      string
	CWLVersion string
	Label      string
	Doc        string

	BaseCommand []string
	// Arguments holds strings/expressions and *Argument bindings.
	Arguments []any
	Stdin     string
	Stdout    string
	Stderr    string

	Inputs  []Param
	Outputs []Param

	Requirements map[string]map[string]any
	Hints        map[string]map[string]any

	// SuccessCodes are exit codes that indicate success (default: [0]).
	SuccessCodes []int
}

// DockerPull returns the image from a DockerRequirement, checking
// requirements before hints.
func (d *Document) DockerPull() string {
	for _, reqs := range []map[string]map[string]any{d.Requirements, d.Hints} {
		if dr, ok := reqs["DockerRequirement"]; ok {
			if s, ok := dr["dockerPull"].(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

// Requires reports whether a requirement class is declared (not just hinted).
func (d *Document) Requires(class string) bool {
	_, ok := d.Requirements[class]
	return ok
}

// Param is a CWL input or output parameter.
type Param struct {
	ID         string
	Type       Type
	Label      string
	Doc        string
	Default    any
	HasDefault bool

	// Format lists the accepted format IRIs (File types only).
	Format []string

	LoadContents   bool
	SecondaryFiles []string

	InputBinding  *InputBinding
	OutputBinding *OutputBinding

	// OutputSource is set on Workflow outputs.
	OutputSource []string
}

// Required reports whether a value must be supplied for the parameter.
func (p Param) Required() bool {
	return !p.Type.Optional && !p.HasDefault
}

// Type is a normalized CWL type: a base type, possibly an array of it,
// possibly nullable.
type Type struct {
	// Base is a CWL primitive (string, int, long, float, double, boolean,
	// File, Directory, Any), "enum", "record", "stdout" or "stderr".
	Base     string
	Array    bool
	Optional bool
	Symbols  []string // enum symbols, short names

	// ItemBinding is the inputBinding nested in an array type definition.
	ItemBinding *InputBinding
}

// String renders the type in CWL shorthand, e.g. "File[]?".
func (t Type) String() string {
	s := t.Base
	if t.Array {
		s += "[]"
	}
	if t.Optional {
		s += "?"
	}
	return s
}

// IsFile reports whether values of this type are files or directories.
func (t Type) IsFile() bool {
	switch t.Base {
	case "File", "Directory", "stdout", "stderr":
		return true
	}
	return false
}

// ExpressionLib returns the expressionLib entries of an
// InlineJavascriptRequirement.
func (d *Document) ExpressionLib() []string {
	req, ok := d.Requirements["InlineJavascriptRequirement"]
	if !ok {
		req = d.Hints["InlineJavascriptRequirement"]
	}
	raw, _ := req["expressionLib"].([]any)
	var lib []string
	for _, v := range raw {
		if s, ok := v.(string); ok {
			lib = append(lib, s)
		}
	}
	return lib
}
