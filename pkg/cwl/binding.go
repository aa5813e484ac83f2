package cwl

// InputBinding controls how an input parameter is converted to command-line argument(s).
// See https://www.commonwl.org/v1.2/CommandLineTool.html#CommandLineBinding
type InputBinding struct {
	// Position determines the relative ordering of arguments on the command line.
	// Position 0 follows baseCommand and arguments with no position.
	Position int `json:"position,omitempty"`

	// Prefix is a string to prepend to the input value (e.g., "--input" or "-i").
	Prefix string `json:"prefix,omitempty"`

	// Separate controls whether there is a space between prefix and value.
	// Default is true; if false, prefix and value are concatenated.
	Separate *bool `json:"separate,omitempty"`

	// ItemSeparator joins array items into a single argument.
	ItemSeparator string `json:"itemSeparator,omitempty"`

	// ValueFrom is a CWL expression to compute the argument value.
	ValueFrom string `json:"valueFrom,omitempty"`
}

// IsSeparate returns the effective separate flag.
func (b *InputBinding) IsSeparate() bool {
	return b.Separate == nil || *b.Separate
}

// OutputBinding specifies how to find and collect output files after tool execution.
// See https://www.commonwl.org/v1.2/CommandLineTool.html#CommandOutputBinding
type OutputBinding struct {
	// Glob patterns (or expressions) matched in the output directory.
	Glob []string `json:"glob,omitempty"`

	// LoadContents reads the first 64 KiB of the file into the file object's contents field.
	LoadContents bool `json:"loadContents,omitempty"`

	// OutputEval is a CWL expression to transform the collected output.
	OutputEval string `json:"outputEval,omitempty"`
}

// Argument represents a structured command-line argument (CommandLineBinding).
type Argument struct {
	Position  int    `json:"position,omitempty"`
	Prefix    string `json:"prefix,omitempty"`
	Separate  *bool  `json:"separate,omitempty"`
	ValueFrom string `json:"valueFrom,omitempty"`
}

// IsSeparate returns the effective separate flag.
func (a *Argument) IsSeparate() bool {
	return a.Separate == nil || *a.Separate
}
