package wps

import (
	"testing"

	"github.com/me/gowps/pkg/cwl"
	"github.com/me/gowps/pkg/model"
	"github.com/stretchr/testify/require"
)

func intp(n int) *int { return &n }

func normalize(t *testing.T, cwlSrc, wpsSrc string) (*model.Process, error) {
	t.Helper()
	return NewNormalizer(nil).NormalizePackage(Package{CWL: []byte(cwlSrc), WPS: []byte(wpsSrc)})
}

func mismatchFields(t *testing.T, err error) []string {
	t.Helper()
	require.Error(t, err)
	require.True(t, model.IsCode(err, model.ErrPackageMismatch), "got %v", err)
	var apiErr *model.APIError
	require.ErrorAs(t, err, &apiErr)
	var fields []string
	for _, d := range apiErr.Details {
		fields = append(fields, d.Field)
	}
	return fields
}

func TestNormalize_SingleFileInput(t *testing.T) {
	proc, err := normalize(t, `
cwlVersion: v1.2
class: CommandLineTool
baseCommand: cat
inputs:
  input: {type: File}
outputs:
  out: {type: stdout}
stdout: out.txt
`, `
id: cat
title: Concatenate
inputs:
  input:
    title: Input file
    minOccurs: 1
    maxOccurs: 1
`)
	require.NoError(t, err)
	require.Equal(t, "cat", proc.ID)
	require.Equal(t, "Concatenate", proc.Title)

	in, ok := proc.Input("input")
	require.True(t, ok)
	require.Equal(t, model.TypeFile, in.Type)
	require.Equal(t, 1, in.MinOccurs)
	require.Equal(t, 1, in.MaxOccurs)
	require.Equal(t, "Input file", in.Title)
	require.True(t, in.AcceptsCount(1))
	require.False(t, in.AcceptsCount(0))
	require.False(t, in.AcceptsCount(2))

	out, ok := proc.Output("out")
	require.True(t, ok)
	require.Equal(t, model.TypeFile, out.Type)
	require.Equal(t, "out.txt", out.Glob)
	require.Contains(t, proc.Package.CWL, "baseCommand: cat")
	require.Equal(t, "CommandLineTool", proc.Package.Class)
}

func TestMergeOccurs(t *testing.T) {
	tests := []struct {
		name     string
		cwlType  string
		def      any
		wpsMin   *int
		wpsMax   *int
		wantMin  int
		wantMax  int
		conflict bool
	}{
		{name: "required scalar", cwlType: "File", wantMin: 1, wantMax: 1},
		{name: "optional scalar", cwlType: "File?", wantMin: 0, wantMax: 1},
		{name: "defaulted scalar", cwlType: "int", def: 3, wantMin: 0, wantMax: 1},
		{name: "array unbounded", cwlType: "File[]", wantMin: 1, wantMax: model.Unbounded},
		{name: "array bounded by description", cwlType: "File[]", wpsMax: intp(5), wantMin: 1, wantMax: 5},
		{name: "array min from description", cwlType: "File[]", wpsMin: intp(2), wpsMax: intp(4), wantMin: 2, wantMax: 4},
		{name: "optional array", cwlType: "File[]?", wpsMin: intp(1), wantMin: 0, wantMax: model.Unbounded},
		{name: "required ignores min zero", cwlType: "File", wpsMin: intp(0), wantMin: 1, wantMax: 1},
		{name: "max over one on scalar", cwlType: "File", wpsMax: intp(3), conflict: true},
		{name: "unbounded on scalar", cwlType: "string", wpsMax: intp(model.Unbounded), conflict: true},
		{name: "max one on array", cwlType: "File[]", wpsMax: intp(1), conflict: true},
		{name: "min over max", cwlType: "File[]", wpsMin: intp(6), wpsMax: intp(3), conflict: true},
		{name: "min over one on scalar", cwlType: "File", wpsMin: intp(2), conflict: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			typ, err := cwl.ParseType(tt.cwlType)
			require.NoError(t, err)
			cp := cwl.Param{ID: "x", Type: typ, Default: tt.def, HasDefault: tt.def != nil}
			wp := &Param{ID: "x", MinOccurs: tt.wpsMin, MaxOccurs: tt.wpsMax}

			minOccurs, maxOccurs, errs := mergeOccurs("inputs.x", cp, wp, true)
			if tt.conflict {
				require.NotEmpty(t, errs)
				return
			}
			require.Empty(t, errs)
			require.Equal(t, tt.wantMin, minOccurs)
			require.Equal(t, tt.wantMax, maxOccurs)
		})
	}
}

func TestMergeType(t *testing.T) {
	tests := []struct {
		name     string
		cwlType  string
		wp       *Param
		want     model.ParamType
		conflict bool
	}{
		{"no description", "long", nil, model.TypeLong, false},
		{"integer on int", "int", &Param{Literal: LiteralInteger}, model.TypeInt, false},
		{"integer on double", "double", &Param{Literal: LiteralInteger}, model.TypeDouble, false},
		{"number on int", "int", &Param{Literal: LiteralNumber}, model.TypeInt, true},
		{"complex on file", "File", &Param{Complex: true}, model.TypeFile, false},
		{"complex on string", "string", &Param{Complex: true}, model.TypeString, true},
		{"literal on file", "File", &Param{Literal: LiteralString}, model.TypeFile, true},
		{"untyped on file", "Directory", &Param{}, model.TypeDirectory, false},
		{"boolean on string", "string", &Param{Literal: LiteralBoolean}, model.TypeString, true},
		{"anything on Any", "Any", &Param{Complex: true}, model.TypeAny, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			typ, err := cwl.ParseType(tt.cwlType)
			require.NoError(t, err)
			got, errs := mergeType("inputs.x", typ, tt.wp)
			require.Equal(t, tt.want, got)
			require.Equal(t, tt.conflict, len(errs) > 0, "errs: %v", errs)
		})
	}
}

func TestMergeFormats(t *testing.T) {
	tiff := "http://edamontology.org/format_3591"
	png := "http://edamontology.org/format_3603"

	formats, errs := mergeFormats("f", []string{tiff, png}, nil)
	require.Empty(t, errs)
	require.Len(t, formats, 2)
	require.Equal(t, "image/tiff", formats[0].MediaType)

	formats, errs = mergeFormats("f", []string{tiff, png}, &Param{Formats: []model.Format{{MediaType: "image/png", Encoding: "binary"}}})
	require.Empty(t, errs)
	require.Equal(t, []model.Format{{MediaType: "image/png", Encoding: "binary"}}, formats)

	_, errs = mergeFormats("f", []string{tiff}, &Param{Formats: []model.Format{{MediaType: "application/json"}}})
	require.Len(t, errs, 1)

	_, errs = mergeFormats("f", []string{"http://example.org/custom"}, &Param{Formats: []model.Format{{MediaType: "image/tiff"}}})
	require.Len(t, errs, 1)

	formats, errs = mergeFormats("f", nil, &Param{Formats: []model.Format{{MediaType: "text/csv"}}})
	require.Empty(t, errs)
	require.Equal(t, "text/csv", formats[0].MediaType)
}

func TestMergeAllowedValues(t *testing.T) {
	values, errs := mergeAllowedValues("a", []string{"fast", "slow"}, &Param{AllowedValues: []string{"fast"}})
	require.Empty(t, errs)
	require.Equal(t, []string{"fast", "slow"}, values)

	values, errs = mergeAllowedValues("a", nil, &Param{AllowedValues: []string{"x", "y"}})
	require.Empty(t, errs)
	require.Equal(t, []string{"x", "y"}, values)

	_, errs = mergeAllowedValues("a", []string{"fast"}, &Param{AllowedValues: []string{"turbo"}})
	require.Len(t, errs, 1)
}

func TestNormalize_CollectsAllConflicts(t *testing.T) {
	_, err := normalize(t, `
class: CommandLineTool
inputs:
  image: {type: File, format: "edam:format_3591"}
  count: int
outputs: {}
`, `{
  "inputs": {
    "image": {"formats": [{"mediaType": "application/pdf"}]},
    "count": {"schema": {"type": "integer"}, "maxOccurs": 4},
    "extra": {"schema": {"type": "string"}}
  }
}`)
	fields := mismatchFields(t, err)
	require.ElementsMatch(t, []string{"inputs.image.formats", "inputs.count.maxOccurs", "inputs.extra"}, fields)
}

func TestNormalize_DescriptionOnly(t *testing.T) {
	proc, err := normalize(t, "", `
process:
  id: remote-ndvi
  inputs:
    - id: scene
      schema: {type: string, contentMediaType: image/tiff}
      maxOccurs: unbounded
    - id: mode
      schema: {type: string, enum: [fast, exact]}
  outputs:
    - id: ndvi
      schema: {type: string, contentMediaType: image/tiff}
`)
	require.NoError(t, err)
	require.Equal(t, "remote-ndvi", proc.ID)
	scene, _ := proc.Input("scene")
	require.Equal(t, model.TypeFile, scene.Type)
	require.Equal(t, model.Unbounded, scene.MaxOccurs)
	mode, _ := proc.Input("mode")
	require.Equal(t, model.TypeEnum, mode.Type)
	require.Equal(t, []string{"fast", "exact"}, mode.AllowedValues)
	require.Empty(t, proc.Package.CWL)
}

func TestNormalize_CWLOnly(t *testing.T) {
	proc, err := normalize(t, `
cwlVersion: v1.2
class: CommandLineTool
id: echo
label: Echo
doc: Prints its message.
hints:
  - class: DockerRequirement
    dockerPull: alpine:3
inputs:
  - id: message
    type: string
    label: Message
outputs: []
`, "")
	require.NoError(t, err)
	require.Equal(t, "echo", proc.ID)
	require.Equal(t, "Echo", proc.Title)
	require.Equal(t, "Prints its message.", proc.Abstract)
	require.Equal(t, "alpine:3", proc.DockerImage)
	msg, _ := proc.Input("message")
	require.Equal(t, "Message", msg.Title)
}

func TestNormalizePackage_Invalid(t *testing.T) {
	_, err := normalize(t, "class: [", "")
	require.True(t, model.IsCode(err, model.ErrValidation))

	_, err = normalize(t, "", "")
	require.True(t, model.IsCode(err, model.ErrValidation))

	_, err = normalize(t, "class: ExpressionTool\ninputs: {}\noutputs: {}", "")
	require.True(t, model.IsCode(err, model.ErrValidation))
}
