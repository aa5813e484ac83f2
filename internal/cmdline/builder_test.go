package cmdline

import (
	"testing"

	"github.com/me/gowps/internal/cwlexpr"
	"github.com/me/gowps/pkg/cwl"
	"github.com/stretchr/testify/require"
)

func boolPtr(b bool) *bool { return &b }

func TestBuilder_SimpleCommand(t *testing.T) {
	doc := &cwl.Document{
		BaseCommand: []string{"echo"},
		Inputs: []cwl.Param{
			{ID: "message", Type: cwl.Type{Base: "string"}, InputBinding: &cwl.InputBinding{Position: 1}},
		},
	}
	res, err := NewBuilder(nil).Build(doc, map[string]any{"message": "hello world"}, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"echo", "hello world"}, res.Command)
}

func TestBuilder_PositionsAndPrefixes(t *testing.T) {
	doc := &cwl.Document{
		BaseCommand: []string{"gdal_calc.py"},
		Arguments: []any{
			"--quiet",
			&cwl.Argument{Position: 3, Prefix: "--outfile", ValueFrom: "$(runtime.outdir)/ndvi.tif"},
		},
		Inputs: []cwl.Param{
			{ID: "red", Type: cwl.Type{Base: "File"}, InputBinding: &cwl.InputBinding{Position: 1, Prefix: "-A"}},
			{ID: "nir", Type: cwl.Type{Base: "File"}, InputBinding: &cwl.InputBinding{Position: 1, Prefix: "-B"}},
			{ID: "nodata", Type: cwl.Type{Base: "int", Optional: true}, InputBinding: &cwl.InputBinding{Position: 2, Prefix: "--NoDataValue=", Separate: boolPtr(false)}},
			{ID: "overwrite", Type: cwl.Type{Base: "boolean"}, InputBinding: &cwl.InputBinding{Position: 4, Prefix: "--overwrite"}},
			{ID: "debug", Type: cwl.Type{Base: "boolean"}, InputBinding: &cwl.InputBinding{Position: 5, Prefix: "--debug"}},
			{ID: "unbound", Type: cwl.Type{Base: "string"}},
		},
	}
	inputs := map[string]any{
		"red":       cwlexpr.Enrich(map[string]any{"class": "File", "path": "/in/b04.tif"}),
		"nir":       cwlexpr.Enrich(map[string]any{"class": "File", "path": "/in/b08.tif"}),
		"nodata":    -9999,
		"overwrite": true,
		"debug":     false,
		"unbound":   "ignored",
	}
	res, err := NewBuilder(nil).Build(doc, inputs, &cwlexpr.Runtime{OutDir: "/out"})
	require.NoError(t, err)
	require.Equal(t, []string{
		"gdal_calc.py",
		"--quiet",
		"-B", "/in/b08.tif",
		"-A", "/in/b04.tif",
		"--NoDataValue=-9999",
		"--outfile", "/out/ndvi.tif",
		"--overwrite",
	}, res.Command)
}

func TestBuilder_Arrays(t *testing.T) {
	doc := &cwl.Document{
		BaseCommand: []string{"tool"},
		Inputs: []cwl.Param{
			{ID: "a_joined", Type: cwl.Type{Base: "string", Array: true}, InputBinding: &cwl.InputBinding{Position: 1, Prefix: "--bands", ItemSeparator: ","}},
			{ID: "b_items", Type: cwl.Type{Base: "int", Array: true, ItemBinding: &cwl.InputBinding{Prefix: "-n"}}, InputBinding: &cwl.InputBinding{Position: 2}},
			{ID: "c_plain", Type: cwl.Type{Base: "string", Array: true}, InputBinding: &cwl.InputBinding{Position: 3, Prefix: "--tags"}},
			{ID: "d_empty", Type: cwl.Type{Base: "string", Array: true}, InputBinding: &cwl.InputBinding{Position: 4, Prefix: "--never"}},
		},
	}
	inputs := map[string]any{
		"a_joined": []any{"B04", "B08"},
		"b_items":  []any{1, 2},
		"c_plain":  []any{"x", "y"},
		"d_empty":  []any{},
	}
	res, err := NewBuilder(nil).Build(doc, inputs, nil)
	require.NoError(t, err)
	require.Equal(t, []string{
		"tool",
		"--bands", "B04,B08",
		"-n", "1", "-n", "2",
		"--tags", "x", "y",
	}, res.Command)
}

func TestBuilder_ValueFromAndRedirects(t *testing.T) {
	doc := &cwl.Document{
		BaseCommand: []string{"wc"},
		Stdin:       "$(inputs.text.path)",
		Stdout:      "$(inputs.text.nameroot).count",
		Inputs: []cwl.Param{
			{ID: "text", Type: cwl.Type{Base: "File"}},
			{ID: "mode", Type: cwl.Type{Base: "string"}, InputBinding: &cwl.InputBinding{ValueFrom: "-$(self)"}},
		},
	}
	inputs := map[string]any{
		"text": cwlexpr.Enrich(map[string]any{"class": "File", "path": "/in/words.txt"}),
		"mode": "l",
	}
	res, err := NewBuilder(nil).Build(doc, inputs, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"wc", "-l"}, res.Command)
	require.Equal(t, "/in/words.txt", res.Stdin)
	require.Equal(t, "words.count", res.Stdout)
	require.Empty(t, res.Stderr)
}

func TestBuilder_ExpressionError(t *testing.T) {
	doc := &cwl.Document{
		BaseCommand: []string{"x"},
		Arguments:   []any{"$(inputs.nope.path)"},
	}
	_, err := NewBuilder(nil).Build(doc, map[string]any{}, nil)
	require.ErrorContains(t, err, "argument[0]")
}
