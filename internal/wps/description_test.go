package wps

import (
	"testing"

	"github.com/me/gowps/pkg/model"
	"github.com/stretchr/testify/require"
)

func TestParseDescription_OGCShape(t *testing.T) {
	desc, err := ParseDescription([]byte(`{
  "processDescription": {
    "process": {
      "id": "ndvi",
      "title": "NDVI",
      "description": "Vegetation index",
      "keywords": ["eo", "raster"],
      "inputs": {
        "red": {
          "title": "Red band",
          "schema": {"oneOf": [
            {"type": "string", "contentMediaType": "image/tiff"},
            {"type": "string", "contentMediaType": "image/jp2"}
          ]}
        },
        "scale": {"schema": {"type": "number", "default": 1.0}, "minOccurs": 0},
        "tiles": {"schema": {"type": "array", "maxItems": 8, "items": {"type": "integer"}}}
      },
      "outputs": {
        "index": {"schema": {"type": "string", "contentMediaType": "image/tiff"}}
      }
    }
  }
}`))
	require.NoError(t, err)
	require.Equal(t, "ndvi", desc.ID)
	require.Equal(t, "Vegetation index", desc.Abstract)
	require.Equal(t, []string{"eo", "raster"}, desc.Keywords)
	require.Len(t, desc.Inputs, 3)

	red, ok := desc.Input("red")
	require.True(t, ok)
	require.True(t, red.Complex)
	require.Len(t, red.Formats, 2)
	require.Nil(t, red.MaxOccurs)

	scale, _ := desc.Input("scale")
	require.Equal(t, LiteralNumber, scale.Literal)
	require.Equal(t, 0, *scale.MinOccurs)
	require.Equal(t, 1.0, scale.Default)

	tiles, _ := desc.Input("tiles")
	require.Equal(t, LiteralInteger, tiles.Literal)
	require.Equal(t, 8, *tiles.MaxOccurs)

	index, ok := desc.Output("index")
	require.True(t, ok)
	require.Equal(t, "image/tiff", index.Formats[0].MediaType)
}

func TestParseDescription_ListForm(t *testing.T) {
	desc, err := ParseDescription([]byte(`
identifier: legacy
abstract: Legacy form
inputs:
  - identifier: data
    minOccurs: "1"
    maxOccurs: unbounded
    formats:
      - mimeType: text/csv
      - mediaType: application/json
        encoding: utf-8
`))
	require.NoError(t, err)
	require.Equal(t, "legacy", desc.ID)
	data, ok := desc.Input("data")
	require.True(t, ok)
	require.True(t, data.Complex)
	require.Equal(t, 1, *data.MinOccurs)
	require.Equal(t, model.Unbounded, *data.MaxOccurs)
	require.Equal(t, []model.Format{
		{MediaType: "text/csv"},
		{MediaType: "application/json", Encoding: "utf-8"},
	}, data.Formats)
}

func TestParseDescription_Errors(t *testing.T) {
	tests := map[string]string{
		"not a document":  "[1, 2",
		"empty":           "",
		"bad inputs":      `{"inputs": "x"}`,
		"missing id":      `{"inputs": [{"title": "x"}]}`,
		"duplicate id":    `{"inputs": [{"id": "a"}, {"id": "a"}]}`,
		"negative occurs": `{"inputs": {"a": {"minOccurs": -1}}}`,
		"bad max":         `{"inputs": {"a": {"maxOccurs": "many"}}}`,
		"unbounded min":   `{"inputs": {"a": {"minOccurs": "unbounded"}}}`,
	}
	for name, src := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseDescription([]byte(src))
			require.Error(t, err)
		})
	}
}
