package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type exampleResult struct {
	Hello string `json:"hello"`
}

func (r exampleResult) Validate() error {
	if r.Hello == "" {
		return validationf("hello", reasonRequired)
	}
	return nil
}

func TestBuiltinFormats(t *testing.T) {
	for _, f := range []string{FormatJSON, FormatImage, FormatGraph, FormatStatus} {
		assert.True(t, KnownFormat(f), f)
	}
	assert.False(t, KnownFormat(FormatPivot))

	f, ok := FormatOf(ImageResult{})
	assert.True(t, ok)
	assert.Equal(t, FormatImage, f)

	f, ok = FormatOf(&StatusResult{})
	assert.True(t, ok)
	assert.Equal(t, FormatStatus, f)

	_, ok = FormatOf(map[string]interface{}{})
	assert.False(t, ok)
}

func TestRegisterResultIsBijective(t *testing.T) {
	def := FetcherDefinition{ID: "preview", Format: "example", Classification: "TLP:CLEAR", Description: "example thing", SupportedTypes: []string{"sha256"}}
	if !KnownFormat("example") {
		require.Error(t, def.Validate())
	}

	if err := RegisterResult[exampleResult]("example"); err != nil {
		require.ErrorIs(t, err, ErrFormatConflict)
	}
	assert.True(t, KnownFormat("example"))
	assert.Contains(t, Formats(), "example")
	assert.NoError(t, def.Validate())

	f, ok := FormatOf(exampleResult{})
	require.True(t, ok)
	assert.Equal(t, "example", f)

	// Neither side of the mapping can be rebound.
	assert.ErrorIs(t, RegisterResult[exampleResult]("other"), ErrFormatConflict)
	assert.ErrorIs(t, RegisterResult[ImageResult]("example2"), ErrFormatConflict)
	assert.ErrorIs(t, RegisterResult[exampleResult](FormatPivot), ErrFormatConflict)

	v, err := DecodeResult("example", json.RawMessage(`{"hello":"world"}`))
	require.NoError(t, err)
	assert.Equal(t, exampleResult{Hello: "world"}, v)

	_, err = DecodeResult("example", json.RawMessage(`{}`))
	assert.Error(t, err)
}

func TestDecodeUnknownFormatFailsClosed(t *testing.T) {
	_, err := DecodeResult("nope", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrUnknownFormat)
}

func TestImageResult(t *testing.T) {
	assert.NoError(t, ImageResult{Image: "https://example.com", Alt: "Alt Text"}.Validate())
	assert.NoError(t, ImageResult{Image: "data:image/png;base64,AAAA", Alt: "inline"}.Validate())
	assert.Error(t, ImageResult{Image: "https://example.com"}.Validate())
	assert.Error(t, ImageResult{Image: "nope", Alt: "x"}.Validate())
}

func TestGraphResult(t *testing.T) {
	v, err := DecodeResult(FormatGraph, json.RawMessage(`{
		"metadata": {"type": "tree"},
		"data": [[{"id": "root", "edges": []}], [{"id": "child", "edges": ["root"]}]]
	}`))
	require.NoError(t, err)
	g := v.(GraphResult)
	assert.Len(t, g.Data, 2)
	assert.Equal(t, "tree", g.Metadata.Type)

	_, err = DecodeResult(FormatGraph, json.RawMessage(`{"data": [[{"edges": []}]]}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "data.[0].[0].id")

	_, err = DecodeResult(FormatGraph, json.RawMessage(`{"metadata": {}}`))
	assert.Error(t, err)
}

func TestStatusResult(t *testing.T) {
	defer SetLocalizationLanguages(nil)

	SetLocalizationLanguages(nil)
	assert.NoError(t, StatusResult{}.Validate())
	assert.NoError(t, StatusResult{Color: "#000000"}.Validate())
	assert.Error(t, StatusResult{Color: "bad color"}.Validate())

	SetLocalizationLanguages([]string{"en"})
	assert.NoError(t, StatusResult{Labels: []StatusLabel{{Language: "en", Label: "test"}}}.Validate())
	assert.Error(t, StatusResult{}.Validate())
}
