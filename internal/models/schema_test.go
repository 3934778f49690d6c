package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemaPluginResponse(t *testing.T) {
	s, ok := Schema("plugin_response")
	require.True(t, ok)

	assert.Equal(t, "QueryResult", s["title"])
	assert.Equal(t, "object", s["type"])
	assert.Contains(t, s, "properties")
	assert.Contains(t, s, "required")
	assert.Contains(t, s, "$defs")
	assert.NotContains(t, s, "$schema")

	props := s["properties"].(map[string]interface{})
	assert.Contains(t, props, "items")
	assert.Contains(t, props, "error")

	_, ok = Schema("doesntexist")
	assert.False(t, ok)
	assert.Contains(t, SchemaNames(), "action_result")
}

func TestParamsSchema(t *testing.T) {
	type params struct {
		OtherValue string `json:"other_value,omitempty" jsonschema:"description=A value"`
		Choice     string `json:"choice" jsonschema:"enum=a,enum=b,enum=c"`
	}

	s, err := ParamsSchema("Params", &params{})
	require.NoError(t, err)

	assert.Equal(t, "Params", s["title"])
	props := s["properties"].(map[string]interface{})
	for _, key := range []string{"other_value", "choice", "selector", "selectors", "context"} {
		assert.Contains(t, props, key)
	}
	assert.Equal(t, []interface{}{"choice"}, s["required"])

	defs := s["$defs"].(map[string]interface{})
	assert.Contains(t, defs, "Selector")
}
