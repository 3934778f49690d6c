package models

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/invopop/jsonschema"

	"github.com/CybercentreCanada/clue/internal/selector"
)

var schemaTargets = map[string]struct {
	title  string
	target interface{}
}{
	"plugin_response": {"QueryResult", &QueryResult{}},
	"annotation":      {"Annotation", &Annotation{}},
	"action":          {"Action", &Action{}},
	"action_result":   {"ActionResult", &ActionResult{}},
	"fetcher":         {"FetcherDefinition", &FetcherDefinition{}},
	"fetcher_result":  {"FetcherResult", &FetcherResult{}},
}

// SchemaNames lists the models Schema can describe.
func SchemaNames() []string {
	names := make([]string, 0, len(schemaTargets))
	for name := range schemaTargets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Schema returns the JSON schema of a public model by name.
func Schema(name string) (map[string]interface{}, bool) {
	t, ok := schemaTargets[name]
	if !ok {
		return nil, false
	}
	s := reflector().Reflect(t.target)
	s.Title = t.title
	m, err := schemaMap(s)
	if err != nil {
		return nil, false
	}
	return m, true
}

func reflector() *jsonschema.Reflector {
	return &jsonschema.Reflector{
		ExpandedStruct:            true,
		AllowAdditionalProperties: true,
	}
}

func schemaMap(s *jsonschema.Schema) (map[string]interface{}, error) {
	s.Version = ""
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode schema: %w", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}
	return m, nil
}

// ParamsSchema derives an action's params schema from params, a pointer to a
// struct of action-specific fields. The selector, selectors and context keys
// every execute request carries are added to it. A nil params yields the
// base request schema.
func ParamsSchema(title string, params interface{}) (map[string]interface{}, error) {
	r := reflector()

	schema := map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
	if params != nil {
		m, err := schemaMap(r.Reflect(params))
		if err != nil {
			return nil, err
		}
		schema = m
	}
	schema["title"] = title

	sel, err := schemaMap(r.Reflect(&selector.Selector{}))
	if err != nil {
		return nil, err
	}
	sel["title"] = "Selector"

	defs, _ := schema["$defs"].(map[string]interface{})
	if defs == nil {
		defs = map[string]interface{}{}
	}
	defs["Selector"] = sel
	schema["$defs"] = defs

	props, _ := schema["properties"].(map[string]interface{})
	if props == nil {
		props = map[string]interface{}{}
	}
	props["selector"] = map[string]interface{}{
		"anyOf":       []interface{}{map[string]interface{}{"$ref": "#/$defs/Selector"}, map[string]interface{}{"type": "null"}},
		"description": "The selector to execute the action on.",
	}
	props["selectors"] = map[string]interface{}{
		"anyOf": []interface{}{
			map[string]interface{}{"type": "array", "items": map[string]interface{}{"$ref": "#/$defs/Selector"}},
			map[string]interface{}{"type": "null"},
		},
		"description": "The selectors to execute the action on.",
	}
	props["context"] = map[string]interface{}{
		"anyOf":       []interface{}{map[string]interface{}{"type": "object"}, map[string]interface{}{"type": "null"}},
		"description": "Free-form information about where the action was launched from.",
	}
	schema["properties"] = props
	return schema, nil
}
