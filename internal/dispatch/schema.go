package dispatch

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// validateParams checks an execute body against an action's params schema.
// It returns the failures as "field: description" lines.
func validateParams(schema map[string]interface{}, body []byte) ([]string, error) {
	if len(schema) == 0 {
		return nil, nil
	}
	doc := make(map[string]interface{}, len(schema))
	for k, v := range schema {
		// Draft URIs from sources are not always resolvable offline.
		if k == "$schema" || k == "$id" {
			continue
		}
		doc[k] = v
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	// gojsonschema resolves draft-07 definitions; sources may send $defs.
	if _, ok := doc["definitions"]; !ok {
		raw = bytes.ReplaceAll(raw, []byte(`"$defs":`), []byte(`"definitions":`))
		raw = bytes.ReplaceAll(raw, []byte(`"#/$defs/`), []byte(`"#/definitions/`))
	}

	result, err := gojsonschema.Validate(gojsonschema.NewBytesLoader(raw), gojsonschema.NewBytesLoader(body))
	if err != nil {
		return nil, err
	}
	if result.Valid() {
		return nil, nil
	}
	issues := make([]string, 0, len(result.Errors()))
	for _, re := range result.Errors() {
		issues = append(issues, strings.TrimSpace(re.Field()+": "+re.Description()))
	}
	return issues, nil
}
