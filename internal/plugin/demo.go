package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/CybercentreCanada/clue/internal/models"
	"github.com/CybercentreCanada/clue/internal/selector"
)

// DemoParams are the extra fields the demo's parametrized actions accept.
type DemoParams struct {
	OtherValue  string `json:"other_value,omitempty" jsonschema:"description=Another field you should show"`
	Choice      string `json:"choice,omitempty" jsonschema:"enum=a,enum=b,enum=c,default=a,description=Another choice for you"`
	OtherChoice string `json:"other_choice" jsonschema:"enum=a,enum=b,enum=c,description=Another choice for you with no default"`
}

var demoTypes = []string{"ipv4", "ipv6", "port", "sha256"}

// NewDemo builds a self-contained source exercising every part of the
// contract. It answers every lookup with the same entry. Each modify func
// adjusts the options before the plugin is built.
func NewDemo(name, classification string, logger *zap.Logger, modify ...func(*Options)) (*Plugin, error) {
	if classification == "" {
		classification = "TLP:CLEAR"
	}
	actionTypes := []string{"ip", "port", "sha256", "email_address"}
	action := func(id, name, summary string, multiple, empty bool, req interface{}) ActionDef {
		return ActionDef{
			Action: models.Action{
				ID:             id,
				Name:           name,
				Classification: classification,
				Summary:        summary,
				ActionIcon:     "codicon:terminal",
				SupportedTypes: actionTypes,
				AcceptMultiple: multiple,
				AcceptEmpty:    empty,
			},
			Request: req,
		}
	}
	fetcher := func(id, format string) models.FetcherDefinition {
		return models.FetcherDefinition{
			ID:             id,
			Classification: classification,
			Description:    "demo fetcher " + id,
			Format:         format,
			SupportedTypes: demoTypes,
		}
	}

	opts := Options{
		Name:           name,
		Classification: classification,
		SupportedTypes: demoTypes,
		Enrich:         demoEnrich(classification),
		Actions: []ActionDef{
			action("test_pivot", "Test Pivot", "Execute a pivot", true, false, nil),
			action("test_context", "Test Context", "Test context field", false, false, nil),
			action("test_action", "Test Action", "Tester", true, false, &DemoParams{}),
			action("test_action_single", "Test Action", "Tester", false, false, &DemoParams{}),
			action("test_action_empty", "Test Action", "Tester", false, true, &DemoParams{}),
		},
		RunAction: demoAction,
		Fetchers: []models.FetcherDefinition{
			fetcher("json", models.FormatJSON),
			fetcher("image", models.FormatImage),
			fetcher("graph", models.FormatGraph),
			fetcher("status", models.FormatStatus),
		},
		RunFetcher: demoFetch,
		Logger:     logger,
	}
	for _, m := range modify {
		m(&opts)
	}
	return New(opts)
}

func demoEnrich(classification string) EnrichFunc {
	return func(ctx context.Context, sel selector.Selector, _ LookupParams, _ string) ([]models.QueryEntry, error) {
		severity := 1.0
		opinion, err := models.NewAnnotation(models.Annotation{
			Analytic:   "demo enrichment",
			Type:       models.AnnotationOpinion,
			Value:      "malicious",
			Confidence: 0.7,
			Severity:   &severity,
			Summary:    "This is a bad " + sel.Type,
			Details:    "# Breaking news\nThis is a bad " + sel.Type,
			Timestamp:  "2024-01-01T01:01:01",
			Version:    "0.0.1",
		})
		if err != nil {
			return nil, err
		}
		frequency, err := models.NewAnnotation(models.Annotation{
			Author:     "demo",
			Type:       models.AnnotationFrequency,
			Value:      int64(10),
			Confidence: 1,
			Summary:    "Seen 10 times",
		})
		if err != nil {
			return nil, err
		}
		return []models.QueryEntry{{
			Classification: classification,
			Count:          10,
			Link:           "https://example.com/",
			Annotations:    []models.Annotation{opinion, frequency},
			RawData:        []models.RawData{{Classification: classification, Data: `{"test": "raw data"}`}},
		}}, nil
	}
}

func demoAction(_ context.Context, action models.Action, req models.ExecuteRequest, _ string) (models.ActionResult, error) {
	switch action.ID {
	case "test_pivot":
		query := "potato"
		if sels := req.AllSelectors(); len(sels) > 0 {
			values := make([]string, len(sels))
			for i, s := range sels {
				values[i] = url.QueryEscape(s.Value)
			}
			query = strings.Join(values, "+or+")
		}
		return models.NewActionResult(models.OutcomeSuccess, "Opening google with your selector",
			models.FormatPivot, "https://www.google.com/search?q="+query)

	case "test_context":
		if req.Context == nil {
			return models.ActionResult{Outcome: models.OutcomeFailure, Summary: "No context provided",
				Format: models.FormatJSON, Output: map[string]interface{}{"context": nil}}, nil
		}
		info := req.Context.Info()
		return models.NewActionResult(models.OutcomeSuccess, "Context received", models.FormatJSON,
			map[string]interface{}{"context": req.Context, "url": info.URL, "timestamp": info.Timestamp, "language": info.Language})
	}

	var params DemoParams
	if len(req.Params) > 0 {
		raw, err := json.Marshal(req.Params)
		if err != nil {
			return models.ActionResult{}, err
		}
		if err := json.Unmarshal(raw, &params); err != nil {
			return models.ActionResult{}, fmt.Errorf("invalid parameters: %w", err)
		}
	}

	if action.AcceptEmpty {
		if req.Selector != nil {
			return models.ActionResult{Outcome: models.OutcomeFailure, Summary: "We got a value",
				Format: models.FormatJSON, Output: map[string]interface{}{"value": req.Selector}}, nil
		}
		return models.NewActionResult(models.OutcomeSuccess, "We don't got a value", models.FormatJSON,
			map[string]interface{}{"value": nil})
	}

	switch {
	case params.Choice == "c":
		return models.ActionResult{Outcome: models.OutcomeFailure, Summary: "We don't got a value",
			Format: models.FormatJSON, Output: map[string]interface{}{"value": nil}}, nil
	case params.OtherValue != "":
		return models.NewActionResult(models.OutcomeSuccess, "We got a param value", models.FormatJSON,
			map[string]interface{}{"value": params.OtherValue})
	case req.Selector != nil:
		return models.NewActionResult(models.OutcomeSuccess, "We got a value", models.FormatJSON,
			map[string]interface{}{"value": req.Selector})
	case len(req.Selectors) > 0 && action.AcceptMultiple:
		values := make([]string, len(req.Selectors))
		for i, s := range req.Selectors {
			values[i] = s.Value
		}
		return models.NewActionResult(models.OutcomeSuccess, "We got values", models.FormatJSON,
			map[string]interface{}{"values": values})
	}
	return models.ActionResult{Outcome: models.OutcomeFailure, Summary: "We don't got a value",
		Format: models.FormatJSON, Output: map[string]interface{}{"value": nil}}, nil
}

func demoFetch(_ context.Context, fetcher models.FetcherDefinition, sel selector.Selector, _ string) (models.FetcherResult, error) {
	switch fetcher.ID {
	case "json":
		return models.NewFetcherResult(models.OutcomeSuccess, models.FormatJSON, map[string]interface{}{"potato": "test"})
	case "graph":
		return models.NewFetcherResult(models.OutcomeSuccess, models.FormatGraph, models.GraphResult{
			Metadata: &models.GraphMetadata{Type: "tree"},
			Data: [][]models.GraphNode{
				{{ID: "root", Edges: []string{"child"}, Label: sel.Value}},
				{{ID: "child", Edges: []string{}, Label: "child process"}},
			},
		})
	case "status":
		labels := []models.StatusLabel{{Language: "en", Label: "Status Label"}, {Language: "fr", Label: "La Status Label"}}
		return models.NewFetcherResult(models.OutcomeSuccess, models.FormatStatus, models.StatusResult{Labels: labels, Color: "#f542f2"})
	}
	return models.NewFetcherResult(models.OutcomeSuccess, models.FormatImage, models.ImageResult{Image: "https://example.com", Alt: "Alt Text"})
}
