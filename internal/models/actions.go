package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/CybercentreCanada/clue/internal/selector"
)

// Outcome is the business result of an action or fetcher.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

func (o Outcome) valid() bool {
	return o == OutcomeSuccess || o == OutcomeFailure
}

// Action describes a named operation a source can execute on selectors.
type Action struct {
	ID             string                 `json:"id"`
	Name           string                 `json:"name"`
	Classification string                 `json:"classification"`
	Summary        string                 `json:"summary"`
	ActionIcon     string                 `json:"action_icon,omitempty"`
	SupportedTypes []string               `json:"supported_types"`
	AcceptMultiple bool                   `json:"accept_multiple"`
	AcceptEmpty    bool                   `json:"accept_empty"`
	Format         string                 `json:"format,omitempty"`
	Params         map[string]interface{} `json:"params"`
	ExtraSchema    map[string]interface{} `json:"extra_schema,omitempty"`
}

// Validate checks the descriptor shape.
func (a Action) Validate() error {
	is := &issues{}
	if !ValidSlug(a.ID) {
		is.add("id", "id must be a lowercase slug")
	}
	if a.Name == "" {
		is.add("name", reasonRequired)
	}
	if a.Classification == "" {
		is.add("classification", reasonRequired)
	}
	if a.Summary == "" {
		is.add("summary", reasonRequired)
	}
	checkTypes(is, a.SupportedTypes)
	if len(a.Params) == 0 {
		is.add("params", reasonRequired)
	} else if _, ok := a.Params["properties"]; !ok {
		is.add("params.properties", reasonRequired)
	}
	if a.Format != "" && a.Format != FormatPivot && !KnownFormat(a.Format) {
		is.addf("format", "Unknown format %s", a.Format)
	}
	return is.err()
}

// Supports reports whether the action accepts a selector of normalized type t.
func (a Action) Supports(t string) bool {
	return selector.Supports(selector.TypeSet(a.SupportedTypes), t)
}

// CheckRequest applies the action's cardinality and type rules to req. When
// req breaks one, the failure to return is reported with false.
func (a Action) CheckRequest(req ExecuteRequest) (ActionResult, bool) {
	if req.Selector == nil && len(req.Selectors) > 1 && !a.AcceptMultiple {
		return Failure(fmt.Sprintf("Action %s does not support multiple selectors.", a.ID)), false
	}
	sels := req.AllSelectors()
	if len(sels) == 0 {
		if !a.AcceptEmpty {
			return Failure(fmt.Sprintf("Action %s requires a selector.", a.ID)), false
		}
		return ActionResult{}, true
	}
	for _, sel := range sels {
		if !a.Supports(sel.Type) {
			return Failure(fmt.Sprintf("Action %s does not support type %s.", a.ID, sel.Type)), false
		}
	}
	return ActionResult{}, true
}

func checkTypes(is *issues, types []string) {
	if len(types) == 0 {
		is.add("supported_types", reasonRequired)
		return
	}
	for i, t := range types {
		norm, _ := selector.Normalize(t, "")
		if !selector.Known(norm) {
			is.addf(indexPath("supported_types", i), "Unknown selector type %s", t)
		}
	}
}

// ActionContext is the caller-supplied context forwarded verbatim to the
// executing source. Any key is allowed; a few have typed accessors.
type ActionContext map[string]interface{}

// ContextInfo is the typed view of the well-known context keys. Fields are
// nil when the key is absent or not of the expected type.
type ContextInfo struct {
	URL       *string    `json:"url,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
	Language  *string    `json:"language,omitempty"`
}

// Get returns any key, typed or not.
func (c ActionContext) Get(key string) (interface{}, bool) {
	if c == nil {
		return nil, false
	}
	v, ok := c[key]
	return v, ok
}

func (c ActionContext) str(key string) *string {
	if v, ok := c.Get(key); ok {
		if s, ok := v.(string); ok {
			return &s
		}
	}
	return nil
}

// URL is the page the action was launched from.
func (c ActionContext) URL() *string { return c.str("url") }

// Language is the caller's UI language.
func (c ActionContext) Language() *string { return c.str("language") }

// Timestamp is when the caller launched the action.
func (c ActionContext) Timestamp() *time.Time {
	s := c.str("timestamp")
	if s == nil {
		return nil
	}
	t, err := ParseTimestamp(*s)
	if err != nil {
		return nil
	}
	return &t
}

// Info projects the well-known keys into ContextInfo.
func (c ActionContext) Info() ContextInfo {
	return ContextInfo{URL: c.URL(), Timestamp: c.Timestamp(), Language: c.Language()}
}

// CoerceContext projects the open context map onto T, a struct describing the
// keys a source cares about. Keys T does not declare are ignored; the map
// itself is left untouched.
func CoerceContext[T any](c ActionContext) (T, error) {
	var out T
	if c == nil {
		return out, nil
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return out, fmt.Errorf("encode context: %w", err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("coerce context: %w", err)
	}
	return out, nil
}

// ExecuteRequest is the body of an action execution. Action specific
// parameters travel as extra top-level keys and are kept in Params.
type ExecuteRequest struct {
	Selector  *selector.Selector     `json:"selector,omitempty"`
	Selectors []selector.Selector    `json:"selectors,omitempty"`
	Context   ActionContext          `json:"context,omitempty"`
	Params    map[string]interface{} `json:"-"`
}

var executeRequestKeys = map[string]struct{}{"selector": {}, "selectors": {}, "context": {}}

func (r ExecuteRequest) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(r.Params)+3)
	for k, v := range r.Params {
		if _, reserved := executeRequestKeys[k]; !reserved {
			out[k] = v
		}
	}
	if r.Selector != nil {
		out["selector"] = r.Selector
	}
	if len(r.Selectors) > 0 {
		out["selectors"] = r.Selectors
	}
	if r.Context != nil {
		out["context"] = r.Context
	}
	return json.Marshal(out)
}

func (r *ExecuteRequest) UnmarshalJSON(data []byte) error {
	var base struct {
		Selector  *selector.Selector  `json:"selector"`
		Selectors []selector.Selector `json:"selectors"`
		Context   ActionContext       `json:"context"`
	}
	if err := json.Unmarshal(data, &base); err != nil {
		return err
	}
	var all map[string]interface{}
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	r.Selector = base.Selector
	r.Selectors = base.Selectors
	r.Context = base.Context
	r.Params = nil
	for k, v := range all {
		if _, reserved := executeRequestKeys[k]; reserved {
			continue
		}
		if r.Params == nil {
			r.Params = make(map[string]interface{})
		}
		r.Params[k] = v
	}
	return nil
}

// Normalize lower-cases and resolves every selector in the request.
func (r *ExecuteRequest) Normalize() {
	if r.Selector != nil {
		s := selector.NormalizeSelector(*r.Selector)
		r.Selector = &s
	}
	for i := range r.Selectors {
		r.Selectors[i] = selector.NormalizeSelector(r.Selectors[i])
	}
}

// AllSelectors returns the single selector or the plural list.
func (r ExecuteRequest) AllSelectors() []selector.Selector {
	if r.Selector != nil {
		return []selector.Selector{*r.Selector}
	}
	return r.Selectors
}

// ActionResult is the structured outcome of an action.
type ActionResult struct {
	Outcome Outcome     `json:"outcome"`
	Summary string      `json:"summary"`
	Format  string      `json:"format,omitempty"`
	Output  interface{} `json:"output,omitempty"`
	Link    string      `json:"link,omitempty"`
}

// NewActionResult builds and validates a result.
func NewActionResult(outcome Outcome, summary, format string, output interface{}) (ActionResult, error) {
	r := ActionResult{Outcome: outcome, Summary: summary, Format: format, Output: output}
	if err := r.Validate(); err != nil {
		return ActionResult{}, err
	}
	if u, ok := output.(*url.URL); ok {
		r.Output = u.String()
	}
	return r, nil
}

// Failure builds a failed result with no output.
func Failure(summary string) ActionResult {
	return ActionResult{Outcome: OutcomeFailure, Summary: summary}
}

// Validate enforces the format/output pairing rules.
func (r ActionResult) Validate() error {
	if !r.Outcome.valid() {
		return &ValidationError{Issues: []FieldError{{Path: "outcome", Reason: "Input should be 'success' or 'failure'"}}}
	}
	if r.Output == nil {
		if r.Outcome == OutcomeSuccess && r.Format == "" {
			return validationf("format", "If outcome is success you must set a format or output")
		}
		return nil
	}
	if r.Format == "" {
		return validationf("format", "If output is set, you must set a format.")
	}

	_, isURL := r.Output.(*url.URL)
	if r.Format == FormatPivot {
		if isURL {
			return nil
		}
		if s, ok := r.Output.(string); ok {
			if u, err := url.Parse(s); err == nil && u.Scheme != "" && u.Host != "" {
				return nil
			}
		}
		return validationf("output", "If format is pivot, output must be a Url.")
	}
	if isURL {
		return validationf("output", "You can only return a Url if format is set to pivot.")
	}
	if err := checkData(r.Format, r.Output); err != nil {
		return wrapValidation("output", err)
	}
	return nil
}

// ParseActionResult validates an untrusted action result and decodes its
// output into the registered type for its format.
func ParseActionResult(data []byte) (ActionResult, error) {
	var wire struct {
		Outcome Outcome         `json:"outcome"`
		Summary string          `json:"summary"`
		Format  string          `json:"format"`
		Output  json.RawMessage `json:"output"`
		Link    string          `json:"link"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return ActionResult{}, validationf("", "Invalid JSON: %s", err)
	}
	r := ActionResult{Outcome: wire.Outcome, Summary: wire.Summary, Format: wire.Format, Link: wire.Link}
	if len(wire.Output) > 0 && string(wire.Output) != "null" {
		if wire.Format == "" {
			return ActionResult{}, validationf("format", "If output is set, you must set a format.")
		}
		if wire.Format == FormatPivot {
			var s string
			if err := json.Unmarshal(wire.Output, &s); err != nil {
				return ActionResult{}, validationf("output", "If format is pivot, output must be a Url.")
			}
			r.Output = s
		} else {
			out, err := DecodeResult(wire.Format, wire.Output)
			if err != nil {
				return ActionResult{}, wrapValidation("output", err)
			}
			r.Output = out
		}
	}
	if err := r.Validate(); err != nil {
		return ActionResult{}, err
	}
	return r, nil
}

func validationf(path, format string, args ...interface{}) error {
	return &ValidationError{Issues: []FieldError{{Path: path, Reason: fmt.Sprintf(format, args...)}}}
}

func wrapValidation(path string, err error) error {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Prefix(path)
	}
	return &ValidationError{Issues: []FieldError{{Path: path, Reason: err.Error()}}}
}
