package models

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// AnnotationType is the kind of evidence an annotation carries.
type AnnotationType string

const (
	AnnotationOpinion    AnnotationType = "opinion"
	AnnotationFrequency  AnnotationType = "frequency"
	AnnotationAssessment AnnotationType = "assessment"
	AnnotationMitigation AnnotationType = "mitigation"
	AnnotationContext    AnnotationType = "context"
)

var annotationTypes = []AnnotationType{
	AnnotationOpinion, AnnotationFrequency, AnnotationAssessment, AnnotationMitigation, AnnotationContext,
}

// Opinions is the closed vocabulary of opinion annotation values.
var Opinions = []string{"malicious", "suspicious", "benign", "obscure"}

// RawData is an opaque payload a source attaches to an entry.
type RawData struct {
	Classification string `json:"classification"`
	Data           string `json:"data"`
}

// Annotation is one piece of enrichment evidence.
type Annotation struct {
	Analytic       string         `json:"analytic,omitempty"`
	AnalyticIcon   string         `json:"analytic_icon,omitempty"`
	Author         string         `json:"author,omitempty"`
	Type           AnnotationType `json:"type"`
	Value          interface{}    `json:"value"`
	Confidence     float64        `json:"confidence"`
	Severity       *float64       `json:"severity,omitempty"`
	Priority       *float64       `json:"priority,omitempty"`
	Summary        string         `json:"summary"`
	Details        string         `json:"details,omitempty"`
	Link           string         `json:"link,omitempty"`
	Icon           string         `json:"icon,omitempty"`
	Quantity       int64          `json:"quantity"`
	Timestamp      string         `json:"timestamp,omitempty"`
	Version        string         `json:"version,omitempty"`
	Ubiquitous     bool           `json:"ubiquitous"`
	Classification string         `json:"classification,omitempty"`
}

// NewAnnotation applies defaults to a and validates it.
func NewAnnotation(a Annotation) (Annotation, error) {
	a.applyDefaults()
	a.coerceValue()
	if err := a.Validate(); err != nil {
		return Annotation{}, err
	}
	return a, nil
}

func (a *Annotation) applyDefaults() {
	if a.Quantity == 0 {
		a.Quantity = 1
	}
	if a.Priority == nil {
		p := a.Confidence
		if a.Severity != nil {
			p = a.Confidence * *a.Severity
		}
		a.Priority = &p
	}
}

// Validate checks the typing of Value against Type and the numeric ranges.
func (a Annotation) Validate() error {
	is := &issues{}
	a.check(is, "")
	return is.err()
}

func (a Annotation) check(is *issues, path string) {
	if a.Analytic == "" && a.Author == "" {
		is.add(joinPath(path, "analytic"), reasonRequired)
	}
	if a.Summary == "" {
		is.add(joinPath(path, "summary"), reasonRequired)
	}

	known := false
	for _, t := range annotationTypes {
		if a.Type == t {
			known = true
			break
		}
	}
	if !known {
		is.add(joinPath(path, "type"), "Input should be 'opinion', 'frequency', 'assessment', 'mitigation' or 'context'")
	}

	switch a.Type {
	case AnnotationFrequency:
		if _, ok := frequencyValue(a.Value); !ok {
			is.add(joinPath(path, "value"), "Value must be an int if type is frequency")
		}
	case AnnotationOpinion:
		s, ok := a.Value.(string)
		if !ok {
			is.add(joinPath(path, "value"), "Value must be a string if type is not frequency")
		} else if !contains(Opinions, s) {
			is.addf(joinPath(path, "value"), "If type is opinion, value must be one of (%s)", strings.Join(Opinions, ", "))
		}
	default:
		if _, ok := a.Value.(string); !ok {
			is.add(joinPath(path, "value"), "Value must be a string if type is not frequency")
		}
	}

	checkUnit(is, joinPath(path, "confidence"), a.Confidence)
	if a.Severity != nil {
		checkUnit(is, joinPath(path, "severity"), *a.Severity)
	}
	if a.Priority != nil {
		checkUnit(is, joinPath(path, "priority"), *a.Priority)
	}
	if a.Timestamp != "" {
		if _, err := ParseTimestamp(a.Timestamp); err != nil {
			is.add(joinPath(path, "timestamp"), "Input should be a valid datetime")
		}
	}
}

// frequencyValue reads a frequency count. Numeric strings are parsed and
// fractional numbers are truncated toward zero.
func frequencyValue(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case nil, bool:
		return 0, false
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return truncate(f)
	case float64:
		return truncate(n)
	case float32:
		return truncate(float64(n))
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		return i, err == nil
	}
	return coerceInt(v)
}

func truncate(f float64) (int64, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f > math.MaxInt64 || f < math.MinInt64 {
		return 0, false
	}
	return int64(f), true
}

// coerceValue stores a frequency count as int64 so it serializes as an int.
func (a *Annotation) coerceValue() {
	if a.Type != AnnotationFrequency {
		return
	}
	if n, ok := frequencyValue(a.Value); ok {
		a.Value = n
	}
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTimestamp accepts RFC 3339 and ISO 8601 timestamps without a zone.
func ParseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// QueryEntry is one enrichment record returned by a source for a selector.
type QueryEntry struct {
	Classification string       `json:"classification,omitempty"`
	Count          int64        `json:"count"`
	Link           string       `json:"link,omitempty"`
	Annotations    []Annotation `json:"annotations"`
	RawData        []RawData    `json:"raw_data,omitempty"`
}

// QueryResult is the outcome of looking up one selector against one source.
// Error takes precedence over Items when both are set.
type QueryResult struct {
	Type              string       `json:"type"`
	Value             string       `json:"value"`
	Source            string       `json:"source"`
	Items             []QueryEntry `json:"items"`
	Error             string       `json:"error,omitempty"`
	Maintainer        string       `json:"maintainer,omitempty"`
	DatahubLink       string       `json:"datahub_link,omitempty"`
	DocumentationLink string       `json:"documentation_link,omitempty"`
	Latency           float64      `json:"latency"`
}

// Failed reports whether the result carries an error.
func (r QueryResult) Failed() bool {
	return r.Error != ""
}

// SourcePayload is what a source returns for one selector: entries or an
// error message.
type SourcePayload struct {
	Items []QueryEntry `json:"items"`
	Error string       `json:"error,omitempty"`
}

// ParseSourcePayload validates an untrusted source response for one
// selector. Paths in the returned *ValidationError are rooted at the payload,
// e.g. "items.[0].count".
func ParseSourcePayload(data []byte) (SourcePayload, error) {
	raw, err := decodeLoose(data)
	if err != nil {
		return SourcePayload{}, validationf("", "Invalid JSON: %s", err)
	}
	return SourcePayloadFrom(raw)
}

// SourcePayloadFrom validates an already decoded payload.
func SourcePayloadFrom(raw interface{}) (SourcePayload, error) {
	is := &issues{}
	p := parseSourcePayload(is, "", raw)
	if err := is.err(); err != nil {
		return SourcePayload{}, err
	}
	return p, nil
}

func parseSourcePayload(is *issues, path string, raw interface{}) SourcePayload {
	var p SourcePayload
	m, ok := asObject(is, path, raw)
	if !ok {
		return p
	}
	p.Error = optionalString(is, m, "error", path)
	if p.Error != "" {
		return p
	}
	itemsRaw, ok := present(m, "items")
	if !ok {
		is.add(joinPath(path, "items"), reasonRequired)
		return p
	}
	list, ok := asList(is, joinPath(path, "items"), itemsRaw)
	if !ok {
		return p
	}
	p.Items = make([]QueryEntry, 0, len(list))
	for i, item := range list {
		p.Items = append(p.Items, parseEntry(is, indexPath(joinPath(path, "items"), i), item))
	}
	return p
}

func parseEntry(is *issues, path string, raw interface{}) QueryEntry {
	var e QueryEntry
	m, ok := asObject(is, path, raw)
	if !ok {
		return e
	}
	e.Classification = optionalString(is, m, "classification", path)
	e.Count = requiredInt(is, m, "count", path)
	e.Link = optionalURL(is, m, "link", path)

	e.Annotations = []Annotation{}
	if v, ok := present(m, "annotations"); ok {
		if list, ok := asList(is, joinPath(path, "annotations"), v); ok {
			for i, item := range list {
				e.Annotations = append(e.Annotations, parseAnnotation(is, indexPath(joinPath(path, "annotations"), i), item))
			}
		}
	}

	if v, ok := present(m, "raw_data"); ok {
		if list, ok := asList(is, joinPath(path, "raw_data"), v); ok {
			for i, item := range list {
				p := indexPath(joinPath(path, "raw_data"), i)
				rm, ok := asObject(is, p, item)
				if !ok {
					continue
				}
				e.RawData = append(e.RawData, RawData{
					Classification: requiredString(is, rm, "classification", p),
					Data:           requiredString(is, rm, "data", p),
				})
			}
		}
	}
	return e
}

// ParseAnnotation validates a single untrusted annotation.
func ParseAnnotation(data []byte) (Annotation, error) {
	raw, err := decodeLoose(data)
	if err != nil {
		return Annotation{}, validationf("", "Invalid JSON: %s", err)
	}
	is := &issues{}
	a := parseAnnotation(is, "", raw)
	if err := is.err(); err != nil {
		return Annotation{}, err
	}
	return a, nil
}

func parseAnnotation(is *issues, path string, raw interface{}) Annotation {
	var a Annotation
	m, ok := asObject(is, path, raw)
	if !ok {
		return a
	}

	// Presence and primitive typing first. Semantic rules are shared with
	// Validate and only run once the shape is sound.
	before := len(is.list)

	a.Analytic = optionalString(is, m, "analytic", path)
	a.AnalyticIcon = optionalString(is, m, "analytic_icon", path)
	a.Author = optionalString(is, m, "author", path)
	a.Type = AnnotationType(requiredString(is, m, "type", path))
	value, hasValue := present(m, "value")
	if !hasValue {
		is.add(joinPath(path, "value"), reasonRequired)
	}
	if v, ok := present(m, "confidence"); ok {
		if f, ok := coerceFloat(v); ok {
			a.Confidence = f
		} else {
			is.add(joinPath(path, "confidence"), reasonNumber)
		}
	} else {
		is.add(joinPath(path, "confidence"), reasonRequired)
	}
	if f, ok := optionalFloat(is, m, "severity", path); ok {
		a.Severity = &f
	}
	if f, ok := optionalFloat(is, m, "priority", path); ok {
		a.Priority = &f
	}
	a.Summary = requiredString(is, m, "summary", path)
	a.Details = optionalString(is, m, "details", path)
	a.Link = optionalURL(is, m, "link", path)
	a.Icon = optionalString(is, m, "icon", path)
	if q, ok := optionalInt(is, m, "quantity", path); ok {
		a.Quantity = q
	}
	a.Timestamp = optionalString(is, m, "timestamp", path)
	a.Version = optionalString(is, m, "version", path)
	a.Ubiquitous = optionalBool(is, m, "ubiquitous", path)
	a.Classification = optionalString(is, m, "classification", path)

	if len(is.list) > before {
		return a
	}

	a.Value = value
	a.coerceValue()
	a.applyDefaults()
	a.check(is, path)
	return a
}
