package models

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func float(f float64) *float64 { return &f }

func TestNewAnnotationDefaults(t *testing.T) {
	a, err := NewAnnotation(Annotation{
		Analytic:   "test enrichment",
		Type:       AnnotationOpinion,
		Value:      "malicious",
		Confidence: 0.7,
		Severity:   float(1.0),
		Summary:    "This is a bad ip",
		Timestamp:  "2024-01-01T01:01:01",
	})
	require.NoError(t, err)

	assert.Equal(t, int64(1), a.Quantity)
	require.NotNil(t, a.Priority)
	assert.InDelta(t, 0.7, *a.Priority, 1e-9)
	assert.False(t, a.Ubiquitous)
}

func TestAnnotationValueTyping(t *testing.T) {
	_, err := NewAnnotation(Annotation{Analytic: "a", Type: AnnotationFrequency, Value: "ten", Confidence: 1, Summary: "s"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)
	assert.Contains(t, err.Error(), "must be an int")

	_, err = NewAnnotation(Annotation{Analytic: "a", Type: AnnotationFrequency, Value: 10, Confidence: 1, Summary: "s"})
	assert.NoError(t, err)

	a, err := NewAnnotation(Annotation{Analytic: "a", Type: AnnotationFrequency, Value: "100", Confidence: 1, Summary: "s"})
	require.NoError(t, err)
	assert.Equal(t, int64(100), a.Value)

	a, err = NewAnnotation(Annotation{Analytic: "a", Type: AnnotationFrequency, Value: 1.1, Confidence: 1, Summary: "s"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), a.Value)

	_, err = NewAnnotation(Annotation{Analytic: "a", Type: AnnotationOpinion, Value: 1234, Confidence: 1, Summary: "s"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Value must be a string if type is not frequency")
	assert.NotContains(t, err.Error(), "If type is opinion")

	_, err = NewAnnotation(Annotation{Analytic: "a", Type: AnnotationOpinion, Value: "spicy", Confidence: 1, Summary: "s"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "If type is opinion, value must be one of (")
	assert.Contains(t, err.Error(), "malicious")

	_, err = NewAnnotation(Annotation{Analytic: "a", Type: AnnotationContext, Value: 3, Confidence: 1, Summary: "s"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Value must be a string if type is not frequency")

	_, err = NewAnnotation(Annotation{Analytic: "a", Type: AnnotationContext, Value: "pride", Confidence: 1.5, Summary: "s"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"confidence": Input should be less than or equal to 1`)
}

func TestFrequencyRoundTripKeepsInt(t *testing.T) {
	a, err := NewAnnotation(Annotation{Author: "me", Type: AnnotationFrequency, Value: 10, Confidence: 0.5, Summary: "seen"})
	require.NoError(t, err)

	raw, err := json.Marshal(a)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"value":10`)

	back, err := ParseAnnotation(raw)
	require.NoError(t, err)
	assert.Equal(t, int64(10), back.Value)

	_, err = ParseAnnotation([]byte(`{"author":"me","type":"frequency","value":"ten","confidence":0.5,"summary":"seen"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be an int")
}

func TestParseSourcePayload(t *testing.T) {
	body := `{
		"items": [{
			"classification": "TLP:CLEAR",
			"count": 10,
			"link": "https://example.com",
			"annotations": [{
				"analytic": "test enrichment",
				"type": "opinion",
				"value": "malicious",
				"confidence": 0.7,
				"severity": 1.0,
				"summary": "This is a bad ip",
				"details": "# Breaking news\nThis is a bad IP",
				"timestamp": "2024-01-01T01:01:01",
				"version": "0.0.1"
			}],
			"raw_data": [{"classification": "TLP:CLEAR", "data": "{\"test\": \"raw data\"}"}]
		}]
	}`

	p, err := ParseSourcePayload([]byte(body))
	require.NoError(t, err)
	require.Len(t, p.Items, 1)

	entry := p.Items[0]
	assert.Equal(t, int64(10), entry.Count)
	assert.Equal(t, "https://example.com/", entry.Link)
	require.Len(t, entry.Annotations, 1)
	assert.Equal(t, int64(1), entry.Annotations[0].Quantity)
	assert.InDelta(t, 0.7, *entry.Annotations[0].Priority, 1e-9)
	assert.Equal(t, []RawData{{Classification: "TLP:CLEAR", Data: `{"test": "raw data"}`}}, entry.RawData)

	counts := `{"items": [{"classification": "TLP:CLEAR", "count": 1, "annotations": [
		{"analytic": "test", "type": "frequency", "value": "100", "confidence": 0.5, "summary": "test"},
		{"analytic": "test", "type": "frequency", "value": 1.1, "confidence": 0.5, "summary": "test"}
	]}]}`
	p, err = ParseSourcePayload([]byte(counts))
	require.NoError(t, err)
	require.Len(t, p.Items[0].Annotations, 2)
	assert.Equal(t, int64(100), p.Items[0].Annotations[0].Value)
	assert.Equal(t, int64(1), p.Items[0].Annotations[1].Value)

	raw, err := json.Marshal(p.Items[0].Annotations[0])
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"value":100`)

	_, err = ParseSourcePayload([]byte(`{"items": [{"count": 1, "annotations": [
		{"analytic": "test", "type": "frequency", "value": "test", "confidence": 0.5, "summary": "test"}
	]}]}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"items.[0].annotations.[0].value": Value must be an int if type is frequency`)
}

func TestParseSourcePayloadFieldPaths(t *testing.T) {
	body := `{"items": [{
		"classification": "TLP:WHITE",
		"count": "abc123",
		"link": "https://example.com",
		"annotations": [{"abc": "def", "analytic": "banana", "version": "0.0.1"}]
	}]}`

	_, err := ParseSourcePayload([]byte(body))
	require.Error(t, err)

	msg := err.Error()
	assert.Contains(t, msg, `"items.[0].count": Input should be a valid integer`)
	assert.Contains(t, msg, `"items.[0].annotations.[0].type": Field required`)
	assert.Contains(t, msg, `"items.[0].annotations.[0].value": Field required`)
	assert.Contains(t, msg, `"items.[0].annotations.[0].summary": Field required`)

	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Len(t, strings.Split(msg, "\n"), len(ve.Issues))
}

func TestParseSourcePayloadShapes(t *testing.T) {
	p, err := ParseSourcePayload([]byte(`{"items": [], "error": "upstream down"}`))
	require.NoError(t, err)
	assert.Equal(t, "upstream down", p.Error)

	_, err = ParseSourcePayload([]byte(`[]`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Input should be a valid dictionary")

	_, err = ParseSourcePayload([]byte(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"items": Field required`)

	_, err = ParseSourcePayload([]byte(`{"items": [{"count": 1.5}]}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"items.[0].count": Input should be a valid integer`)

	p, err = ParseSourcePayload([]byte(`{"items": [{"count": "7"}]}`))
	require.NoError(t, err)
	assert.Equal(t, int64(7), p.Items[0].Count)
	assert.Empty(t, p.Items[0].Annotations)

	_, err = ParseSourcePayload([]byte(`{"items": [{"count": 1, "link": "not a url"}]}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"items.[0].link": Input should be a valid URL`)
}

func TestValidSlug(t *testing.T) {
	for _, ok := range []string{"test", "test-amber", "test_enrich", "a1", "json"} {
		assert.True(t, ValidSlug(ok), ok)
	}
	for _, bad := range []string{"", "Test", "test action", "-lead", "trail-", "$%^ygbe5b6yh9889huni", "test_action, bad id"} {
		assert.False(t, ValidSlug(bad), bad)
	}
}

func TestNormalizeURL(t *testing.T) {
	u, err := NormalizeURL("http://example.com")
	require.NoError(t, err)
	assert.Equal(t, "http://example.com/", u)

	u, err = NormalizeURL("http://localhost:5008/api")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:5008/api", u)

	_, err = NormalizeURL("/relative")
	assert.Error(t, err)
}
