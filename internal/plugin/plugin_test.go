package plugin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CybercentreCanada/clue/internal/models"
)

type response struct {
	Response     json.RawMessage `json:"api_response"`
	ErrorMessage string          `json:"api_error_message"`
	StatusCode   int             `json:"api_status_code"`
}

func do(t *testing.T, h http.Handler, method, path string, body interface{}) (int, response) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "Bearer token")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out response
	if rec.Code != http.StatusNoContent {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
		assert.Equal(t, rec.Code, out.StatusCode)
	}
	return rec.Code, out
}

func newDemo(t *testing.T) http.Handler {
	t.Helper()
	p, err := NewDemo("demo", "", nil)
	require.NoError(t, err)
	return p.Handler()
}

func TestTypes(t *testing.T) {
	code, res := do(t, newDemo(t), http.MethodGet, "/types/", nil)
	require.Equal(t, http.StatusOK, code)

	var types map[string]string
	require.NoError(t, json.Unmarshal(res.Response, &types))
	assert.Equal(t, map[string]string{"ipv4": "TLP:CLEAR", "ipv6": "TLP:CLEAR", "port": "TLP:CLEAR", "sha256": "TLP:CLEAR"}, types)
}

func TestAllowAnonymous(t *testing.T) {
	p, err := NewDemo("demo", "", nil, func(o *Options) { o.ValidateToken = AllowAnonymous })
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/types/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequiresBearerToken(t *testing.T) {
	rec := httptest.NewRecorder()
	newDemo(t).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/types/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, `Bearer realm="clue"`, rec.Header().Get("WWW-Authenticate"))
}

func TestLookup(t *testing.T) {
	h := newDemo(t)

	code, res := do(t, h, http.MethodGet, "/lookup/IPv4/127.0.0.1/?limit=1&include_raw=true", nil)
	require.Equal(t, http.StatusOK, code)
	payload, err := models.ParseSourcePayload(res.Response)
	require.NoError(t, err)
	require.Len(t, payload.Items, 1)
	assert.Len(t, payload.Items[0].Annotations, 1)
	assert.Len(t, payload.Items[0].RawData, 1)

	code, res = do(t, h, http.MethodGet, "/lookup/domain/example.com/", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, "Type domain is not supported by demo.", res.ErrorMessage)
}

func TestBulkLookupGroupsByType(t *testing.T) {
	code, res := do(t, newDemo(t), http.MethodPost, "/lookup/", []map[string]string{
		{"type": "ipv4", "value": "127.0.0.1"},
		{"type": "ip", "value": "::1"},
		{"type": "domain", "value": "example.com"},
	})
	require.Equal(t, http.StatusOK, code)

	var out map[string]map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(res.Response, &out))

	p, err := models.ParseSourcePayload(out["ipv4"]["127.0.0.1"])
	require.NoError(t, err)
	assert.Len(t, p.Items, 1)

	p, err = models.ParseSourcePayload(out["ipv6"]["::1"])
	require.NoError(t, err)
	assert.Len(t, p.Items, 1)

	p, err = models.ParseSourcePayload(out["domain"]["example.com"])
	require.NoError(t, err)
	assert.Equal(t, "Type domain is not supported by demo.", p.Error)
}

func TestListActionsCarriesParamsSchema(t *testing.T) {
	code, res := do(t, newDemo(t), http.MethodGet, "/actions/", nil)
	require.Equal(t, http.StatusOK, code)

	var actions []models.Action
	require.NoError(t, json.Unmarshal(res.Response, &actions))
	require.Len(t, actions, 5)

	var action models.Action
	for _, a := range actions {
		if a.ID == "test_action" {
			action = a
		}
	}
	props, ok := action.Params["properties"].(map[string]interface{})
	require.True(t, ok)
	for _, key := range []string{"selector", "selectors", "context", "other_value", "choice", "other_choice"} {
		assert.Contains(t, props, key)
	}
	assert.Contains(t, action.Params["required"], "other_choice")
}

func TestExecute(t *testing.T) {
	h := newDemo(t)

	code, res := do(t, h, http.MethodPost, "/actions/test_action_empty", map[string]interface{}{})
	require.Equal(t, http.StatusOK, code)
	result, err := models.ParseActionResult(res.Response)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeSuccess, result.Outcome)
	assert.Equal(t, "We don't got a value", result.Summary)

	code, res = do(t, h, http.MethodPost, "/actions/test_action_single", map[string]interface{}{
		"selectors": []map[string]string{{"type": "ip", "value": "127.0.0.1"}, {"type": "ip", "value": "127.0.0.2"}},
	})
	require.Equal(t, http.StatusOK, code)
	result, err = models.ParseActionResult(res.Response)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeFailure, result.Outcome)
	assert.Equal(t, "Action test_action_single does not support multiple selectors.", result.Summary)

	code, res = do(t, h, http.MethodPost, "/actions/test_context", map[string]interface{}{
		"selector": map[string]string{"type": "ip", "value": "127.0.0.1"},
		"context":  map[string]interface{}{"url": "https://example.com", "language": "en", "extra": 1},
	})
	require.Equal(t, http.StatusOK, code)
	result, err = models.ParseActionResult(res.Response)
	require.NoError(t, err)
	output := result.Output.(map[string]interface{})
	assert.Equal(t, "https://example.com", output["url"])
	assert.Equal(t, "en", output["language"])
	assert.Nil(t, output["timestamp"])

	code, res = do(t, h, http.MethodPost, "/actions/nope", map[string]interface{}{})
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "Action nope does not exist", res.ErrorMessage)
}

func TestExecuteEmptySelectorList(t *testing.T) {
	code, res := do(t, newDemo(t), http.MethodPost, "/actions/test_action", map[string]interface{}{
		"selectors":    []map[string]string{},
		"other_choice": "a",
	})
	require.Equal(t, http.StatusOK, code)
	result, err := models.ParseActionResult(res.Response)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeFailure, result.Outcome)
	assert.Equal(t, "Action test_action requires a selector.", result.Summary)
}

func TestExecuteHidesActionErrors(t *testing.T) {
	p, err := NewDemo("demo", "", nil, func(o *Options) {
		o.RunAction = func(context.Context, models.Action, models.ExecuteRequest, string) (models.ActionResult, error) {
			return models.ActionResult{}, errors.New("dial tcp 10.0.0.5:443: connection refused")
		}
	})
	require.NoError(t, err)

	code, res := do(t, p.Handler(), http.MethodPost, "/actions/test_action_empty", map[string]interface{}{})
	require.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, "Action execution failed", res.ErrorMessage)

	result, err := models.ParseActionResult(res.Response)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeFailure, result.Outcome)
	assert.Equal(t, "Action execution failed", result.Summary)
	assert.NotContains(t, string(res.Response), "10.0.0.5")
}

func TestFetch(t *testing.T) {
	h := newDemo(t)

	code, res := do(t, h, http.MethodPost, "/fetchers/json", map[string]string{"type": "ip", "value": "127.0.0.1"})
	require.Equal(t, http.StatusOK, code)
	result, err := models.ParseFetcherResult(res.Response)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"potato": "test"}, result.Data)

	code, res = do(t, h, http.MethodPost, "/fetchers/json", map[string]string{"bogus": "dict"})
	assert.Equal(t, http.StatusBadRequest, code)
	result, err = models.ParseFetcherResult(res.Response)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeFailure, result.Outcome)
	assert.Contains(t, result.Error, "validation error")

	code, res = do(t, h, http.MethodPost, "/fetchers/json_missing_though", map[string]string{"type": "ip", "value": "127.0.0.1"})
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "Fetcher json_missing_though does not exist", res.ErrorMessage)
}

func TestNoActionsOrFetchers(t *testing.T) {
	p, err := New(Options{Name: "slow_server"})
	require.NoError(t, err)

	code, res := do(t, p.Handler(), http.MethodPost, "/actions/test_action", map[string]interface{}{})
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "slow_server does not support any actions.", res.ErrorMessage)

	code, res = do(t, p.Handler(), http.MethodPost, "/fetchers/json", map[string]string{"type": "ip", "value": "x"})
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "slow_server does not support any fetchers.", res.ErrorMessage)
}

func TestNewRejectsInvalidDefinitions(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)

	_, err = New(Options{Name: "x", Fetchers: []models.FetcherDefinition{{ID: "Bad Id", Classification: "TLP:CLEAR",
		Description: "d", Format: "json", SupportedTypes: []string{"ip"}}}, RunFetcher: demoFetch})
	assert.Error(t, err)

	_, err = New(Options{Name: "x", Actions: []ActionDef{{Action: models.Action{ID: "a", Name: "A",
		Classification: "TLP:CLEAR", Summary: "s", SupportedTypes: []string{"ip"}}}}})
	assert.Error(t, err, "actions need RunAction")
}
