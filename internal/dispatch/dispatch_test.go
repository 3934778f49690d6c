package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CybercentreCanada/clue/internal/envelope"
	"github.com/CybercentreCanada/clue/internal/models"
	"github.com/CybercentreCanada/clue/internal/plugin"
	"github.com/CybercentreCanada/clue/internal/quota"
	"github.com/CybercentreCanada/clue/internal/registry"
	"github.com/CybercentreCanada/clue/internal/selector"
	"github.com/CybercentreCanada/clue/internal/sourceclient"
)

var alice = Caller{User: "alice", Token: "token"}

func serve(t *testing.T, h http.Handler) string {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv.URL
}

func demo(t *testing.T, name, classification string) string {
	t.Helper()
	p, err := plugin.NewDemo(name, classification, nil)
	require.NoError(t, err)
	return serve(t, p.Handler())
}

// counting wraps h and counts the requests it receives.
func counting(h http.Handler, n *int64) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(n, 1)
		h.ServeHTTP(w, r)
	})
}

func slow() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
		envelope.Write(w, http.StatusOK, map[string]interface{}{"items": []interface{}{}})
	})
}

func malformed() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		envelope.Write(w, http.StatusOK, map[string]interface{}{
			"items": []interface{}{map[string]interface{}{"count": "ten", "annotations": []interface{}{}}},
		})
	})
}

func broken() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		envelope.Error(w, http.StatusInternalServerError, "Something went wrong", nil)
	})
}

type fixture struct {
	engine  *Engine
	reg     *registry.Registry
	tracker *quota.MemoryTracker
}

func newFixture(t *testing.T, cfg Config, sources ...registry.Source) fixture {
	t.Helper()
	reg, err := registry.New(registry.Options{}, sources)
	require.NoError(t, err)
	tracker := quota.NewMemoryTracker(0)
	client := sourceclient.New(sourceclient.Options{})
	return fixture{
		engine:  New(reg, client, tracker, nil, cfg, nil),
		reg:     reg,
		tracker: tracker,
	}
}

func src(name, url string, types ...string) registry.Source {
	return registry.Source{
		Name:           name,
		URL:            url,
		Classification: "TLP:CLEAR",
		Maintainer:     "Team <team@example.com>",
		SupportedTypes: types,
	}
}

func TestLookupAcrossSources(t *testing.T) {
	amber := src("test-amber", demo(t, "test-amber", "TLP:AMBER"))
	amber.Classification = "TLP:AMBER"
	f := newFixture(t, Config{},
		src("test", demo(t, "test", "")),
		amber,
	)

	results, err := f.engine.Lookup(context.Background(), alice, selector.Selector{Type: "IPV4", Value: "127.0.0.1"},
		LookupRequest{Sources: selector.ParseSources("test|test-amber")})
	require.NoError(t, err)

	require.Len(t, results, 2)
	for _, name := range []string{"test", "test-amber"} {
		r := results[name]
		assert.Empty(t, r.Error, name)
		assert.Equal(t, "ipv4", r.Type)
		assert.Equal(t, "127.0.0.1", r.Value)
		assert.Equal(t, name, r.Source)
		assert.Equal(t, "Team <team@example.com>", r.Maintainer)
		require.Len(t, r.Items, 1)
		assert.Equal(t, int64(10), r.Items[0].Count)
	}
	assert.Equal(t, "TLP:AMBER", results["test-amber"].Items[0].Classification)
}

func TestLookupRespectsSourceFilter(t *testing.T) {
	f := newFixture(t, Config{},
		src("one", demo(t, "one", "")),
		src("two", demo(t, "two", "")),
	)

	results, err := f.engine.Lookup(context.Background(), alice, selector.Selector{Type: "ip", Value: "::1"},
		LookupRequest{Sources: []string{"two"}})
	require.NoError(t, err)
	assert.Len(t, results, 1)
	assert.Contains(t, results, "two")
	assert.Equal(t, "ipv6", results["two"].Type)
}

func TestValueClassificationAboveSourceMaximum(t *testing.T) {
	clear := src("test", demo(t, "test", ""))
	clear.MaxClassification = "TLP:CLEAR"
	amber := src("test-amber", demo(t, "test-amber", ""))
	amber.MaxClassification = "TLP:AMBER+STRICT"
	f := newFixture(t, Config{}, clear, amber)

	results, err := f.engine.Lookup(context.Background(), alice, selector.Selector{Type: "ipv4", Value: "127.0.0.1"},
		LookupRequest{Classification: "TLP:AMBER+STRICT", Sources: []string{"test", "test-amber"}})
	require.NoError(t, err)

	assert.Equal(t, "Type classification exceeds max classification of source: test.", results["test"].Error)
	assert.Empty(t, results["test"].Items)
	assert.Empty(t, results["test-amber"].Error)
}

func TestSourceAboveCallerClearance(t *testing.T) {
	amber := src("amber", demo(t, "amber", "TLP:AMBER"), "ipv4")
	amber.Classification = "TLP:AMBER"
	f := newFixture(t, Config{}, src("clear", demo(t, "clear", ""), "ipv4"), amber)
	caller := Caller{User: "bob", Token: "token", Clearance: "TLP:CLEAR"}
	sel := selector.Selector{Type: "ipv4", Value: "10.0.0.1"}

	results, err := f.engine.Lookup(context.Background(), caller, sel, LookupRequest{})
	require.NoError(t, err)
	assert.Len(t, results, 1)
	assert.Contains(t, results, "clear")

	results, err = f.engine.Lookup(context.Background(), caller, sel, LookupRequest{Sources: []string{"amber"}})
	require.NoError(t, err)
	assert.Equal(t, "Type classification exceeds max classification of source: amber.", results["amber"].Error)
}

func TestSourceFailuresAreIsolated(t *testing.T) {
	f := newFixture(t, Config{},
		src("slow", serve(t, slow()), "ipv4"),
		src("good", demo(t, "good", "")),
		src("bad", serve(t, malformed()), "ipv4"),
	)

	results, err := f.engine.Lookup(context.Background(), alice, selector.Selector{Type: "ipv4", Value: "127.0.0.1"},
		LookupRequest{Timeout: 300 * time.Millisecond})
	require.NoError(t, err)

	require.Len(t, results, 3)
	assert.Equal(t, "Timed out waiting for slow after 0.3s.", results["slow"].Error)
	assert.Contains(t, results["bad"].Error, `"items.[0].count": Input should be a valid integer`)
	assert.Empty(t, results["good"].Error)
	require.Len(t, results["good"].Items, 1)
	assert.Equal(t, int64(10), results["good"].Items[0].Count)
}

func TestBulkLookupGroupsByType(t *testing.T) {
	f := newFixture(t, Config{},
		src("test", demo(t, "test", "")),
		src("bad", serve(t, broken()), "ipv4", "ipv6"),
	)

	out, err := f.engine.BulkLookup(context.Background(), alice, LookupRequest{
		Queries: []Query{
			{Selector: selector.Selector{Type: "ipv4", Value: "127.0.0.1"}},
			{Selector: selector.Selector{Type: "ipv6", Value: "127.0.0.2"}},
		},
		Sources: selector.ParseSources("test|bad"),
	})
	require.NoError(t, err)

	require.Len(t, out, 2)
	for _, key := range [][2]string{{"ipv4", "127.0.0.1"}, {"ipv6", "127.0.0.2"}} {
		results := out[key[0]][key[1]]
		require.Len(t, results, 2, key)
		assert.Empty(t, results["test"].Error)
		assert.Len(t, results["test"].Items, 1)
		assert.Equal(t, "Something went wrong", results["bad"].Error)
	}
}

func TestBulkLookupPerQuerySources(t *testing.T) {
	f := newFixture(t, Config{},
		src("one", demo(t, "one", "")),
		src("two", demo(t, "two", "")),
	)

	out, err := f.engine.BulkLookup(context.Background(), alice, LookupRequest{
		Queries: []Query{
			{Selector: selector.Selector{Type: "ipv4", Value: "1.1.1.1"}, Sources: []string{"one"}},
			{Selector: selector.Selector{Type: "ipv4", Value: "2.2.2.2"}},
		},
	})
	require.NoError(t, err)
	assert.Len(t, out["ipv4"]["1.1.1.1"], 1)
	assert.Contains(t, out["ipv4"]["1.1.1.1"], "one")
	assert.Len(t, out["ipv4"]["2.2.2.2"], 2)
}

func TestLookupRequestShape(t *testing.T) {
	f := newFixture(t, Config{}, src("test", demo(t, "test", "")))

	_, err := f.engine.BulkLookup(context.Background(), alice, LookupRequest{})
	require.ErrorIs(t, err, ErrBadRequest)
	assert.EqualError(t, err, "You must provide at least one value to lookup")

	_, err = f.engine.BulkLookup(context.Background(), alice, LookupRequest{Queries: []Query{{Selector: selector.Selector{Type: "ipv4"}}}})
	require.ErrorIs(t, err, ErrBadRequest)
	assert.EqualError(t, err, "Request data is not in the correct format")

	results, err := f.engine.Lookup(context.Background(), alice, selector.Selector{Type: "md5", Value: "abc"}, LookupRequest{})
	require.NoError(t, err)
	assert.Empty(t, results)

	empty := newFixture(t, Config{})
	_, err = empty.engine.Lookup(context.Background(), alice, selector.Selector{Type: "md5", Value: "abc"}, LookupRequest{})
	assert.ErrorIs(t, err, ErrNoSources)
}

func TestQuotaRejectsWithoutCalling(t *testing.T) {
	p, err := plugin.NewDemo("limited", "", nil)
	require.NoError(t, err)
	var hits int64
	limited := src("limited", serve(t, counting(p.Handler(), &hits)), "ipv4")
	limited.Quota = 1
	f := newFixture(t, Config{}, limited)

	ctx := context.Background()
	key := quota.Key("limited", "alice")
	ok, err := f.tracker.Begin(ctx, key, 1)
	require.NoError(t, err)
	require.True(t, ok)

	sel := selector.Selector{Type: "ipv4", Value: "127.0.0.1"}
	results, err := f.engine.Lookup(ctx, alice, sel, LookupRequest{})
	require.NoError(t, err)
	assert.Equal(t, "You have too many simultaneous connections to external service limited. Please use larger batches when enriching.", results["limited"].Error)
	assert.Zero(t, atomic.LoadInt64(&hits))

	// Another user is not affected, and the slot is released afterwards.
	results, err = f.engine.Lookup(ctx, Caller{User: "bob", Token: "token"}, sel, LookupRequest{})
	require.NoError(t, err)
	assert.Empty(t, results["limited"].Error)
	ok, err = f.tracker.Begin(ctx, quota.Key("limited", "bob"), 1)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, f.tracker.End(ctx, key))
	results, err = f.engine.Lookup(ctx, alice, sel, LookupRequest{})
	require.NoError(t, err)
	assert.Empty(t, results["limited"].Error)
}

func TestQuotaUsesOBOTarget(t *testing.T) {
	shared := src("shared", demo(t, "shared", ""), "ipv4")
	shared.OBOTarget = "backend"
	shared.Quota = 1
	f := newFixture(t, Config{}, shared)

	ok, err := f.tracker.Begin(context.Background(), quota.Key("backend", "alice"), 1)
	require.NoError(t, err)
	require.True(t, ok)

	results, err := f.engine.Lookup(context.Background(), alice, selector.Selector{Type: "ipv4", Value: "127.0.0.1"}, LookupRequest{})
	require.NoError(t, err)
	assert.Contains(t, results["shared"].Error, "external service backend")
}

func TestClamp(t *testing.T) {
	f := newFixture(t, Config{})
	items := func() []models.QueryEntry {
		return []models.QueryEntry{
			{Classification: "TLP:RED", Count: 1, Annotations: []models.Annotation{}},
			{Count: 2, Annotations: []models.Annotation{
				{Type: models.AnnotationContext, Summary: "ok"},
				{Type: models.AnnotationContext, Summary: "raised", Classification: "tlp:green"},
				{Type: models.AnnotationContext, Summary: "secret", Classification: "TLP:RED"},
			}},
		}
	}

	out, msg := f.engine.clamp("src", items(), "TLP:CLEAR", "TLP:AMBER")
	assert.Empty(t, msg)
	require.Len(t, out, 1)
	assert.Equal(t, int64(2), out[0].Count)
	assert.Equal(t, "TLP:GREEN", out[0].Classification)
	require.Len(t, out[0].Annotations, 2)
	assert.Equal(t, "TLP:GREEN", out[0].Annotations[1].Classification)

	f.engine.cfg.Strict = true
	out, msg = f.engine.clamp("src", items(), "TLP:CLEAR", "TLP:AMBER")
	assert.Nil(t, out)
	assert.Equal(t, "Result classification exceeds max classification of source: src.", msg)
}

func TestEffectiveCeiling(t *testing.T) {
	f := newFixture(t, Config{})
	assert.Equal(t, "TLP:AMBER", f.engine.effectiveCeiling("TLP:RED", "TLP:AMBER"))
	assert.Equal(t, "TLP:CLEAR", f.engine.effectiveCeiling("TLP:CLEAR", "TLP:AMBER"))
	assert.Equal(t, "TLP:RED", f.engine.effectiveCeiling("TLP:RED", ""))
}

func TestExecuteAction(t *testing.T) {
	f := newFixture(t, Config{}, src("test", demo(t, "test", "")))
	ctx := context.Background()
	exec := func(action string, body interface{}) (models.ActionResult, error) {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		return f.engine.ExecuteAction(ctx, alice, "test", action, raw, 0)
	}
	ip := map[string]string{"type": "ip", "value": "127.0.0.1"}

	res, err := exec("test_action", map[string]interface{}{"selector": ip, "other_choice": "a"})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeSuccess, res.Outcome)
	assert.Equal(t, "We got a value", res.Summary)

	res, err = exec("test_action", map[string]interface{}{"selector": ip, "other_choice": "a", "other_value": "x"})
	require.NoError(t, err)
	assert.Equal(t, "We got a param value", res.Summary)

	res, err = exec("test_action_single", map[string]interface{}{"selectors": []interface{}{ip, ip}, "other_choice": "a"})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeFailure, res.Outcome)
	assert.Equal(t, "Action test_action_single does not support multiple selectors.", res.Summary)

	res, err = exec("test_action", map[string]interface{}{"selector": map[string]string{"type": "domain", "value": "example.com"}, "other_choice": "a"})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeFailure, res.Outcome)
	assert.Equal(t, "Action test_action does not support type domain.", res.Summary)

	res, err = exec("test_action", map[string]interface{}{"selectors": []interface{}{}, "other_choice": "a"})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeFailure, res.Outcome)
	assert.Equal(t, "Action test_action requires a selector.", res.Summary)

	res, err = exec("test_action_empty", map[string]interface{}{"other_choice": "b"})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeSuccess, res.Outcome)
	assert.Equal(t, "We don't got a value", res.Summary)

	res, err = exec("test_context", map[string]interface{}{"selector": ip})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeFailure, res.Outcome)
	assert.Equal(t, "No context provided", res.Summary)

	_, err = exec("test_action", map[string]interface{}{"selector": ip})
	require.ErrorIs(t, err, ErrBadRequest)
	assert.EqualError(t, err, "Validation error encountered on request body. Ensure your request body is properly formatted.")

	_, err = exec("nope", map[string]interface{}{"selector": ip})
	require.ErrorIs(t, err, ErrNotFound)
	assert.EqualError(t, err, "Action nope does not exist")

	_, err = f.engine.ExecuteAction(ctx, alice, "missing", "test_action", nil, 0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSourceWithoutActionsOrFetchers(t *testing.T) {
	p, err := plugin.New(plugin.Options{
		Name:           "plain",
		SupportedTypes: []string{"ipv4"},
		Enrich: func(context.Context, selector.Selector, plugin.LookupParams, string) ([]models.QueryEntry, error) {
			return nil, nil
		},
	})
	require.NoError(t, err)
	f := newFixture(t, Config{}, src("plain", serve(t, p.Handler())))

	_, err = f.engine.ExecuteAction(context.Background(), alice, "plain", "x", []byte(`{}`), 0)
	require.ErrorIs(t, err, ErrNotFound)
	assert.EqualError(t, err, "plain does not support any actions.")

	_, err = f.engine.RunFetcher(context.Background(), alice, "plain", "x", []byte(`{"type":"ipv4","value":"1.1.1.1"}`), 0)
	require.ErrorIs(t, err, ErrNotFound)
	assert.EqualError(t, err, "plain does not support any fetchers.")
}

func TestExecuteActionSourceDown(t *testing.T) {
	f := newFixture(t, Config{}, src("down", serve(t, broken())))

	res, err := f.engine.ExecuteAction(context.Background(), alice, "down", "x", []byte(`{}`), 0)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeFailure, res.Outcome)
	assert.Equal(t, "Something went wrong", res.Summary)
}

func TestRunFetcher(t *testing.T) {
	f := newFixture(t, Config{}, src("test", demo(t, "test", "")))
	ctx := context.Background()

	res, err := f.engine.RunFetcher(ctx, alice, "test", "json", []byte(`{"type":"ipv4","value":"127.0.0.1"}`), 0)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeSuccess, res.Outcome)
	assert.Equal(t, map[string]interface{}{"potato": "test"}, res.Data)

	res, err = f.engine.RunFetcher(ctx, alice, "test", "graph", []byte(`{"type":"domain","value":"example.com"}`), 0)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeFailure, res.Outcome)
	assert.Equal(t, "Fetcher graph does not support type domain.", res.Error)

	_, err = f.engine.RunFetcher(ctx, alice, "test", "nope", []byte(`{"type":"ipv4","value":"127.0.0.1"}`), 0)
	require.ErrorIs(t, err, ErrNotFound)
	assert.EqualError(t, err, "Fetcher nope does not exist")

	_, err = f.engine.RunFetcher(ctx, alice, "test", "json", []byte(`{"bogus":"dict"}`), 0)
	assert.ErrorIs(t, err, ErrBadRequest)
}

func TestDiscovery(t *testing.T) {
	amber := src("amber", demo(t, "amber", "TLP:AMBER"))
	amber.Classification = "TLP:AMBER"
	f := newFixture(t, Config{},
		src("test", demo(t, "test", "")),
		amber,
		src("down", serve(t, broken())),
	)
	ctx := context.Background()

	types := f.engine.Types(ctx, alice, nil, 0)
	assert.Equal(t, []string{"ipv4", "ipv6", "port", "sha256"}, types["test"])
	assert.Contains(t, types, "amber")
	assert.NotContains(t, types, "down")

	actions := f.engine.ListActions(ctx, alice, 0)
	assert.Contains(t, actions, "test.test_pivot")
	assert.Contains(t, actions, "amber.test_action")
	assert.Len(t, actions, 10)

	restricted := Caller{User: "bob", Token: "token", Clearance: "TLP:CLEAR"}
	actions = f.engine.ListActions(ctx, restricted, 0)
	assert.Len(t, actions, 5)
	assert.NotContains(t, actions, "amber.test_action")

	fetchers := f.engine.ListFetchers(ctx, restricted, 0)
	assert.Equal(t, models.FormatGraph, fetchers["test.graph"].Format)
	assert.Len(t, fetchers, 4)
}

func TestErrorKinds(t *testing.T) {
	err := newError(ErrNotFound, "Action %s does not exist", "x")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, errors.Is(err, ErrBadRequest))
	var de *Error
	require.True(t, errors.As(err, &de))
	assert.Equal(t, "Action x does not exist", de.Message)
}
