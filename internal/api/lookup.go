package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/CybercentreCanada/clue/internal/dispatch"
	"github.com/CybercentreCanada/clue/internal/envelope"
	"github.com/CybercentreCanada/clue/internal/selector"
)

const msgBadFormat = "Request data is not in the correct format"

// lookupRequest reads the query parameters shared by single and bulk lookups.
func lookupRequest(r *http.Request) (dispatch.LookupRequest, error) {
	q := r.URL.Query()
	timeout, err := queryTimeout(q)
	if err != nil {
		return dispatch.LookupRequest{}, err
	}
	req := dispatch.LookupRequest{
		Sources:        selector.ParseSources(q.Get("sources")),
		Timeout:        timeout,
		Classification: q.Get("classification"),
		IncludeRaw:     queryBool(q, "include_raw"),
		NoAnnotation:   queryBool(q, "no_annotation"),
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return dispatch.LookupRequest{}, errLimit
		}
		req.Limit = limit
	}
	return req, nil
}

var errLimit = errors.New("limit must be a positive integer")

func (a *API) handleTypes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	timeout, err := queryTimeout(q)
	if err != nil {
		envelope.Error(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	types := a.engine.Types(r.Context(), callerFrom(r), selector.ParseSources(q.Get("sources")), timeout)
	envelope.Write(w, http.StatusOK, types)
}

func (a *API) handleTypesDetection(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]string, len(selector.Detection))
	for t, re := range selector.Detection {
		out[t] = re.String()
	}
	envelope.Write(w, http.StatusOK, out)
}

func (a *API) handleLookup(w http.ResponseWriter, r *http.Request) {
	req, err := lookupRequest(r)
	if err != nil {
		envelope.Error(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	sel := selector.Selector{Type: pathVar(r, "type"), Value: pathVar(r, "value")}

	results, err := a.engine.Lookup(r.Context(), callerFrom(r), sel, req)
	if err != nil {
		a.failRequest(w, err)
		return
	}
	envelope.Write(w, http.StatusOK, results)
}

// bulkItem is one entry of a bulk lookup body. Sources may be a list or a
// comma or pipe separated string.
type bulkItem struct {
	Type           string          `json:"type"`
	Value          string          `json:"value"`
	Classification string          `json:"classification"`
	Sources        json.RawMessage `json:"sources"`
}

func (b bulkItem) sources() ([]string, bool) {
	if len(b.Sources) == 0 || string(b.Sources) == "null" {
		return nil, true
	}
	var list []string
	if err := json.Unmarshal(b.Sources, &list); err == nil {
		return selector.CleanSources(list), true
	}
	var joined string
	if err := json.Unmarshal(b.Sources, &joined); err == nil {
		return selector.ParseSources(joined), true
	}
	return nil, false
}

func (a *API) handleBulkLookup(w http.ResponseWriter, r *http.Request) {
	req, err := lookupRequest(r)
	if err != nil {
		envelope.Error(w, http.StatusBadRequest, err.Error(), nil)
		return
	}

	var items []bulkItem
	if err := json.NewDecoder(r.Body).Decode(&items); err != nil {
		envelope.Error(w, http.StatusBadRequest, msgBadFormat, nil)
		return
	}
	for _, item := range items {
		sources, ok := item.sources()
		if !ok || item.Type == "" || item.Value == "" {
			envelope.Error(w, http.StatusBadRequest, msgBadFormat, nil)
			return
		}
		req.Queries = append(req.Queries, dispatch.Query{
			Selector: selector.Selector{Type: item.Type, Value: item.Value, Classification: item.Classification},
			Sources:  sources,
		})
	}

	results, err := a.engine.BulkLookup(r.Context(), callerFrom(r), req)
	if err != nil {
		a.failRequest(w, err)
		return
	}
	envelope.Write(w, http.StatusOK, results)
}
