package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/CybercentreCanada/clue/internal/envelope"
	"github.com/CybercentreCanada/clue/internal/models"
	"github.com/CybercentreCanada/clue/internal/selector"
)

const maxBodyBytes = 10 << 20

type tokenKey struct{}

func (p *Plugin) routes() *mux.Router {
	r := mux.NewRouter()
	// Values such as URLs arrive path-escaped.
	r.UseEncodedPath()
	r.Use(p.authenticate)

	r.HandleFunc("/types/", p.handleTypes).Methods(http.MethodGet)
	r.HandleFunc("/lookup/{type}/{value}/", p.handleLookup).Methods(http.MethodGet)
	r.HandleFunc("/lookup/", p.handleBulkLookup).Methods(http.MethodPost)
	r.HandleFunc("/actions/", p.handleListActions).Methods(http.MethodGet)
	r.HandleFunc("/actions/{id}", p.handleExecute).Methods(http.MethodPost)
	r.HandleFunc("/fetchers/", p.handleListFetchers).Methods(http.MethodGet)
	r.HandleFunc("/fetchers/{id}", p.handleFetch).Methods(http.MethodPost)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		envelope.Error(w, http.StatusNotFound, "Not found", nil)
	})
	return r
}

func (p *Plugin) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := p.opts.ValidateToken(r)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="clue"`)
			envelope.Error(w, http.StatusUnauthorized, err.Error(), nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), tokenKey{}, token)))
	})
}

func tokenFrom(ctx context.Context) string {
	token, _ := ctx.Value(tokenKey{}).(string)
	return token
}

func pathVar(r *http.Request, name string) string {
	raw := mux.Vars(r)[name]
	if v, err := url.PathUnescape(raw); err == nil {
		return v
	}
	return raw
}

// withTimeout applies the gateway's max_timeout to the request context.
func withTimeout(r *http.Request) (context.Context, context.CancelFunc, time.Duration) {
	if raw := r.URL.Query().Get("max_timeout"); raw != "" {
		if secs, err := strconv.ParseFloat(raw, 64); err == nil && secs > 0 {
			d := time.Duration(secs * float64(time.Second))
			ctx, cancel := context.WithTimeout(r.Context(), d)
			return ctx, cancel, d
		}
	}
	ctx, cancel := context.WithCancel(r.Context())
	return ctx, cancel, 0
}

func lookupParams(r *http.Request, timeout time.Duration) LookupParams {
	q := r.URL.Query()
	params := LookupParams{
		Timeout:        timeout,
		Classification: q.Get("classification"),
	}
	if n, err := strconv.Atoi(q.Get("limit")); err == nil && n > 0 {
		params.Limit = n
	}
	params.IncludeRaw, _ = strconv.ParseBool(q.Get("include_raw"))
	params.NoAnnotation, _ = strconv.ParseBool(q.Get("no_annotation"))
	return params
}

func (p *Plugin) handleTypes(w http.ResponseWriter, r *http.Request) {
	envelope.Write(w, http.StatusOK, p.types)
}

func (p *Plugin) handleLookup(w http.ResponseWriter, r *http.Request) {
	if p.opts.Enrich == nil {
		envelope.Error(w, http.StatusNotFound, p.opts.Name+" does not support enrichment.", nil)
		return
	}
	ctx, cancel, timeout := withTimeout(r)
	defer cancel()

	sel := selector.NormalizeSelector(selector.Selector{Type: pathVar(r, "type"), Value: pathVar(r, "value")})
	if !selector.Supports(selector.TypeSet(p.opts.SupportedTypes), sel.Type) {
		envelope.Error(w, http.StatusUnprocessableEntity, fmt.Sprintf("Type %s is not supported by %s.", sel.Type, p.opts.Name), nil)
		return
	}
	envelope.Write(w, http.StatusOK, p.enrich(ctx, sel, lookupParams(r, timeout), tokenFrom(r.Context())))
}

func (p *Plugin) handleBulkLookup(w http.ResponseWriter, r *http.Request) {
	if p.opts.Enrich == nil {
		envelope.Error(w, http.StatusNotFound, p.opts.Name+" does not support enrichment.", nil)
		return
	}
	ctx, cancel, timeout := withTimeout(r)
	defer cancel()

	var sels []selector.Selector
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&sels); err != nil {
		envelope.Error(w, http.StatusBadRequest, "Request data is not in the correct format", nil)
		return
	}

	params := lookupParams(r, timeout)
	token := tokenFrom(r.Context())
	supported := selector.TypeSet(p.opts.SupportedTypes)

	payloads := make([]models.SourcePayload, len(sels))
	g := &errgroup.Group{}
	g.SetLimit(p.opts.BulkConcurrency)
	for i := range sels {
		i := i
		sels[i] = selector.NormalizeSelector(sels[i])
		if !selector.Supports(supported, sels[i].Type) {
			payloads[i] = models.SourcePayload{Items: []models.QueryEntry{}, Error: fmt.Sprintf("Type %s is not supported by %s.", sels[i].Type, p.opts.Name)}
			continue
		}
		g.Go(func() error {
			payloads[i] = p.enrich(ctx, sels[i], params, token)
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]map[string]models.SourcePayload)
	for i, s := range sels {
		if out[s.Type] == nil {
			out[s.Type] = make(map[string]models.SourcePayload)
		}
		out[s.Type][s.Value] = payloads[i]
	}
	envelope.Write(w, http.StatusOK, out)
}

func (p *Plugin) enrich(ctx context.Context, sel selector.Selector, params LookupParams, token string) models.SourcePayload {
	entries, err := p.opts.Enrich(ctx, sel, params, token)
	if err != nil {
		p.logger.Warn("enrichment failed", zap.String("type", sel.Type), zap.String("value", sel.Value), zap.Error(err))
		return models.SourcePayload{Items: []models.QueryEntry{}, Error: err.Error()}
	}
	if entries == nil {
		entries = []models.QueryEntry{}
	}
	for i := range entries {
		if params.NoAnnotation {
			entries[i].Annotations = []models.Annotation{}
		} else if params.Limit > 0 && len(entries[i].Annotations) > params.Limit {
			entries[i].Annotations = entries[i].Annotations[:params.Limit]
		}
		if !params.IncludeRaw {
			entries[i].RawData = nil
		}
	}
	return models.SourcePayload{Items: entries}
}

func (p *Plugin) handleListActions(w http.ResponseWriter, r *http.Request) {
	out := make([]models.Action, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.actions[id])
	}
	envelope.Write(w, http.StatusOK, out)
}

func (p *Plugin) handleExecute(w http.ResponseWriter, r *http.Request) {
	if len(p.actions) == 0 {
		envelope.Error(w, http.StatusNotFound, p.opts.Name+" does not support any actions.", nil)
		return
	}
	id := pathVar(r, "id")
	action, ok := p.actions[id]
	if !ok {
		envelope.Error(w, http.StatusNotFound, fmt.Sprintf("Action %s does not exist", id), nil)
		return
	}
	ctx, cancel, _ := withTimeout(r)
	defer cancel()

	var req models.ExecuteRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		envelope.Error(w, http.StatusBadRequest, "Validation error encountered on request body.",
			models.Failure("validation error: "+err.Error()))
		return
	}
	req.Normalize()

	if failure, ok := action.CheckRequest(req); !ok {
		envelope.Write(w, http.StatusOK, failure)
		return
	}

	result, err := p.opts.RunAction(ctx, action, req, tokenFrom(r.Context()))
	if err != nil {
		p.logger.Warn("action failed", zap.String("action", id), zap.Error(err))
		envelope.Error(w, http.StatusInternalServerError, "Action execution failed", models.Failure("Action execution failed"))
		return
	}
	if err := result.Validate(); err != nil {
		p.logger.Error("action returned an invalid result", zap.String("action", id), zap.Error(err))
		envelope.Error(w, http.StatusInternalServerError, "Action returned an invalid result", models.Failure("Action returned an invalid result"))
		return
	}
	envelope.Write(w, http.StatusOK, result)
}

func (p *Plugin) handleListFetchers(w http.ResponseWriter, r *http.Request) {
	out := make([]models.FetcherDefinition, 0, len(p.fOrder))
	for _, id := range p.fOrder {
		out = append(out, p.fetchers[id])
	}
	envelope.Write(w, http.StatusOK, out)
}

func (p *Plugin) handleFetch(w http.ResponseWriter, r *http.Request) {
	if len(p.fetchers) == 0 {
		envelope.Error(w, http.StatusNotFound, p.opts.Name+" does not support any fetchers.", nil)
		return
	}
	id := pathVar(r, "id")
	fetcher, ok := p.fetchers[id]
	if !ok {
		envelope.Error(w, http.StatusNotFound, fmt.Sprintf("Fetcher %s does not exist", id), nil)
		return
	}
	ctx, cancel, _ := withTimeout(r)
	defer cancel()

	var sel selector.Selector
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	err := json.NewDecoder(r.Body).Decode(&sel)
	if err == nil && (sel.Type == "" || sel.Value == "") {
		err = errors.New("selector type and value are required")
	}
	if err != nil {
		envelope.Error(w, http.StatusBadRequest, "Validation error encountered on request body.",
			models.FetcherFailure(fetcher.Format, "validation error: "+err.Error()))
		return
	}
	sel = selector.NormalizeSelector(sel)

	if !selector.Supports(selector.TypeSet(fetcher.SupportedTypes), sel.Type) {
		envelope.Write(w, http.StatusOK, models.FetcherFailure(fetcher.Format,
			fmt.Sprintf("Fetcher %s does not support type %s.", id, sel.Type)))
		return
	}

	result, err := p.opts.RunFetcher(ctx, fetcher, sel, tokenFrom(r.Context()))
	if err != nil {
		p.logger.Warn("fetcher failed", zap.String("fetcher", id), zap.Error(err))
		envelope.Error(w, http.StatusInternalServerError, "Fetcher execution failed", models.FetcherFailure(fetcher.Format, "Fetcher execution failed"))
		return
	}
	if result.Format == "" {
		result.Format = fetcher.Format
	}
	if err := result.Validate(); err != nil {
		p.logger.Error("fetcher returned an invalid result", zap.String("fetcher", id), zap.Error(err))
		envelope.Error(w, http.StatusInternalServerError, "Fetcher returned an invalid result", models.FetcherFailure(fetcher.Format, "Fetcher returned an invalid result"))
		return
	}
	envelope.Write(w, http.StatusOK, result)
}
