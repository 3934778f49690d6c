package sourceclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"github.com/CybercentreCanada/clue/internal/models"
	"github.com/CybercentreCanada/clue/internal/registry"
	"github.com/CybercentreCanada/clue/internal/selector"
)

// Types returns the source's {type: classification} map, reusing a cached
// answer while it is fresh.
func (c *Client) Types(ctx context.Context, e *registry.Entry, token string) (map[string]string, error) {
	c.mu.Lock()
	cached, ok := c.types[e.Name]
	c.mu.Unlock()
	if ok && cached.url == e.URL && c.now().Before(cached.expires) {
		return cached.types, nil
	}

	raw, err := c.call(ctx, e, token, http.MethodGet, "types/", nil, nil)
	if err != nil {
		return nil, err
	}
	var discovered map[string]string
	if err := json.Unmarshal(raw, &discovered); err != nil {
		return nil, fmt.Errorf("invalid types from %s: %w", e.Name, err)
	}

	types := make(map[string]string, len(discovered))
	for t, classification := range discovered {
		norm, _ := selector.Normalize(t, "")
		if !selector.Known(norm) {
			c.logger.Debug("ignoring unknown type", zap.String("source", e.Name), zap.String("type", t))
			continue
		}
		types[norm] = classification
	}

	c.mu.Lock()
	c.types[e.Name] = typesEntry{url: e.URL, types: types, expires: c.now().Add(c.opts.TypesTTL)}
	c.mu.Unlock()
	return types, nil
}

// Lookup enriches one selector.
func (c *Client) Lookup(ctx context.Context, e *registry.Entry, token string, sel selector.Selector, opts LookupOptions) (models.SourcePayload, error) {
	path := "lookup/" + url.PathEscape(sel.Type) + "/" + url.PathEscape(sel.Value) + "/"
	raw, err := c.call(ctx, e, token, http.MethodGet, path, opts.query(), nil)
	if err != nil {
		return models.SourcePayload{}, err
	}
	return models.ParseSourcePayload(raw)
}

// BulkLookup enriches several selectors in one call. The result is keyed by
// selector.Key; selectors the source left out are absent. A payload that
// fails validation is returned as a payload carrying the validation error.
func (c *Client) BulkLookup(ctx context.Context, e *registry.Entry, token string, sels []selector.Selector, opts LookupOptions) (map[string]models.SourcePayload, error) {
	body := make([]selector.Selector, len(sels))
	for i, s := range sels {
		body[i] = selector.Selector{Type: s.Type, Value: s.Value}
	}

	raw, err := c.call(ctx, e, token, http.MethodPost, "lookup/", opts.query(), body)
	if err != nil {
		return nil, err
	}

	var byType map[string]map[string]json.RawMessage
	if err := json.Unmarshal(raw, &byType); err != nil {
		return nil, fmt.Errorf("invalid bulk response from %s: %w", e.Name, err)
	}

	out := make(map[string]models.SourcePayload, len(sels))
	for t, values := range byType {
		for v, payloadRaw := range values {
			key := selector.Selector{Type: t, Value: v}.Key()
			payload, err := models.ParseSourcePayload(payloadRaw)
			if err != nil {
				payload = models.SourcePayload{Error: err.Error()}
			}
			out[key] = payload
		}
	}
	return out, nil
}

// Actions lists the source's actions. Descriptors that fail validation are
// skipped.
func (c *Client) Actions(ctx context.Context, e *registry.Entry, token string) ([]models.Action, error) {
	raw, err := c.call(ctx, e, token, http.MethodGet, "actions/", nil, nil)
	if err != nil {
		return nil, err
	}
	var actions []models.Action
	if err := json.Unmarshal(raw, &actions); err != nil {
		return nil, fmt.Errorf("invalid actions from %s: %w", e.Name, err)
	}
	valid := actions[:0]
	for _, a := range actions {
		if err := a.Validate(); err != nil {
			c.logger.Warn("skipping invalid action", zap.String("source", e.Name), zap.String("action", a.ID), zap.Error(err))
			continue
		}
		valid = append(valid, a)
	}
	return valid, nil
}

// Execute runs one action. A failure the source reports in a structured
// result, even with a non-2xx status, is returned as that result.
func (c *Client) Execute(ctx context.Context, e *registry.Entry, token, actionID string, req models.ExecuteRequest, timeout float64) (models.ActionResult, error) {
	q := url.Values{}
	if timeout > 0 {
		q.Set("max_timeout", fmt.Sprintf("%g", timeout))
	}
	raw, err := c.call(ctx, e, token, http.MethodPost, "actions/"+url.PathEscape(actionID), q, req)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && !isNull(se.Response) {
			if res, perr := models.ParseActionResult(se.Response); perr == nil {
				return res, nil
			}
		}
		return models.ActionResult{}, err
	}
	return models.ParseActionResult(raw)
}

// Fetchers lists the source's fetchers. Descriptors that fail validation are
// skipped.
func (c *Client) Fetchers(ctx context.Context, e *registry.Entry, token string) ([]models.FetcherDefinition, error) {
	raw, err := c.call(ctx, e, token, http.MethodGet, "fetchers/", nil, nil)
	if err != nil {
		return nil, err
	}
	var fetchers []models.FetcherDefinition
	if err := json.Unmarshal(raw, &fetchers); err != nil {
		return nil, fmt.Errorf("invalid fetchers from %s: %w", e.Name, err)
	}
	valid := fetchers[:0]
	for _, f := range fetchers {
		if err := f.Validate(); err != nil {
			c.logger.Warn("skipping invalid fetcher", zap.String("source", e.Name), zap.String("fetcher", f.ID), zap.Error(err))
			continue
		}
		valid = append(valid, f)
	}
	return valid, nil
}

// Fetch runs one fetcher against sel.
func (c *Client) Fetch(ctx context.Context, e *registry.Entry, token, fetcherID string, sel selector.Selector, timeout float64) (models.FetcherResult, error) {
	q := url.Values{}
	if timeout > 0 {
		q.Set("max_timeout", fmt.Sprintf("%g", timeout))
	}
	raw, err := c.call(ctx, e, token, http.MethodPost, "fetchers/"+url.PathEscape(fetcherID), q, sel)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && !isNull(se.Response) {
			if res, perr := models.ParseFetcherResult(se.Response); perr == nil {
				return res, nil
			}
		}
		return models.FetcherResult{}, err
	}
	return models.ParseFetcherResult(raw)
}
