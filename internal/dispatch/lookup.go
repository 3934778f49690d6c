package dispatch

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/CybercentreCanada/clue/internal/models"
	"github.com/CybercentreCanada/clue/internal/registry"
	"github.com/CybercentreCanada/clue/internal/selector"
	"github.com/CybercentreCanada/clue/internal/sourceclient"
)

// Query is one selector in a lookup, optionally restricted to named sources.
type Query struct {
	Selector selector.Selector `json:"selector"`
	Sources  []string          `json:"sources,omitempty"`
}

// LookupRequest is a single or bulk enrichment request.
type LookupRequest struct {
	Queries []Query
	// Sources restricts every query without its own source list.
	Sources []string
	// Timeout is the deadline for the whole fan-out.
	Timeout time.Duration
	// Classification is the sensitivity of the submitted values. Empty
	// means each source's declared classification for the type.
	Classification string
	Limit          int
	IncludeRaw     bool
	NoAnnotation   bool
}

// Results is the per-source outcome for one selector.
type Results map[string]models.QueryResult

// BulkResults groups results by type and value.
type BulkResults map[string]map[string]Results

// plan is the work for one source.
type plan struct {
	src      *registry.Entry
	explicit bool
	sels     []selector.Selector
	// classes is the classification sent with each selector, by key.
	classes map[string]string
	// refused carries pre-dispatch errors, by key.
	refused map[string]string
}

// Lookup enriches a single selector.
func (e *Engine) Lookup(ctx context.Context, caller Caller, sel selector.Selector, req LookupRequest) (Results, error) {
	req.Queries = []Query{{Selector: sel}}
	bulk, err := e.BulkLookup(ctx, caller, req)
	if err != nil {
		return nil, err
	}
	norm := selector.NormalizeSelector(sel)
	if byValue, ok := bulk[norm.Type]; ok {
		if results, ok := byValue[norm.Value]; ok {
			return results, nil
		}
	}
	return Results{}, nil
}

// BulkLookup enriches every query, fanning out to each relevant source once.
func (e *Engine) BulkLookup(ctx context.Context, caller Caller, req LookupRequest) (BulkResults, error) {
	if len(req.Queries) == 0 {
		return nil, newError(ErrBadRequest, msgEmptyLookup)
	}
	for _, q := range req.Queries {
		if q.Selector.Type == "" || q.Selector.Value == "" {
			return nil, newError(ErrBadRequest, msgBadFormat)
		}
	}

	entries := e.reg.Entries()
	if len(entries) == 0 {
		return nil, newError(ErrNoSources, "clue does not support any sources.")
	}

	timeout := e.timeout(req.Timeout)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	queries := dedupe(req.Queries, req.Sources)
	clearance := e.clearance(caller)
	plans := e.plan(ctx, caller, entries, queries, req.Classification, clearance)

	out := BulkResults{}
	for _, q := range queries {
		byValue, ok := out[q.Selector.Type]
		if !ok {
			byValue = map[string]Results{}
			out[q.Selector.Type] = byValue
		}
		byValue[q.Selector.Value] = Results{}
	}
	if len(plans) == 0 {
		return out, nil
	}

	slots := make([]map[string]models.QueryResult, len(plans))
	done := make([]chan struct{}, len(plans))
	for i := range done {
		done[i] = make(chan struct{})
	}

	all := make(chan struct{})
	go func() {
		defer close(all)
		g := errgroup.Group{}
		g.SetLimit(e.cfg.MaxConcurrency)
		for i := range plans {
			i := i
			g.Go(func() error {
				defer close(done[i])
				if ctx.Err() != nil {
					return nil
				}
				slots[i] = e.call(ctx, caller, req, plans[i], timeout, clearance)
				return nil
			})
		}
		_ = g.Wait()
	}()

	select {
	case <-all:
	case <-ctx.Done():
	}

	for i, p := range plans {
		var results map[string]models.QueryResult
		select {
		case <-done[i]:
			results = slots[i]
		default:
			e.logger.Warn("source did not answer before the deadline", zap.String("source", p.src.Name), zap.Duration("timeout", timeout))
		}
		for _, sel := range p.sels {
			r, ok := results[sel.Key()]
			if !ok {
				r = failed(p.src, sel, timeoutMessage(p.src.Name, timeout), timeout)
			}
			out[sel.Type][sel.Value][p.src.Name] = r
		}
	}
	return out, nil
}

// dedupe normalizes every query and merges duplicates. A query without
// its own source list inherits fallback.
func dedupe(queries []Query, fallback []string) []Query {
	seen := make(map[string]int, len(queries))
	out := make([]Query, 0, len(queries))
	for _, q := range queries {
		q.Selector = selector.NormalizeSelector(q.Selector)
		q.Sources = selector.CleanSources(q.Sources)
		if len(q.Sources) == 0 {
			q.Sources = selector.CleanSources(fallback)
		}
		if i, ok := seen[q.Selector.Key()]; ok {
			out[i].Sources = union(out[i].Sources, q.Sources)
			continue
		}
		seen[q.Selector.Key()] = len(out)
		out = append(out, q)
	}
	return out
}

// union merges two source filters. An empty filter means every source.
func union(a, b []string) []string {
	if len(a) == 0 || len(b) == 0 {
		return nil
	}
	return selector.CleanSources(append(append([]string{}, a...), b...))
}

func wants(sources []string, name string) bool {
	if len(sources) == 0 {
		return true
	}
	for _, s := range sources {
		if s == name {
			return true
		}
	}
	return false
}

// plan works out which selectors each source receives. Sources without
// declared types are asked for them concurrently; a source whose discovery
// fails is skipped unless the caller named it.
func (e *Engine) plan(ctx context.Context, caller Caller, entries []*registry.Entry, queries []Query, requested, clearance string) []plan {
	named := map[string]bool{}
	for _, q := range queries {
		for _, s := range q.Sources {
			named[s] = true
		}
	}

	types := make([]map[string]string, len(entries))
	typeErrs := make([]error, len(entries))
	g := errgroup.Group{}
	g.SetLimit(e.cfg.MaxConcurrency)
	for i, src := range entries {
		i, src := i, src
		if !relevant(src.Name, queries) {
			continue
		}
		if len(src.SupportedTypes) > 0 {
			types[i] = make(map[string]string, len(src.SupportedTypes))
			for _, t := range src.SupportedTypes {
				types[i][t] = src.Classification
			}
			continue
		}
		g.Go(func() error {
			types[i], typeErrs[i] = e.client.Types(ctx, src, caller.Token)
			return nil
		})
	}
	_ = g.Wait()

	var plans []plan
	for i, src := range entries {
		if !relevant(src.Name, queries) {
			continue
		}
		p := plan{src: src, explicit: named[src.Name], classes: map[string]string{}, refused: map[string]string{}}

		if typeErrs[i] != nil {
			e.logger.Warn("type discovery failed", zap.String("source", src.Name), zap.Error(typeErrs[i]))
			if !p.explicit {
				continue
			}
			msg := describe(src.Name, typeErrs[i], e.timeout(0), ctx)
			for _, q := range queries {
				if wants(q.Sources, src.Name) {
					p.sels = append(p.sels, q.Selector)
					p.refused[q.Selector.Key()] = msg
				}
			}
			plans = append(plans, p)
			continue
		}

		supported := make(map[string]struct{}, len(types[i]))
		for t := range types[i] {
			supported[t] = struct{}{}
		}
		hidden := !e.visible(src.Classification, clearance)
		if hidden && !p.explicit {
			continue
		}

		for _, q := range queries {
			if !wants(q.Sources, src.Name) || !selector.Supports(supported, q.Selector.Type) {
				continue
			}
			key := q.Selector.Key()
			p.sels = append(p.sels, q.Selector)
			if hidden {
				p.refused[key] = clampMessage(src.Name)
				continue
			}
			class, ok := e.requestClass(q.Selector, requested, typeClass(types[i], q.Selector.Type, src.Classification), src.MaxClassification)
			if !ok {
				p.refused[key] = clampMessage(src.Name)
				continue
			}
			p.classes[key] = class
		}
		if len(p.sels) > 0 {
			plans = append(plans, p)
		}
	}
	return plans
}

func relevant(name string, queries []Query) bool {
	for _, q := range queries {
		if wants(q.Sources, name) {
			return true
		}
	}
	return false
}

func typeClass(types map[string]string, t, fallback string) string {
	if c, ok := types[t]; ok && c != "" {
		return c
	}
	if t == selector.TypeIPv4 || t == selector.TypeIPv6 {
		if c, ok := types[selector.TypeIP]; ok && c != "" {
			return c
		}
	}
	return fallback
}

// requestClass picks the classification sent with sel and reports whether
// the source may receive a value that sensitive.
func (e *Engine) requestClass(sel selector.Selector, requested, fallback, max string) (string, bool) {
	class := fallback
	if requested != "" {
		class = requested
	}
	if sel.Classification != "" {
		class = sel.Classification
	}
	norm, err := e.c12n.Normalize(class, true)
	if err != nil {
		return "", false
	}
	return norm, e.visible(norm, max)
}

// call runs one source's share of a lookup and always returns a result for
// every selector in the plan.
func (e *Engine) call(ctx context.Context, caller Caller, req LookupRequest, p plan, deadline time.Duration, clearance string) map[string]models.QueryResult {
	start := time.Now()
	out := make(map[string]models.QueryResult, len(p.sels))

	var admitted []selector.Selector
	for _, sel := range p.sels {
		if msg, ok := p.refused[sel.Key()]; ok {
			out[sel.Key()] = failed(p.src, sel, msg, 0)
			continue
		}
		admitted = append(admitted, sel)
	}
	if len(admitted) == 0 {
		return out
	}

	release, reason := e.admit(ctx, caller, p.src)
	if release == nil {
		for _, sel := range admitted {
			out[sel.Key()] = failed(p.src, sel, reason, 0)
		}
		return out
	}
	defer release()

	callCtx := ctx
	budget := deadline
	if t := p.src.Timeout(); t > 0 && t < deadline {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
		budget = t
	}
	opts := sourceclient.LookupOptions{
		Timeout:      budget,
		Limit:        req.Limit,
		IncludeRaw:   req.IncludeRaw,
		NoAnnotation: req.NoAnnotation,
	}

	payloads := make(map[string]models.SourcePayload, len(admitted))
	var err error
	if len(admitted) == 1 {
		sel := admitted[0]
		opts.Classification = p.classes[sel.Key()]
		var payload models.SourcePayload
		payload, err = e.client.Lookup(callCtx, p.src, caller.Token, sel, opts)
		if err == nil {
			payloads[sel.Key()] = payload
		}
	} else {
		opts.Classification = e.highest(admitted, p.classes)
		payloads, err = e.client.BulkLookup(callCtx, p.src, caller.Token, admitted, opts)
	}
	latency := time.Since(start)

	if err != nil {
		msg := describe(p.src.Name, err, budget, callCtx)
		e.logger.Warn("lookup failed", zap.String("source", p.src.Name), zap.Int("selectors", len(admitted)), zap.Error(err))
		for _, sel := range admitted {
			out[sel.Key()] = failed(p.src, sel, msg, latency)
		}
		return out
	}

	ceiling := e.effectiveCeiling(clearance, p.src.MaxClassification)
	for _, sel := range admitted {
		payload, ok := payloads[sel.Key()]
		if !ok {
			out[sel.Key()] = failed(p.src, sel, "No result returned by "+p.src.Name+".", latency)
			continue
		}
		r := base(p.src, sel, latency)
		if payload.Error != "" {
			r.Error = payload.Error
			out[sel.Key()] = r
			continue
		}
		items, clampErr := e.clamp(p.src.Name, payload.Items, p.src.Classification, ceiling)
		if clampErr != "" {
			r.Error = clampErr
		} else {
			r.Items = items
		}
		out[sel.Key()] = r
	}
	return out
}

// highest is the most restrictive classification among sels, sent with a
// bulk call.
func (e *Engine) highest(sels []selector.Selector, classes map[string]string) string {
	var out string
	for _, sel := range sels {
		c := classes[sel.Key()]
		if out == "" {
			out = c
			continue
		}
		if m, err := e.c12n.Max(out, c); err == nil {
			out = m
		}
	}
	return out
}

func base(src *registry.Entry, sel selector.Selector, latency time.Duration) models.QueryResult {
	return models.QueryResult{
		Type:              sel.Type,
		Value:             sel.Value,
		Source:            src.Name,
		Items:             []models.QueryEntry{},
		Maintainer:        src.Maintainer,
		DatahubLink:       src.DatahubLink,
		DocumentationLink: src.DocumentationLink,
		Latency:           float64(latency.Microseconds()) / 1000,
	}
}

func failed(src *registry.Entry, sel selector.Selector, msg string, latency time.Duration) models.QueryResult {
	r := base(src, sel, latency)
	r.Error = msg
	return r
}
