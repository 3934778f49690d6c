package dispatch

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/CybercentreCanada/clue/internal/models"
	"github.com/CybercentreCanada/clue/internal/registry"
)

// eachVisible calls fn concurrently for every source the caller may see,
// optionally restricted to names, under one deadline. Sources that fail are
// logged and left out.
func (e *Engine) eachVisible(ctx context.Context, caller Caller, names []string, timeout time.Duration, what string, fn func(context.Context, *registry.Entry) error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout(timeout))
	defer cancel()

	clearance := e.clearance(caller)
	g := errgroup.Group{}
	g.SetLimit(e.cfg.MaxConcurrency)
	for _, src := range e.reg.Entries() {
		src := src
		if !wants(names, src.Name) || !e.visible(src.Classification, clearance) {
			continue
		}
		g.Go(func() error {
			if err := fn(ctx, src); err != nil {
				e.logger.Warn(what+" discovery failed", zap.String("source", src.Name), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Types returns the sorted supported types of every visible source.
func (e *Engine) Types(ctx context.Context, caller Caller, sources []string, timeout time.Duration) map[string][]string {
	var mu sync.Mutex
	out := map[string][]string{}
	clearance := e.clearance(caller)

	e.eachVisible(ctx, caller, sources, timeout, "type", func(ctx context.Context, src *registry.Entry) error {
		var types []string
		if len(src.SupportedTypes) > 0 {
			types = append(types, src.SupportedTypes...)
		} else {
			discovered, err := e.client.Types(ctx, src, caller.Token)
			if err != nil {
				return err
			}
			for t, class := range discovered {
				if class == "" || e.visible(class, clearance) {
					types = append(types, t)
				}
			}
		}
		sort.Strings(types)

		mu.Lock()
		out[src.Name] = types
		mu.Unlock()
		return nil
	})
	return out
}

// ListActions returns every visible action keyed "source.action".
func (e *Engine) ListActions(ctx context.Context, caller Caller, timeout time.Duration) map[string]models.Action {
	var mu sync.Mutex
	out := map[string]models.Action{}
	clearance := e.clearance(caller)

	e.eachVisible(ctx, caller, nil, timeout, "action", func(ctx context.Context, src *registry.Entry) error {
		actions, err := e.client.Actions(ctx, src, caller.Token)
		if err != nil {
			return err
		}
		mu.Lock()
		defer mu.Unlock()
		for _, a := range actions {
			if e.visible(a.Classification, clearance) {
				out[src.Name+"."+a.ID] = a
			}
		}
		return nil
	})
	return out
}

// ListFetchers returns every visible fetcher keyed "source.fetcher".
func (e *Engine) ListFetchers(ctx context.Context, caller Caller, timeout time.Duration) map[string]models.FetcherDefinition {
	var mu sync.Mutex
	out := map[string]models.FetcherDefinition{}
	clearance := e.clearance(caller)

	e.eachVisible(ctx, caller, nil, timeout, "fetcher", func(ctx context.Context, src *registry.Entry) error {
		fetchers, err := e.client.Fetchers(ctx, src, caller.Token)
		if err != nil {
			return err
		}
		mu.Lock()
		defer mu.Unlock()
		for _, f := range fetchers {
			if e.visible(f.Classification, clearance) {
				out[src.Name+"."+f.ID] = f
			}
		}
		return nil
	})
	return out
}
