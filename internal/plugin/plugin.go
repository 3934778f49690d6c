// Package plugin is the source side of the plugin contract. A source
// supplies callbacks for enrichment, actions and fetchers; the package
// serves them over HTTP and validates everything it returns with the same
// models the gateway uses to validate it again.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/CybercentreCanada/clue/internal/logging"
	"github.com/CybercentreCanada/clue/internal/models"
	"github.com/CybercentreCanada/clue/internal/selector"
)

// ErrUnauthorized is returned by a TokenValidator to reject a caller.
var ErrUnauthorized = errors.New("unauthorized")

// LookupParams are the options the gateway forwards with a lookup.
type LookupParams struct {
	Timeout        time.Duration
	Classification string
	Limit          int
	IncludeRaw     bool
	NoAnnotation   bool
}

// EnrichFunc returns the entries for one selector. A returned error becomes
// the selector's error message.
type EnrichFunc func(ctx context.Context, sel selector.Selector, params LookupParams, token string) ([]models.QueryEntry, error)

// ActionFunc executes an action. A returned error is reported as a failed
// outcome.
type ActionFunc func(ctx context.Context, action models.Action, req models.ExecuteRequest, token string) (models.ActionResult, error)

// FetchFunc runs a fetcher.
type FetchFunc func(ctx context.Context, fetcher models.FetcherDefinition, sel selector.Selector, token string) (models.FetcherResult, error)

// TokenValidator extracts the caller's token from a request.
type TokenValidator func(r *http.Request) (string, error)

// ActionDef is an action descriptor plus the struct its extra parameters
// decode into, used to derive the params schema.
type ActionDef struct {
	models.Action
	// Request is a pointer to a struct of action-specific fields, or nil.
	Request interface{}
}

// Options describe a plugin.
type Options struct {
	Name           string
	Classification string
	SupportedTypes []string
	// TypeClassifications overrides Classification per type.
	TypeClassifications map[string]string

	Enrich EnrichFunc

	Actions   []ActionDef
	RunAction ActionFunc

	Fetchers   []models.FetcherDefinition
	RunFetcher FetchFunc

	// ValidateToken defaults to BearerToken.
	ValidateToken TokenValidator
	// BulkConcurrency bounds concurrent enrich calls in a bulk lookup.
	BulkConcurrency int
	Logger          *zap.Logger
}

// Plugin serves one source.
type Plugin struct {
	opts     Options
	types    map[string]string
	actions  map[string]models.Action
	order    []string
	fetchers map[string]models.FetcherDefinition
	fOrder   []string
	logger   *zap.Logger
	router   *mux.Router
}

// New validates opts and builds the plugin's routes.
func New(opts Options) (*Plugin, error) {
	if opts.Name == "" {
		return nil, errors.New("plugin name is required")
	}
	if opts.Classification == "" {
		opts.Classification = "TLP:CLEAR"
	}
	if opts.ValidateToken == nil {
		opts.ValidateToken = BearerToken
	}
	if opts.BulkConcurrency <= 0 {
		opts.BulkConcurrency = 8
	}

	p := &Plugin{
		opts:     opts,
		types:    make(map[string]string),
		actions:  make(map[string]models.Action),
		fetchers: make(map[string]models.FetcherDefinition),
		logger:   logging.OrNop(opts.Logger).Named("plugin").With(zap.String("plugin", opts.Name)),
	}

	for t := range selector.TypeSet(opts.SupportedTypes) {
		p.types[t] = opts.Classification
		if c, ok := opts.TypeClassifications[t]; ok {
			p.types[t] = c
		}
	}
	if opts.Enrich != nil && len(p.types) == 0 {
		return nil, errors.New("an enriching plugin must support at least one type")
	}

	for _, def := range opts.Actions {
		a := def.Action
		if a.Params == nil {
			params, err := models.ParamsSchema(a.Name, def.Request)
			if err != nil {
				return nil, fmt.Errorf("action %s: %w", a.ID, err)
			}
			a.Params = params
		}
		if err := a.Validate(); err != nil {
			return nil, fmt.Errorf("action %s: %w", a.ID, err)
		}
		if _, dup := p.actions[a.ID]; dup {
			return nil, fmt.Errorf("action %s is defined twice", a.ID)
		}
		p.actions[a.ID] = a
		p.order = append(p.order, a.ID)
	}
	if len(p.actions) > 0 && opts.RunAction == nil {
		return nil, errors.New("actions are defined without RunAction")
	}

	for _, f := range opts.Fetchers {
		if err := f.Validate(); err != nil {
			return nil, fmt.Errorf("fetcher %s: %w", f.ID, err)
		}
		if _, dup := p.fetchers[f.ID]; dup {
			return nil, fmt.Errorf("fetcher %s is defined twice", f.ID)
		}
		p.fetchers[f.ID] = f
		p.fOrder = append(p.fOrder, f.ID)
	}
	if len(p.fetchers) > 0 && opts.RunFetcher == nil {
		return nil, errors.New("fetchers are defined without RunFetcher")
	}

	p.router = p.routes()
	return p, nil
}

// Handler returns the plugin's HTTP handler.
func (p *Plugin) Handler() http.Handler {
	return p.router
}

// BearerToken requires an "Authorization: Bearer <token>" header.
func BearerToken(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return "", fmt.Errorf("%w: missing bearer token", ErrUnauthorized)
	}
	token := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	if token == "" {
		return "", fmt.Errorf("%w: empty bearer token", ErrUnauthorized)
	}
	return token, nil
}

// AllowAnonymous accepts requests with or without a token.
func AllowAnonymous(r *http.Request) (string, error) {
	token, err := BearerToken(r)
	if err != nil {
		return "", nil
	}
	return token, nil
}
