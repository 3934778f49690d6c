// Package dispatch fans lookups out to sources and runs actions and
// fetchers on a single source. Every source is isolated: its failure,
// timeout or rejection only ever affects its own slot in the result.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/CybercentreCanada/clue/internal/classification"
	"github.com/CybercentreCanada/clue/internal/logging"
	"github.com/CybercentreCanada/clue/internal/models"
	"github.com/CybercentreCanada/clue/internal/quota"
	"github.com/CybercentreCanada/clue/internal/registry"
	"github.com/CybercentreCanada/clue/internal/selector"
	"github.com/CybercentreCanada/clue/internal/sourceclient"
)

var (
	// ErrBadRequest marks request-shape failures.
	ErrBadRequest = errors.New("bad request")
	// ErrNotFound marks unknown sources, actions and fetchers.
	ErrNotFound = errors.New("not found")
	// ErrNoSources is returned when no source is configured at all.
	ErrNoSources = errors.New("no sources configured")
)

// Error is a request-level failure carrying the message shown to callers.
type Error struct {
	Kind    error
	Message string
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.Kind }

func newError(kind error, format string, args ...interface{}) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Messages shown to callers.
const (
	msgBadFormat      = "Request data is not in the correct format"
	msgEmptyLookup    = "You must provide at least one value to lookup"
	msgBodyValidation = "Validation error encountered on request body. Ensure your request body is properly formatted."
)

func quotaMessage(destination string) string {
	return fmt.Sprintf("You have too many simultaneous connections to external service %s. Please use larger batches when enriching.", destination)
}

func clampMessage(source string) string {
	return fmt.Sprintf("Type classification exceeds max classification of source: %s.", source)
}

func timeoutMessage(source string, after time.Duration) string {
	return fmt.Sprintf("Timed out waiting for %s after %gs.", source, after.Seconds())
}

// Registry is the view of the source registry the engine routes over.
type Registry interface {
	Entries() []*registry.Entry
	Get(name string) (*registry.Entry, bool)
	Ceiling() string
}

// Client is the transport to sources.
type Client interface {
	Types(ctx context.Context, e *registry.Entry, token string) (map[string]string, error)
	Lookup(ctx context.Context, e *registry.Entry, token string, sel selector.Selector, opts sourceclient.LookupOptions) (models.SourcePayload, error)
	BulkLookup(ctx context.Context, e *registry.Entry, token string, sels []selector.Selector, opts sourceclient.LookupOptions) (map[string]models.SourcePayload, error)
	Actions(ctx context.Context, e *registry.Entry, token string) ([]models.Action, error)
	Execute(ctx context.Context, e *registry.Entry, token, actionID string, req models.ExecuteRequest, timeout float64) (models.ActionResult, error)
	Fetchers(ctx context.Context, e *registry.Entry, token string) ([]models.FetcherDefinition, error)
	Fetch(ctx context.Context, e *registry.Entry, token, fetcherID string, sel selector.Selector, timeout float64) (models.FetcherResult, error)
}

// Caller is who a request runs on behalf of.
type Caller struct {
	// User keys quota admission. Empty is treated as anonymous.
	User string
	// Token is forwarded to sources.
	Token string
	// Clearance is the most restrictive marking the caller may see. Empty
	// means the deployment ceiling.
	Clearance string
}

// Config tunes the engine.
type Config struct {
	// DefaultTimeout applies when a request carries no max_timeout.
	DefaultTimeout time.Duration
	// MaxTimeout caps any caller-supplied timeout.
	MaxTimeout time.Duration
	// Strict turns an over-classified entry into an error for the whole
	// source result instead of dropping it.
	Strict bool
	// DefaultQuota is the simultaneous-call limit for sources without one.
	DefaultQuota int64
	// MaxConcurrency bounds concurrent source calls per request.
	MaxConcurrency int
}

// Engine is safe for concurrent use.
type Engine struct {
	reg    Registry
	client Client
	quota  quota.Tracker
	c12n   classification.Engine
	cfg    Config
	logger *zap.Logger
}

// New builds an Engine.
func New(reg Registry, client Client, tracker quota.Tracker, c12n classification.Engine, cfg Config, logger *zap.Logger) *Engine {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 5 * time.Second
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = 60 * time.Second
	}
	if cfg.DefaultQuota <= 0 {
		cfg.DefaultQuota = 10
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 32
	}
	if c12n == nil {
		c12n = classification.NewTLP()
	}
	return &Engine{
		reg:    reg,
		client: client,
		quota:  tracker,
		c12n:   c12n,
		cfg:    cfg,
		logger: logging.OrNop(logger).Named("dispatch"),
	}
}

// timeout clamps a requested timeout to the configured bounds.
func (e *Engine) timeout(requested time.Duration) time.Duration {
	if requested <= 0 {
		return e.cfg.DefaultTimeout
	}
	if requested > e.cfg.MaxTimeout {
		return e.cfg.MaxTimeout
	}
	return requested
}

func (e *Engine) clearance(c Caller) string {
	if c.Clearance != "" {
		if norm, err := e.c12n.Normalize(c.Clearance, true); err == nil {
			if ok, _ := e.c12n.IsAccessible(norm, e.reg.Ceiling()); ok {
				return norm
			}
		}
	}
	return e.reg.Ceiling()
}

// visible reports whether the caller may see something marked marking.
// Invalid markings are never visible.
func (e *Engine) visible(marking, clearance string) bool {
	ok, err := e.c12n.IsAccessible(marking, clearance)
	return err == nil && ok
}

// admit runs quota admission for one source. release is non-nil exactly
// when the call was admitted and must be called once the call is over.
func (e *Engine) admit(ctx context.Context, caller Caller, src *registry.Entry) (release func(), reason string) {
	if e.quota == nil {
		return func() {}, ""
	}
	key := quota.Key(src.Destination(), caller.User)
	max := src.Quota
	if max <= 0 {
		max = e.cfg.DefaultQuota
	}

	ok, err := e.quota.Begin(ctx, key, max)
	if err != nil {
		e.logger.Warn("quota check failed", zap.String("source", src.Name), zap.Error(err))
		return nil, fmt.Sprintf("Unable to check quota for %s.", src.Name)
	}
	if !ok {
		e.logger.Info("quota exceeded", zap.String("source", src.Name), zap.String("user", caller.User))
		return nil, quotaMessage(src.Destination())
	}
	return func() {
		endCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := e.quota.End(endCtx, key); err != nil {
			e.logger.Warn("quota release failed", zap.String("source", src.Name), zap.Error(err))
		}
	}, ""
}

// describe turns a transport error into the message shown in a result.
func describe(src string, err error, deadline time.Duration, ctx context.Context) string {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return timeoutMessage(src, deadline)
	}
	var se *sourceclient.StatusError
	if errors.As(err, &se) && se.Message != "" {
		return se.Message
	}
	if errors.Is(err, sourceclient.ErrUnavailable) {
		return fmt.Sprintf("%s is temporarily unavailable.", src)
	}
	var ve *models.ValidationError
	if errors.As(err, &ve) {
		return ve.Error()
	}
	return fmt.Sprintf("Error communicating with %s.", src)
}
