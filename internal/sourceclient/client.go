// Package sourceclient speaks the plugin source HTTP contract: every call is
// bearer-authenticated, every response is wrapped in the api envelope, and
// every source sits behind its own circuit breaker.
package sourceclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/CybercentreCanada/clue/internal/envelope"
	"github.com/CybercentreCanada/clue/internal/logging"
	"github.com/CybercentreCanada/clue/internal/registry"
)

// ErrUnavailable is returned without a network call while a source's
// breaker is open.
var ErrUnavailable = errors.New("source temporarily unavailable")

// maxResponseBytes bounds how much of a source response is read.
const maxResponseBytes = 32 << 20

// StatusError is a non-2xx answer from a source.
type StatusError struct {
	Source  string
	Code    int
	Message string
	// Response is the envelope's api_response, which may still hold a
	// structured failure.
	Response json.RawMessage
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s returned %d: %s", e.Source, e.Code, e.Message)
	}
	return fmt.Sprintf("%s returned %d", e.Source, e.Code)
}

// Options configure a Client.
type Options struct {
	HTTPClient *http.Client
	// TypesTTL is how long a source's /types/ answer is reused.
	TypesTTL time.Duration
	// FailureThreshold consecutive failures open a source's breaker.
	FailureThreshold uint32
	// OpenTimeout is how long a breaker stays open before a trial call.
	OpenTimeout time.Duration
	Logger      *zap.Logger
}

// Client is safe for concurrent use.
type Client struct {
	http   *http.Client
	logger *zap.Logger
	opts   Options

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	types    map[string]typesEntry
	now      func() time.Time
}

type typesEntry struct {
	url     string
	types   map[string]string
	expires time.Time
}

// New builds a Client.
func New(opts Options) *Client {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.TypesTTL <= 0 {
		opts.TypesTTL = 5 * time.Minute
	}
	if opts.FailureThreshold == 0 {
		opts.FailureThreshold = 5
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = 30 * time.Second
	}
	return &Client{
		http:     opts.HTTPClient,
		logger:   logging.OrNop(opts.Logger).Named("sourceclient"),
		opts:     opts,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		types:    make(map[string]typesEntry),
		now:      time.Now,
	}
}

func (c *Client) breaker(name string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok := c.breakers[name]; ok {
		return cb
	}
	threshold := c.opts.FailureThreshold
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     c.opts.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Info("circuit breaker state changed",
				zap.String("source", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
		IsSuccessful: isSuccessful,
	})
	c.breakers[name] = cb
	return cb
}

// isSuccessful counts only transport failures and 5xx answers against a
// source. Client errors and caller cancellation do not trip the breaker.
func isSuccessful(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code < http.StatusInternalServerError
	}
	return false
}

// authorize returns the token to present to the source, exchanging it for
// the source's downstream audience when the source has that capability.
func (c *Client) authorize(ctx context.Context, e *registry.Entry, token string) (string, error) {
	if token == "" || e.Caps.TokenExchange == nil || e.OBOTarget == "" {
		return token, nil
	}
	exchanged, err := e.Caps.TokenExchange.Exchange(ctx, token, e.OBOTarget)
	if err != nil {
		return "", fmt.Errorf("token exchange for %s failed: %w", e.Name, err)
	}
	return exchanged, nil
}

// call performs one request and returns the envelope's api_response.
func (c *Client) call(ctx context.Context, e *registry.Entry, token, method, path string, query url.Values, body interface{}) (json.RawMessage, error) {
	token, err := c.authorize(ctx, e, token)
	if err != nil {
		return nil, err
	}

	var payload []byte
	if body != nil {
		if payload, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("failed to encode request for %s: %w", e.Name, err)
		}
	}

	target := e.Endpoint(path)
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	out, err := c.breaker(e.Name).Execute(func() (interface{}, error) {
		return c.roundTrip(ctx, e.Name, token, method, target, payload)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, e.Name)
	}
	if err != nil {
		return nil, err
	}
	return out.(json.RawMessage), nil
}

func (c *Client) roundTrip(ctx context.Context, name, token, method, target string, payload []byte) (json.RawMessage, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %s: %w", name, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response from %s: %w", name, err)
	}

	var env envelope.Raw
	decodeErr := json.Unmarshal(raw, &env)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &StatusError{Source: name, Code: resp.StatusCode}
		if decodeErr == nil {
			se.Message = env.ErrorMessage
			se.Response = env.Response
		} else {
			se.Message = http.StatusText(resp.StatusCode)
		}
		return nil, se
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("invalid response from %s: %w", name, decodeErr)
	}
	if env.ErrorMessage != "" && isNull(env.Response) {
		return nil, &StatusError{Source: name, Code: resp.StatusCode, Message: env.ErrorMessage}
	}
	return env.Response, nil
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// LookupOptions are forwarded to the source as query parameters.
type LookupOptions struct {
	Timeout        time.Duration
	Classification string
	Limit          int
	IncludeRaw     bool
	NoAnnotation   bool
}

func (o LookupOptions) query() url.Values {
	q := url.Values{}
	if o.Timeout > 0 {
		q.Set("max_timeout", strconv.FormatFloat(o.Timeout.Seconds(), 'f', -1, 64))
	}
	if o.Classification != "" {
		q.Set("classification", o.Classification)
	}
	if o.Limit > 0 {
		q.Set("limit", strconv.Itoa(o.Limit))
	}
	if o.IncludeRaw {
		q.Set("include_raw", "true")
	}
	if o.NoAnnotation {
		q.Set("no_annotation", "true")
	}
	return q
}
