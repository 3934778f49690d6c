// Package api exposes the gateway over HTTP under /api/v1. Every response
// travels in the envelope.
package api

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/CybercentreCanada/clue/internal/classification"
	"github.com/CybercentreCanada/clue/internal/dispatch"
	"github.com/CybercentreCanada/clue/internal/envelope"
	"github.com/CybercentreCanada/clue/internal/logging"
	"github.com/CybercentreCanada/clue/internal/models"
	"github.com/CybercentreCanada/clue/internal/registry"
	"github.com/CybercentreCanada/clue/internal/store"
)

// Prefix is where every route is mounted.
const Prefix = "/api/v1"

// PublicConfig is the configuration clients may read.
type PublicConfig struct {
	Name           string  `json:"name"`
	Version        string  `json:"version"`
	DefaultTimeout float64 `json:"default_timeout"`
	MaxTimeout     float64 `json:"max_timeout"`
	Strict         bool    `json:"strict_classification"`
}

// Options wires the API.
type Options struct {
	Engine         *dispatch.Engine
	Registry       *registry.Registry
	Classification classification.Engine
	// Auditor is optional.
	Auditor store.Auditor
	Public  PublicConfig
	Logger  *zap.Logger
}

// API holds the handlers.
type API struct {
	engine  *dispatch.Engine
	reg     *registry.Registry
	c12n    classification.Engine
	auditor store.Auditor
	public  PublicConfig
	logger  *zap.Logger
}

// New builds the API.
func New(opts Options) *API {
	if opts.Classification == nil {
		opts.Classification = classification.NewTLP()
	}
	return &API{
		engine:  opts.Engine,
		reg:     opts.Registry,
		c12n:    opts.Classification,
		auditor: opts.Auditor,
		public:  opts.Public,
		logger:  logging.OrNop(opts.Logger).Named("api"),
	}
}

// Handler returns the routes.
func (a *API) Handler() http.Handler {
	r := mux.NewRouter().UseEncodedPath()
	v1 := r.PathPrefix(Prefix).Subrouter()

	v1.HandleFunc("/lookup/types", a.handleTypes).Methods(http.MethodGet)
	v1.HandleFunc("/lookup/types_detection", a.handleTypesDetection).Methods(http.MethodGet)
	v1.HandleFunc("/lookup/enrich/{type}/{value}", a.handleLookup).Methods(http.MethodGet)
	v1.HandleFunc("/lookup/enrich", a.handleBulkLookup).Methods(http.MethodPost)

	v1.HandleFunc("/actions", a.handleListActions).Methods(http.MethodGet)
	v1.HandleFunc("/actions/execute/{source}/{action}", a.handleExecute).Methods(http.MethodPost)

	v1.HandleFunc("/fetchers", a.handleListFetchers).Methods(http.MethodGet)
	v1.HandleFunc("/fetchers/{source}/{fetcher}", a.handleFetch).Methods(http.MethodPost)

	v1.HandleFunc("/registration", a.handleListSources).Methods(http.MethodGet)
	v1.HandleFunc("/registration/register", a.handleRegister).Methods(http.MethodPost)
	v1.HandleFunc("/registration/{name}", a.handleRemove).Methods(http.MethodDelete)

	v1.HandleFunc("/configs", a.handleConfigs).Methods(http.MethodGet)
	v1.HandleFunc("/configs/schema/{name}", a.handleSchema).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		envelope.Error(w, http.StatusNotFound, "Not found", nil)
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		envelope.Error(w, http.StatusMethodNotAllowed, "Method not allowed", nil)
	})
	return r
}

// pathVar returns a decoded route variable.
func pathVar(r *http.Request, name string) string {
	v := mux.Vars(r)[name]
	if decoded, err := url.PathUnescape(v); err == nil {
		return decoded
	}
	return v
}

// failRequest maps a dispatch or registry error onto a status.
func (a *API) failRequest(w http.ResponseWriter, err error) {
	var de *dispatch.Error
	switch {
	case errors.As(err, &de) && errors.Is(err, dispatch.ErrBadRequest):
		envelope.Error(w, http.StatusBadRequest, de.Message, nil)
	case errors.As(err, &de) && (errors.Is(err, dispatch.ErrNotFound) || errors.Is(err, dispatch.ErrNoSources)):
		envelope.Error(w, http.StatusNotFound, de.Message, nil)
	default:
		a.logger.Error("request failed", zap.Error(err))
		envelope.Error(w, http.StatusInternalServerError, "Internal server error", nil)
	}
}

// queryTimeout parses max_timeout in seconds.
func queryTimeout(q url.Values) (time.Duration, error) {
	raw := q.Get("max_timeout")
	if raw == "" {
		return 0, nil
	}
	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil || secs < 0 {
		return 0, errors.New("max_timeout must be a positive number of seconds")
	}
	return time.Duration(secs * float64(time.Second)), nil
}

func queryBool(q url.Values, key string) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(q.Get(key)))
	return err == nil && v
}

func (a *API) audit(ctx context.Context, entry store.AuditEntry) {
	if a.auditor == nil {
		return
	}
	if err := a.auditor.RecordAudit(context.WithoutCancel(ctx), entry); err != nil {
		a.logger.Warn("failed to record audit entry", zap.String("action", entry.Action), zap.Error(err))
	}
}

func (a *API) handleConfigs(w http.ResponseWriter, r *http.Request) {
	envelope.Write(w, http.StatusOK, map[string]interface{}{
		"configuration": a.public,
		"c12nDef": map[string]interface{}{
			"levels":  a.c12n.Levels(),
			"lowest":  a.c12n.Lowest(),
			"ceiling": a.reg.Ceiling(),
		},
	})
}

func (a *API) handleSchema(w http.ResponseWriter, r *http.Request) {
	name := pathVar(r, "name")
	schema, ok := models.Schema(name)
	if !ok {
		envelope.Error(w, http.StatusNotFound, "Schema "+name+" does not exist", nil)
		return
	}
	envelope.Write(w, http.StatusOK, schema)
}
