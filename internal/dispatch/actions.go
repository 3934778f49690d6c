package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/CybercentreCanada/clue/internal/models"
	"github.com/CybercentreCanada/clue/internal/registry"
	"github.com/CybercentreCanada/clue/internal/selector"
	"github.com/CybercentreCanada/clue/internal/sourceclient"
)

func (e *Engine) source(name string) (*registry.Entry, error) {
	src, ok := e.reg.Get(strings.ToLower(strings.TrimSpace(name)))
	if !ok {
		return nil, newError(ErrNotFound, "Source %s does not exist", name)
	}
	return src, nil
}

// findAction resolves one action on one source.
func (e *Engine) findAction(ctx context.Context, caller Caller, src *registry.Entry, id string) (models.Action, error) {
	actions, err := e.client.Actions(ctx, src, caller.Token)
	if err != nil {
		var se *sourceclient.StatusError
		if errors.As(err, &se) && se.Code == 404 {
			return models.Action{}, newError(ErrNotFound, "%s does not support any actions.", src.Name)
		}
		return models.Action{}, err
	}
	if len(actions) == 0 {
		return models.Action{}, newError(ErrNotFound, "%s does not support any actions.", src.Name)
	}
	for _, a := range actions {
		if a.ID == id && e.visible(a.Classification, e.clearance(caller)) {
			return a, nil
		}
	}
	return models.Action{}, newError(ErrNotFound, "Action %s does not exist", id)
}

// ExecuteAction runs one action on one source. Problems with the selectors
// and failures on the source's side come back as failed results; only an
// unknown source or action, or a body that does not match the action's
// params, is an error.
func (e *Engine) ExecuteAction(ctx context.Context, caller Caller, sourceName, actionID string, body []byte, timeout time.Duration) (models.ActionResult, error) {
	src, err := e.source(sourceName)
	if err != nil {
		return models.ActionResult{}, err
	}

	timeout = e.timeout(timeout)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	action, err := e.findAction(ctx, caller, src, actionID)
	if err != nil {
		var de *Error
		if errors.As(err, &de) {
			return models.ActionResult{}, err
		}
		e.logger.Warn("action discovery failed", zap.String("source", src.Name), zap.Error(err))
		return models.Failure(describe(src.Name, err, timeout, ctx)), nil
	}

	var req models.ExecuteRequest
	if len(strings.TrimSpace(string(body))) == 0 {
		body = []byte("{}")
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return models.ActionResult{}, newError(ErrBadRequest, msgBodyValidation)
	}
	issues, err := validateParams(action.Params, body)
	if err != nil {
		e.logger.Warn("invalid params schema", zap.String("source", src.Name), zap.String("action", action.ID), zap.Error(err))
	}
	if len(issues) > 0 {
		e.logger.Info("execute body rejected", zap.String("action", action.ID), zap.Strings("issues", issues))
		return models.ActionResult{}, newError(ErrBadRequest, msgBodyValidation)
	}

	req.Normalize()
	if failure, ok := action.CheckRequest(req); !ok {
		return failure, nil
	}

	release, reason := e.admit(ctx, caller, src)
	if release == nil {
		return models.Failure(reason), nil
	}
	defer release()

	res, err := e.client.Execute(ctx, src, caller.Token, action.ID, req, timeout.Seconds())
	if err != nil {
		e.logger.Warn("action failed", zap.String("source", src.Name), zap.String("action", action.ID), zap.Error(err))
		return models.Failure(describe(src.Name, err, timeout, ctx)), nil
	}
	return res, nil
}

// RunFetcher runs one fetcher on one source.
func (e *Engine) RunFetcher(ctx context.Context, caller Caller, sourceName, fetcherID string, body []byte, timeout time.Duration) (models.FetcherResult, error) {
	src, err := e.source(sourceName)
	if err != nil {
		return models.FetcherResult{}, err
	}

	var sel selector.Selector
	if err := json.Unmarshal(body, &sel); err != nil || sel.Type == "" || sel.Value == "" {
		return models.FetcherResult{}, newError(ErrBadRequest, msgBodyValidation)
	}
	sel = selector.NormalizeSelector(sel)

	timeout = e.timeout(timeout)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	fetchers, err := e.client.Fetchers(ctx, src, caller.Token)
	if err != nil {
		var se *sourceclient.StatusError
		if !errors.As(err, &se) || se.Code != 404 {
			e.logger.Warn("fetcher discovery failed", zap.String("source", src.Name), zap.Error(err))
			return models.FetcherFailure(models.FormatJSON, describe(src.Name, err, timeout, ctx)), nil
		}
	}
	if len(fetchers) == 0 {
		return models.FetcherResult{}, newError(ErrNotFound, "%s does not support any fetchers.", src.Name)
	}

	var fetcher *models.FetcherDefinition
	for i := range fetchers {
		if fetchers[i].ID == fetcherID && e.visible(fetchers[i].Classification, e.clearance(caller)) {
			fetcher = &fetchers[i]
			break
		}
	}
	if fetcher == nil {
		return models.FetcherResult{}, newError(ErrNotFound, "Fetcher %s does not exist", fetcherID)
	}
	if !selector.Supports(selector.TypeSet(fetcher.SupportedTypes), sel.Type) {
		return models.FetcherFailure(fetcher.Format, fmt.Sprintf("Fetcher %s does not support type %s.", fetcher.ID, sel.Type)), nil
	}

	release, reason := e.admit(ctx, caller, src)
	if release == nil {
		return models.FetcherFailure(fetcher.Format, reason), nil
	}
	defer release()

	res, err := e.client.Fetch(ctx, src, caller.Token, fetcher.ID, sel, timeout.Seconds())
	if err != nil {
		e.logger.Warn("fetcher failed", zap.String("source", src.Name), zap.String("fetcher", fetcher.ID), zap.Error(err))
		return models.FetcherFailure(fetcher.Format, describe(src.Name, err, timeout, ctx)), nil
	}
	return res, nil
}
