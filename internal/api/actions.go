package api

import (
	"io"
	"net/http"

	"github.com/CybercentreCanada/clue/internal/envelope"
	"github.com/CybercentreCanada/clue/internal/store"
)

func (a *API) handleListActions(w http.ResponseWriter, r *http.Request) {
	timeout, err := queryTimeout(r.URL.Query())
	if err != nil {
		envelope.Error(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	envelope.Write(w, http.StatusOK, a.engine.ListActions(r.Context(), callerFrom(r), timeout))
}

func (a *API) handleExecute(w http.ResponseWriter, r *http.Request) {
	timeout, err := queryTimeout(r.URL.Query())
	if err != nil {
		envelope.Error(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		envelope.Error(w, http.StatusBadRequest, msgBadFormat, nil)
		return
	}

	caller := callerFrom(r)
	source, action := pathVar(r, "source"), pathVar(r, "action")
	res, err := a.engine.ExecuteAction(r.Context(), caller, source, action, body, timeout)
	if err != nil {
		a.failRequest(w, err)
		return
	}

	a.audit(r.Context(), store.AuditEntry{
		Action:  store.ActionExecute,
		Actor:   caller.User,
		Target:  source + "." + action,
		Outcome: string(res.Outcome),
		Details: map[string]interface{}{"summary": res.Summary},
	})
	envelope.Write(w, http.StatusOK, res)
}

func (a *API) handleListFetchers(w http.ResponseWriter, r *http.Request) {
	timeout, err := queryTimeout(r.URL.Query())
	if err != nil {
		envelope.Error(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	envelope.Write(w, http.StatusOK, a.engine.ListFetchers(r.Context(), callerFrom(r), timeout))
}

func (a *API) handleFetch(w http.ResponseWriter, r *http.Request) {
	timeout, err := queryTimeout(r.URL.Query())
	if err != nil {
		envelope.Error(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		envelope.Error(w, http.StatusBadRequest, msgBadFormat, nil)
		return
	}

	caller := callerFrom(r)
	source, fetcher := pathVar(r, "source"), pathVar(r, "fetcher")
	res, err := a.engine.RunFetcher(r.Context(), caller, source, fetcher, body, timeout)
	if err != nil {
		a.failRequest(w, err)
		return
	}

	a.audit(r.Context(), store.AuditEntry{
		Action:  store.ActionFetch,
		Actor:   caller.User,
		Target:  source + "." + fetcher,
		Outcome: string(res.Outcome),
		Details: map[string]interface{}{"format": res.Format, "error": res.Error},
	})
	envelope.Write(w, http.StatusOK, res)
}
