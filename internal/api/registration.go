package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/CybercentreCanada/clue/internal/envelope"
	"github.com/CybercentreCanada/clue/internal/models"
	"github.com/CybercentreCanada/clue/internal/registry"
	"github.com/CybercentreCanada/clue/internal/store"
)

func (a *API) handleListSources(w http.ResponseWriter, r *http.Request) {
	envelope.Write(w, http.StatusOK, a.reg.List())
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var src registry.Source
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&src); err != nil {
		envelope.Error(w, http.StatusBadRequest, msgBadFormat, nil)
		return
	}

	caller := callerFrom(r)
	registered, err := a.reg.Register(r.Context(), src)
	if err != nil {
		var ve *models.ValidationError
		switch {
		case errors.Is(err, registry.ErrConflict):
			envelope.Error(w, http.StatusConflict, fmt.Sprintf("A source named %s is already registered.", strings.ToLower(strings.TrimSpace(src.Name))), nil)
		case errors.As(err, &ve):
			envelope.Error(w, http.StatusBadRequest, ve.Error(), ve.Issues)
		default:
			a.logger.Error("registration failed", zap.String("source", src.Name), zap.Error(err))
			envelope.Error(w, http.StatusInternalServerError, "Failed to register source", nil)
		}
		return
	}

	a.audit(r.Context(), store.AuditEntry{
		Action:  store.ActionRegister,
		Actor:   caller.User,
		Target:  registered.Name,
		Outcome: "success",
		Details: map[string]interface{}{"url": registered.URL, "classification": registered.Classification},
	})
	envelope.Write(w, http.StatusOK, registered)
}

// handleRemove always answers 204, whether or not the source existed.
func (a *API) handleRemove(w http.ResponseWriter, r *http.Request) {
	name := strings.ToLower(strings.TrimSpace(pathVar(r, "name")))
	removed, err := a.reg.Remove(r.Context(), name)
	if err != nil {
		a.logger.Error("removal failed", zap.String("source", name), zap.Error(err))
		envelope.Error(w, http.StatusInternalServerError, "Failed to remove source", nil)
		return
	}
	if removed {
		a.audit(r.Context(), store.AuditEntry{
			Action:  store.ActionRemove,
			Actor:   callerFrom(r).User,
			Target:  name,
			Outcome: "success",
		})
	}
	envelope.NoContent(w)
}
