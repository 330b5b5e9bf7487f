package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"medrec.org/internal/audit"
	"medrec.org/internal/auth"
	"medrec.org/internal/grant"
	"medrec.org/internal/obs"
)

type createGrantRequest struct {
	PatientID       string `json:"patient_id"`
	Mode            string `json:"mode"`
	DurationMinutes int    `json:"duration_minutes"`
	Reason          string `json:"reason"`
}

type terminateGrantRequest struct {
	Reason string `json:"reason"`
}

func (a *API) handleGrantsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createGrant(w, r)
	case http.MethodGet:
		a.listGrants(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodGet)
	}
}

func (a *API) handleGrantResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/access-grants/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	if id, ok := strings.CutSuffix(path, "/terminate"); ok {
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.terminateGrant(w, r, strings.TrimSuffix(id, "/"))
		return
	}
	if id, ok := strings.CutSuffix(path, "/approve"); ok {
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.approveGrant(w, r, strings.TrimSuffix(id, "/"))
		return
	}
	if strings.Contains(path, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		a.getGrant(w, r, path)
	default:
		methodNotAllowed(w, r, http.MethodGet)
	}
}

func (a *API) createGrant(w http.ResponseWriter, r *http.Request) {
	principal, ok := a.requireKind(w, r, auth.KindProfessional)
	if !ok {
		return
	}

	var req createGrantRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	g, err := a.grants.Create(r.Context(), grant.Request{
		ProfessionalID:  principal.ID,
		PatientID:       strings.TrimSpace(req.PatientID),
		Mode:            grant.Mode(strings.TrimSpace(req.Mode)),
		DurationMinutes: req.DurationMinutes,
		Reason:          strings.TrimSpace(req.Reason),
	})
	if err != nil {
		handleGrantError(w, r, err)
		return
	}

	obs.GrantsTotal.WithLabelValues(string(g.Mode)).Inc()
	_ = audit.LogEvent(r.Context(), "grant.create", map[string]any{
		"grant_id":   g.ID,
		"patient_id": g.PatientID,
		"mode":       string(g.Mode),
		"state":      string(g.State),
	})

	w.Header().Set("Location", "/v1/access-grants/"+g.ID)
	writeJSON(w, http.StatusCreated, g)
}

// listGrants returns the caller's own history: professionals see grants they
// requested, patients see grants over their record.
func (a *API) listGrants(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	var (
		items []*grant.Grant
		err   error
	)
	switch principal.Kind {
	case auth.KindProfessional:
		items, err = a.grants.HistoryForProfessional(r.Context(), principal.ID)
	case auth.KindPatient:
		items, err = a.grants.HistoryForPatient(r.Context(), principal.ID)
	default:
		writeError(w, r, http.StatusForbidden, "operation not permitted")
		return
	}
	if err != nil {
		handleGrantError(w, r, err)
		return
	}
	if items == nil {
		items = []*grant.Grant{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) getGrant(w http.ResponseWriter, r *http.Request, id string) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	g, err := a.grants.Get(r.Context(), id)
	if err != nil {
		handleGrantError(w, r, err)
		return
	}
	// Visibility mirrors history: a grant exists only for its two parties.
	if g.ProfessionalID != principal.ID && g.PatientID != principal.ID {
		writeError(w, r, http.StatusNotFound, "grant not found")
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (a *API) terminateGrant(w http.ResponseWriter, r *http.Request, id string) {
	principal, ok := a.requireKind(w, r, auth.KindProfessional)
	if !ok {
		return
	}

	var req terminateGrantRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	g, err := a.grants.Terminate(r.Context(), id, principal.ID, req.Reason)
	if err != nil {
		handleGrantError(w, r, err)
		return
	}

	_ = audit.LogEvent(r.Context(), "grant.terminate", map[string]any{
		"grant_id": g.ID,
		"reason":   g.TerminationReason,
	})
	writeJSON(w, http.StatusOK, g)
}

func (a *API) approveGrant(w http.ResponseWriter, r *http.Request, id string) {
	principal, ok := a.requireKind(w, r, auth.KindPatient)
	if !ok {
		return
	}

	g, err := a.grants.Approve(r.Context(), id, principal.ID)
	if err != nil {
		handleGrantError(w, r, err)
		return
	}

	_ = audit.LogEvent(r.Context(), "grant.approve", map[string]any{
		"grant_id": g.ID,
	})
	writeJSON(w, http.StatusOK, g)
}

func handleGrantError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, grant.ErrValidation):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, grant.ErrConflict):
		writeError(w, r, http.StatusConflict, "an in-use grant already exists for this patient")
	case errors.Is(err, grant.ErrNotFound), errors.Is(err, grant.ErrNotOwner):
		// Non-owners learn nothing about the grant's existence.
		writeError(w, r, http.StatusNotFound, "grant not found")
	case errors.Is(err, grant.ErrInvalidState):
		writeError(w, r, http.StatusConflict, "grant is not in a state that allows this operation")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
