package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"medrec.org/internal/audit"
	"medrec.org/internal/auth"
	"medrec.org/internal/obs"
	"medrec.org/internal/stepup"
)

type loginRequest struct {
	Kind         string `json:"kind"`
	Identifier   string `json:"identifier"`
	Secret       string `json:"secret"`
	Code         string `json:"code,omitempty"`
	RecoveryCode string `json:"recovery_code,omitempty"`
}

type challengeResponse struct {
	Status          string   `json:"status"`
	Secret          string   `json:"secret,omitempty"`
	ProvisioningURI string   `json:"provisioning_uri,omitempty"`
	RecoveryCodes   []string `json:"recovery_codes,omitempty"`
}

type tokenResponse struct {
	Token                  string    `json:"token"`
	ExpiresAt              time.Time `json:"expires_at"`
	Kind                   string    `json:"kind"`
	Role                   string    `json:"role,omitempty"`
	RecoveryCodesRemaining *int      `json:"recovery_codes_remaining,omitempty"`
}

// handleLogin runs the two-round login: credentials alone produce a step-up
// challenge; credentials plus a one-time code (or a recovery code) produce a
// token.
func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	kind := auth.PrincipalKind(strings.TrimSpace(req.Kind))
	identifier := strings.TrimSpace(req.Identifier)
	if !kind.Valid() {
		writeError(w, r, http.StatusBadRequest, "kind must be patient or professional")
		return
	}
	if identifier == "" || req.Secret == "" {
		writeError(w, r, http.StatusBadRequest, "identifier and secret are required")
		return
	}

	ctx := audit.WithRequestID(r.Context(), RequestIDFromContext(r.Context()))

	principal, err := a.verifier.Verify(ctx, kind, identifier, req.Secret)
	if err != nil {
		obs.LoginsTotal.WithLabelValues("failure").Inc()
		_ = audit.LogEvent(ctx, "auth.login.rejected", map[string]any{
			"kind":       string(kind),
			"identifier": identifier,
		})
		writeError(w, r, http.StatusUnauthorized, "invalid credentials")
		return
	}

	switch {
	case req.Code != "":
		if err := a.stepup.VerifyCode(ctx, principal.ID, req.Code); err != nil {
			a.rejectStepUp(w, r, ctx, principal, err)
			return
		}
		a.issueToken(w, r, ctx, principal, nil)

	case req.RecoveryCode != "":
		remaining, err := a.stepup.VerifyRecoveryCode(ctx, principal.ID, req.RecoveryCode)
		if err != nil {
			a.rejectStepUp(w, r, ctx, principal, err)
			return
		}
		_ = audit.LogEvent(ctx, "auth.login.recovery_code_used", map[string]any{
			"principal_id": principal.ID,
			"remaining":    remaining,
		})
		a.issueToken(w, r, ctx, principal, &remaining)

	default:
		challenge, err := a.stepup.BeginChallenge(ctx, principal.ID, principal.Identifier)
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, "step-up unavailable")
			return
		}
		obs.LoginsTotal.WithLabelValues("challenge").Inc()
		_ = audit.LogEvent(ctx, "auth.login.challenge", map[string]any{
			"principal_id": principal.ID,
			"enrolled":     challenge.Enrolled,
		})
		resp := challengeResponse{Status: "step_up_required"}
		if !challenge.Enrolled {
			resp.Secret = challenge.Secret
			resp.ProvisioningURI = challenge.ProvisioningURI
			resp.RecoveryCodes = challenge.RecoveryCodes
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (a *API) rejectStepUp(w http.ResponseWriter, r *http.Request, ctx context.Context, principal auth.Principal, err error) {
	obs.LoginsTotal.WithLabelValues("failure").Inc()
	_ = audit.LogEvent(ctx, "auth.login.stepup_rejected", map[string]any{
		"principal_id": principal.ID,
	})
	switch {
	case errors.Is(err, stepup.ErrInvalidCode), errors.Is(err, stepup.ErrInvalidRecoveryCode):
		writeError(w, r, http.StatusUnauthorized, "invalid code")
	case errors.Is(err, stepup.ErrNotEnrolled):
		writeError(w, r, http.StatusUnauthorized, "step-up enrollment is not confirmed")
	default:
		writeError(w, r, http.StatusInternalServerError, "step-up unavailable")
	}
}

func (a *API) issueToken(w http.ResponseWriter, r *http.Request, ctx context.Context, principal auth.Principal, remaining *int) {
	token, expiresAt, err := a.tokens.Issue(ctx, principal)
	if err != nil {
		obs.LoginsTotal.WithLabelValues("failure").Inc()
		writeError(w, r, http.StatusServiceUnavailable, "session store unavailable")
		return
	}
	obs.LoginsTotal.WithLabelValues("success").Inc()
	_ = audit.LogEvent(ctx, "auth.login.success", map[string]any{
		"principal_id": principal.ID,
		"kind":         string(principal.Kind),
		"expires_at":   expiresAt.Format(time.RFC3339),
	})
	writeJSON(w, http.StatusOK, tokenResponse{
		Token:                  token,
		ExpiresAt:              expiresAt,
		Kind:                   string(principal.Kind),
		Role:                   principal.Role,
		RecoveryCodesRemaining: remaining,
	})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	token, _ := auth.TokenFromContext(r.Context())

	if err := a.tokens.Revoke(r.Context(), token, principal.ID); err != nil {
		writeError(w, r, http.StatusServiceUnavailable, "session store unavailable")
		return
	}
	obs.RevocationsTotal.Inc()
	_ = audit.LogEvent(r.Context(), "auth.logout", map[string]any{
		"principal_id": principal.ID,
	})
	writeJSON(w, http.StatusOK, map[string]any{"status": "logged_out"})
}

func (a *API) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	revoked, err := a.tokens.RevokeAll(r.Context(), principal.ID)
	if err != nil {
		writeError(w, r, http.StatusServiceUnavailable, "session store unavailable")
		return
	}
	obs.RevocationsTotal.Inc()
	_ = audit.LogEvent(r.Context(), "auth.logout_all", map[string]any{
		"principal_id": principal.ID,
		"revoked":      revoked,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "logged_out",
		"revoked": revoked,
	})
}

func (a *API) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	session, err := a.tokens.GetSession(r.Context(), principal.ID)
	if err != nil {
		writeError(w, r, http.StatusServiceUnavailable, "session store unavailable")
		return
	}
	if session == nil {
		writeError(w, r, http.StatusNotFound, "no active session")
		return
	}
	writeJSON(w, http.StatusOK, session)
}
