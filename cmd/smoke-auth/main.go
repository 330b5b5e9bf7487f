// smoke-auth drives a full authentication and access-grant round trip
// against a running medrec-api: two-round login, grant creation, session
// introspection and logout.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"medrec.org/internal/stepup"
)

var client = &http.Client{Timeout: 10 * time.Second}

func main() {
	base := os.Getenv("MEDREC_API_URL")
	if base == "" {
		base = "http://localhost:8080"
	}
	identifier := os.Getenv("MEDREC_SMOKE_IDENTIFIER")
	if identifier == "" {
		identifier = "LIC-1001"
	}
	secret := os.Getenv("MEDREC_SMOKE_SECRET")
	if secret == "" {
		secret = "devpass"
	}

	// Round 1: credentials only must yield a step-up challenge.
	var challenge struct {
		Status string `json:"status"`
		Secret string `json:"secret"`
	}
	post(base+"/v1/auth/login", "", map[string]any{
		"kind": "professional", "identifier": identifier, "secret": secret,
	}, http.StatusOK, &challenge)
	if challenge.Status != "step_up_required" {
		log.Fatalf("expected step_up_required, got %q", challenge.Status)
	}
	totpSecret := challenge.Secret
	if totpSecret == "" {
		totpSecret = os.Getenv("MEDREC_SMOKE_TOTP_SECRET")
		if totpSecret == "" {
			log.Fatal("account already enrolled: set MEDREC_SMOKE_TOTP_SECRET")
		}
	}

	code, err := stepup.GenerateCode(totpSecret, time.Now())
	if err != nil {
		log.Fatalf("generate code: %v", err)
	}

	// Round 2: credentials plus code yield a token.
	var session struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	post(base+"/v1/auth/login", "", map[string]any{
		"kind": "professional", "identifier": identifier, "secret": secret, "code": code,
	}, http.StatusOK, &session)
	if session.Token == "" {
		log.Fatal("expected token from round 2")
	}

	// Create and terminate an emergency grant.
	var grant struct {
		ID    string `json:"id"`
		State string `json:"state"`
	}
	post(base+"/v1/access-grants", session.Token, map[string]any{
		"patient_id":       "01JD0000000000000000000003",
		"mode":             "emergency",
		"duration_minutes": 5,
		"reason":           "Smoke test emergency access round trip",
	}, http.StatusCreated, &grant)
	if grant.State != "active" {
		log.Fatalf("expected active grant, got %q", grant.State)
	}
	post(base+"/v1/access-grants/"+grant.ID+"/terminate", session.Token, map[string]any{
		"reason": "smoke test cleanup",
	}, http.StatusOK, nil)

	// Logout and confirm the token is dead.
	post(base+"/v1/auth/logout", session.Token, nil, http.StatusOK, nil)
	req, _ := http.NewRequest(http.MethodGet, base+"/v1/auth/session", nil)
	req.Header.Set("Authorization", "Bearer "+session.Token)
	resp, err := client.Do(req)
	if err != nil {
		log.Fatalf("session after logout: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		log.Fatalf("expected 401 after logout, got %d", resp.StatusCode)
	}

	fmt.Printf("✅ auth smoke test passed: grant=%s\n", grant.ID)
}

func post(url, token string, body any, wantStatus int, out any) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			log.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(http.MethodPost, url, &buf)
	if err != nil {
		log.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		log.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		log.Fatalf("POST %s: expected %d, got %d", url, wantStatus, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			log.Fatalf("decode %s response: %v", url, err)
		}
	}
}
