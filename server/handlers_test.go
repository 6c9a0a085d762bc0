package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
)

const testRedirectURI = "http://localhost:3000/callback"

func newTestApp(t *testing.T, mutate func(*Config)) *App {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Keys.JWKSPath = ""
	cfg.Database.Path = filepath.Join(t.TempDir(), "tasks.db")
	cfg.Clients = []ClientConfig{{
		ClientID:     "seed-public",
		Name:         "Seed Public",
		Public:       true,
		RedirectURIs: []string{testRedirectURI},
		Scope:        "tasks",
	}}
	if mutate != nil {
		mutate(&cfg)
	}

	app, err := NewApp(context.Background(), cfg, discardLogger())
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	t.Cleanup(func() { app.Close() })
	return app
}

func authorizeQuery(challenge string) url.Values {
	return url.Values{
		"response_type":         {"code"},
		"client_id":             {"seed-public"},
		"redirect_uri":          {testRedirectURI},
		"scope":                 {"tasks"},
		"state":                 {"xyz"},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
	}
}

// obtainCode drives /authorize in dev mode and returns the issued code.
func obtainCode(t *testing.T, handler http.Handler, challenge string) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/authorize?"+authorizeQuery(challenge).Encode(), nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusFound {
		t.Fatalf("authorize status = %d, body %s", rec.Code, rec.Body.String())
	}
	loc, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse redirect: %v", err)
	}
	if got := loc.Query().Get("state"); got != "xyz" {
		t.Fatalf("state = %q", got)
	}
	code := loc.Query().Get("code")
	if code == "" {
		t.Fatalf("no code in redirect %s", loc)
	}
	return code
}

func postToken(t *testing.T, handler http.Handler, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestAuthorizationCodeFlow(t *testing.T) {
	app := newTestApp(t, nil)
	handler := app.Routes()
	verifier, challenge := pkcePair()

	code := obtainCode(t, handler, challenge)

	rec := postToken(t, handler, url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {"seed-public"},
		"code":          {code},
		"redirect_uri":  {testRedirectURI},
		"code_verifier": {verifier},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("token status = %d, body %s", rec.Code, rec.Body.String())
	}

	var resp TokenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode token response: %v", err)
	}
	if resp.TokenType != "Bearer" || resp.AccessToken == "" || resp.RefreshToken == "" {
		t.Fatalf("incomplete response %+v", resp)
	}

	// The access token admits the caller to the protected surface
	probe := app.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	preq := httptest.NewRequest(http.MethodGet, "/probe", nil)
	preq.Header.Set("Authorization", "Bearer "+resp.AccessToken)
	prec := httptest.NewRecorder()
	probe.ServeHTTP(prec, preq)
	if prec.Code != http.StatusOK {
		t.Fatalf("probe status = %d, body %s", prec.Code, prec.Body.String())
	}

	// Refresh rotates the refresh token
	rrec := postToken(t, handler, url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {"seed-public"},
		"refresh_token": {resp.RefreshToken},
	})
	if rrec.Code != http.StatusOK {
		t.Fatalf("refresh status = %d, body %s", rrec.Code, rrec.Body.String())
	}
	var refreshed TokenResponse
	if err := json.Unmarshal(rrec.Body.Bytes(), &refreshed); err != nil {
		t.Fatalf("decode refresh response: %v", err)
	}
	if refreshed.RefreshToken == resp.RefreshToken {
		t.Fatalf("refresh must rotate the token")
	}
}

func TestAuthorizeRejectsPlainPKCE(t *testing.T) {
	app := newTestApp(t, nil)
	handler := app.Routes()
	_, challenge := pkcePair()

	for _, tc := range []struct {
		name   string
		adjust func(url.Values)
	}{
		{"missing challenge", func(q url.Values) { q.Del("code_challenge") }},
		{"plain method", func(q url.Values) { q.Set("code_challenge_method", "plain") }},
		{"missing method", func(q url.Values) { q.Del("code_challenge_method") }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			q := authorizeQuery(challenge)
			tc.adjust(q)
			req := httptest.NewRequest(http.MethodGet, "/authorize?"+q.Encode(), nil)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			// Client and redirect are valid, so the error rides the redirect
			if rec.Code != http.StatusFound {
				t.Fatalf("status = %d", rec.Code)
			}
			loc, _ := url.Parse(rec.Header().Get("Location"))
			if got := loc.Query().Get("error"); got != "invalid_request" {
				t.Fatalf("error = %q", got)
			}
			if loc.Query().Get("code") != "" {
				t.Fatalf("no code may be issued")
			}
		})
	}
}

func TestAuthorizeUnregisteredRedirect(t *testing.T) {
	app := newTestApp(t, nil)
	handler := app.Routes()
	_, challenge := pkcePair()

	q := authorizeQuery(challenge)
	q.Set("redirect_uri", "http://evil.example/steal")
	req := httptest.NewRequest(http.MethodGet, "/authorize?"+q.Encode(), nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	// Never redirect to an unregistered URI, even to report the error
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get("Location") != "" {
		t.Fatalf("must not redirect to unregistered uri")
	}
}

func TestAuthorizeUnknownClient(t *testing.T) {
	app := newTestApp(t, nil)
	handler := app.Routes()
	_, challenge := pkcePair()

	q := authorizeQuery(challenge)
	q.Set("client_id", "ghost")
	req := httptest.NewRequest(http.MethodGet, "/authorize?"+q.Encode(), nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestTokenEndpointErrors(t *testing.T) {
	app := newTestApp(t, nil)
	handler := app.Routes()

	t.Run("unknown client", func(t *testing.T) {
		rec := postToken(t, handler, url.Values{
			"grant_type": {"authorization_code"},
			"client_id":  {"ghost"},
			"code":       {"whatever"},
		})
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d", rec.Code)
		}
		if rec.Header().Get("WWW-Authenticate") == "" {
			t.Fatalf("401 must carry a challenge")
		}
	})

	t.Run("unsupported grant", func(t *testing.T) {
		rec := postToken(t, handler, url.Values{
			"grant_type": {"password"},
			"client_id":  {"seed-public"},
		})
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d", rec.Code)
		}
		var body map[string]string
		_ = json.Unmarshal(rec.Body.Bytes(), &body)
		if body["error"] != "unsupported_grant_type" {
			t.Fatalf("error = %q", body["error"])
		}
	})

	t.Run("bogus code is a bare invalid_grant", func(t *testing.T) {
		rec := postToken(t, handler, url.Values{
			"grant_type":    {"authorization_code"},
			"client_id":     {"seed-public"},
			"code":          {"bogus"},
			"redirect_uri":  {testRedirectURI},
			"code_verifier": {strings.Repeat("v", 43)},
		})
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d", rec.Code)
		}
		var body map[string]string
		_ = json.Unmarshal(rec.Body.Bytes(), &body)
		if body["error"] != "invalid_grant" {
			t.Fatalf("error = %q", body["error"])
		}
		// The cause is never disclosed
		if _, ok := body["error_description"]; ok {
			t.Fatalf("invalid_grant must not explain itself")
		}
	})
}

func TestTokenEndpointStoreFailure(t *testing.T) {
	app := newTestApp(t, nil)
	app.Tokens = NewTokenService(app.Config, &faultyStore{
		CredentialStore: app.Store,
		err:             errors.New("redis: i/o timeout"),
	}, app.Signer, app.Emitter, app.Metrics, app.Logger)
	handler := app.Routes()

	expectServerError := func(t *testing.T, rec *httptest.ResponseRecorder) {
		t.Helper()
		if rec.Code != http.StatusInternalServerError {
			t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
		}
		var body map[string]string
		_ = json.Unmarshal(rec.Body.Bytes(), &body)
		if body["error"] != "server_error" {
			t.Fatalf("error = %q, want server_error", body["error"])
		}
	}

	t.Run("code exchange", func(t *testing.T) {
		expectServerError(t, postToken(t, handler, url.Values{
			"grant_type":    {"authorization_code"},
			"client_id":     {"seed-public"},
			"code":          {"some-code"},
			"redirect_uri":  {testRedirectURI},
			"code_verifier": {strings.Repeat("v", 43)},
		}))
	})

	t.Run("refresh", func(t *testing.T) {
		expectServerError(t, postToken(t, handler, url.Values{
			"grant_type":    {"refresh_token"},
			"client_id":     {"seed-public"},
			"refresh_token": {"some-refresh-token"},
		}))
	})
}

func TestAuthorizeDevSubject(t *testing.T) {
	app := newTestApp(t, func(c *Config) {
		c.Server.DevSubject = "alice"
	})
	handler := app.Routes()
	verifier, challenge := pkcePair()

	code := obtainCode(t, handler, challenge)
	rec := postToken(t, handler, url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {"seed-public"},
		"code":          {code},
		"redirect_uri":  {testRedirectURI},
		"code_verifier": {verifier},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("token status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp TokenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	claims, err := app.Tokens.ValidateAccessToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("ValidateAccessToken: %v", err)
	}
	if claims.Subject != "alice" {
		t.Fatalf("subject = %q, want alice", claims.Subject)
	}
}

func TestRevokeEndpoint(t *testing.T) {
	app := newTestApp(t, nil)
	handler := app.Routes()
	verifier, challenge := pkcePair()
	code := obtainCode(t, handler, challenge)

	rec := postToken(t, handler, url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {"seed-public"},
		"code":          {code},
		"redirect_uri":  {testRedirectURI},
		"code_verifier": {verifier},
	})
	var resp TokenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}

	revoke := func(token string) int {
		req := httptest.NewRequest(http.MethodPost, "/revoke", strings.NewReader(url.Values{
			"client_id": {"seed-public"},
			"token":     {token},
		}.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr.Code
	}

	// Always 200 once the client authenticates, known token or not
	if got := revoke(resp.RefreshToken); got != http.StatusOK {
		t.Fatalf("revoke status = %d", got)
	}
	if got := revoke(resp.RefreshToken); got != http.StatusOK {
		t.Fatalf("second revoke status = %d", got)
	}
	if got := revoke("never-issued"); got != http.StatusOK {
		t.Fatalf("unknown token revoke status = %d", got)
	}

	rrec := postToken(t, handler, url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {"seed-public"},
		"refresh_token": {resp.RefreshToken},
	})
	if rrec.Code != http.StatusBadRequest {
		t.Fatalf("revoked token refresh status = %d", rrec.Code)
	}
}

func TestDynamicRegistrationFlow(t *testing.T) {
	app := newTestApp(t, func(c *Config) {
		c.Register.Rate = 100
		c.Register.Burst = 100
	})
	handler := app.Routes()

	body, _ := json.Marshal(RegistrationRequest{
		ClientName:              "CLI Tool",
		RedirectURIs:            []string{"http://localhost:8123/callback"},
		TokenEndpointAuthMethod: "none",
		Scope:                   "tasks",
	})
	req := httptest.NewRequest(http.MethodPost, "/register", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("register status = %d, body %s", rec.Code, rec.Body.String())
	}
	var reg RegistrationResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &reg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if reg.ClientID == "" || reg.ClientSecret != "" {
		t.Fatalf("public client registration returned %+v", reg)
	}

	// The fresh client can immediately run the code flow
	verifier, challenge := pkcePair()
	q := authorizeQuery(challenge)
	q.Set("client_id", reg.ClientID)
	q.Set("redirect_uri", reg.RedirectURIs[0])
	areq := httptest.NewRequest(http.MethodGet, "/authorize?"+q.Encode(), nil)
	arec := httptest.NewRecorder()
	handler.ServeHTTP(arec, areq)
	if arec.Code != http.StatusFound {
		t.Fatalf("authorize status = %d, body %s", arec.Code, arec.Body.String())
	}
	loc, _ := url.Parse(arec.Header().Get("Location"))
	code := loc.Query().Get("code")

	trec := postToken(t, handler, url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {reg.ClientID},
		"code":          {code},
		"redirect_uri":  {reg.RedirectURIs[0]},
		"code_verifier": {verifier},
	})
	if trec.Code != http.StatusOK {
		t.Fatalf("token status = %d, body %s", trec.Code, trec.Body.String())
	}
}

func TestRegistrationConfidentialClient(t *testing.T) {
	app := newTestApp(t, func(c *Config) {
		c.Register.Rate = 100
		c.Register.Burst = 100
	})
	handler := app.Routes()

	body, _ := json.Marshal(RegistrationRequest{
		ClientName:   "Backend",
		RedirectURIs: []string{"https://backend.example/cb"},
	})
	req := httptest.NewRequest(http.MethodPost, "/register", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("register status = %d", rec.Code)
	}
	var reg RegistrationResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &reg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if reg.ClientSecret == "" {
		t.Fatalf("confidential client must receive a secret")
	}
	if reg.TokenEndpointAuthMethod != "client_secret_basic" {
		t.Fatalf("auth method = %q", reg.TokenEndpointAuthMethod)
	}
}

func TestRegistrationValidation(t *testing.T) {
	app := newTestApp(t, func(c *Config) {
		c.Register.Rate = 100
		c.Register.Burst = 100
	})
	handler := app.Routes()

	post := func(v any) *httptest.ResponseRecorder {
		body, _ := json.Marshal(v)
		req := httptest.NewRequest(http.MethodPost, "/register", bytes.NewReader(body))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	tests := []struct {
		name     string
		req      RegistrationRequest
		wantCode string
	}{
		{
			name:     "missing redirect_uris",
			req:      RegistrationRequest{ClientName: "no redirects"},
			wantCode: "invalid_request",
		},
		{
			name:     "dangerous scheme",
			req:      RegistrationRequest{RedirectURIs: []string{"javascript:alert(1)"}},
			wantCode: "invalid_redirect_uri",
		},
		{
			name: "implicit grant",
			req: RegistrationRequest{
				RedirectURIs: []string{"http://localhost/cb"},
				GrantTypes:   []string{"implicit"},
			},
			wantCode: "invalid_client_metadata",
		},
		{
			name: "unsupported auth method",
			req: RegistrationRequest{
				RedirectURIs:            []string{"http://localhost/cb"},
				TokenEndpointAuthMethod: "private_key_jwt",
			},
			wantCode: "invalid_client_metadata",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := post(tc.req)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
			}
			var body map[string]string
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body["error"] != tc.wantCode {
				t.Fatalf("error = %q, want %q", body["error"], tc.wantCode)
			}
		})
	}
}

func TestRegistrationRateLimit(t *testing.T) {
	app := newTestApp(t, func(c *Config) {
		c.Register.Rate = 0.001
		c.Register.Burst = 1
	})
	handler := app.Routes()

	body, _ := json.Marshal(RegistrationRequest{
		RedirectURIs:            []string{"http://localhost/cb"},
		TokenEndpointAuthMethod: "none",
	})

	first := httptest.NewRequest(http.MethodPost, "/register", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, first)
	if rec.Code != http.StatusCreated {
		t.Fatalf("first register status = %d", rec.Code)
	}

	second := httptest.NewRequest(http.MethodPost, "/register", bytes.NewReader(body))
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, second)
	if rec2.Code != http.StatusTooManyRequests {
		t.Fatalf("second register status = %d", rec2.Code)
	}
	if rec2.Header().Get("Retry-After") == "" {
		t.Fatalf("429 must carry Retry-After")
	}
}

func TestDiscoveryDocuments(t *testing.T) {
	app := newTestApp(t, nil)
	handler := app.Routes()

	t.Run("authorization server metadata", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/.well-known/oauth-authorization-server", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		var doc map[string]any
		if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
			t.Fatalf("decode: %v", err)
		}
		issuer := app.Config.Issuer()
		if doc["issuer"] != issuer {
			t.Fatalf("issuer = %v", doc["issuer"])
		}
		if doc["token_endpoint"] != issuer+"/token" {
			t.Fatalf("token_endpoint = %v", doc["token_endpoint"])
		}
		methods, _ := doc["code_challenge_methods_supported"].([]any)
		if len(methods) != 1 || methods[0] != "S256" {
			t.Fatalf("code_challenge_methods_supported = %v", doc["code_challenge_methods_supported"])
		}
		if doc["registration_endpoint"] != issuer+"/register" {
			t.Fatalf("registration_endpoint = %v", doc["registration_endpoint"])
		}
	})

	t.Run("protected resource metadata", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/.well-known/oauth-protected-resource", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		var doc map[string]any
		if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
			t.Fatalf("decode: %v", err)
		}
		servers, _ := doc["authorization_servers"].([]any)
		if len(servers) != 1 || servers[0] != app.Config.Issuer() {
			t.Fatalf("authorization_servers = %v", doc["authorization_servers"])
		}
	})

	t.Run("jwks", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/.well-known/jwks.json", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		var doc struct {
			Keys []map[string]any `json:"keys"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(doc.Keys) == 0 {
			t.Fatalf("jwks must publish at least one key")
		}
		for _, k := range doc.Keys {
			if _, ok := k["d"]; ok {
				t.Fatalf("jwks leaked private material")
			}
		}
	})
}

func TestHealthEndpoint(t *testing.T) {
	app := newTestApp(t, nil)
	handler := app.Routes()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("status = %q", body["status"])
	}
}
