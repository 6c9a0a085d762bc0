package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"taskd/events"
	"taskd/metrics"
	"taskd/signer"
	"taskd/store"
	"taskd/tasks"
)

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config    Config
	Logger    *slog.Logger
	Store     store.CredentialStore
	Tasks     *tasks.Store
	Sessions  *SessionManager
	Tokens    *TokenService
	Signer    *signer.Signer
	Clients   *ClientRegistry
	Emitter   events.Emitter
	Metrics   *metrics.Metrics
	Registrar *Registrar
}

// NewApp wires together the application state from configuration.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	var cs store.CredentialStore
	var err error
	switch cfg.Store.Backend {
	case "redis":
		cs, err = store.NewRedisStore(ctx, cfg.Store.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("init redis store: %w", err)
		}
	default:
		cs = store.NewMemoryStore()
	}

	taskStore, err := tasks.Open(cfg.Database.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("open task database: %w", err)
	}

	sg, err := signer.New(signer.Config{
		JWKSPath:       cfg.Keys.JWKSPath,
		RotateInterval: cfg.RotateInterval(),
		DevSecret:      cfg.Keys.DevSecret,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("init signer: %w", err)
	}

	var emitter events.Emitter
	if cfg.Events.AMQPURL != "" {
		emitter, err = events.NewAMQPEmitter(cfg.Events.AMQPURL, cfg.Events.Exchange, logger)
		if err != nil {
			return nil, fmt.Errorf("init event publisher: %w", err)
		}
	} else {
		emitter = events.NewLogEmitter(logger)
	}

	m, err := metrics.New("taskd")
	if err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	clients, err := NewClientRegistry(ctx, cs, cfg.Clients)
	if err != nil {
		return nil, err
	}

	app := &App{
		Config:   cfg,
		Logger:   logger,
		Store:    cs,
		Tasks:    taskStore,
		Sessions: NewSessionManager(cfg, logger),
		Tokens:   NewTokenService(cfg, cs, sg, emitter, m, logger),
		Signer:   sg,
		Clients:  clients,
		Emitter:  emitter,
		Metrics:  m,
	}
	if cfg.Register.Enabled {
		app.Registrar = NewRegistrar(cfg, cs, emitter, m, logger)
	}
	return app, nil
}

// Close releases the app's backing resources.
func (a *App) Close() error {
	var errs []error
	if err := a.Tasks.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := a.Store.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := a.Emitter.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *App) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	req, client, err := a.parseAuthorizeRequest(r)
	if err != nil {
		a.Logger.Warn("authorize invalid request", "error", err)
		// Only redirect when the client and redirect URI both check
		// out. An unregistered redirect_uri gets the error directly.
		if client != nil && req.RedirectURI != "" && ValidRedirect(client, req.RedirectURI) {
			oauthRedirectError(w, req.RedirectURI, req.State, "invalid_request", err.Error())
		} else {
			http.Error(w, fmt.Sprintf("invalid_request: %s", err.Error()), http.StatusBadRequest)
		}
		return
	}

	session := a.Sessions.Fetch(r)
	if session == nil {
		if a.Config.Server.DevMode {
			subject := a.Config.Server.DevSubject
			if subject == "" {
				subject = "dev-user"
			}
			session = a.Sessions.Create(w, subject, subject+"@example.com", "Dev User")
		} else {
			loginURL := "/login?" + url.Values{"return_to": {r.URL.String()}}.Encode()
			http.Redirect(w, r, loginURL, http.StatusFound)
			return
		}
	}

	code, err := a.Tokens.IssueCode(r.Context(), req, session.Subject, a.Config.CodeTTL())
	if err != nil {
		a.Logger.Error("authorize issue code", "error", err)
		oauthRedirectError(w, req.RedirectURI, req.State, "server_error", "failed to issue code")
		return
	}

	redirect, err := url.Parse(req.RedirectURI)
	if err != nil {
		oauthRedirectError(w, req.RedirectURI, req.State, "server_error", "invalid redirect")
		return
	}
	values := redirect.Query()
	values.Set("code", code)
	if req.State != "" {
		values.Set("state", req.State)
	}
	redirect.RawQuery = values.Encode()
	http.Redirect(w, r, redirect.String(), http.StatusFound)
}

func (a *App) parseAuthorizeRequest(r *http.Request) (AuthorizeRequest, *store.Client, error) {
	q := r.URL.Query()
	req := AuthorizeRequest{
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		Scope:               q.Get("scope"),
		State:               q.Get("state"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
	}

	if req.ClientID == "" {
		return req, nil, errors.New("client_id required")
	}
	client, err := a.Clients.Get(r.Context(), req.ClientID)
	if err != nil {
		return req, nil, errors.New("unknown client")
	}
	if req.RedirectURI == "" || !ValidRedirect(client, req.RedirectURI) {
		return req, client, errors.New("invalid redirect_uri")
	}
	if q.Get("response_type") != "code" {
		return req, client, errors.New("unsupported response_type")
	}
	if !ValidateScope(client, req.Scope) {
		return req, client, errors.New("scope exceeds client registration")
	}
	if req.CodeChallenge == "" || req.CodeChallengeMethod != "S256" {
		return req, client, errors.New("pkce with S256 required")
	}
	return req, client, nil
}

func (a *App) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		oauthJSONError(w, http.StatusBadRequest, "invalid_request", "invalid form")
		return
	}

	client, err := a.authenticateClient(r)
	if err != nil {
		w.Header().Set("WWW-Authenticate", `Basic realm="taskd"`)
		oauthJSONError(w, http.StatusUnauthorized, "invalid_client", "client authentication failed")
		return
	}

	switch r.FormValue("grant_type") {
	case "authorization_code":
		a.handleTokenAuthorizationCode(w, r, client)
	case "refresh_token":
		a.handleTokenRefresh(w, r, client)
	default:
		oauthJSONError(w, http.StatusBadRequest, "unsupported_grant_type", "")
	}
}

func (a *App) handleTokenAuthorizationCode(w http.ResponseWriter, r *http.Request, client *store.Client) {
	code := r.FormValue("code")
	if code == "" {
		oauthJSONError(w, http.StatusBadRequest, "invalid_request", "missing code")
		return
	}

	resp, err := a.Tokens.ExchangeCode(r.Context(), client, code, r.FormValue("redirect_uri"), r.FormValue("code_verifier"))
	if err != nil {
		if errors.Is(err, ErrInvalidGrant) {
			oauthJSONError(w, http.StatusBadRequest, "invalid_grant", "")
			return
		}
		a.Logger.Error("code exchange", "client_id", client.ID, "error", err)
		oauthJSONError(w, http.StatusInternalServerError, "server_error", "")
		return
	}
	writeJSON(w, resp)
}

func (a *App) handleTokenRefresh(w http.ResponseWriter, r *http.Request, client *store.Client) {
	raw := r.FormValue("refresh_token")
	if raw == "" {
		oauthJSONError(w, http.StatusBadRequest, "invalid_request", "missing refresh_token")
		return
	}

	resp, err := a.Tokens.Refresh(r.Context(), client, raw)
	if err != nil {
		if errors.Is(err, ErrInvalidGrant) {
			oauthJSONError(w, http.StatusBadRequest, "invalid_grant", "")
			return
		}
		a.Logger.Error("refresh", "client_id", client.ID, "error", err)
		oauthJSONError(w, http.StatusInternalServerError, "server_error", "")
		return
	}
	writeJSON(w, resp)
}

func (a *App) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		oauthJSONError(w, http.StatusBadRequest, "invalid_request", "invalid form")
		return
	}

	client, err := a.authenticateClient(r)
	if err != nil {
		w.Header().Set("WWW-Authenticate", `Basic realm="taskd"`)
		oauthJSONError(w, http.StatusUnauthorized, "invalid_client", "client authentication failed")
		return
	}

	token := r.FormValue("token")
	if token == "" {
		oauthJSONError(w, http.StatusBadRequest, "invalid_request", "missing token")
		return
	}

	a.Tokens.Revoke(r.Context(), client, token)
	w.WriteHeader(http.StatusOK)
}

var loginTemplate = template.Must(template.New("login").Parse(`<!DOCTYPE html>
<html><head><title>taskd login</title></head><body>
<h1>Sign in</h1>
<form method="POST" action="/login">
<input type="hidden" name="return_to" value="{{.ReturnTo}}">
<label>Subject <input name="subject" required></label><br>
<label>Email <input name="email" type="email"></label><br>
<label>Name <input name="name"></label><br>
<button type="submit">Sign in</button>
</form>
</body></html>
`))

func (a *App) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = loginTemplate.Execute(w, struct{ ReturnTo string }{ReturnTo: r.URL.Query().Get("return_to")})
}

func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	subject := strings.TrimSpace(r.FormValue("subject"))
	if subject == "" {
		http.Error(w, "subject required", http.StatusBadRequest)
		return
	}

	a.Sessions.Create(w, subject, r.FormValue("email"), r.FormValue("name"))

	returnTo := r.FormValue("return_to")
	if returnTo == "" || !strings.HasPrefix(returnTo, "/") || strings.HasPrefix(returnTo, "//") {
		returnTo = "/"
	}
	http.Redirect(w, r, returnTo, http.StatusSeeOther)
}

func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	a.Sessions.Clear(w, r)
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := map[string]string{"status": "ok"}
	code := http.StatusOK
	if err := a.Store.Ping(ctx); err != nil {
		status["status"] = "degraded"
		status["store"] = err.Error()
		code = http.StatusServiceUnavailable
	}
	if err := a.Tasks.Ping(ctx); err != nil {
		status["status"] = "degraded"
		status["database"] = err.Error()
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(status)
}

func (a *App) authenticateClient(r *http.Request) (*store.Client, error) {
	clientID, clientSecret, ok := r.BasicAuth()
	if !ok {
		clientID = r.FormValue("client_id")
		clientSecret = r.FormValue("client_secret")
	}
	return a.Clients.Authenticate(r.Context(), clientID, clientSecret)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func oauthJSONError(w http.ResponseWriter, status int, code, desc string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := map[string]string{"error": code}
	if desc != "" {
		body["error_description"] = desc
	}
	_ = json.NewEncoder(w).Encode(body)
}

func oauthRedirectError(w http.ResponseWriter, redirectURI, state, code, desc string) {
	// Never redirect to unsafe URIs
	if redirectURI == "" || !isSafeRedirectURI(redirectURI) {
		oauthJSONError(w, http.StatusBadRequest, code, desc)
		return
	}

	uri, err := url.Parse(redirectURI)
	if err != nil {
		http.Error(w, desc, http.StatusBadRequest)
		return
	}
	q := uri.Query()
	q.Set("error", code)
	if desc != "" {
		q.Set("error_description", desc)
	}
	if state != "" {
		q.Set("state", state)
	}
	uri.RawQuery = q.Encode()
	w.Header().Set("Location", uri.String())
	w.WriteHeader(http.StatusFound)
}
