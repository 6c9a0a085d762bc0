package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"taskd/tools"
)

// Routes constructs the HTTP router with all OAuth and MCP endpoints.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	r.Use(SecurityHeadersMiddleware)

	r.Get("/.well-known/oauth-authorization-server", a.handleASMetadata)
	r.Get("/.well-known/oauth-protected-resource", a.handleResourceMetadata)
	r.Get("/.well-known/jwks.json", a.handleJWKS)
	r.Get("/jwks.json", a.handleJWKS)

	r.Get("/authorize", a.handleAuthorize)
	r.Post("/token", a.handleToken)
	r.Post("/revoke", a.handleRevoke)
	if a.Registrar != nil {
		r.Post("/register", a.Registrar.HandleRegister)
	}

	r.Get("/login", a.handleLoginPage)
	r.Post("/login", a.handleLogin)
	r.Post("/logout", a.handleLogout)

	r.Get("/health", a.handleHealth)

	mcpHandler := a.RequireAuth(a.RequireScope("tasks")(tools.Handler(a.Tasks)))
	r.Handle("/mcp", mcpHandler)
	r.Handle("/mcp/*", mcpHandler)

	return r
}
