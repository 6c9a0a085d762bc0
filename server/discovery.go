package server

import "net/http"

// handleASMetadata serves RFC 8414 authorization server metadata.
func (a *App) handleASMetadata(w http.ResponseWriter, r *http.Request) {
	issuer := a.Config.Issuer()
	doc := map[string]any{
		"issuer":                                issuer,
		"authorization_endpoint":                issuer + "/authorize",
		"token_endpoint":                        issuer + "/token",
		"revocation_endpoint":                   issuer + "/revoke",
		"jwks_uri":                              issuer + "/.well-known/jwks.json",
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{"authorization_code", "refresh_token"},
		"code_challenge_methods_supported":      []string{"S256"},
		"token_endpoint_auth_methods_supported": []string{"none", "client_secret_basic", "client_secret_post"},
	}
	if a.Registrar != nil {
		doc["registration_endpoint"] = issuer + "/register"
	}
	writeJSON(w, doc)
}

// handleResourceMetadata serves RFC 9728 protected resource metadata
// so MCP clients can discover the authorization server.
func (a *App) handleResourceMetadata(w http.ResponseWriter, r *http.Request) {
	issuer := a.Config.Issuer()
	writeJSON(w, map[string]any{
		"resource":                 issuer + "/mcp",
		"authorization_servers":    []string{issuer},
		"bearer_methods_supported": []string{"header"},
		"scopes_supported":         []string{"tasks"},
	})
}

func (a *App) handleJWKS(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, a.Signer.PublicJWKS())
}
