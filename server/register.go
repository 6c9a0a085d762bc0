package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"

	"taskd/events"
	"taskd/metrics"
	"taskd/store"
)

const maxRegistrationBody = 16 << 10

// Registrar implements dynamic client registration with per-IP rate
// limiting.
type Registrar struct {
	store   store.CredentialStore
	emitter events.Emitter
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu       sync.Mutex
	limiters map[string]*limiterEntry
	rate     rate.Limit
	burst    int
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRegistrar builds the registrar from config.
func NewRegistrar(cfg Config, cs store.CredentialStore, em events.Emitter, m *metrics.Metrics, logger *slog.Logger) *Registrar {
	return &Registrar{
		store:    cs,
		emitter:  em,
		metrics:  m,
		logger:   logger,
		limiters: make(map[string]*limiterEntry),
		rate:     rate.Limit(cfg.Register.Rate),
		burst:    cfg.Register.Burst,
	}
}

func (rg *Registrar) allow(remoteAddr string) bool {
	ip, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		ip = remoteAddr
	}

	rg.mu.Lock()
	defer rg.mu.Unlock()

	entry, ok := rg.limiters[ip]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(rg.rate, rg.burst)}
		rg.limiters[ip] = entry
	}
	entry.lastSeen = time.Now()

	// Opportunistic cleanup of idle limiters
	if len(rg.limiters) > 1000 {
		cutoff := time.Now().Add(-time.Hour)
		for k, v := range rg.limiters {
			if v.lastSeen.Before(cutoff) {
				delete(rg.limiters, k)
			}
		}
	}

	return entry.limiter.Allow()
}

// HandleRegister processes an RFC 7591 registration request.
func (rg *Registrar) HandleRegister(w http.ResponseWriter, r *http.Request) {
	if !rg.allow(r.RemoteAddr) {
		rg.logger.Warn("registration throttled", "remote", r.RemoteAddr)
		rg.metrics.Add(r.Context(), rg.metrics.RateLimited, "")
		rg.emitter.Emit(r.Context(), events.Event{
			Name: events.RegisterThrottled,
			At:   time.Now(),
		})
		w.Header().Set("Retry-After", "60")
		oauthJSONError(w, http.StatusTooManyRequests, "invalid_client_metadata", "registration rate limit exceeded")
		return
	}

	var req RegistrationRequest
	body := http.MaxBytesReader(w, r.Body, maxRegistrationBody)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		oauthJSONError(w, http.StatusBadRequest, "invalid_client_metadata", "malformed request body")
		return
	}

	if rerr := validateRegistration(req); rerr != nil {
		oauthJSONError(w, http.StatusBadRequest, rerr.code, rerr.desc)
		return
	}

	authMethod := req.TokenEndpointAuthMethod
	if authMethod == "" {
		authMethod = "client_secret_basic"
	}
	public := authMethod == "none"

	client := &store.Client{
		ID:                      "tc_" + store.NewToken(),
		Name:                    req.ClientName,
		RedirectURIs:            req.RedirectURIs,
		Scope:                   req.Scope,
		TokenEndpointAuthMethod: authMethod,
		Public:                  public,
		CreatedAt:               time.Now(),
	}

	var secret string
	if !public {
		secret = store.NewToken()
		hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
		if err != nil {
			rg.logger.Error("hash client secret", "error", err)
			oauthJSONError(w, http.StatusInternalServerError, "server_error", "")
			return
		}
		client.SecretHash = string(hash)
	}

	if err := rg.store.SaveClient(r.Context(), client); err != nil {
		rg.logger.Error("save client", "error", err)
		oauthJSONError(w, http.StatusInternalServerError, "server_error", "")
		return
	}

	rg.logger.Info("client registered", "client_id", client.ID, "public", public)
	rg.metrics.Add(r.Context(), rg.metrics.ClientsRegistered, client.ID)
	rg.emitter.Emit(r.Context(), events.Event{
		Name:     events.ClientRegistered,
		At:       time.Now(),
		ClientID: client.ID,
		Fields:   map[string]string{"auth_method": authMethod},
	})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(RegistrationResponse{
		ClientID:                client.ID,
		ClientSecret:            secret,
		ClientIDIssuedAt:        client.CreatedAt.Unix(),
		ClientName:              client.Name,
		RedirectURIs:            client.RedirectURIs,
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		Scope:                   client.Scope,
		TokenEndpointAuthMethod: authMethod,
	})
}

// registrationError pairs a rejected registration with its OAuth
// error code. A missing redirect_uris list is malformed input, an
// unsafe URI is invalid_redirect_uri, everything else is metadata.
type registrationError struct {
	code string
	desc string
}

func (e *registrationError) Error() string { return e.desc }

func validateRegistration(req RegistrationRequest) *registrationError {
	if len(req.RedirectURIs) == 0 {
		return &registrationError{"invalid_request", "redirect_uris is required"}
	}
	for _, uri := range req.RedirectURIs {
		if !isSafeRedirectURI(uri) {
			return &registrationError{"invalid_redirect_uri", fmt.Sprintf("redirect_uri %q is not an acceptable http(s) URL", uri)}
		}
	}
	for _, gt := range req.GrantTypes {
		if gt != "authorization_code" && gt != "refresh_token" {
			return &registrationError{"invalid_client_metadata", fmt.Sprintf("grant_type %q is not supported", gt)}
		}
	}
	for _, rt := range req.ResponseTypes {
		if rt != "code" {
			return &registrationError{"invalid_client_metadata", fmt.Sprintf("response_type %q is not supported", rt)}
		}
	}
	switch req.TokenEndpointAuthMethod {
	case "", "none", "client_secret_basic", "client_secret_post":
	default:
		return &registrationError{"invalid_client_metadata", fmt.Sprintf("token_endpoint_auth_method %q is not supported", req.TokenEndpointAuthMethod)}
	}
	return nil
}
