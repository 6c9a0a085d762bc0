// Package metrics defines the OpenTelemetry instruments recorded by
// the authorization and token flows. The global meter provider is
// used, so the instruments are no-ops unless the operator installs an
// SDK exporter.
package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the counters recorded by the server.
type Metrics struct {
	CodesIssued       metric.Int64Counter
	CodesExchanged    metric.Int64Counter
	TokensRefreshed   metric.Int64Counter
	TokensRevoked     metric.Int64Counter
	ClientsRegistered metric.Int64Counter
	PKCEFailures      metric.Int64Counter
	ReuseDetected     metric.Int64Counter
	RateLimited       metric.Int64Counter
}

// New registers the instruments on the named meter.
func New(name string) (*Metrics, error) {
	meter := otel.Meter(name)
	m := &Metrics{}

	var err error
	m.CodesIssued, err = meter.Int64Counter(
		"authz.codes.issued",
		metric.WithDescription("Authorization codes issued"),
		metric.WithUnit("{code}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create codes.issued counter: %w", err)
	}
	m.CodesExchanged, err = meter.Int64Counter(
		"authz.codes.exchanged",
		metric.WithDescription("Authorization codes exchanged for tokens"),
		metric.WithUnit("{code}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create codes.exchanged counter: %w", err)
	}
	m.TokensRefreshed, err = meter.Int64Counter(
		"authz.tokens.refreshed",
		metric.WithDescription("Refresh grants completed"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create tokens.refreshed counter: %w", err)
	}
	m.TokensRevoked, err = meter.Int64Counter(
		"authz.tokens.revoked",
		metric.WithDescription("Tokens revoked via the revocation endpoint"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create tokens.revoked counter: %w", err)
	}
	m.ClientsRegistered, err = meter.Int64Counter(
		"authz.clients.registered",
		metric.WithDescription("Clients created through dynamic registration"),
		metric.WithUnit("{client}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create clients.registered counter: %w", err)
	}
	m.PKCEFailures, err = meter.Int64Counter(
		"authz.pkce.failures",
		metric.WithDescription("Code exchanges rejected by PKCE verification"),
		metric.WithUnit("{exchange}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create pkce.failures counter: %w", err)
	}
	m.ReuseDetected, err = meter.Int64Counter(
		"authz.reuse.detected",
		metric.WithDescription("Replayed codes and rotated refresh tokens presented again"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create reuse.detected counter: %w", err)
	}
	m.RateLimited, err = meter.Int64Counter(
		"authz.register.throttled",
		metric.WithDescription("Registration requests rejected by the rate limiter"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create register.throttled counter: %w", err)
	}
	return m, nil
}

// Add increments a counter with a client_id attribute. Nil receivers
// and nil counters are safe no-ops so call sites need no guards.
func (m *Metrics) Add(ctx context.Context, c metric.Int64Counter, clientID string) {
	if m == nil || c == nil {
		return
	}
	c.Add(ctx, 1, metric.WithAttributes(attribute.String("client_id", clientID)))
}
