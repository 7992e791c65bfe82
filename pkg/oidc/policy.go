package oidc

import (
	"context"
	"fmt"
	"net/http"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// policy wraps a single OIDC authorization policy with its token verifier and config.
type policy struct {
	config   PolicyConfig
	verifier *gooidc.IDTokenVerifier
}

// discoveryClient is the HTTP client go-oidc uses for issuer discovery and
// JWKS refreshes, wrapped in otelhttp so those outbound calls show up as
// spans under the same trace provider cmd/otel.go wires up for everything
// else.
var discoveryClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}

// newPolicy performs OIDC discovery for the given issuer and creates a token
// verifier for one --admin-oidc-issuer/--admin-oidc-audience pair. It fails
// if the issuer is unreachable (startup error), since lockd only ever
// builds policies once, at serve startup.
func newPolicy(ctx context.Context, cfg PolicyConfig) (*policy, error) {
	ctx = gooidc.ClientContext(ctx, discoveryClient)

	p, err := gooidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("OIDC discovery for issuer %q: %w", cfg.Issuer, err)
	}

	verifier := p.Verifier(&gooidc.Config{
		ClientID: cfg.Audience,
	})

	return &policy{
		config:   cfg,
		verifier: verifier,
	}, nil
}
