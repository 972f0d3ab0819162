package oauthvault

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"
)

// OAuth2Refresher implements Refresher against each provider's real token
// endpoint via golang.org/x/oauth2, keyed by provider name (spec §4.5:
// "each connected provider has its own refresh-token exchange").
type OAuth2Refresher struct {
	configs map[string]*oauth2.Config
}

// NewOAuth2Refresher builds a Refresher from a provider-name -> oauth2.Config
// map assembled at startup from the configured OAuth client credentials.
func NewOAuth2Refresher(configs map[string]*oauth2.Config) *OAuth2Refresher {
	return &OAuth2Refresher{configs: configs}
}

// Refresh exchanges bundle's refresh token for a new one via the provider's
// token endpoint, carrying the existing scopes forward if the provider
// doesn't return new ones.
func (r *OAuth2Refresher) Refresh(ctx context.Context, provider string, bundle TokenBundle) (TokenBundle, error) {
	cfg, ok := r.configs[provider]
	if !ok {
		return TokenBundle{}, fmt.Errorf("oauthvault: no oauth2 config registered for provider %q", provider)
	}

	src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: bundle.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		return TokenBundle{}, fmt.Errorf("refreshing %s token: %w", provider, err)
	}

	refreshToken := tok.RefreshToken
	if refreshToken == "" {
		// Some providers (notably Google) omit refresh_token on rotation
		// unless prompted, in which case the old one keeps working.
		refreshToken = bundle.RefreshToken
	}

	scopes := bundle.Scopes
	if raw, ok := tok.Extra("scope").(string); ok && raw != "" {
		scopes = splitScopes(raw)
	}

	return TokenBundle{
		AccessToken:  tok.AccessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    tok.Expiry,
		Scopes:       scopes,
	}, nil
}

func splitScopes(raw string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(raw); i++ {
		if i == len(raw) || raw[i] == ' ' {
			if i > start {
				out = append(out, raw[start:i])
			}
			start = i + 1
		}
	}
	return out
}
