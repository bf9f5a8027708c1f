package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// DefaultExpirySkew is how close to expiry a token counts as expired.
const DefaultExpirySkew = 30 * time.Second

// FlowOptions configures a Flow.
type FlowOptions struct {
	// HTTPClient performs token-endpoint and tool HTTP calls.
	HTTPClient *http.Client

	// ExpirySkew is the near-expiry window. Defaults to DefaultExpirySkew.
	ExpirySkew time.Duration

	// ResponseTTL / PendingTTL bound the one-shot key spaces.
	ResponseTTL time.Duration
	PendingTTL  time.Duration

	// Now injects a clock for tests.
	Now func() time.Time

	Logger *slog.Logger
}

// DefaultFlowOptions returns the production defaults.
func DefaultFlowOptions() *FlowOptions {
	return &FlowOptions{
		HTTPClient:  http.DefaultClient,
		ExpirySkew:  DefaultExpirySkew,
		ResponseTTL: DefaultResponseTTL,
		PendingTTL:  DefaultPendingTTL,
		Now:         time.Now,
		Logger:      slog.Default(),
	}
}

func mergeFlowOptions(opts *FlowOptions) *FlowOptions {
	merged := DefaultFlowOptions()
	if opts == nil {
		return merged
	}
	if opts.HTTPClient != nil {
		merged.HTTPClient = opts.HTTPClient
	}
	if opts.ExpirySkew > 0 {
		merged.ExpirySkew = opts.ExpirySkew
	}
	if opts.ResponseTTL > 0 {
		merged.ResponseTTL = opts.ResponseTTL
	}
	if opts.PendingTTL > 0 {
		merged.PendingTTL = opts.PendingTTL
	}
	if opts.Now != nil {
		merged.Now = opts.Now
	}
	if opts.Logger != nil {
		merged.Logger = opts.Logger
	}
	return merged
}

// Flow drives the token acquisition protocol over a Store: cached tokens,
// single refresh, authorization-code exchange of a deposited callback, or a
// fresh challenge.
type Flow struct {
	store Store
	opts  *FlowOptions
}

// NewFlow creates a Flow over the given store.
func NewFlow(store Store, opts *FlowOptions) *Flow {
	return &Flow{store: store, opts: mergeFlowOptions(opts)}
}

// Store exposes the underlying store (the maintenance sweeper uses it).
func (f *Flow) Store() Store {
	return f.store
}

// Acquire resolves a credential for one tool invocation. It returns exactly
// one of: a credential to apply, a challenge requiring user authorization,
// or an error. Challenges also record the pending (sessionID, toolCallID)
// route so the callback boundary can find its way back.
func (f *Flow) Acquire(ctx context.Context, agentName, toolName string, declared *Config, sessionID, toolCallID string) (*Credential, *Challenge, error) {
	if declared == nil {
		return nil, nil, fmt.Errorf("auth: nil config")
	}
	if err := declared.Validate(); err != nil {
		return nil, nil, err
	}

	// Static schemes never touch the store.
	if declared.Scheme == SchemeAPIKey || declared.Scheme == SchemeHTTPBearer {
		return &Credential{AccessToken: declared.APIKey.Value, TokenType: string(declared.Scheme)}, nil, nil
	}

	authKey := KeyFor(agentName, toolName, declared)
	now := f.opts.Now()

	cred, err := f.store.GetTokens(ctx, authKey)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, nil, fmt.Errorf("auth: read tokens: %w", err)
	}
	if cred.Valid(now, f.opts.ExpirySkew) {
		return cred, nil, nil
	}

	if cred != nil && cred.RefreshToken != "" {
		refreshed, rerr := f.Refresh(ctx, authKey, declared, cred)
		if rerr == nil {
			return refreshed, nil, nil
		}
		f.opts.Logger.Warn("token refresh failed, falling through",
			"tool", toolName, "error", rerr)
	}

	rsp, err := f.store.GetAuthResponse(ctx, authKey)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, nil, fmt.Errorf("auth: read auth response: %w", err)
	}
	if rsp != nil {
		exchanged, xerr := f.exchange(ctx, authKey, declared, rsp)
		if xerr == nil {
			return exchanged, nil, nil
		}
		if errors.Is(xerr, ErrStateMismatch) {
			return nil, nil, xerr
		}
		f.opts.Logger.Warn("authorization code exchange failed, re-challenging",
			"tool", toolName, "error", xerr)
	}

	challenge, err := f.challenge(ctx, authKey, declared, sessionID, toolCallID)
	if err != nil {
		return nil, nil, err
	}
	return nil, challenge, nil
}

// Refresh performs a single refresh attempt and persists the result.
func (f *Flow) Refresh(ctx context.Context, authKey string, declared *Config, cred *Credential) (*Credential, error) {
	if cred == nil || cred.RefreshToken == "" {
		return nil, ErrNoRefreshToken
	}
	if declared.OAuth == nil {
		return nil, fmt.Errorf("auth: refresh requires an oauth config")
	}
	src := f.oauthConfig(declared.OAuth).TokenSource(f.clientContext(ctx), &oauth2.Token{
		RefreshToken: cred.RefreshToken,
	})
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("auth: refresh: %w", err)
	}
	out := f.credentialFromToken(tok)
	if out.RefreshToken == "" {
		out.RefreshToken = cred.RefreshToken
	}
	if err := f.store.PutTokens(ctx, authKey, out); err != nil {
		return nil, fmt.Errorf("auth: persist refreshed tokens: %w", err)
	}
	return out, nil
}

// HandleAuthSubmit deposits a one-shot callback payload for the suspended
// (sessionID, toolCallID) invocation and returns the resolved auth key.
func (f *Flow) HandleAuthSubmit(ctx context.Context, sessionID, toolCallID string, rsp *AuthResponse) (string, error) {
	if err := rsp.Validate(); err != nil {
		return "", err
	}
	authKey, err := f.store.GetPending(ctx, sessionID, toolCallID)
	if err != nil {
		return "", err
	}
	if err := f.store.PutAuthResponse(ctx, authKey, rsp, f.opts.ResponseTTL); err != nil {
		return "", err
	}
	if err := f.store.DeletePending(ctx, sessionID, toolCallID); err != nil {
		f.opts.Logger.Warn("failed to clear pending auth route", "error", err)
	}
	return authKey, nil
}

// Revoke clears stored tokens for a credential slot.
func (f *Flow) Revoke(ctx context.Context, authKey string) error {
	return f.store.DeleteTokens(ctx, authKey)
}

// challenge mints CSRF state (and a PKCE verifier when configured),
// persists them under the config key space, records the pending route, and
// builds the authorization URL.
func (f *Flow) challenge(ctx context.Context, authKey string, declared *Config, sessionID, toolCallID string) (*Challenge, error) {
	spec := declared.OAuth
	state := randomToken()
	flowState := &FlowState{CSRFState: state, CreatedAt: f.opts.Now()}

	opts := []oauth2.AuthCodeOption{oauth2.AccessTypeOffline}
	if spec.UsePKCE {
		verifier := oauth2.GenerateVerifier()
		flowState.PKCEVerifier = verifier
		opts = append(opts, oauth2.S256ChallengeOption(verifier))
	}

	stored := cloneConfig(declared)
	stored.State = flowState
	if err := f.store.PutConfig(ctx, authKey, stored); err != nil {
		return nil, fmt.Errorf("auth: persist flow state: %w", err)
	}
	if sessionID != "" && toolCallID != "" {
		if err := f.store.PutPending(ctx, sessionID, toolCallID, authKey, f.opts.PendingTTL); err != nil {
			return nil, fmt.Errorf("auth: persist pending route: %w", err)
		}
	}

	return &Challenge{
		AuthKey:          authKey,
		AuthorizationURL: f.oauthConfig(spec).AuthCodeURL(state, opts...),
		Scopes:           spec.Scopes,
		SchemeType:       declared.Scheme,
	}, nil
}

// exchange consumes a deposited auth response: it validates the CSRF state,
// exchanges the code (with the PKCE verifier when one was minted), persists
// tokens, and clears the one-shot entries.
func (f *Flow) exchange(ctx context.Context, authKey string, declared *Config, rsp *AuthResponse) (*Credential, error) {
	u, err := url.Parse(rsp.AuthResponseURI)
	if err != nil {
		return nil, fmt.Errorf("auth: parse auth response uri: %w", err)
	}
	code := u.Query().Get("code")
	state := u.Query().Get("state")
	if code == "" || len(code) > maxCodeLength {
		return nil, fmt.Errorf("auth: missing or oversized authorization code")
	}
	if len(state) > maxStateLength {
		return nil, fmt.Errorf("auth: oversized state")
	}

	stored, err := f.store.GetConfig(ctx, authKey)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("auth: read flow state: %w", err)
		}
		stored = cloneConfig(declared)
	}
	if stored.State == nil || stored.State.CSRFState == "" || state != stored.State.CSRFState {
		return nil, ErrStateMismatch
	}

	ocfg := f.oauthConfig(declared.OAuth)
	if rsp.RedirectURI != "" {
		ocfg.RedirectURL = rsp.RedirectURI
	}
	var xopts []oauth2.AuthCodeOption
	if stored.State.PKCEVerifier != "" {
		xopts = append(xopts, oauth2.VerifierOption(stored.State.PKCEVerifier))
	}
	tok, err := ocfg.Exchange(f.clientContext(ctx), code, xopts...)
	if err != nil {
		return nil, fmt.Errorf("auth: code exchange: %w", err)
	}

	cred := f.credentialFromToken(tok)
	if err := f.store.PutTokens(ctx, authKey, cred); err != nil {
		return nil, fmt.Errorf("auth: persist tokens: %w", err)
	}
	if err := f.store.DeleteAuthResponse(ctx, authKey); err != nil {
		f.opts.Logger.Warn("failed to clear auth response", "error", err)
	}
	stored.State = nil
	if err := f.store.PutConfig(ctx, authKey, stored); err != nil {
		f.opts.Logger.Warn("failed to clear flow state", "error", err)
	}
	return cred, nil
}

func (f *Flow) oauthConfig(spec *OAuthSpec) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     spec.ClientID,
		ClientSecret: spec.ClientSecret,
		RedirectURL:  spec.RedirectURL,
		Scopes:       spec.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  spec.AuthURL,
			TokenURL: spec.TokenURL,
		},
	}
}

// clientContext routes oauth2's internal HTTP through the configured client.
func (f *Flow) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, f.opts.HTTPClient)
}

func (f *Flow) credentialFromToken(tok *oauth2.Token) *Credential {
	cred := &Credential{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Expiry:       tok.Expiry,
	}
	if id, ok := tok.Extra("id_token").(string); ok {
		cred.IDToken = id
	}
	if cred.Expiry.IsZero() {
		if exp, ok := jwtExpiry(cred.AccessToken); ok {
			cred.Expiry = exp
		} else if exp, ok := jwtExpiry(cred.IDToken); ok {
			cred.Expiry = exp
		}
	}
	return cred
}

// jwtExpiry extracts the exp claim from a JWT without verifying it. Used
// only as an expiry hint when the token endpoint omits expires_in.
func jwtExpiry(raw string) (time.Time, bool) {
	if raw == "" {
		return time.Time{}, false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
