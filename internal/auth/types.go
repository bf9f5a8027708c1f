// Package auth manages tool credentials: OAuth2/OIDC token lifecycle,
// API-key application, and the challenge/callback state machine that lets a
// run suspend on an authorization requirement and resume after the user
// completes the flow.
package auth

import (
	"errors"
	"fmt"
	"time"
)

// SchemeType names a credential scheme.
type SchemeType string

const (
	SchemeOAuth2     SchemeType = "oauth2"
	SchemeOIDC       SchemeType = "oidc"
	SchemeAPIKey     SchemeType = "api_key"
	SchemeHTTPBearer SchemeType = "http_bearer"
)

// Input length caps, enforced before values touch a store or a provider.
const (
	maxStateLength = 256
	maxCodeLength  = 4096
	maxURILength   = 8192
)

var (
	// ErrNotFound is returned by stores for absent keys.
	ErrNotFound = errors.New("auth: not found")

	// ErrNoRefreshToken is returned when a refresh is requested for a
	// credential that cannot be refreshed.
	ErrNoRefreshToken = errors.New("auth: no refresh token")

	// ErrStateMismatch is returned when a callback's CSRF state does not
	// match the state minted for the challenge.
	ErrStateMismatch = errors.New("auth: state mismatch")
)

// OAuthSpec describes an OAuth2/OIDC authorization-code client.
type OAuthSpec struct {
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret,omitempty"`
	AuthURL      string   `json:"auth_url"`
	TokenURL     string   `json:"token_url"`
	RedirectURL  string   `json:"redirect_url,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`
	UsePKCE      bool     `json:"use_pkce,omitempty"`
}

// APIKeySpec describes a static API-key credential.
type APIKeySpec struct {
	Name  string `json:"name"`  // header or query parameter name
	In    string `json:"in"`    // "header" or "query"
	Value string `json:"value"` // the key material
}

// FlowState holds the per-challenge secrets minted when an authorization URL
// is issued and consumed when the callback code is exchanged.
type FlowState struct {
	PKCEVerifier string    `json:"pkce_verifier,omitempty"`
	CSRFState    string    `json:"csrf_state,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Config is the credential bundle a tool declares. Exactly one of OAuth or
// APIKey is set, matching Scheme.
type Config struct {
	Scheme SchemeType  `json:"scheme"`
	OAuth  *OAuthSpec  `json:"oauth,omitempty"`
	APIKey *APIKeySpec `json:"api_key,omitempty"`
	State  *FlowState  `json:"state,omitempty"`
}

// Validate checks scheme/spec pairing.
func (c *Config) Validate() error {
	switch c.Scheme {
	case SchemeOAuth2, SchemeOIDC:
		if c.OAuth == nil {
			return fmt.Errorf("auth: %s config requires oauth spec", c.Scheme)
		}
		if c.OAuth.ClientID == "" || c.OAuth.AuthURL == "" || c.OAuth.TokenURL == "" {
			return fmt.Errorf("auth: oauth spec requires client_id, auth_url and token_url")
		}
	case SchemeAPIKey, SchemeHTTPBearer:
		if c.APIKey == nil {
			return fmt.Errorf("auth: %s config requires api_key spec", c.Scheme)
		}
		if c.APIKey.Value == "" {
			return fmt.Errorf("auth: api_key spec requires a value")
		}
	default:
		return fmt.Errorf("auth: unknown scheme %q", c.Scheme)
	}
	return nil
}

// credentialIdentity is the stable component of the auth key: the client id
// for OAuth schemes, the key name for API keys. Raw secrets never feed the
// key derivation.
func (c *Config) credentialIdentity() string {
	switch {
	case c.OAuth != nil:
		return c.OAuth.ClientID
	case c.APIKey != nil:
		return c.APIKey.Name
	default:
		return ""
	}
}

// Credential is an exchanged credential: for OAuth schemes the token set,
// for API keys the key value mirrored into AccessToken.
type Credential struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	IDToken      string    `json:"id_token,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
}

// Valid reports whether the credential can be applied now: it has token
// material and is not within skew of its expiry. A zero Expiry never
// expires.
func (c *Credential) Valid(now time.Time, skew time.Duration) bool {
	if c == nil || c.AccessToken == "" {
		return false
	}
	if c.Expiry.IsZero() {
		return true
	}
	return now.Add(skew).Before(c.Expiry)
}

// Challenge is the typed AuthRequired signal: everything a caller needs to
// send the user through the authorization flow and route the callback back
// to the suspended tool invocation.
type Challenge struct {
	AuthKey          string     `json:"authKey"`
	AuthorizationURL string     `json:"authorizationUrl"`
	Scopes           []string   `json:"scopes,omitempty"`
	SchemeType       SchemeType `json:"schemeType"`
}

// AuthResponse is the one-shot callback payload deposited by the boundary
// and consumed on the next tool execution.
type AuthResponse struct {
	AuthResponseURI string `json:"authResponseUri"`
	RedirectURI     string `json:"redirectUri,omitempty"`
}

// Validate bounds the callback payload.
func (r *AuthResponse) Validate() error {
	if r.AuthResponseURI == "" {
		return fmt.Errorf("auth: authResponseUri is required")
	}
	if len(r.AuthResponseURI) > maxURILength || len(r.RedirectURI) > maxURILength {
		return fmt.Errorf("auth: callback uri exceeds %d bytes", maxURILength)
	}
	return nil
}
