package auth

import (
	"context"
	"net/http"
	"strings"
)

// Invoker is the per-invocation handle a tool uses to manage its own
// credential: force a refresh mid-call or wipe tokens to trigger a new
// authorization on the next run.
type Invoker interface {
	Refresh(ctx context.Context) (*Credential, error)
	ClearTokens(ctx context.Context) error
}

type boundInvoker struct {
	flow    *Flow
	authKey string
	cfg     *Config
}

// InvokerFor binds a flow to one (agent, tool, config) credential slot.
func (f *Flow) InvokerFor(agentName, toolName string, cfg *Config) Invoker {
	return &boundInvoker{flow: f, authKey: KeyFor(agentName, toolName, cfg), cfg: cfg}
}

func (b *boundInvoker) Refresh(ctx context.Context) (*Credential, error) {
	cred, err := b.flow.store.GetTokens(ctx, b.authKey)
	if err != nil {
		return nil, err
	}
	return b.flow.Refresh(ctx, b.authKey, b.cfg, cred)
}

func (b *boundInvoker) ClearTokens(ctx context.Context) error {
	return b.flow.store.DeleteTokens(ctx, b.authKey)
}

// Do executes req with the credential applied. A 401 triggers exactly one
// refresh-and-retry; when no refresh token exists the stored tokens are
// cleared instead so the next run re-challenges, and the 401 is returned.
func (f *Flow) Do(ctx context.Context, agentName, toolName string, cfg *Config, cred *Credential, req *http.Request) (*http.Response, error) {
	ApplyCredential(req, cfg, cred)
	resp, err := f.opts.HTTPClient.Do(req.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	if cfg.Scheme == SchemeAPIKey || cfg.Scheme == SchemeHTTPBearer {
		return resp, nil
	}

	authKey := KeyFor(agentName, toolName, cfg)
	stored, gerr := f.store.GetTokens(ctx, authKey)
	if gerr != nil || stored == nil || stored.RefreshToken == "" {
		if derr := f.store.DeleteTokens(ctx, authKey); derr != nil {
			f.opts.Logger.Warn("failed to clear rejected tokens", "tool", toolName, "error", derr)
		}
		return resp, nil
	}
	refreshed, rerr := f.Refresh(ctx, authKey, cfg, stored)
	if rerr != nil {
		f.opts.Logger.Warn("refresh after 401 failed", "tool", toolName, "error", rerr)
		return resp, nil
	}
	resp.Body.Close()

	retry := req.Clone(ctx)
	if req.GetBody != nil {
		body, berr := req.GetBody()
		if berr != nil {
			return nil, berr
		}
		retry.Body = body
	}
	ApplyCredential(retry, cfg, refreshed)
	return f.opts.HTTPClient.Do(retry)
}

// ApplyCredential sets the credential on the request according to the
// scheme: header or query api keys, Authorization bearer otherwise.
func ApplyCredential(req *http.Request, cfg *Config, cred *Credential) {
	if cred == nil || cred.AccessToken == "" {
		return
	}
	if cfg != nil && cfg.Scheme == SchemeAPIKey && cfg.APIKey != nil {
		if strings.EqualFold(cfg.APIKey.In, "query") {
			q := req.URL.Query()
			q.Set(cfg.APIKey.Name, cred.AccessToken)
			req.URL.RawQuery = q.Encode()
		} else {
			req.Header.Set(cfg.APIKey.Name, cred.AccessToken)
		}
		return
	}
	tokenType := cred.TokenType
	if tokenType == "" || strings.EqualFold(tokenType, "bearer") ||
		tokenType == string(SchemeHTTPBearer) || tokenType == string(SchemeAPIKey) {
		tokenType = "Bearer"
	}
	req.Header.Set("Authorization", tokenType+" "+cred.AccessToken)
}
