package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/haasonsaas/runloop/internal/auth"
	"github.com/haasonsaas/runloop/internal/tools"
	"github.com/haasonsaas/runloop/pkg/models"
)

// credentialProbe returns a tool that records the credential the gate handed
// it and succeeds.
func credentialProbe(name string, cfg *auth.Config, seen *[]auth.Credential) *tools.Tool {
	return &tools.Tool{
		Name: name,
		Auth: cfg,
		Execute: func(_ context.Context, _ json.RawMessage, rc *tools.RunContext) tools.Outcome {
			if rc.Credential != nil {
				*seen = append(*seen, *rc.Credential)
			}
			return tools.Ok("authorized")
		},
	}
}

func TestAuthStaticSchemeExecutesImmediately(t *testing.T) {
	cfg := &auth.Config{
		Scheme: auth.SchemeAPIKey,
		APIKey: &auth.APIKeySpec{Name: "X-Api-Key", In: "header", Value: "sekret"},
	}
	var seen []auth.Credential
	transport := &scriptTransport{responses: []*ModelResponse{
		toolCallResponse(toolCall("tc-1", "lookup", `{}`)),
		{Content: "done"},
	}}
	env := newTestEnv(t, transport, nil)
	env.addTool(t, credentialProbe("lookup", cfg, &seen))

	res := env.run(t, userRequest("look it up"))
	if res.Outcome.Status != models.RunCompleted {
		t.Fatalf("outcome: %+v", res.Outcome)
	}
	if len(seen) != 1 {
		t.Fatalf("tool ran %d times", len(seen))
	}
	if seen[0].AccessToken != "sekret" || seen[0].TokenType != string(auth.SchemeAPIKey) {
		t.Fatalf("credential %+v", seen[0])
	}

	// Static schemes never create pending routes.
	if _, err := env.authStore.GetPending(context.Background(), res.RunID, "tc-1"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("pending err = %v", err)
	}
}

func TestAuthChallengeInterruptsRun(t *testing.T) {
	cfg := &auth.Config{
		Scheme: auth.SchemeOAuth2,
		OAuth: &auth.OAuthSpec{
			ClientID: "cid",
			AuthURL:  "https://idp.example/authorize",
			TokenURL: "https://idp.example/token",
			Scopes:   []string{"calendar.read"},
		},
	}
	var seen []auth.Credential
	transport := &scriptTransport{responses: []*ModelResponse{
		toolCallResponse(toolCall("tc-1", "calendar", `{}`)),
	}}
	env := newTestEnv(t, transport, nil)
	env.addTool(t, credentialProbe("calendar", cfg, &seen))

	req := userRequest("check my calendar")
	req.ConversationID = "conv-auth"
	res := env.run(t, req)

	if res.Outcome.Status != models.RunInterrupted {
		t.Fatalf("outcome: %+v", res.Outcome)
	}
	if len(seen) != 0 {
		t.Fatal("tool executed without a credential")
	}
	intr := res.Outcome.Interruptions[0]
	if intr.Kind != models.InterruptToolAuth || intr.ToolCallID != "tc-1" || intr.ToolName != "calendar" {
		t.Fatalf("interruption %+v", intr)
	}
	if intr.SessionID != res.RunID {
		t.Fatalf("session id %q", intr.SessionID)
	}
	if intr.AuthKey == "" {
		t.Fatal("missing auth key")
	}
	if !strings.HasPrefix(intr.AuthorizationURL, "https://idp.example/authorize?") {
		t.Fatalf("authorization url %q", intr.AuthorizationURL)
	}
	if intr.SchemeType != string(auth.SchemeOAuth2) || len(intr.Scopes) != 1 {
		t.Fatalf("interruption %+v", intr)
	}

	// The pending route points the callback boundary back at this call.
	key, err := env.authStore.GetPending(context.Background(), res.RunID, "tc-1")
	if err != nil {
		t.Fatal(err)
	}
	if key != intr.AuthKey {
		t.Fatalf("pending key %q, auth key %q", key, intr.AuthKey)
	}
}

func TestAuthResumeAfterTokenDeposit(t *testing.T) {
	cfg := &auth.Config{
		Scheme: auth.SchemeOAuth2,
		OAuth: &auth.OAuthSpec{
			ClientID: "cid",
			AuthURL:  "https://idp.example/authorize",
			TokenURL: "https://idp.example/token",
		},
	}
	var seen []auth.Credential
	transport := &scriptTransport{responses: []*ModelResponse{
		toolCallResponse(toolCall("tc-1", "drive", `{}`)),
		{Content: "all synced"},
	}}
	env := newTestEnv(t, transport, nil)
	env.addTool(t, credentialProbe("drive", cfg, &seen))

	req := userRequest("sync files")
	req.ConversationID = "conv-deposit"
	first := env.run(t, req)
	if first.Outcome.Status != models.RunInterrupted {
		t.Fatalf("outcome: %+v", first.Outcome)
	}
	intr := first.Outcome.Interruptions[0]

	// Out-of-band token deposit, e.g. an operator seeding a service token.
	err := env.authStore.PutTokens(context.Background(), intr.AuthKey, &auth.Credential{AccessToken: "tok-123"})
	if err != nil {
		t.Fatal(err)
	}

	second := env.run(t, &RunRequest{AgentName: "helper", ConversationID: "conv-deposit"})
	if second.Outcome.Status != models.RunCompleted || second.Outcome.Output != "all synced" {
		t.Fatalf("outcome: %+v", second.Outcome)
	}
	if len(seen) != 1 || seen[0].AccessToken != "tok-123" {
		t.Fatalf("credentials seen: %+v", seen)
	}
	msg, ok := toolResultFor(second.Messages, "tc-1")
	if !ok || msg.Content != "authorized" {
		t.Fatalf("tool message %+v", msg)
	}
}

func TestAuthFullLoopThroughSubmit(t *testing.T) {
	idp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/token" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok-xyz","token_type":"bearer","refresh_token":"ref-1","expires_in":3600}`))
	}))
	defer idp.Close()

	cfg := &auth.Config{
		Scheme: auth.SchemeOAuth2,
		OAuth: &auth.OAuthSpec{
			ClientID: "cid",
			AuthURL:  idp.URL + "/authorize",
			TokenURL: idp.URL + "/token",
		},
	}
	var seen []auth.Credential
	transport := &scriptTransport{responses: []*ModelResponse{
		toolCallResponse(toolCall("tc-1", "mail", `{}`)),
		{Content: "sent"},
	}}
	env := newTestEnv(t, transport, nil)
	env.addTool(t, credentialProbe("mail", cfg, &seen))

	req := userRequest("send the mail")
	req.ConversationID = "conv-loop"
	first := env.run(t, req)
	if first.Outcome.Status != models.RunInterrupted {
		t.Fatalf("outcome: %+v", first.Outcome)
	}
	intr := first.Outcome.Interruptions[0]

	authURL, err := url.Parse(intr.AuthorizationURL)
	if err != nil {
		t.Fatal(err)
	}
	state := authURL.Query().Get("state")
	if state == "" {
		t.Fatalf("authorization url carries no state: %q", intr.AuthorizationURL)
	}

	flow := env.eng.Auth()
	callback := &auth.AuthResponse{
		AuthResponseURI: "https://app.example/callback?code=abc&state=" + url.QueryEscape(state),
	}
	key, err := flow.HandleAuthSubmit(context.Background(), intr.SessionID, intr.ToolCallID, callback)
	if err != nil {
		t.Fatal(err)
	}
	if key != intr.AuthKey {
		t.Fatalf("submit resolved %q, challenge issued %q", key, intr.AuthKey)
	}

	second := env.run(t, &RunRequest{AgentName: "helper", ConversationID: "conv-loop"})
	if second.Outcome.Status != models.RunCompleted || second.Outcome.Output != "sent" {
		t.Fatalf("outcome: %+v", second.Outcome)
	}
	if len(seen) != 1 || seen[0].AccessToken != "tok-xyz" {
		t.Fatalf("credentials seen: %+v", seen)
	}

	// Exchanged tokens are cached, so a third run skips the idp entirely.
	transport.mu.Lock()
	transport.responses = append(transport.responses,
		toolCallResponse(toolCall("tc-2", "mail", `{}`)),
		&ModelResponse{Content: "sent again"},
	)
	transport.mu.Unlock()
	idp.Close()

	third := env.run(t, &RunRequest{
		AgentName:      "helper",
		ConversationID: "conv-loop",
		Messages:       []models.Message{models.NewUserMessage("send another")},
	})
	if third.Outcome.Status != models.RunCompleted || third.Outcome.Output != "sent again" {
		t.Fatalf("outcome: %+v", third.Outcome)
	}
	if len(seen) != 2 || seen[1].AccessToken != "tok-xyz" {
		t.Fatalf("credentials seen: %+v", seen)
	}
}

func TestToolRequestedAuthInterrupts(t *testing.T) {
	ch := &auth.Challenge{
		AuthKey:          "k-manual",
		AuthorizationURL: "https://idp.example/authorize?client_id=cid",
		SchemeType:       auth.SchemeOAuth2,
		Scopes:           []string{"repo"},
	}
	transport := &scriptTransport{responses: []*ModelResponse{
		toolCallResponse(toolCall("tc-1", "git", `{}`)),
	}}
	env := newTestEnv(t, transport, nil)
	env.addTool(t, &tools.Tool{
		Name: "git",
		Execute: func(context.Context, json.RawMessage, *tools.RunContext) tools.Outcome {
			return tools.RequireAuth(ch)
		},
	})

	res := env.run(t, userRequest("push it"))
	if res.Outcome.Status != models.RunInterrupted {
		t.Fatalf("outcome: %+v", res.Outcome)
	}
	intr := res.Outcome.Interruptions[0]
	if intr.Kind != models.InterruptToolAuth || intr.AuthKey != "k-manual" {
		t.Fatalf("interruption %+v", intr)
	}
	if intr.AuthorizationURL != ch.AuthorizationURL {
		t.Fatalf("authorization url %q", intr.AuthorizationURL)
	}

	// The engine records the pending route even for tool-raised challenges.
	key, err := env.authStore.GetPending(context.Background(), res.RunID, "tc-1")
	if err != nil {
		t.Fatal(err)
	}
	if key != "k-manual" {
		t.Fatalf("pending key %q", key)
	}
}
