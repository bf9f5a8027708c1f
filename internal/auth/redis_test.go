package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client), mr
}

func TestRedisStoreRoundTrips(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestRedisStore(t)

	cfg := &Config{
		Scheme: SchemeOIDC,
		OAuth: &OAuthSpec{
			ClientID: "client-1",
			AuthURL:  "https://idp.example.com/authorize",
			TokenURL: "https://idp.example.com/token",
			UsePKCE:  true,
		},
		State: &FlowState{PKCEVerifier: "v", CSRFState: "s", CreatedAt: time.Now().UTC()},
	}
	if err := s.PutConfig(ctx, "k", cfg); err != nil {
		t.Fatal(err)
	}
	gotCfg, err := s.GetConfig(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if gotCfg.Scheme != SchemeOIDC || gotCfg.State.PKCEVerifier != "v" {
		t.Fatalf("config did not round trip: %+v", gotCfg)
	}

	cred := &Credential{AccessToken: "at", RefreshToken: "rt", TokenType: "Bearer"}
	if err := s.PutTokens(ctx, "k", cred); err != nil {
		t.Fatal(err)
	}
	gotCred, err := s.GetTokens(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if gotCred.AccessToken != "at" {
		t.Fatalf("tokens did not round trip: %+v", gotCred)
	}
	if err := s.DeleteTokens(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetTokens(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestRedisStoreMissingKeys(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestRedisStore(t)

	if _, err := s.GetConfig(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetConfig: expected ErrNotFound, got %v", err)
	}
	if _, err := s.GetAuthResponse(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetAuthResponse: expected ErrNotFound, got %v", err)
	}
	if _, err := s.GetPending(ctx, "sess", "call"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetPending: expected ErrNotFound, got %v", err)
	}
}

func TestRedisStoreOneShotTTL(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestRedisStore(t)

	rsp := &AuthResponse{AuthResponseURI: "https://app.example.com/cb?code=c&state=s"}
	if err := s.PutAuthResponse(ctx, "k", rsp, 0); err != nil {
		t.Fatal(err)
	}
	if err := s.PutPending(ctx, "sess", "call", "k", 0); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetAuthResponse(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if got.AuthResponseURI != rsp.AuthResponseURI {
		t.Fatalf("response did not round trip: %+v", got)
	}

	mr.FastForward(DefaultResponseTTL + time.Second)

	if _, err := s.GetAuthResponse(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected response to expire, got %v", err)
	}
	if _, err := s.GetPending(ctx, "sess", "call"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected route to expire, got %v", err)
	}
}

func TestRedisStorePrefix(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	s := NewRedisStore(client, WithPrefix("custom"))
	if err := s.PutTokens(ctx, "k", &Credential{AccessToken: "at"}); err != nil {
		t.Fatal(err)
	}
	if !mr.Exists("custom:tok:k") {
		t.Fatal("expected key under custom prefix")
	}
}
