package auth

import "testing"

func TestDeriveAuthKeyDeterministic(t *testing.T) {
	a := DeriveAuthKey("support", "calendar", SchemeOAuth2, "client-1")
	b := DeriveAuthKey("support", "calendar", SchemeOAuth2, "client-1")
	if a != b {
		t.Fatalf("same inputs produced different keys: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(a))
	}
}

func TestDeriveAuthKeyDistinguishesComponents(t *testing.T) {
	base := DeriveAuthKey("support", "calendar", SchemeOAuth2, "client-1")
	variants := map[string]string{
		"agent":    DeriveAuthKey("billing", "calendar", SchemeOAuth2, "client-1"),
		"tool":     DeriveAuthKey("support", "email", SchemeOAuth2, "client-1"),
		"scheme":   DeriveAuthKey("support", "calendar", SchemeOIDC, "client-1"),
		"identity": DeriveAuthKey("support", "calendar", SchemeOAuth2, "client-2"),
	}
	for name, key := range variants {
		if key == base {
			t.Errorf("changing %s did not change the auth key", name)
		}
	}
}

func TestKeyForIgnoresSecrets(t *testing.T) {
	mk := func(secret string) *Config {
		return &Config{
			Scheme: SchemeOAuth2,
			OAuth: &OAuthSpec{
				ClientID:     "client-1",
				ClientSecret: secret,
				AuthURL:      "https://idp.example.com/authorize",
				TokenURL:     "https://idp.example.com/token",
			},
		}
	}
	if KeyFor("support", "calendar", mk("s1")) != KeyFor("support", "calendar", mk("s2")) {
		t.Fatal("client secret leaked into key derivation")
	}
}

func TestKeyForAPIKeyUsesName(t *testing.T) {
	mk := func(name, value string) *Config {
		return &Config{Scheme: SchemeAPIKey, APIKey: &APIKeySpec{Name: name, In: "header", Value: value}}
	}
	if KeyFor("a", "t", mk("X-Key", "v1")) != KeyFor("a", "t", mk("X-Key", "v2")) {
		t.Fatal("api key value leaked into key derivation")
	}
	if KeyFor("a", "t", mk("X-Key", "v")) == KeyFor("a", "t", mk("X-Other", "v")) {
		t.Fatal("api key name should distinguish credential slots")
	}
}

func TestRandomTokenUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 64; i++ {
		tok := randomToken()
		if tok == "" {
			t.Fatal("empty token")
		}
		if seen[tok] {
			t.Fatalf("duplicate token after %d draws", i)
		}
		seen[tok] = true
	}
}
