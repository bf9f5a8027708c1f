package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
)

// DeriveAuthKey identifies a distinct credential slot. The same agent, tool,
// scheme and credential identity always map to the same key, so tokens
// survive process restarts and tool-call id churn.
func DeriveAuthKey(agentName, toolName string, scheme SchemeType, credentialIdentity string) string {
	sum := sha256.Sum256([]byte(agentName + "\x00" + toolName + "\x00" + string(scheme) + "\x00" + credentialIdentity))
	return hex.EncodeToString(sum[:])
}

// KeyFor derives the auth key for a tool's declared config.
func KeyFor(agentName, toolName string, cfg *Config) string {
	return DeriveAuthKey(agentName, toolName, cfg.Scheme, cfg.credentialIdentity())
}

// randomToken mints a URL-safe random string for CSRF states.
func randomToken() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic("auth: crypto/rand unavailable: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
