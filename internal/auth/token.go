package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	"github.com/gridworks/scada/internal/core"
)

// Claims is the payload of a bearer token.
type Claims struct {
	Sub  string `json:"sub"`
	Role Role   `json:"role"`
	Iat  int64  `json:"iat"`
	Exp  int64  `json:"exp"`
}

// signer issues and verifies HMAC-SHA256 signed bearer tokens. Token form:
// base64url(claims JSON) + "." + base64url(signature).
type signer struct {
	secret   []byte
	lifetime time.Duration
}

func newSigner(secret string, lifetime time.Duration) *signer {
	if lifetime <= 0 {
		lifetime = 60 * time.Minute
	}
	return &signer{secret: []byte(secret), lifetime: lifetime}
}

func (s *signer) sign(data []byte) []byte {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(data)
	return mac.Sum(nil)
}

// issue creates a signed token for the user.
func (s *signer) issue(username string, role Role, now time.Time) (token string, expiresIn int64) {
	claims := Claims{
		Sub:  username,
		Role: role,
		Iat:  now.Unix(),
		Exp:  now.Add(s.lifetime).Unix(),
	}
	body, _ := json.Marshal(claims)
	sig := s.sign(body)
	token = base64.RawURLEncoding.EncodeToString(body) + "." + base64.RawURLEncoding.EncodeToString(sig)
	return token, int64(s.lifetime.Seconds())
}

// verify checks signature and expiry, returning the claims.
func (s *signer) verify(token string, now time.Time) (*Claims, error) {
	idx := strings.LastIndexByte(token, '.')
	if idx <= 0 {
		return nil, core.E(core.KindAuthFailure, "malformed token")
	}

	body, err := base64.RawURLEncoding.DecodeString(token[:idx])
	if err != nil {
		return nil, core.E(core.KindAuthFailure, "malformed token")
	}
	sig, err := base64.RawURLEncoding.DecodeString(token[idx+1:])
	if err != nil {
		return nil, core.E(core.KindAuthFailure, "malformed token")
	}

	if !hmac.Equal(sig, s.sign(body)) {
		return nil, core.E(core.KindAuthFailure, "invalid token signature")
	}

	var claims Claims
	if err := json.Unmarshal(body, &claims); err != nil {
		return nil, core.E(core.KindAuthFailure, "malformed token claims")
	}
	if now.Unix() > claims.Exp {
		return nil, core.E(core.KindAuthFailure, "token expired")
	}
	return &claims, nil
}
