// Package auth is the Credential Store collaborator (spec.md §6) behind
// the Policy Pipeline's Authentication stage (§4.5 stage 4): bearer JWT
// verification adapted from services/api-gateway/internal/jwt and
// middleware.AuthRequired, plus salted-hash API key verification.
package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Mir00r/gateway-mesh/internal/gatewaytypes"
)

// Claims extends the registered JWT claims with the role the gateway's
// authorization stage consumes, mirroring api-gateway/internal/jwt's
// CustomClaims trimmed to what the pipeline needs.
type Claims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// JWTConfig configures bearer-token verification.
type JWTConfig struct {
	Secret   string
	Issuer   string
	Audience string
}

// Store verifies bearer tokens and API keys into a Principal.
type Store struct {
	jwtConfig JWTConfig
	apiKeys   map[string]struct{} // sha256 hex digest -> present
	minKeyLen int
}

// NewStore builds a credential store. apiKeys are the plaintext keys from
// configuration (policies.auth.api_keys); they are hashed once here so
// the store never retains plaintext beyond construction.
func NewStore(jwtCfg JWTConfig, apiKeys []string) *Store {
	hashed := make(map[string]struct{}, len(apiKeys))
	for _, k := range apiKeys {
		hashed[hashAPIKey(k)] = struct{}{}
	}
	return &Store{jwtConfig: jwtCfg, apiKeys: hashed, minKeyLen: 16}
}

func hashAPIKey(key string) string {
	sum := sha256.Sum256([]byte("gateway-mesh-salt:" + key))
	return hex.EncodeToString(sum[:])
}

// VerifyToken validates an HMAC-signed bearer token: signing method,
// issuer, audience, and expiry (spec.md §4.5 stage 4).
func (s *Store) VerifyToken(tokenString string) (*gatewaytypes.Principal, error) {
	tokenString = strings.TrimPrefix(tokenString, "Bearer ")

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(s.jwtConfig.Secret), nil
	},
		jwt.WithIssuer(s.jwtConfig.Issuer),
		jwt.WithAudience(s.jwtConfig.Audience),
	)
	if err != nil || !token.Valid {
		return nil, errors.New("invalid or expired token")
	}

	return &gatewaytypes.Principal{
		ID:       claims.UserID,
		Role:     claims.Role,
		AuthKind: gatewaytypes.AuthKindJWT,
	}, nil
}

// VerifyAPIKey validates a minimum-length API key against the salted
// hash set loaded at construction.
func (s *Store) VerifyAPIKey(key string) (*gatewaytypes.Principal, error) {
	if len(key) < s.minKeyLen {
		return nil, errors.New("api key too short")
	}
	if _, ok := s.apiKeys[hashAPIKey(key)]; !ok {
		return nil, errors.New("unknown api key")
	}
	return &gatewaytypes.Principal{
		ID:       key[:min(8, len(key))],
		Role:     "api-key",
		AuthKind: gatewaytypes.AuthKindAPIKey,
	}, nil
}

// IssueToken mints a short-lived bearer token for a principal. Only the
// tests call it; the gateway itself serves no token-issuing endpoint.
func (s *Store) IssueToken(userID, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.jwtConfig.Issuer,
			Audience:  jwt.ClaimStrings{s.jwtConfig.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.jwtConfig.Secret))
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
