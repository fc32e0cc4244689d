// Package security implements the external-surface gates:
// bearer token verification, static API key verification, and the
// public-path matcher that lets liveness/readiness probes skip both.
package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/arcane-ops/sentryrun/internal/kerrors"
)

// Role is the closed set of bearer-token roles this package recognizes.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
	RoleViewer   Role = "viewer"
)

func validRole(r Role) bool {
	return r == RoleAdmin || r == RoleOperator || r == RoleViewer
}

// Claims is the verified identity a successful bearer check produces.
type Claims struct {
	Subject string
	Role    Role
	Issuer  string
}

type jwtClaims struct {
	Role Role `json:"role"`
	jwt.RegisteredClaims
}

// Config configures a Verifier.
type Config struct {
	JWTSecret   []byte
	Issuer      string
	APIKey      string
	APIKeySalt  []byte
	PublicPaths []string
}

// Verifier is the composed gate wrapping both authentication mechanisms
// plus the public-path allowlist.
type Verifier struct {
	jwtSecret      []byte
	issuer         string
	apiKeyDigest   []byte
	apiKeySalt     []byte
	publicExact    map[string]struct{}
	publicPrefixes []string
}

// New builds a Verifier from cfg.
func New(cfg Config) *Verifier {
	v := &Verifier{
		jwtSecret:   cfg.JWTSecret,
		issuer:      cfg.Issuer,
		apiKeySalt:  cfg.APIKeySalt,
		publicExact: make(map[string]struct{}),
	}
	if cfg.APIKey != "" {
		v.apiKeyDigest = v.digest(cfg.APIKey)
	}
	for _, p := range cfg.PublicPaths {
		if strings.HasSuffix(p, "*") {
			v.publicPrefixes = append(v.publicPrefixes, strings.TrimSuffix(p, "*"))
		} else {
			v.publicExact[p] = struct{}{}
		}
	}
	return v
}

// IsPublic reports whether path matches the public allowlist exactly or
// via a "*"-suffixed prefix pattern.
func (v *Verifier) IsPublic(path string) bool {
	if _, ok := v.publicExact[path]; ok {
		return true
	}
	for _, prefix := range v.publicPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// VerifyBearer parses and validates an HMAC-signed bearer token: signature,
// issuer, required subject/role claims, and role closed-set membership.
func (v *Verifier) VerifyBearer(token string) (Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &jwtClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.jwtSecret, nil
	})
	if err != nil {
		return Claims{}, kerrors.NewSecurityError("verify_bearer", err.Error())
	}
	claims, ok := parsed.Claims.(*jwtClaims)
	if !ok || !parsed.Valid {
		return Claims{}, kerrors.NewSecurityError("verify_bearer", "invalid token")
	}
	if claims.Subject == "" {
		return Claims{}, kerrors.NewSecurityError("verify_bearer", "missing subject claim")
	}
	if !validRole(claims.Role) {
		return Claims{}, kerrors.NewSecurityError("verify_bearer", fmt.Sprintf("invalid role claim %q", claims.Role))
	}
	if claims.Issuer != v.issuer {
		return Claims{}, kerrors.NewSecurityError("verify_bearer", fmt.Sprintf("issuer mismatch: got %q", claims.Issuer))
	}
	return Claims{Subject: claims.Subject, Role: claims.Role, Issuer: claims.Issuer}, nil
}

// VerifyAPIKey reports whether key matches the configured API key, via
// constant-time comparison of both strings' HMAC digests under a fixed
// salt (this avoids ever comparing raw secret bytes).
func (v *Verifier) VerifyAPIKey(key string) bool {
	if len(v.apiKeyDigest) == 0 || key == "" {
		return false
	}
	return hmac.Equal(v.digest(key), v.apiKeyDigest)
}

func (v *Verifier) digest(s string) []byte {
	mac := hmac.New(sha256.New, v.apiKeySalt)
	mac.Write([]byte(s))
	return mac.Sum(nil)
}

// Authenticate is the combined gate checks: public paths
// skip verification; otherwise either a valid bearer token or a valid API
// key authenticates the request.
func (v *Verifier) Authenticate(path, bearerToken, apiKey string) (Claims, bool) {
	if v.IsPublic(path) {
		return Claims{}, true
	}
	if bearerToken != "" {
		if claims, err := v.VerifyBearer(bearerToken); err == nil {
			return claims, true
		}
	}
	if v.VerifyAPIKey(apiKey) {
		return Claims{}, true
	}
	return Claims{}, false
}

// NewSignedToken mints an HMAC-signed token for subject with role, expiring
// after ttl.
func (v *Verifier) NewSignedToken(subject string, role Role, ttl time.Duration) (string, error) {
	claims := jwtClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    v.issuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.jwtSecret)
}
