package auth

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("missing-token")
	ErrInvalidToken = errors.New("invalid-token")
	ErrExpiredToken = errors.New("expired-token")
)

// Role of an authenticated principal.
type Role string

const (
	RoleStudent  Role = "student"
	RoleObserver Role = "observer"
)

// Permission grants an observer a specific intervention capability.
type Permission string

const (
	PermMonitor        Permission = "monitor"
	PermIntervene      Permission = "intervene"
	PermTerminate      Permission = "terminate"
	PermScreenshot     Permission = "screenshot"
	PermBulk           Permission = "bulk"
	PermManageSettings Permission = "manage-settings"
)

// Identity carries the facts attached to a connection after a successful
// gate pass. It is immutable for the lifetime of the connection.
type Identity struct {
	Subject     string
	Role        Role
	Permissions map[Permission]bool
}

// Has reports whether the identity holds the given permission. Students
// never hold permissions.
func (id *Identity) Has(p Permission) bool {
	return id.Role == RoleObserver && id.Permissions[p]
}

// Claims are the expected bearer token contents.
type Claims struct {
	Role        string   `json:"role"`
	Permissions []string `json:"permissions,omitempty"`
	jwt.RegisteredClaims
}

// Gate validates bearer credentials at connection-establishment time.
// It supports HS256 (shared secret) and RS256 (public key) verification,
// matching how the upstream LMS plugin signs its tokens.
type Gate struct {
	secret    []byte
	publicKey *rsa.PublicKey
	issuer    string
}

// GateConfig configures the credential gate. Exactly one of Secret and
// PublicKeyPEM must be provided.
type GateConfig struct {
	Secret       string
	PublicKeyPEM string
	Issuer       string
}

// NewGate creates a credential gate.
func NewGate(cfg GateConfig) (*Gate, error) {
	g := &Gate{issuer: cfg.Issuer}
	switch {
	case cfg.Secret != "":
		g.secret = []byte(cfg.Secret)
	case cfg.PublicKeyPEM != "":
		pub, err := parsePublicKey(cfg.PublicKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("failed to parse public key: %w", err)
		}
		g.publicKey = pub
	default:
		return nil, errors.New("auth: gate requires a secret or a public key")
	}
	return g, nil
}

// Verify checks signature, expiry, and claims shape, returning the
// attached identity. Failures map onto the typed refusal reasons.
func (g *Gate) Verify(tokenString string) (*Identity, error) {
	if tokenString == "" {
		return nil, ErrMissingToken
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		switch token.Method.(type) {
		case *jwt.SigningMethodHMAC:
			if g.secret == nil {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return g.secret, nil
		case *jwt.SigningMethodRSA:
			if g.publicKey == nil {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return g.publicKey, nil
		default:
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if g.issuer != "" && claims.Issuer != g.issuer {
		return nil, fmt.Errorf("%w: issuer mismatch", ErrInvalidToken)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	role := Role(claims.Role)
	if role != RoleStudent && role != RoleObserver {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, claims.Role)
	}

	perms := make(map[Permission]bool, len(claims.Permissions))
	if role == RoleObserver {
		for _, p := range claims.Permissions {
			perms[Permission(p)] = true
		}
	}

	return &Identity{
		Subject:     claims.Subject,
		Role:        role,
		Permissions: perms,
	}, nil
}

// FromRequest extracts a bearer token from the handshake request. Query
// fallback exists because browsers cannot set headers on websocket
// upgrades.
func FromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return parts[1]
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// Reason maps a gate error to its wire-level refusal reason.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrMissingToken):
		return "missing-token"
	case errors.Is(err, ErrExpiredToken):
		return "expired-token"
	default:
		return "invalid-token"
	}
}

func parsePublicKey(pemStr string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, errors.New("failed to parse PEM block")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("not an RSA public key")
	}
	return rsaPub, nil
}

// Signer issues HS256 tokens. The production issuer lives LMS-side; this
// exists for local tooling and tests.
type Signer struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

// NewSigner creates an HS256 token signer.
func NewSigner(secret, issuer string, ttl time.Duration) *Signer {
	if ttl == 0 {
		ttl = 15 * time.Minute
	}
	return &Signer{secret: []byte(secret), issuer: issuer, ttl: ttl}
}

// Sign issues a token for the given subject, role, and permissions.
func (s *Signer) Sign(subject string, role Role, permissions []Permission) (string, error) {
	now := time.Now()
	perms := make([]string, len(permissions))
	for i, p := range permissions {
		perms[i] = string(p)
	}
	claims := Claims{
		Role:        string(role),
		Permissions: perms,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}
