package identity

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTokenTTL is used by IssueToken when no TTL is configured.
const DefaultTokenTTL = 15 * time.Minute

// Authenticator resolves the identity of an incoming hub request.
type Authenticator interface {
	Authenticate(r *http.Request) (Identity, error)
}

// Claims is the fixed claim set issued by the HR application's auth service.
type Claims struct {
	UserID         string `json:"uid"`
	EmployeeID     string `json:"employee_id,omitempty"`
	BranchID       string `json:"branch_id,omitempty"`
	OrganizationID string `json:"organization_id,omitempty"`
	Role           string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// JWTConfig bundles the settings for a JWTAuthenticator.
type JWTConfig struct {
	Secret   string
	Issuer   string
	TokenTTL time.Duration
	Clock    func() time.Time
}

// JWTAuthenticator validates HS256 bearer tokens.
type JWTAuthenticator struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewJWTAuthenticator requires a non-empty secret.
func NewJWTAuthenticator(cfg JWTConfig) (*JWTAuthenticator, error) {
	if cfg.Secret == "" {
		return nil, errors.New("jwt: secret must be provided")
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	now := time.Now
	if cfg.Clock != nil {
		now = cfg.Clock
	}
	return &JWTAuthenticator{
		secret: []byte(cfg.Secret),
		issuer: cfg.Issuer,
		ttl:    ttl,
		now:    now,
	}, nil
}

// Authenticate reads the token from the access_token query parameter (browsers
// cannot set headers on websocket upgrades) or the Authorization header.
func (a *JWTAuthenticator) Authenticate(r *http.Request) (Identity, error) {
	token := strings.TrimSpace(r.URL.Query().Get("access_token"))
	if token == "" {
		authz := r.Header.Get("Authorization")
		if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			token = strings.TrimSpace(authz[7:])
		}
	}
	if token == "" {
		return Identity{}, errors.New("jwt: missing bearer token")
	}
	return a.Parse(token)
}

// Parse validates the token signature and lifetime and maps its claims.
// Missing mandatory claims are not checked here; see Identity.Validate.
func (a *JWTAuthenticator) Parse(tokenString string) (Identity, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	var claims Claims
	_, err := jwt.NewParser(opts...).ParseWithClaims(tokenString, &claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("jwt: parse token: %w", err)
	}

	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	return Identity{
		UserID:         userID,
		EmployeeID:     claims.EmployeeID,
		BranchID:       claims.BranchID,
		OrganizationID: claims.OrganizationID,
		Role:           claims.Role,
	}, nil
}

// IssueToken signs a token for id. Used by tooling and tests; production
// tokens come from the HR application's auth service.
func (a *JWTAuthenticator) IssueToken(id Identity) (string, error) {
	now := a.now()
	claims := &Claims{
		UserID:         id.UserID,
		EmployeeID:     id.EmployeeID,
		BranchID:       id.BranchID,
		OrganizationID: id.OrganizationID,
		Role:           id.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("jwt: sign token: %w", err)
	}
	return signed, nil
}
