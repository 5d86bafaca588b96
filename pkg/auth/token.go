package auth

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"
)

var (
	// ErrValidatorNotConfigured is returned when a token is presented but no
	// secret is configured.
	ErrValidatorNotConfigured = errors.New("auth: token validation not configured (fail-closed)")
	// ErrInvalidToken wraps every token rejection.
	ErrInvalidToken = errors.New("auth: invalid token")
)

// ActorClaims are the JWT claims identifying an auditor.
type ActorClaims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles,omitempty"`
}

// TokenValidator validates HS256 actor tokens.
type TokenValidator struct {
	secret []byte
	issuer string
}

// NewTokenValidator returns nil when secret is empty, which makes Validate fail closed.
// The HMAC key is derived from secret and issuer with HKDF-SHA256, so one
// shared secret yields distinct keys per issuer.
func NewTokenValidator(secret, issuer string) *TokenValidator {
	if secret == "" {
		return nil
	}
	return &TokenValidator{secret: deriveKey(secret, issuer), issuer: issuer}
}

func deriveKey(secret, issuer string) []byte {
	key := make([]byte, sha256.Size)
	r := hkdf.New(sha256.New, []byte(secret), []byte("fundaudit-actor-token"), []byte(issuer))
	if _, err := io.ReadFull(r, key); err != nil {
		// HKDF-SHA256 only fails past 255*32 bytes of output.
		panic(fmt.Sprintf("auth: hkdf: %v", err))
	}
	return key
}

func (v *TokenValidator) keyFunc(t *jwt.Token) (any, error) {
	if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
	}
	return v.secret, nil
}

// Validate parses tokenStr and returns the principal it names.
func (v *TokenValidator) Validate(tokenStr string) (Principal, error) {
	if v == nil {
		return nil, ErrValidatorNotConfigured
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	claims := &ActorClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, v.keyFunc, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: subject is required", ErrInvalidToken)
	}
	return &BasePrincipal{ID: claims.Subject, Roles: claims.Roles}, nil
}

// Issue signs a token for subject valid for ttl.
func (v *TokenValidator) Issue(subject string, roles []string, ttl time.Duration, now time.Time) (string, error) {
	if v == nil {
		return "", ErrValidatorNotConfigured
	}
	claims := ActorClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Roles: roles,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
