// Package auth resolves the caller identity that owns analyses: signed
// bearer tokens for accounts and an opaque header for guests.
package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the identity carried by a bearer token.
type Claims struct {
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

var (
	ErrMissingSecret = errors.New("JWT_SECRET is required in production")
	ErrInvalidToken  = errors.New("invalid token")
	ErrInvalidGuest  = errors.New("invalid guest id")
)

const (
	devSecret     = "dev-secret"
	tokenTTL      = 24 * time.Hour
	maxGuestIDLen = 64
	guestPrefix   = "guest:"
)

// Issuer signs and verifies HS256 tokens.
type Issuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer builds an Issuer. Outside production a blank secret falls back
// to a fixed development key.
func NewIssuer(secret, issuer string, production bool) (*Issuer, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		if production {
			return nil, ErrMissingSecret
		}
		secret = devSecret
	}
	return &Issuer{
		secret: []byte(secret),
		issuer: strings.TrimSpace(issuer),
		ttl:    tokenTTL,
		now:    time.Now,
	}, nil
}

// Sign issues a token for subject.
func (i *Issuer) Sign(subject, email, name string) (string, error) {
	if strings.TrimSpace(subject) == "" {
		return "", errors.New("subject is required")
	}
	now := i.now().UTC()
	claims := Claims{
		Email: email,
		Name:  name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}

// Verify checks signature, expiry and issuer, and returns the claims.
func (i *Issuer) Verify(token string) (Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(i.now),
		jwt.WithExpirationRequired(),
	}
	if i.issuer != "" {
		opts = append(opts, jwt.WithIssuer(i.issuer))
	}
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return i.secret, nil
	}, opts...)
	if err != nil || !parsed.Valid || claims.Subject == "" {
		return Claims{}, ErrInvalidToken
	}
	return claims, nil
}

// GuestOwner turns an X-Guest-Id value into an owner ID. Guest IDs are
// generated by the client, so only short printable tokens are accepted.
func GuestOwner(raw string) (string, error) {
	id := strings.TrimSpace(raw)
	if id == "" || len(id) > maxGuestIDLen {
		return "", ErrInvalidGuest
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return "", ErrInvalidGuest
		}
	}
	return guestPrefix + id, nil
}

// IsGuestOwner reports whether ownerID came from GuestOwner.
func IsGuestOwner(ownerID string) bool {
	return strings.HasPrefix(ownerID, guestPrefix)
}
