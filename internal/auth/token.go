package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	// ErrInvalidToken covers malformed, expired, wrongly signed and revoked tokens.
	ErrInvalidToken = errors.New("invalid or expired token")
	// ErrForbidden is returned when an authenticated caller lacks the required role.
	ErrForbidden = errors.New("forbidden")
)

// Claims is the payload carried by access tokens.
type Claims struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies HS256 access tokens.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	name   string
	now    func() time.Time
}

func NewIssuer(secret string, ttl time.Duration, name string) (*Issuer, error) {
	if secret == "" {
		return nil, errors.New("jwt secret must not be empty")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Issuer{secret: []byte(secret), ttl: ttl, name: name, now: time.Now}, nil
}

// Issue creates a signed token for the user. Each token gets a fresh id so it
// can be revoked on its own.
func (i *Issuer) Issue(userID, role string) (string, *Claims, error) {
	now := i.now()
	claims := &Claims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   userID,
			Issuer:    i.name,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", nil, fmt.Errorf("sign token: %w", err)
	}
	return signed, claims, nil
}

// Verify checks signature, algorithm, issuer and expiry.
func (i *Issuer) Verify(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(i.now),
		jwt.WithExpirationRequired(),
	}
	if i.name != "" {
		opts = append(opts, jwt.WithIssuer(i.name))
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return i.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" || claims.ID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Identity is the authenticated caller attached to a request.
type Identity struct {
	UserID    string
	Role      string
	TokenID   string
	ExpiresAt time.Time
}

// TokenStore is the slice of the store consulted on every request.
type TokenStore interface {
	IsTokenRevoked(ctx context.Context, jti string) (bool, error)
	UserExists(ctx context.Context, id string) (bool, error)
}

// Authenticator verifies tokens and rejects the ones revoked by logout or
// belonging to a deleted account.
type Authenticator struct {
	issuer *Issuer
	store  TokenStore
}

func NewAuthenticator(issuer *Issuer, store TokenStore) *Authenticator {
	return &Authenticator{issuer: issuer, store: store}
}

func (a *Authenticator) Authenticate(ctx context.Context, token string) (Identity, error) {
	claims, err := a.issuer.Verify(token)
	if err != nil {
		return Identity{}, err
	}
	if a.store != nil {
		revoked, err := a.store.IsTokenRevoked(ctx, claims.ID)
		if err != nil {
			return Identity{}, fmt.Errorf("check revocation: %w", err)
		}
		if revoked {
			return Identity{}, fmt.Errorf("%w: token revoked", ErrInvalidToken)
		}
		exists, err := a.store.UserExists(ctx, claims.UserID)
		if err != nil {
			return Identity{}, fmt.Errorf("check account: %w", err)
		}
		if !exists {
			return Identity{}, fmt.Errorf("%w: account no longer exists", ErrInvalidToken)
		}
	}
	return Identity{
		UserID:    claims.UserID,
		Role:      claims.Role,
		TokenID:   claims.ID,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}
