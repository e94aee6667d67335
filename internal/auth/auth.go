// Package auth resolves a bearer credential into an identity. Token issuance belongs to the
// account service; Issuer exists for tooling and tests.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc/metadata"

	"github.com/and161185/inkwell/internal/errs"
	"github.com/and161185/inkwell/internal/model"
)

const leeway = 30 * time.Second

// Verifier checks HS256 bearer tokens.
type Verifier struct {
	key []byte
}

// NewVerifier constructs a Verifier for the given signing key.
func NewVerifier(key []byte) *Verifier { return &Verifier{key: key} }

// Verify checks signature and time claims and returns the subject as a user id.
func (v *Verifier) Verify(token string) (uuid.UUID, error) {
	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return v.key, nil
	}, jwt.WithLeeway(leeway))
	if err != nil || !parsed.Valid {
		return uuid.Nil, fmt.Errorf("invalid token: %w", errs.ErrUnauthorized)
	}
	if claims.ExpiresAt == nil {
		return uuid.Nil, fmt.Errorf("token without expiry: %w", errs.ErrUnauthorized)
	}

	id, err := uuid.FromString(claims.Subject)
	if err != nil || id == uuid.Nil {
		return uuid.Nil, fmt.Errorf("bad subject: %w", errs.ErrUnauthorized)
	}
	return id, nil
}

// Users is the slice of the identity store the authenticator needs.
type Users interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.User, error)
}

// Authenticator verifies a token and resolves the backing user record.
type Authenticator struct {
	verifier *Verifier
	users    Users
}

// NewAuthenticator wires a verifier to the identity store.
func NewAuthenticator(v *Verifier, users Users) *Authenticator {
	return &Authenticator{verifier: v, users: users}
}

// Authenticate returns the user behind token. Any failure is ErrUnauthorized,
// except context cancellation which is passed through.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (*model.User, error) {
	id, err := a.verifier.Verify(token)
	if err != nil {
		return nil, err
	}
	u, err := a.users.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("unknown user: %w", errs.ErrUnauthorized)
	}
	return u, nil
}

// Issuer signs HS256 tokens.
type Issuer struct {
	key []byte
	now func() time.Time
}

// NewIssuer constructs an Issuer.
func NewIssuer(key []byte) *Issuer { return &Issuer{key: key, now: time.Now} }

// Issue creates a signed token for userID valid for ttl.
func (i *Issuer) Issue(userID uuid.UUID, ttl time.Duration) (string, time.Time, error) {
	now := i.now()
	exp := now.Add(ttl)
	claims := jwt.RegisteredClaims{
		Subject:   userID.String(),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.key)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// ErrNoBearer is returned when no bearer credential is present.
var ErrNoBearer = fmt.Errorf("no bearer token: %w", errs.ErrUnauthorized)

// BearerFromHeader extracts the token from an "Authorization: Bearer <t>" value.
func BearerFromHeader(v string) (string, error) {
	v = strings.TrimSpace(v)
	if len(v) >= 7 && strings.EqualFold(v[:7], "bearer ") {
		if t := strings.TrimSpace(v[7:]); t != "" {
			return t, nil
		}
	}
	return "", ErrNoBearer
}

// BearerFromMD extracts the token from incoming gRPC metadata.
func BearerFromMD(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", ErrNoBearer
	}
	for _, v := range md.Get("authorization") {
		if t, err := BearerFromHeader(v); err == nil {
			return t, nil
		}
	}
	return "", ErrNoBearer
}

type ctxKey struct{}

// WithUserID stores the authenticated user id in ctx.
func WithUserID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// UserIDFromCtx fetches the user id stored by WithUserID.
func UserIDFromCtx(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(ctxKey{}).(uuid.UUID)
	if !ok {
		return uuid.Nil, false
	}
	return id, true
}
