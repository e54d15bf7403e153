package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gbrlsnchs/jwt/v3"

	"github.com/karthikraju391/go-nats-dm-relay/models"
	"github.com/karthikraju391/go-nats-dm-relay/store"
)

var (
	ErrMissingToken = errors.New("token not provided")
	ErrInvalidToken = errors.New("user not authenticated")
)

// Claims is the session token payload. ID mirrors the subject for tokens
// issued by the account service, which only sets "id".
type Claims struct {
	jwt.Payload
	ID string `json:"id,omitempty"`
}

func (c *Claims) userID() string {
	if c.Subject != "" {
		return c.Subject
	}
	return c.ID
}

// UserGetter is the part of the user collection the resolver reads.
type UserGetter interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
}

// Resolver turns a session token into the user it was issued for.
type Resolver struct {
	alg   *jwt.HMACSHA
	users UserGetter
	now   func() time.Time
}

func NewResolver(secret string, users UserGetter) *Resolver {
	return &Resolver{
		alg:   jwt.NewHS256([]byte(secret)),
		users: users,
		now:   time.Now,
	}
}

// Resolve verifies token and loads its user. Any failure other than a store
// error is reported as ErrMissingToken or ErrInvalidToken.
func (r *Resolver) Resolve(ctx context.Context, token string) (*models.User, error) {
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))
	if token == "" {
		return nil, ErrMissingToken
	}

	var claims Claims
	validate := jwt.ValidatePayload(&claims.Payload, jwt.ExpirationTimeValidator(r.now()))
	if _, err := jwt.Verify([]byte(token), r.alg, &claims, validate); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	userID := claims.userID()
	if userID == "" {
		return nil, fmt.Errorf("%w: token has no subject", ErrInvalidToken)
	}

	user, err := r.users.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown user %s", ErrInvalidToken, userID)
		}
		return nil, fmt.Errorf("load user %s: %w", userID, err)
	}
	return user, nil
}

// Issue signs a token for userID valid for ttl. Account login owns token
// issuance in production; this exists for seeding and tests.
func (r *Resolver) Issue(userID string, ttl time.Duration) (string, error) {
	now := r.now()
	claims := Claims{
		Payload: jwt.Payload{
			Subject:        userID,
			IssuedAt:       jwt.NumericDate(now),
			ExpirationTime: jwt.NumericDate(now.Add(ttl)),
		},
		ID: userID,
	}
	token, err := jwt.Sign(claims, r.alg)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return string(token), nil
}
