package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/hilthontt/ephemera/internal/domain"
)

const DefaultTokenTTL = time.Hour

type Claims struct {
	UserID string      `json:"userId"`
	Name   string      `json:"name"`
	RoomID string      `json:"roomId,omitempty"`
	Role   domain.Role `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// TokenService mints and verifies HS256 identity tokens.
type TokenService struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTokenService(secret string, ttl time.Duration) (*TokenService, error) {
	if secret == "" {
		return nil, fmt.Errorf("jwt secret cannot be empty")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenService{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// WithClock is used by tests to pin token times.
func (s *TokenService) WithClock(now func() time.Time) *TokenService {
	cpy := *s
	cpy.now = now
	return &cpy
}

func (s *TokenService) Mint(id domain.Identity) (string, error) {
	now := s.now()
	claims := Claims{
		UserID: id.UserID,
		Name:   id.Name,
		RoomID: id.RoomID,
		Role:   id.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   id.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return token, nil
}

func (s *TokenService) Verify(raw string) (domain.Identity, error) {
	if raw == "" {
		return domain.Identity{}, domain.ErrInvalidToken
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return domain.Identity{}, domain.ErrTokenExpired
	case err != nil:
		return domain.Identity{}, fmt.Errorf("%w: %v", domain.ErrInvalidToken, err)
	case claims.UserID == "":
		return domain.Identity{}, fmt.Errorf("%w: missing userId", domain.ErrInvalidToken)
	}

	return domain.Identity{
		UserID: claims.UserID,
		Name:   claims.Name,
		RoomID: claims.RoomID,
		Role:   claims.Role,
	}, nil
}

// Refresh verifies raw and mints a fresh token for the same identity.
func (s *TokenService) Refresh(raw string) (string, domain.Identity, error) {
	id, err := s.Verify(raw)
	if err != nil {
		return "", domain.Identity{}, err
	}
	token, err := s.Mint(id)
	if err != nil {
		return "", domain.Identity{}, err
	}
	return token, id, nil
}
