// Package service contains the blob-store server's application services.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"

	pkgcrypto "github.com/and161185/dayplan/internal/crypto"
	"github.com/and161185/dayplan/internal/errs"
	"github.com/and161185/dayplan/internal/limiter"
	"github.com/and161185/dayplan/internal/model"
	"github.com/and161185/dayplan/internal/repository"
)

// AuthService registers accounts and issues access tokens.
type AuthService interface {
	// Register creates a new user.
	Register(ctx context.Context, username, password string) (userID string, err error)
	// Login applies rate limiting per (username, addr) and issues an access token.
	Login(ctx context.Context, username, password, addr string) (model.Tokens, model.User, error)
	// Verify checks an access token and returns its subject.
	Verify(token string) (uuid.UUID, error)
}

type AuthServiceImpl struct {
	users     repository.UserRepository
	signKey   []byte
	accessTTL time.Duration
	lim       limiter.Limiter
	now       func() time.Time
}

// NewAuthService constructs AuthService with required dependencies.
func NewAuthService(users repository.UserRepository, signKey []byte, accessTTL time.Duration, lim limiter.Limiter) *AuthServiceImpl {
	return &AuthServiceImpl{users: users, signKey: signKey, accessTTL: accessTTL, lim: lim, now: time.Now}
}

// Register creates a user record with an argon2id password hash.
func (s *AuthServiceImpl) Register(ctx context.Context, username, password string) (string, error) {
	if username == "" || password == "" {
		return "", fmt.Errorf("%w: empty username/password", errs.ErrInvalidArgument)
	}
	uid, err := uuid.NewV4()
	if err != nil {
		return "", err
	}
	hash, err := pkgcrypto.HashPassword(password)
	if err != nil {
		return "", err
	}
	if err := s.users.Create(ctx, &model.User{ID: uid, Username: username, PwdHash: hash}); err != nil {
		return "", err
	}
	return uid.String(), nil
}

// Login authenticates a user. Unknown users and wrong passwords look the same.
func (s *AuthServiceImpl) Login(ctx context.Context, username, password, addr string) (model.Tokens, model.User, error) {
	key := limiter.KeyFor(username, addr)
	if _, err := s.lim.Check(ctx, key); err != nil {
		return model.Tokens{}, model.User{}, err
	}

	u, err := s.users.GetByUsername(ctx, username)
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		return model.Tokens{}, model.User{}, err
	}
	ok := false
	if u != nil {
		ok, err = pkgcrypto.VerifyPassword(password, u.PwdHash)
		if err != nil {
			return model.Tokens{}, model.User{}, err
		}
	}
	if !ok {
		if locked, ferr := s.lim.Failure(ctx, key); ferr == nil && locked {
			return model.Tokens{}, model.User{}, errs.ErrRateLimited
		}
		return model.Tokens{}, model.User{}, errs.ErrUnauthorized
	}

	_ = s.lim.Reset(ctx, key)

	access, exp, err := s.issueAccessToken(u.ID)
	if err != nil {
		return model.Tokens{}, model.User{}, err
	}
	return model.Tokens{AccessToken: access, ExpiresAt: exp}, *u, nil
}

// issueAccessToken creates a signed HS256 JWT for the given subject.
func (s *AuthServiceImpl) issueAccessToken(userID uuid.UUID) (string, time.Time, error) {
	now := s.now()
	exp := now.Add(s.accessTTL)
	claims := jwt.RegisteredClaims{
		Subject:   userID.String(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signKey)
	return signed, exp, err
}

// Verify parses an HS256 token and returns its subject as a user id.
func (s *AuthServiceImpl) Verify(token string) (uuid.UUID, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return s.signKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(30*time.Second),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", errs.ErrUnauthorized, err)
	}
	id, err := uuid.FromString(claims.Subject)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: bad subject", errs.ErrUnauthorized)
	}
	return id, nil
}
