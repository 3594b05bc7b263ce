// Package auth issues gateway tokens. A login is registered the first time it
// is used; later logins must present the same password.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"fulfillment/internal/store"
	"fulfillment/internal/utils"
	"fulfillment/pkg/log"
)

const (
	maxLoginAttempts = 5
	attemptsWindow   = 30 * time.Minute
	fieldHash        = "hash"
	fieldCreatedAt   = "created_at"
)

var (
	ErrInvalidCredentials = errors.New("login or password incorrect")
	ErrTooManyAttempts    = errors.New("login failed too many times, try again later")
	ErrTokenRevoked       = errors.New("token revoked")
)

// LoginRequest login request
type LoginRequest struct {
	Login    string `json:"login" binding:"required,min=3,max=64,keysafe"`
	Password string `json:"password" binding:"required,min=6,max=72"`
}

// TokenResponse token response
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
	UserID      string `json:"user_id"`
	Registered  bool   `json:"registered"`
}

// AuthService authentication service interface
type AuthService interface {
	// Login registers or checks the login and issues a token.
	Login(ctx context.Context, req *LoginRequest) (*TokenResponse, error)

	// Logout revokes a token until it expires.
	Logout(ctx context.Context, token string) error

	// ValidateToken checks a token and its revocation.
	ValidateToken(ctx context.Context, token string) (*utils.JWTClaims, error)
}

type authService struct {
	store  *store.Store
	jwt    *utils.JWTManager
	admins map[string]struct{}
	cost   int
}

// Option configures the auth service.
type Option func(*authService)

// WithHashCost sets the bcrypt cost of new registrations.
func WithHashCost(cost int) Option {
	return func(s *authService) {
		s.cost = cost
	}
}

// NewAuthService creates an authentication service. Logins listed in admins
// get the admin role.
func NewAuthService(s *store.Store, jwtManager *utils.JWTManager, admins []string, opts ...Option) AuthService {
	svc := &authService{
		store:  s,
		jwt:    jwtManager,
		admins: make(map[string]struct{}, len(admins)),
		cost:   bcrypt.DefaultCost,
	}
	for _, a := range admins {
		svc.admins[a] = struct{}{}
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

func loginKey(login string) string {
	return "auth:login:" + login
}

func attemptsKey(login string) string {
	return "auth:login_attempts:" + login
}

func revokedKey(token string) string {
	return "auth:blacklist:" + token
}

// Login logs in, registering the login on first use.
func (s *authService) Login(ctx context.Context, req *LoginRequest) (*TokenResponse, error) {
	logger := log.WithField("login", req.Login)

	if err := s.checkLoginAttempts(ctx, req.Login); err != nil {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	// HSETNX makes the first concurrent login the registration
	client := s.store.Client()
	registered, err := client.HSetNX(ctx, loginKey(req.Login), fieldHash, string(hash)).Result()
	if err != nil {
		return nil, fmt.Errorf("register %s: %w", req.Login, err)
	}

	if registered {
		client.HSet(ctx, loginKey(req.Login), fieldCreatedAt, time.Now().Unix())
		logger.Info("Login registered")
	} else {
		stored, err := s.store.GetField(ctx, loginKey(req.Login), fieldHash)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", req.Login, err)
		}
		if bcrypt.CompareHashAndPassword([]byte(stored), []byte(req.Password)) != nil {
			s.recordLoginFailure(ctx, req.Login)
			logger.Warn("Password mismatch")
			return nil, ErrInvalidCredentials
		}
	}

	role := utils.RoleUser
	if _, ok := s.admins[req.Login]; ok {
		role = utils.RoleAdmin
	}
	token, err := s.jwt.GenerateToken(req.Login, role)
	if err != nil {
		return nil, fmt.Errorf("generate token: %w", err)
	}

	s.clearLoginFailures(ctx, req.Login)
	logger.WithField("role", role).Info("Login succeeded")

	return &TokenResponse{
		AccessToken: token,
		ExpiresIn:   int64(s.jwt.Expire().Seconds()),
		TokenType:   "Bearer",
		UserID:      req.Login,
		Registered:  registered,
	}, nil
}

// Logout adds the token to the blacklist for the rest of its lifetime.
func (s *authService) Logout(ctx context.Context, token string) error {
	claims, err := s.jwt.ValidateToken(token)
	if err != nil {
		return err
	}
	ttl := time.Until(claims.ExpiresAt.Time)
	if ttl <= 0 {
		return nil
	}
	if err := s.store.Client().Set(ctx, revokedKey(token), "1", ttl).Err(); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	log.WithField("user_id", claims.UserID).Info("Logged out")
	return nil
}

func (s *authService) ValidateToken(ctx context.Context, token string) (*utils.JWTClaims, error) {
	claims, err := s.jwt.ValidateToken(token)
	if err != nil {
		return nil, err
	}
	revoked, err := s.store.Client().Exists(ctx, revokedKey(token)).Result()
	if err != nil {
		return nil, fmt.Errorf("check revocation: %w", err)
	}
	if revoked > 0 {
		return nil, ErrTokenRevoked
	}
	return claims, nil
}

func (s *authService) checkLoginAttempts(ctx context.Context, login string) error {
	attempts, err := s.store.Client().Get(ctx, attemptsKey(login)).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("read login attempts: %w", err)
	}
	if attempts >= maxLoginAttempts {
		return ErrTooManyAttempts
	}
	return nil
}

func (s *authService) recordLoginFailure(ctx context.Context, login string) {
	_, err := s.store.TxPipeline(ctx, func(p redis.Pipeliner) error {
		p.Incr(ctx, attemptsKey(login))
		p.Expire(ctx, attemptsKey(login), attemptsWindow)
		return nil
	})
	if err != nil {
		log.WithError(err).WithField("login", login).Warn("Failed to record login failure")
	}
}

func (s *authService) clearLoginFailures(ctx context.Context, login string) {
	s.store.Client().Del(ctx, attemptsKey(login))
}
