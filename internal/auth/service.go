// Package auth registers accounts, checks passwords and issues the signed,
// expiring bearer tokens that scope every sync request to one account.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/ent0n29/memsync/internal/apperr"
)

const DefaultTokenTTL = 24 * time.Hour

// Claims is the token payload: the account id and an absolute expiry.
type Claims struct {
	UserID int64 `json:"user_id"`
	jwt.RegisteredClaims
}

// Token is an issued bearer token.
type Token struct {
	Value     string
	UserID    int64
	ExpiresAt time.Time
}

// ServiceConfig configures a Service. Zero values fall back to defaults.
type ServiceConfig struct {
	Secret     []byte
	TokenTTL   time.Duration
	BcryptCost int
	Now        func() time.Time
}

type Service struct {
	store  Store
	secret []byte
	ttl    time.Duration
	cost   int
	now    func() time.Time

	// dummyHash keeps login timing similar for unknown usernames.
	dummyHash []byte
}

func NewService(store Store, cfg ServiceConfig) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("auth service requires a store")
	}
	if len(cfg.Secret) == 0 {
		return nil, fmt.Errorf("auth service requires a signing secret")
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = DefaultTokenTTL
	}
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}
	if cfg.BcryptCost < bcrypt.MinCost || cfg.BcryptCost > bcrypt.MaxCost {
		return nil, fmt.Errorf("bcrypt cost %d out of range", cfg.BcryptCost)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	dummy, err := bcrypt.GenerateFromPassword([]byte("memsync-dummy-password"), cfg.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("prepare dummy hash: %w", err)
	}
	return &Service{
		store:     store,
		secret:    append([]byte(nil), cfg.Secret...),
		ttl:       cfg.TokenTTL,
		cost:      cfg.BcryptCost,
		now:       cfg.Now,
		dummyHash: dummy,
	}, nil
}

// Register creates an account and returns its id.
func (s *Service) Register(ctx context.Context, username, password string) (int64, error) {
	const op = "register"
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return 0, apperr.New(apperr.KindValidation, op, "Username and password are required")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		if errors.Is(err, bcrypt.ErrPasswordTooLong) {
			return 0, apperr.New(apperr.KindValidation, op, "Password is too long")
		}
		return 0, apperr.Wrap(apperr.KindInternal, op, err)
	}

	acc, err := s.store.Create(ctx, username, string(hash))
	if err != nil {
		if errors.Is(err, ErrUsernameTaken) {
			return 0, &apperr.Error{Kind: apperr.KindConflict, Op: op, Message: "Username already exists", Err: err}
		}
		return 0, apperr.Wrap(apperr.KindPersistence, op, err)
	}
	return acc.ID, nil
}

// Login checks credentials and issues a token expiring TokenTTL from now.
func (s *Service) Login(ctx context.Context, username, password string) (Token, error) {
	const op = "login"
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return Token{}, apperr.New(apperr.KindValidation, op, "Username and password are required")
	}

	acc, err := s.store.GetByUsername(ctx, username)
	if err != nil {
		if !errors.Is(err, ErrAccountNotFound) {
			return Token{}, apperr.Wrap(apperr.KindPersistence, op, err)
		}
		_ = bcrypt.CompareHashAndPassword(s.dummyHash, []byte(password))
		return Token{}, invalidCredentials(op)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(acc.PasswordHash), []byte(password)); err != nil {
		return Token{}, invalidCredentials(op)
	}
	return s.issue(acc.ID)
}

func invalidCredentials(op string) error {
	return &apperr.Error{Kind: apperr.KindAuth, Op: op, Message: "Invalid username or password", Err: ErrInvalidCredentials}
}

func (s *Service) issue(userID int64) (Token, error) {
	now := s.now()
	// exp is signed in whole seconds; round up so the token lasts the full ttl.
	exp := now.Add(s.ttl)
	if t := exp.Truncate(time.Second); !t.Equal(exp) {
		exp = t.Add(time.Second)
	}
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return Token{}, apperr.Wrap(apperr.KindInternal, "issue_token", err)
	}
	return Token{Value: signed, UserID: userID, ExpiresAt: claims.ExpiresAt.Time}, nil
}

// Verify checks a token's signature and expiry and returns the account it
// names. A token for an account that no longer exists is invalid.
func (s *Service) Verify(ctx context.Context, token string) (Account, error) {
	const op = "verify_token"
	if strings.TrimSpace(token) == "" {
		return Account{}, &apperr.Error{Kind: apperr.KindAuth, Op: op, Message: "Token is missing", Err: ErrMissingToken}
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return Account{}, invalidToken(op, err.Error())
	}
	if claims.UserID <= 0 {
		return Account{}, invalidToken(op, "token has no user_id")
	}

	acc, err := s.store.Get(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return Account{}, invalidToken(op, "account no longer exists")
		}
		return Account{}, apperr.Wrap(apperr.KindPersistence, op, err)
	}
	return acc, nil
}

func invalidToken(op, details string) error {
	return &apperr.Error{Kind: apperr.KindAuth, Op: op, Message: "Token is invalid", Details: details, Err: ErrInvalidToken}
}
