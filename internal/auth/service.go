package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"secure-analysis-gateway/internal/apperr"
	"secure-analysis-gateway/internal/audit"
	"secure-analysis-gateway/internal/config"
	"secure-analysis-gateway/internal/models"
	"secure-analysis-gateway/internal/telemetry"
)

// TokenType is the scheme reported to clients alongside an issued token.
const TokenType = "bearer"

// Authenticator checks a username/password pair against stored identities.
type Authenticator interface {
	Authenticate(username, password string) (models.Identity, error)
}

// IssuedToken is returned to a client after a successful login.
type IssuedToken struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Service issues and verifies stateless bearer tokens.
type Service struct {
	creds  Authenticator
	audit  *audit.Log
	logger zerolog.Logger
	key    []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewService builds a token service. key must be at least
// config.MinSigningKeyLength bytes.
func NewService(creds Authenticator, log *audit.Log, logger zerolog.Logger, key []byte, ttl time.Duration) (*Service, error) {
	if len(key) < config.MinSigningKeyLength {
		return nil, fmt.Errorf("signing key must be at least %d bytes", config.MinSigningKeyLength)
	}
	if ttl <= 0 {
		return nil, errors.New("token ttl must be positive")
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &Service{
		creds:  creds,
		audit:  log,
		logger: logger,
		key:    k,
		ttl:    ttl,
		now:    time.Now,
	}, nil
}

// Issue authenticates the caller and mints a token carrying their scopes.
// Both outcomes are audited.
func (s *Service) Issue(ctx context.Context, username, password, remote string) (IssuedToken, error) {
	ctx = audit.WithRemoteAddr(ctx, remote)
	identity, err := s.creds.Authenticate(username, password)
	if err != nil {
		telemetry.AuthFailures.WithLabelValues(apperr.CodeInvalidCredentials).Inc()
		s.audit.Record(ctx, username, models.ActionTokenIssue, username, models.OutcomeDenied, apperr.CodeInvalidCredentials)
		return IssuedToken{}, apperr.ErrInvalidCredentials
	}

	now := s.now().UTC()
	expires := now.Add(s.ttl)
	scopes := make([]string, len(identity.Scopes))
	for i, sc := range identity.Scopes {
		scopes[i] = string(sc)
	}
	raw, err := mint(s.key, Claims{
		Subject:   identity.Username,
		Scopes:    scopes,
		IssuedAt:  now.Unix(),
		ExpiresAt: expires.Unix(),
		ID:        uuid.NewString(),
	})
	if err != nil {
		s.logger.Error().Err(err).Str("subject", identity.Username).Msg("mint token")
		s.audit.Record(ctx, identity.Username, models.ActionTokenIssue, identity.Username, models.OutcomeError, "mint failed")
		return IssuedToken{}, apperr.ErrInternal
	}
	s.audit.Record(ctx, identity.Username, models.ActionTokenIssue, identity.Username, models.OutcomeSuccess, "")
	return IssuedToken{
		AccessToken: raw,
		TokenType:   TokenType,
		ExpiresAt:   time.Unix(expires.Unix(), 0).UTC(),
	}, nil
}

// Verify checks the signature and expiry of raw and returns the caller.
// Failures are audited; successes are not, since the downstream
// authorization decision is.
func (s *Service) Verify(ctx context.Context, raw, remote string) (models.Principal, error) {
	ctx = audit.WithRemoteAddr(ctx, remote)
	if raw == "" {
		return s.verifyFailed(ctx, apperr.ErrMissingToken, "")
	}
	claims, err := parse(s.key, raw, s.now())
	if errors.Is(err, errTokenExpired) {
		return s.verifyFailed(ctx, apperr.ErrExpired, claims.Subject)
	}
	if err != nil {
		return s.verifyFailed(ctx, apperr.ErrMalformed, "")
	}
	scopes := make([]models.Scope, 0, len(claims.Scopes))
	for _, sc := range claims.Scopes {
		if parsed, ok := models.ParseScope(sc); ok {
			scopes = append(scopes, parsed)
		}
	}
	return models.Principal{Subject: claims.Subject, Scopes: scopes}, nil
}

func (s *Service) verifyFailed(ctx context.Context, e *apperr.Error, subject string) (models.Principal, error) {
	telemetry.AuthFailures.WithLabelValues(e.Code).Inc()
	actor := subject
	if actor == "" {
		actor = "anonymous"
	}
	s.audit.Record(ctx, actor, models.ActionTokenVerify, "token", models.OutcomeDenied, e.Code)
	return models.Principal{}, e
}
