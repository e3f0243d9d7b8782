package token

import (
	"crypto/rand"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// ErrTokenExpired is returned when a token's expiry has passed.
var ErrTokenExpired = errors.New("download token expired")

// ErrTokenInvalid is returned for malformed tokens, bad signatures, or
// tokens issued for a different artifact.
var ErrTokenInvalid = errors.New("download token invalid")

const issuer = "replbox"

// Service issues and verifies short-lived signed download capabilities.
// Validity is self-contained (HMAC signature + expiry), so no per-token
// storage is needed and verification scales horizontally.
type Service struct {
	secret     []byte
	defaultTTL time.Duration
}

// NewService creates a Service with the given signing secret and default
// TTL. If secret is empty a random one is generated once and held for the
// process lifetime; tokens issued before a restart are then invalid, which
// is why production deployments should configure a stable secret.
func NewService(secret string, defaultTTL time.Duration, logger *zap.Logger) (*Service, error) {
	var key []byte
	if secret == "" {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("failed to generate token secret: %w", err)
		}
		logger.Warn("no token secret configured, generated an ephemeral one; tokens will not survive restarts")
	} else {
		key = []byte(secret)
	}
	return &Service{secret: key, defaultTTL: defaultTTL}, nil
}

// Issue returns a signed token authorizing one artifact for ttl. A ttl of
// zero or less produces an already-expired token.
func (s *Service) Issue(artifactID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   artifactID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign download token: %w", err)
	}
	return signed, nil
}

// IssueDefault issues a token with the service's default TTL.
func (s *Service) IssueDefault(artifactID string) (string, error) {
	return s.Issue(artifactID, s.defaultTTL)
}

// Verify checks a token and returns the artifact id it authorizes.
func (s *Service) Verify(tokenStr string) (string, error) {
	parsed, err := jwt.ParseWithClaims(tokenStr, &jwt.RegisteredClaims{},
		func(t *jwt.Token) (any, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrTokenExpired
		}
		return "", fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", ErrTokenInvalid
	}
	return claims.Subject, nil
}

// DownloadURL builds a ready-to-use URL for an artifact using a freshly
// issued default-TTL token.
func (s *Service) DownloadURL(baseURL, artifactID string) (string, error) {
	tok, err := s.IssueDefault(artifactID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/artifacts/%s?token=%s",
		strings.TrimRight(baseURL, "/"), url.PathEscape(artifactID), url.QueryEscape(tok)), nil
}
