// Package auth implements API token issuance and verification. Tokens
// are bearer credentials: the plaintext is shown exactly once at mint
// time, only its SHA-256 digest is stored, and a short display prefix
// is kept so a dashboard can identify the active token.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/openreef/tide/pkg/catalog"
)

// TokenPrefix marks every Tide API token.
const TokenPrefix = "reef_tok_"

// prefixDisplayLength is how many leading characters of the token are
// stored for dashboard display (e.g. "reef_tok_k7Bx").
const prefixDisplayLength = 13

// ErrUnauthorized is returned when a credential is missing, malformed,
// unknown, or revoked. Verification never distinguishes these cases to
// the caller.
var ErrUnauthorized = errors.New("unauthorized")

// Service mints, verifies, and revokes API tokens backed by the
// catalog's token records. A user has at most one active token;
// minting a new one revokes the previous.
type Service struct {
	catalog *catalog.Client
}

// NewService creates a token service.
func NewService(c *catalog.Client) *Service {
	return &Service{catalog: c}
}

// MintResult carries the one-time plaintext token and its stored
// display prefix.
type MintResult struct {
	Token  string `json:"token"` // plaintext, shown once, never stored
	Prefix string `json:"prefix"`
}

// Mint generates a fresh token for the user, revoking any previously
// active token.
func (s *Service) Mint(ctx context.Context, userID string) (*MintResult, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}
	token := TokenPrefix + base64.RawURLEncoding.EncodeToString(raw)
	prefix := token[:prefixDisplayLength]

	record := &catalog.Token{
		ID:     uuid.New().String(),
		UserID: userID,
		Prefix: prefix,
	}
	if err := s.catalog.PutToken(ctx, hashToken(token), record); err != nil {
		return nil, fmt.Errorf("failed to store token: %w", err)
	}

	return &MintResult{Token: token, Prefix: prefix}, nil
}

// Verify resolves a bearer credential (the value of an Authorization
// header) to a user id. Fails with ErrUnauthorized for anything but a
// well-formed, known, unrevoked token.
func (s *Service) Verify(ctx context.Context, authorization string) (string, error) {
	token, ok := strings.CutPrefix(authorization, "Bearer ")
	if !ok {
		return "", ErrUnauthorized
	}
	if !strings.HasPrefix(token, TokenPrefix) {
		return "", ErrUnauthorized
	}

	record, err := s.catalog.GetToken(ctx, hashToken(token))
	if err != nil {
		if catalog.IsNotFound(err) {
			return "", ErrUnauthorized
		}
		return "", fmt.Errorf("failed to verify token: %w", err)
	}
	if record.Revoked() {
		return "", ErrUnauthorized
	}
	return record.UserID, nil
}

// Revoke revokes the user's active token, if any.
func (s *Service) Revoke(ctx context.Context, userID string) error {
	return s.catalog.RevokeActiveToken(ctx, userID)
}

// Active returns the user's active token record for display, or
// (nil, nil) when the user has none.
func (s *Service) Active(ctx context.Context, userID string) (*catalog.Token, error) {
	record, err := s.catalog.GetActiveToken(ctx, userID)
	if err != nil {
		if catalog.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return record, nil
}

// hashToken returns the hex SHA-256 digest of a token string.
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
