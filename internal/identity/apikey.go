package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/DEVector-it/Mythai/internal/store"
)

const (
	bcryptCost = 12

	keyScheme   = "myth"
	prefixBytes = 4
	secretBytes = 24
)

// ErrAPIKeyInvalid covers every verification failure: bad format, unknown
// prefix, revoked key, or wrong secret. Callers cannot tell which.
var ErrAPIKeyInvalid = errors.New("invalid API key")

// APIKeys issues and verifies machine keys of the form myth_<prefix>_<secret>.
// Only a bcrypt hash of the secret is stored; the prefix is the lookup handle.
type APIKeys struct {
	store store.Store
}

func NewAPIKeys(st store.Store) *APIKeys {
	return &APIKeys{store: st}
}

// Issue mints a key for the user and returns the full key string. It is shown
// exactly once and not recoverable afterwards.
func (a *APIKeys) Issue(ctx context.Context, userID string) (string, error) {
	prefix, err := randomHex(prefixBytes)
	if err != nil {
		return "", err
	}
	secret, err := randomHex(secretBytes)
	if err != nil {
		return "", err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("hashing API key secret: %w", err)
	}

	k := &store.APIKey{
		Prefix:    prefix,
		HashedKey: string(hash),
		UserID:    userID,
		Active:    true,
	}
	if err := a.store.PutAPIKey(ctx, k); err != nil {
		return "", fmt.Errorf("storing API key: %w", err)
	}

	return fmt.Sprintf("%s_%s_%s", keyScheme, prefix, secret), nil
}

// Verify resolves a presented key to its stored record.
func (a *APIKeys) Verify(ctx context.Context, presented string) (*store.APIKey, error) {
	prefix, secret, err := splitKey(presented)
	if err != nil {
		return nil, err
	}

	k, err := a.store.GetAPIKey(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("loading API key: %w", err)
	}
	if k == nil || !k.Active {
		return nil, ErrAPIKeyInvalid
	}

	if bcrypt.CompareHashAndPassword([]byte(k.HashedKey), []byte(secret)) != nil {
		return nil, ErrAPIKeyInvalid
	}

	if err := a.store.TouchAPIKey(ctx, prefix); err != nil {
		slog.Warn("recording API key use", "error", err, "prefix", prefix)
	}
	return k, nil
}

func splitKey(presented string) (prefix, secret string, err error) {
	parts := strings.Split(presented, "_")
	if len(parts) != 3 || parts[0] != keyScheme || parts[1] == "" || parts[2] == "" {
		return "", "", ErrAPIKeyInvalid
	}
	return parts[1], parts[2], nil
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}
