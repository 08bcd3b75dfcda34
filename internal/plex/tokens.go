// SPDX-License-Identifier: MIT

package plex

import (
	"fmt"
	"path/filepath"

	"github.com/StudioNirin/plexcache-r/internal/log"
	"github.com/StudioNirin/plexcache-r/internal/tracker"
)

// TokensFileName is the per-user token store under the data directory.
const TokensFileName = "user_tokens.json"

// TokenStore persists per-user access tokens across runs. Tokens arrive from
// two places: the settings file seeds them, and shared-server lookups add the
// rest. A token that earns a 401/403 is invalidated so the next run falls
// back to owner-visible data instead of hammering a dead credential.
type TokenStore struct {
	store *tracker.Store[string]
}

// OpenTokens loads (or creates) the token store in dataDir.
func OpenTokens(dataDir string) (*TokenStore, error) {
	s, err := tracker.Open[string](filepath.Join(dataDir, TokensFileName), "tokens", nil)
	if err != nil {
		return nil, fmt.Errorf("open token store: %w", err)
	}
	return &TokenStore{store: s}, nil
}

// Seed inserts tokens from configuration without overwriting ones already
// learned. Empty values are skipped.
func (t *TokenStore) Seed(tokens map[string]string) error {
	for user, token := range tokens {
		if user == "" || token == "" {
			continue
		}
		if _, err := t.store.SetIfAbsent(user, token); err != nil {
			return err
		}
	}
	return nil
}

// Token returns the stored token for user, or ErrNoToken.
func (t *TokenStore) Token(user string) (string, error) {
	token, ok := t.store.Get(user)
	if !ok || token == "" {
		return "", fmt.Errorf("%w: %s", ErrNoToken, user)
	}
	return token, nil
}

// Set stores or replaces the token for user.
func (t *TokenStore) Set(user, token string) error {
	return t.store.Set(user, token)
}

// Invalidate drops the token for user after an auth failure.
func (t *TokenStore) Invalidate(user string) error {
	resolved, removed, err := t.store.Delete(user)
	if err != nil {
		return err
	}
	if removed {
		l := log.WithComponent("tokens")
		l.Warn().
			Str("event", "plex.token_invalidated").
			Str(log.FieldUser, resolved).
			Msg("dropping rejected token, user data limited to owner-visible queues until re-seeded")
	}
	return nil
}

// Users returns every user with a stored token, sorted.
func (t *TokenStore) Users() []string {
	return t.store.Keys()
}
