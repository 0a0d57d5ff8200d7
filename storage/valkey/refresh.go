package valkey

import (
	"context"
	"encoding/json"
	"fmt"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/giantswarm/mcp-oauth-dcr/storage"
)

// ============================================================
// RefreshTokenStore Implementation
// ============================================================

// SaveRefreshToken saves a refresh token record and indexes it under its
// user+client pair so it can be revoked on code reuse.
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	if token == nil || token.Token == "" {
		return fmt.Errorf("invalid refresh token")
	}
	if token.ClientID == "" || token.UserID == "" {
		return fmt.Errorf("refresh token must be bound to a client and user")
	}
	if err := validateStringLength(token.Token, MaxTokenLength, "refresh_token"); err != nil {
		return err
	}
	if err := validateStringLength(token.UserID, MaxIDLength, "user_id"); err != nil {
		return err
	}

	data, err := json.Marshal(toRefreshTokenJSON(token))
	if err != nil {
		return fmt.Errorf("failed to marshal refresh token: %w", err)
	}

	key := s.refreshTokenKey(token.Token)
	indexKey := s.userClientKey(token.UserID, token.ClientID)

	cmds := make([]valkeygo.Completed, 0, 3)
	if token.ExpiresAt.IsZero() {
		cmds = append(cmds, s.client.B().Set().Key(key).Value(string(data)).Build())
	} else {
		ttl := calculateTTL(s.now(), token.ExpiresAt)
		if ttl <= 0 {
			return fmt.Errorf("refresh token already expired")
		}
		cmds = append(cmds, s.client.B().Set().Key(key).Value(string(data)).Px(ttl).Build())
	}
	cmds = append(cmds, s.client.B().Sadd().Key(indexKey).Member(token.Token).Build())

	for _, resp := range s.client.DoMulti(ctx, cmds...) {
		if err := resp.Error(); err != nil {
			return fmt.Errorf("failed to save refresh token: %w", err)
		}
	}

	s.logger.Debug("Saved refresh token",
		"token_prefix", logPrefix(token.Token),
		"client_id", token.ClientID)
	return nil
}

// GetRefreshToken retrieves a refresh token record
func (s *Store) GetRefreshToken(ctx context.Context, token string) (*storage.RefreshToken, error) {
	if err := validateStringLength(token, MaxTokenLength, "refresh_token"); err != nil {
		return nil, storage.ErrTokenNotFound
	}

	rt, err := getAndUnmarshal(ctx, s, s.refreshTokenKey(token), storage.ErrTokenNotFound, fromRefreshTokenJSON)
	if err != nil {
		return nil, err
	}

	// TTL normally removes the key first; this covers clock differences
	if rt.IsExpired(s.now()) {
		return nil, storage.ErrTokenExpired
	}
	return rt, nil
}

// ConsumeRefreshToken atomically retrieves and deletes a refresh token
func (s *Store) ConsumeRefreshToken(ctx context.Context, token string) (*storage.RefreshToken, error) {
	if err := validateStringLength(token, MaxTokenLength, "refresh_token"); err != nil {
		return nil, storage.ErrTokenNotFound
	}

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaConsumeRefresh).
			Numkeys(1).
			Key(s.refreshTokenKey(token)).
			Arg(s.prefix+"userclient:", token).
			Build(),
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to execute atomic refresh token consume: %w", err)
	}
	if result == "NOT_FOUND" {
		return nil, storage.ErrTokenNotFound
	}

	var j refreshTokenJSON
	if err := json.Unmarshal([]byte(result), &j); err != nil {
		return nil, fmt.Errorf("failed to parse refresh token: %w", err)
	}

	rt := fromRefreshTokenJSON(&j)
	if rt.IsExpired(s.now()) {
		return nil, storage.ErrTokenExpired
	}
	return rt, nil
}

// DeleteRefreshToken removes a refresh token and its index entry
func (s *Store) DeleteRefreshToken(ctx context.Context, token string) error {
	rt, err := s.GetRefreshToken(ctx, token)
	if err == nil {
		indexKey := s.userClientKey(rt.UserID, rt.ClientID)
		if err := s.client.Do(ctx, s.client.B().Srem().Key(indexKey).Member(token).Build()).Error(); err != nil {
			s.logger.Warn("Failed to remove refresh token from index",
				"client_id", rt.ClientID,
				"error", err)
		}
	}

	if err := s.client.Do(ctx, s.client.B().Del().Key(s.refreshTokenKey(token)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete refresh token: %w", err)
	}
	return nil
}

// RevokeRefreshTokensForUserClient deletes all refresh tokens of a user+client pair
func (s *Store) RevokeRefreshTokensForUserClient(ctx context.Context, userID, clientID string) (int, error) {
	count, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaRevokeUserClient).
			Numkeys(1).
			Key(s.userClientKey(userID, clientID)).
			Arg(s.prefix+"refresh:").
			Build(),
	).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("failed to revoke refresh tokens: %w", err)
	}

	if count > 0 {
		s.logger.Info("Revoked refresh tokens",
			"client_id", clientID,
			"count", count)
	}
	return int(count), nil
}
