package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/giantswarm/mcp-oauth-dcr/storage"
)

// ============================================================
// FlowStore Implementation
// ============================================================

// SaveAuthorizationCode saves an issued authorization code.
// The key expires with the code; SET NX refuses to overwrite an existing code.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return fmt.Errorf("invalid authorization code")
	}
	if err := validateStringLength(code.Code, MaxTokenLength, "code"); err != nil {
		return err
	}

	data, err := json.Marshal(toAuthorizationCodeJSON(code))
	if err != nil {
		return fmt.Errorf("failed to marshal authorization code: %w", err)
	}

	ttl := calculateTTL(s.now(), code.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("authorization code already expired")
	}

	key := s.codeKey(code.Code)

	err = s.client.Do(ctx,
		s.client.B().Set().Key(key).Value(string(data)).Nx().Px(ttl).Build(),
	).Error()
	if err != nil {
		if isNilError(err) {
			return fmt.Errorf("authorization code already exists")
		}
		return fmt.Errorf("failed to save authorization code: %w", err)
	}

	s.logger.Debug("Saved authorization code",
		"code_prefix", logPrefix(code.Code),
		"client_id", code.ClientID)
	return nil
}

// GetAuthorizationCode retrieves an authorization code without consuming it.
// Use ConsumeAuthorizationCode to redeem a code.
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	if err := validateStringLength(code, MaxTokenLength, "code"); err != nil {
		return nil, storage.ErrAuthorizationCodeNotFound
	}
	return getAndUnmarshal(ctx, s, s.codeKey(code), storage.ErrAuthorizationCodeNotFound, fromAuthorizationCodeJSON)
}

// ConsumeAuthorizationCode atomically checks a code and marks it used via a
// server-side Lua script. Exactly one concurrent caller succeeds.
//
// On reuse the stored record is returned together with
// storage.ErrAuthorizationCodeUsed so the caller can revoke derived tokens.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	if err := validateStringLength(code, MaxTokenLength, "code"); err != nil {
		return nil, storage.ErrAuthorizationCodeNotFound
	}

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaConsumeCode).
			Numkeys(1).
			Key(s.codeKey(code)).
			Arg(strconv.FormatInt(s.now().UnixMilli(), 10)).
			Build(),
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to execute atomic code check: %w", err)
	}

	switch {
	case result == "NOT_FOUND":
		return nil, storage.ErrAuthorizationCodeNotFound
	case result == "EXPIRED":
		return nil, storage.ErrAuthorizationCodeExpired
	case strings.HasPrefix(result, "ALREADY_USED:"):
		var j authorizationCodeJSON
		if err := json.Unmarshal([]byte(strings.TrimPrefix(result, "ALREADY_USED:")), &j); err != nil {
			return nil, fmt.Errorf("%w: failed to parse reused code", storage.ErrAuthorizationCodeUsed)
		}
		return fromAuthorizationCodeJSON(&j), storage.ErrAuthorizationCodeUsed
	}

	// The script returns the record as it was before marking
	var j authorizationCodeJSON
	if err := json.Unmarshal([]byte(result), &j); err != nil {
		return nil, fmt.Errorf("failed to parse authorization code: %w", err)
	}

	authCode := fromAuthorizationCodeJSON(&j)
	authCode.Used = true

	s.logger.Debug("Consumed authorization code",
		"code_prefix", logPrefix(code),
		"client_id", authCode.ClientID)

	return authCode, nil
}

// DeleteAuthorizationCode removes an authorization code
func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) error {
	if err := s.client.Do(ctx, s.client.B().Del().Key(s.codeKey(code)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete authorization code: %w", err)
	}

	s.logger.Debug("Deleted authorization code", "code_prefix", logPrefix(code))
	return nil
}
