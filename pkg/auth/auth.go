// Package auth supplies bearer tokens for outbound calls made on behalf of
// a target client.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var ErrUnknownClient = errors.New("unknown target client")

type TokenProvider interface {
	Token(ctx context.Context, clientID string) (string, error)
}

// StaticTokens serves tokens from a fixed client id to token map.
type StaticTokens map[string]string

func (s StaticTokens) Token(_ context.Context, clientID string) (string, error) {
	token, ok := s[clientID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownClient, clientID)
	}

	return token, nil
}

// ParseStaticTokens reads "client=token" pairs.
func ParseStaticTokens(pairs []string) (StaticTokens, error) {
	tokens := make(StaticTokens, len(pairs))

	for _, pair := range pairs {
		client, token, ok := strings.Cut(pair, "=")
		if !ok || client == "" || token == "" {
			return nil, fmt.Errorf("invalid client token %q, expected client=token", pair)
		}

		tokens[client] = token
	}

	return tokens, nil
}
