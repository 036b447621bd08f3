package auth_test

import (
	"context"
	"testing"

	"github.com/dukex/nodeflow/pkg/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticTokens(t *testing.T) {
	tokens, err := auth.ParseStaticTokens([]string{"billing=s3cret", "crm=abc=def"})
	require.NoError(t, err)

	token, err := tokens.Token(context.Background(), "billing")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", token)

	token, err = tokens.Token(context.Background(), "crm")
	require.NoError(t, err)
	assert.Equal(t, "abc=def", token)

	_, err = tokens.Token(context.Background(), "unknown")
	require.ErrorIs(t, err, auth.ErrUnknownClient)
}

func TestParseStaticTokens_Invalid(t *testing.T) {
	for _, pair := range []string{"billing", "=token", "billing="} {
		t.Run(pair, func(t *testing.T) {
			_, err := auth.ParseStaticTokens([]string{pair})
			assert.Error(t, err)
		})
	}
}
