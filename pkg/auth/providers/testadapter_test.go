package providers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raw-labs/mxcp/pkg/errors"
)

func TestTestAdapterExchangeCode(t *testing.T) {
	t.Parallel()

	adapter := NewTestAdapter("tools_read")

	grant, err := adapter.ExchangeCode(context.Background(), TestCodeOK, "cb", "verifier")
	require.NoError(t, err)
	assert.Equal(t, TestAccessToken, grant.AccessToken)
	assert.Equal(t, []string{"tools_read"}, grant.GrantedScopes)
	assert.Equal(t, TestSubject, grant.Profile.Subject)

	_, err = adapter.ExchangeCode(context.Background(), "WRONG", "cb", "verifier")
	require.Error(t, err)
	assert.Equal(t, errors.ErrInvalidGrant, errors.TypeOf(err))
}

func TestTestAdapterRefresh(t *testing.T) {
	t.Parallel()

	adapter := NewTestAdapter()

	_, err := adapter.RefreshToken(context.Background(), TestRefreshOK, nil)
	require.NoError(t, err)

	_, err = adapter.RefreshToken(context.Background(), "stale", nil)
	assert.Equal(t, errors.ErrInvalidGrant, errors.TypeOf(err))
}

func TestTestAdapterExchangeToken(t *testing.T) {
	t.Parallel()

	adapter := NewTestAdapter()

	grant, err := adapter.ExchangeToken(context.Background(), TestAccessToken, "reports-svc", "urn:reports", nil)
	require.NoError(t, err)
	assert.Equal(t, "TEST_DOWNSTREAM_reports-svc", grant.AccessToken)
	assert.Equal(t, int32(1), adapter.ExchangeCalls.Load())

	adapter.FailExchange = true
	_, err = adapter.ExchangeToken(context.Background(), TestAccessToken, "reports-svc", "", nil)
	assert.Equal(t, errors.ErrDownstreamUnavailable, errors.TypeOf(err))
}

func TestTestAdapterAuthorizeURL(t *testing.T) {
	t.Parallel()

	adapter := NewTestAdapter()
	u := adapter.BuildAuthorizeURL("https://mxcp.example/auth/callback", "st-1", []string{"openid"}, "ch", nil)
	assert.Contains(t, u, "https://idp.test/authorize?")
	assert.Contains(t, u, "state=st-1")
	assert.Contains(t, u, "code_challenge=ch")
}
