package identity

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHasScope(t *testing.T) {
	t.Parallel()

	user := &UserContext{MXCPScopes: []string{"tools.read", "billing.manage"}}

	assert.True(t, user.HasScope("tools.read"))
	assert.False(t, user.HasScope("tools.admin"))

	var nilUser *UserContext
	assert.False(t, nilUser.HasScope("tools.read"))
}

func TestPolicyDict(t *testing.T) {
	t.Parallel()

	user := &UserContext{
		UserID:     "user-1",
		Name:       "Alice",
		Email:      "alice@example.com",
		Provider:   "google",
		MXCPScopes: []string{"tools.read"},
		ProviderScopesGranted: map[string][]string{
			"google": {"openid", "email"},
		},
	}

	dict := user.PolicyDict()

	assert.Equal(t, "user-1", dict["user_id"])
	assert.Equal(t, "google", dict["provider"])
	assert.Equal(t, []string{"tools.read"}, dict["mxcp_scopes"])
	assert.Equal(t, map[string][]string{"google": {"openid", "email"}}, dict["provider_scopes_granted"])

	// Mutating the dict must not reach the cached UserContext.
	dict["mxcp_scopes"].([]string)[0] = "mutated"
	assert.Equal(t, "tools.read", user.MXCPScopes[0])
}

func TestStringRedactsDetail(t *testing.T) {
	t.Parallel()

	user := &UserContext{UserID: "user-1", Name: "Alice", Email: "alice@example.com", Provider: "github"}
	s := user.String()

	assert.Contains(t, s, "user-1")
	assert.NotContains(t, s, "alice@example.com")
}

func TestContextRoundTrip(t *testing.T) {
	t.Parallel()

	user := &UserContext{UserID: "user-1", IssuedAt: time.Now().UTC()}

	ctx := WithUserContext(context.Background(), user)
	got, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Same(t, user, got)

	_, ok = FromContext(context.Background())
	assert.False(t, ok)

	// nil user leaves the context untouched
	ctx2 := WithUserContext(context.Background(), nil)
	_, ok = FromContext(ctx2)
	assert.False(t, ok)
}

func TestProviderTokenContext(t *testing.T) {
	t.Parallel()

	tok := &ProviderToken{AccessToken: "downstream-secret", TokenType: "Bearer"}
	ctx := WithProviderTokens(context.Background(), map[TokenKey]*ProviderToken{
		{Provider: "idp-a", Audience: "reports-svc"}: tok,
	})

	got, ok := ProviderTokenFromContext(ctx, "idp-a", "reports-svc")
	require.True(t, ok)
	assert.Same(t, tok, got)

	_, ok = ProviderTokenFromContext(ctx, "idp-a", "other")
	assert.False(t, ok)
	_, ok = ProviderTokenFromContext(context.Background(), "idp-a", "reports-svc")
	assert.False(t, ok)

	assert.NotContains(t, tok.String(), "downstream-secret")
}

func TestUserContextJSON(t *testing.T) {
	t.Parallel()

	user := &UserContext{UserID: "user-1", Provider: "test", MXCPScopes: []string{"tools.read"}}
	data, err := json.Marshal(user)
	require.NoError(t, err)

	var decoded UserContext
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, user.UserID, decoded.UserID)
	assert.Equal(t, user.MXCPScopes, decoded.MXCPScopes)
}
