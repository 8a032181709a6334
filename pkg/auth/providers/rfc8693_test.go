package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raw-labs/mxcp/pkg/errors"
)

func TestRFC8693Exchange(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, grantTypeTokenExchange, r.PostForm.Get("grant_type"))
		assert.Equal(t, tokenTypeAccessToken, r.PostForm.Get("subject_token_type"))

		switch r.PostForm.Get("subject_token") {
		case "subject-ok":
			assert.Equal(t, "reports-svc", r.PostForm.Get("audience"))
			assert.Equal(t, "urn:reports", r.PostForm.Get("resource"))
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
				"access_token":      "downstream-token",
				"issued_token_type": tokenTypeAccessToken,
				"token_type":        "Bearer",
				"expires_in":        3600,
				"scope":             "reports",
			})
		default:
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"}) //nolint:errcheck
		}
	}))
	t.Cleanup(server.Close)

	t.Run("success", func(t *testing.T) {
		t.Parallel()
		grant, err := rfc8693Exchange(context.Background(), server.Client(), rfc8693Request{
			TokenURL:     server.URL,
			ClientID:     "client-1",
			ClientSecret: "secret-1",
			SubjectToken: "subject-ok",
			Audience:     "reports-svc",
			Resource:     "urn:reports",
		})
		require.NoError(t, err)
		assert.Equal(t, "downstream-token", grant.AccessToken)
		assert.Equal(t, []string{"reports"}, grant.GrantedScopes)
		assert.False(t, grant.ExpiresAt.IsZero())
	})

	t.Run("rejected", func(t *testing.T) {
		t.Parallel()
		_, err := rfc8693Exchange(context.Background(), server.Client(), rfc8693Request{
			TokenURL:     server.URL,
			ClientID:     "client-1",
			SubjectToken: "subject-bad",
		})
		require.Error(t, err)
		assert.Equal(t, errors.ErrDownstreamUnavailable, errors.TypeOf(err))
	})

	t.Run("missing subject token", func(t *testing.T) {
		t.Parallel()
		_, err := rfc8693Exchange(context.Background(), server.Client(), rfc8693Request{TokenURL: server.URL})
		require.Error(t, err)
		assert.Equal(t, errors.ErrDownstreamUnavailable, errors.TypeOf(err))
	})
}

func TestRFC8693RequestRedaction(t *testing.T) {
	t.Parallel()

	req := rfc8693Request{TokenURL: "https://idp/token", SubjectToken: "super-secret", Audience: "aud"}
	assert.NotContains(t, req.String(), "super-secret")
	assert.Contains(t, req.String(), "[REDACTED]")
}
