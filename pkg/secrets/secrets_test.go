package secrets_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raw-labs/mxcp/pkg/secrets"
)

func TestResolver_Env(t *testing.T) { //nolint:paralleltest // mutates environment
	resolver := secrets.NewResolver()
	ctx := context.Background()

	t.Run("successful retrieval", func(t *testing.T) { //nolint:paralleltest
		t.Setenv("MXCP_TEST_SECRET", "test_value")

		result, err := resolver.Resolve(ctx, "env://MXCP_TEST_SECRET")
		require.NoError(t, err)
		assert.Equal(t, "test_value", result)
	})

	t.Run("secret not found", func(t *testing.T) { //nolint:paralleltest
		os.Unsetenv("MXCP_MISSING_SECRET")

		result, err := resolver.Resolve(ctx, "env://MXCP_MISSING_SECRET")
		assert.Error(t, err)
		assert.Empty(t, result)
		assert.Contains(t, err.Error(), "secret not found")
	})

	t.Run("empty variable name", func(t *testing.T) { //nolint:paralleltest
		_, err := resolver.Resolve(ctx, "env://")
		assert.Error(t, err)
	})
}

func TestResolver_File(t *testing.T) {
	t.Parallel()

	resolver := secrets.NewResolver()
	ctx := context.Background()

	t.Run("successful retrieval with trailing newline", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "secret")
		require.NoError(t, os.WriteFile(path, []byte("file_value\n"), 0o600))

		result, err := resolver.Resolve(ctx, secrets.Ref("file://"+path))
		require.NoError(t, err)
		assert.Equal(t, "file_value", result)
	})

	t.Run("missing file", func(t *testing.T) {
		t.Parallel()
		_, err := resolver.Resolve(ctx, secrets.Ref("file://"+filepath.Join(t.TempDir(), "nope")))
		assert.Error(t, err)
	})

	t.Run("empty file", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "empty")
		require.NoError(t, os.WriteFile(path, []byte("\n"), 0o600))

		_, err := resolver.Resolve(ctx, secrets.Ref("file://"+path))
		assert.Error(t, err)
	})
}

func TestResolver_InvalidRefs(t *testing.T) {
	t.Parallel()

	resolver := secrets.NewResolver()
	ctx := context.Background()

	tests := []struct {
		name string
		ref  secrets.Ref
	}{
		{"empty", ""},
		{"unknown scheme", "vault://kv/secret"},
		{"bare value", "plaintext-secret"},
		{"keyring missing key", "keyring://service-only"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := resolver.Resolve(ctx, tt.ref)
			assert.Error(t, err)
		})
	}
}

func TestStatic(t *testing.T) {
	t.Parallel()

	resolver := secrets.Static(map[secrets.Ref]string{
		"env://KEY": "value",
	})

	got, err := resolver.Resolve(context.Background(), "env://KEY")
	require.NoError(t, err)
	assert.Equal(t, "value", got)

	_, err = resolver.Resolve(context.Background(), "env://OTHER")
	assert.Error(t, err)
}
