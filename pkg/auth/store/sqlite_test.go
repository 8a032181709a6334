// SPDX-FileCopyrightText: Copyright 2026 RAW Labs SA
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raw-labs/mxcp/pkg/auth/tokens"
	"github.com/raw-labs/mxcp/pkg/errors"
)

func openTestSQLite(t *testing.T, path string) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(context.Background(), SQLiteOptions{
		Path:          path,
		EncryptionKey: testKey,
	})
	require.NoError(t, err)
	return s
}

func TestSQLiteRejectsBadConfig(t *testing.T) {
	t.Parallel()

	_, err := OpenSQLite(context.Background(), SQLiteOptions{Path: "", EncryptionKey: testKey})
	assert.Error(t, err)

	_, err = OpenSQLite(context.Background(), SQLiteOptions{Path: ":memory:", EncryptionKey: testKey})
	assert.Error(t, err)

	_, err = OpenSQLite(context.Background(), SQLiteOptions{
		Path:          filepath.Join(t.TempDir(), "auth.db"),
		EncryptionKey: []byte("too-short"),
	})
	assert.Error(t, err)
}

func TestSQLitePersistsAcrossReopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "auth.db")

	s := openTestSQLite(t, path)
	session := testSession("s1")
	require.NoError(t, s.PutSession(ctx, session))
	require.NoError(t, s.PutClient(ctx, &ClientRegistration{ClientID: "cli-1"}))
	require.NoError(t, s.Close())

	// Reopening runs migrations idempotently and the session survives.
	s2 := openTestSQLite(t, path)
	defer s2.Close()

	got, err := s2.GetSessionByTokenFingerprint(ctx, session.TokenFingerprint)
	require.NoError(t, err)
	assert.Equal(t, session.ID, got.ID)

	grant, ok := got.GrantFor("test")
	require.True(t, ok)
	assert.Equal(t, "provider-access-s1", grant.AccessToken)

	_, err = s2.GetClient(ctx, "cli-1")
	require.NoError(t, err)
}

func TestSQLiteNeverStoresRawTokens(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openTestSQLite(t, filepath.Join(t.TempDir(), "auth.db"))
	defer s.Close()

	rawAccess := "mcp_at_raw-access-token-value"
	rawRefresh := "mcp_rt_raw-refresh-token-value"

	session := testSession("s1")
	session.TokenFingerprint = tokens.Fingerprint(rawAccess)
	session.RefreshFingerprint = tokens.Fingerprint(rawRefresh)
	session.Grants["test"].AccessToken = "provider-access-secret"
	session.Grants["test"].RefreshToken = "provider-refresh-secret"
	require.NoError(t, s.PutSession(ctx, session))
	require.NoError(t, s.PutState(ctx, testState("st1", time.Now().UTC().Add(time.Minute))))
	require.NoError(t, s.PutAuthCode(ctx, testAuthCode("fp1", time.Now().UTC().Add(time.Minute))))

	dump, err := s.RawColumnDump(ctx)
	require.NoError(t, err)

	assert.NotContains(t, dump, rawAccess)
	assert.NotContains(t, dump, rawRefresh)
	assert.NotContains(t, dump, "provider-access-secret")
	assert.NotContains(t, dump, "provider-refresh-secret")
	assert.NotContains(t, dump, "provider-verifier-st1")
}

func TestSQLiteDecryptFailureIsTamper(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "auth.db")
	s := openTestSQLite(t, path)
	defer s.Close()

	session := testSession("s1")
	require.NoError(t, s.PutSession(ctx, session))

	// Corrupt the grant ciphertext directly in the table.
	_, err := s.write.ExecContext(ctx, `
		UPDATE provider_grants
		SET ciphertext = X'DEADBEEF' || ciphertext
		WHERE session_id = ?`, session.ID)
	require.NoError(t, err)

	_, err = s.GetSessionByTokenFingerprint(ctx, session.TokenFingerprint)
	require.Error(t, err)
	assert.Equal(t, errors.ErrTamper, errors.TypeOf(err))

	// The poisoned session is revoked, never silently bypassed.
	_, err = s.GetSessionByID(ctx, session.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteWrongKeyFailsClosed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "auth.db")

	s := openTestSQLite(t, path)
	session := testSession("s1")
	require.NoError(t, s.PutSession(ctx, session))
	require.NoError(t, s.Close())

	other, err := OpenSQLite(ctx, SQLiteOptions{
		Path:          path,
		EncryptionKey: []byte("ffffffffffffffffffffffffffffffff"),
	})
	require.NoError(t, err)
	defer other.Close()

	_, err = other.GetSessionByTokenFingerprint(ctx, session.TokenFingerprint)
	require.Error(t, err)
	assert.Equal(t, errors.ErrTamper, errors.TypeOf(err))
}

func TestSQLiteNewerSchemaFailsClosed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "auth.db")

	s := openTestSQLite(t, path)
	// Pretend a future build migrated the database further.
	_, err := s.write.ExecContext(ctx, `
		INSERT INTO goose_db_version (version_id, is_applied, tstamp)
		VALUES (?, 1, CURRENT_TIMESTAMP)`, schemaVersion+1)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = OpenSQLite(ctx, SQLiteOptions{Path: path, EncryptionKey: testKey})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "newer")
}
