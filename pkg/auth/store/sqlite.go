// SPDX-FileCopyrightText: Copyright 2026 RAW Labs SA
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/raw-labs/mxcp/pkg/auth/identity"
	"github.com/raw-labs/mxcp/pkg/auth/tokens"
	mxcperrors "github.com/raw-labs/mxcp/pkg/errors"
	"github.com/raw-labs/mxcp/pkg/logger"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// schemaVersion is the newest migration this build understands. Opening a
// database migrated further than this fails closed.
const schemaVersion = 1

// SQLiteStore is the default embedded TokenStore: a WAL-journaled SQLite
// database with a single write connection, a small read pool, and
// application-level encryption of sensitive columns.
type SQLiteStore struct {
	write *sql.DB
	read  *sql.DB
	box   *tokens.Box
	now   func() time.Time
}

// SQLiteOptions configures OpenSQLite.
type SQLiteOptions struct {
	// Path is the database file path. ":memory:" is rejected because the
	// separate read pool would see a different database; tests that need
	// an ephemeral store should use MemoryStore or a temp file.
	Path string

	// EncryptionKey is the resolved key material for sensitive columns.
	EncryptionKey []byte

	// ReadPoolSize bounds the read connections. Defaults to 4.
	ReadPoolSize int
}

// OpenSQLite opens (creating if necessary) the embedded store and runs any
// pending forward migrations. Key misconfiguration and schema mismatch are
// startup failures.
func OpenSQLite(ctx context.Context, opts SQLiteOptions) (*SQLiteStore, error) {
	if opts.Path == "" || opts.Path == ":memory:" {
		return nil, fmt.Errorf("sqlite store requires a file path")
	}
	box, err := tokens.NewBox(opts.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("encryption key: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", opts.Path)

	write, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows one writer at a time; funnel all writes through a
	// single connection so they queue in-process instead of failing with
	// SQLITE_BUSY.
	write.SetMaxOpenConns(1)

	if err := migrate(ctx, write); err != nil {
		write.Close()
		return nil, err
	}

	read, err := sql.Open("sqlite", dsn)
	if err != nil {
		write.Close()
		return nil, fmt.Errorf("failed to open read pool: %w", err)
	}
	poolSize := opts.ReadPoolSize
	if poolSize <= 0 {
		poolSize = 4
	}
	read.SetMaxOpenConns(poolSize)

	logger.Infow("token store opened", "backend", "sqlite", "path", opts.Path, "schema", schemaVersion)
	return &SQLiteStore{
		write: write,
		read:  read,
		box:   box,
		now:   func() time.Time { return time.Now().UTC() },
	}, nil
}

// SetClock overrides the store clock. Test helper.
func (s *SQLiteStore) SetClock(now func() time.Time) { s.now = now }

func migrate(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}
	current, err := goose.GetDBVersionContext(ctx, db)
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if current > schemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", current, schemaVersion)
	}
	if err := goose.UpToContext(ctx, db, "migrations", schemaVersion); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// Close releases both connection pools.
func (s *SQLiteStore) Close() error {
	rerr := s.read.Close()
	werr := s.write.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

// grantEnvelope is the encrypted payload of a provider grant row.
type grantEnvelope struct {
	AccessToken  string         `json:"access_token"`
	RefreshToken string         `json:"refresh_token,omitempty"`
	RawClaims    map[string]any `json:"raw_claims,omitempty"`
}

// downstreamEnvelope is the encrypted payload of a downstream token row.
type downstreamEnvelope struct {
	AccessToken string   `json:"access_token"`
	TokenType   string   `json:"token_type"`
	Scopes      []string `json:"scopes,omitempty"`
}

func grantAAD(sessionID, provider string) []byte {
	return []byte(sessionID + "|" + provider)
}

func downstreamAAD(sessionID, provider, audience string) []byte {
	return []byte(sessionID + "|" + provider + "|" + audience)
}

func stateAAD(stateID string) []byte {
	return []byte("state|" + stateID)
}

func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		// Only reachable with unmarshalable values, which the entities
		// cannot carry.
		return "null"
	}
	return string(data)
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func timeOrZero(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// PutSession implements TokenStore. The session row and its grant rows are
// written in one transaction; a crash cannot leave a partial session.
func (s *SQLiteStore) PutSession(ctx context.Context, session *Session) error {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (id, token_fp, refresh_fp, client_id, issued_at, expires_at, idle_timeout_at, user_json, scopes_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			token_fp = excluded.token_fp,
			refresh_fp = excluded.refresh_fp,
			expires_at = excluded.expires_at,
			idle_timeout_at = excluded.idle_timeout_at,
			user_json = excluded.user_json,
			scopes_json = excluded.scopes_json`,
		session.ID, session.TokenFingerprint, session.RefreshFingerprint, session.ClientID,
		unixOrZero(session.IssuedAt), unixOrZero(session.ExpiresAt), unixOrZero(session.IdleTimeoutAt),
		mustJSON(session.User), mustJSON(session.MXCPScopes))
	if err != nil {
		return fmt.Errorf("failed to write session: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM provider_grants WHERE session_id = ?`, session.ID); err != nil {
		return fmt.Errorf("failed to clear grants: %w", err)
	}
	for _, provider := range session.ProviderNames() {
		grant := session.Grants[provider]
		sealed, err := s.box.Seal([]byte(mustJSON(grantEnvelope{
			AccessToken:  grant.AccessToken,
			RefreshToken: grant.RefreshToken,
			RawClaims:    grant.RawClaims,
		})), grantAAD(session.ID, provider))
		if err != nil {
			return fmt.Errorf("failed to seal grant: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO provider_grants (session_id, provider, ciphertext, expires_at, granted_scopes_json, subject)
			VALUES (?, ?, ?, ?, ?, ?)`,
			session.ID, provider, sealed, unixOrZero(grant.ExpiresAt),
			mustJSON(grant.GrantedScopes), grant.Subject)
		if err != nil {
			return fmt.Errorf("failed to write grant: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM downstream_tokens WHERE session_id = ?`, session.ID); err != nil {
		return fmt.Errorf("failed to clear downstream tokens: %w", err)
	}
	for key, tok := range session.Downstream {
		sealed, err := s.box.Seal([]byte(mustJSON(downstreamEnvelope{
			AccessToken: tok.AccessToken,
			TokenType:   tok.TokenType,
			Scopes:      tok.Scopes,
		})), downstreamAAD(session.ID, key.Provider, key.Audience))
		if err != nil {
			return fmt.Errorf("failed to seal downstream token: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO downstream_tokens (session_id, provider, audience, ciphertext, expires_at)
			VALUES (?, ?, ?, ?, ?)`,
			session.ID, key.Provider, key.Audience, sealed, unixOrZero(tok.ExpiresAt))
		if err != nil {
			return fmt.Errorf("failed to write downstream token: %w", err)
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) getSessionWhere(ctx context.Context, clause string, arg any) (*Session, error) {
	row := s.read.QueryRowContext(ctx, `
		SELECT id, token_fp, refresh_fp, client_id, issued_at, expires_at, idle_timeout_at, user_json, scopes_json
		FROM sessions WHERE `+clause, arg)

	var (
		session                            Session
		issuedAt, expiresAt, idleTimeoutAt int64
		userJSON, scopesJSON               string
	)
	err := row.Scan(&session.ID, &session.TokenFingerprint, &session.RefreshFingerprint, &session.ClientID,
		&issuedAt, &expiresAt, &idleTimeoutAt, &userJSON, &scopesJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session: %w", err)
	}
	session.IssuedAt = timeOrZero(issuedAt)
	session.ExpiresAt = timeOrZero(expiresAt)
	session.IdleTimeoutAt = timeOrZero(idleTimeoutAt)
	if err := json.Unmarshal([]byte(userJSON), &session.User); err != nil {
		return nil, fmt.Errorf("failed to decode user context: %w", err)
	}
	if err := json.Unmarshal([]byte(scopesJSON), &session.MXCPScopes); err != nil {
		return nil, fmt.Errorf("failed to decode scopes: %w", err)
	}

	if session.Expired(s.now()) {
		// Expiry on read keeps correctness even when the sweeper is
		// paused. Deletion is best-effort; the sweeper will catch a miss.
		if derr := s.DeleteSession(ctx, session.ID); derr != nil && !errors.Is(derr, ErrNotFound) {
			logger.Debugw("failed to delete expired session on read", "error", derr)
		}
		return nil, ErrExpired
	}

	if err := s.loadGrants(ctx, &session); err != nil {
		if mxcperrors.IsType(err, mxcperrors.ErrTamper) {
			// Fail closed: a record this key cannot authenticate is
			// poisoned; remove it so it can never resolve again.
			if derr := s.DeleteSession(ctx, session.ID); derr != nil && !errors.Is(derr, ErrNotFound) {
				logger.Warnw("failed to delete tampered session", "sessionID", session.ID, "error", derr)
			}
			logger.Warnw("session revoked after decryption failure", "sessionID", session.ID)
		}
		return nil, err
	}
	return &session, nil
}

func (s *SQLiteStore) loadGrants(ctx context.Context, session *Session) error {
	session.Grants = make(map[string]*ProviderGrant)
	rows, err := s.read.QueryContext(ctx, `
		SELECT provider, ciphertext, expires_at, granted_scopes_json, subject
		FROM provider_grants WHERE session_id = ?`, session.ID)
	if err != nil {
		return fmt.Errorf("failed to read grants: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			grant      ProviderGrant
			sealed     []byte
			expiresAt  int64
			scopesJSON string
		)
		if err := rows.Scan(&grant.Provider, &sealed, &expiresAt, &scopesJSON, &grant.Subject); err != nil {
			return fmt.Errorf("failed to scan grant: %w", err)
		}
		plaintext, err := s.box.Open(sealed, grantAAD(session.ID, grant.Provider))
		if err != nil {
			// Tamper classification from the box propagates so the
			// session layer revokes.
			return err
		}
		var envelope grantEnvelope
		if err := json.Unmarshal(plaintext, &envelope); err != nil {
			return fmt.Errorf("failed to decode grant: %w", err)
		}
		grant.AccessToken = envelope.AccessToken
		grant.RefreshToken = envelope.RefreshToken
		grant.RawClaims = envelope.RawClaims
		grant.ExpiresAt = timeOrZero(expiresAt)
		if err := json.Unmarshal([]byte(scopesJSON), &grant.GrantedScopes); err != nil {
			return fmt.Errorf("failed to decode granted scopes: %w", err)
		}
		session.Grants[grant.Provider] = &grant
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate grants: %w", err)
	}

	session.Downstream = make(map[identity.TokenKey]*DownstreamToken)
	drows, err := s.read.QueryContext(ctx, `
		SELECT provider, audience, ciphertext, expires_at
		FROM downstream_tokens WHERE session_id = ?`, session.ID)
	if err != nil {
		return fmt.Errorf("failed to read downstream tokens: %w", err)
	}
	defer drows.Close()
	for drows.Next() {
		var (
			provider, audience string
			sealed             []byte
			expiresAt          int64
		)
		if err := drows.Scan(&provider, &audience, &sealed, &expiresAt); err != nil {
			return fmt.Errorf("failed to scan downstream token: %w", err)
		}
		plaintext, err := s.box.Open(sealed, downstreamAAD(session.ID, provider, audience))
		if err != nil {
			return err
		}
		var envelope downstreamEnvelope
		if err := json.Unmarshal(plaintext, &envelope); err != nil {
			return fmt.Errorf("failed to decode downstream token: %w", err)
		}
		session.Downstream[identity.TokenKey{Provider: provider, Audience: audience}] = &DownstreamToken{
			AccessToken: envelope.AccessToken,
			TokenType:   envelope.TokenType,
			Scopes:      envelope.Scopes,
			ExpiresAt:   timeOrZero(expiresAt),
		}
	}
	return drows.Err()
}

// GetSessionByTokenFingerprint implements TokenStore.
func (s *SQLiteStore) GetSessionByTokenFingerprint(ctx context.Context, fingerprint string) (*Session, error) {
	return s.getSessionWhere(ctx, "token_fp = ?", fingerprint)
}

// GetSessionByRefreshFingerprint implements TokenStore.
func (s *SQLiteStore) GetSessionByRefreshFingerprint(ctx context.Context, fingerprint string) (*Session, error) {
	return s.getSessionWhere(ctx, "refresh_fp = ? AND refresh_fp <> ''", fingerprint)
}

// GetSessionByID implements TokenStore.
func (s *SQLiteStore) GetSessionByID(ctx context.Context, id string) (*Session, error) {
	return s.getSessionWhere(ctx, "id = ?", id)
}

// RotateSessionTokens implements TokenStore. The UPDATE carries the old
// refresh fingerprint in its WHERE clause, so of two concurrent rotations
// exactly one matches a row.
func (s *SQLiteStore) RotateSessionTokens(ctx context.Context, id string, rotation Rotation) error {
	query := `
		UPDATE sessions SET token_fp = ?, refresh_fp = ?, expires_at = ?, idle_timeout_at = ?
		WHERE id = ? AND refresh_fp = ?`
	args := []any{
		rotation.NewTokenFingerprint, rotation.NewRefreshFingerprint,
		unixOrZero(rotation.NewExpiresAt), unixOrZero(rotation.NewIdleTimeoutAt),
		id, rotation.OldRefreshFingerprint,
	}
	if rotation.NewUser != nil {
		query = `
			UPDATE sessions SET token_fp = ?, refresh_fp = ?, expires_at = ?, idle_timeout_at = ?, user_json = ?
			WHERE id = ? AND refresh_fp = ?`
		args = []any{
			rotation.NewTokenFingerprint, rotation.NewRefreshFingerprint,
			unixOrZero(rotation.NewExpiresAt), unixOrZero(rotation.NewIdleTimeoutAt),
			mustJSON(*rotation.NewUser), id, rotation.OldRefreshFingerprint,
		}
	}

	result, err := s.write.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to rotate session: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rotation: %w", err)
	}
	if affected == 1 {
		return nil
	}

	var exists int
	err = s.read.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to check session: %w", err)
	}
	return ErrConflict
}

// TouchSession implements TokenStore.
func (s *SQLiteStore) TouchSession(ctx context.Context, id string, idleTimeoutAt time.Time) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE sessions SET idle_timeout_at = ? WHERE id = ?`, unixOrZero(idleTimeoutAt), id)
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSession implements TokenStore. Grant and downstream rows go with
// the session via ON DELETE CASCADE.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// PutState implements TokenStore. The provider-leg PKCE verifier is the
// only sensitive state field and travels encrypted.
func (s *SQLiteStore) PutState(ctx context.Context, state *OAuthState) error {
	verifierCiphertext := []byte{}
	if state.ProviderVerifier != "" {
		sealed, err := s.box.Seal([]byte(state.ProviderVerifier), stateAAD(state.ID))
		if err != nil {
			return fmt.Errorf("failed to seal verifier: %w", err)
		}
		verifierCiphertext = sealed
	}
	_, err := s.write.ExecContext(ctx, `
		INSERT INTO oauth_states (id, code_challenge, challenge_method, client_id, redirect_uri, client_state, scopes_json, provider, verifier_ciphertext, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		state.ID, state.CodeChallenge, state.CodeChallengeMethod, state.ClientID, state.RedirectURI,
		state.ClientState, mustJSON(state.RequestedScopes), state.Provider, verifierCiphertext,
		unixOrZero(state.CreatedAt), unixOrZero(state.ExpiresAt))
	if err != nil {
		return fmt.Errorf("failed to write state: %w", err)
	}
	return nil
}

// ConsumeState implements TokenStore. DELETE ... RETURNING makes the
// read-and-delete a single statement on the write connection, so exactly
// one concurrent consumer sees the row.
func (s *SQLiteStore) ConsumeState(ctx context.Context, id string) (*OAuthState, error) {
	row := s.write.QueryRowContext(ctx, `
		DELETE FROM oauth_states WHERE id = ?
		RETURNING id, code_challenge, challenge_method, client_id, redirect_uri, client_state, scopes_json, provider, verifier_ciphertext, created_at, expires_at`, id)

	var (
		state                OAuthState
		scopesJSON           string
		verifierCiphertext   []byte
		createdAt, expiresAt int64
	)
	err := row.Scan(&state.ID, &state.CodeChallenge, &state.CodeChallengeMethod, &state.ClientID,
		&state.RedirectURI, &state.ClientState, &scopesJSON, &state.Provider, &verifierCiphertext, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume state: %w", err)
	}
	if len(verifierCiphertext) > 0 {
		plaintext, oerr := s.box.Open(verifierCiphertext, stateAAD(state.ID))
		if oerr != nil {
			return nil, oerr
		}
		state.ProviderVerifier = string(plaintext)
	}
	state.CreatedAt = timeOrZero(createdAt)
	state.ExpiresAt = timeOrZero(expiresAt)
	if err := json.Unmarshal([]byte(scopesJSON), &state.RequestedScopes); err != nil {
		return nil, fmt.Errorf("failed to decode state scopes: %w", err)
	}
	if s.now().After(state.ExpiresAt) {
		return nil, ErrExpired
	}
	return &state, nil
}

// PutAuthCode implements TokenStore.
func (s *SQLiteStore) PutAuthCode(ctx context.Context, code *AuthorizationCode) error {
	_, err := s.write.ExecContext(ctx, `
		INSERT INTO auth_codes (fingerprint, session_id, client_id, redirect_uri, code_challenge, challenge_method, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		code.Fingerprint, code.SessionID, code.ClientID, code.RedirectURI,
		code.CodeChallenge, code.CodeChallengeMethod,
		unixOrZero(code.CreatedAt), unixOrZero(code.ExpiresAt))
	if err != nil {
		return fmt.Errorf("failed to write auth code: %w", err)
	}
	return nil
}

// ConsumeAuthCode implements TokenStore.
func (s *SQLiteStore) ConsumeAuthCode(ctx context.Context, fingerprint string) (*AuthorizationCode, error) {
	row := s.write.QueryRowContext(ctx, `
		DELETE FROM auth_codes WHERE fingerprint = ?
		RETURNING fingerprint, session_id, client_id, redirect_uri, code_challenge, challenge_method, created_at, expires_at`, fingerprint)

	var (
		code                 AuthorizationCode
		createdAt, expiresAt int64
	)
	err := row.Scan(&code.Fingerprint, &code.SessionID, &code.ClientID, &code.RedirectURI,
		&code.CodeChallenge, &code.CodeChallengeMethod, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume auth code: %w", err)
	}
	code.CreatedAt = timeOrZero(createdAt)
	code.ExpiresAt = timeOrZero(expiresAt)
	if s.now().After(code.ExpiresAt) {
		return nil, ErrExpired
	}
	return &code, nil
}

// PutClient implements TokenStore.
func (s *SQLiteStore) PutClient(ctx context.Context, client *ClientRegistration) error {
	public := 0
	if client.Public {
		public = 1
	}
	_, err := s.write.ExecContext(ctx, `
		INSERT INTO clients (client_id, redirect_uris_json, grant_types_json, allowed_scopes_json, secret_digest, public)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (client_id) DO UPDATE SET
			redirect_uris_json = excluded.redirect_uris_json,
			grant_types_json = excluded.grant_types_json,
			allowed_scopes_json = excluded.allowed_scopes_json,
			secret_digest = excluded.secret_digest,
			public = excluded.public`,
		client.ClientID, mustJSON(client.RedirectURIs), mustJSON(client.GrantTypes),
		mustJSON(client.AllowedScopes), client.SecretDigest, public)
	if err != nil {
		return fmt.Errorf("failed to write client: %w", err)
	}
	return nil
}

func scanClient(row interface{ Scan(...any) error }) (*ClientRegistration, error) {
	var (
		client                                           ClientRegistration
		redirectsJSON, grantTypesJSON, allowedScopesJSON string
		public                                           int
	)
	err := row.Scan(&client.ClientID, &redirectsJSON, &grantTypesJSON, &allowedScopesJSON, &client.SecretDigest, &public)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(redirectsJSON), &client.RedirectURIs); err != nil {
		return nil, fmt.Errorf("failed to decode redirect uris: %w", err)
	}
	if err := json.Unmarshal([]byte(grantTypesJSON), &client.GrantTypes); err != nil {
		return nil, fmt.Errorf("failed to decode grant types: %w", err)
	}
	if err := json.Unmarshal([]byte(allowedScopesJSON), &client.AllowedScopes); err != nil {
		return nil, fmt.Errorf("failed to decode allowed scopes: %w", err)
	}
	client.Public = public == 1
	return &client, nil
}

// GetClient implements TokenStore.
func (s *SQLiteStore) GetClient(ctx context.Context, clientID string) (*ClientRegistration, error) {
	row := s.read.QueryRowContext(ctx, `
		SELECT client_id, redirect_uris_json, grant_types_json, allowed_scopes_json, secret_digest, public
		FROM clients WHERE client_id = ?`, clientID)
	client, err := scanClient(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read client: %w", err)
	}
	return client, nil
}

// ListClients implements TokenStore.
func (s *SQLiteStore) ListClients(ctx context.Context) ([]*ClientRegistration, error) {
	rows, err := s.read.QueryContext(ctx, `
		SELECT client_id, redirect_uris_json, grant_types_json, allowed_scopes_json, secret_digest, public
		FROM clients ORDER BY client_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}
	defer rows.Close()
	var out []*ClientRegistration
	for rows.Next() {
		client, err := scanClient(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan client: %w", err)
		}
		out = append(out, client)
	}
	return out, rows.Err()
}

// SweepExpired implements TokenStore.
func (s *SQLiteStore) SweepExpired(ctx context.Context) (*SweepResult, error) {
	now := s.now().UnixNano()
	result := &SweepResult{}

	collect := func(query string, arg ...any) ([]string, error) {
		rows, err := s.write.QueryContext(ctx, query, arg...)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return nil, err
			}
			ids = append(ids, id)
		}
		return ids, rows.Err()
	}

	var err error
	result.Sessions, err = collect(`
		DELETE FROM sessions
		WHERE expires_at < ? OR (idle_timeout_at <> 0 AND idle_timeout_at < ?)
		RETURNING id`, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to sweep sessions: %w", err)
	}
	result.States, err = collect(`DELETE FROM oauth_states WHERE expires_at < ? RETURNING id`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to sweep states: %w", err)
	}
	result.AuthCodes, err = collect(`DELETE FROM auth_codes WHERE expires_at < ? RETURNING fingerprint`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to sweep auth codes: %w", err)
	}

	if len(result.Sessions)+len(result.States)+len(result.AuthCodes) > 0 {
		logger.Debugw("swept expired records",
			"sessions", len(result.Sessions),
			"states", len(result.States),
			"authCodes", len(result.AuthCodes),
		)
	}
	return result, nil
}

// RawColumnDump returns every text and blob column value in the store.
// Exists for the leak-detection tests, which assert that no raw token ever
// appears in any persisted column.
func (s *SQLiteStore) RawColumnDump(ctx context.Context) (string, error) {
	var sb strings.Builder
	for _, query := range []string{
		`SELECT id || token_fp || refresh_fp || client_id || user_json || scopes_json FROM sessions`,
		`SELECT session_id || provider || hex(ciphertext) || granted_scopes_json || subject FROM provider_grants`,
		`SELECT session_id || provider || audience || hex(ciphertext) FROM downstream_tokens`,
		`SELECT id || code_challenge || client_id || redirect_uri || client_state || scopes_json || hex(verifier_ciphertext) FROM oauth_states`,
		`SELECT fingerprint || session_id || client_id || redirect_uri || code_challenge FROM auth_codes`,
	} {
		rows, err := s.read.QueryContext(ctx, query)
		if err != nil {
			return "", err
		}
		for rows.Next() {
			var value string
			if err := rows.Scan(&value); err != nil {
				rows.Close()
				return "", err
			}
			sb.WriteString(value)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return "", err
		}
		rows.Close()
	}
	return sb.String(), nil
}
