// SPDX-FileCopyrightText: Copyright 2026 RAW Labs SA
// SPDX-License-Identifier: Apache-2.0

// Package tokens provides the cryptographic primitives of the auth core:
// opaque token minting, token fingerprints, PKCE verification, and the
// authenticated encryption box used by the token store.
package tokens

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// Token namespace prefixes. The prefix is part of the wire token and lets
// operators identify a leaked credential's family at a glance. It also
// prevents a refresh token from being accepted where an access token is
// expected.
const (
	// PrefixAccess marks MXCP access tokens.
	PrefixAccess = "mcp_at_"
	// PrefixRefresh marks MXCP refresh tokens.
	PrefixRefresh = "mcp_rt_"
	// PrefixAuthCode marks MXCP authorization codes.
	PrefixAuthCode = "mcp_ac_"
)

// tokenEntropyBytes is the random payload of a minted token. 32 bytes gives
// 256 bits of entropy, which is what makes unsalted fingerprints safe.
const tokenEntropyBytes = 32

// Mint returns a fresh opaque token in the given namespace.
func Mint(prefix string) (string, error) {
	buf := make([]byte, tokenEntropyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return prefix + base64.RawURLEncoding.EncodeToString(buf), nil
}

// MintID returns a random identifier without a namespace prefix, for
// session and state ids.
func MintID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate id: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// HasPrefix reports whether the token belongs to the given namespace.
func HasPrefix(token, prefix string) bool {
	return strings.HasPrefix(token, prefix)
}

// Fingerprint returns the hex-encoded SHA-256 of the raw token. Stores hold
// fingerprints, never tokens.
func Fingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// PKCE code challenge methods per RFC 7636.
const (
	// PKCEMethodS256 is the SHA-256 transformation.
	PKCEMethodS256 = "S256"
	// PKCEMethodPlain passes the verifier through unchanged.
	PKCEMethodPlain = "plain"
)

// ComputePKCEChallenge returns the S256 challenge for a code verifier.
func ComputePKCEChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// GeneratePKCEVerifier returns a code verifier suitable for the S256 method.
func GeneratePKCEVerifier() (string, error) {
	buf := make([]byte, tokenEntropyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate verifier: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// VerifyPKCE checks a code verifier against a recorded challenge. The
// comparison is constant-time. An empty challenge passes without a check;
// otherwise an unknown method fails.
func VerifyPKCE(challenge, method, verifier string) bool {
	if challenge == "" {
		// No challenge was recorded during authorization; nothing to verify.
		return true
	}
	var transformed string
	switch method {
	case PKCEMethodS256, "":
		transformed = ComputePKCEChallenge(verifier)
	case PKCEMethodPlain:
		transformed = verifier
	default:
		return false
	}
	return subtle.ConstantTimeCompare([]byte(transformed), []byte(challenge)) == 1
}
