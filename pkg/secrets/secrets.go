// Package secrets resolves secret references into secret material.
//
// The auth core never reads the environment or the filesystem directly for
// secrets. Configuration carries references of the form:
//
//	env://VAR_NAME
//	file:///absolute/path
//	keyring://service/key
//
// and the config layer resolves them through a Resolver at startup and on
// hot reload. Resolution failures are returned to the caller; they never
// produce an empty secret.
package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
)

// Ref is an unresolved secret reference.
type Ref string

// Scheme prefixes for secret references.
const (
	SchemeEnv     = "env://"
	SchemeFile    = "file://"
	SchemeKeyring = "keyring://"
)

// Resolver resolves secret references. Implementations must be safe for
// concurrent use.
type Resolver interface {
	// Resolve returns the secret material behind a reference.
	Resolve(ctx context.Context, ref Ref) (string, error)
}

// NewResolver returns the default resolver supporting env, file, and
// keyring references.
func NewResolver() Resolver {
	return &defaultResolver{}
}

type defaultResolver struct{}

func (*defaultResolver) Resolve(_ context.Context, ref Ref) (string, error) {
	s := string(ref)
	switch {
	case s == "":
		return "", fmt.Errorf("secret reference cannot be empty")

	case strings.HasPrefix(s, SchemeEnv):
		name := strings.TrimPrefix(s, SchemeEnv)
		if name == "" {
			return "", fmt.Errorf("env reference missing variable name")
		}
		value := os.Getenv(name)
		if value == "" {
			return "", fmt.Errorf("secret not found in environment: %s", name)
		}
		return value, nil

	case strings.HasPrefix(s, SchemeFile):
		path := strings.TrimPrefix(s, SchemeFile)
		if path == "" {
			return "", fmt.Errorf("file reference missing path")
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("failed to read secret file: %w", err)
		}
		value := strings.TrimRight(string(data), "\r\n")
		if value == "" {
			return "", fmt.Errorf("secret file is empty: %s", path)
		}
		return value, nil

	case strings.HasPrefix(s, SchemeKeyring):
		rest := strings.TrimPrefix(s, SchemeKeyring)
		service, key, ok := strings.Cut(rest, "/")
		if !ok || service == "" || key == "" {
			return "", fmt.Errorf("keyring reference must be keyring://service/key")
		}
		value, err := keyring.Get(service, key)
		if err != nil {
			return "", fmt.Errorf("failed to read keyring secret: %w", err)
		}
		return value, nil

	default:
		return "", fmt.Errorf("unrecognized secret reference scheme")
	}
}

// Static returns a resolver that serves fixed values, for tests and for
// callers that already hold resolved material.
func Static(values map[Ref]string) Resolver {
	return staticResolver(values)
}

type staticResolver map[Ref]string

func (r staticResolver) Resolve(_ context.Context, ref Ref) (string, error) {
	value, ok := r[ref]
	if !ok {
		return "", fmt.Errorf("secret not found")
	}
	return value, nil
}
