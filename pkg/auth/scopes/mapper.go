// Package scopes translates identity-provider claims into the internal MXCP
// scope vocabulary and declares which MXCP scopes need downstream tokens.
package scopes

import (
	"encoding/json"
	"sort"

	"github.com/tidwall/gjson"
)

// ClaimMappings is the per-provider translation table. Keys on the left are
// labels the IdP asserts; values are the MXCP scopes they grant.
type ClaimMappings struct {
	// Scopes maps granted provider scopes to MXCP scopes.
	Scopes map[string][]string `mapstructure:"scopes" yaml:"scopes"`

	// Groups maps group names to MXCP scopes.
	Groups map[string][]string `mapstructure:"groups" yaml:"groups"`

	// Roles maps role names to MXCP scopes.
	Roles map[string][]string `mapstructure:"roles" yaml:"roles"`

	// Claims maps a claim JSON path to a value matcher table. The path is
	// evaluated with gjson against the normalized claims document; each
	// matched value is looked up in the inner map.
	Claims map[string]map[string][]string `mapstructure:"claims" yaml:"claims"`
}

// Input is the normalized view of a provider grant the mapper consumes.
// Adapters are responsible for flattening IdP-specific claim locations
// (e.g. Keycloak's realm_access.roles) into Groups and Roles before mapping.
type Input struct {
	// GrantedScopes are the provider scopes the IdP actually granted.
	// Requested-but-ungranted scopes must not appear here.
	GrantedScopes []string

	// Groups are group memberships asserted by the provider.
	Groups []string

	// Roles are roles asserted by the provider.
	Roles []string

	// RawClaims is the provider's claims document for path matching.
	RawClaims map[string]any
}

// Map translates a normalized grant into the MXCP scope set. The function
// is pure and deterministic: each source contributes independently, results
// are unioned, unknown labels are ignored, and the output is sorted.
func Map(mappings ClaimMappings, input Input) []string {
	set := make(map[string]struct{})

	collect := func(table map[string][]string, labels []string) {
		for _, label := range labels {
			for _, scope := range table[label] {
				set[scope] = struct{}{}
			}
		}
	}

	collect(mappings.Scopes, input.GrantedScopes)
	collect(mappings.Groups, input.Groups)
	collect(mappings.Roles, input.Roles)

	if len(mappings.Claims) > 0 && input.RawClaims != nil {
		doc, err := json.Marshal(input.RawClaims)
		if err == nil {
			for path, matchers := range mappings.Claims {
				collect(matchers, claimValues(doc, path))
			}
		}
	}

	out := make([]string, 0, len(set))
	for scope := range set {
		out = append(out, scope)
	}
	sort.Strings(out)
	return out
}

// claimValues evaluates a gjson path and returns the string values it
// yields. Arrays contribute each element; scalars contribute themselves.
func claimValues(doc []byte, path string) []string {
	result := gjson.GetBytes(doc, path)
	if !result.Exists() {
		return nil
	}
	if result.IsArray() {
		var values []string
		result.ForEach(func(_, value gjson.Result) bool {
			values = append(values, value.String())
			return true
		})
		return values
	}
	return []string{result.String()}
}

// Requirement declares that honoring an MXCP scope may need a downstream
// provider token, acquired lazily at invocation time.
type Requirement struct {
	// Provider names the adapter whose subject token feeds the exchange.
	Provider string `mapstructure:"provider" yaml:"provider"`

	// Audience is the target audience of the exchanged token.
	Audience string `mapstructure:"audience" yaml:"audience"`

	// Resource is the RFC 8693 resource indicator, if any.
	Resource string `mapstructure:"resource" yaml:"resource"`
}

// Requirements maps MXCP scope names to their downstream declarations.
type Requirements map[string]Requirement
