package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/raw-labs/mxcp/pkg/logger"
)

// RFC9728AuthInfo is the OAuth Protected Resource metadata document
// (RFC 9728), served in verifier mode so clients can discover the external
// authorization server protecting this resource.
type RFC9728AuthInfo struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers"`
	BearerMethodsSupported []string `json:"bearer_methods_supported"`
	ScopesSupported        []string `json:"scopes_supported"`
}

// NewAuthInfoHandler serves RFC 9728 protected-resource metadata.
func NewAuthInfoHandler(authorizationServer, resourceURL string, scopes []string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// CORS: this is a discovery endpoint; clients fetch it from
		// browser contexts before authenticating.
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if resourceURL == "" {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		doc := RFC9728AuthInfo{
			Resource:               resourceURL,
			AuthorizationServers:   []string{authorizationServer},
			BearerMethodsSupported: []string{"header"},
			ScopesSupported:        scopes,
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(doc); err != nil {
			logger.Errorf("failed to encode resource metadata: %v", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
	})
}
