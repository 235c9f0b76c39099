package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	apperrors "github.com/agentpod/agentpod/internal/common/errors"
)

// ProtectedResourceMetadata is the RFC 9728 document at
// /.well-known/oauth-protected-resource.
type ProtectedResourceMetadata struct {
	Resource             string   `json:"resource"`
	AuthorizationServers []string `json:"authorization_servers"`
	ScopesSupported      []string `json:"scopes_supported,omitempty"`
}

// ServerMetadata is the RFC 8414 authorization-server metadata document.
type ServerMetadata struct {
	Issuer                        string   `json:"issuer"`
	AuthorizationEndpoint         string   `json:"authorization_endpoint"`
	TokenEndpoint                 string   `json:"token_endpoint"`
	RegistrationEndpoint          string   `json:"registration_endpoint,omitempty"`
	ScopesSupported               []string `json:"scopes_supported,omitempty"`
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported,omitempty"`
	GrantTypesSupported           []string `json:"grant_types_supported,omitempty"`
}

// DiscoverResource fetches the protected-resource metadata of an external
// resource and the metadata of its first advertised authorization server.
// Resources without a metadata document fall back to treating the resource
// origin as its own authorization server.
func DiscoverResource(ctx context.Context, client *http.Client, resourceURL string) (*ServerMetadata, string, error) {
	origin, err := originOf(resourceURL)
	if err != nil {
		return nil, "", apperrors.Invalid("resource_url", fmt.Sprintf("invalid resource URL: %v", err))
	}

	authServer := origin
	var prm ProtectedResourceMetadata
	if err := fetchJSON(ctx, client, origin+"/.well-known/oauth-protected-resource", &prm); err == nil &&
		len(prm.AuthorizationServers) > 0 {
		authServer = strings.TrimSuffix(prm.AuthorizationServers[0], "/")
	}

	meta, err := DiscoverServer(ctx, client, authServer)
	if err != nil {
		return nil, "", err
	}
	return meta, authServer, nil
}

// DiscoverServer fetches authorization-server metadata, trying the OAuth
// well-known path first and the OpenID Connect one as fallback.
func DiscoverServer(ctx context.Context, client *http.Client, authServerURL string) (*ServerMetadata, error) {
	base := strings.TrimSuffix(authServerURL, "/")

	var meta ServerMetadata
	err := fetchJSON(ctx, client, base+"/.well-known/oauth-authorization-server", &meta)
	if err != nil || meta.AuthorizationEndpoint == "" {
		if err2 := fetchJSON(ctx, client, base+"/.well-known/openid-configuration", &meta); err2 != nil {
			if err == nil {
				err = err2
			}
			return nil, apperrors.Network(
				fmt.Sprintf("authorization server metadata discovery failed for %s", authServerURL), err)
		}
	}

	if meta.AuthorizationEndpoint == "" || meta.TokenEndpoint == "" {
		return nil, apperrors.Network(
			fmt.Sprintf("authorization server %s metadata missing endpoints", authServerURL), nil)
	}
	return &meta, nil
}

func originOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("missing scheme or host in %q", rawURL)
	}
	return u.Scheme + "://" + u.Host, nil
}

func fetchJSON(ctx context.Context, client *http.Client, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: HTTP %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
