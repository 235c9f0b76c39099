package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/agentpod/agentpod/internal/common/errors"
	"github.com/agentpod/agentpod/internal/common/logger"
)

// refreshWindow triggers a proactive refresh when the access token is
// about to expire.
const refreshWindow = 60 * time.Second

// Manager drives the authorization-code flow and serves tokens from the
// encrypted vault.
type Manager struct {
	store       Store
	cipher      *Cipher
	callbackURL string
	httpClient  *http.Client
	logger      *logger.Logger
}

// NewManager creates an OAuth manager. callbackURL is the externally
// reachable redirect URI registered with authorization servers.
func NewManager(store Store, cipher *Cipher, callbackURL string, log *logger.Logger) *Manager {
	return &Manager{
		store:       store,
		cipher:      cipher,
		callbackURL: callbackURL,
		httpClient:  &http.Client{Timeout: 15 * time.Second},
		logger:      log.WithFields(zap.String("component", "oauth")),
	}
}

// Cipher exposes the vault cipher for the storage layer.
func (m *Manager) Cipher() *Cipher { return m.cipher }

// Authorization is the result of BeginAuthorization: the URL to send the
// user to.
type Authorization struct {
	AuthorizeURL string `json:"authorize_url"`
	SessionID    string `json:"session_id"`
}

// BeginAuthorization discovers the resource's authorization server,
// registers a client when registration is advertised, and returns the
// authorize URL for the user. An existing session for (user, resource) is
// reset to pending.
func (m *Manager) BeginAuthorization(ctx context.Context, userID, resourceURL, scope string) (*Authorization, error) {
	if userID == "" || resourceURL == "" {
		return nil, apperrors.Invalid("resource_url", "user id and resource URL are required")
	}

	meta, authServer, err := DiscoverResource(ctx, m.httpClient, resourceURL)
	if err != nil {
		return nil, err
	}

	session, err := m.store.GetByUserResource(ctx, userID, resourceURL)
	if err != nil {
		return nil, err
	}
	if session == nil {
		session = &Session{
			ID:          uuid.New().String(),
			UserID:      userID,
			ResourceURL: resourceURL,
			CreatedAt:   time.Now().UTC(),
		}
	}
	session.AuthServerURL = authServer
	session.Status = StatusPending
	session.AccessToken = ""
	session.RefreshToken = ""
	session.ExpiresAt = time.Time{}

	if session.ClientID == "" && meta.RegistrationEndpoint != "" {
		clientID, clientSecret, regErr := m.registerClient(ctx, meta.RegistrationEndpoint)
		if regErr != nil {
			return nil, regErr
		}
		session.ClientID = clientID
		session.ClientSecret = clientSecret
	}
	if session.ClientID == "" {
		return nil, apperrors.AuthRequired(
			fmt.Sprintf("authorization server %s does not support dynamic registration; configure a client id", authServer))
	}

	pkce, err := NewPKCE(meta.CodeChallengeMethodsSupported)
	if err != nil {
		return nil, apperrors.Internal("generate PKCE challenge", err)
	}
	state, err := NewState()
	if err != nil {
		return nil, apperrors.Internal("generate state", err)
	}
	session.PKCEVerifier = pkce.Verifier
	session.State = state
	session.Scope = scope
	session.UpdatedAt = time.Now().UTC()

	if err := m.store.Upsert(ctx, session); err != nil {
		return nil, err
	}

	q := url.Values{
		"response_type":         {"code"},
		"client_id":             {session.ClientID},
		"redirect_uri":          {m.callbackURL},
		"state":                 {state},
		"code_challenge":        {pkce.Challenge},
		"code_challenge_method": {pkce.Method},
		"resource":              {resourceURL},
	}
	if scope != "" {
		q.Set("scope", scope)
	}
	sep := "?"
	if strings.Contains(meta.AuthorizationEndpoint, "?") {
		sep = "&"
	}

	m.logger.Info("authorization started",
		zap.String("user_id", userID),
		zap.String("resource_url", resourceURL),
		zap.String("auth_server", authServer))

	return &Authorization{
		AuthorizeURL: meta.AuthorizationEndpoint + sep + q.Encode(),
		SessionID:    session.ID,
	}, nil
}

// HandleCallback exchanges the authorization code delivered to the
// redirect URI for tokens and stores them.
func (m *Manager) HandleCallback(ctx context.Context, code, state string) (*Session, error) {
	if code == "" || state == "" {
		return nil, apperrors.Invalid("state", "code and state are required")
	}

	session, err := m.store.GetByState(ctx, state)
	if err != nil {
		return nil, err
	}
	if session == nil || session.Status != StatusPending {
		return nil, apperrors.AuthRequired("no pending authorization matches this callback")
	}

	meta, err := DiscoverServer(ctx, m.httpClient, session.AuthServerURL)
	if err != nil {
		return nil, err
	}

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {m.callbackURL},
		"client_id":     {session.ClientID},
		"code_verifier": {session.PKCEVerifier},
		"resource":      {session.ResourceURL},
	}
	if session.ClientSecret != "" {
		form.Set("client_secret", session.ClientSecret)
	}

	token, err := m.requestToken(ctx, meta.TokenEndpoint, form)
	if err != nil {
		return nil, err
	}

	m.applyToken(session, token)
	session.PKCEVerifier = ""
	session.State = ""
	if err := m.store.Upsert(ctx, session); err != nil {
		return nil, err
	}

	m.logger.Info("authorization completed",
		zap.String("user_id", session.UserID),
		zap.String("resource_url", session.ResourceURL))
	return session, nil
}

// Token returns a usable access token for (user, resource), refreshing
// proactively when the token expires within the refresh window.
func (m *Manager) Token(ctx context.Context, userID, resourceURL string) (string, error) {
	session, err := m.store.GetByUserResource(ctx, userID, resourceURL)
	if err != nil {
		return "", err
	}
	if session == nil || !session.Authorized() {
		return "", apperrors.AuthRequired(fmt.Sprintf("authorization required for %s", resourceURL))
	}

	if !session.ExpiresAt.IsZero() && time.Until(session.ExpiresAt) < refreshWindow {
		if err := m.refresh(ctx, session); err != nil {
			return "", err
		}
	}
	return session.AccessToken, nil
}

// SessionFor returns the vault session for (user, resource), refreshed
// when close to expiry, for env projection into child processes.
func (m *Manager) SessionFor(ctx context.Context, userID, resourceURL string) (*Session, error) {
	if _, err := m.Token(ctx, userID, resourceURL); err != nil {
		return nil, err
	}
	return m.store.GetByUserResource(ctx, userID, resourceURL)
}

// List returns every session of a user.
func (m *Manager) List(ctx context.Context, userID string) ([]*Session, error) {
	return m.store.List(ctx, userID)
}

// Revoke removes a user's session for a resource.
func (m *Manager) Revoke(ctx context.Context, userID, resourceURL string) error {
	session, err := m.store.GetByUserResource(ctx, userID, resourceURL)
	if err != nil {
		return err
	}
	if session == nil {
		return apperrors.NotFound("oauth session", resourceURL)
	}
	return m.store.Delete(ctx, session.ID)
}

// HandleUnauthorized evicts tokens after the protected resource rejected
// them with 401/invalid_token. The session flips to auth_required.
func (m *Manager) HandleUnauthorized(ctx context.Context, userID, resourceURL string) error {
	session, err := m.store.GetByUserResource(ctx, userID, resourceURL)
	if err != nil || session == nil {
		return err
	}
	m.evict(session)
	if err := m.store.Upsert(ctx, session); err != nil {
		return err
	}
	m.logger.Warn("tokens evicted after resource rejection",
		zap.String("user_id", userID),
		zap.String("resource_url", resourceURL))
	return nil
}

func (m *Manager) refresh(ctx context.Context, session *Session) error {
	if session.RefreshToken == "" {
		m.evict(session)
		_ = m.store.Upsert(ctx, session)
		return apperrors.AuthRequired(fmt.Sprintf("token expired for %s and no refresh token present", session.ResourceURL))
	}

	meta, err := DiscoverServer(ctx, m.httpClient, session.AuthServerURL)
	if err != nil {
		return err
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {session.RefreshToken},
		"client_id":     {session.ClientID},
	}
	if session.ClientSecret != "" {
		form.Set("client_secret", session.ClientSecret)
	}

	token, err := m.requestToken(ctx, meta.TokenEndpoint, form)
	if err != nil {
		if apperrors.IsAuthRequired(err) {
			m.evict(session)
			_ = m.store.Upsert(ctx, session)
		}
		return err
	}

	// Servers may rotate or omit the refresh token; keep the old one when
	// omitted.
	if token.RefreshToken == "" {
		token.RefreshToken = session.RefreshToken
	}
	m.applyToken(session, token)
	if err := m.store.Upsert(ctx, session); err != nil {
		return err
	}

	m.logger.Debug("access token refreshed",
		zap.String("user_id", session.UserID),
		zap.String("resource_url", session.ResourceURL))
	return nil
}

func (m *Manager) evict(session *Session) {
	session.AccessToken = ""
	session.RefreshToken = ""
	session.ExpiresAt = time.Time{}
	session.Status = StatusAuthRequired
	session.UpdatedAt = time.Now().UTC()
}

func (m *Manager) applyToken(session *Session, token *tokenResponse) {
	session.AccessToken = token.AccessToken
	session.RefreshToken = token.RefreshToken
	session.TokenType = token.TokenType
	if token.Scope != "" {
		session.Scope = token.Scope
	}
	if token.ExpiresIn > 0 {
		session.ExpiresAt = time.Now().UTC().Add(time.Duration(token.ExpiresIn) * time.Second)
	} else {
		session.ExpiresAt = time.Time{}
	}
	session.Status = StatusAuthorized
	session.UpdatedAt = time.Now().UTC()
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

type tokenError struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

func (m *Manager) requestToken(ctx context.Context, endpoint string, form url.Values) (*tokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, apperrors.Internal("create token request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.Network("token endpoint unreachable", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		var te tokenError
		_ = json.NewDecoder(resp.Body).Decode(&te)
		if resp.StatusCode == http.StatusUnauthorized ||
			(resp.StatusCode == http.StatusBadRequest &&
				(te.Code == "invalid_grant" || te.Code == "invalid_token")) {
			return nil, apperrors.AuthRequired(fmt.Sprintf("token request rejected: %s", te.Code))
		}
		return nil, apperrors.Network(fmt.Sprintf("token request failed: HTTP %d %s", resp.StatusCode, te.Code), nil)
	}

	var token tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return nil, apperrors.Network("parse token response", err)
	}
	if token.AccessToken == "" {
		return nil, apperrors.Network("token response missing access_token", nil)
	}
	return &token, nil
}

type registrationRequest struct {
	RedirectURIs            []string `json:"redirect_uris"`
	ClientName              string   `json:"client_name"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
}

type registrationResponse struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret,omitempty"`
}

// registerClient performs RFC 7591 dynamic client registration.
func (m *Manager) registerClient(ctx context.Context, endpoint string) (string, string, error) {
	body, err := json.Marshal(registrationRequest{
		RedirectURIs:            []string{m.callbackURL},
		ClientName:              "agentpod",
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		TokenEndpointAuthMethod: "none",
	})
	if err != nil {
		return "", "", apperrors.Internal("marshal registration request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(string(body)))
	if err != nil {
		return "", "", apperrors.Internal("create registration request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", "", apperrors.Network("registration endpoint unreachable", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", "", apperrors.Network(fmt.Sprintf("client registration failed: HTTP %d", resp.StatusCode), nil)
	}

	var reg registrationResponse
	if err := json.NewDecoder(resp.Body).Decode(&reg); err != nil {
		return "", "", apperrors.Network("parse registration response", err)
	}
	if reg.ClientID == "" {
		return "", "", apperrors.Network("registration response missing client_id", nil)
	}
	return reg.ClientID, reg.ClientSecret, nil
}
