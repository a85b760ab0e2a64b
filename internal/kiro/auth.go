package kiro

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	// RefreshURLTemplate is the Kiro token refresh endpoint template (social auth).
	RefreshURLTemplate = "https://prod.%s.auth.desktop.kiro.dev/refreshToken"
	// RefreshIDCURLTemplate is the AWS IDC token refresh endpoint template (builder-id).
	RefreshIDCURLTemplate = "https://oidc.%s.amazonaws.com/token"
	// RefreshTimeout bounds a single refresh round-trip.
	RefreshTimeout = 30 * time.Second
)

// RefreshRequest is a token refresh request for social auth.
type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// RefreshIDCRequest is a token refresh request for IDC (builder-id) auth.
type RefreshIDCRequest struct {
	RefreshToken string `json:"refreshToken"`
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
	GrantType    string `json:"grantType"`
}

// RefreshResponse is a token refresh response.
type RefreshResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"` // seconds
	ProfileARN   string `json:"profileArn,omitempty"`
}

// AuthManager performs OAuth refreshes for the pool's accounts, deduplicating
// concurrent refresh triggers (heartbeat + request-path 401) for the same
// account UUID into a single in-flight upstream call.
type AuthManager struct {
	httpClient *http.Client
	logger     *slog.Logger
	sfGroup    singleflight.Group
}

// NewAuthManager creates an Auth Manager backed by its own short-timeout
// HTTP client (refresh calls are not streaming and must not wait forever).
func NewAuthManager(logger *slog.Logger) *AuthManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthManager{
		httpClient: &http.Client{Timeout: RefreshTimeout},
		logger:     logger,
	}
}

// IsExpiryNear reports whether expiresAt is within thresholdMinutes of now.
// An unparsable or empty expiresAt is treated as near (forces a refresh).
func IsExpiryNear(expiresAt string, thresholdMinutes time.Duration) bool {
	if expiresAt == "" {
		return true
	}
	t, err := time.Parse(time.RFC3339, expiresAt)
	if err != nil {
		return true
	}
	return !t.After(time.Now().UTC().Add(thresholdMinutes))
}

// Refresh performs (or joins an in-flight) token refresh for uuid, routing
// to the social or IDC endpoint per authMethod.
func (m *AuthManager) Refresh(ctx context.Context, uuid, region, refreshToken, authMethod, clientID, clientSecret string) (*RefreshResponse, error) {
	v, err, shared := m.sfGroup.Do(uuid, func() (interface{}, error) {
		return m.doRefresh(ctx, region, refreshToken, authMethod, clientID, clientSecret)
	})
	if shared {
		m.logger.Debug("token refresh deduplicated", "uuid", uuid)
	}
	if err != nil {
		return nil, err
	}
	return v.(*RefreshResponse), nil
}

func (m *AuthManager) doRefresh(ctx context.Context, regionName, refreshToken, authMethod, clientID, clientSecret string) (*RefreshResponse, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("kiro: no refresh token available")
	}

	var refreshURL string
	var bodyBytes []byte
	var err error

	if authMethod != "" && authMethod != "social" {
		refreshURL = fmt.Sprintf(RefreshIDCURLTemplate, region(regionName))
		bodyBytes, err = json.Marshal(RefreshIDCRequest{
			RefreshToken: refreshToken,
			ClientID:     clientID,
			ClientSecret: clientSecret,
			GrantType:    "refresh_token",
		})
	} else {
		refreshURL = fmt.Sprintf(RefreshURLTemplate, region(regionName))
		bodyBytes, err = json.Marshal(RefreshRequest{RefreshToken: refreshToken})
	}
	if err != nil {
		return nil, fmt.Errorf("kiro: marshal refresh request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, RefreshTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, refreshURL, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("kiro: build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	m.logger.Debug("refreshing token", "url", refreshURL)

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("kiro: refresh request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("kiro: read refresh response: %w", err)
	}
	if resp.StatusCode >= 400 {
		m.logger.Warn("token refresh failed", "status", resp.StatusCode, "body", string(body))
		return nil, fmt.Errorf("kiro: token refresh rejected with status %d: %s", resp.StatusCode, string(body))
	}

	var refreshResp RefreshResponse
	if err := json.Unmarshal(body, &refreshResp); err != nil {
		return nil, fmt.Errorf("kiro: parse refresh response: %w", err)
	}

	m.logger.Info("token refreshed successfully")
	return &refreshResp, nil
}

// ExpiresAtFromNow computes the RFC3339 expiry timestamp expiresIn seconds
// from now, for merging a RefreshResponse into stored credentials. Returns
// the empty string when expiresIn is not positive, so the caller can leave
// the account at its previous expiry instead of collapsing it to "now".
func ExpiresAtFromNow(expiresIn int64) string {
	if expiresIn <= 0 {
		return ""
	}
	return time.Now().UTC().Add(time.Duration(expiresIn) * time.Second).Format(time.RFC3339)
}
