// Package devicecode implements the Builder-ID (AWS IDC) device-code OAuth
// flow: register a public client, request device authorization, then poll
// for a token until the user completes the browser step or the code expires.
package devicecode

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// State is the device-code flow's current stage.
type State string

const (
	StateRegister  State = "REGISTER"
	StateAuthorize State = "AUTHORIZE"
	StatePoll      State = "POLL"
	StateDone      State = "DONE"
	StateFailed    State = "FAILED"
	StateExpired   State = "EXPIRED"
)

// Result is the flow's terminal payload on success.
type Result struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    string
	ClientID     string
	ClientSecret string
	Region       string
}

// registerRequest/-Response model POST /client/register.
type registerRequest struct {
	ClientName string   `json:"clientName"`
	ClientType string   `json:"clientType"`
	Scopes     []string `json:"scopes"`
	GrantTypes []string `json:"grantTypes"`
}

type registerResponse struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
}

// authorizeRequest/-Response model POST /device_authorization.
type authorizeRequest struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
	StartURL     string `json:"startUrl"`
}

type authorizeResponse struct {
	DeviceCode              string `json:"deviceCode"`
	UserCode                string `json:"userCode"`
	VerificationURIComplete string `json:"verificationUriComplete"`
	Interval                int    `json:"interval"`
	ExpiresIn               int    `json:"expiresIn"`
}

// pollRequest/-Response model POST /token with grantType=device_code.
type pollRequest struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
	DeviceCode   string `json:"deviceCode"`
	GrantType    string `json:"grantType"`
}

type pollResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"`
	Error        string `json:"error"`
}

const oidcURLTemplate = "https://oidc.%s.amazonaws.com"

var defaultScopes = []string{"codewhisperer:completions", "codewhisperer:analysis"}

// Flow runs one device-code registration-through-poll sequence for a given
// identity. A new Flow for the same task ID cancels any prior running Flow.
type Flow struct {
	httpClient *http.Client
	logger     *slog.Logger
	region     string
	startURL   string

	mu      sync.Mutex
	stopped bool
}

// NewFlow creates a device-code flow targeting the given region/startURL.
func NewFlow(region, startURL string, logger *slog.Logger) *Flow {
	if logger == nil {
		logger = slog.Default()
	}
	return &Flow{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
		region:     region,
		startURL:   startURL,
	}
}

// Stop aborts a running poll loop before its next sleep.
func (f *Flow) Stop() {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
}

func (f *Flow) isStopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

// AuthorizePrompt is what the caller shows the user to complete sign-in.
type AuthorizePrompt struct {
	VerificationURIComplete string
	UserCode                string
}

// Register performs the REGISTER step.
func (f *Flow) Register(ctx context.Context) (clientID, clientSecret string, err error) {
	body, err := json.Marshal(registerRequest{
		ClientName: "kiro-claude-gateway",
		ClientType: "public",
		Scopes:     defaultScopes,
		GrantTypes: []string{"urn:ietf:params:oauth:grant-type:device_code", "refresh_token"},
	})
	if err != nil {
		return "", "", err
	}

	var resp registerResponse
	if err := f.post(ctx, "/client/register", body, &resp); err != nil {
		return "", "", fmt.Errorf("devicecode: register: %w", err)
	}
	return resp.ClientID, resp.ClientSecret, nil
}

// Authorize performs the AUTHORIZE step.
func (f *Flow) Authorize(ctx context.Context, clientID, clientSecret string) (deviceCode string, prompt AuthorizePrompt, interval time.Duration, expiresIn time.Duration, err error) {
	body, err := json.Marshal(authorizeRequest{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		StartURL:     f.startURL,
	})
	if err != nil {
		return "", AuthorizePrompt{}, 0, 0, err
	}

	var resp authorizeResponse
	if err := f.post(ctx, "/device_authorization", body, &resp); err != nil {
		return "", AuthorizePrompt{}, 0, 0, fmt.Errorf("devicecode: authorize: %w", err)
	}

	return resp.DeviceCode, AuthorizePrompt{
		VerificationURIComplete: resp.VerificationURIComplete,
		UserCode:                resp.UserCode,
	}, time.Duration(resp.Interval) * time.Second, time.Duration(resp.ExpiresIn) * time.Second, nil
}

// Poll runs the POLL step until success, failure, expiry, or Stop().
func (f *Flow) Poll(ctx context.Context, clientID, clientSecret, deviceCode string, interval, expiresIn time.Duration) (*Result, error) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	deadline := time.Now().Add(expiresIn)

	for {
		if f.isStopped() {
			return nil, fmt.Errorf("devicecode: polling canceled")
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("devicecode: device code expired")
		}

		body, err := json.Marshal(pollRequest{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			DeviceCode:   deviceCode,
			GrantType:    "urn:ietf:params:oauth:grant-type:device_code",
		})
		if err != nil {
			return nil, err
		}

		var resp pollResponse
		err = f.post(ctx, "/token", body, &resp)
		if err == nil && resp.AccessToken != "" {
			return &Result{
				AccessToken:  resp.AccessToken,
				RefreshToken: resp.RefreshToken,
				ExpiresAt:    time.Now().UTC().Add(time.Duration(resp.ExpiresIn) * time.Second).Format(time.RFC3339),
				ClientID:     clientID,
				ClientSecret: clientSecret,
				Region:       f.region,
			}, nil
		}

		switch resp.Error {
		case "authorization_pending":
			// keep polling
		case "slow_down":
			interval += 5 * time.Second
		case "":
			if err != nil {
				return nil, err
			}
			// no error and no token: treat as pending
		default:
			return nil, fmt.Errorf("devicecode: poll failed: %s", resp.Error)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
}

func (f *Flow) post(ctx context.Context, path string, body []byte, out interface{}) error {
	url := fmt.Sprintf(oidcURLTemplate, region(f.region)) + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusBadRequest {
		return fmt.Errorf("status %d: %s", resp.StatusCode, string(respBody))
	}
	return json.Unmarshal(respBody, out)
}

func region(r string) string {
	if r == "" {
		return "us-east-1"
	}
	return r
}

// Registry tracks in-flight poll flows keyed by a stable task ID, so
// starting a new poll for an identity already polling cancels the prior one.
type Registry struct {
	mu    sync.Mutex
	flows map[string]*Flow
}

// NewRegistry creates an empty flow registry.
func NewRegistry() *Registry {
	return &Registry{flows: make(map[string]*Flow)}
}

// Start registers f under taskID, canceling and replacing any prior flow
// under the same ID.
func (r *Registry) Start(taskID string, f *Flow) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.flows[taskID]; ok {
		prev.Stop()
	}
	r.flows[taskID] = f
}

// Cancel stops the flow registered under taskID, if any.
func (r *Registry) Cancel(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f, ok := r.flows[taskID]; ok {
		f.Stop()
		delete(r.flows, taskID)
	}
}

// Finish removes taskID from the registry once its flow has terminated.
func (r *Registry) Finish(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.flows, taskID)
}
