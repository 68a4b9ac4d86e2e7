package credential

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	// DefaultBaseURL is the upstream API root used to mint client secrets.
	DefaultBaseURL = "https://api.openai.com"

	sessionsPath = "/v1/realtime/sessions"

	maxErrorBodyBytes = 4 << 10
)

// ErrMissingToken is returned when the upstream answered successfully but
// did not include a client secret.
var ErrMissingToken = errors.New("realtime session response has no client secret")

// HTTPIssuer mints ephemeral client secrets from the upstream realtime
// sessions endpoint using a long-lived API key that never leaves the gateway.
type HTTPIssuer struct {
	apiKey     string
	baseURL    string
	model      string
	voice      string
	httpClient *http.Client
}

// Option configures an HTTPIssuer.
type Option func(*HTTPIssuer)

func WithBaseURL(baseURL string) Option {
	return func(i *HTTPIssuer) {
		if strings.TrimSpace(baseURL) != "" {
			i.baseURL = baseURL
		}
	}
}

func WithModel(model string) Option {
	return func(i *HTTPIssuer) { i.model = strings.TrimSpace(model) }
}

func WithVoice(voice string) Option {
	return func(i *HTTPIssuer) { i.voice = strings.TrimSpace(voice) }
}

func WithHTTPClient(c *http.Client) Option {
	return func(i *HTTPIssuer) {
		if c != nil {
			i.httpClient = c
		}
	}
}

// NewHTTPIssuer creates an issuer bound to apiKey.
func NewHTTPIssuer(apiKey string, opts ...Option) *HTTPIssuer {
	i := &HTTPIssuer{
		apiKey:     apiKey,
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

type sessionRequest struct {
	Model string `json:"model,omitempty"`
	Voice string `json:"voice,omitempty"`
}

type sessionResponse struct {
	Model        string `json:"model"`
	ClientSecret struct {
		Value     string `json:"value"`
		ExpiresAt int64  `json:"expires_at"`
	} `json:"client_secret"`
}

// Issue implements Issuer.
func (i *HTTPIssuer) Issue(ctx context.Context) (Credential, error) {
	body, err := json.Marshal(sessionRequest{Model: i.model, Voice: i.voice})
	if err != nil {
		return Credential{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, i.sessionsURL(), bytes.NewReader(body))
	if err != nil {
		return Credential{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+i.apiKey)

	resp, err := i.httpClient.Do(httpReq)
	if err != nil {
		return Credential{}, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return Credential{}, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	var decoded sessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Credential{}, fmt.Errorf("decode response: %w", err)
	}
	if strings.TrimSpace(decoded.ClientSecret.Value) == "" {
		return Credential{}, ErrMissingToken
	}

	model := decoded.Model
	if model == "" {
		model = i.model
	}
	return Credential{
		Token:     decoded.ClientSecret.Value,
		ExpiresAt: time.Unix(decoded.ClientSecret.ExpiresAt, 0),
		ModelID:   model,
	}, nil
}

func (i *HTTPIssuer) sessionsURL() string {
	return strings.TrimRight(i.baseURL, "/") + sessionsPath
}

// StatusError is returned when the sessions endpoint answers with a non-2xx
// status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("realtime sessions: status %d", e.StatusCode)
	}
	return fmt.Sprintf("realtime sessions: status %d: %s", e.StatusCode, e.Body)
}
