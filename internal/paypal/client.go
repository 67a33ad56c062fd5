package paypal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/planforge/credits/internal/webhook"
)

const (
	tokenPath  = "/v1/oauth2/token"
	verifyPath = "/v1/notifications/verify-webhook-signature"

	verificationStatusSuccess = "SUCCESS"

	// Refresh the cached token slightly before PayPal expires it.
	tokenExpirySlack = 60 * time.Second
)

// Errors returned by the client.
var (
	ErrInvalidClientConfig = errors.New("invalid paypal client config")
	ErrTokenRequestFailed  = errors.New("paypal token request failed")
	ErrVerifyRequestFailed = errors.New("paypal verify request failed")
)

// Config holds the PayPal REST credentials and webhook identity.
type Config struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	WebhookID    string
	Timeout      time.Duration
}

// Validate fills defaults and rejects unusable configurations.
func (cfg *Config) Validate() error {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		return fmt.Errorf("%w: base url is required", ErrInvalidClientConfig)
	}
	if strings.TrimSpace(cfg.ClientID) == "" {
		return fmt.Errorf("%w: client id is required", ErrInvalidClientConfig)
	}
	if strings.TrimSpace(cfg.ClientSecret) == "" {
		return fmt.Errorf("%w: client secret is required", ErrInvalidClientConfig)
	}
	if strings.TrimSpace(cfg.WebhookID) == "" {
		return fmt.Errorf("%w: webhook id is required", ErrInvalidClientConfig)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return nil
}

// Client talks to the PayPal REST API. It implements
// webhook.SignatureVerifier via the verify-webhook-signature endpoint.
type Client struct {
	cfg        Config
	httpClient *http.Client

	tokenMutex   sync.Mutex
	accessToken  string
	tokenExpires time.Time
}

// NewClient wires a Client.
func NewClient(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type verifyRequest struct {
	AuthAlgo         string          `json:"auth_algo"`
	CertURL          string          `json:"cert_url"`
	TransmissionID   string          `json:"transmission_id"`
	TransmissionSig  string          `json:"transmission_sig"`
	TransmissionTime string          `json:"transmission_time"`
	WebhookID        string          `json:"webhook_id"`
	WebhookEvent     json.RawMessage `json:"webhook_event"`
}

type verifyResponse struct {
	VerificationStatus string `json:"verification_status"`
}

// VerifySignature authenticates a raw webhook payload against its
// transmission headers.
func (client *Client) VerifySignature(ctx context.Context, payload []byte, headers webhook.Headers) (bool, error) {
	accessToken, err := client.token(ctx)
	if err != nil {
		return false, err
	}

	requestBody, err := json.Marshal(verifyRequest{
		AuthAlgo:         headers.AuthAlgo,
		CertURL:          headers.CertURL,
		TransmissionID:   headers.TransmissionID,
		TransmissionSig:  headers.TransmissionSig,
		TransmissionTime: headers.TransmissionTime,
		WebhookID:        client.cfg.WebhookID,
		WebhookEvent:     json.RawMessage(payload),
	})
	if err != nil {
		return false, fmt.Errorf("%w: encode body: %v", ErrVerifyRequestFailed, err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, client.cfg.BaseURL+verifyPath, bytes.NewReader(requestBody))
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrVerifyRequestFailed, err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Authorization", "Bearer "+accessToken)

	response, err := client.httpClient.Do(request)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrVerifyRequestFailed, err)
	}
	defer func() { _ = response.Body.Close() }()

	if response.StatusCode != http.StatusOK {
		return false, fmt.Errorf("%w: status %d", ErrVerifyRequestFailed, response.StatusCode)
	}
	var decoded verifyResponse
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
		return false, fmt.Errorf("%w: decode response: %v", ErrVerifyRequestFailed, err)
	}
	return decoded.VerificationStatus == verificationStatusSuccess, nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// token returns a cached client-credentials token, fetching a fresh
// one when the cache is empty or near expiry.
func (client *Client) token(ctx context.Context) (string, error) {
	client.tokenMutex.Lock()
	defer client.tokenMutex.Unlock()

	if client.accessToken != "" && time.Now().Before(client.tokenExpires) {
		return client.accessToken, nil
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, client.cfg.BaseURL+tokenPath, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTokenRequestFailed, err)
	}
	request.SetBasicAuth(client.cfg.ClientID, client.cfg.ClientSecret)
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	response, err := client.httpClient.Do(request)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTokenRequestFailed, err)
	}
	defer func() { _ = response.Body.Close() }()

	if response.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(response.Body, 512))
		return "", fmt.Errorf("%w: status %d: %s", ErrTokenRequestFailed, response.StatusCode, string(body))
	}
	var decoded tokenResponse
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrTokenRequestFailed, err)
	}
	if decoded.AccessToken == "" {
		return "", fmt.Errorf("%w: empty access token", ErrTokenRequestFailed)
	}

	client.accessToken = decoded.AccessToken
	expiresIn := time.Duration(decoded.ExpiresIn) * time.Second
	if expiresIn > tokenExpirySlack {
		expiresIn -= tokenExpirySlack
	}
	client.tokenExpires = time.Now().Add(expiresIn)
	return client.accessToken, nil
}
