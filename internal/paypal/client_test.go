package paypal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/planforge/credits/internal/webhook"
)

func TestVerifySignatureSuccess(test *testing.T) {
	test.Parallel()
	tokenRequests := 0
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		switch request.URL.Path {
		case tokenPath:
			tokenRequests++
			username, password, ok := request.BasicAuth()
			if !ok || username != "client-id" || password != "client-secret" {
				test.Errorf("unexpected basic auth %q %q", username, password)
			}
			writeJSON(test, writer, map[string]any{"access_token": "token-abc", "expires_in": 3600})
		case verifyPath:
			if got := request.Header.Get("Authorization"); got != "Bearer token-abc" {
				test.Errorf("unexpected authorization header %q", got)
			}
			var body map[string]any
			if err := json.NewDecoder(request.Body).Decode(&body); err != nil {
				test.Errorf("decode verify body: %v", err)
			}
			if body["webhook_id"] != "wh-id" || body["transmission_id"] != "txn-1" {
				test.Errorf("unexpected verify body %v", body)
			}
			writeJSON(test, writer, map[string]any{"verification_status": "SUCCESS"})
		default:
			test.Errorf("unexpected path %s", request.URL.Path)
		}
	}))
	defer server.Close()

	client := mustNewClient(test, server.URL)
	verified, err := client.VerifySignature(context.Background(), []byte(`{"id":"WH-1"}`), testHeaders())
	if err != nil {
		test.Fatalf("verify: %v", err)
	}
	if !verified {
		test.Fatalf("expected verified signature")
	}

	// Second call reuses the cached token.
	if _, err := client.VerifySignature(context.Background(), []byte(`{"id":"WH-2"}`), testHeaders()); err != nil {
		test.Fatalf("second verify: %v", err)
	}
	if tokenRequests != 1 {
		test.Fatalf("expected 1 token request, got %d", tokenRequests)
	}
}

func TestVerifySignatureFailureStatus(test *testing.T) {
	test.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		switch request.URL.Path {
		case tokenPath:
			writeJSON(test, writer, map[string]any{"access_token": "token-abc", "expires_in": 3600})
		case verifyPath:
			writeJSON(test, writer, map[string]any{"verification_status": "FAILURE"})
		}
	}))
	defer server.Close()

	client := mustNewClient(test, server.URL)
	verified, err := client.VerifySignature(context.Background(), []byte(`{"id":"WH-1"}`), testHeaders())
	if err != nil {
		test.Fatalf("verify: %v", err)
	}
	if verified {
		test.Fatalf("expected rejected signature")
	}
}

func TestVerifySignatureTokenFailureSurfacesError(test *testing.T) {
	test.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		http.Error(writer, "denied", http.StatusUnauthorized)
	}))
	defer server.Close()

	client := mustNewClient(test, server.URL)
	_, err := client.VerifySignature(context.Background(), []byte(`{"id":"WH-1"}`), testHeaders())
	if !errors.Is(err, ErrTokenRequestFailed) {
		test.Fatalf("expected ErrTokenRequestFailed, got %v", err)
	}
}

func TestConfigValidateRejectsMissingFields(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name string
		cfg  Config
	}{
		{name: "missing base url", cfg: Config{ClientID: "a", ClientSecret: "b", WebhookID: "c"}},
		{name: "missing client id", cfg: Config{BaseURL: "https://x", ClientSecret: "b", WebhookID: "c"}},
		{name: "missing client secret", cfg: Config{BaseURL: "https://x", ClientID: "a", WebhookID: "c"}},
		{name: "missing webhook id", cfg: Config{BaseURL: "https://x", ClientID: "a", ClientSecret: "b"}},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			if _, err := NewClient(testCase.cfg); !errors.Is(err, ErrInvalidClientConfig) {
				test.Fatalf("expected ErrInvalidClientConfig, got %v", err)
			}
		})
	}
}

func mustNewClient(test *testing.T, baseURL string) *Client {
	test.Helper()
	client, err := NewClient(Config{
		BaseURL:      baseURL,
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		WebhookID:    "wh-id",
		Timeout:      2 * time.Second,
	})
	if err != nil {
		test.Fatalf("new client: %v", err)
	}
	return client
}

func testHeaders() webhook.Headers {
	return webhook.Headers{
		TransmissionID:   "txn-1",
		TransmissionTime: "2026-01-01T00:00:00Z",
		TransmissionSig:  "sig",
		CertURL:          "https://api.paypal.com/cert",
		AuthAlgo:         "SHA256withRSA",
	}
}

func writeJSON(test *testing.T, writer http.ResponseWriter, payload map[string]any) {
	test.Helper()
	writer.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(writer).Encode(payload); err != nil {
		test.Errorf("encode response: %v", err)
	}
}
