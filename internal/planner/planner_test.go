package planner

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestGenerateReturnsCompletionContent(test *testing.T) {
	test.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.URL.Path != "/chat/completions" {
			test.Errorf("unexpected path %s", request.URL.Path)
		}
		if got := request.Header.Get("Authorization"); got != "Bearer key-1" {
			test.Errorf("unexpected authorization header %q", got)
		}
		var body completionRequest
		if err := json.NewDecoder(request.Body).Decode(&body); err != nil {
			test.Errorf("decode request: %v", err)
		}
		if body.Model != "model-1" || len(body.Messages) != 2 {
			test.Errorf("unexpected request body %+v", body)
		}
		response := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": "# Week 1"}},
			},
		}
		if err := json.NewEncoder(writer).Encode(response); err != nil {
			test.Errorf("encode response: %v", err)
		}
	}))
	defer server.Close()

	client := mustNewClient(test, server.URL)
	plan, err := client.Generate(context.Background(), "user-1", Request{Topic: "Algebra", Material: "notes"})
	if err != nil {
		test.Fatalf("generate: %v", err)
	}
	if plan.Topic != "Algebra" || plan.Content != "# Week 1" {
		test.Fatalf("unexpected plan %+v", plan)
	}
}

func TestGenerateRejectsEmptyTopic(test *testing.T) {
	test.Parallel()
	client := mustNewClient(test, "https://unused.example")

	_, err := client.Generate(context.Background(), "user-1", Request{Topic: "   "})
	if !errors.Is(err, ErrInvalidPlanRequest) {
		test.Fatalf("expected ErrInvalidPlanRequest, got %v", err)
	}
}

func TestGenerateSurfacesProviderFailure(test *testing.T) {
	test.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		http.Error(writer, "overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := mustNewClient(test, server.URL)
	_, err := client.Generate(context.Background(), "user-1", Request{Topic: "Algebra"})
	if !errors.Is(err, ErrCompletionFailed) {
		test.Fatalf("expected ErrCompletionFailed, got %v", err)
	}
}

func TestGenerateRejectsEmptyCompletion(test *testing.T) {
	test.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if err := json.NewEncoder(writer).Encode(map[string]any{"choices": []any{}}); err != nil {
			test.Errorf("encode response: %v", err)
		}
	}))
	defer server.Close()

	client := mustNewClient(test, server.URL)
	_, err := client.Generate(context.Background(), "user-1", Request{Topic: "Algebra"})
	if !errors.Is(err, ErrEmptyCompletion) {
		test.Fatalf("expected ErrEmptyCompletion, got %v", err)
	}
}

func mustNewClient(test *testing.T, baseURL string) *Client {
	test.Helper()
	client, err := NewClient(Config{
		BaseURL: baseURL,
		APIKey:  "key-1",
		Model:   "model-1",
		Timeout: 2 * time.Second,
	})
	if err != nil {
		test.Fatalf("new client: %v", err)
	}
	return client
}
