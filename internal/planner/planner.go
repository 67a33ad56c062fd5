// Package planner talks to the external AI completion provider. Prompt
// construction and response quality are the provider's problem; this
// client only moves requests and responses.
package planner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Errors returned by the client.
var (
	ErrInvalidPlannerConfig = errors.New("invalid planner config")
	ErrInvalidPlanRequest   = errors.New("invalid plan request")
	ErrCompletionFailed     = errors.New("completion request failed")
	ErrEmptyCompletion      = errors.New("empty completion response")
)

// Request describes one study-plan generation.
type Request struct {
	Topic    string
	Material string
}

// StudyPlan is the generated artifact returned to the caller and
// mirrored to the archive side channel.
type StudyPlan struct {
	Topic   string `json:"topic"`
	Content string `json:"content"`
}

// Generator produces a study plan for a user. The HTTP layer depends
// on this interface so tests can substitute a stub.
type Generator interface {
	Generate(ctx context.Context, userID string, request Request) (StudyPlan, error)
}

// Config holds the completion provider settings.
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// Validate fills defaults and rejects unusable configurations.
func (cfg *Config) Validate() error {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		return fmt.Errorf("%w: base url is required", ErrInvalidPlannerConfig)
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return fmt.Errorf("%w: api key is required", ErrInvalidPlannerConfig)
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return fmt.Errorf("%w: model is required", ErrInvalidPlannerConfig)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return nil
}

// Client implements Generator against a chat-completions style API.
type Client struct {
	cfg        Config
	httpClient *http.Client
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

type completionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionRequest struct {
	Model    string              `json:"model"`
	Messages []completionMessage `json:"messages"`
}

type completionResponse struct {
	Choices []struct {
		Message completionMessage `json:"message"`
	} `json:"choices"`
}

const systemPrompt = "You are a study coach. Produce a structured study plan in markdown for the given topic and source material."

// Generate requests one completion and returns its content verbatim.
func (client *Client) Generate(ctx context.Context, userID string, request Request) (StudyPlan, error) {
	topic := strings.TrimSpace(request.Topic)
	if topic == "" {
		return StudyPlan{}, fmt.Errorf("%w: topic is required", ErrInvalidPlanRequest)
	}

	userContent := "Topic: " + topic
	if material := strings.TrimSpace(request.Material); material != "" {
		userContent += "\n\nSource material:\n" + material
	}
	requestBody, err := json.Marshal(completionRequest{
		Model: client.cfg.Model,
		Messages: []completionMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userContent},
		},
	})
	if err != nil {
		return StudyPlan{}, fmt.Errorf("%w: encode body: %v", ErrCompletionFailed, err)
	}

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, client.cfg.BaseURL+"/chat/completions", bytes.NewReader(requestBody))
	if err != nil {
		return StudyPlan{}, fmt.Errorf("%w: %v", ErrCompletionFailed, err)
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	httpRequest.Header.Set("Authorization", "Bearer "+client.cfg.APIKey)

	response, err := client.httpClient.Do(httpRequest)
	if err != nil {
		return StudyPlan{}, fmt.Errorf("%w: %v", ErrCompletionFailed, err)
	}
	defer func() { _ = response.Body.Close() }()

	if response.StatusCode != http.StatusOK {
		return StudyPlan{}, fmt.Errorf("%w: status %d", ErrCompletionFailed, response.StatusCode)
	}
	var decoded completionResponse
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
		return StudyPlan{}, fmt.Errorf("%w: decode response: %v", ErrCompletionFailed, err)
	}
	if len(decoded.Choices) == 0 || strings.TrimSpace(decoded.Choices[0].Message.Content) == "" {
		return StudyPlan{}, ErrEmptyCompletion
	}
	return StudyPlan{
		Topic:   topic,
		Content: decoded.Choices[0].Message.Content,
	}, nil
}
