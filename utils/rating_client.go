package utils

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIConfig holds the connection settings shared by the rating and
// transcription clients.
type OpenAIConfig struct {
	APIKey             string `yaml:"-"`
	BaseURL            string `yaml:"base_url"`
	TranscriptionModel string `yaml:"transcription_model"`
}

func (c OpenAIConfig) clientConfig(httpClient *http.Client) openai.ClientConfig {
	cfg := openai.DefaultConfig(c.APIKey)
	if c.BaseURL != "" {
		cfg.BaseURL = strings.TrimRight(c.BaseURL, "/")
	}
	if httpClient != nil {
		cfg.HTTPClient = httpClient
	}
	return cfg
}

// recordingTransport keeps the body of the last response so the reply can be
// persisted exactly as the API sent it.
type recordingTransport struct {
	base   http.RoundTripper
	body   []byte
	status int
}

func (t *recordingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	t.body, t.status = nil, 0
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	t.body, t.status = body, resp.StatusCode
	resp.Body = io.NopCloser(bytes.NewReader(body))
	return resp, nil
}

type OpenAIRatingClient struct {
	client    *openai.Client
	transport *recordingTransport
}

func NewOpenAIRatingClient(cfg OpenAIConfig) (*OpenAIRatingClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY environment variable is not set")
	}
	transport := &recordingTransport{base: http.DefaultTransport}
	return &OpenAIRatingClient{
		client:    openai.NewClientWithConfig(cfg.clientConfig(&http.Client{Transport: transport})),
		transport: transport,
	}, nil
}

// RateItem sends req and returns the reply body. An error reply that is
// still a JSON document is returned as a result, not as an error: it is the
// model's answer for this item. Transport failures and bodies that are not
// JSON come back as errors.
func (c *OpenAIRatingClient) RateItem(ctx context.Context, req openai.ChatCompletionRequest) (json.RawMessage, error) {
	_, err := c.client.CreateChatCompletion(ctx, req)
	body := bytes.TrimSpace(c.transport.body)
	if err == nil {
		if !json.Valid(body) {
			return nil, fmt.Errorf("malformed response body (status %d)", c.transport.status)
		}
		return json.RawMessage(body), nil
	}

	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	if (errors.As(err, &apiErr) || errors.As(err, &reqErr)) && len(body) > 0 && json.Valid(body) {
		return json.RawMessage(body), nil
	}
	return nil, fmt.Errorf("chat completion request failed: %w", err)
}
