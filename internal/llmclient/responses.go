// internal/llmclient/responses.go
package llmclient

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
	"time"

	"github.com/cenkalti/backoff/v4"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/lookout/internal/config"
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	ProviderOpenAI = "openai"
	ProviderAzure  = "azure"
)

// ResponsesClient talks to an OpenAI-compatible Responses API (OpenAI or Azure OpenAI).
type ResponsesClient struct {
	provider   string
	apiKey     string
	endpoint   string
	apiVersion string
	model      string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
	// newBackOff builds the policy used while the service answers 429.
	newBackOff func() backoff.BackOff
}

// -- Responses API Request/Response Structures --

// Request is the body of POST /responses. Input and Tools are provider-shaped JSON items
// assembled by the caller.
type Request struct {
	Model              string      `json:"model"`
	Input              []any       `json:"input"`
	Instructions       string      `json:"instructions,omitempty"`
	Tools              []any       `json:"tools,omitempty"`
	ToolChoice         string      `json:"tool_choice,omitempty"`
	Reasoning          *Reasoning  `json:"reasoning,omitempty"`
	Truncation         string      `json:"truncation,omitempty"`
	Text               *TextConfig `json:"text,omitempty"`
	PreviousResponseID string      `json:"previous_response_id,omitempty"`

	// StatelessInput replaces Input when the request is retried without its previous
	// response id, so the retry can carry the context the id stood for.
	StatelessInput []any `json:"-"`
}

type Reasoning struct {
	GenerateSummary string `json:"generate_summary,omitempty"`
}

type TextConfig struct {
	Format TextFormat `json:"format"`
}

// TextFormat requests structured output. Type is "json_schema".
type TextFormat struct {
	Type   string         `json:"type"`
	Name   string         `json:"name,omitempty"`
	Schema map[string]any `json:"schema,omitempty"`
	Strict bool           `json:"strict,omitempty"`
}

// Response is the subset of the Responses API result this client needs.
// Output items are left raw; callers decode the variants they understand.
type Response struct {
	ID     string            `json:"id"`
	Status string            `json:"status"`
	Output []json.RawMessage `json:"output"`
	Error  *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage"`
}

// OutputText concatenates every output_text part of every message item.
func (r *Response) OutputText() string {
	var sb strings.Builder
	for _, raw := range r.Output {
		var item struct {
			Type    string `json:"type"`
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		}
		if err := codec.Unmarshal(raw, &item); err != nil || item.Type != "message" {
			continue
		}
		for _, part := range item.Content {
			if part.Type == "output_text" {
				sb.WriteString(part.Text)
			}
		}
	}
	return sb.String()
}

// APIError is a non-2xx answer from the service.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("responses API error: status %d, body: %s", e.StatusCode, e.Body)
}

// IsRateLimited reports whether err is an HTTP 429 from the service.
func IsRateLimited(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests
}

// NewResponsesClient initializes the client.
func NewResponsesClient(cfg config.ProviderConfig, logger *zap.Logger) (*ResponsesClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required for the %s provider", cfg.Provider)
	}
	provider := strings.ToLower(cfg.Provider)
	if provider != ProviderOpenAI && provider != ProviderAzure {
		return nil, fmt.Errorf("unsupported provider %q", cfg.Provider)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	limit := rate.Inf
	if cfg.RequestsPerMinute > 0 {
		limit = rate.Limit(float64(cfg.RequestsPerMinute) / 60.0)
	}
	maxElapsed := cfg.RateLimitMaxElapsed
	if maxElapsed <= 0 {
		maxElapsed = 2 * time.Minute
	}

	return &ResponsesClient{
		provider:   provider,
		apiKey:     cfg.APIKey,
		endpoint:   strings.TrimRight(cfg.Endpoint, "/"),
		apiVersion: cfg.APIVersion,
		model:      cfg.Model,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(limit, 1),
		logger:     logger.Named("llm_client." + provider),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxElapsedTime = maxElapsed
			b.MaxInterval = 30 * time.Second
			return b
		},
	}, nil
}

// Model returns the configured model (or azure deployment) name.
func (c *ResponsesClient) Model() string { return c.model }

// Create sends a request. If it fails while carrying a previous response id, it is retried
// exactly once with the id stripped; when that retry also fails the original error is returned.
func (c *ResponsesClient) Create(ctx context.Context, req Request) (*Response, error) {
	if req.Model == "" {
		req.Model = c.model
	}

	resp, err := c.send(ctx, req)
	if err == nil {
		return resp, nil
	}
	if req.PreviousResponseID == "" || ctx.Err() != nil {
		return nil, err
	}

	c.logger.Warn("Request with previous response id failed, retrying once without it",
		zap.String("previous_response_id", req.PreviousResponseID), zap.Error(err))
	stripped := req
	stripped.PreviousResponseID = ""
	if len(stripped.StatelessInput) > 0 {
		stripped.Input = stripped.StatelessInput
	}
	resp, retryErr := c.send(ctx, stripped)
	if retryErr != nil {
		c.logger.Error("Retry without previous response id failed", zap.Error(retryErr))
		return nil, err
	}
	return resp, nil
}

// send performs one logical call. Only HTTP 429 is retried here, with exponential backoff.
func (c *ResponsesClient) send(ctx context.Context, req Request) (*Response, error) {
	body, err := codec.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request payload: %w", err)
	}
	target, err := c.url()
	if err != nil {
		return nil, err
	}

	var result *Response
	operation := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(fmt.Errorf("rate limiter wait aborted: %w", err))
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create HTTP request: %w", err))
		}
		httpReq.Header.Set("Content-Type", "application/json")
		c.authorize(httpReq)

		start := time.Now()
		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to execute HTTP request: %w", err))
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to read response body: %w", err))
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
			if resp.StatusCode == http.StatusTooManyRequests {
				c.logger.Warn("Rate limited by the service, backing off")
				return apiErr
			}
			c.logger.Error("Responses API returned error status", zap.Int("status", resp.StatusCode), zap.String("response", apiErr.Body))
			return backoff.Permanent(apiErr)
		}

		var payload Response
		if err := codec.Unmarshal(respBody, &payload); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to decode response payload: %w", err))
		}
		if payload.Error != nil && payload.Error.Message != "" {
			return backoff.Permanent(fmt.Errorf("responses API reported an error (%s): %s", payload.Error.Code, payload.Error.Message))
		}

		c.logger.Debug("Responses API call complete",
			zap.String("response_id", payload.ID),
			zap.Duration("duration", time.Since(start)),
			zap.Int("input_tokens", payload.Usage.InputTokens),
			zap.Int("output_tokens", payload.Usage.OutputTokens),
		)
		result = &payload
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(c.newBackOff(), ctx)); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *ResponsesClient) url() (string, error) {
	switch c.provider {
	case ProviderAzure:
		u, err := url.Parse(c.endpoint + "/openai/responses")
		if err != nil {
			return "", fmt.Errorf("invalid azure endpoint: %w", err)
		}
		q := u.Query()
		q.Set("api-version", c.apiVersion)
		u.RawQuery = q.Encode()
		return u.String(), nil
	default:
		return c.endpoint + "/responses", nil
	}
}

func (c *ResponsesClient) authorize(req *http.Request) {
	if c.provider == ProviderAzure {
		req.Header.Set("api-key", c.apiKey)
		return
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
}
