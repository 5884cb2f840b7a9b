package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Assist actions accepted by the model endpoint.
const (
	ActionRewrite   = "rewrite"
	ActionSummarize = "summarize"
	ActionTranslate = "translate"
	ActionQC        = "qc"
)

// Request is one assist call. Translate calls carry the target locale;
// the other actions may leave it empty.
type Request struct {
	Action string `json:"action"`
	Text   string `json:"text"`
	Locale string `json:"locale,omitempty"`
}

// Result is the model's answer. Rewrite, summarize and translate fill
// Text; qc fills Score (0..1) and may add reviewer notes in Text.
type Result struct {
	Text  string  `json:"text"`
	Score float64 `json:"score"`
}

// Usage is the token cost of a single call as reported by the endpoint.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Client runs one assist action against the model endpoint.
type Client interface {
	Run(ctx context.Context, req Request) (Result, Usage, error)
}

// Disabled stands in for the client when no endpoint is configured. Calls
// fail with ErrAssistDisabled and still leave a usage row.
type Disabled struct{}

func (Disabled) Run(context.Context, Request) (Result, Usage, error) {
	return Result{}, Usage{}, ErrAssistDisabled
}

// HTTPClient posts assist requests to a configured endpoint. The endpoint
// contract is a single JSON POST; model choice and prompting live behind it.
type HTTPClient struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

func NewHTTPClient(endpoint, apiKey string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
	}
}

type assistResponse struct {
	Text  string  `json:"text"`
	Score float64 `json:"score"`
	Usage Usage   `json:"usage"`
}

func (c *HTTPClient) Run(ctx context.Context, req Request) (Result, Usage, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Result{}, Usage{}, fmt.Errorf("marshal assist request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, Usage{}, fmt.Errorf("build assist request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return Result{}, Usage{}, fmt.Errorf("call assist endpoint: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, Usage{}, fmt.Errorf("read assist response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{}, Usage{}, fmt.Errorf("assist endpoint returned %s: %s", resp.Status, snippet(raw))
	}

	var decoded assistResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return Result{}, Usage{}, fmt.Errorf("decode assist response: %w", err)
	}
	return Result{Text: decoded.Text, Score: decoded.Score}, decoded.Usage, nil
}

func snippet(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
