package model

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/maauso/subpipe/internal/fault"
)

// Static errors for model client operations.
var (
	// ErrEndpointRequired is returned when the endpoint URL is not provided.
	ErrEndpointRequired = errors.New("model: endpoint URL is required")
	// ErrAPIKeyRequired is returned when the API key is not provided.
	ErrAPIKeyRequired = errors.New("model: API key is required")
	// ErrEmptyResponse is returned when the endpoint responds without cue text.
	ErrEmptyResponse = errors.New("model: response contains no cue text")
)

// HTTPClient performs one generation RPC against the model endpoint. Retry
// and memoization live in the Adapter, not here.
type HTTPClient struct {
	endpoint   string
	apiKey     string
	modelID    string
	httpClient *http.Client
}

// ClientOption configures an HTTPClient.
type ClientOption func(*HTTPClient)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(hc *HTTPClient) {
		hc.httpClient = c
	}
}

// WithModelID sets the model identifier sent with every request.
func WithModelID(id string) ClientOption {
	return func(hc *HTTPClient) {
		hc.modelID = id
	}
}

// WithTimeout sets the per-RPC timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(hc *HTTPClient) {
		hc.httpClient.Timeout = d
	}
}

// NewHTTPClient creates a model client. The endpoint and API key are
// required.
func NewHTTPClient(endpoint, apiKey string, opts ...ClientOption) (*HTTPClient, error) {
	if endpoint == "" {
		return nil, ErrEndpointRequired
	}
	if apiKey == "" {
		return nil, ErrAPIKeyRequired
	}

	c := &HTTPClient{
		endpoint:   endpoint,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 10 * time.Minute},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type generateRequest struct {
	Model      string `json:"model"`
	SegmentRef string `json:"segment_ref"`
	Language   string `json:"language"`
	Mode       string `json:"mode,omitempty"`
	Prompt     string `json:"prompt"`
}

type generateResponse struct {
	CueText string `json:"cue_text"`
	Error   string `json:"error,omitempty"`
}

// Generate issues one generation RPC. HTTP status codes map onto the fault
// taxonomy: 401/403 are auth faults, 429 is quota, 5xx is transient, and an
// undecodable success body is invalid model output.
func (c *HTTPClient) Generate(ctx context.Context, req Request) (string, error) {
	body, err := json.Marshal(generateRequest{
		Model:      c.modelID,
		SegmentRef: req.SegmentRef,
		Language:   req.Language,
		Mode:       string(req.Mode),
		Prompt:     req.Prompt.Text,
	})
	if err != nil {
		return "", fmt.Errorf("model: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("model: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("model: request cancelled: %w", ctx.Err())
		}
		return "", fault.Wrap(fault.KindTransientIO, "model", "generation RPC failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return "", fault.Wrap(fault.KindTransientIO, "model", "read response", err)
	}

	if err := classifyStatus(resp.StatusCode, respBody); err != nil {
		return "", err
	}

	var decoded generateResponse
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return "", fault.Wrap(fault.KindModelOutputInvalid, "model", "undecodable response body", err)
	}
	if decoded.Error != "" {
		return "", fault.New(fault.KindModelOutputInvalid, "model",
			fmt.Sprintf("endpoint reported: %s", decoded.Error))
	}
	if decoded.CueText == "" {
		return "", fault.Wrap(fault.KindModelOutputInvalid, "model", "empty payload", ErrEmptyResponse)
	}
	return decoded.CueText, nil
}

// classifyStatus maps non-2xx responses onto the fault taxonomy.
func classifyStatus(status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	detail := fmt.Sprintf("status %d: %s", status, truncate(body, 200))
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fault.New(fault.KindAuthFault, "model", detail)
	case status == http.StatusTooManyRequests:
		return fault.New(fault.KindQuotaExceeded, "model", detail)
	case status >= 500:
		return fault.New(fault.KindTransientIO, "model", detail)
	default:
		return fault.New(fault.KindModelOutputInvalid, "model", detail)
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// Compile-time check that HTTPClient implements Generator.
var _ Generator = (*HTTPClient)(nil)
