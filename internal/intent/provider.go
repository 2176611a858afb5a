package intent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/digkill/mediaroute/internal/models"
)

// Provider performs the external probabilistic classification call.
type Provider interface {
	Classify(ctx context.Context, prompt string, pctx PromptContext) (*models.IntentClassification, error)
}

// PromptContext is the coarse conversational context handed to the
// classifier alongside the prompt.
type PromptContext struct {
	HasWorkingImage bool `json:"has_working_image"`
	HasWorkingVideo bool `json:"has_working_video"`
	UploadCount     int  `json:"upload_count"`
}

// Signature renders the context into the coarse cache-key component.
func (p PromptContext) Signature() string {
	media := "none"
	if p.HasWorkingImage {
		media = "image"
	} else if p.HasWorkingVideo {
		media = "video"
	}
	uploads := "0"
	if p.UploadCount > 0 {
		uploads = "n"
	}
	return media + ":" + uploads
}

// HTTPProvider calls the classification service over HTTP.
type HTTPProvider struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	log        *slog.Logger
}

type ProviderConfig struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

func NewHTTPProvider(cfg ProviderConfig, log *slog.Logger) *HTTPProvider {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPProvider{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		log: log,
	}
}

func (p *HTTPProvider) Classify(ctx context.Context, prompt string, pctx PromptContext) (*models.IntentClassification, error) {
	baseURL, err := url.Parse(p.baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}
	endpoint, err := url.Parse("/v1/classify")
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	fullURL := baseURL.ResolveReference(endpoint).String()

	payload := map[string]any{
		"prompt":  prompt,
		"context": pctx,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fullURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post classify: %w", err)
	}
	defer resp.Body.Close()

	rawBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode >= 300 {
		if p.log != nil {
			p.log.Error("classifier call failed", "status", resp.StatusCode, "body", truncateBody(rawBody))
		}
		return nil, fmt.Errorf("classifier error: status=%d body=%s", resp.StatusCode, truncateBody(rawBody))
	}

	var result struct {
		WorkflowType  string  `json:"workflowType"`
		Confidence    float64 `json:"confidence"`
		Reasoning     string  `json:"reasoning"`
		NeedsExternal bool    `json:"needsExternalLookup"`
	}
	if err := json.Unmarshal(rawBody, &result); err != nil {
		return nil, fmt.Errorf("decode classify response: %w (body=%s)", err, truncateBody(rawBody))
	}

	return &models.IntentClassification{
		Workflow:      models.WorkflowType(result.WorkflowType),
		Confidence:    result.Confidence,
		Reasoning:     result.Reasoning,
		NeedsExternal: result.NeedsExternal,
	}, nil
}

func truncateBody(body []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(body))
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "…"
}
