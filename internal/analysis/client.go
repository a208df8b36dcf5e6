// Package analysis is the typed client for the content-analysis service. All
// providers share one request contract; a prompt template must pass
// ValidateTemplate before the client accepts it, so no provider can silently
// dispatch with empty context.
package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"text/template"
	"time"

	"go.uber.org/zap"

	"github.com/plantedlabs/venuescout/internal/discovery"
)

// Config controls the analysis client.
type Config struct {
	BaseURL  string
	Provider string
	Model    string
	// PromptTemplate is a text/template over discovery.AnalysisRequest.
	PromptTemplate string
	Timeout        time.Duration
}

// DefaultPromptTemplate references every request field the service needs.
const DefaultPromptTemplate = `Identify dishes containing the branded product "{{.Brand}}" on this page.
Venue URL: {{.URL}}
City: {{.City}}
Page content:
{{.Content}}`

// Client implements discovery.Analyzer over HTTP. Malformed or non-200
// responses come back as an empty result, not an error; only transport and
// context failures propagate.
type Client struct {
	cfg    Config
	tmpl   *template.Template
	http   *http.Client
	logger *zap.Logger
}

// New builds a Client, validating the prompt template up front.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.PromptTemplate == "" {
		cfg.PromptTemplate = DefaultPromptTemplate
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	tmpl, err := ValidateTemplate(cfg.PromptTemplate)
	if err != nil {
		return nil, err
	}
	return &Client{
		cfg:    cfg,
		tmpl:   tmpl,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}, nil
}

// ValidateTemplate parses the prompt template and proves every request field
// it needs is actually wired: the rendered output must carry the brand and
// the page content, and no referenced field may be missing from the request
// type. This is the guard against a provider silently analyzing with empty
// context.
func ValidateTemplate(raw string) (*template.Template, error) {
	tmpl, err := template.New("prompt").Option("missingkey=error").Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse prompt template: %w", err)
	}
	probe := discovery.AnalysisRequest{
		URL:     "probe://url",
		Brand:   "probe-brand",
		City:    "probe-city",
		Content: "probe-content",
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, probe); err != nil {
		return nil, fmt.Errorf("execute prompt template: %w", err)
	}
	rendered := buf.String()
	for name, sentinel := range map[string]string{
		"Brand":   probe.Brand,
		"Content": probe.Content,
	} {
		if !bytes.Contains([]byte(rendered), []byte(sentinel)) {
			return nil, fmt.Errorf("prompt template does not reference required field %s", name)
		}
	}
	return tmpl, nil
}

// Provider names the backing analysis provider for cost attribution.
func (c *Client) Provider() string {
	return c.cfg.Provider
}

type analyzeRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

// Analyze renders the prompt for the request and calls the service.
func (c *Client) Analyze(ctx context.Context, req discovery.AnalysisRequest) (discovery.AnalysisResult, error) {
	var prompt bytes.Buffer
	if err := c.tmpl.Execute(&prompt, req); err != nil {
		return discovery.AnalysisResult{}, fmt.Errorf("render prompt: %w", err)
	}

	payload, err := json.Marshal(analyzeRequest{Model: c.cfg.Model, Prompt: prompt.String()})
	if err != nil {
		return discovery.AnalysisResult{}, fmt.Errorf("marshal analyze request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL, bytes.NewReader(payload))
	if err != nil {
		return discovery.AnalysisResult{}, fmt.Errorf("build analyze request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return discovery.AnalysisResult{}, fmt.Errorf("call analysis service: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("analysis service non-OK, treating as zero signal",
			zap.Int("status", resp.StatusCode), zap.String("url", req.URL))
		return discovery.AnalysisResult{}, nil
	}

	var result discovery.AnalysisResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		c.logger.Warn("malformed analysis response, treating as zero signal",
			zap.Error(err), zap.String("url", req.URL))
		return discovery.AnalysisResult{}, nil
	}
	return result, nil
}
