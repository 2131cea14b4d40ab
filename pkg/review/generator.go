// Package review generates code reviews for pull request diffs via a
// hosted inference endpoint, with a deterministic statistical fallback
// when inference is unavailable.
package review

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/reviewbot-dev/reviewbot/pkg/transport"
)

// defaultAPIURL is the inference router. The router dispatches by the
// model named in the payload, so the model name never becomes part of
// the URL.
const defaultAPIURL = "https://router.huggingface.co/hf-inference"

// Generation parameters sent with every request.
const (
	maxNewTokens = 1024
	temperature  = 0.3
)

// newlineWindow is the fraction of the truncation budget within which a
// trailing newline is preferred over a hard cut.
const newlineWindow = 0.8

// trailingFragment matches a trailing run without sentence-terminal
// punctuation, i.e. a cut-off sentence.
var trailingFragment = regexp.MustCompile(`[^.!?]+$`)

// Config holds configuration for creating a Generator.
type Config struct {
	APIKey        string
	Model         string
	APIURL        string // defaults to the inference router
	MaxDiffLength int
	Timeout       time.Duration
	MaxRetries    int
	Executor      *transport.Executor // built from the rest when nil
}

// Generator produces review text. Generate never fails: when the
// inference endpoint is unreachable or returns nothing usable, a
// deterministic fallback review is produced instead.
type Generator struct {
	exec       *transport.Executor
	apiURL     string
	model      string
	maxDiffLen int
}

// New creates a Generator with its own executor instance; rate-limit
// state is never shared with the repository gateway.
func New(cfg Config) *Generator {
	apiURL := cfg.APIURL
	if apiURL == "" {
		apiURL = defaultAPIURL
	}

	exec := cfg.Executor
	if exec == nil {
		base := http.Header{}
		base.Set("Authorization", "Bearer "+cfg.APIKey)
		base.Set("Content-Type", "application/json")
		exec = transport.New(transport.Config{
			Policy:     transport.InferencePolicy{},
			BaseHeader: base,
			MaxRetries: cfg.MaxRetries,
			Timeout:    cfg.Timeout,
		})
	}

	return &Generator{
		exec:       exec,
		apiURL:     apiURL,
		model:      cfg.Model,
		maxDiffLen: cfg.MaxDiffLength,
	}
}

// inferenceRequest is the router's expected payload shape.
type inferenceRequest struct {
	Model      string              `json:"model"`
	Inputs     string              `json:"inputs"`
	Parameters inferenceParameters `json:"parameters"`
}

type inferenceParameters struct {
	MaxNewTokens   int     `json:"max_new_tokens"`
	Temperature    float64 `json:"temperature"`
	DoSample       bool    `json:"do_sample"`
	ReturnFullText bool    `json:"return_full_text"`
}

// Generate produces a review for the pull request. It always returns
// text: the model's output when inference succeeds, the statistical
// fallback otherwise.
func (g *Generator) Generate(ctx context.Context, title, description, diff string) string {
	if strings.TrimSpace(description) == "" {
		description = "No description provided."
	}

	prompt := buildPrompt(title, description, truncate(diff, g.maxDiffLen))

	text, err := g.call(ctx, prompt)
	if err != nil {
		slog.Warn("inference failed, using fallback review", "error", err)
		return fallbackReview(diff)
	}

	cleaned := postProcess(text)
	if cleaned == "" {
		slog.Warn("inference returned no usable text, using fallback review")
		return fallbackReview(diff)
	}
	return cleaned
}

// call submits the prompt to the inference router and extracts the
// generated text.
func (g *Generator) call(ctx context.Context, prompt string) (string, error) {
	resp, err := g.exec.Do(ctx, transport.Descriptor{
		URL:    g.apiURL,
		Method: http.MethodPost,
		Body: inferenceRequest{
			Model:  g.model,
			Inputs: prompt,
			Parameters: inferenceParameters{
				MaxNewTokens:   maxNewTokens,
				Temperature:    temperature,
				DoSample:       true,
				ReturnFullText: false,
			},
		},
	})
	if err != nil {
		return "", err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", "error", err)
		}
	}()

	var raw any
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return "", fmt.Errorf("failed to parse inference response: %w", err)
	}
	return generatedText(raw), nil
}

// generatedText extracts the generated-text field from either response
// shape the router produces: a list of result objects or a single
// object. Anything else yields no text.
func generatedText(raw any) string {
	switch v := raw.(type) {
	case []any:
		if len(v) == 0 {
			return ""
		}
		first, ok := v[0].(map[string]any)
		if !ok {
			return ""
		}
		return stringField(first, "generated_text")
	case map[string]any:
		return stringField(v, "generated_text")
	default:
		return ""
	}
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return strings.TrimSpace(s)
}

// postProcess strips a trailing cut-off sentence and makes sure the text
// ends with terminal punctuation.
func postProcess(review string) string {
	cleaned := trailingFragment.ReplaceAllString(review, "")
	cleaned = strings.TrimSpace(cleaned)
	if cleaned != "" && !strings.ContainsAny(cleaned[len(cleaned)-1:], ".!?") {
		cleaned += "."
	}
	return cleaned
}

// truncate cuts content to at most max characters. When a newline falls
// within the tail 20% of the budget the cut lands exactly there, so the
// prompt does not end mid-line.
func truncate(content string, max int) string {
	if max <= 0 || len(content) <= max {
		return content
	}
	cut := content[:max]
	if idx := strings.LastIndexByte(cut, '\n'); idx > int(float64(max)*newlineWindow) {
		return cut[:idx]
	}
	return cut
}

// buildPrompt assembles the fixed-structure instruction prompt.
func buildPrompt(title, description, diff string) string {
	return fmt.Sprintf(`<s>[INST] You are an experienced software engineer reviewing a pull request.
Provide specific, actionable feedback focused on:

1. CODE QUALITY: Code structure, naming, simplicity
2. BUG RISKS: Potential errors, edge cases, null checks
3. SECURITY: Input validation, authentication, data exposure
4. PERFORMANCE: Inefficient operations, memory usage
5. MAINTAINABILITY: Readability, documentation, complexity

Be concise but thorough. Point to specific lines when possible.

Pull Request Details:
Title: %s
Description: %s

Code Changes:
`+"```diff\n%s\n```"+`

Provide your code review: [/INST]`, title, description, diff)
}
