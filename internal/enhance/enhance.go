// Package enhance post-processes OCR text through an OpenAI-compatible chat
// completion endpoint.
package enhance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

const (
	DefaultModel       = "deepseek-v3.1"
	DefaultTemperature = 0.1
	DefaultMaxTokens   = 4096
	DefaultTimeout     = 30 * time.Second

	systemPrompt = "You are an expert document analyst specializing in OCR post-processing and enhancement."
)

// ErrEmptyText is returned when there is nothing to enhance.
var ErrEmptyText = errors.New("no text to enhance")

// Config configures an Enhancer.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
	MaxRetries  int
	HTTPClient  *http.Client // tests
	Logger      *slog.Logger
}

// Correction is one change the model reports making.
type Correction struct {
	Original   string  `json:"original"`
	Corrected  string  `json:"corrected"`
	Confidence float64 `json:"confidence"`
	IssueType  string  `json:"issue_type"`
}

// Result is the parsed model response.
type Result struct {
	EnhancedText      string       `json:"enhanced_text"`
	Corrections       []Correction `json:"corrections"`
	OverallConfidence float64      `json:"overall_confidence"`
	Summary           string       `json:"summary"`
	Model             string       `json:"model"`
	ProcessingTimeMs  int64        `json:"processing_time_ms"`
}

// Enhancer calls the chat completion API.
type Enhancer struct {
	client      openai.Client
	model       string
	temperature float64
	maxTokens   int
	schema      *jsonschema.Schema
	logger      *slog.Logger
}

const resultSchema = `{
	"type": "object",
	"required": ["enhanced_text"],
	"properties": {
		"enhanced_text": {"type": "string"},
		"corrections": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["original", "corrected"],
				"properties": {
					"original": {"type": "string"},
					"corrected": {"type": "string"},
					"confidence": {"type": "number", "minimum": 0, "maximum": 1},
					"issue_type": {"type": "string"}
				}
			}
		},
		"overall_confidence": {"type": "number", "minimum": 0, "maximum": 1},
		"summary": {"type": "string"}
	}
}`

// New builds an Enhancer.
func New(cfg Config) (*Enhancer, error) {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = DefaultTemperature
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("enhancement.json", strings.NewReader(resultSchema)); err != nil {
		return nil, fmt.Errorf("failed to load enhancement schema: %w", err)
	}
	schema, err := compiler.Compile("enhancement.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile enhancement schema: %w", err)
	}

	return &Enhancer{
		client:      openai.NewClient(opts...),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		schema:      schema,
		logger:      logger.With("component", "enhance", "model", cfg.Model),
	}, nil
}

// Enhance asks the model to correct text. avgConfidence, when known, is
// included in the prompt so the model can be more careful with weak scans.
func (e *Enhancer) Enhance(ctx context.Context, text string, avgConfidence *float64) (*Result, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyText
	}
	start := time.Now()

	resp, err := e.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(e.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(buildPrompt(text, avgConfidence)),
		},
		Temperature: openai.Float(e.temperature),
		MaxTokens:   openai.Int(int64(e.maxTokens)),
	})
	if err != nil {
		return nil, fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chat completion returned no choices")
	}

	raw := extractObject(resp.Choices[0].Message.Content)
	if raw == "" {
		return nil, fmt.Errorf("model response contained no JSON object")
	}
	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("failed to decode model response: %w", err)
	}
	if err := e.schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("model response does not match schema: %w", err)
	}

	var result Result
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return nil, fmt.Errorf("failed to decode model response: %w", err)
	}
	result.Model = e.model
	result.ProcessingTimeMs = time.Since(start).Milliseconds()

	e.logger.Debug("text enhanced",
		"corrections", len(result.Corrections),
		"confidence", result.OverallConfidence,
		"duration_ms", result.ProcessingTimeMs)
	return &result, nil
}

// TryEnhance is Enhance for callers that treat enhancement as optional:
// failures are logged and nil is returned.
func (e *Enhancer) TryEnhance(ctx context.Context, documentID, text string, avgConfidence *float64) *Result {
	res, err := e.Enhance(ctx, text, avgConfidence)
	if err != nil {
		if !errors.Is(err, ErrEmptyText) {
			e.logger.Warn("enhancement failed, keeping OCR text", "document_id", documentID, "error", err)
		}
		return nil
	}
	return res
}

func buildPrompt(text string, avgConfidence *float64) string {
	var b strings.Builder
	b.WriteString("Correct the OCR output below.\n\nOCR TEXT:\n")
	b.WriteString(text)
	if avgConfidence != nil {
		fmt.Fprintf(&b, "\n\nAverage OCR confidence: %.0f%%", *avgConfidence*100)
	}
	b.WriteString(`

Tasks:
- Fix spelling, grammar and punctuation errors.
- Keep document IDs, numbers and proper names exactly as written.
- Preserve line breaks that carry structure (addresses, tables, lists).
- If unsure about a correction, keep the original text.

Reply with a single JSON object with keys enhanced_text, corrections
(array of {original, corrected, confidence, issue_type}), overall_confidence (0-1)
and summary.`)
	return b.String()
}

// extractObject returns the outermost {...} in s, which tolerates models that
// wrap JSON in code fences or prose.
func extractObject(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return ""
	}
	return strings.TrimSpace(s[start : end+1])
}
