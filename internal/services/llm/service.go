package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/venari/internal/common"
)

const extractionSystemPrompt = `You extract structured data from web page content.
Respond with a single JSON object and nothing else. If a requested field is
absent from the content, omit it.`

// Service runs LLM extraction over crawled page content using the Anthropic
// API. Used by llm_extraction jobs; the synchronous crawl path never calls it.
type Service struct {
	client anthropic.Client
	config common.LLMConfig
	logger arbor.ILogger
}

// NewService creates the extraction service; returns an error without an API
// key so misconfiguration fails at startup rather than on the first job
func NewService(config common.LLMConfig, logger arbor.ILogger) (*Service, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("llm api key not configured")
	}

	return &Service{
		client: anthropic.NewClient(option.WithAPIKey(config.APIKey)),
		config: config,
		logger: logger,
	}, nil
}

// Extract runs the instruction against the page content and returns the
// model's JSON object
func (s *Service) Extract(ctx context.Context, content, instruction string) (json.RawMessage, error) {
	if s.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.Timeout)
		defer cancel()
	}

	maxTokens := s.config.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	prompt := fmt.Sprintf("Instruction:\n%s\n\nPage content:\n%s", instruction, content)

	resp, err := s.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(s.config.Model),
		MaxTokens: int64(maxTokens),
		System: []anthropic.TextBlockParam{
			{Text: extractionSystemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("llm call failed: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return nil, fmt.Errorf("llm returned no content")
	}

	raw := extractJSON(text.String())
	if !json.Valid([]byte(raw)) {
		return nil, fmt.Errorf("llm returned invalid json")
	}

	s.logger.Debug().
		Str("model", s.config.Model).
		Int("response_bytes", len(raw)).
		Msg("LLM extraction completed")

	return json.RawMessage(raw), nil
}

// extractJSON trims prose or code fences around the model's JSON object
func extractJSON(text string) string {
	text = strings.TrimSpace(text)
	if fenced, ok := strings.CutPrefix(text, "```json"); ok {
		text = fenced
	} else if fenced, ok := strings.CutPrefix(text, "```"); ok {
		text = fenced
	}
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	text = strings.TrimSpace(text)

	start := strings.IndexAny(text, "{[")
	if start > 0 {
		text = text[start:]
	}
	return text
}
