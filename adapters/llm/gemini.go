package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/satriahrh/meetscribe/domain/repositories"
)

const (
	defaultModel          = "gemini-2.0-flash"
	defaultTemperature    = 0.2
	defaultMaxTokens      = 512
	defaultTimeoutSeconds = 30
	maxAttempts           = 3

	summaryPrompt = `You summarize meeting transcripts. Each line is "Speaker: text", where "You" is the person who recorded the meeting.
Write a short summary of at most five sentences followed by a bulleted list of action items, if any.
Only use information present in the transcript.`
)

// ErrEmptyTranscript is returned when there is nothing to summarize
var ErrEmptyTranscript = errors.New("transcript is empty")

// GeminiConfig holds configuration for the Gemini summarizer
type GeminiConfig struct {
	APIKey          string
	Model           string
	Temperature     float32
	MaxOutputTokens int
	TimeoutSeconds  int
}

// ValidateGeminiConfig validates the GeminiConfig
func ValidateGeminiConfig(config GeminiConfig) error {
	if config.APIKey == "" {
		return fmt.Errorf("Google AI API key is required")
	}
	if config.Temperature != 0 && (config.Temperature < 0 || config.Temperature > 1) {
		return fmt.Errorf("temperature must be between 0 and 1, got %f", config.Temperature)
	}
	if config.TimeoutSeconds < 0 {
		return fmt.Errorf("timeout must be positive, got %d", config.TimeoutSeconds)
	}
	return nil
}

// contentGenerator is satisfied by genai's Models service
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiSummarizer implements repositories.Summarizer using Google's Gemini API
type GeminiSummarizer struct {
	models          contentGenerator
	logger          *zap.Logger
	model           string
	temperature     float32
	maxOutputTokens int
	timeout         time.Duration
	backoff         func(attempt int) time.Duration
}

var _ repositories.Summarizer = (*GeminiSummarizer)(nil)

// NewGeminiSummarizer creates a new Gemini summarizer
func NewGeminiSummarizer(ctx context.Context, config GeminiConfig, logger *zap.Logger) (*GeminiSummarizer, error) {
	if err := ValidateGeminiConfig(config); err != nil {
		return nil, err
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return newGeminiSummarizer(client.Models, config, logger), nil
}

func newGeminiSummarizer(models contentGenerator, config GeminiConfig, logger *zap.Logger) *GeminiSummarizer {
	s := &GeminiSummarizer{
		models:          models,
		logger:          logger,
		model:           config.Model,
		temperature:     config.Temperature,
		maxOutputTokens: config.MaxOutputTokens,
		timeout:         time.Duration(config.TimeoutSeconds) * time.Second,
		backoff: func(attempt int) time.Duration {
			return time.Duration(attempt+1) * time.Second
		},
	}

	if s.model == "" {
		s.model = defaultModel
		logger.Info("Using default model", zap.String("model", s.model))
	}
	if s.temperature == 0 {
		s.temperature = defaultTemperature
	}
	if s.maxOutputTokens == 0 {
		s.maxOutputTokens = defaultMaxTokens
	}
	if s.timeout == 0 {
		s.timeout = defaultTimeoutSeconds * time.Second
	}
	return s
}

// Summarize implements repositories.Summarizer
func (s *GeminiSummarizer) Summarize(ctx context.Context, transcript string) (string, error) {
	if strings.TrimSpace(transcript) == "" {
		return "", ErrEmptyTranscript
	}

	contents := []*genai.Content{genai.NewContentFromText(transcript, genai.RoleUser)}
	config := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(summaryPrompt, genai.RoleUser),
		Temperature:       genai.Ptr(s.temperature),
		MaxOutputTokens:   int32(s.maxOutputTokens),
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var response *genai.GenerateContentResponse
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		response, err = s.models.GenerateContent(ctx, s.model, contents, config)
		if err == nil {
			break
		}

		s.logger.Warn("Failed to generate summary, retrying",
			zap.Int("attempt", attempt+1),
			zap.Error(err))

		if attempt < maxAttempts-1 {
			select {
			case <-ctx.Done():
				return "", fmt.Errorf("generate summary: %w", ctx.Err())
			case <-time.After(s.backoff(attempt)):
			}
		}
	}
	if err != nil {
		return "", fmt.Errorf("generate summary: %w", err)
	}

	summary := responseText(response)
	if summary == "" {
		return "", errors.New("generate summary: empty response")
	}

	s.logger.Info("Summary generated",
		zap.Int("transcript_length", len(transcript)),
		zap.Int("summary_length", len(summary)))

	return summary, nil
}

func responseText(response *genai.GenerateContentResponse) string {
	if response == nil || len(response.Candidates) == 0 || response.Candidates[0].Content == nil {
		return ""
	}

	var text strings.Builder
	for _, part := range response.Candidates[0].Content.Parts {
		if part != nil && part.Text != "" {
			text.WriteString(part.Text)
		}
	}
	return strings.TrimSpace(text.String())
}
