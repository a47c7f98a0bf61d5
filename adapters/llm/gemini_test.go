package llm

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
	"google.golang.org/genai"
)

type fakeGenerator struct {
	failures  int
	calls     int
	reply     string
	gotModel  string
	gotConfig *genai.GenerateContentConfig
	gotText   string
}

func (f *fakeGenerator) GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.calls++
	f.gotModel = model
	f.gotConfig = config
	if len(contents) > 0 && len(contents[0].Parts) > 0 {
		f.gotText = contents[0].Parts[0].Text
	}
	if f.calls <= f.failures {
		return nil, errors.New("unavailable")
	}
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: genai.NewContentFromText(f.reply, genai.RoleModel),
		}},
	}, nil
}

func newTestSummarizer(t *testing.T, gen *fakeGenerator) *GeminiSummarizer {
	s := newGeminiSummarizer(gen, GeminiConfig{APIKey: "key"}, zaptest.NewLogger(t))
	s.backoff = func(int) time.Duration { return 0 }
	return s
}

func TestValidateGeminiConfig(t *testing.T) {
	if err := ValidateGeminiConfig(GeminiConfig{}); err == nil {
		t.Error("Expected error for missing API key")
	}
	if err := ValidateGeminiConfig(GeminiConfig{APIKey: "k", Temperature: 1.5}); err == nil {
		t.Error("Expected error for temperature above 1")
	}
	if err := ValidateGeminiConfig(GeminiConfig{APIKey: "k"}); err != nil {
		t.Errorf("Expected valid config, got %v", err)
	}
}

func TestGeminiSummarizer_Summarize(t *testing.T) {
	gen := &fakeGenerator{reply: "  The team agreed on a launch date.  "}
	s := newTestSummarizer(t, gen)

	summary, err := s.Summarize(context.Background(), "You: shall we launch friday?\nSpeaker 1: yes")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if summary != "The team agreed on a launch date." {
		t.Errorf("Unexpected summary %q", summary)
	}
	if gen.gotModel != defaultModel {
		t.Errorf("Expected default model, got %s", gen.gotModel)
	}
	if !strings.Contains(gen.gotText, "Speaker 1: yes") {
		t.Errorf("Transcript not passed to the model: %q", gen.gotText)
	}
	if gen.gotConfig.SystemInstruction == nil {
		t.Error("Expected a system instruction")
	}
}

func TestGeminiSummarizer_RetriesThenSucceeds(t *testing.T) {
	gen := &fakeGenerator{failures: 2, reply: "ok"}
	s := newTestSummarizer(t, gen)

	summary, err := s.Summarize(context.Background(), "You: hi")
	if err != nil || summary != "ok" {
		t.Fatalf("Expected ok after retries, got %q (%v)", summary, err)
	}
	if gen.calls != 3 {
		t.Errorf("Expected 3 attempts, got %d", gen.calls)
	}
}

func TestGeminiSummarizer_GivesUp(t *testing.T) {
	gen := &fakeGenerator{failures: 5}
	s := newTestSummarizer(t, gen)

	if _, err := s.Summarize(context.Background(), "You: hi"); err == nil {
		t.Error("Expected error after exhausting retries")
	}
	if gen.calls != maxAttempts {
		t.Errorf("Expected %d attempts, got %d", maxAttempts, gen.calls)
	}
}

func TestGeminiSummarizer_EmptyInputAndOutput(t *testing.T) {
	s := newTestSummarizer(t, &fakeGenerator{reply: "unused"})
	if _, err := s.Summarize(context.Background(), "   "); !errors.Is(err, ErrEmptyTranscript) {
		t.Errorf("Expected ErrEmptyTranscript, got %v", err)
	}

	s = newTestSummarizer(t, &fakeGenerator{reply: ""})
	if _, err := s.Summarize(context.Background(), "You: hi"); err == nil {
		t.Error("Expected error for empty model response")
	}
}
