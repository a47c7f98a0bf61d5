package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/satriahrh/meetscribe/domain/entities"
	"github.com/satriahrh/meetscribe/domain/repositories"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 100

	summaryTimeout = 2 * time.Minute
)

// ErrNoSummarizer is returned by Summarize when no summarizer is configured
var ErrNoSummarizer = errors.New("no summarizer configured")

// TranscriptService is the persistence gateway between live sessions and the
// transcript store.
type TranscriptService struct {
	repo       repositories.TranscriptRepository
	summarizer repositories.Summarizer
	logger     *zap.Logger

	// waitMu keeps wg.Add from racing a Wait in progress.
	waitMu sync.Mutex
	wg     sync.WaitGroup
}

// NewTranscriptService creates a new transcript service. summarizer may be nil.
func NewTranscriptService(repo repositories.TranscriptRepository, summarizer repositories.Summarizer, logger *zap.Logger) *TranscriptService {
	return &TranscriptService{
		repo:       repo,
		summarizer: summarizer,
		logger:     logger,
	}
}

// CreateConversation stores a new conversation. An empty id is generated and
// an empty title is derived from the source hint.
func (s *TranscriptService) CreateConversation(ctx context.Context, id, title, sourceHint string) (*entities.Conversation, error) {
	if id == "" {
		id = uuid.New().String()
	}

	conversation := entities.NewConversation(id, sourceHint)
	if title != "" {
		conversation.Title = title
	}
	if err := conversation.Validate(); err != nil {
		return nil, fmt.Errorf("invalid conversation: %w", err)
	}

	if err := s.repo.CreateConversation(ctx, conversation); err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return conversation, nil
}

// AppendSegment persists one final segment and returns its id
func (s *TranscriptService) AppendSegment(ctx context.Context, conversationID string, speakerIndex int, label, text string, start, end, confidence float64) (string, error) {
	segment := &entities.Segment{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		SpeakerIndex:   speakerIndex,
		SpeakerLabel:   label,
		Text:           strings.TrimSpace(text),
		Start:          start,
		End:            end,
		Confidence:     confidence,
		CreatedAt:      time.Now().UTC(),
	}
	if err := segment.Validate(); err != nil {
		return "", fmt.Errorf("invalid segment: %w", err)
	}

	if err := s.repo.AppendSegment(ctx, segment); err != nil {
		return "", fmt.Errorf("append segment: %w", err)
	}
	return segment.ID, nil
}

// UpdateConversationMeta records the final duration and speaker count
func (s *TranscriptService) UpdateConversationMeta(ctx context.Context, id string, durationSeconds, speakerCount int) error {
	if durationSeconds < 0 || speakerCount < 0 {
		return fmt.Errorf("invalid metadata: duration %d, speakers %d", durationSeconds, speakerCount)
	}
	if err := s.repo.UpdateConversationMeta(ctx, id, durationSeconds, speakerCount); err != nil {
		return fmt.Errorf("update conversation meta: %w", err)
	}
	s.logger.Debug("Conversation updated",
		zap.String("id", id),
		zap.Int("duration", durationSeconds),
		zap.Int("speakerCount", speakerCount))
	return nil
}

// UpdateSummary stores a summary on the conversation
func (s *TranscriptService) UpdateSummary(ctx context.Context, id, summary string) error {
	if err := s.repo.UpdateSummary(ctx, id, summary); err != nil {
		return fmt.Errorf("update summary: %w", err)
	}
	return nil
}

// Summarize builds a speaker-labelled transcript of the conversation, asks
// the summarizer to condense it and stores the result.
func (s *TranscriptService) Summarize(ctx context.Context, id string) (string, error) {
	if s.summarizer == nil {
		return "", ErrNoSummarizer
	}

	conversation, err := s.repo.GetConversation(ctx, id)
	if err != nil {
		return "", fmt.Errorf("load conversation: %w", err)
	}
	if conversation == nil {
		return "", fmt.Errorf("conversation %s: %w", id, repositories.ErrConversationNotFound)
	}

	transcript := FormatTranscript(conversation.Segments)
	if transcript == "" {
		return "", nil
	}

	summary, err := s.summarizer.Summarize(ctx, transcript)
	if err != nil {
		return "", err
	}
	if err := s.UpdateSummary(ctx, id, summary); err != nil {
		return "", err
	}

	s.logger.Info("Conversation summarized", zap.String("id", id))
	return summary, nil
}

// SummarizeAsync runs Summarize in the background when a summarizer is
// configured. Failures are logged only.
func (s *TranscriptService) SummarizeAsync(id string) {
	if s.summarizer == nil {
		return
	}

	s.waitMu.Lock()
	s.wg.Add(1)
	s.waitMu.Unlock()

	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), summaryTimeout)
		defer cancel()

		if _, err := s.Summarize(ctx, id); err != nil {
			s.logger.Warn("Failed to summarize conversation", zap.String("id", id), zap.Error(err))
		}
	}()
}

// Wait blocks until background summaries have finished
func (s *TranscriptService) Wait() {
	s.waitMu.Lock()
	defer s.waitMu.Unlock()
	s.wg.Wait()
}

// ListConversations returns the newest conversations. The limit is clamped
// to MaxListLimit and defaults to DefaultListLimit.
func (s *TranscriptService) ListConversations(ctx context.Context, limit int) ([]*entities.Conversation, error) {
	conversations, err := s.repo.ListConversations(ctx, NormalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return conversations, nil
}

// GetConversation returns the conversation with its segments, or nil when it does not exist
func (s *TranscriptService) GetConversation(ctx context.Context, id string) (*entities.Conversation, error) {
	conversation, err := s.repo.GetConversation(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return conversation, nil
}

// DeleteConversation removes the conversation and reports whether it existed
func (s *TranscriptService) DeleteConversation(ctx context.Context, id string) (bool, error) {
	deleted, err := s.repo.DeleteConversation(ctx, id)
	if err != nil {
		return false, fmt.Errorf("delete conversation: %w", err)
	}
	return deleted, nil
}

// CountConversations returns the number of stored conversations
func (s *TranscriptService) CountConversations(ctx context.Context) (int64, error) {
	count, err := s.repo.CountConversations(ctx)
	if err != nil {
		return 0, fmt.Errorf("count conversations: %w", err)
	}
	return count, nil
}

// DeleteConversationsBefore removes conversations created before cutoff
func (s *TranscriptService) DeleteConversationsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	n, err := s.repo.DeleteConversationsBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete expired conversations: %w", err)
	}
	return n, nil
}

// NormalizeLimit applies the default and maximum list sizes
func NormalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}

// FormatTranscript renders segments as "Label: text" lines
func FormatTranscript(segments []entities.Segment) string {
	var b strings.Builder
	for _, seg := range segments {
		if strings.TrimSpace(seg.Text) == "" {
			continue
		}
		label := seg.SpeakerLabel
		if label == "" {
			label = entities.SpeakerLabel(seg.SpeakerIndex)
		}
		fmt.Fprintf(&b, "%s: %s\n", label, seg.Text)
	}
	return strings.TrimSuffix(b.String(), "\n")
}
