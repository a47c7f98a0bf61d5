package adapters

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/satriahrh/meetscribe/domain/entities"
	"github.com/satriahrh/meetscribe/domain/repositories"
)

// MemoryTranscriptRepository is an in-memory implementation of TranscriptRepository.
// Contents are lost on restart.
type MemoryTranscriptRepository struct {
	mu            sync.RWMutex
	conversations map[string]*entities.Conversation // id -> conversation without segments
	segments      map[string][]entities.Segment     // conversation id -> segments in arrival order
}

var _ repositories.TranscriptRepository = (*MemoryTranscriptRepository)(nil)

// NewMemoryTranscriptRepository creates a new in-memory transcript repository
func NewMemoryTranscriptRepository() *MemoryTranscriptRepository {
	return &MemoryTranscriptRepository{
		conversations: make(map[string]*entities.Conversation),
		segments:      make(map[string][]entities.Segment),
	}
}

// CreateConversation implements TranscriptRepository interface
func (m *MemoryTranscriptRepository) CreateConversation(ctx context.Context, c *entities.Conversation) error {
	if c == nil {
		return errors.New("conversation cannot be nil")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.conversations[c.ID]; exists {
		return fmt.Errorf("conversation %s already exists", c.ID)
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}

	stored := *c
	stored.Segments = nil
	m.conversations[c.ID] = &stored
	return nil
}

// AppendSegment implements TranscriptRepository interface
func (m *MemoryTranscriptRepository) AppendSegment(ctx context.Context, seg *entities.Segment) error {
	if seg == nil {
		return errors.New("segment cannot be nil")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.conversations[seg.ConversationID]; !exists {
		return fmt.Errorf("conversation %s: %w", seg.ConversationID, repositories.ErrConversationNotFound)
	}
	if seg.CreatedAt.IsZero() {
		seg.CreatedAt = time.Now().UTC()
	}

	m.segments[seg.ConversationID] = append(m.segments[seg.ConversationID], *seg)
	return nil
}

// UpdateConversationMeta implements TranscriptRepository interface
func (m *MemoryTranscriptRepository) UpdateConversationMeta(ctx context.Context, id string, durationSeconds, speakerCount int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, exists := m.conversations[id]
	if !exists {
		return fmt.Errorf("conversation %s: %w", id, repositories.ErrConversationNotFound)
	}
	c.DurationSeconds = durationSeconds
	c.SpeakerCount = speakerCount
	return nil
}

// UpdateSummary implements TranscriptRepository interface
func (m *MemoryTranscriptRepository) UpdateSummary(ctx context.Context, id, summary string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, exists := m.conversations[id]
	if !exists {
		return fmt.Errorf("conversation %s: %w", id, repositories.ErrConversationNotFound)
	}
	c.Summary = summary
	return nil
}

// ListConversations implements TranscriptRepository interface
func (m *MemoryTranscriptRepository) ListConversations(ctx context.Context, limit int) ([]*entities.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := make([]*entities.Conversation, 0, len(m.conversations))
	for _, c := range m.conversations {
		copied := *c
		list = append(list, &copied)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})

	if limit >= 0 && len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

// GetConversation implements TranscriptRepository interface
func (m *MemoryTranscriptRepository) GetConversation(ctx context.Context, id string) (*entities.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, exists := m.conversations[id]
	if !exists {
		return nil, nil
	}

	copied := *c
	copied.Segments = append([]entities.Segment{}, m.segments[id]...)
	entities.SortSegments(copied.Segments)
	return &copied, nil
}

// DeleteConversation implements TranscriptRepository interface
func (m *MemoryTranscriptRepository) DeleteConversation(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.conversations[id]; !exists {
		return false, nil
	}
	delete(m.conversations, id)
	delete(m.segments, id)
	return true, nil
}

// DeleteConversationsBefore implements TranscriptRepository interface
func (m *MemoryTranscriptRepository) DeleteConversationsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted int64
	for id, c := range m.conversations {
		if c.CreatedAt.Before(cutoff) {
			delete(m.conversations, id)
			delete(m.segments, id)
			deleted++
		}
	}
	return deleted, nil
}

// CountConversations implements TranscriptRepository interface
func (m *MemoryTranscriptRepository) CountConversations(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.conversations)), nil
}
