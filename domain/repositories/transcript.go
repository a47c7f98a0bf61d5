package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/satriahrh/meetscribe/domain/entities"
)

// ErrConversationNotFound is returned when an update targets a missing conversation.
var ErrConversationNotFound = errors.New("conversation not found")

// TranscriptRepository defines data access methods for conversations and segments
type TranscriptRepository interface {
	CreateConversation(ctx context.Context, conversation *entities.Conversation) error
	AppendSegment(ctx context.Context, segment *entities.Segment) error
	UpdateConversationMeta(ctx context.Context, id string, durationSeconds, speakerCount int) error
	UpdateSummary(ctx context.Context, id, summary string) error
	// ListConversations returns conversations newest first, without segments.
	ListConversations(ctx context.Context, limit int) ([]*entities.Conversation, error)
	// GetConversation returns nil without error when the conversation does not exist.
	// Segments are ordered by start time.
	GetConversation(ctx context.Context, id string) (*entities.Conversation, error)
	// DeleteConversation removes a conversation with its segments and reports whether it existed.
	DeleteConversation(ctx context.Context, id string) (bool, error)
	DeleteConversationsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	CountConversations(ctx context.Context) (int64, error)
}
