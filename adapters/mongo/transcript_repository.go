package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/satriahrh/meetscribe/domain/entities"
	"github.com/satriahrh/meetscribe/domain/repositories"
)

const (
	conversationsCollection = "conversations"
	segmentsCollection      = "segments"
)

// TranscriptRepository stores conversations and their segments in two collections
type TranscriptRepository struct {
	conversations *mongo.Collection
	segments      *mongo.Collection
	logger        *zap.Logger
}

var _ repositories.TranscriptRepository = (*TranscriptRepository)(nil)

// NewTranscriptRepository creates a new MongoDB transcript repository
func NewTranscriptRepository(db *mongo.Database, logger *zap.Logger) *TranscriptRepository {
	return &TranscriptRepository{
		conversations: db.Collection(conversationsCollection),
		segments:      db.Collection(segmentsCollection),
		logger:        logger,
	}
}

// EnsureIndexes creates the indexes backing segment ordering and list queries
func (r *TranscriptRepository) EnsureIndexes(ctx context.Context) error {
	if _, err := r.segments.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "start_time", Value: 1}},
	}); err != nil {
		return fmt.Errorf("failed to create segment index: %w", err)
	}
	if _, err := r.conversations.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "created_at", Value: -1}},
	}); err != nil {
		return fmt.Errorf("failed to create conversation index: %w", err)
	}
	return nil
}

// CreateConversation implements repositories.TranscriptRepository
func (r *TranscriptRepository) CreateConversation(ctx context.Context, c *entities.Conversation) error {
	if c == nil {
		return errors.New("conversation cannot be nil")
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}

	if _, err := r.conversations.InsertOne(ctx, c); err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}

	r.logger.Info("Conversation created", zap.String("id", c.ID), zap.String("title", c.Title))
	return nil
}

// AppendSegment implements repositories.TranscriptRepository
func (r *TranscriptRepository) AppendSegment(ctx context.Context, seg *entities.Segment) error {
	if seg == nil {
		return errors.New("segment cannot be nil")
	}
	if seg.CreatedAt.IsZero() {
		seg.CreatedAt = time.Now().UTC()
	}

	if _, err := r.segments.InsertOne(ctx, seg); err != nil {
		return fmt.Errorf("failed to append segment: %w", err)
	}
	return nil
}

// UpdateConversationMeta implements repositories.TranscriptRepository
func (r *TranscriptRepository) UpdateConversationMeta(ctx context.Context, id string, durationSeconds, speakerCount int) error {
	return r.update(ctx, id, bson.M{
		"duration":      durationSeconds,
		"speaker_count": speakerCount,
	})
}

// UpdateSummary implements repositories.TranscriptRepository
func (r *TranscriptRepository) UpdateSummary(ctx context.Context, id, summary string) error {
	return r.update(ctx, id, bson.M{"summary": summary})
}

func (r *TranscriptRepository) update(ctx context.Context, id string, fields bson.M) error {
	result, err := r.conversations.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": fields})
	if err != nil {
		return fmt.Errorf("failed to update conversation: %w", err)
	}
	if result.MatchedCount == 0 {
		return fmt.Errorf("conversation %s: %w", id, repositories.ErrConversationNotFound)
	}
	return nil
}

// ListConversations implements repositories.TranscriptRepository
func (r *TranscriptRepository) ListConversations(ctx context.Context, limit int) ([]*entities.Conversation, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetLimit(int64(limit))

	cursor, err := r.conversations.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer cursor.Close(ctx)

	conversations := []*entities.Conversation{}
	if err := cursor.All(ctx, &conversations); err != nil {
		return nil, fmt.Errorf("failed to decode conversations: %w", err)
	}
	return conversations, nil
}

// GetConversation implements repositories.TranscriptRepository
func (r *TranscriptRepository) GetConversation(ctx context.Context, id string) (*entities.Conversation, error) {
	var c entities.Conversation
	err := r.conversations.FindOne(ctx, bson.M{"_id": id}).Decode(&c)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get conversation %s: %w", id, err)
	}

	opts := options.Find().SetSort(bson.D{{Key: "start_time", Value: 1}})
	cursor, err := r.segments.Find(ctx, bson.M{"conversation_id": id}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to get segments for %s: %w", id, err)
	}
	defer cursor.Close(ctx)

	c.Segments = []entities.Segment{}
	if err := cursor.All(ctx, &c.Segments); err != nil {
		return nil, fmt.Errorf("failed to decode segments: %w", err)
	}
	entities.SortSegments(c.Segments)

	return &c, nil
}

// DeleteConversation implements repositories.TranscriptRepository
func (r *TranscriptRepository) DeleteConversation(ctx context.Context, id string) (bool, error) {
	if _, err := r.segments.DeleteMany(ctx, bson.M{"conversation_id": id}); err != nil {
		return false, fmt.Errorf("failed to delete segments: %w", err)
	}
	result, err := r.conversations.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return false, fmt.Errorf("failed to delete conversation: %w", err)
	}

	if result.DeletedCount > 0 {
		r.logger.Info("Conversation deleted", zap.String("id", id))
	}
	return result.DeletedCount > 0, nil
}

// DeleteConversationsBefore implements repositories.TranscriptRepository
func (r *TranscriptRepository) DeleteConversationsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	filter := bson.M{"created_at": bson.M{"$lt": cutoff}}

	ids, err := r.conversations.Distinct(ctx, "_id", filter)
	if err != nil {
		return 0, fmt.Errorf("failed to find expired conversations: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	if _, err := r.segments.DeleteMany(ctx, bson.M{"conversation_id": bson.M{"$in": ids}}); err != nil {
		return 0, fmt.Errorf("failed to delete expired segments: %w", err)
	}
	result, err := r.conversations.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired conversations: %w", err)
	}
	return result.DeletedCount, nil
}

// CountConversations implements repositories.TranscriptRepository
func (r *TranscriptRepository) CountConversations(ctx context.Context) (int64, error) {
	count, err := r.conversations.CountDocuments(ctx, bson.M{})
	if err != nil {
		return 0, fmt.Errorf("failed to count conversations: %w", err)
	}
	return count, nil
}
