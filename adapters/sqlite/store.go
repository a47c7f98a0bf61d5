package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/satriahrh/meetscribe/domain/entities"
	"github.com/satriahrh/meetscribe/domain/repositories"
)

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	source_hint TEXT,
	created_at REAL NOT NULL,
	duration INTEGER NOT NULL DEFAULT 0,
	speaker_count INTEGER NOT NULL DEFAULT 0,
	summary TEXT
);

CREATE TABLE IF NOT EXISTS segments (
	id TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	speaker_id INTEGER NOT NULL,
	speaker_label TEXT NOT NULL,
	text TEXT NOT NULL,
	start_time REAL NOT NULL,
	end_time REAL NOT NULL,
	confidence REAL NOT NULL DEFAULT 0,
	created_at REAL NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_segments_conversation ON segments(conversation_id);
CREATE INDEX IF NOT EXISTS idx_segments_time ON segments(conversation_id, start_time);
CREATE INDEX IF NOT EXISTS idx_conversations_created ON conversations(created_at);
`

// Store implements repositories.TranscriptRepository on SQLite.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

var _ repositories.TranscriptRepository = (*Store)(nil)

// Open opens or creates the database at path and applies the schema.
// Use ":memory:" for a throwaway database.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite has a single writer, and an in-memory database only lives on one connection.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	pragmas := []string{"PRAGMA foreign_keys = ON"}
	if path != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", p, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	logger.Info("Database initialized", zap.String("path", path))

	return &Store{db: db, logger: logger}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return err
	}
	s.logger.Info("Database connection closed")
	return nil
}

// CreateConversation implements repositories.TranscriptRepository
func (s *Store) CreateConversation(ctx context.Context, c *entities.Conversation) error {
	if c == nil {
		return errors.New("conversation cannot be nil")
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, title, source_hint, created_at, duration, speaker_count, summary)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.Title, nullString(c.SourceHint), unixFromTime(c.CreatedAt),
		c.DurationSeconds, c.SpeakerCount, nullString(c.Summary))
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}

	s.logger.Info("Conversation created", zap.String("id", c.ID), zap.String("title", c.Title))
	return nil
}

// AppendSegment implements repositories.TranscriptRepository
func (s *Store) AppendSegment(ctx context.Context, seg *entities.Segment) error {
	if seg == nil {
		return errors.New("segment cannot be nil")
	}
	if seg.CreatedAt.IsZero() {
		seg.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO segments (id, conversation_id, speaker_id, speaker_label, text, start_time, end_time, confidence, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, seg.ID, seg.ConversationID, seg.SpeakerIndex, seg.SpeakerLabel, seg.Text,
		seg.Start, seg.End, seg.Confidence, unixFromTime(seg.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert segment: %w", err)
	}
	return nil
}

// UpdateConversationMeta implements repositories.TranscriptRepository
func (s *Store) UpdateConversationMeta(ctx context.Context, id string, durationSeconds, speakerCount int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET duration = ?, speaker_count = ? WHERE id = ?`,
		durationSeconds, speakerCount, id)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	return requireRow(res)
}

// UpdateSummary implements repositories.TranscriptRepository
func (s *Store) UpdateSummary(ctx context.Context, id, summary string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET summary = ? WHERE id = ?`, summary, id)
	if err != nil {
		return fmt.Errorf("update summary: %w", err)
	}
	return requireRow(res)
}

// ListConversations implements repositories.TranscriptRepository
func (s *Store) ListConversations(ctx context.Context, limit int) ([]*entities.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, source_hint, created_at, duration, speaker_count, summary
		FROM conversations
		ORDER BY created_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	conversations := []*entities.Conversation{}
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		conversations = append(conversations, c)
	}
	return conversations, rows.Err()
}

// GetConversation implements repositories.TranscriptRepository
func (s *Store) GetConversation(ctx context.Context, id string) (*entities.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, source_hint, created_at, duration, speaker_count, summary
		FROM conversations
		WHERE id = ?
	`, id)

	c, err := scanConversation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, speaker_id, speaker_label, text, start_time, end_time, confidence, created_at
		FROM segments
		WHERE conversation_id = ?
		ORDER BY start_time ASC, rowid ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query segments: %w", err)
	}
	defer rows.Close()

	c.Segments = []entities.Segment{}
	for rows.Next() {
		var seg entities.Segment
		var createdAt float64
		if err := rows.Scan(&seg.ID, &seg.ConversationID, &seg.SpeakerIndex, &seg.SpeakerLabel,
			&seg.Text, &seg.Start, &seg.End, &seg.Confidence, &createdAt); err != nil {
			return nil, fmt.Errorf("scan segment: %w", err)
		}
		seg.CreatedAt = timeFromUnix(createdAt)
		c.Segments = append(c.Segments, seg)
	}
	return c, rows.Err()
}

// DeleteConversation implements repositories.TranscriptRepository
func (s *Store) DeleteConversation(ctx context.Context, id string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM segments WHERE conversation_id = ?`, id); err != nil {
		return false, fmt.Errorf("delete segments: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete conversation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit delete: %w", err)
	}

	if n > 0 {
		s.logger.Info("Conversation deleted", zap.String("id", id))
	}
	return n > 0, nil
}

// DeleteConversationsBefore implements repositories.TranscriptRepository
func (s *Store) DeleteConversationsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin sweep: %w", err)
	}
	defer tx.Rollback()

	ts := unixFromTime(cutoff)
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM segments
		WHERE conversation_id IN (SELECT id FROM conversations WHERE created_at < ?)
	`, ts); err != nil {
		return 0, fmt.Errorf("sweep segments: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE created_at < ?`, ts)
	if err != nil {
		return 0, fmt.Errorf("sweep conversations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sweep conversations: %w", err)
	}
	return n, tx.Commit()
}

// CountConversations implements repositories.TranscriptRepository
func (s *Store) CountConversations(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count conversations: %w", err)
	}
	return count, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanConversation(row scanner) (*entities.Conversation, error) {
	var c entities.Conversation
	var createdAt float64
	var sourceHint, summary sql.NullString

	if err := row.Scan(&c.ID, &c.Title, &sourceHint, &createdAt,
		&c.DurationSeconds, &c.SpeakerCount, &summary); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan conversation: %w", err)
	}

	c.CreatedAt = timeFromUnix(createdAt)
	c.SourceHint = sourceHint.String
	c.Summary = summary.String
	return &c, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return repositories.ErrConversationNotFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func unixFromTime(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func timeFromUnix(ts float64) time.Time {
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}
