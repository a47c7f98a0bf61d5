package entities

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"
)

const (
	// LocalSpeakerIndex is reserved for the user's own microphone stream.
	LocalSpeakerIndex = 0

	// LocalSpeakerLabel is the label persisted for LocalSpeakerIndex.
	LocalSpeakerLabel = "You"

	// DefaultTitle is used when no usable source hint was given.
	DefaultTitle = "Meeting Transcript"
)

// knownHosts maps meeting providers to friendly conversation titles.
// Order matters: the first host contained in the hint wins.
var knownHosts = []struct {
	domain string
	title  string
}{
	{"meet.google.com", "Google Meet Session"},
	{"zoom.us", "Zoom Meeting"},
	{"teams.microsoft.com", "Teams Meeting"},
	{"webex.com", "Webex Meeting"},
	{"whereby.com", "Whereby Meeting"},
}

// Conversation represents one complete recording session and its metadata
type Conversation struct {
	ID              string    `json:"id" bson:"_id"`
	Title           string    `json:"title" bson:"title"`
	SourceHint      string    `json:"source_hint,omitempty" bson:"source_hint,omitempty"`
	CreatedAt       time.Time `json:"created_at" bson:"created_at"`
	DurationSeconds int       `json:"duration" bson:"duration"`
	SpeakerCount    int       `json:"speaker_count" bson:"speaker_count"`
	Summary         string    `json:"summary,omitempty" bson:"summary,omitempty"`
	Segments        []Segment `json:"segments,omitempty" bson:"-"`
}

// Segment is a finalized, speaker-attributed span of transcribed text
type Segment struct {
	ID             string    `json:"id" bson:"_id"`
	ConversationID string    `json:"conversation_id" bson:"conversation_id"`
	SpeakerIndex   int       `json:"speaker_id" bson:"speaker_id"`
	SpeakerLabel   string    `json:"speaker_label" bson:"speaker_label"`
	Text           string    `json:"text" bson:"text"`
	Start          float64   `json:"start_time" bson:"start_time"`
	End            float64   `json:"end_time" bson:"end_time"`
	Confidence     float64   `json:"confidence" bson:"confidence"`
	CreatedAt      time.Time `json:"created_at" bson:"created_at"`
}

// NewConversation creates a conversation titled after its source hint
func NewConversation(id, sourceHint string) *Conversation {
	return &Conversation{
		ID:         id,
		Title:      TitleFromSourceHint(sourceHint),
		SourceHint: sourceHint,
		CreatedAt:  time.Now().UTC(),
	}
}

// TitleFromSourceHint derives a human title from a meeting URL
func TitleFromSourceHint(hint string) string {
	u, err := url.Parse(strings.TrimSpace(hint))
	if err != nil || u.Hostname() == "" {
		return DefaultTitle
	}

	host := strings.Replace(u.Hostname(), "www.", "", 1)
	for _, known := range knownHosts {
		if strings.Contains(host, known.domain) {
			return known.title
		}
	}
	return "Meeting on " + host
}

// SpeakerLabel returns the human label for a session-level speaker index.
func SpeakerLabel(index int) string {
	if index == LocalSpeakerIndex {
		return LocalSpeakerLabel
	}
	return fmt.Sprintf("Speaker %d", index)
}

// SortSegments orders segments by start time, keeping arrival order on ties.
func SortSegments(segments []Segment) {
	sort.SliceStable(segments, func(i, j int) bool {
		return segments[i].Start < segments[j].Start
	})
}

// Validate validates the conversation data
func (c *Conversation) Validate() error {
	if c.ID == "" {
		return errors.New("conversation id is required")
	}
	if c.Title == "" {
		return errors.New("title is required")
	}
	if c.DurationSeconds < 0 {
		return errors.New("duration cannot be negative")
	}
	if c.SpeakerCount < 0 {
		return errors.New("speaker count cannot be negative")
	}
	return nil
}

// Validate validates the segment data
func (s *Segment) Validate() error {
	if s.ConversationID == "" {
		return errors.New("conversation_id is required")
	}
	if s.SpeakerIndex < 0 {
		return errors.New("speaker index cannot be negative")
	}
	if strings.TrimSpace(s.Text) == "" {
		return errors.New("text is required")
	}
	if s.Confidence < 0 || s.Confidence > 1 {
		return fmt.Errorf("confidence must be between 0 and 1, got %f", s.Confidence)
	}
	return nil
}
