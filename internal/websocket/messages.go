package websocket

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Control message types sent by the client
const (
	ControlTypeStart = "START"
	ControlTypeStop  = "STOP"
)

// Event types sent to the client
const (
	MessageTypeTranscript     = "transcript"
	MessageTypeWarning        = "warning"
	MessageTypeError          = "error"
	MessageTypeSessionStarted = "session_started"
	MessageTypeSessionStopped = "session_stopped"
)

// Leading byte of every binary audio frame
const (
	StreamMarkerRemote byte = 0x00
	StreamMarkerLocal  byte = 0x01
)

// ErrNotControlMessage is returned for text frames that are not a JSON object
var ErrNotControlMessage = errors.New("not a control message")

// ControlMessage is a START or STOP request. sourceHint/credentialOverride
// have the legacy aliases meetingUrl/apiKey.
type ControlMessage struct {
	Type               string            `json:"type"`
	SourceHint         string            `json:"sourceHint,omitempty"`
	MeetingURL         string            `json:"meetingUrl,omitempty"`
	CredentialOverride string            `json:"credentialOverride,omitempty"`
	APIKey             string            `json:"apiKey,omitempty"`
	Options            map[string]string `json:"options,omitempty"`
}

// Source returns the source-location hint of a START
func (m *ControlMessage) Source() string {
	if m.SourceHint != "" {
		return m.SourceHint
	}
	return m.MeetingURL
}

// Credentials returns the client-supplied provider key, if any
func (m *ControlMessage) Credentials() string {
	if m.CredentialOverride != "" {
		return m.CredentialOverride
	}
	return m.APIKey
}

// ParseControlMessage decodes a text frame into a control message
func ParseControlMessage(data []byte) (*ControlMessage, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, ErrNotControlMessage
	}

	var msg ControlMessage
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return nil, fmt.Errorf("invalid JSON format: %w", err)
	}
	msg.Type = strings.TrimSpace(msg.Type)
	if msg.Type == "" {
		return nil, errors.New("message missing type field")
	}
	return &msg, nil
}

// TranscriptMessage forwards one interim or final segment
type TranscriptMessage struct {
	Type           string  `json:"type"`
	ConversationID string  `json:"conversation_id"`
	Speaker        int     `json:"speaker"`
	SpeakerLabel   string  `json:"speaker_label"`
	Text           string  `json:"text"`
	Start          float64 `json:"start"`
	End            float64 `json:"end"`
	Confidence     float64 `json:"confidence"`
	IsFinal        bool    `json:"is_final"`
	SpeakerCount   int     `json:"speaker_count"`
}

// NoticeMessage is a warning or error event
type NoticeMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// SessionStartedMessage acknowledges a START
type SessionStartedMessage struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	Title          string `json:"title"`
}

// SessionStoppedMessage acknowledges a STOP
type SessionStoppedMessage struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	Duration       int    `json:"duration"`
	SpeakerCount   int    `json:"speaker_count"`
}

// NewWarning creates a warning event
func NewWarning(message string) *NoticeMessage {
	return &NoticeMessage{Type: MessageTypeWarning, Message: message}
}

// NewError creates an error event
func NewError(message string) *NoticeMessage {
	return &NoticeMessage{Type: MessageTypeError, Message: message}
}
