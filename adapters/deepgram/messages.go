package deepgram

import "github.com/satriahrh/meetscribe/domain/entities"

// Provider message types
const (
	MessageTypeResults       = "Results"
	MessageTypeMetadata      = "Metadata"
	MessageTypeUtteranceEnd  = "UtteranceEnd"
	MessageTypeSpeechStarted = "SpeechStarted"
	MessageTypeError         = "Error"

	MessageTypeKeepAlive   = "KeepAlive"
	MessageTypeCloseStream = "CloseStream"
)

// providerMessage is the union of the JSON messages Deepgram sends on a live stream.
type providerMessage struct {
	Type        string         `json:"type"`
	Channel     *resultChannel `json:"channel,omitempty"`
	IsFinal     bool           `json:"is_final"`
	SpeechFinal bool           `json:"speech_final"`
	RequestID   string         `json:"request_id,omitempty"`
	ModelInfo   *modelInfo     `json:"model_info,omitempty"`
	Description string         `json:"description,omitempty"`
	Message     string         `json:"message,omitempty"`
}

type resultChannel struct {
	Alternatives []alternative `json:"alternatives"`
}

type alternative struct {
	Transcript string          `json:"transcript"`
	Confidence float64         `json:"confidence"`
	Words      []entities.Word `json:"words"`
}

type modelInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// controlMessage is sent upstream for keep-alive and end of stream.
type controlMessage struct {
	Type string `json:"type"`
}

func (m providerMessage) errorText() string {
	if m.Description != "" {
		return m.Description
	}
	if m.Message != "" {
		return m.Message
	}
	return "unknown provider error"
}
