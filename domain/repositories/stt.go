package repositories

import "context"

// StreamState is the lifecycle state of one upstream transcription stream.
type StreamState string

const (
	StreamStateConnecting   StreamState = "connecting"
	StreamStateReady        StreamState = "ready"
	StreamStateClosedError  StreamState = "closed-error"
	StreamStateClosedNormal StreamState = "closed-normal"
)

// TranscriptEvent is one speaker-grouped recognition result.
// Speaker is the provider-native index.
type TranscriptEvent struct {
	Speaker      int
	Text         string
	Start        float64
	End          float64
	Confidence   float64
	IsFinal      bool
	SpeakerCount int
}

// StreamCallbacks receive asynchronous events from a TranscriptionStream.
// Callbacks are invoked from the stream's own goroutines, never synchronously
// from Send or Close; nil callbacks are skipped.
type StreamCallbacks struct {
	OnReady      func()
	OnTranscript func(TranscriptEvent)
	OnError      func(error)
	OnClose      func()
}

// Transcriber abstracts streaming speech recognition providers
type Transcriber interface {
	// Open starts connecting and returns immediately. Readiness and failures are
	// reported through callbacks. Options override the provider defaults.
	Open(ctx context.Context, credentials string, options map[string]string, callbacks StreamCallbacks) TranscriptionStream
}

// TranscriptionStream is one live connection to the recognition provider
type TranscriptionStream interface {
	// Send forwards audio only while the stream is ready; otherwise it is a no-op.
	Send(audio []byte)
	// Close ends the stream gracefully. It is idempotent and does not block on teardown.
	Close()
	IsConnected() bool
	SpeakerCount() int
	State() StreamState
}
