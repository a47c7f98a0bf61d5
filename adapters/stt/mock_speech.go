package stt

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/satriahrh/meetscribe/domain/repositories"
)

const defaultFramesPerResult = 50

var mockPhrases = []string{
	"Thanks everyone for joining.",
	"Let's go through the agenda.",
	"Can you share your screen?",
	"I think we're aligned on that.",
}

// MockSpeechToText is an offline transcriber for local development. It
// becomes ready immediately and emits a canned final transcript every
// FramesPerResult audio frames. Callbacks run in order on the stream's own
// goroutine, never from inside Send or Close.
type MockSpeechToText struct {
	framesPerResult int
	logger          *zap.Logger
}

var _ repositories.Transcriber = (*MockSpeechToText)(nil)

// NewMockSpeechToText creates a new mock transcriber
func NewMockSpeechToText(framesPerResult int, logger *zap.Logger) *MockSpeechToText {
	if framesPerResult <= 0 {
		framesPerResult = defaultFramesPerResult
	}
	return &MockSpeechToText{
		framesPerResult: framesPerResult,
		logger:          logger,
	}
}

// Open implements repositories.Transcriber
func (m *MockSpeechToText) Open(ctx context.Context, credentials string, options map[string]string, callbacks repositories.StreamCallbacks) repositories.TranscriptionStream {
	m.logger.Info("Initializing mock streaming transcription", zap.Int("framesPerResult", m.framesPerResult))

	s := &MockSpeechToTextStream{
		framesPerResult: m.framesPerResult,
		callbacks:       callbacks,
		logger:          m.logger,
		state:           repositories.StreamStateConnecting,
		wake:            make(chan struct{}, 1),
	}

	s.mu.Lock()
	s.state = repositories.StreamStateReady
	s.enqueueLocked(callbacks.OnReady)
	s.mu.Unlock()

	go s.dispatch()

	return s
}

// MockSpeechToTextStream is a mock implementation of a transcription stream
type MockSpeechToTextStream struct {
	framesPerResult int
	callbacks       repositories.StreamCallbacks
	logger          *zap.Logger

	mu       sync.Mutex
	state    repositories.StreamState
	frames   int
	bytes    int
	results  int
	position float64

	queue []func()
	wake  chan struct{}
}

func (m *MockSpeechToTextStream) enqueueLocked(fn func()) {
	if fn == nil {
		return
	}
	m.queue = append(m.queue, fn)
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// dispatch runs queued callbacks until the close callback has been delivered.
func (m *MockSpeechToTextStream) dispatch() {
	for range m.wake {
		m.mu.Lock()
		queue := m.queue
		m.queue = nil
		done := m.state == repositories.StreamStateClosedNormal
		m.mu.Unlock()

		for _, fn := range queue {
			fn()
		}
		if done {
			return
		}
	}
}

// Send implements repositories.TranscriptionStream
func (m *MockSpeechToTextStream) Send(audio []byte) {
	m.mu.Lock()
	if m.state != repositories.StreamStateReady {
		m.mu.Unlock()
		return
	}
	m.frames++
	m.bytes += len(audio)
	if m.frames%m.framesPerResult != 0 {
		m.mu.Unlock()
		return
	}

	event := repositories.TranscriptEvent{
		Speaker:      0,
		Text:         mockPhrases[m.results%len(mockPhrases)],
		Start:        m.position,
		End:          m.position + 2.5,
		Confidence:   0.9,
		IsFinal:      true,
		SpeakerCount: 1,
	}
	m.results++
	m.position += 3
	received := m.bytes
	if m.callbacks.OnTranscript != nil {
		m.enqueueLocked(func() { m.callbacks.OnTranscript(event) })
	}
	m.mu.Unlock()

	m.logger.Debug("Emitting mock transcript", zap.String("text", event.Text), zap.Int("bytes", received))
}

// Close implements repositories.TranscriptionStream
func (m *MockSpeechToTextStream) Close() {
	m.mu.Lock()
	if m.state == repositories.StreamStateClosedNormal || m.state == repositories.StreamStateClosedError {
		m.mu.Unlock()
		return
	}
	m.state = repositories.StreamStateClosedNormal
	results := m.results
	m.queue = append(m.queue, func() {
		if m.callbacks.OnClose != nil {
			m.callbacks.OnClose()
		}
	})
	select {
	case m.wake <- struct{}{}:
	default:
	}
	m.mu.Unlock()

	m.logger.Info("Ending mock transcription stream", zap.Int("results", results))
}

// IsConnected implements repositories.TranscriptionStream
func (m *MockSpeechToTextStream) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == repositories.StreamStateReady
}

// SpeakerCount implements repositories.TranscriptionStream
func (m *MockSpeechToTextStream) SpeakerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.results > 0 {
		return 1
	}
	return 0
}

// State implements repositories.TranscriptionStream
func (m *MockSpeechToTextStream) State() repositories.StreamState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}
