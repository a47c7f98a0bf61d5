package websocket

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/meetscribe/domain/entities"
	"github.com/satriahrh/meetscribe/domain/repositories"
	"github.com/satriahrh/meetscribe/internal/metrics"
	"github.com/satriahrh/meetscribe/usecase"
)

// PlaceholderCredentials is the sample key shipped in example configs.
// It is treated as no key at all.
const PlaceholderCredentials = "your_deepgram_api_key_here"

const (
	defaultPersistTimeout = 5 * time.Second

	// How long provider streams may outlive a stopped conversation before
	// their context is cancelled.
	defaultTeardownDelay = 5 * time.Second
)

// SessionState is the lifecycle state of one client session
type SessionState string

const (
	SessionIdle     SessionState = "idle"
	SessionStarting SessionState = "starting"
	SessionActive   SessionState = "active"
	SessionStopping SessionState = "stopping"
)

// StreamKind identifies which of the two audio sources a frame belongs to
type StreamKind int

const (
	StreamRemote StreamKind = iota
	StreamLocal
)

func (k StreamKind) String() string {
	if k == StreamLocal {
		return "local"
	}
	return "remote"
}

func (k StreamKind) title() string {
	if k == StreamLocal {
		return "Mic"
	}
	return "Tab"
}

// SessionConfig holds the per-session settings shared by every connection
type SessionConfig struct {
	// DefaultCredentials is used when a START carries no override.
	DefaultCredentials string
	// Options are passed to the transcriber on top of its defaults.
	Options map[string]string
	// MaxPendingFrames bounds each stream's pending buffer, dropping the
	// oldest frame on overflow. Zero means unbounded.
	MaxPendingFrames int
	PersistTimeout   time.Duration
	// TeardownDelay bounds how long a stopped conversation waits for its
	// streams to close before it is finalized.
	TeardownDelay time.Duration
}

// Emitter delivers events to the connected client
type Emitter interface {
	Emit(event interface{})
}

// Session orchestrates one client connection: it owns at most one live
// conversation and its two provider streams. All state is guarded by mu;
// provider callbacks run on the streams' goroutines.
type Session struct {
	id          string
	transcriber repositories.Transcriber
	transcripts *usecase.TranscriptService
	emitter     Emitter
	metrics     *metrics.Metrics
	config      SessionConfig
	logger      *zap.Logger

	mu           sync.Mutex
	state        SessionState
	conversation *liveConversation
	closed       bool

	// Stopped conversations not yet finalized.
	finalizing sync.WaitGroup
}

type liveConversation struct {
	record    *entities.Conversation
	startedAt time.Time
	streams   [2]*streamSlot
	cancel    context.CancelFunc

	maxRemoteSpeaker int
	localSpoke       bool

	// Set by Stop. Results may still arrive until both streams close.
	stopped           bool
	duration          int
	persistedSpeakers int

	// metaMu serializes metadata writes; taken before Session.mu.
	metaMu       sync.Mutex
	finalizeOnce sync.Once
}

func (lc *liveConversation) streamsClosed() bool {
	for _, slot := range lc.streams {
		if !slot.closed {
			return false
		}
	}
	return true
}

// speakerCount is the highest remote speaker index plus the local speaker
// when it produced at least one final segment.
func (lc *liveConversation) speakerCount() int {
	count := lc.maxRemoteSpeaker
	if lc.localSpoke {
		count++
	}
	return count
}

type streamSlot struct {
	kind    StreamKind
	stream  repositories.TranscriptionStream
	ready   bool
	closed  bool
	pending [][]byte
	chunks  int
}

// NewSession creates an idle session
func NewSession(
	id string,
	transcriber repositories.Transcriber,
	transcripts *usecase.TranscriptService,
	emitter Emitter,
	m *metrics.Metrics,
	config SessionConfig,
	logger *zap.Logger,
) *Session {
	if config.PersistTimeout <= 0 {
		config.PersistTimeout = defaultPersistTimeout
	}
	if config.TeardownDelay <= 0 {
		config.TeardownDelay = defaultTeardownDelay
	}
	return &Session{
		id:          id,
		transcriber: transcriber,
		transcripts: transcripts,
		emitter:     emitter,
		metrics:     m,
		config:      config,
		logger:      logger.With(zap.String("session_id", id)),
		state:       SessionIdle,
	}
}

// ID returns the session identifier
func (s *Session) ID() string {
	return s.id
}

// State returns the current lifecycle state
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ConversationID returns the live conversation id, or "" when idle
func (s *Session) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conversation == nil {
		return ""
	}
	return s.conversation.record.ID
}

// HandleControl dispatches a parsed control message
func (s *Session) HandleControl(ctx context.Context, msg *ControlMessage) {
	switch msg.Type {
	case ControlTypeStart:
		if err := s.Start(ctx, msg); err != nil {
			s.logger.Error("Failed to start transcription", zap.Error(err))
		}
	case ControlTypeStop:
		s.Stop(ctx)
	default:
		s.logger.Warn("Unknown message type", zap.String("type", msg.Type))
	}
}

// Start begins a new conversation. A live conversation is stopped first.
// Without usable credentials the client is warned and the session stays idle.
func (s *Session) Start(ctx context.Context, msg *ControlMessage) error {
	if s.State() == SessionActive {
		s.logger.Info("Implicitly stopping previous conversation")
		s.Stop(ctx)
	}

	credentials := msg.Credentials()
	if credentials != "" {
		s.logger.Info("Using client-provided API key")
	} else {
		credentials = s.config.DefaultCredentials
	}
	if strings.TrimSpace(credentials) == "" || credentials == PlaceholderCredentials {
		s.logger.Warn("No Deepgram API key configured")
		s.emit(NewWarning("No Deepgram API key configured. Go to extension Settings and set your API key."))
		return nil
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("session %s is closed", s.id)
	}
	s.state = SessionStarting
	s.mu.Unlock()

	persistCtx, cancel := context.WithTimeout(ctx, s.config.PersistTimeout)
	record, err := s.transcripts.CreateConversation(persistCtx, "", "", msg.Source())
	cancel()
	if err != nil {
		s.metrics.RecordPersistenceError()
		s.setState(SessionIdle)
		s.emit(NewError("Failed to create conversation"))
		return fmt.Errorf("create conversation: %w", err)
	}

	options := make(map[string]string, len(s.config.Options)+len(msg.Options))
	for k, v := range s.config.Options {
		options[k] = v
	}
	for k, v := range msg.Options {
		options[k] = v
	}

	streamCtx, cancelStreams := context.WithCancel(context.Background())
	lc := &liveConversation{
		record:    record,
		startedAt: time.Now(),
		cancel:    cancelStreams,
	}

	// Streams are opened under the lock so no callback observes a half-built slot.
	s.mu.Lock()
	for _, kind := range []StreamKind{StreamRemote, StreamLocal} {
		slot := &streamSlot{kind: kind}
		lc.streams[kind] = slot
		slot.stream = s.transcriber.Open(streamCtx, credentials, options, s.callbacks(lc, slot))
	}
	s.conversation = lc
	s.state = SessionActive
	s.mu.Unlock()

	s.metrics.RecordConversationStarted()
	s.logger.Info("Transcription started",
		zap.String("conversation_id", record.ID),
		zap.String("title", record.Title))

	s.emit(&SessionStartedMessage{
		Type:           MessageTypeSessionStarted,
		ConversationID: record.ID,
		Title:          record.Title,
	})
	return nil
}

// Stop closes both streams and persists the conversation's duration and
// speaker count. Stopping an idle session is a no-op.
func (s *Session) Stop(ctx context.Context) {
	s.stop(ctx)
}

func (s *Session) stop(ctx context.Context) {
	s.mu.Lock()
	lc := s.conversation
	if lc == nil {
		s.mu.Unlock()
		s.logger.Debug("Stop requested without an active conversation")
		return
	}
	s.logger.Info("Transcription stopping", zap.String("conversation_id", lc.record.ID))

	s.state = SessionStopping
	s.conversation = nil
	for _, slot := range lc.streams {
		slot.stream.Close()
		slot.pending = nil
	}
	lc.stopped = true
	lc.duration = int(time.Since(lc.startedAt).Seconds())
	allClosed := lc.streamsClosed()
	s.finalizing.Add(1)
	s.state = SessionIdle
	s.mu.Unlock()

	if allClosed {
		s.finalize(lc)
	} else {
		time.AfterFunc(s.config.TeardownDelay, func() { s.finalize(lc) })
	}

	speakerCount, err := s.persistMeta(ctx, lc)
	if err == nil {
		s.logger.Info("Transcript saved",
			zap.String("conversation_id", lc.record.ID),
			zap.Int("duration", lc.duration),
			zap.Int("speakerCount", speakerCount))
	}
	s.metrics.RecordConversationFinished(float64(lc.duration))

	s.emit(&SessionStoppedMessage{
		Type:           MessageTypeSessionStopped,
		ConversationID: lc.record.ID,
		Duration:       lc.duration,
		SpeakerCount:   speakerCount,
	})
}

// persistMeta writes the stopped conversation's duration and current speaker
// count. Concurrent writers are serialized so the last write carries the
// latest count.
func (s *Session) persistMeta(ctx context.Context, lc *liveConversation) (int, error) {
	lc.metaMu.Lock()
	defer lc.metaMu.Unlock()

	s.mu.Lock()
	speakerCount := lc.speakerCount()
	lc.persistedSpeakers = speakerCount
	duration := lc.duration
	s.mu.Unlock()

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.PersistTimeout)
	defer cancel()
	if err := s.transcripts.UpdateConversationMeta(persistCtx, lc.record.ID, duration, speakerCount); err != nil {
		s.metrics.RecordPersistenceError()
		s.logger.Error("Failed to update conversation",
			zap.String("conversation_id", lc.record.ID),
			zap.Error(err))
		return speakerCount, err
	}
	return speakerCount, nil
}

// finalize runs once per stopped conversation, after both streams closed or
// the teardown delay passed, so the summary sees every trailing segment.
func (s *Session) finalize(lc *liveConversation) {
	lc.finalizeOnce.Do(func() {
		lc.cancel()
		s.transcripts.SummarizeAsync(lc.record.ID)
		s.finalizing.Done()
	})
}

// Close stops any live conversation after the client disconnected and waits
// until stopped conversations are finalized. Later events are no longer
// emitted.
func (s *Session) Close() {
	s.stop(context.Background())

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.finalizing.Wait()
}

// HandleAudio routes one binary frame by its leading stream marker. Frames
// for a stream that is not ready yet are buffered in arrival order.
func (s *Session) HandleAudio(frame []byte) {
	if len(frame) < 2 {
		return
	}

	var kind StreamKind
	switch frame[0] {
	case StreamMarkerRemote:
		kind = StreamRemote
	case StreamMarkerLocal:
		kind = StreamLocal
	default:
		s.logger.Warn("Unknown stream marker", zap.Uint8("marker", frame[0]))
		return
	}
	audio := frame[1:]

	s.mu.Lock()
	defer s.mu.Unlock()

	lc := s.conversation
	if lc == nil {
		s.metrics.RecordAudioFrame(kind.String(), metrics.FrameDropped)
		return
	}
	slot := lc.streams[kind]

	slot.chunks++
	if slot.chunks <= 3 || slot.chunks%100 == 0 {
		s.logger.Info(kind.title()+" audio chunk",
			zap.Int("chunk", slot.chunks),
			zap.Int("size", len(audio)),
			zap.Bool("ready", slot.ready))
	}

	if slot.closed {
		s.metrics.RecordAudioFrame(kind.String(), metrics.FrameDropped)
		return
	}

	if slot.ready && slot.stream.IsConnected() {
		slot.stream.Send(audio)
		s.metrics.RecordAudioFrame(kind.String(), metrics.FrameSent)
		return
	}

	if limit := s.config.MaxPendingFrames; limit > 0 && len(slot.pending) >= limit {
		slot.pending[0] = nil
		slot.pending = slot.pending[1:]
		s.metrics.RecordAudioFrame(kind.String(), metrics.FrameDropped)
	}
	slot.pending = append(slot.pending, append([]byte(nil), audio...))
	s.metrics.RecordAudioFrame(kind.String(), metrics.FrameBuffered)
}

func (s *Session) callbacks(lc *liveConversation, slot *streamSlot) repositories.StreamCallbacks {
	return repositories.StreamCallbacks{
		OnReady:      func() { s.onReady(slot) },
		OnTranscript: func(ev repositories.TranscriptEvent) { s.onTranscript(lc, slot, ev) },
		OnError:      func(err error) { s.onError(slot, err) },
		OnClose:      func() { s.onClose(lc, slot) },
	}
}

// onReady drains the pending buffer before marking the slot ready, all under
// the session lock, so no live frame can overtake the backlog.
func (s *Session) onReady(slot *streamSlot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logger.Info(slot.kind.title()+" stream ready, flushing buffer",
		zap.Int("buffered", len(slot.pending)))

	for _, chunk := range slot.pending {
		slot.stream.Send(chunk)
		s.metrics.RecordAudioFrame(slot.kind.String(), metrics.FrameSent)
	}
	slot.pending = nil
	slot.ready = true
}

func (s *Session) onTranscript(lc *liveConversation, slot *streamSlot, ev repositories.TranscriptEvent) {
	speaker := entities.LocalSpeakerIndex
	if slot.kind == StreamRemote {
		speaker = ev.Speaker + 1
	}
	label := entities.SpeakerLabel(speaker)

	if ev.IsFinal && strings.TrimSpace(ev.Text) != "" {
		s.mu.Lock()
		if slot.kind == StreamLocal {
			lc.localSpoke = true
		} else if speaker > lc.maxRemoteSpeaker {
			lc.maxRemoteSpeaker = speaker
		}
		stale := lc.stopped && lc.speakerCount() > lc.persistedSpeakers
		s.mu.Unlock()

		s.persistSegment(lc, slot.kind, speaker, label, ev)

		// A trailing result after Stop introduced a new speaker.
		if stale {
			s.persistMeta(context.Background(), lc)
		}
	}

	s.emit(&TranscriptMessage{
		Type:           MessageTypeTranscript,
		ConversationID: lc.record.ID,
		Speaker:        speaker,
		SpeakerLabel:   label,
		Text:           ev.Text,
		Start:          ev.Start,
		End:            ev.End,
		Confidence:     ev.Confidence,
		IsFinal:        ev.IsFinal,
		SpeakerCount:   ev.SpeakerCount,
	})
}

func (s *Session) persistSegment(lc *liveConversation, kind StreamKind, speaker int, label string, ev repositories.TranscriptEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.PersistTimeout)
	defer cancel()

	_, err := s.transcripts.AppendSegment(ctx, lc.record.ID, speaker, label, ev.Text, ev.Start, ev.End, ev.Confidence)
	if err != nil {
		s.metrics.RecordPersistenceError()
		s.logger.Error("Failed to add segment",
			zap.String("conversation_id", lc.record.ID),
			zap.Error(err))
		return
	}
	s.metrics.RecordSegmentPersisted(kind.String())
}

func (s *Session) onError(slot *streamSlot, err error) {
	s.metrics.RecordUpstreamError(slot.kind.String())
	s.logger.Warn(slot.kind.title()+" transcription error", zap.Error(err))
	s.emit(NewError(fmt.Sprintf("%s transcription error: %v", slot.kind.title(), err)))
}

func (s *Session) onClose(lc *liveConversation, slot *streamSlot) {
	s.mu.Lock()
	slot.closed = true
	slot.pending = nil
	done := lc.stopped && lc.streamsClosed()
	s.mu.Unlock()

	s.logger.Info(slot.kind.title() + " stream ended")
	if done {
		s.finalize(lc)
	}
}

func (s *Session) setState(state SessionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Session) emit(event interface{}) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return
	}
	s.emitter.Emit(event)
}
