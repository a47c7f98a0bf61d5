package websocket

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/satriahrh/meetscribe/adapters"
	"github.com/satriahrh/meetscribe/domain/repositories"
	"github.com/satriahrh/meetscribe/internal/metrics"
	"github.com/satriahrh/meetscribe/usecase"
)

type fakeStream struct {
	credentials string
	options     map[string]string
	callbacks   repositories.StreamCallbacks

	mu        sync.Mutex
	connected bool
	closed    bool
	sent      []string
}

func (f *fakeStream) Send(audio []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connected && !f.closed {
		f.sent = append(f.sent, string(audio))
	}
}

func (f *fakeStream) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeStream) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected && !f.closed
}

func (f *fakeStream) SpeakerCount() int { return 0 }

func (f *fakeStream) State() repositories.StreamState {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case f.closed:
		return repositories.StreamStateClosedNormal
	case f.connected:
		return repositories.StreamStateReady
	}
	return repositories.StreamStateConnecting
}

// ready connects the stream and fires OnReady like a provider goroutine would.
func (f *fakeStream) ready() {
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	f.callbacks.OnReady()
}

func (f *fakeStream) sentFrames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func (f *fakeStream) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeTranscriber struct {
	mu      sync.Mutex
	streams []*fakeStream
}

func (f *fakeTranscriber) Open(_ context.Context, credentials string, options map[string]string, callbacks repositories.StreamCallbacks) repositories.TranscriptionStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &fakeStream{credentials: credentials, options: options, callbacks: callbacks}
	f.streams = append(f.streams, s)
	return s
}

// pair returns the remote and local streams of the n-th conversation.
func (f *fakeTranscriber) pair(t *testing.T, n int) (*fakeStream, *fakeStream) {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.streams) < 2*(n+1) {
		t.Fatalf("Expected at least %d opened streams, got %d", 2*(n+1), len(f.streams))
	}
	return f.streams[2*n], f.streams[2*n+1]
}

func (f *fakeTranscriber) opened() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.streams)
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []interface{}
}

func (r *recordingEmitter) Emit(event interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingEmitter) all() []interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]interface{}(nil), r.events...)
}

func (r *recordingEmitter) transcripts() []*TranscriptMessage {
	var out []*TranscriptMessage
	for _, ev := range r.all() {
		if m, ok := ev.(*TranscriptMessage); ok {
			out = append(out, m)
		}
	}
	return out
}

func (r *recordingEmitter) notices(kind string) []*NoticeMessage {
	var out []*NoticeMessage
	for _, ev := range r.all() {
		if m, ok := ev.(*NoticeMessage); ok && m.Type == kind {
			out = append(out, m)
		}
	}
	return out
}

type sessionFixture struct {
	session     *Session
	transcriber *fakeTranscriber
	emitter     *recordingEmitter
	repo        *adapters.MemoryTranscriptRepository
	transcripts *usecase.TranscriptService
}

func newSessionFixture(t *testing.T, config SessionConfig) *sessionFixture {
	return newSummarizingSessionFixture(t, config, nil)
}

func newSummarizingSessionFixture(t *testing.T, config SessionConfig, summarizer repositories.Summarizer) *sessionFixture {
	t.Helper()

	logger := zaptest.NewLogger(t)
	repo := adapters.NewMemoryTranscriptRepository()
	f := &sessionFixture{
		transcriber: &fakeTranscriber{},
		emitter:     &recordingEmitter{},
		repo:        repo,
		transcripts: usecase.NewTranscriptService(repo, summarizer, logger),
	}
	if config.DefaultCredentials == "" {
		config.DefaultCredentials = "server-key"
	}
	// Fake streams never report OnClose on their own.
	if config.TeardownDelay == 0 {
		config.TeardownDelay = 20 * time.Millisecond
	}
	f.session = NewSession("session-1", f.transcriber, f.transcripts,
		f.emitter, metrics.NewMetrics(), config, logger)
	t.Cleanup(f.transcripts.Wait)
	return f
}

func (f *sessionFixture) start(t *testing.T, msg *ControlMessage) {
	t.Helper()
	if msg == nil {
		msg = &ControlMessage{Type: ControlTypeStart}
	}
	if err := f.session.Start(context.Background(), msg); err != nil {
		t.Fatalf("start: %v", err)
	}
}

func frame(marker byte, payload string) []byte {
	return append([]byte{marker}, payload...)
}

func equalFrames(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestSession_BuffersUntilReadyInOrder(t *testing.T) {
	f := newSessionFixture(t, SessionConfig{})
	f.start(t, nil)
	remote, local := f.transcriber.pair(t, 0)

	f.session.HandleAudio(frame(StreamMarkerRemote, "a"))
	f.session.HandleAudio(frame(StreamMarkerRemote, "b"))
	if got := remote.sentFrames(); len(got) != 0 {
		t.Fatalf("Nothing should reach a connecting stream, got %v", got)
	}

	remote.ready()
	f.session.HandleAudio(frame(StreamMarkerRemote, "c"))

	if got := remote.sentFrames(); !equalFrames(got, []string{"a", "b", "c"}) {
		t.Errorf("Expected [a b c], got %v", got)
	}
	if got := local.sentFrames(); len(got) != 0 {
		t.Errorf("Local stream received remote audio: %v", got)
	}
}

func TestSession_RoutesByMarker(t *testing.T) {
	f := newSessionFixture(t, SessionConfig{})
	f.start(t, nil)
	remote, local := f.transcriber.pair(t, 0)
	remote.ready()
	local.ready()

	f.session.HandleAudio(frame(StreamMarkerLocal, "mic"))
	f.session.HandleAudio(frame(StreamMarkerRemote, "tab"))

	if got := local.sentFrames(); !equalFrames(got, []string{"mic"}) {
		t.Errorf("Expected local [mic], got %v", got)
	}
	if got := remote.sentFrames(); !equalFrames(got, []string{"tab"}) {
		t.Errorf("Expected remote [tab], got %v", got)
	}
}

func TestSession_IgnoresShortFramesAndUnknownMarkers(t *testing.T) {
	f := newSessionFixture(t, SessionConfig{})
	f.start(t, nil)
	remote, local := f.transcriber.pair(t, 0)

	f.session.HandleAudio(nil)
	f.session.HandleAudio([]byte{StreamMarkerRemote})
	f.session.HandleAudio(frame(0x02, "x"))
	f.session.HandleAudio(frame(0xff, "y"))

	remote.ready()
	local.ready()

	if got := remote.sentFrames(); len(got) != 0 {
		t.Errorf("Expected no remote audio, got %v", got)
	}
	if got := local.sentFrames(); len(got) != 0 {
		t.Errorf("Expected no local audio, got %v", got)
	}
}

func TestSession_DropsAudioWhileIdle(t *testing.T) {
	f := newSessionFixture(t, SessionConfig{})

	f.session.HandleAudio(frame(StreamMarkerRemote, "early"))
	f.start(t, nil)
	remote, _ := f.transcriber.pair(t, 0)
	remote.ready()

	if got := remote.sentFrames(); len(got) != 0 {
		t.Errorf("Audio received while idle must not be forwarded, got %v", got)
	}
}

func TestSession_PendingCeilingDropsOldest(t *testing.T) {
	f := newSessionFixture(t, SessionConfig{MaxPendingFrames: 2})
	f.start(t, nil)
	remote, _ := f.transcriber.pair(t, 0)

	for _, p := range []string{"a", "b", "c"} {
		f.session.HandleAudio(frame(StreamMarkerRemote, p))
	}
	remote.ready()

	if got := remote.sentFrames(); !equalFrames(got, []string{"b", "c"}) {
		t.Errorf("Expected [b c], got %v", got)
	}
}

func TestSession_PendingCopiesFrames(t *testing.T) {
	f := newSessionFixture(t, SessionConfig{})
	f.start(t, nil)
	remote, _ := f.transcriber.pair(t, 0)

	buf := frame(StreamMarkerRemote, "abc")
	f.session.HandleAudio(buf)
	buf[1] = 'z'
	remote.ready()

	if got := remote.sentFrames(); !equalFrames(got, []string{"abc"}) {
		t.Errorf("Buffered frame was aliased to the read buffer: %v", got)
	}
}

func TestSession_ClosedStreamDropsFrames(t *testing.T) {
	f := newSessionFixture(t, SessionConfig{})
	f.start(t, nil)
	remote, local := f.transcriber.pair(t, 0)

	f.session.HandleAudio(frame(StreamMarkerRemote, "a"))
	remote.callbacks.OnError(errors.New("auth failed"))
	remote.callbacks.OnClose()
	f.session.HandleAudio(frame(StreamMarkerRemote, "b"))

	f.session.mu.Lock()
	pending := len(f.session.conversation.streams[StreamRemote].pending)
	f.session.mu.Unlock()
	if pending != 0 {
		t.Errorf("Closed stream should hold no pending frames, got %d", pending)
	}

	// The other stream keeps working.
	local.ready()
	f.session.HandleAudio(frame(StreamMarkerLocal, "mic"))
	if got := local.sentFrames(); !equalFrames(got, []string{"mic"}) {
		t.Errorf("Expected local [mic], got %v", got)
	}
	if f.session.State() != SessionActive {
		t.Errorf("Session should stay active, got %s", f.session.State())
	}

	errs := f.emitter.notices(MessageTypeError)
	if len(errs) != 1 || errs[0].Message != "Tab transcription error: auth failed" {
		t.Errorf("Unexpected error events: %+v", errs)
	}
}

func TestSession_SpeakerMappingAndPersistence(t *testing.T) {
	f := newSessionFixture(t, SessionConfig{})
	f.start(t, &ControlMessage{Type: ControlTypeStart, SourceHint: "https://service.example/room123"})
	remote, local := f.transcriber.pair(t, 0)
	remote.ready()
	local.ready()

	remote.callbacks.OnTranscript(repositories.TranscriptEvent{Speaker: 0, Text: "Hello th", Start: 1, End: 1.5, IsFinal: false, SpeakerCount: 1})
	remote.callbacks.OnTranscript(repositories.TranscriptEvent{Speaker: 0, Text: "Hello there", Start: 1, End: 2, Confidence: 0.9, IsFinal: true, SpeakerCount: 1})
	local.callbacks.OnTranscript(repositories.TranscriptEvent{Speaker: 3, Text: "Hi", Start: 0.5, End: 0.9, Confidence: 0.8, IsFinal: true, SpeakerCount: 4})
	local.callbacks.OnTranscript(repositories.TranscriptEvent{Speaker: 0, Text: "   ", Start: 3, End: 3.1, IsFinal: true})

	conversationID := f.session.ConversationID()
	f.session.Stop(context.Background())

	if !remote.isClosed() || !local.isClosed() {
		t.Error("Stop should close both streams")
	}
	if f.session.State() != SessionIdle {
		t.Errorf("Expected idle after stop, got %s", f.session.State())
	}

	transcripts := f.emitter.transcripts()
	if len(transcripts) != 4 {
		t.Fatalf("Expected 4 transcript events, got %d", len(transcripts))
	}
	if transcripts[0].Speaker != 1 || transcripts[0].SpeakerLabel != "Speaker 1" || transcripts[0].IsFinal {
		t.Errorf("Unexpected remote interim event: %+v", transcripts[0])
	}
	if transcripts[2].Speaker != 0 || transcripts[2].SpeakerLabel != "You" {
		t.Errorf("Local events must be speaker 0 'You', got %+v", transcripts[2])
	}
	if transcripts[2].ConversationID != conversationID {
		t.Errorf("Expected conversation %s, got %s", conversationID, transcripts[2].ConversationID)
	}

	conv, err := f.repo.GetConversation(context.Background(), conversationID)
	if err != nil || conv == nil {
		t.Fatalf("Expected persisted conversation, got %v (%v)", conv, err)
	}
	if conv.Title != "Meeting on service.example" {
		t.Errorf("Unexpected title %q", conv.Title)
	}
	if conv.SpeakerCount < 2 {
		t.Errorf("Expected at least 2 speakers, got %d", conv.SpeakerCount)
	}
	if len(conv.Segments) != 2 {
		t.Fatalf("Expected 2 segments, got %d", len(conv.Segments))
	}
	first, second := conv.Segments[0], conv.Segments[1]
	if first.SpeakerIndex != 0 || first.SpeakerLabel != "You" || first.Text != "Hi" {
		t.Errorf("Unexpected first segment: %+v", first)
	}
	if second.SpeakerIndex != 1 || second.SpeakerLabel != "Speaker 1" || second.Text != "Hello there" {
		t.Errorf("Unexpected second segment: %+v", second)
	}

	var stopped *SessionStoppedMessage
	for _, ev := range f.emitter.all() {
		if m, ok := ev.(*SessionStoppedMessage); ok {
			stopped = m
		}
	}
	if stopped == nil || stopped.ConversationID != conversationID || stopped.SpeakerCount != conv.SpeakerCount {
		t.Errorf("Unexpected session_stopped event: %+v", stopped)
	}
}

func TestSession_RemoteOnlySpeakerCount(t *testing.T) {
	f := newSessionFixture(t, SessionConfig{})
	f.start(t, nil)
	remote, _ := f.transcriber.pair(t, 0)

	remote.callbacks.OnTranscript(repositories.TranscriptEvent{Speaker: 2, Text: "Third voice", Start: 1, End: 2, IsFinal: true, SpeakerCount: 3})
	id := f.session.ConversationID()
	f.session.Stop(context.Background())

	conv, _ := f.repo.GetConversation(context.Background(), id)
	if conv == nil || conv.SpeakerCount != 3 {
		t.Errorf("Expected speaker count 3, got %+v", conv)
	}
}

func TestSession_TrailingFinalAfterStopIsPersisted(t *testing.T) {
	f := newSessionFixture(t, SessionConfig{})
	f.start(t, nil)
	remote, _ := f.transcriber.pair(t, 0)
	id := f.session.ConversationID()

	remote.callbacks.OnTranscript(repositories.TranscriptEvent{Speaker: 0, Text: "Before stop", Start: 1, End: 2, IsFinal: true})
	f.session.Stop(context.Background())

	conv, _ := f.repo.GetConversation(context.Background(), id)
	if conv == nil || conv.SpeakerCount != 1 {
		t.Fatalf("Expected speaker count 1 at stop, got %+v", conv)
	}

	remote.callbacks.OnTranscript(repositories.TranscriptEvent{Speaker: 1, Text: "Late words", Start: 5, End: 6, IsFinal: true})

	conv, _ = f.repo.GetConversation(context.Background(), id)
	if conv == nil || len(conv.Segments) != 2 {
		t.Fatalf("Expected the trailing final to be persisted, got %+v", conv)
	}
	maxIndex := 0
	for _, seg := range conv.Segments {
		maxIndex = max(maxIndex, seg.SpeakerIndex)
	}
	if maxIndex != 2 || conv.SpeakerCount != 2 {
		t.Errorf("Speaker count must cover trailing speakers: max index %d, count %d", maxIndex, conv.SpeakerCount)
	}

	// A trailing final from a known speaker leaves the count alone.
	remote.callbacks.OnTranscript(repositories.TranscriptEvent{Speaker: 0, Text: "Again", Start: 7, End: 8, IsFinal: true})
	conv, _ = f.repo.GetConversation(context.Background(), id)
	if conv.SpeakerCount != 2 {
		t.Errorf("Expected speaker count 2, got %d", conv.SpeakerCount)
	}
}

type capturingSummarizer struct {
	mu          sync.Mutex
	transcripts []string
}

func (c *capturingSummarizer) Summarize(ctx context.Context, transcript string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transcripts = append(c.transcripts, transcript)
	return "summary", nil
}

func (c *capturingSummarizer) calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.transcripts...)
}

func TestSession_SummaryWaitsForStreamsToClose(t *testing.T) {
	summarizer := &capturingSummarizer{}
	f := newSummarizingSessionFixture(t, SessionConfig{TeardownDelay: time.Minute}, summarizer)
	f.start(t, nil)
	remote, local := f.transcriber.pair(t, 0)
	id := f.session.ConversationID()

	remote.callbacks.OnTranscript(repositories.TranscriptEvent{Speaker: 0, Text: "Opening remarks", Start: 1, End: 2, IsFinal: true})
	f.session.Stop(context.Background())
	remote.callbacks.OnTranscript(repositories.TranscriptEvent{Speaker: 0, Text: "Closing remarks", Start: 3, End: 4, IsFinal: true})

	f.transcripts.Wait()
	if got := summarizer.calls(); len(got) != 0 {
		t.Fatalf("Summary must wait for the streams to close, got %q", got)
	}

	remote.callbacks.OnClose()
	local.callbacks.OnClose()
	f.transcripts.Wait()

	got := summarizer.calls()
	if len(got) != 1 || !strings.Contains(got[0], "Closing remarks") {
		t.Fatalf("Expected one summary including the trailing segment, got %q", got)
	}
	conv, _ := f.repo.GetConversation(context.Background(), id)
	if conv == nil || conv.Summary != "summary" {
		t.Errorf("Expected stored summary, got %+v", conv)
	}

	// Close has nothing left to wait for.
	f.session.Close()
}

func TestSession_TeardownDelayFinalizesSilentStreams(t *testing.T) {
	summarizer := &capturingSummarizer{}
	f := newSummarizingSessionFixture(t, SessionConfig{}, summarizer)
	f.start(t, nil)
	remote, _ := f.transcriber.pair(t, 0)

	remote.callbacks.OnTranscript(repositories.TranscriptEvent{Speaker: 0, Text: "Only words", Start: 1, End: 2, IsFinal: true})
	f.session.Stop(context.Background())

	// Close returns once the teardown delay finalized the conversation.
	f.session.Close()
	f.transcripts.Wait()

	if got := summarizer.calls(); len(got) != 1 {
		t.Errorf("Expected one summary after the teardown delay, got %q", got)
	}
}

func TestSession_StopWhenIdleIsNoop(t *testing.T) {
	f := newSessionFixture(t, SessionConfig{})

	f.session.Stop(context.Background())

	if len(f.emitter.all()) != 0 {
		t.Errorf("Expected no events, got %v", f.emitter.all())
	}
	if n, _ := f.repo.CountConversations(context.Background()); n != 0 {
		t.Errorf("Expected no conversations, got %d", n)
	}
}

func TestSession_StartWhileActiveStopsPrevious(t *testing.T) {
	f := newSessionFixture(t, SessionConfig{})
	f.start(t, nil)
	firstID := f.session.ConversationID()
	oldRemote, oldLocal := f.transcriber.pair(t, 0)

	f.start(t, nil)
	secondID := f.session.ConversationID()

	if firstID == secondID {
		t.Fatal("Expected a new conversation")
	}
	if !oldRemote.isClosed() || !oldLocal.isClosed() {
		t.Error("Previous streams should be closed")
	}
	if f.transcriber.opened() != 4 {
		t.Errorf("Expected 4 opened streams, got %d", f.transcriber.opened())
	}
	if n, _ := f.repo.CountConversations(context.Background()); n != 2 {
		t.Errorf("Expected 2 conversations, got %d", n)
	}

	var kinds []string
	for _, ev := range f.emitter.all() {
		switch ev.(type) {
		case *SessionStartedMessage:
			kinds = append(kinds, "started")
		case *SessionStoppedMessage:
			kinds = append(kinds, "stopped")
		}
	}
	if strings.Join(kinds, ",") != "started,stopped,started" {
		t.Errorf("Unexpected event order %v", kinds)
	}

	// Audio now goes to the new streams only.
	newRemote, _ := f.transcriber.pair(t, 1)
	newRemote.ready()
	f.session.HandleAudio(frame(StreamMarkerRemote, "fresh"))
	if got := newRemote.sentFrames(); !equalFrames(got, []string{"fresh"}) {
		t.Errorf("Expected [fresh], got %v", got)
	}
	if got := oldRemote.sentFrames(); len(got) != 0 {
		t.Errorf("Old stream received audio: %v", got)
	}
}

func TestSession_MissingCredentialsWarns(t *testing.T) {
	for _, key := range []string{"  ", PlaceholderCredentials} {
		f := newSessionFixture(t, SessionConfig{DefaultCredentials: key})
		f.start(t, nil)

		warnings := f.emitter.notices(MessageTypeWarning)
		if len(warnings) != 1 || !strings.Contains(warnings[0].Message, "No Deepgram API key configured") {
			t.Errorf("key %q: expected a warning, got %+v", key, warnings)
		}
		if f.session.State() != SessionIdle {
			t.Errorf("key %q: expected idle, got %s", key, f.session.State())
		}
		if f.transcriber.opened() != 0 {
			t.Errorf("key %q: no stream should be opened", key)
		}
		if n, _ := f.repo.CountConversations(context.Background()); n != 0 {
			t.Errorf("key %q: no conversation should be created, got %d", key, n)
		}
	}
}

func TestSession_CredentialOverrideAndOptions(t *testing.T) {
	f := newSessionFixture(t, SessionConfig{Options: map[string]string{"model": "nova-2", "language": "en"}})
	f.start(t, &ControlMessage{
		Type:    ControlTypeStart,
		APIKey:  "client-key",
		Options: map[string]string{"language": "de"},
	})

	remote, local := f.transcriber.pair(t, 0)
	for _, s := range []*fakeStream{remote, local} {
		if s.credentials != "client-key" {
			t.Errorf("Expected client key, got %q", s.credentials)
		}
		if s.options["model"] != "nova-2" || s.options["language"] != "de" {
			t.Errorf("Unexpected options %v", s.options)
		}
	}
}

func TestSession_CloseStopsAndSilences(t *testing.T) {
	f := newSessionFixture(t, SessionConfig{})
	f.start(t, nil)
	remote, _ := f.transcriber.pair(t, 0)
	id := f.session.ConversationID()

	f.session.Close()
	before := len(f.emitter.all())
	remote.callbacks.OnTranscript(repositories.TranscriptEvent{Speaker: 0, Text: "After close", Start: 1, End: 2, IsFinal: true})

	if len(f.emitter.all()) != before {
		t.Error("No events should be emitted after close")
	}
	conv, _ := f.repo.GetConversation(context.Background(), id)
	if conv == nil || len(conv.Segments) != 1 {
		t.Errorf("Trailing finals should still be persisted, got %+v", conv)
	}
	if err := f.session.Start(context.Background(), &ControlMessage{Type: ControlTypeStart}); err == nil {
		t.Error("Start on a closed session should fail")
	}
}

func TestSession_HandleControlUnknownType(t *testing.T) {
	f := newSessionFixture(t, SessionConfig{})

	f.session.HandleControl(context.Background(), &ControlMessage{Type: "PAUSE"})

	if f.session.State() != SessionIdle || len(f.emitter.all()) != 0 {
		t.Error("Unknown control types must be ignored")
	}
}
