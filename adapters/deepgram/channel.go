package deepgram

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/satriahrh/meetscribe/domain/entities"
	"github.com/satriahrh/meetscribe/domain/repositories"
)

const (
	defaultURL               = "wss://api.deepgram.com/v1/listen"
	defaultKeepAliveInterval = 10 * time.Second
	defaultCloseGrace        = 500 * time.Millisecond

	// Time allowed to write a message to the provider.
	writeWait = 10 * time.Second
)

// DefaultOptions is the recognition option set every stream starts from.
// Encoding and sample rate are left out so the provider detects the container.
var DefaultOptions = map[string]string{
	"model":            "nova-2",
	"language":         "en",
	"smart_format":     "true",
	"punctuate":        "true",
	"diarize":          "true",
	"interim_results":  "true",
	"utterance_end_ms": "1000",
	"vad_events":       "true",
	"filler_words":     "false",
	"redact":           "false",
}

// Dialer opens provider websocket connections. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// Config holds configuration for the Deepgram transcriber
type Config struct {
	URL               string
	KeepAliveInterval time.Duration
	CloseGrace        time.Duration
	// Options are applied on top of DefaultOptions for every stream.
	Options map[string]string
}

// Transcriber implements repositories.Transcriber on Deepgram's live websocket API
type Transcriber struct {
	config Config
	dialer Dialer
	logger *zap.Logger
}

var _ repositories.Transcriber = (*Transcriber)(nil)

// NewTranscriber creates a Deepgram transcriber. A nil dialer uses websocket.DefaultDialer.
func NewTranscriber(config Config, dialer Dialer, logger *zap.Logger) *Transcriber {
	if config.URL == "" {
		config.URL = defaultURL
	}
	if config.KeepAliveInterval <= 0 {
		config.KeepAliveInterval = defaultKeepAliveInterval
	}
	if config.CloseGrace <= 0 {
		config.CloseGrace = defaultCloseGrace
	}
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	return &Transcriber{
		config: config,
		dialer: dialer,
		logger: logger,
	}
}

// Open implements repositories.Transcriber
func (t *Transcriber) Open(ctx context.Context, credentials string, options map[string]string, callbacks repositories.StreamCallbacks) repositories.TranscriptionStream {
	params := mergeOptions(DefaultOptions, t.config.Options, options)

	t.logger.Info("Creating Deepgram stream",
		zap.String("model", params.Get("model")),
		zap.String("diarize", params.Get("diarize")),
		zap.String("language", params.Get("language")))

	header := http.Header{}
	header.Set("Authorization", "Token "+credentials)

	c := &Channel{
		url:        t.config.URL + "?" + params.Encode(),
		header:     header,
		dialer:     t.dialer,
		callbacks:  callbacks,
		keepAlive:  t.config.KeepAliveInterval,
		closeGrace: t.config.CloseGrace,
		logger:     t.logger,
		state:      repositories.StreamStateConnecting,
		speakers:   make(map[int]struct{}),
		done:       make(chan struct{}),
	}

	go c.connect(ctx)

	return c
}

// mergeOptions layers option maps left to right. Empty values do not override.
func mergeOptions(layers ...map[string]string) url.Values {
	params := url.Values{}
	for _, layer := range layers {
		for k, v := range layer {
			if v == "" {
				continue
			}
			params.Set(k, v)
		}
	}
	return params
}

// Channel is one live Deepgram connection
type Channel struct {
	url        string
	header     http.Header
	dialer     Dialer
	callbacks  repositories.StreamCallbacks
	keepAlive  time.Duration
	closeGrace time.Duration
	logger     *zap.Logger

	// writeMu serializes writes to conn; taken before mu.
	writeMu sync.Mutex

	// mu guards the fields below.
	mu       sync.Mutex
	conn     *websocket.Conn
	state    repositories.StreamState
	closing  bool
	speakers map[int]struct{}

	done     chan struct{}
	stopOnce sync.Once
}

func (c *Channel) connect(ctx context.Context) {
	conn, resp, err := c.dialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		c.mu.Lock()
		c.state = repositories.StreamStateClosedError
		c.mu.Unlock()
		c.stopKeepAlive()

		c.logger.Error("Deepgram WebSocket error", zap.Error(err))
		c.emitError(fmt.Errorf("connect to deepgram: %w", err))
		c.emitClose()
		return
	}

	c.mu.Lock()
	if c.closing {
		// Closed while the handshake was in flight.
		c.state = repositories.StreamStateClosedNormal
		c.mu.Unlock()
		conn.Close()
		c.emitClose()
		return
	}
	c.conn = conn
	c.state = repositories.StreamStateReady
	c.mu.Unlock()

	c.logger.Info("Deepgram WebSocket connected")

	go c.keepAliveLoop()

	if c.callbacks.OnReady != nil {
		c.callbacks.OnReady()
	}

	c.readLoop(conn)
}

func (c *Channel) readLoop(conn *websocket.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			c.finish(conn, err)
			return
		}
		c.handleMessage(message)
	}
}

func (c *Channel) finish(conn *websocket.Conn, err error) {
	c.mu.Lock()
	expected := c.closing || websocket.IsCloseError(err, websocket.CloseNormalClosure)
	if expected {
		c.state = repositories.StreamStateClosedNormal
	} else {
		c.state = repositories.StreamStateClosedError
	}
	c.mu.Unlock()

	c.stopKeepAlive()
	conn.Close()

	if !expected {
		c.logger.Error("Deepgram WebSocket error", zap.Error(err))
		c.emitError(fmt.Errorf("deepgram connection lost: %w", err))
	}
	c.logger.Info("Deepgram connection closed", zap.Bool("expected", expected))
	c.emitClose()
}

func (c *Channel) handleMessage(message []byte) {
	var msg providerMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		c.logger.Error("Error parsing Deepgram message", zap.Error(err))
		return
	}

	switch msg.Type {
	case MessageTypeResults:
		c.handleResults(msg)
	case MessageTypeMetadata:
		fields := []zap.Field{zap.String("request_id", msg.RequestID)}
		if msg.ModelInfo != nil {
			fields = append(fields, zap.String("model", msg.ModelInfo.Name))
		}
		c.logger.Debug("Deepgram metadata", fields...)
	case MessageTypeUtteranceEnd, MessageTypeSpeechStarted:
		c.logger.Debug("Deepgram event", zap.String("type", msg.Type))
	case MessageTypeError:
		c.logger.Warn("Deepgram reported an error", zap.String("description", msg.errorText()))
		c.emitError(fmt.Errorf("deepgram error: %s", msg.errorText()))
	default:
		c.logger.Debug("Unhandled Deepgram message", zap.String("type", msg.Type))
	}
}

func (c *Channel) handleResults(msg providerMessage) {
	if msg.Channel == nil || len(msg.Channel.Alternatives) == 0 {
		return
	}
	alt := msg.Channel.Alternatives[0]
	if alt.Transcript == "" {
		return
	}

	utterances := entities.GroupWordsBySpeaker(alt.Words)

	c.mu.Lock()
	for _, u := range utterances {
		c.speakers[u.Speaker] = struct{}{}
	}
	speakerCount := len(c.speakers)
	c.mu.Unlock()

	if c.callbacks.OnTranscript == nil {
		return
	}
	for _, u := range utterances {
		c.callbacks.OnTranscript(repositories.TranscriptEvent{
			Speaker:      u.Speaker,
			Text:         u.Text,
			Start:        u.Start,
			End:          u.End,
			Confidence:   u.Confidence,
			IsFinal:      msg.IsFinal,
			SpeakerCount: speakerCount,
		})
	}
}

func (c *Channel) keepAliveLoop() {
	ticker := time.NewTicker(c.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			if conn := c.writableConn(); conn != nil {
				if err := writeJSON(conn, controlMessage{Type: MessageTypeKeepAlive}); err != nil {
					c.logger.Warn("Failed to send Deepgram keep-alive", zap.Error(err))
				}
			}
			c.writeMu.Unlock()
		}
	}
}

// Send implements repositories.TranscriptionStream
func (c *Channel) Send(audio []byte) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn := c.writableConn()
	if conn == nil {
		return
	}

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.BinaryMessage, audio); err != nil {
		c.logger.Warn("Failed to send audio to Deepgram", zap.Error(err))
	}
}

// writableConn returns the connection while it accepts audio and control
// messages, or nil.
func (c *Channel) writableConn() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.state != repositories.StreamStateReady || c.closing {
		return nil
	}
	return c.conn
}

// Close implements repositories.TranscriptionStream. It returns without
// writing to the provider; CloseStream and the teardown run on their own
// goroutine.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return
	}
	c.closing = true
	conn := c.conn
	ready := conn != nil && c.state == repositories.StreamStateReady
	c.mu.Unlock()

	c.stopKeepAlive()

	if conn == nil {
		return
	}
	go c.drain(conn, ready)
}

// drain ends the provider stream. Trailing results may still arrive during
// the grace period.
func (c *Channel) drain(conn *websocket.Conn, sendCloseStream bool) {
	if sendCloseStream {
		c.writeMu.Lock()
		if err := writeJSON(conn, controlMessage{Type: MessageTypeCloseStream}); err != nil {
			c.logger.Warn("Failed to send CloseStream to Deepgram", zap.Error(err))
		}
		c.writeMu.Unlock()
	}

	time.Sleep(c.closeGrace)
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	conn.Close()
}

// IsConnected implements repositories.TranscriptionStream
func (c *Channel) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && c.state == repositories.StreamStateReady
}

// SpeakerCount implements repositories.TranscriptionStream
func (c *Channel) SpeakerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.speakers)
}

// State implements repositories.TranscriptionStream
func (c *Channel) State() repositories.StreamState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// writeJSON sends one control message; callers hold writeMu.
func writeJSON(conn *websocket.Conn, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *Channel) stopKeepAlive() {
	c.stopOnce.Do(func() { close(c.done) })
}

func (c *Channel) emitError(err error) {
	if c.callbacks.OnError != nil {
		c.callbacks.OnError(err)
	}
}

func (c *Channel) emitClose() {
	if c.callbacks.OnClose != nil {
		c.callbacks.OnClose()
	}
}
