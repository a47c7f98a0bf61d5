// Command streamclient replays two audio files against a running server as
// if they were the tab and microphone captures of a browser extension.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/satriahrh/meetscribe/internal/auth"
	ws "github.com/satriahrh/meetscribe/internal/websocket"
)

type options struct {
	server     string
	sourceHint string
	remoteFile string
	localFile  string
	apiKey     string
	token      string
	jwtSecret  string
	chunkSize  int
	interval   time.Duration
	stopWait   time.Duration
}

func main() {
	var opts options
	flag.StringVar(&opts.server, "server", "ws://localhost:3000/ws", "WebSocket endpoint")
	flag.StringVar(&opts.sourceHint, "source", "https://meet.google.com/streamclient", "source hint sent with START")
	flag.StringVar(&opts.remoteFile, "remote", "", "audio file replayed as the tab stream")
	flag.StringVar(&opts.localFile, "local", "", "audio file replayed as the microphone stream")
	flag.StringVar(&opts.apiKey, "api-key", "", "provider key sent with START")
	flag.StringVar(&opts.token, "token", "", "bearer token for the server")
	flag.StringVar(&opts.jwtSecret, "jwt-secret", "", "mint a bearer token with this secret instead of -token")
	flag.IntVar(&opts.chunkSize, "chunk", 3200, "bytes per audio frame")
	flag.DurationVar(&opts.interval, "interval", 100*time.Millisecond, "delay between frames")
	flag.DurationVar(&opts.stopWait, "stop-wait", 10*time.Second, "how long to wait for session_stopped")
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	if opts.remoteFile == "" && opts.localFile == "" {
		logger.Fatal("At least one of -remote or -local is required")
	}

	if err := run(opts, logger); err != nil {
		logger.Fatal("Stream client failed", zap.Error(err))
	}
}

func run(opts options, logger *zap.Logger) error {
	token := opts.token
	if opts.jwtSecret != "" {
		minted, err := auth.NewTokenManager(opts.jwtSecret, time.Hour).GenerateToken("streamclient", auth.RoleClient)
		if err != nil {
			return err
		}
		token = minted
	}

	u, err := url.Parse(opts.server)
	if err != nil {
		return err
	}
	headers := http.Header{}
	if token != "" {
		headers.Add("Authorization", "Bearer "+token)
	}

	logger.Info("Connecting", zap.String("url", u.String()))
	c, _, err := websocket.DefaultDialer.Dial(u.String(), headers)
	if err != nil {
		return err
	}
	defer c.Close()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	stopped := make(chan struct{})
	done := make(chan struct{})
	go readEvents(c, stopped, done, logger)

	var writeMu sync.Mutex
	write := func(messageType int, data []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return c.WriteMessage(messageType, data)
	}

	if err := sendControl(write, ws.ControlMessage{
		Type:               ws.ControlTypeStart,
		SourceHint:         opts.sourceHint,
		CredentialOverride: opts.apiKey,
	}); err != nil {
		return err
	}

	streamDone := make(chan error, 2)
	streams := 0
	if opts.remoteFile != "" {
		streams++
		go func() { streamDone <- streamFile(write, opts.remoteFile, ws.StreamMarkerRemote, opts, done, logger) }()
	}
	if opts.localFile != "" {
		streams++
		go func() { streamDone <- streamFile(write, opts.localFile, ws.StreamMarkerLocal, opts, done, logger) }()
	}

	var streamErr error
	for streams > 0 {
		select {
		case err := <-streamDone:
			streams--
			streamErr = errors.Join(streamErr, err)
		case <-interrupt:
			logger.Info("Interrupted")
			streams = 0
		case <-done:
			return errors.New("server closed the connection")
		}
	}

	if err := sendControl(write, ws.ControlMessage{Type: ws.ControlTypeStop}); err != nil {
		return err
	}

	select {
	case <-stopped:
	case <-done:
	case <-time.After(opts.stopWait):
		logger.Warn("Timed out waiting for session_stopped")
	}

	if err := write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")); err != nil {
		logger.Warn("Close handshake failed", zap.Error(err))
	}
	select {
	case <-done:
	case <-time.After(time.Second):
	}
	return streamErr
}

func sendControl(write func(int, []byte) error, msg ws.ControlMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return write(websocket.TextMessage, data)
}

func streamFile(write func(int, []byte) error, path string, marker byte, opts options, done <-chan struct{}, logger *zap.Logger) error {
	audio, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	ticker := time.NewTicker(opts.interval)
	defer ticker.Stop()

	chunks := 0
	for offset := 0; offset < len(audio); offset += opts.chunkSize {
		end := min(offset+opts.chunkSize, len(audio))
		frame := make([]byte, 0, end-offset+1)
		frame = append(frame, marker)
		frame = append(frame, audio[offset:end]...)
		if err := write(websocket.BinaryMessage, frame); err != nil {
			return err
		}
		chunks++

		select {
		case <-ticker.C:
		case <-done:
			return nil
		}
	}

	logger.Info("Finished streaming file",
		zap.String("file", path),
		zap.Uint8("marker", marker),
		zap.Int("chunks", chunks),
		zap.Int("bytes", len(audio)))
	return nil
}

type event struct {
	Type           string  `json:"type"`
	ConversationID string  `json:"conversation_id"`
	Title          string  `json:"title"`
	Message        string  `json:"message"`
	SpeakerLabel   string  `json:"speaker_label"`
	Text           string  `json:"text"`
	IsFinal        bool    `json:"is_final"`
	SpeakerCount   int     `json:"speaker_count"`
	Duration       int     `json:"duration"`
	Confidence     float64 `json:"confidence"`
}

func readEvents(c *websocket.Conn, stopped, done chan struct{}, logger *zap.Logger) {
	defer close(done)
	var once sync.Once

	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				logger.Info("Read ended", zap.Error(err))
			}
			return
		}

		var ev event
		if err := json.Unmarshal(message, &ev); err != nil {
			logger.Warn("Unreadable event", zap.ByteString("raw", message))
			continue
		}

		switch ev.Type {
		case ws.MessageTypeSessionStarted:
			logger.Info("Session started", zap.String("conversation_id", ev.ConversationID), zap.String("title", ev.Title))
		case ws.MessageTypeTranscript:
			if !ev.IsFinal {
				logger.Debug("Interim", zap.String("speaker", ev.SpeakerLabel), zap.String("text", ev.Text))
				continue
			}
			logger.Info("Final",
				zap.String("speaker", ev.SpeakerLabel),
				zap.String("text", ev.Text),
				zap.Float64("confidence", ev.Confidence),
				zap.Int("speaker_count", ev.SpeakerCount))
		case ws.MessageTypeWarning:
			logger.Warn("Server warning", zap.String("message", ev.Message))
		case ws.MessageTypeError:
			logger.Error("Server error", zap.String("message", ev.Message))
		case ws.MessageTypeSessionStopped:
			logger.Info("Session stopped",
				zap.String("conversation_id", ev.ConversationID),
				zap.Int("duration", ev.Duration),
				zap.Int("speaker_count", ev.SpeakerCount))
			once.Do(func() { close(stopped) })
		default:
			logger.Info("Unknown event", zap.String("type", ev.Type))
		}
	}
}
