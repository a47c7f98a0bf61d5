package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/satriahrh/meetscribe/domain/entities"
	"github.com/satriahrh/meetscribe/domain/repositories"
)

const (
	defaultGoogleLanguage   = "en-US"
	defaultGoogleEncoding   = "WEBM_OPUS"
	defaultGoogleSampleRate = 48000
	defaultGoogleCloseGrace = 500 * time.Millisecond
	maxDiarizedSpeakers     = 6
)

// RecognizeStream is the part of the Google streaming client the channel uses.
// speechpb.Speech_StreamingRecognizeClient satisfies it.
type RecognizeStream interface {
	Send(*speechpb.StreamingRecognizeRequest) error
	Recv() (*speechpb.StreamingRecognizeResponse, error)
	CloseSend() error
}

// StreamDialer opens one streaming recognition call. The returned closer
// releases the underlying client.
type StreamDialer func(ctx context.Context, credentials string) (RecognizeStream, io.Closer, error)

// GoogleConfig holds recognition settings for Google Cloud Speech
type GoogleConfig struct {
	Language   string
	Encoding   string
	SampleRate int
	CloseGrace time.Duration
}

// GoogleSpeechToText implements repositories.Transcriber on Google Cloud
// Speech streaming recognition with speaker diarization.
type GoogleSpeechToText struct {
	config GoogleConfig
	dial   StreamDialer
	logger *zap.Logger
}

var _ repositories.Transcriber = (*GoogleSpeechToText)(nil)

// NewGoogleSpeechToText creates a Google transcriber. A nil dialer connects
// to the real service.
func NewGoogleSpeechToText(config GoogleConfig, dial StreamDialer, logger *zap.Logger) *GoogleSpeechToText {
	if config.Language == "" {
		config.Language = defaultGoogleLanguage
	}
	if config.Encoding == "" {
		config.Encoding = defaultGoogleEncoding
	}
	if config.SampleRate <= 0 {
		config.SampleRate = defaultGoogleSampleRate
	}
	if config.CloseGrace <= 0 {
		config.CloseGrace = defaultGoogleCloseGrace
	}
	if dial == nil {
		dial = dialGoogle
	}
	return &GoogleSpeechToText{
		config: config,
		dial:   dial,
		logger: logger,
	}
}

func dialGoogle(ctx context.Context, credentials string) (RecognizeStream, io.Closer, error) {
	var opts []option.ClientOption
	if credentials != "" {
		opts = append(opts, option.WithAPIKey(credentials))
	}

	client, err := speech.NewClient(ctx, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create speech client: %w", err)
	}

	stream, err := client.StreamingRecognize(ctx)
	if err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("failed to create streaming recognize: %w", err)
	}

	return stream, client, nil
}

// Open implements repositories.Transcriber. Recognized options are
// "language", "encoding" and "sample_rate".
func (g *GoogleSpeechToText) Open(ctx context.Context, credentials string, options map[string]string, callbacks repositories.StreamCallbacks) repositories.TranscriptionStream {
	config := g.config
	if v := options["language"]; v != "" {
		config.Language = v
	}
	if v := options["encoding"]; v != "" {
		config.Encoding = v
	}
	if v := options["sample_rate"]; v != "" {
		var rate int
		if _, err := fmt.Sscanf(v, "%d", &rate); err == nil && rate > 0 {
			config.SampleRate = rate
		}
	}

	g.logger.Info("Creating Google speech stream",
		zap.String("language", config.Language),
		zap.String("encoding", config.Encoding),
		zap.Int("sampleRate", config.SampleRate))

	s := &GoogleSpeechToTextStream{
		config:    config,
		callbacks: callbacks,
		logger:    g.logger,
		state:     repositories.StreamStateConnecting,
		speakers:  make(map[int]struct{}),
	}

	go s.connect(ctx, g.dial, credentials)

	return s
}

// GoogleSpeechToTextStream is one streaming recognition call
type GoogleSpeechToTextStream struct {
	config    GoogleConfig
	callbacks repositories.StreamCallbacks
	logger    *zap.Logger

	// mu guards the fields below and serializes stream.Send.
	mu       sync.Mutex
	stream   RecognizeStream
	closer   io.Closer
	state    repositories.StreamState
	closing  bool
	speakers map[int]struct{}
}

func (s *GoogleSpeechToTextStream) connect(ctx context.Context, dial StreamDialer, credentials string) {
	stream, closer, err := dial(ctx, credentials)
	if err == nil {
		err = s.sendConfig(stream)
		if err != nil {
			stream.CloseSend()
			closer.Close()
		}
	}
	if err != nil {
		s.mu.Lock()
		s.state = repositories.StreamStateClosedError
		s.mu.Unlock()

		s.logger.Error("Google speech stream error", zap.Error(err))
		s.emitError(fmt.Errorf("connect to google speech: %w", err))
		s.emitClose()
		return
	}

	s.mu.Lock()
	if s.closing {
		s.state = repositories.StreamStateClosedNormal
		s.mu.Unlock()
		stream.CloseSend()
		closer.Close()
		s.emitClose()
		return
	}
	s.stream = stream
	s.closer = closer
	s.state = repositories.StreamStateReady
	s.mu.Unlock()

	s.logger.Info("Google speech stream connected")

	if s.callbacks.OnReady != nil {
		s.callbacks.OnReady()
	}

	s.receiveResults(stream, closer)
}

func (s *GoogleSpeechToTextStream) sendConfig(stream RecognizeStream) error {
	encoding, err := getAudioEncoding(s.config.Encoding)
	if err != nil {
		return err
	}

	recognitionConfig := &speechpb.RecognitionConfig{
		Encoding:                   encoding,
		SampleRateHertz:            int32(s.config.SampleRate),
		LanguageCode:               s.config.Language,
		EnableAutomaticPunctuation: true,
		EnableWordTimeOffsets:      true,
		EnableWordConfidence:       true,
		DiarizationConfig: &speechpb.SpeakerDiarizationConfig{
			EnableSpeakerDiarization: true,
			MinSpeakerCount:          1,
			MaxSpeakerCount:          maxDiarizedSpeakers,
		},
	}

	if err := stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config:         recognitionConfig,
				InterimResults: true,
			},
		},
	}); err != nil {
		return fmt.Errorf("failed to send streaming config: %w", err)
	}
	return nil
}

func (s *GoogleSpeechToTextStream) receiveResults(stream RecognizeStream, closer io.Closer) {
	defer closer.Close()

	for {
		resp, err := stream.Recv()
		if err != nil {
			s.finish(err)
			return
		}

		if resp.Error != nil && resp.Error.GetMessage() != "" {
			s.logger.Warn("Google speech reported an error", zap.String("message", resp.Error.GetMessage()))
			s.emitError(fmt.Errorf("google speech error: %s", resp.Error.GetMessage()))
			continue
		}

		for _, result := range resp.Results {
			s.handleResult(result)
		}
	}
}

func (s *GoogleSpeechToTextStream) finish(err error) {
	s.mu.Lock()
	expected := errors.Is(err, io.EOF) || s.closing
	if expected {
		s.state = repositories.StreamStateClosedNormal
	} else {
		s.state = repositories.StreamStateClosedError
	}
	s.mu.Unlock()

	if !expected {
		s.logger.Error("Google speech stream error", zap.Error(err))
		s.emitError(fmt.Errorf("google speech stream lost: %w", err))
	}
	s.logger.Info("Google speech stream closed", zap.Bool("expected", expected))
	s.emitClose()
}

func (s *GoogleSpeechToTextStream) handleResult(result *speechpb.StreamingRecognitionResult) {
	if len(result.Alternatives) == 0 {
		return
	}
	alt := result.Alternatives[0]
	if strings.TrimSpace(alt.Transcript) == "" {
		return
	}

	words := convertWords(alt)
	utterances := entities.GroupWordsBySpeaker(words)

	s.mu.Lock()
	for _, u := range utterances {
		s.speakers[u.Speaker] = struct{}{}
	}
	speakerCount := len(s.speakers)
	s.mu.Unlock()

	if s.callbacks.OnTranscript == nil {
		return
	}
	for _, u := range utterances {
		s.callbacks.OnTranscript(repositories.TranscriptEvent{
			Speaker:      u.Speaker,
			Text:         u.Text,
			Start:        u.Start,
			End:          u.End,
			Confidence:   u.Confidence,
			IsFinal:      result.IsFinal,
			SpeakerCount: speakerCount,
		})
	}
}

// convertWords maps Google word info onto provider-neutral words. Speaker
// tags are 1-based with 0 meaning untagged, so they shift down to 0-based.
// Interim results carry no word list and become a single untagged word.
func convertWords(alt *speechpb.SpeechRecognitionAlternative) []entities.Word {
	if len(alt.Words) == 0 {
		return []entities.Word{{
			Word:       strings.TrimSpace(alt.Transcript),
			Confidence: float64(alt.Confidence),
		}}
	}

	words := make([]entities.Word, 0, len(alt.Words))
	for _, w := range alt.Words {
		speaker := int(w.SpeakerTag) - 1
		if speaker < 0 {
			speaker = 0
		}
		word := entities.Word{
			Word:       w.Word,
			Speaker:    &speaker,
			Confidence: float64(w.Confidence),
		}
		if w.StartTime != nil {
			word.Start = w.StartTime.AsDuration().Seconds()
		}
		if w.EndTime != nil {
			word.End = w.EndTime.AsDuration().Seconds()
		}
		words = append(words, word)
	}
	return words
}

// Send implements repositories.TranscriptionStream
func (s *GoogleSpeechToTextStream) Send(audio []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stream == nil || s.state != repositories.StreamStateReady || s.closing {
		return
	}

	if err := s.stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
			AudioContent: audio,
		},
	}); err != nil {
		s.logger.Warn("Failed to send audio to Google speech", zap.Error(err))
	}
}

// Close implements repositories.TranscriptionStream. Half-closing the call
// lets Google flush final results before the receive loop sees EOF.
func (s *GoogleSpeechToTextStream) Close() {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	s.closing = true
	stream := s.stream
	s.mu.Unlock()

	if stream == nil {
		return
	}
	time.AfterFunc(s.config.CloseGrace, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if err := stream.CloseSend(); err != nil {
			s.logger.Warn("Failed to close Google speech stream", zap.Error(err))
		}
	})
}

// IsConnected implements repositories.TranscriptionStream
func (s *GoogleSpeechToTextStream) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream != nil && s.state == repositories.StreamStateReady
}

// SpeakerCount implements repositories.TranscriptionStream
func (s *GoogleSpeechToTextStream) SpeakerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.speakers)
}

// State implements repositories.TranscriptionStream
func (s *GoogleSpeechToTextStream) State() repositories.StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *GoogleSpeechToTextStream) emitError(err error) {
	if s.callbacks.OnError != nil {
		s.callbacks.OnError(err)
	}
}

func (s *GoogleSpeechToTextStream) emitClose() {
	if s.callbacks.OnClose != nil {
		s.callbacks.OnClose()
	}
}

// getAudioEncoding converts string encoding to Google Speech API enum
func getAudioEncoding(encoding string) (speechpb.RecognitionConfig_AudioEncoding, error) {
	switch strings.ToUpper(encoding) {
	case "WAV", "LINEAR16":
		return speechpb.RecognitionConfig_LINEAR16, nil
	case "FLAC":
		return speechpb.RecognitionConfig_FLAC, nil
	case "MULAW":
		return speechpb.RecognitionConfig_MULAW, nil
	case "OGG_OPUS":
		return speechpb.RecognitionConfig_OGG_OPUS, nil
	case "WEBM_OPUS":
		return speechpb.RecognitionConfig_WEBM_OPUS, nil
	default:
		return speechpb.RecognitionConfig_ENCODING_UNSPECIFIED, fmt.Errorf("unsupported encoding: %s", encoding)
	}
}
