package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/satriahrh/meetscribe/adapters"
	"github.com/satriahrh/meetscribe/adapters/deepgram"
	"github.com/satriahrh/meetscribe/adapters/llm"
	"github.com/satriahrh/meetscribe/adapters/mongo"
	"github.com/satriahrh/meetscribe/adapters/sqlite"
	"github.com/satriahrh/meetscribe/adapters/stt"
	"github.com/satriahrh/meetscribe/domain/repositories"
	"github.com/satriahrh/meetscribe/internal/api"
	"github.com/satriahrh/meetscribe/internal/auth"
	"github.com/satriahrh/meetscribe/internal/config"
	"github.com/satriahrh/meetscribe/internal/metrics"
	"github.com/satriahrh/meetscribe/internal/websocket"
	"github.com/satriahrh/meetscribe/usecase"
)

func main() {
	// A missing .env file is fine; the environment may already be set.
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		zap.NewExample().Fatal("Failed to load configuration", zap.Error(err))
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		zap.NewExample().Fatal("Failed to initialize logger", zap.Error(err))
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize adapters
	repo, closeStore, err := newTranscriptRepository(ctx, cfg.Store, logger)
	if err != nil {
		logger.Fatal("Failed to initialize transcript store", zap.Error(err))
	}
	defer closeStore()

	var summarizer repositories.Summarizer
	if cfg.Summary.GeminiAPIKey != "" {
		gemini, err := llm.NewGeminiSummarizer(ctx, llm.GeminiConfig{
			APIKey: cfg.Summary.GeminiAPIKey,
			Model:  cfg.Summary.GeminiModel,
		}, logger)
		if err != nil {
			logger.Fatal("Failed to initialize Gemini summarizer", zap.Error(err))
		}
		summarizer = gemini
		logger.Info("Conversation summaries enabled", zap.String("model", cfg.Summary.GeminiModel))
	}

	transcriber := newTranscriber(cfg.Transcriber, logger)
	credentials := cfg.Transcriber.Credentials()
	if credentials == "" {
		logger.Warn("No transcription API key configured; clients must send their own",
			zap.String("provider", cfg.Transcriber.Provider))
	}

	// Initialize usecase services
	m := metrics.NewMetrics()
	transcripts := usecase.NewTranscriptService(repo, summarizer, logger)

	var retention *usecase.RetentionService
	if maxAge := cfg.Retention.GetMaxAge(); maxAge > 0 {
		retention = usecase.NewRetentionService(transcripts, maxAge, cfg.Retention.GetInterval(), logger)
		retention.Start()
	}

	// Initialize WebSocket hub
	hub := websocket.NewHub(transcriber, transcripts, m, websocket.SessionConfig{
		DefaultCredentials: credentials,
		MaxPendingFrames:   cfg.Session.MaxPendingFrames,
		PersistTimeout:     cfg.Session.GetPersistTimeout(),
	}, cfg.Server.AllowedOrigins, logger)

	hubCtx, stopHub := context.WithCancel(context.Background())
	hubDone := make(chan struct{})
	go func() {
		hub.Run(hubCtx)
		close(hubDone)
	}()

	// Create Echo instance
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(corsMiddleware(cfg.Server.AllowedOrigins))
	e.Use(m.Middleware())

	var tokens *auth.TokenManager
	if cfg.Server.JWTSecret != "" {
		tokens = auth.NewTokenManager(cfg.Server.JWTSecret, 0)
		logger.Info("Bearer authentication enabled")
	}

	// Initialize API routes
	api.InitRoutes(e, api.Dependencies{
		Hub:                hub,
		Transcripts:        transcripts,
		Metrics:            m,
		Tokens:             tokens,
		Provider:           cfg.Transcriber.Provider,
		ProviderConfigured: credentials != "",
		StartedAt:          time.Now(),
	}, logger)

	port := strconv.Itoa(cfg.Server.Port)

	// Graceful shutdown
	go func() {
		if err := e.Start(":" + port); err != nil && err != http.ErrServerClosed {
			logger.Fatal("shutting down the server", zap.Error(err))
		}
	}()

	logger.Info("Server started",
		zap.String("port", port),
		zap.String("provider", cfg.Transcriber.Provider),
		zap.String("store", cfg.Store.Driver))

	// Wait for interrupt signal to gracefully shutdown the server
	<-ctx.Done()

	logger.Info("Server is shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	// Closing the clients finalizes their live conversations.
	stopHub()
	<-hubDone
	if retention != nil {
		retention.Stop()
	}
	transcripts.Wait()

	logger.Info("Server exited")
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	zapConfig := zap.NewProductionConfig()
	if cfg.Development {
		zapConfig = zap.NewDevelopmentConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zapConfig.Level = zap.NewAtomicLevelAt(level)

	return zapConfig.Build()
}

func newTranscriber(cfg config.TranscriberConfig, logger *zap.Logger) repositories.Transcriber {
	switch cfg.Provider {
	case config.ProviderGoogle:
		return stt.NewGoogleSpeechToText(stt.GoogleConfig{
			Language:   cfg.Google.Language,
			Encoding:   cfg.Google.Encoding,
			SampleRate: cfg.Google.SampleRate,
		}, nil, logger)
	case config.ProviderMock:
		return stt.NewMockSpeechToText(0, logger)
	default:
		return deepgram.NewTranscriber(deepgram.Config{
			URL:               cfg.Deepgram.URL,
			KeepAliveInterval: cfg.Deepgram.GetKeepAliveInterval(),
			CloseGrace:        cfg.Deepgram.GetCloseGrace(),
			Options: map[string]string{
				"model":    cfg.Deepgram.Model,
				"language": cfg.Deepgram.Language,
			},
		}, nil, logger)
	}
}

func newTranscriptRepository(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (repositories.TranscriptRepository, func(), error) {
	switch cfg.Driver {
	case config.DriverMongo:
		client, err := mongo.NewClient(ctx, cfg.MongoURI, cfg.MongoDatabase, logger)
		if err != nil {
			return nil, nil, err
		}
		repo := mongo.NewTranscriptRepository(client.Database, logger)
		if err := repo.EnsureIndexes(ctx); err != nil {
			logger.Warn("Failed to ensure MongoDB indexes", zap.Error(err))
		}
		return repo, func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			client.Close(closeCtx)
		}, nil

	case config.DriverMemory:
		logger.Warn("Using in-memory transcript store; transcripts are lost on restart")
		return adapters.NewMemoryTranscriptRepository(), func() {}, nil

	default:
		store, err := sqlite.Open(cfg.SQLitePath, logger)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { store.Close() }, nil
	}
}

func corsMiddleware(origins []string) echo.MiddlewareFunc {
	if len(origins) == 0 {
		return middleware.CORS()
	}
	return middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOriginFunc: func(origin string) (bool, error) {
			return websocket.OriginAllowed(origins, origin), nil
		},
	})
}
