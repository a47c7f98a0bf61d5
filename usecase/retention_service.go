package usecase

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RetentionService periodically deletes conversations older than maxAge
type RetentionService struct {
	transcripts *TranscriptService
	maxAge      time.Duration
	interval    time.Duration
	logger      *zap.Logger
	now         func() time.Time

	stopChan chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewRetentionService creates a new retention service
func NewRetentionService(transcripts *TranscriptService, maxAge, interval time.Duration, logger *zap.Logger) *RetentionService {
	return &RetentionService{
		transcripts: transcripts,
		maxAge:      maxAge,
		interval:    interval,
		logger:      logger,
		now:         time.Now,
		stopChan:    make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Start begins the background sweep
func (s *RetentionService) Start() {
	go s.sweepLoop()
	s.logger.Info("Retention service started",
		zap.Duration("maxAge", s.maxAge),
		zap.Duration("interval", s.interval))
}

// Stop gracefully stops the sweep and waits for the loop to exit
func (s *RetentionService) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
		<-s.done
		s.logger.Info("Retention service stopped")
	})
}

func (s *RetentionService) sweepLoop() {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Sweep once shortly after startup
	initialTimer := time.NewTimer(time.Minute)
	defer initialTimer.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-initialTimer.C:
			s.RunOnce(context.Background())
		case <-ticker.C:
			s.RunOnce(context.Background())
		}
	}
}

// RunOnce deletes every conversation older than maxAge
func (s *RetentionService) RunOnce(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	cutoff := s.now().Add(-s.maxAge)
	s.logger.Info("Starting retention sweep", zap.Time("cutoff", cutoff))

	n, err := s.transcripts.DeleteConversationsBefore(ctx, cutoff)
	if err != nil {
		s.logger.Error("Failed to delete expired conversations", zap.Error(err))
		return 0, err
	}

	s.logger.Info("Retention sweep completed", zap.Int64("deleted", n))
	return n, nil
}
