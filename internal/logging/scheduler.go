package logging

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// CleanupScheduler runs a Cleaner periodically.
type CleanupScheduler struct {
	cleaner  *Cleaner
	interval time.Duration
	logger   *zap.Logger

	started  atomic.Bool
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func NewCleanupScheduler(cleaner *Cleaner, interval time.Duration, logger *zap.Logger) *CleanupScheduler {
	return &CleanupScheduler{
		cleaner:  cleaner,
		interval: interval,
		logger:   logger.Named("logcleanup"),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start cleans once right away and then every interval until Stop.
func (s *CleanupScheduler) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.runCleanup()
		for {
			select {
			case <-ticker.C:
				s.runCleanup()
			case <-s.stop:
				return
			}
		}
	}()
}

func (s *CleanupScheduler) runCleanup() {
	deleted, err := s.cleaner.Cleanup()
	if err != nil {
		s.logger.Warn("log cleanup failed", zap.Error(err))
		return
	}
	if deleted > 0 {
		s.logger.Info("removed expired log files", zap.Int("count", deleted))
	}
}

// Stop ends the schedule and waits for a running cleanup to finish. It is
// safe to call more than once.
func (s *CleanupScheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		if s.started.Load() {
			<-s.done
		}
	})
}
