package scheduler

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"pricemap/server/internal/processor"
)

// Runner executes one estimation run. *processor.BatchProcessor implements it.
type Runner interface {
	Run(ctx context.Context, req processor.RunRequest) (*processor.RunResult, error)
}

// Scheduler periodically re-estimates the configured segments so stored
// estimates follow newly imported apartments
type Scheduler struct {
	runner   Runner
	logger   *logrus.Logger
	segments []string
	mode     string
	interval time.Duration
	startup  bool

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	jobMutex sync.Mutex // Ensures sequential job execution
}

// NewScheduler creates a new scheduler. With runOnStartup the segments are
// estimated once right after Start.
func NewScheduler(runner Runner, logger *logrus.Logger, segments []string, mode string, interval time.Duration, runOnStartup bool) *Scheduler {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)
		logger.SetLevel(logrus.InfoLevel)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		runner:   runner,
		logger:   logger,
		segments: segments,
		mode:     mode,
		interval: interval,
		startup:  runOnStartup,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins the scheduled runs
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.runScheduler()
}

// runScheduler handles all scheduled runs
func (s *Scheduler) runScheduler() {
	defer s.wg.Done()

	if s.startup {
		s.logger.Info("Running startup estimation jobs")
		s.runSegments()
	}
	if s.interval <= 0 {
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.runSegments()
		}
	}
}

// runSegments estimates every configured segment sequentially
func (s *Scheduler) runSegments() {
	s.jobMutex.Lock()
	defer s.jobMutex.Unlock()

	for _, segment := range s.segments {
		if s.ctx.Err() != nil {
			return
		}

		fields := logrus.Fields{
			"segment": segment,
			"mode":    s.mode,
		}
		s.logger.WithFields(fields).Info("Starting estimation job")

		result, err := s.runner.Run(s.ctx, processor.RunRequest{Segment: segment, Mode: s.mode})
		if err != nil {
			s.logger.WithError(err).WithFields(fields).Error("Estimation job failed")
			continue
		}
		fields["run_id"] = result.Run.ID
		fields["estimated"] = result.Run.Estimated
		fields["failed"] = result.Run.Failed
		s.logger.WithFields(fields).Info("Estimation job completed successfully")
	}
}

// Stop cancels a running job and waits for the scheduler to exit
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
}
