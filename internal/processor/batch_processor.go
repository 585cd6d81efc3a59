package processor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"pricemap/server/config"
	"pricemap/server/internal/database"
	"pricemap/server/internal/estimator"
	"pricemap/server/internal/models"
	"pricemap/server/internal/queue"
	"pricemap/server/internal/split"
)

var ErrUnknownSegment = errors.New("unknown segment")

// Transactor runs fc inside a database transaction. *gorm.DB implements it.
type Transactor interface {
	Transaction(fc func(tx *gorm.DB) error, opts ...*sql.TxOptions) error
}

// RunStore loads apartments and keeps track of runs
type RunStore interface {
	GetApartments(segment string) ([]models.Apartment, error)
	CreateRun(run *models.EstimationRun) error
	FinishRun(run *models.EstimationRun, runErr error) error
}

// RunRequest describes one estimation run. Zero values fall back to the
// configuration.
type RunRequest struct {
	Segment      string  `json:"segment"`
	Mode         string  `json:"mode"`
	TestFraction float64 `json:"test_fraction"`
	Seed         *int64  `json:"seed"`
}

// RunResult is the outcome of a synchronous run
type RunResult struct {
	Run    *models.EstimationRun
	Report *estimator.Report
}

// BatchProcessor estimates whole segments in batches and persists the
// results through a queue
type BatchProcessor struct {
	store     RunStore
	db        Transactor
	estimator *estimator.Estimator
	logger    *logrus.Logger
	config    *config.Config
	waitGroup sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewBatchProcessor creates a new batch processor instance
func NewBatchProcessor(store RunStore, db Transactor, est *estimator.Estimator, config *config.Config, logger *logrus.Logger) *BatchProcessor {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &BatchProcessor{
		store:     store,
		db:        db,
		estimator: est,
		config:    config,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Stop cancels runs in progress and waits for them to finish
func (p *BatchProcessor) Stop() {
	p.cancel()
	p.waitGroup.Wait()
}

// Run executes a run and returns once every estimate is stored
func (p *BatchProcessor) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	run, segment, err := p.prepare(req)
	if err != nil {
		return nil, err
	}
	report, err := p.execute(ctx, run, segment)
	if err != nil {
		return &RunResult{Run: run}, err
	}
	return &RunResult{Run: run, Report: report}, nil
}

// Submit registers a run and executes it in the background. The returned
// run is in running state.
func (p *BatchProcessor) Submit(req RunRequest) (*models.EstimationRun, error) {
	run, segment, err := p.prepare(req)
	if err != nil {
		return nil, err
	}

	snapshot := *run
	p.waitGroup.Add(1)
	go func() {
		defer p.waitGroup.Done()
		if _, err := p.execute(p.ctx, run, segment); err != nil {
			p.logger.WithError(err).WithField("run_id", run.ID).Error("Estimation run failed")
		}
	}()
	return &snapshot, nil
}

// prepare validates the request and stores the run row
func (p *BatchProcessor) prepare(req RunRequest) (*models.EstimationRun, *config.Segment, error) {
	segment := config.GetSegmentByName(req.Segment)
	if segment == nil {
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownSegment, req.Segment)
	}
	mode, err := estimator.ParseMode(req.Mode)
	if err != nil {
		return nil, nil, err
	}

	testFraction := req.TestFraction
	if testFraction == 0 {
		testFraction = p.config.Split.TestFraction
	}
	if mode == estimator.ModePartitioned && (testFraction <= 0 || testFraction >= 1) {
		return nil, nil, fmt.Errorf("test fraction must be in (0, 1), got %v", testFraction)
	}
	seed := p.config.Split.Seed
	if req.Seed != nil {
		seed = *req.Seed
	}

	opts := p.estimator.Options()
	run := &models.EstimationRun{
		Segment:  segment.Name,
		Mode:     string(mode),
		K:        opts.K,
		Policy:   string(opts.Policy),
		Strategy: string(opts.Strategy),
		Seed:     seed,
	}
	if mode == estimator.ModePartitioned {
		run.TestFraction = testFraction
	}
	if err := p.store.CreateRun(run); err != nil {
		return nil, nil, err
	}
	return run, segment, nil
}

// execute estimates the segment and finishes the run row
func (p *BatchProcessor) execute(ctx context.Context, run *models.EstimationRun, segment *config.Segment) (*estimator.Report, error) {
	logger := p.logger.WithFields(logrus.Fields{
		"run_id":  run.ID,
		"segment": run.Segment,
		"mode":    run.Mode,
	})
	start := time.Now()

	report, err := p.estimate(ctx, run)
	if report != nil {
		run.Estimated = len(report.Estimates)
		run.Failed = len(report.Failures)
	}
	if finishErr := p.store.FinishRun(run, err); finishErr != nil {
		logger.WithError(finishErr).Error("Failed to store run result")
		if err == nil {
			err = finishErr
		}
	}
	if err != nil {
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"estimated": run.Estimated,
		"failed":    run.Failed,
		"duration":  time.Since(start).String(),
	}).Info("Estimation run finished")
	return report, nil
}

func (p *BatchProcessor) estimate(ctx context.Context, run *models.EstimationRun) (*estimator.Report, error) {
	apartments, err := p.store.GetApartments(run.Segment)
	if err != nil {
		return nil, fmt.Errorf("failed to load apartments: %w", err)
	}

	report := &estimator.Report{}
	invalid := make([]*models.Estimate, 0)
	records := make([]estimator.Record, 0, len(apartments))
	for _, a := range apartments {
		record, err := estimator.NewRecord(a)
		if err != nil {
			report.Failures = append(report.Failures, estimator.RecordError{ID: a.ID, Partition: estimator.PartitionAll, Err: err})
			invalid = append(invalid, &models.Estimate{
				RunID:       run.ID,
				ApartmentID: a.ID,
				Segment:     run.Segment,
				Partition:   string(estimator.PartitionAll),
				Error:       err.Error(),
				Latitude:    a.Latitude,
				Longitude:   a.Longitude,
			})
			continue
		}
		records = append(records, record)
	}

	var plan *estimator.Plan
	switch estimator.Mode(run.Mode) {
	case estimator.ModePartitioned:
		train, test, err := split.TrainTest(records, run.TestFraction, run.Seed)
		if err != nil {
			return nil, err
		}
		plan, err = p.estimator.PlanPartitioned(train, test)
		if err != nil {
			return nil, err
		}
	default:
		plan, err = p.estimator.PlanWholePopulation(records)
		if err != nil {
			return nil, err
		}
	}

	// persistence runs next to estimation; failed writes fail the run
	estimateQueue := queue.NewEstimateQueue(p.config.BatchProcessing.QueueSize, p.logger)
	var mu sync.Mutex
	var persistErr error
	estimateQueue.Subscribe(func(batch []*models.Estimate) error {
		err := p.processBatch(batch)
		if err != nil {
			mu.Lock()
			if persistErr == nil {
				persistErr = err
			}
			mu.Unlock()
		}
		return err
	})
	estimateQueue.Start()

	persisted := func() error {
		mu.Lock()
		defer mu.Unlock()
		return persistErr
	}
	runErr := p.enqueueBatches(ctx, estimateQueue, run, plan, invalid, report, persisted)
	estimateQueue.Close()
	if runErr != nil {
		return nil, runErr
	}
	if persistErr != nil {
		return nil, persistErr
	}
	return report, nil
}

// enqueueBatches estimates the plan in chunks of BATCH_MAX_SIZE queries and
// pushes every chunk to the queue. It stops at the first chunk after a
// batch could not be persisted.
func (p *BatchProcessor) enqueueBatches(ctx context.Context, q *queue.EstimateQueue, run *models.EstimationRun, plan *estimator.Plan, invalid []*models.Estimate, report *estimator.Report, persisted func() error) error {
	if len(invalid) > 0 {
		if err := q.Push(ctx, invalid); err != nil {
			return fmt.Errorf("failed to queue invalid records: %w", err)
		}
	}

	size := p.config.BatchProcessing.MaxBatchSize
	if size < 1 {
		size = len(plan.Queries)
	}
	for start := 0; start < len(plan.Queries); start += size {
		if err := persisted(); err != nil {
			return err
		}
		end := min(start+size, len(plan.Queries))
		chunk := plan.Queries[start:end]

		batchCtx := ctx
		cancel := context.CancelFunc(func() {})
		if p.config.BatchProcessing.Timeout > 0 {
			batchCtx, cancel = context.WithTimeout(ctx, p.config.BatchProcessing.Timeout)
		}
		chunkReport, err := p.estimator.EstimateBatch(batchCtx, plan.Reference, chunk)
		cancel()
		if err != nil {
			return fmt.Errorf("batch %d-%d: %w", start, end, err)
		}
		report.Merge(chunkReport)

		if err := q.Push(ctx, toModels(run, chunk, chunkReport)); err != nil {
			return fmt.Errorf("failed to queue batch %d-%d: %w", start, end, err)
		}
	}
	return nil
}

// toModels converts a chunk report into rows for the estimates table
func toModels(run *models.EstimationRun, chunk []estimator.Query, report *estimator.Report) []*models.Estimate {
	queries := make(map[int64]estimator.Query, len(chunk))
	for _, q := range chunk {
		queries[q.Record.ID] = q
	}
	location := func(id int64) (*float64, *float64) {
		q := queries[id]
		lat, lon := q.Record.Location.Lat(), q.Record.Location.Lon()
		return &lat, &lon
	}

	rows := make([]*models.Estimate, 0, len(chunk))
	for _, est := range report.Estimates {
		perArea, price := est.PricePerArea, est.Price
		lat, lon := location(est.ID)
		rows = append(rows, &models.Estimate{
			RunID:         run.ID,
			ApartmentID:   est.ID,
			Segment:       run.Segment,
			Partition:     string(est.Partition),
			PricePerArea:  &perArea,
			Price:         &price,
			NeighborCount: len(est.NeighborIDs),
			Degraded:      est.Degraded,
			Latitude:      lat,
			Longitude:     lon,
		})
	}
	for _, failure := range report.Failures {
		lat, lon := location(failure.ID)
		rows = append(rows, &models.Estimate{
			RunID:       run.ID,
			ApartmentID: failure.ID,
			Segment:     run.Segment,
			Partition:   string(failure.Partition),
			Error:       failure.Err.Error(),
			Latitude:    lat,
			Longitude:   lon,
		})
	}
	return rows
}

// processBatch stores a single batch of estimates with transaction and retry logic
func (p *BatchProcessor) processBatch(batch []*models.Estimate) error {
	var err error
	for attempt := 0; attempt <= p.config.BatchProcessing.MaxRetries; attempt++ {
		if attempt > 0 {
			p.logger.Infof("Retrying batch processing, attempt %d of %d", attempt, p.config.BatchProcessing.MaxRetries)
			time.Sleep(time.Duration(p.config.BatchProcessing.RetryDelay) * time.Second)
		}

		err = p.db.Transaction(func(tx *gorm.DB) error {
			if err := database.SaveEstimates(tx, batch); err != nil {
				return fmt.Errorf("failed to save estimates batch: %w", err)
			}
			return nil
		})

		if err == nil {
			p.logger.Debugf("Successfully processed batch of %d estimates", len(batch))
			return nil
		}

		p.logger.Errorf("Batch processing failed: %v", err)
	}

	return fmt.Errorf("failed to process batch after %d attempts: %w", p.config.BatchProcessing.MaxRetries+1, err)
}
