package estimator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"pricemap/server/config"
	"pricemap/server/internal/spatial"
)

// Policy decides what happens when fewer than k neighbors are eligible.
type Policy string

const (
	// PolicyStrict fails the record.
	PolicyStrict Policy = "strict"
	// PolicyDegrade estimates with the available neighbors and flags the result.
	PolicyDegrade Policy = "degrade"
)

var ErrUnknownPolicy = errors.New("unknown neighbor policy")

// ParsePolicy converts a configuration value into a Policy
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case PolicyStrict, "":
		return PolicyStrict, nil
	case PolicyDegrade:
		return PolicyDegrade, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownPolicy, s)
	}
}

// Mode selects how reference and query sets are drawn from the data.
type Mode string

const (
	ModeWhole       Mode = "whole"
	ModePartitioned Mode = "partitioned"
)

var ErrUnknownMode = errors.New("unknown estimation mode")

// ParseMode converts a request or flag value into a Mode
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeWhole, "":
		return ModeWhole, nil
	case ModePartitioned:
		return ModePartitioned, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
	}
}

// Query is one record to estimate. Exclude removes a reference record from
// the candidates, K overrides the estimator default when positive.
type Query struct {
	Record    Record
	Exclude   *int64
	Partition Partition
	K         int
}

// Estimate is the neighbor-derived price estimate of one query record.
type Estimate struct {
	ID           int64     `json:"id"`
	Partition    Partition `json:"partition"`
	PricePerArea float64   `json:"price_per_area"`
	Price        float64   `json:"price"`
	NeighborIDs  []int64   `json:"neighbor_ids"`
	// Geodesic distances in km, aligned with NeighborIDs
	NeighborDistances []float64 `json:"neighbor_distances_km"`
	Degraded          bool      `json:"degraded"`
}

// Report holds the outcome of a batch in query order.
type Report struct {
	Estimates []Estimate
	Failures  []RecordError
}

// ByID indexes the successful estimates by record id
func (r *Report) ByID() map[int64]Estimate {
	out := make(map[int64]Estimate, len(r.Estimates))
	for _, est := range r.Estimates {
		out[est.ID] = est
	}
	return out
}

// Merge appends the results of other to r
func (r *Report) Merge(other *Report) {
	r.Estimates = append(r.Estimates, other.Estimates...)
	r.Failures = append(r.Failures, other.Failures...)
}

// Plan pairs a reference set with the queries run against it.
type Plan struct {
	Mode      Mode
	Reference *ReferenceSet
	Queries   []Query
}

// Options configures an Estimator.
type Options struct {
	K        int
	Policy   Policy
	Strategy spatial.Strategy
	LeafSize int
	Workers  int
}

// DefaultOptions mirrors the configuration defaults
func DefaultOptions() Options {
	return Options{
		K:        10,
		Policy:   PolicyStrict,
		Strategy: spatial.StrategyKDTree,
		LeafSize: spatial.DefaultLeafSize,
		Workers:  4,
	}
}

// OptionsFromConfig reads the estimator section of the configuration
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	policy, err := ParsePolicy(cfg.Estimator.Policy)
	if err != nil {
		return Options{}, err
	}
	strategy, err := spatial.ParseStrategy(cfg.Estimator.Strategy)
	if err != nil {
		return Options{}, err
	}
	return Options{
		K:        cfg.Estimator.K,
		Policy:   policy,
		Strategy: strategy,
		LeafSize: cfg.Estimator.LeafSize,
		Workers:  cfg.Estimator.Workers,
	}, nil
}

// Estimator runs neighbor queries against reference sets. It holds no
// data of its own and is safe for concurrent use.
type Estimator struct {
	opts   Options
	logger *logrus.Logger
}

// New creates an estimator. A nil logger logs JSON to stdout.
func New(opts Options, logger *logrus.Logger) (*Estimator, error) {
	if opts.K < 1 {
		return nil, fmt.Errorf("%w: %d", spatial.ErrInvalidK, opts.K)
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Policy == "" {
		opts.Policy = PolicyStrict
	}
	if opts.Strategy == "" {
		opts.Strategy = spatial.StrategyKDTree
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)
	}
	return &Estimator{opts: opts, logger: logger}, nil
}

func (e *Estimator) Options() Options {
	return e.opts
}

// NewReferenceSet indexes records with the configured strategy
func (e *Estimator) NewReferenceSet(records []Record) (*ReferenceSet, error) {
	return NewReferenceSet(records, e.opts.Strategy, e.opts.LeafSize)
}

// PlanWholePopulation uses every record as reference and as query. Each
// query excludes its own id.
func (e *Estimator) PlanWholePopulation(records []Record) (*Plan, error) {
	ref, err := e.NewReferenceSet(records)
	if err != nil {
		return nil, err
	}

	queries := make([]Query, len(records))
	for i, r := range records {
		id := r.ID
		queries[i] = Query{Record: r, Exclude: &id, Partition: PartitionAll}
	}
	return &Plan{Mode: ModeWhole, Reference: ref, Queries: queries}, nil
}

// PlanPartitioned builds the reference set from the training partition only.
// Training queries exclude themselves, test queries see the whole training
// partition. Overlapping ids fail the plan before anything is indexed.
func (e *Estimator) PlanPartitioned(train, test []Record) (*Plan, error) {
	trainIDs := make(map[int64]struct{}, len(train))
	for _, r := range train {
		trainIDs[r.ID] = struct{}{}
	}
	testIDs := make(map[int64]struct{}, len(test))
	for _, r := range test {
		if _, ok := trainIDs[r.ID]; ok {
			return nil, fmt.Errorf("%w: id %d", ErrPartitionOverlap, r.ID)
		}
		if _, ok := testIDs[r.ID]; ok {
			return nil, fmt.Errorf("%w: %d in test partition", ErrDuplicateID, r.ID)
		}
		testIDs[r.ID] = struct{}{}
	}

	ref, err := e.NewReferenceSet(train)
	if err != nil {
		return nil, err
	}

	queries := make([]Query, 0, len(train)+len(test))
	for _, r := range train {
		id := r.ID
		queries = append(queries, Query{Record: r, Exclude: &id, Partition: PartitionTrain})
	}
	for _, r := range test {
		queries = append(queries, Query{Record: r, Partition: PartitionTest})
	}
	return &Plan{Mode: ModePartitioned, Reference: ref, Queries: queries}, nil
}

// EstimateOne answers a single query against ref.
func (e *Estimator) EstimateOne(ref *ReferenceSet, q Query) (Estimate, error) {
	k := q.K
	if k <= 0 {
		k = e.opts.K
	}

	hits, neighbors, err := ref.Nearest(spatial.Query{Location: q.Record.Location, Exclude: q.Exclude}, k)
	degraded := false
	if err != nil {
		if !errors.Is(err, spatial.ErrInsufficientNeighbors) {
			return Estimate{}, err
		}
		if len(neighbors) == 0 {
			return Estimate{}, fmt.Errorf("%w: %w", ErrEmptyNeighborSet, err)
		}
		if e.opts.Policy != PolicyDegrade {
			return Estimate{}, err
		}
		degraded = true
	}

	est, err := EstimateFromNeighbors(neighbors, q)
	if err != nil {
		return Estimate{}, err
	}
	est.NeighborDistances = make([]float64, len(hits))
	for i, hit := range hits {
		est.NeighborDistances[i] = hit.Distance
	}
	est.Degraded = degraded
	return est, nil
}

// EstimatePoint estimates an arbitrary location that is not part of ref.
func (e *Estimator) EstimatePoint(ref *ReferenceSet, location orb.Point, area float64, k int) (Estimate, error) {
	record, err := MakeRecord(0, location.Lat(), location.Lon(), area, 1)
	if err != nil {
		return Estimate{}, err
	}
	est, err := e.EstimateOne(ref, Query{Record: record, Partition: PartitionAll, K: k})
	if err != nil {
		return Estimate{}, err
	}
	return est, nil
}

type outcome struct {
	estimate Estimate
	err      error
}

// EstimateBatch runs queries against ref on the configured number of
// workers. Record failures are collected in the report; the returned error
// is only set when ctx ends before all queries ran.
func (e *Estimator) EstimateBatch(ctx context.Context, ref *ReferenceSet, queries []Query) (*Report, error) {
	start := time.Now()
	results := make([]outcome, len(queries))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Workers)
	for i := range queries {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			est, err := e.EstimateOne(ref, queries[i])
			results[i] = outcome{estimate: est, err: err}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("estimation interrupted: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("estimation interrupted: %w", err)
	}

	report := &Report{Estimates: make([]Estimate, 0, len(queries))}
	for i, res := range results {
		if res.err != nil {
			report.Failures = append(report.Failures, RecordError{
				ID:        queries[i].Record.ID,
				Partition: queries[i].Partition,
				Err:       res.err,
			})
			continue
		}
		report.Estimates = append(report.Estimates, res.estimate)
	}

	e.logger.WithFields(logrus.Fields{
		"queries":   len(queries),
		"estimated": len(report.Estimates),
		"failed":    len(report.Failures),
		"reference": ref.Len(),
		"strategy":  ref.Strategy(),
		"duration":  time.Since(start).String(),
	}).Debug("Estimated batch")
	return report, nil
}

// Execute runs every query of the plan
func (e *Estimator) Execute(ctx context.Context, plan *Plan) (*Report, error) {
	return e.EstimateBatch(ctx, plan.Reference, plan.Queries)
}

// WholePopulation estimates every record from all other records
func (e *Estimator) WholePopulation(ctx context.Context, records []Record) (*Report, error) {
	plan, err := e.PlanWholePopulation(records)
	if err != nil {
		return nil, err
	}
	return e.Execute(ctx, plan)
}

// Partitioned estimates training and test records from the training
// partition only
func (e *Estimator) Partitioned(ctx context.Context, train, test []Record) (*Report, error) {
	plan, err := e.PlanPartitioned(train, test)
	if err != nil {
		return nil, err
	}
	return e.Execute(ctx, plan)
}
