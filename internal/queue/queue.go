package queue

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"pricemap/server/internal/models"
)

var (
	ErrQueueFull   = errors.New("queue is full")
	ErrQueueClosed = errors.New("queue is closed")
)

// Handler consumes one batch of estimates
type Handler func([]*models.Estimate) error

// EstimateQueue represents an in-memory queue for estimate batches
type EstimateQueue struct {
	items    chan []*models.Estimate
	stopped  chan struct{}
	maxSize  int
	closed   bool
	started  atomic.Bool
	mu       sync.RWMutex
	logger   *logrus.Logger
	handlers []Handler
}

// NewEstimateQueue creates a new estimate queue with the specified buffer size
func NewEstimateQueue(bufferSize int, logger *logrus.Logger) *EstimateQueue {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)
	}
	return &EstimateQueue{
		items:    make(chan []*models.Estimate, bufferSize),
		stopped:  make(chan struct{}),
		maxSize:  bufferSize,
		logger:   logger,
		handlers: make([]Handler, 0),
	}
}

// Push adds a batch to the queue, waiting for room until ctx ends
func (q *EstimateQueue) Push(ctx context.Context, batch []*models.Estimate) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.items <- batch:
		q.logger.WithField("batch_size", len(batch)).Debug("Pushed batch to queue")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryPush adds a batch without waiting
func (q *EstimateQueue) TryPush(batch []*models.Estimate) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.items <- batch:
		q.logger.WithField("batch_size", len(batch)).Debug("Pushed batch to queue")
		return nil
	default:
		return ErrQueueFull
	}
}

// Subscribe adds a handler function that will be called for each batch
func (q *EstimateQueue) Subscribe(handler Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers = append(q.handlers, handler)
}

// Start begins processing items in the queue. It does not take the queue
// lock so that pushes blocked on a full buffer can complete.
func (q *EstimateQueue) Start() {
	if q.started.CompareAndSwap(false, true) {
		go q.process()
	}
}

// process handles batches until the queue is closed and drained
func (q *EstimateQueue) process() {
	defer close(q.stopped)
	for batch := range q.items {
		q.processBatch(batch)
	}
}

// processBatch sends the batch to all subscribed handlers
func (q *EstimateQueue) processBatch(batch []*models.Estimate) {
	q.mu.RLock()
	handlers := q.handlers
	q.mu.RUnlock()

	for _, handler := range handlers {
		if err := handler(batch); err != nil {
			q.logger.WithError(err).Error("Handler failed to process batch")
		}
	}
}

// Close stops intake and, if the queue was started, waits until every
// queued batch has been handled
func (q *EstimateQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.items)
	q.mu.Unlock()

	if q.started.Load() {
		<-q.stopped
	}
	return nil
}

// Len returns the current number of batches in the queue
func (q *EstimateQueue) Len() int {
	return len(q.items)
}

// IsClosed returns whether the queue has been closed
func (q *EstimateQueue) IsClosed() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.closed
}
