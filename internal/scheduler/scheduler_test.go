package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"pricemap/server/internal/models"
	"pricemap/server/internal/processor"
)

// MockRunner is a mock implementation of Runner
type MockRunner struct {
	mock.Mock
	mu    sync.Mutex
	calls []string
}

func (m *MockRunner) Run(ctx context.Context, req processor.RunRequest) (*processor.RunResult, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req.Segment)
	m.mu.Unlock()

	args := m.Called(req)
	result, _ := args.Get(0).(*processor.RunResult)
	return result, args.Error(1)
}

func (m *MockRunner) segments() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func finished(id string) *processor.RunResult {
	return &processor.RunResult{Run: &models.EstimationRun{ID: id, Status: models.RunStatusFinished}}
}

func TestSchedulerStartupRun(t *testing.T) {
	// Setup
	runner := &MockRunner{}
	runner.On("Run", processor.RunRequest{Segment: "buy", Mode: "whole"}).Return(finished("run-buy"), nil).Once()
	runner.On("Run", processor.RunRequest{Segment: "rent", Mode: "whole"}).Return(nil, errors.New("no apartments")).Once()

	s := NewScheduler(runner, logrus.New(), []string{"buy", "rent"}, "whole", 0, true)

	// Test
	s.Start()
	assert.Eventually(t, func() bool { return len(runner.segments()) == 2 }, time.Second, 5*time.Millisecond)
	s.Stop()

	// Assert
	assert.Equal(t, []string{"buy", "rent"}, runner.segments())
	runner.AssertExpectations(t)
}

func TestSchedulerInterval(t *testing.T) {
	runner := &MockRunner{}
	runner.On("Run", mock.Anything).Return(finished("run"), nil)

	s := NewScheduler(runner, logrus.New(), []string{"buy"}, "partitioned", 10*time.Millisecond, false)
	s.Start()

	assert.Eventually(t, func() bool { return len(runner.segments()) >= 3 }, time.Second, 5*time.Millisecond)
	s.Stop()

	count := len(runner.segments())
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, count, len(runner.segments()), "no runs after Stop")
	runner.AssertCalled(t, "Run", processor.RunRequest{Segment: "buy", Mode: "partitioned"})
}

func TestSchedulerDisabled(t *testing.T) {
	runner := &MockRunner{}
	s := NewScheduler(runner, nil, []string{"buy"}, "whole", 0, false)

	s.Start()
	s.Stop()

	runner.AssertNotCalled(t, "Run", mock.Anything)
}
