package worker_test

import (
	"context"
	"testing"

	"github.com/nsqio/go-nsq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"subsidyflow/features/queue"
	"subsidyflow/internal/middleware"
	"subsidyflow/internal/worker"
)

type MockSweeper struct{ mock.Mock }

func (m *MockSweeper) Enqueue(ctx context.Context, opts queue.EnqueueOptions) queue.EnqueueReport {
	args := m.Called(ctx, opts)
	return args.Get(0).(queue.EnqueueReport)
}

func (m *MockSweeper) Run(ctx context.Context, opts queue.RunOptions) queue.RunReport {
	args := m.Called(ctx, opts)
	return args.Get(0).(queue.RunReport)
}

func withCorrelation(id string) interface{} {
	return mock.MatchedBy(func(ctx context.Context) bool {
		return middleware.GetCorrelationID(ctx) == id
	})
}

func TestRunConsumer_EnqueueAndConsume(t *testing.T) {
	s := new(MockSweeper)
	shard := 3
	s.On("Enqueue", withCorrelation("corr-1"), queue.EnqueueOptions{JobTypes: []queue.JobType{queue.JobExtractForms}}).
		Return(queue.EnqueueReport{Inserted: 2})
	s.On("Run", withCorrelation("corr-1"), queue.RunOptions{BatchSize: 5, Shard: &shard}).
		Return(queue.RunReport{Claimed: 2, Completed: 2})

	msg := &nsq.Message{Body: []byte(`{"enqueue":true,"shard":3,"batch_size":5,"job_types":["extract_forms"],"correlation_id":"corr-1"}`)}

	assert.NoError(t, worker.NewRunConsumer(s).HandleMessage(msg))
	s.AssertExpectations(t)
}

func TestRunConsumer_ConsumeOnlyByDefault(t *testing.T) {
	s := new(MockSweeper)
	s.On("Run", mock.MatchedBy(func(ctx context.Context) bool {
		return middleware.GetCorrelationID(ctx) != ""
	}), queue.RunOptions{}).Return(queue.RunReport{})

	assert.NoError(t, worker.NewRunConsumer(s).HandleMessage(&nsq.Message{Body: []byte(`{}`)}))
	s.AssertExpectations(t)
	s.AssertNotCalled(t, "Enqueue", mock.Anything, mock.Anything)
}

func TestRunConsumer_EnqueueOnly(t *testing.T) {
	s := new(MockSweeper)
	s.On("Enqueue", mock.Anything, queue.EnqueueOptions{}).Return(queue.EnqueueReport{})

	msg := &nsq.Message{Body: []byte(`{"enqueue":true,"consume":false}`)}

	assert.NoError(t, worker.NewRunConsumer(s).HandleMessage(msg))
	s.AssertExpectations(t)
	s.AssertNotCalled(t, "Run", mock.Anything, mock.Anything)
}

func TestRunConsumer_PoisonPills(t *testing.T) {
	bodies := []string{
		``,
		`invalid json`,
		`{"job_types":["enrich_fax"]}`,
		`{"shard":16}`,
		`{"shard":-1}`,
	}
	for _, body := range bodies {
		s := new(MockSweeper)
		err := worker.NewRunConsumer(s).HandleMessage(&nsq.Message{Body: []byte(body)})

		assert.NoError(t, err, body)
		s.AssertNotCalled(t, "Enqueue", mock.Anything, mock.Anything)
		s.AssertNotCalled(t, "Run", mock.Anything, mock.Anything)
	}
}
