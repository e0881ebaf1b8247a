package failure_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"subsidyflow/features/failure"
)

type MockRepo struct {
	mock.Mock
}

func (m *MockRepo) Upsert(ctx context.Context, f *failure.Failure) error {
	args := m.Called(ctx, f)
	return args.Error(0)
}

func (m *MockRepo) SetStatus(ctx context.Context, k failure.Key, from []failure.Status, to failure.Status, note string, at *time.Time) (bool, error) {
	args := m.Called(ctx, k, from, to, note, at)
	return args.Bool(0), args.Error(1)
}

func (m *MockRepo) List(ctx context.Context, filter failure.Filter) ([]failure.Failure, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]failure.Failure), args.Error(1)
}

func (m *MockRepo) OpenCounts(ctx context.Context) ([]failure.OpenCount, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]failure.OpenCount), args.Error(1)
}

func clock() time.Time { return now }

func TestReason_Priority(t *testing.T) {
	assert.Equal(t, 1, failure.ReasonFetchFailed.Priority())
	assert.Equal(t, 2, failure.ReasonParseFailed.Priority())
	assert.Equal(t, 4, failure.ReasonCostGuardBlocked.Priority())
	assert.Equal(t, 6, failure.ReasonFieldsInsufficient.Priority())
	assert.False(t, failure.Reason("SOMETHING").Valid())
}

func TestLedger_Record_SetsPriorityAndTimestamp(t *testing.T) {
	repo := new(MockRepo)
	repo.On("Upsert", mock.Anything, mock.MatchedBy(func(f *failure.Failure) bool {
		return f.Priority == 5 && f.LastOccurredAt.Equal(now) && f.Stage == failure.StageFormsGate
	})).Return(nil)

	failure.NewLedger(repo).WithClock(clock).Record(context.Background(), failure.Failure{
		SubsidyID: "sub-1", Stage: failure.StageFormsGate, Reason: failure.ReasonFormsNotFound, Message: "found 1 forms",
	})

	repo.AssertExpectations(t)
}

func TestLedger_Record_TruncatesMessage(t *testing.T) {
	repo := new(MockRepo)
	repo.On("Upsert", mock.Anything, mock.MatchedBy(func(f *failure.Failure) bool {
		return len([]rune(f.Message)) == 2000
	})).Return(nil)

	failure.NewLedger(repo).Record(context.Background(), failure.Failure{
		SubsidyID: "sub-1", Stage: failure.StageExtract, Reason: failure.ReasonFetchFailed, Message: strings.Repeat("失", 2500),
	})

	repo.AssertExpectations(t)
}

func TestLedger_SwallowsErrors(t *testing.T) {
	repo := new(MockRepo)
	repo.On("Upsert", mock.Anything, mock.Anything).Return(errors.New("relation \"extraction_failures\" does not exist"))
	repo.On("SetStatus", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(false, errors.New("db down"))
	repo.On("OpenCounts", mock.Anything).Return(nil, errors.New("db down"))

	l := failure.NewLedger(repo)
	key := failure.Key{SubsidyID: "sub-1", Stage: failure.StageExtract}

	assert.NotPanics(t, func() {
		l.Record(context.Background(), failure.Failure{SubsidyID: "sub-1", Stage: failure.StageExtract, Reason: failure.ReasonFetchFailed})
	})
	assert.False(t, l.Resolve(context.Background(), key, ""))
	assert.False(t, l.Ignore(context.Background(), key, ""))
	assert.False(t, l.Reopen(context.Background(), key, ""))

	s := l.Summary(context.Background())
	assert.Equal(t, 0, s.TotalOpen)
	assert.Empty(t, s.ByReason)
	assert.NotNil(t, s.ByReason)
}

func TestLedger_Transitions(t *testing.T) {
	repo := new(MockRepo)
	key := failure.Key{SubsidyID: "sub-1", URL: "https://x/a.pdf", Stage: failure.StageExtract}
	at := now

	repo.On("SetStatus", mock.Anything, key, []failure.Status{failure.StatusOpen}, failure.StatusResolved, "fixed", &at).Return(true, nil)
	repo.On("SetStatus", mock.Anything, key, []failure.Status{failure.StatusOpen}, failure.StatusIgnored, "won't fix", &at).Return(true, nil)
	repo.On("SetStatus", mock.Anything, key, []failure.Status{failure.StatusResolved, failure.StatusIgnored}, failure.StatusOpen, "", (*time.Time)(nil)).Return(false, nil)

	l := failure.NewLedger(repo).WithClock(clock)

	assert.True(t, l.Resolve(context.Background(), key, "fixed"))
	assert.True(t, l.Ignore(context.Background(), key, "won't fix"))
	assert.False(t, l.Reopen(context.Background(), key, ""))
	repo.AssertExpectations(t)
}

func TestLedger_Summary_OrderedByPriority(t *testing.T) {
	repo := new(MockRepo)
	repo.On("OpenCounts", mock.Anything).Return([]failure.OpenCount{
		{Reason: failure.ReasonFieldsInsufficient, Stage: failure.StageFormsGate, Count: 7},
		{Reason: failure.ReasonCostGuardBlocked, Stage: failure.CostGuardStage("firecrawl"), Count: 2},
		{Reason: failure.ReasonFetchFailed, Stage: failure.StageExtract, Count: 1},
		{Reason: failure.ReasonFormsNotFound, Stage: failure.StageFormsGate, Count: 3},
	}, nil)

	s := failure.NewLedger(repo).Summary(context.Background())

	assert.Equal(t, 13, s.TotalOpen)
	assert.Equal(t, []failure.ReasonCount{
		{Reason: failure.ReasonFetchFailed, Priority: 1, Count: 1},
		{Reason: failure.ReasonCostGuardBlocked, Priority: 4, Count: 2},
		{Reason: failure.ReasonFormsNotFound, Priority: 5, Count: 3},
		{Reason: failure.ReasonFieldsInsufficient, Priority: 6, Count: 7},
	}, s.ByReason)
	assert.Equal(t, []failure.StageCount{
		{Stage: failure.StageFormsGate, Count: 10},
		{Stage: "cost_guard:firecrawl", Count: 2},
		{Stage: failure.StageExtract, Count: 1},
	}, s.ByStage)
}
