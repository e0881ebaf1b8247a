package queue_test

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"subsidyflow/features/queue"
)

func TestHandler_Summary(t *testing.T) {
	repo := new(MockRepo)
	repo.On("Summary", mock.Anything).Return([]queue.StatusCount{{JobType: queue.JobExtractForms, Status: queue.StatusQueued, Count: 4}}, nil)

	w := httptest.NewRecorder()
	queue.NewHandler(newScheduler(repo, &recordingLedger{})).Summary(w, httptest.NewRequest("GET", "/queue/summary", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Data []queue.StatusCount `json:"data"`
		Meta map[string]int      `json:"meta"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, 4, body.Data[0].Count)
	assert.Equal(t, 1, body.Meta["count"])
}

func TestHandler_Summary_Error(t *testing.T) {
	repo := new(MockRepo)
	repo.On("Summary", mock.Anything).Return(nil, errors.New("db down"))

	w := httptest.NewRecorder()
	queue.NewHandler(newScheduler(repo, &recordingLedger{})).Summary(w, httptest.NewRequest("GET", "/queue/summary", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), `"code":"INTERNAL_ERROR"`)
}

func TestHandler_Run(t *testing.T) {
	repo := new(MockRepo)
	shard := 5
	repo.On("ReclaimExpired", mock.Anything, now).Return(0, nil)
	repo.On("BackfillShardKeys", mock.Anything, 500).Return(0, nil)
	repo.On("SelectQueued", mock.Anything, &shard, 3).Return([]queue.Job{}, nil)

	h := queue.NewHandler(newScheduler(repo, &recordingLedger{}))

	w := httptest.NewRecorder()
	h.Run(w, httptest.NewRequest("POST", "/queue/run", strings.NewReader(`{"shard":5,"batchSize":3}`)))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"owner":"w1:`)
	repo.AssertExpectations(t)
}

func TestHandler_Run_ClampsBatchSize(t *testing.T) {
	repo := new(MockRepo)
	repo.On("ReclaimExpired", mock.Anything, now).Return(0, nil)
	repo.On("BackfillShardKeys", mock.Anything, 500).Return(0, nil)
	repo.On("SelectQueued", mock.Anything, (*int)(nil), queue.DefaultMaxBatch).Return([]queue.Job{}, nil)

	h := queue.NewHandler(newScheduler(repo, &recordingLedger{}))

	w := httptest.NewRecorder()
	h.Run(w, httptest.NewRequest("POST", "/queue/run", strings.NewReader(`{"batchSize":1000000}`)))

	require.Equal(t, http.StatusOK, w.Code)
	repo.AssertExpectations(t)
}

func TestHandler_Run_BadRequests(t *testing.T) {
	h := queue.NewHandler(newScheduler(new(MockRepo), &recordingLedger{}))

	for _, body := range []string{`{"shard":16}`, `{"shard":-1}`, `not json`} {
		w := httptest.NewRecorder()
		h.Run(w, httptest.NewRequest("POST", "/queue/run", strings.NewReader(body)))
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
	}
}

func TestHandler_Enqueue(t *testing.T) {
	repo := new(MockRepo)
	repo.On("EligibleSubsidies", mock.Anything, queue.JobEnrichLLM, 5).Return([]string{}, nil)

	h := queue.NewHandler(newScheduler(repo, &recordingLedger{}))

	w := httptest.NewRecorder()
	h.Enqueue(w, httptest.NewRequest("POST", "/queue/enqueue", strings.NewReader(`{"jobTypes":["enrich_llm"],"cap":5}`)))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"inserted":0`)

	w = httptest.NewRecorder()
	h.Enqueue(w, httptest.NewRequest("POST", "/queue/enqueue", strings.NewReader(`{"jobTypes":["enrich_fax"]}`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	repo.AssertExpectations(t)
}

func TestHandler_Requeue(t *testing.T) {
	repo := new(MockRepo)
	repo.On("Requeue", mock.Anything, "sub-1", queue.JobExtractForms, now).Return(true, nil).Once()
	repo.On("Requeue", mock.Anything, "sub-2", queue.JobExtractForms, now).Return(false, nil).Once()

	h := queue.NewHandler(newScheduler(repo, &recordingLedger{}))

	w := httptest.NewRecorder()
	h.Requeue(w, httptest.NewRequest("POST", "/queue/requeue", strings.NewReader(`{"subsidyId":"sub-1","jobType":"extract_forms"}`)))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	h.Requeue(w, httptest.NewRequest("POST", "/queue/requeue", strings.NewReader(`{"subsidyId":"sub-2","jobType":"extract_forms"}`)))
	assert.Equal(t, http.StatusConflict, w.Code)

	w = httptest.NewRecorder()
	h.Requeue(w, httptest.NewRequest("POST", "/queue/requeue", strings.NewReader(`{"subsidyId":"sub-3"}`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	repo.AssertExpectations(t)
}
