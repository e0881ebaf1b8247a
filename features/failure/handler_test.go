package failure_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"subsidyflow/features/failure"
)

func TestHandler_List(t *testing.T) {
	repo := new(MockRepo)
	repo.On("List", mock.Anything, failure.Filter{Status: failure.StatusOpen, Stage: "extract", Limit: 10}).
		Return([]failure.Failure{{ID: 1, SubsidyID: "sub-1", Stage: "extract", Reason: failure.ReasonFetchFailed}}, nil)

	h := failure.NewHandler(failure.NewLedger(repo))
	req := httptest.NewRequest("GET", "/failures?status=open&stage=extract&limit=10", nil)
	w := httptest.NewRecorder()

	h.List(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Data []failure.Failure `json:"data"`
		Meta map[string]int    `json:"meta"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Len(t, body.Data, 1)
	assert.Equal(t, 1, body.Meta["count"])
}

func TestHandler_List_BadParams(t *testing.T) {
	h := failure.NewHandler(failure.NewLedger(new(MockRepo)))

	for _, url := range []string{"/failures?limit=abc", "/failures?reason=NOPE"} {
		w := httptest.NewRecorder()
		h.List(w, httptest.NewRequest("GET", url, nil))
		assert.Equal(t, http.StatusBadRequest, w.Code, url)
	}
}

func TestHandler_Summary(t *testing.T) {
	repo := new(MockRepo)
	repo.On("OpenCounts", mock.Anything).Return([]failure.OpenCount{{Reason: failure.ReasonFetchFailed, Stage: "extract", Count: 2}}, nil)

	w := httptest.NewRecorder()
	failure.NewHandler(failure.NewLedger(repo)).Summary(w, httptest.NewRequest("GET", "/failures/summary", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"totalOpen":2`)
}

func TestHandler_Resolve(t *testing.T) {
	repo := new(MockRepo)
	key := failure.Key{SubsidyID: "sub-1", Stage: "forms_gate"}
	repo.On("SetStatus", mock.Anything, key, []failure.Status{failure.StatusOpen}, failure.StatusResolved, "checked", mock.Anything).Return(true, nil).Once()
	repo.On("SetStatus", mock.Anything, key, []failure.Status{failure.StatusOpen}, failure.StatusResolved, "again", mock.Anything).Return(false, nil).Once()

	h := failure.NewHandler(failure.NewLedger(repo))

	w := httptest.NewRecorder()
	h.Resolve(w, httptest.NewRequest("POST", "/failures/resolve", strings.NewReader(`{"subsidyId":"sub-1","stage":"forms_gate","note":"checked"}`)))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	h.Resolve(w, httptest.NewRequest("POST", "/failures/resolve", strings.NewReader(`{"subsidyId":"sub-1","stage":"forms_gate","note":"again"}`)))
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), `"code":"CONFLICT"`)

	repo.AssertExpectations(t)
}

func TestHandler_Transition_Validation(t *testing.T) {
	h := failure.NewHandler(failure.NewLedger(new(MockRepo)))

	w := httptest.NewRecorder()
	h.Ignore(w, httptest.NewRequest("POST", "/failures/ignore", strings.NewReader(`not json`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	h.Reopen(w, httptest.NewRequest("POST", "/failures/reopen", strings.NewReader(`{"subsidyId":"sub-1"}`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "correlationId")
}
