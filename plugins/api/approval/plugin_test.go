package approval

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rom8726/helio"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func resumeWith(key string, decision Decision, idempotencyKey string) any {
	return mock.MatchedBy(func(req helio.ResumeRequest) bool {
		var got Decision
		if err := json.Unmarshal(req.Event, &got); err != nil {
			return false
		}

		return req.CorrelationKey == key && got == decision && req.IdempotencyKey == idempotencyKey
	})
}

func TestHandleDecision_Approve(t *testing.T) {
	mockEngine := helio.NewMockIEngine(t)

	expected := Decision{Approved: true, DecidedBy: "alice", Comment: "looks good"}
	mockEngine.On("Resume", mock.Anything, resumeWith("approval-42", expected, "hook-1")).
		Return(&helio.ResumeResult{InstanceID: 9, NodeID: "approve", Status: helio.StatusRunning}, nil)

	body, _ := json.Marshal(DecisionRequest{Comment: "looks good", IdempotencyKey: "hook-1"})
	req := httptest.NewRequest("POST", "/api/approvals/approval-42/approve", bytes.NewBuffer(body))
	req.SetPathValue("key", "approval-42")

	w := httptest.NewRecorder()

	handler := HandleDecision(mockEngine, func(*http.Request) (string, error) { return "alice", nil }, true)
	handler(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var result helio.ResumeResult
	require.NoError(t, json.NewDecoder(w.Body).Decode(&result))
	assert.Equal(t, int64(9), result.InstanceID)
	assert.Equal(t, "approve", result.NodeID)
}

func TestHandleDecision_RejectWithoutBody(t *testing.T) {
	mockEngine := helio.NewMockIEngine(t)

	mockEngine.On("Resume", mock.Anything, resumeWith("approval-7", Decision{Approved: false}, "")).
		Return(&helio.ResumeResult{InstanceID: 3, Status: helio.StatusRunning}, nil)

	req := httptest.NewRequest("POST", "/api/approvals/approval-7/reject", http.NoBody)
	req.SetPathValue("key", "approval-7")

	w := httptest.NewRecorder()

	handler := HandleDecision(mockEngine, nil, false)
	handler(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandleDecision_Errors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"no matching instance", &helio.NoMatchingInstanceError{CorrelationKey: "k"}, http.StatusNotFound},
		{"wrong state", &helio.WrongStateError{InstanceID: 1, Status: helio.StatusRunning, Operation: "resume"}, http.StatusConflict},
		{"internal", errors.New("database error"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockEngine := helio.NewMockIEngine(t)
			mockEngine.On("Resume", mock.Anything, mock.Anything).Return(nil, tt.err)

			req := httptest.NewRequest("POST", "/api/approvals/k/approve", nil)
			req.SetPathValue("key", "k")

			w := httptest.NewRecorder()

			handler := HandleDecision(mockEngine, nil, true)
			handler(w, req)

			assert.Equal(t, tt.code, w.Code)
		})
	}
}

func TestHandleDecision_ExtractUser_InternalError(t *testing.T) {
	mockEngine := helio.NewMockIEngine(t)

	req := httptest.NewRequest("POST", "/api/approvals/k/approve", nil)
	req.SetPathValue("key", "k")

	w := httptest.NewRecorder()

	handler := HandleDecision(mockEngine, func(*http.Request) (string, error) {
		return "", errors.New("internal error")
	}, true)
	handler(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestPlugin_RegisterRoutes(t *testing.T) {
	mockEngine := helio.NewMockIEngine(t)
	mockEngine.On("Resume", mock.Anything, resumeWith("inv-1", Decision{Approved: false}, "")).
		Return(&helio.ResumeResult{InstanceID: 1, Status: helio.StatusRunning}, nil)

	mux := http.NewServeMux()
	New(mockEngine, nil).RegisterRoutes(mux)

	req := httptest.NewRequest("POST", "/api/approvals/inv-1/reject", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}
