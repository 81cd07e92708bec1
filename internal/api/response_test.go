package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dripcheck/dripcheck/internal/governance"
)

func TestHandleError_Rejection(t *testing.T) {
	rec := httptest.NewRecorder()
	err := fmt.Errorf("checking ip: %w",
		governance.RejectWithCounts(governance.KindIPLimitExceeded, "too many accounts", 3, 3))

	HandleError(rec, err)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "IP_LIMIT_EXCEEDED", body["errorKind"])
	assert.Equal(t, "too many accounts", body["message"])
	assert.EqualValues(t, 3, body["currentCount"])
	assert.EqualValues(t, 3, body["maxAllowed"])
}

func TestHandleError_RejectionWithoutCounts(t *testing.T) {
	rec := httptest.NewRecorder()
	HandleError(rec, governance.Reject(governance.KindEmergencyStopped, "service paused"))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotContains(t, rec.Body.String(), "currentCount")
}

func TestHandleError_AppErrorAndUnknown(t *testing.T) {
	rec := httptest.NewRecorder()
	HandleError(rec, NewConflictError("username already taken"))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.JSONEq(t, `{"error":"username already taken"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	HandleError(rec, fmt.Errorf("boom"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"internal server error"}`, rec.Body.String())
}

func TestJSON_Envelope(t *testing.T) {
	rec := httptest.NewRecorder()
	JSON(rec, http.StatusOK, map[string]int{"n": 1})
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"data":{"n":1}}`, rec.Body.String())
}
