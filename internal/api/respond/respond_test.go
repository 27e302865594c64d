package respond

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteErrorDetail(rec, http.StatusBadRequest, "VALIDATION_FAILED", "lat is required", "lat")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "VALIDATION_FAILED", body.Error.Code)
	assert.Equal(t, "lat is required", body.Error.Message)
	assert.Equal(t, "lat", body.Error.Detail)
}

func TestWriteError_OmitsEmptyDetail(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, http.StatusUnauthorized, "UNAUTHENTICATED", "missing bearer token")
	assert.NotContains(t, rec.Body.String(), "detail")
}

func TestWriteJSONObject(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteJSONObject(rec, http.StatusOK, map[string]int{"broadcastCount": 3})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"broadcastCount":3}`, rec.Body.String())
}
