package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandler(t *testing.T) {
	m := NewMonitor()
	m.Update("pipeline:logs", NewDegraded("", "waiting for sinks"))
	h := Handler(m, "eventpipe")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, StateDegraded, body.Status)
	assert.Len(t, body.SubStatuses, 1)

	m.Update("pipeline:metrics", NewUnhealthy("", "stopped"))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health?verbose=false", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	body = Status{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Empty(t, body.SubStatuses)
}
