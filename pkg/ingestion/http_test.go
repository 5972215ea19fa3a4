package ingestion

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleIngest(t *testing.T) {
	router := mux.NewRouter()
	NewHTTPHandler(newTestService(2, nil), 1<<20).Register(router)

	body := fmt.Sprintf(`{"source":"ehr","records":[%s,%s,{"resourceType":"Observation"}]}`,
		bundleJSON(t, "p-2", 130), bundleJSON(t, "p-1", 140))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/ingest", strings.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code)

	var res BatchResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	assert.Equal(t, 3, res.Diagnostics.Records)
	assert.Equal(t, 2, res.Diagnostics.Normalized)
	require.Len(t, res.Diagnostics.Failures, 1)
	assert.Equal(t, "ehr#2", res.Diagnostics.Failures[0].Source)
}

func TestHandleIngestRejectsBadBodies(t *testing.T) {
	router := mux.NewRouter()
	NewHTTPHandler(newTestService(1, nil), 1<<20).Register(router)

	for _, body := range []string{`{`, `{"records":[]}`} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/ingest", bytes.NewBufferString(body)))
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/ingest/unknown", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
