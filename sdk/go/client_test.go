package obralinesdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdvanceGatedError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v0/programs/obras-2025/entities/obra-1/advance", r.URL.Path)
		assert.Equal(t, "k1", r.Header.Get("X-Api-Key"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{
			"code":    "stage_gated",
			"message": "stage gated",
			"details": map[string]any{"stage": "planning", "missing": []string{"proyecto-ejecutivo"}},
		}})
	}))
	defer srv.Close()

	c := New(srv.URL, "obras-2025")
	c.APIKey = "k1"
	_, err := c.Advance(context.Background(), "obra-1")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
	assert.True(t, apiErr.Gated())
	assert.Equal(t, "planning", apiErr.Details["stage"])
}

func TestSummaryQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v0/programs/obras-2025/summary", r.URL.Path)
		assert.Equal(t, "gasto,indicadores", r.URL.Query().Get("modules"))
		assert.Equal(t, "desc", r.URL.Query().Get("order"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"program_id": "obras-2025",
			"rows":       []map[string]any{{"entity_id": "b", "score": 90, "label": map[string]any{"level": "green"}}},
			"failures":   []map[string]any{{"entity_id": "c", "error": "module indicadores has no value"}},
		})
	}))
	defer srv.Close()

	c := New(srv.URL+"/", "obras-2025")
	c.BearerToken = "tok"
	sum, err := c.Summary(context.Background(), SummaryQuery{Modules: []string{"gasto", "indicadores"}, Order: "desc"})
	require.NoError(t, err)
	require.Len(t, sum.Rows, 1)
	assert.Equal(t, "green", sum.Rows[0].Label.Level)
	require.Len(t, sum.Failures, 1)
	assert.Equal(t, "c", sum.Failures[0].EntityID)
}
