package handler

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FACorreiaa/snapshot-reconciler/internal/domain/import/repository"
	"github.com/FACorreiaa/snapshot-reconciler/internal/domain/import/service"
)

const sourceJSON = `{
	"fields": ["entry_date", "description", "amount", "running_total_inclusive"],
	"date_format": "%d/%m/%Y",
	"order": "oldest_first"
}`

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := service.NewEngine(repository.NewMemoryStore(), logger)

	r := chi.NewRouter()
	NewImportHandler(engine, logger).Routes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url, contentType, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestImportHandler_ImportFlow(t *testing.T) {
	srv := newTestServer(t)
	base := srv.URL + "/v1/accounts/checking"

	resp, _ := do(t, http.MethodPut, base+"/source", "application/json", sourceJSON)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := do(t, http.MethodGet, base+"/source", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "oldest_first", body["order"])

	snapshot := "01/01/2024,Opening,10.00,110.00\n02/01/2024,Coffee,-2.50,107.50\n"

	resp, body = do(t, http.MethodPost, base+"/imports:preview", "text/csv", snapshot)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["changed"])
	assert.Len(t, body["inserts"], 2)
	assert.Len(t, body["checkpoints"], 3)

	resp, body = do(t, http.MethodPost, base+"/imports", "text/csv", snapshot)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.NotNil(t, body["batch_id"])
	assert.Len(t, body["inserted"], 2)
	assert.Contains(t, body["warnings"], "no common lines between snapshots")

	payload, err := json.Marshal(map[string]string{"snapshot": snapshot})
	require.NoError(t, err)
	resp, body = do(t, http.MethodPost, base+"/imports", "application/json", string(payload))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["changed"])
	assert.Nil(t, body["batch_id"])

	resp, body = do(t, http.MethodGet, base+"/balance", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "107.50", body["balance"])

	resp, body = do(t, http.MethodGet, base+"/checkpoints", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["checkpoints"], 3)

	resp, body = do(t, http.MethodGet, base+"/imports", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["imports"], 1)

	resp, body = do(t, http.MethodGet, base+"/transactions?include_removed=true", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	txs := body["transactions"].([]any)
	require.Len(t, txs, 2)
	first := txs[0].(map[string]any)
	assert.Equal(t, "2024-01-01 00:00:00.000000.0", first["trans_id"])
	assert.Equal(t, "10.00", first["amount"])
}

func TestImportHandler_ReconciliationMismatch(t *testing.T) {
	srv := newTestServer(t)
	base := srv.URL + "/v1/accounts/checking"

	resp, _ := do(t, http.MethodPut, base+"/source", "application/json", sourceJSON)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := do(t, http.MethodPost, base+"/imports", "text/csv",
		"01/01/2024,Opening,10.00,110.00\n02/01/2024,Coffee,-2.50,100.00\n")
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "inserting", body["state"])

	resp, body = do(t, http.MethodGet, base+"/transactions", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, body["transactions"])
}

func TestImportHandler_Errors(t *testing.T) {
	srv := newTestServer(t)
	base := srv.URL + "/v1/accounts/checking"

	tests := []struct {
		name        string
		method      string
		path        string
		contentType string
		body        string
		want        int
	}{
		{"import without source", http.MethodPost, "/imports", "text/csv", "01/01/2024,A,1.00,1.00", http.StatusNotFound},
		{"source without entry date", http.MethodPut, "/source", "application/json", `{"fields":["amount"]}`, http.StatusBadRequest},
		{"source with unknown tag", http.MethodPut, "/source", "application/json", `{"fields":["entry_date","wat"]}`, http.StatusBadRequest},
		{"source without fields", http.MethodPut, "/source", "application/json", `{"fields":[]}`, http.StatusBadRequest},
		{"unknown json field", http.MethodPut, "/source", "application/json", `{"columns":[]}`, http.StatusBadRequest},
		{"empty json snapshot", http.MethodPost, "/imports", "application/json", `{"snapshot":""}`, http.StatusBadRequest},
		{"bad include_removed", http.MethodGet, "/transactions?include_removed=maybe", "", "", http.StatusBadRequest},
		{"bad relation", http.MethodPost, "/relations", "application/json", `{"from_id":"x","to_id":"y","kind":"transfer"}`, http.StatusBadRequest},
		{"relations without id", http.MethodGet, "/relations", "", "", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := do(t, tt.method, base+tt.path, tt.contentType, tt.body)
			assert.Equal(t, tt.want, resp.StatusCode)
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestImportHandler_SuggestSource(t *testing.T) {
	srv := newTestServer(t)

	resp, body := do(t, http.MethodPost, srv.URL+"/v1/sources:suggest", "text/csv",
		"Date,Description,Amount\n01/15/2024,Payroll,2500.00\n01/03/2024,Amazon,-29.99\n")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	s := body["schema"].(map[string]any)
	assert.Equal(t, []any{"entry_date", "description", "amount"}, s["fields"])
	assert.Equal(t, "newest_first", s["order"])
	assert.Len(t, body["fingerprint"], 64)

	resp, _ = do(t, http.MethodPost, srv.URL+"/v1/sources:suggest", "text/csv", "nothing to see")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
