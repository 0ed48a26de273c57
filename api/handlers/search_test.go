package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/hybridrag/api"
	"github.com/BaSui01/hybridrag/rag"
	"github.com/BaSui01/hybridrag/types"
)

// stubSearcher 记录调用参数的检索桩
type stubSearcher struct {
	results []rag.SearchResult
	err     error

	calls     int
	lastMode  rag.SearchMode
	lastQuery string
	lastK     int
}

func (s *stubSearcher) Search(ctx context.Context, mode rag.SearchMode, query string, k int) ([]rag.SearchResult, error) {
	s.calls++
	s.lastMode, s.lastQuery, s.lastK = mode, query, k
	return s.results, s.err
}

func newSearchRouter(s Searcher) http.Handler {
	return NewRouter(Routes{Search: NewSearchHandler(s, zap.NewNop()), Logger: zap.NewNop()})
}

func postSearch(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestSearchHandler_Modes(t *testing.T) {
	results := []rag.SearchResult{{
		Content: "Acme was founded by Alice Smith.",
		Score:   0.91,
		Provenance: rag.Provenance{
			Kind:       rag.ProvenanceChunk,
			DocumentID: "doc-1",
			ChunkID:    "chunk-1",
		},
		Sources: []rag.SearchSource{rag.SourceVector},
	}}

	for _, typ := range []string{"vector", "graph", "hybrid"} {
		t.Run(typ, func(t *testing.T) {
			s := &stubSearcher{results: results}
			w := postSearch(t, newSearchRouter(s), "/search/"+typ, `{"query":"who founded Acme?","limit":3}`)

			require.Equal(t, http.StatusOK, w.Code)
			var resp api.SearchResponse
			require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
			assert.Equal(t, typ, resp.SearchType)
			assert.Equal(t, 1, resp.TotalResults)
			assert.GreaterOrEqual(t, resp.QueryTimeMS, 0.0)
			require.Len(t, resp.Results, 1)
			assert.Equal(t, "doc-1", resp.Results[0].Provenance.DocumentID)

			assert.Equal(t, rag.SearchMode(typ), s.lastMode)
			assert.Equal(t, "who founded Acme?", s.lastQuery)
			assert.Equal(t, 3, s.lastK)
		})
	}
}

func TestSearchHandler_Limit(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		wantK int
	}{
		{name: "default", body: `{"query":"acme"}`, wantK: defaultSearchLimit},
		{name: "capped", body: `{"query":"acme","limit":500}`, wantK: maxSearchLimit},
		{name: "explicit", body: `{"query":"acme","limit":7}`, wantK: 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &stubSearcher{}
			w := postSearch(t, newSearchRouter(s), "/search/vector", tt.body)
			require.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, tt.wantK, s.lastK)
		})
	}
}

func TestSearchHandler_EmptyResultsIsArray(t *testing.T) {
	w := postSearch(t, newSearchRouter(&stubSearcher{}), "/search/graph", `{"query":"nobody"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"results":[]`)
}

func TestSearchHandler_Errors(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		body       string
		err        error
		wantStatus int
		wantCalls  int
	}{
		{name: "unknown type", path: "/search/keyword", body: `{"query":"acme"}`, wantStatus: http.StatusNotFound},
		{name: "negative limit", path: "/search/vector", body: `{"query":"acme","limit":-1}`, wantStatus: http.StatusBadRequest},
		{name: "malformed body", path: "/search/vector", body: `{"query":`, wantStatus: http.StatusBadRequest},
		{
			name:       "empty query from engine",
			path:       "/search/vector",
			body:       `{"query":"  "}`,
			err:        types.NewInvalidRequestError("query is required"),
			wantStatus: http.StatusBadRequest,
			wantCalls:  1,
		},
		{
			name:       "store unavailable",
			path:       "/search/hybrid",
			body:       `{"query":"acme"}`,
			err:        types.NewStoreUnavailable("qdrant", errors.New("connection reset")),
			wantStatus: http.StatusServiceUnavailable,
			wantCalls:  1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &stubSearcher{err: tt.err}
			w := postSearch(t, newSearchRouter(s), tt.path, tt.body)

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, tt.wantCalls, s.calls)
			assert.NotContains(t, w.Body.String(), "connection reset")
			resp := decodeResponse(t, w)
			assert.False(t, resp.Success)
			require.NotNil(t, resp.Error)
		})
	}
}

func TestSearchHandler_MethodNotAllowed(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/search/vector", nil)
	w := httptest.NewRecorder()
	newSearchRouter(&stubSearcher{}).ServeHTTP(w, req)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}
