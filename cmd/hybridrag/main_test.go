package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/hybridrag/rag"
)

func TestVersionCommand(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "HybridRAG "+Version)
	assert.Contains(t, out.String(), "Git Commit:")
}

func TestRootCommand_Subcommands(t *testing.T) {
	cmd := newRootCmd()
	var names []string
	for _, c := range cmd.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"serve", "ingest", "migrate", "health", "version"} {
		assert.Contains(t, names, want)
	}

	ingest, _, err := cmd.Find([]string{"ingest"})
	require.NoError(t, err)
	for _, flag := range []string{"dir", "clean", "fast", "verbose", "json"} {
		assert.NotNil(t, ingest.Flags().Lookup(flag), flag)
	}
}

func TestCheckHealth(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr bool
	}{
		{name: "healthy", status: http.StatusOK},
		{name: "unhealthy", status: http.StatusServiceUnavailable, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/health", r.URL.Path)
				w.WriteHeader(tt.status)
				fmt.Fprint(w, `{"status":"ok"}`)
			}))
			defer srv.Close()

			var out bytes.Buffer
			err := checkHealth(context.Background(), srv.URL, &out)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Contains(t, out.String(), `"status":"ok"`)
		})
	}
}

func TestCheckHealth_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	err := checkHealth(context.Background(), addr, &bytes.Buffer{})
	assert.Error(t, err)
}

func TestPrintReport(t *testing.T) {
	report := rag.IngestionReport{
		Documents:    2,
		Skipped:      1,
		Chunks:       5,
		FailedChunks: 1,
		Entities:     3,
		Errors: []rag.IngestError{
			{Source: "a.md", Ordinal: 2, Stage: "embed", Message: "timeout"},
			{DocumentID: "doc-1", Ordinal: -1, Stage: "load", Message: "empty document"},
		},
	}

	var out bytes.Buffer
	printReport(&out, report)
	s := out.String()
	assert.Contains(t, s, "Documents: 2 (skipped 1)")
	assert.Contains(t, s, "Chunks:    5 (failed 1)")
	assert.Contains(t, s, "a.md chunk 2 [embed]: timeout")
	assert.Contains(t, s, "doc-1 [load]: empty document")
	assert.Equal(t, 1, countDocErrors(report))
}

// fakeEmbeddings 返回固定维度的向量
func fakeEmbeddings(t *testing.T, dims int, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/embeddings") {
			http.NotFound(w, r)
			return
		}
		calls.Add(1)
		var req struct {
			Input []string `json:"input"`
			Model string   `json:"model"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		data := make([]map[string]any, len(req.Input))
		for i := range req.Input {
			vec := make([]float32, dims)
			vec[i%dims] = 1
			data[i] = map[string]any{"object": "embedding", "index": i, "embedding": vec}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"model":  req.Model,
			"data":   data,
			"usage":  map[string]int{"prompt_tokens": 1, "total_tokens": 1},
		})
	}))
}

func writeIngestConfig(t *testing.T, embeddingURL string) string {
	t.Helper()
	cfg := fmt.Sprintf(`mode:
  persistent: false
database:
  driver: ""
retrieval:
  vector_backend: memory
  graph_backend: memory
llm:
  api_key: test-key
  model: gpt-4o
embedding:
  base_url: %s
  model: test-embedding
  dimensions: 4
  max_retries: 0
ingestion:
  tokenizer_model: estimate
log:
  level: error
  output_paths: [stderr]
`, embeddingURL)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))
	return path
}

func TestRunIngest_FastMode(t *testing.T) {
	var calls atomic.Int32
	srv := fakeEmbeddings(t, 4, &calls)
	defer srv.Close()

	prev := configPath
	configPath = writeIngestConfig(t, srv.URL)
	defer func() { configPath = prev }()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "alpha.md"),
		[]byte("# Alpha\n\nAlpha Corp builds rockets in Texas."), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "beta.txt"),
		[]byte("Beta Labs partners with Alpha Corp on propulsion research."), 0o600))

	var out bytes.Buffer
	err := runIngest(context.Background(), ingestFlags{dir: dir, fast: true, jsonOut: true}, &out)
	require.NoError(t, err)

	var report rag.IngestionReport
	require.NoError(t, json.Unmarshal(out.Bytes(), &report))
	assert.Equal(t, 2, report.Documents)
	assert.GreaterOrEqual(t, report.Chunks, 2)
	assert.Zero(t, report.FailedChunks)
	assert.Zero(t, report.Entities, "fast mode skips extraction")
	assert.Positive(t, calls.Load())
}

func TestRunIngest_MissingDir(t *testing.T) {
	err := runIngest(context.Background(), ingestFlags{dir: filepath.Join(t.TempDir(), "nope")}, &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot read")
}
