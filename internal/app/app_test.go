package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tjfontaine/autotara/internal/config"
	"github.com/tjfontaine/autotara/internal/domain"
	"github.com/tjfontaine/autotara/internal/generation"
	"github.com/tjfontaine/autotara/internal/pipeline"
)

var wsDefault = domain.Workspace{}

// stubCompleter answers every prompt with one asset row.
type stubCompleter struct {
	calls atomic.Int32
}

func (s *stubCompleter) Name() string { return "stub" }

func (s *stubCompleter) Complete(ctx context.Context, c *generation.Completion) (string, error) {
	s.calls.Add(1)
	return "```json\n" + `{"rows":[{"assetId":"ECU-GW","description":"Central gateway","cyberProperties":["Integrity","Availability"]}]}` + "\n```", nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	return &config.Config{
		Server:     config.ServerConfig{Port: 18080},
		Storage:    config.StorageConfig{Type: "memory"},
		Generation: config.GenerationConfig{Provider: "openai", Model: "gpt-4o", Timeout: time.Minute},
		Telemetry:  config.TelemetryConfig{ServiceName: "autotara-test"},
	}
}

func post(t *testing.T, ts *httptest.Server, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(ts.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("Post(%s) error = %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestApp_New_RequiresConfig(t *testing.T) {
	_, err := New()
	if err == nil {
		t.Fatal("New() error = nil, want config error")
	}
	if err.Error() != "config required (use WithConfig)" {
		t.Errorf("New() error = %v", err)
	}
}

func TestApp_New_MissingAPIKey(t *testing.T) {
	if _, err := New(WithConfig(testConfig()), WithLogger(quietLogger())); err == nil {
		t.Fatal("New() error = nil, want api key error")
	}
}

func TestApp_ServesPipeline(t *testing.T) {
	stub := &stubCompleter{}
	a, err := New(WithConfig(testConfig()), WithLogger(quietLogger()), WithMemoryStorage(), WithCompleter(stub))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { a.Close() })

	ts := httptest.NewServer(a.Handler())
	t.Cleanup(ts.Close)

	if resp := post(t, ts, "/upload-model", `{"components":["gateway"]}`); resp.StatusCode != http.StatusCreated {
		t.Fatalf("upload status = %d, want 201", resp.StatusCode)
	}
	if resp := post(t, ts, "/run-stage/1", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("run status = %d, want 200", resp.StatusCode)
	}
	if got := stub.calls.Load(); got != 1 {
		t.Errorf("completer calls = %d, want 1", got)
	}

	assets, err := a.Orchestrator().ListAssets(context.Background(), wsDefault)
	if err != nil {
		t.Fatalf("ListAssets() error = %v", err)
	}
	if len(assets.Assets) != 1 || assets.Assets[0].AssetID != "ECU-GW" {
		t.Errorf("assets = %+v, want ECU-GW", assets.Assets)
	}
}

func TestApp_SQLitePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tara.db")

	first, err := New(WithConfig(testConfig()), WithLogger(quietLogger()), WithSQLite(path), WithCompleter(&stubCompleter{}))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ts := httptest.NewServer(first.Handler())
	post(t, ts, "/upload-model", "components: [gateway]\n")
	if resp := post(t, ts, "/run-stage/1", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("run status = %d, want 200", resp.StatusCode)
	}
	ts.Close()
	if err := first.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	second, err := New(WithConfig(testConfig()), WithLogger(quietLogger()), WithSQLite(path), WithCompleter(&stubCompleter{}))
	if err != nil {
		t.Fatalf("New() reopen error = %v", err)
	}
	t.Cleanup(func() { second.Close() })

	ts2 := httptest.NewServer(second.Handler())
	t.Cleanup(ts2.Close)
	resp, err := http.Get(ts2.URL + "/assets")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	defer resp.Body.Close()
	var list pipeline.AssetList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if !list.Ran || len(list.Assets) != 1 {
		t.Errorf("assets after reopen = %+v, want one", list)
	}
}

// recordingCompleter keeps the last user prompt.
type recordingCompleter struct {
	stubCompleter
	mu   sync.Mutex
	user string
}

func (r *recordingCompleter) Complete(ctx context.Context, c *generation.Completion) (string, error) {
	r.mu.Lock()
	r.user = c.User
	r.mu.Unlock()
	return r.stubCompleter.Complete(ctx, c)
}

type constEmbedder struct{}

func (constEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{1, 0}
	}
	return out, nil
}

func TestApp_KnowledgeRetrieval(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "iso21434.md"), []byte("Clause 15 risk determination"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	cfg := testConfig()
	cfg.Knowledge = config.KnowledgeConfig{Enabled: true, IndexPath: filepath.Join(dir, "kb", "index.json")}
	cfg.Knowledge.Sources.StandardsDir = dir

	rec := &recordingCompleter{}
	a, err := New(WithConfig(cfg), WithLogger(quietLogger()), WithCompleter(rec), WithEmbedder(constEmbedder{}))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { a.Close() })
	if _, err := os.Stat(cfg.Knowledge.IndexPath); err != nil {
		t.Errorf("index not saved: %v", err)
	}

	ts := httptest.NewServer(a.Handler())
	t.Cleanup(ts.Close)
	post(t, ts, "/upload-model", `{"components":["gateway"]}`)
	if resp := post(t, ts, "/run-stage/1", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("run status = %d, want 200", resp.StatusCode)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if !strings.Contains(rec.user, "# Standard: iso21434.md\nClause 15 risk determination") {
		t.Errorf("user prompt lacks the retrieved standard:\n%s", rec.user)
	}
}

func TestApp_KnowledgeRequiresKey(t *testing.T) {
	cfg := testConfig()
	cfg.Knowledge = config.KnowledgeConfig{Enabled: true, IndexPath: filepath.Join(t.TempDir(), "index.json")}
	if _, err := New(WithConfig(cfg), WithLogger(quietLogger()), WithCompleter(&stubCompleter{})); err == nil {
		t.Fatal("New() error = nil, want knowledge api key error")
	}
}

func TestApp_RunStopsOnCancel(t *testing.T) {
	cfg := testConfig()
	cfg.Server.Port = 0
	cfg.Server.ShutdownTimeout = time.Second
	a, err := New(WithConfig(cfg), WithLogger(quietLogger()), WithCompleter(&stubCompleter{}))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

func TestNewCompleter(t *testing.T) {
	temp := 0.2
	tests := []struct {
		name    string
		cfg     config.GenerationConfig
		want    string
		wantErr bool
	}{
		{name: "openai", cfg: config.GenerationConfig{Provider: "openai", APIKey: "sk-test", Model: "gpt-4o", Temperature: &temp}, want: "openai"},
		{name: "anthropic", cfg: config.GenerationConfig{Provider: "anthropic", APIKey: "sk-ant", Model: "claude-sonnet-4-5", MaxTokens: 4096}, want: "anthropic"},
		{name: "missing key", cfg: config.GenerationConfig{Provider: "openai"}, wantErr: true},
		{name: "unknown provider", cfg: config.GenerationConfig{Provider: "llama", APIKey: "x"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := newCompleter(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("newCompleter() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && c.Name() != tt.want {
				t.Errorf("newCompleter() name = %q, want %q", c.Name(), tt.want)
			}
		})
	}
}

func TestOpenBackend(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.StorageConfig
		wantErr bool
	}{
		{name: "memory", cfg: config.StorageConfig{Type: "memory"}},
		{name: "sqlite", cfg: config.StorageConfig{Type: "sqlite", SQLite: config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "b.db")}}},
		{name: "unknown", cfg: config.StorageConfig{Type: "redis"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := openBackend(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("openBackend() error = %v, wantErr %v", err, tt.wantErr)
			}
			if b != nil {
				b.Close()
			}
		})
	}
}
