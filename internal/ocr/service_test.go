package ocr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/platinummonkey/pagelabel/internal/config"
	"github.com/platinummonkey/pagelabel/internal/dataset"
	"github.com/platinummonkey/pagelabel/internal/logger"
)

type fakeEngine struct {
	spans []dataset.TextSpan
	err   error
}

func (f *fakeEngine) Recognize(ctx context.Context, imagePath string) ([]dataset.TextSpan, error) {
	return f.spans, f.err
}

func (f *fakeEngine) Name() string { return "fake" }

type fakeTables struct {
	tables []dataset.TableContent
	err    error
	calls  int
}

func (f *fakeTables) ExtractTables(ctx context.Context, imagePath string, spans []dataset.TextSpan) ([]dataset.TableContent, error) {
	f.calls++
	return f.tables, f.err
}

func writeTile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tile.png")
	if err := os.WriteFile(path, []byte("\x89PNG fake tile"), 0644); err != nil {
		t.Fatalf("failed to write tile: %v", err)
	}
	return path
}

func TestNew_RequiresEngine(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Error("New(nil) should fail")
	}
	if _, err := New(&Config{}); err == nil {
		t.Error("New() without engine should fail")
	}
	if _, err := New(&Config{Engine: &fakeEngine{}}); err != nil {
		t.Errorf("New() error = %v", err)
	}
}

func TestService_Extract(t *testing.T) {
	spans := []dataset.TextSpan{span("Hà Nội", 10, 10, 80, 20)}
	table := dataset.TableContent{Rows: 1, Cols: 1, Cells: []dataset.TableCell{{Text: "ô"}}}

	t.Run("spans and tables", func(t *testing.T) {
		tables := &fakeTables{tables: []dataset.TableContent{table}}
		svc, _ := New(&Config{Engine: &fakeEngine{spans: spans}, Tables: tables})

		doc, err := svc.Extract(context.Background(), "tile.png")
		if err != nil {
			t.Fatalf("Extract() error = %v", err)
		}
		if len(doc.Texts) != 1 || len(doc.Tables) != 1 {
			t.Errorf("got %d texts and %d tables, want 1 and 1", len(doc.Texts), len(doc.Tables))
		}
	})

	t.Run("absent table extractor", func(t *testing.T) {
		svc, _ := New(&Config{Engine: &fakeEngine{spans: spans}})

		doc, err := svc.Extract(context.Background(), "tile.png")
		if err != nil {
			t.Fatalf("Extract() error = %v", err)
		}
		if len(doc.Tables) != 0 {
			t.Errorf("expected no tables, got %d", len(doc.Tables))
		}
	})

	t.Run("failing table extractor degrades", func(t *testing.T) {
		tables := &fakeTables{err: errors.New("layout model crashed")}
		svc, _ := New(&Config{Engine: &fakeEngine{spans: spans}, Tables: tables})

		doc, err := svc.Extract(context.Background(), "tile.png")
		if err != nil {
			t.Fatalf("Extract() error = %v, table failure must not abort", err)
		}
		if len(doc.Texts) != 1 {
			t.Errorf("texts lost: %+v", doc.Texts)
		}
		if len(doc.Tables) != 0 {
			t.Errorf("expected no tables, got %d", len(doc.Tables))
		}
		if tables.calls != 1 {
			t.Errorf("table extractor called %d times, want 1", tables.calls)
		}
	})

	t.Run("zero spans", func(t *testing.T) {
		svc, _ := New(&Config{Engine: &fakeEngine{spans: []dataset.TextSpan{}}})

		doc, err := svc.Extract(context.Background(), "blank.png")
		if err != nil {
			t.Fatalf("Extract() error = %v", err)
		}
		if !doc.IsEmpty() {
			t.Error("expected empty document")
		}
	})

	t.Run("engine failure propagates", func(t *testing.T) {
		engineErr := errors.New("tesseract missing")
		svc, _ := New(&Config{Engine: &fakeEngine{err: engineErr}})

		if _, err := svc.Extract(context.Background(), "tile.png"); !errors.Is(err, engineErr) {
			t.Errorf("Extract() error = %v, want wrapped engine error", err)
		}
	})

	t.Run("cancellation is not absorbed", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		tables := &fakeTables{err: context.Canceled}
		svc, _ := New(&Config{Engine: &fakeEngine{spans: spans}, Tables: tables})

		if _, err := svc.Extract(ctx, "tile.png"); !errors.Is(err, context.Canceled) {
			t.Errorf("Extract() error = %v, want context.Canceled", err)
		}
	})
}

func newOllamaServer(t *testing.T, answer string, gotImage *string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}

		var req map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}
		schema, ok := req["format"].(map[string]interface{})
		if !ok {
			t.Errorf("format = %v, want the words schema", req["format"])
		} else if props, _ := schema["properties"].(map[string]interface{}); props["words"] == nil {
			t.Errorf("format schema has no words property: %v", schema)
		}
		if images, ok := req["images"].([]interface{}); ok && len(images) == 1 && gotImage != nil {
			*gotImage, _ = images[0].(string)
		}

		json.NewEncoder(w).Encode(map[string]interface{}{
			"model":      req["model"],
			"response":   answer,
			"done":       true,
			"created_at": time.Now().Format(time.RFC3339),
		})
	}))
}

func TestVisionEngine_Ollama(t *testing.T) {
	var gotImage string
	server := newOllamaServer(t, `{"words":[{"text":"Hà Nội","bbox":[300,10,120,40],"confidence":0.9},{"text":"1945","bbox":[10,80,60,20]}]}`, &gotImage)
	defer server.Close()

	path := writeTile(t)
	client := NewOllamaVisionClient(server.URL, 0, 0, nil)
	engine := NewVisionEngine(client, "", "", nil)

	if engine.Name() != "ollama" {
		t.Errorf("Name() = %q, want ollama", engine.Name())
	}
	if engine.Model() != "llava" {
		t.Errorf("Model() = %q, want provider default llava", engine.Model())
	}

	spans, err := engine.Recognize(context.Background(), path)
	if err != nil {
		t.Fatalf("Recognize() error = %v", err)
	}

	if len(spans) != 2 {
		t.Fatalf("got %d spans, want 2", len(spans))
	}
	if spans[0].Text != "Hà Nội" || spans[0].Confidence != 0.9 {
		t.Errorf("first span = %+v", spans[0])
	}
	if spans[1].Confidence != defaultWordConfidence {
		t.Errorf("second span confidence = %v, want default %v", spans[1].Confidence, defaultWordConfidence)
	}

	raw, _ := os.ReadFile(path)
	if gotImage != base64.StdEncoding.EncodeToString(raw) {
		t.Error("image was not sent base64-encoded")
	}
}

func TestNewVisionEngine_ModelCheck(t *testing.T) {
	tests := []struct {
		model    string
		wantWarn bool
	}{
		{"llava", false},
		{"llava:7b", false},
		{"qwen2.5vl:latest", false},
		{"mistral", true},
	}

	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			var buf bytes.Buffer
			log, err := logger.New(&logger.Config{Level: "warn", Format: "json", Writer: &buf})
			if err != nil {
				t.Fatalf("logger.New() error = %v", err)
			}

			NewVisionEngine(NewOllamaVisionClient("http://127.0.0.1:1", 0, 0, nil), tt.model, "", log)
			_ = log.Sync()

			if warned := strings.Contains(buf.String(), "not a known vision model"); warned != tt.wantWarn {
				t.Errorf("warned = %v, want %v (log: %s)", warned, tt.wantWarn, buf.String())
			}
		})
	}
}

func TestVisionEngine_UnparseableAnswer(t *testing.T) {
	server := newOllamaServer(t, `I can see some Vietnamese text.`, nil)
	defer server.Close()

	engine := NewVisionEngine(NewOllamaVisionClient(server.URL, 0, 0, nil), "llava", "", nil)

	if _, err := engine.Recognize(context.Background(), writeTile(t)); !errors.Is(err, ErrUnsupportedPayload) {
		t.Errorf("Recognize() error = %v, want ErrUnsupportedPayload", err)
	}
}

func TestVisionEngine_MissingImage(t *testing.T) {
	engine := NewVisionEngine(NewOllamaVisionClient("http://127.0.0.1:1", 0, 0, nil), "llava", "", nil)

	if _, err := engine.Recognize(context.Background(), filepath.Join(t.TempDir(), "missing.png")); err == nil {
		t.Error("Recognize() should fail for a missing image")
	}
}

func TestOllamaVisionClient_HealthCheckPullsMissingModel(t *testing.T) {
	var pulled atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "", "/":
			w.WriteHeader(http.StatusOK)
		case "/api/tags":
			json.NewEncoder(w).Encode(map[string]interface{}{"models": []interface{}{}})
		case "/api/pull":
			pulled.Store(true)
			json.NewEncoder(w).Encode(map[string]string{"status": "success"})
		default:
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
	}))
	defer server.Close()

	client := NewOllamaVisionClient(server.URL, 0, 0, nil)
	if err := client.HealthCheck(context.Background(), "llava"); err != nil {
		t.Fatalf("HealthCheck() error = %v", err)
	}
	if !pulled.Load() {
		t.Error("missing model should be pulled")
	}
}

func TestHTTPEngine(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		var req imageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Image == "" {
			t.Errorf("bad request body: %v", err)
		}

		w.Write([]byte(`{"result":[[[[10,20],[110,20],[110,50],[10,50]],["Hà Nội",0.93]]]}`))
	}))
	defer server.Close()

	engine, err := NewHTTPEngine(server.URL, 2, nil)
	if err != nil {
		t.Fatalf("NewHTTPEngine() error = %v", err)
	}
	engine.poster.retryDelay = time.Millisecond

	spans, err := engine.Recognize(context.Background(), writeTile(t))
	if err != nil {
		t.Fatalf("Recognize() error = %v", err)
	}
	if len(spans) != 1 || spans[0].Text != "Hà Nội" {
		t.Errorf("spans = %+v", spans)
	}
	if attempts.Load() != 2 {
		t.Errorf("attempts = %d, want 2", attempts.Load())
	}
}

func TestHTTPEngine_ClientErrorNotRetried(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		http.Error(w, "bad image", http.StatusBadRequest)
	}))
	defer server.Close()

	engine, _ := NewHTTPEngine(server.URL, 3, nil)
	engine.poster.retryDelay = time.Millisecond

	_, err := engine.Recognize(context.Background(), writeTile(t))
	if err == nil || !strings.Contains(err.Error(), "400") {
		t.Errorf("Recognize() error = %v, want status 400", err)
	}
	if attempts.Load() != 1 {
		t.Errorf("attempts = %d, want 1", attempts.Load())
	}
}

func TestHTTPTableExtractor(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"type":"table","bbox":[0,0,100,50],"res":{"html":"<table><tr><td>Năm</td><td>1945</td></tr></table>"}}]`))
	}))
	defer server.Close()

	extractor, err := NewHTTPTableExtractor(server.URL, 0, nil)
	if err != nil {
		t.Fatalf("NewHTTPTableExtractor() error = %v", err)
	}

	tables, err := extractor.ExtractTables(context.Background(), writeTile(t), nil)
	if err != nil {
		t.Fatalf("ExtractTables() error = %v", err)
	}
	if len(tables) != 1 || tables[0].Cells[1].Text != "1945" {
		t.Errorf("tables = %+v", tables)
	}
}

func TestLoadPrompt(t *testing.T) {
	t.Run("default", func(t *testing.T) {
		prompt, err := LoadPrompt("")
		if err != nil {
			t.Fatalf("LoadPrompt() error = %v", err)
		}
		if prompt.Text() != DefaultPrompt {
			t.Error("empty path should give the default prompt")
		}
	})

	t.Run("override file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "prompt.yaml")
		content := "model: qwen2.5vl\nsystem: Bạn là công cụ OCR.\nprompt: |\n  Trả về JSON {\"words\": []}\n"
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}

		prompt, err := LoadPrompt(path)
		if err != nil {
			t.Fatalf("LoadPrompt() error = %v", err)
		}
		if prompt.Model != "qwen2.5vl" {
			t.Errorf("Model = %q", prompt.Model)
		}
		if !strings.HasPrefix(prompt.Text(), "Bạn là công cụ OCR.\n\nTrả về JSON") {
			t.Errorf("Text() = %q", prompt.Text())
		}
	})

	t.Run("empty prompt keeps default", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "prompt.yaml")
		if err := os.WriteFile(path, []byte("model: llava\n"), 0644); err != nil {
			t.Fatal(err)
		}

		prompt, err := LoadPrompt(path)
		if err != nil {
			t.Fatalf("LoadPrompt() error = %v", err)
		}
		if prompt.Prompt != DefaultPrompt {
			t.Error("missing prompt should fall back to the default")
		}
	})

	t.Run("invalid yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "prompt.yaml")
		if err := os.WriteFile(path, []byte("prompt: [unclosed\n"), 0644); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadPrompt(path); err == nil {
			t.Error("LoadPrompt() should fail on invalid YAML")
		}
	})

	t.Run("missing file", func(t *testing.T) {
		if _, err := LoadPrompt(filepath.Join(t.TempDir(), "none.yaml")); err == nil {
			t.Error("LoadPrompt() should fail on a missing file")
		}
	})
}

func TestNewEngine(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		cfg      config.OCRConfig
		wantName string
		wantErr  error
	}{
		{name: "tesseract", cfg: config.OCRConfig{Engine: "tesseract", Languages: "vie"}, wantName: "tesseract"},
		{name: "http", cfg: config.OCRConfig{Engine: "http", Endpoint: "http://localhost:8866/ocr"}, wantName: "http"},
		{name: "ollama", cfg: config.OCRConfig{Engine: "ollama", Endpoint: "http://localhost:11434"}, wantName: "ollama"},
		{name: "openai", cfg: config.OCRConfig{Engine: "openai", APIKey: "sk-test"}, wantName: "openai"},
		{name: "anthropic", cfg: config.OCRConfig{Engine: "anthropic", APIKey: "sk-ant-test"}, wantName: "anthropic"},
		{name: "unknown", cfg: config.OCRConfig{Engine: "paddle"}, wantErr: ErrUnknownEngine},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, err := NewEngine(ctx, tt.cfg, nil)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("NewEngine() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewEngine() error = %v", err)
			}
			if engine.Name() != tt.wantName {
				t.Errorf("Name() = %q, want %q", engine.Name(), tt.wantName)
			}
		})
	}

	if _, err := NewEngine(ctx, config.OCRConfig{Engine: "openai"}, nil); err == nil {
		t.Error("openai without API key should fail")
	}
	if _, err := NewEngine(ctx, config.OCRConfig{Engine: "http"}, nil); err == nil {
		t.Error("http without endpoint should fail")
	}
}

func TestNewService_TableFallback(t *testing.T) {
	svc, err := NewService(context.Background(), config.OCRConfig{
		Engine:      "tesseract",
		Languages:   "vie",
		TableEngine: "http",
	}, nil)
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	if svc.tables != nil {
		t.Error("unconstructible table extractor should be treated as absent")
	}
	if err := svc.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestService_HealthCheck(t *testing.T) {
	svc, err := New(&Config{Engine: &fakeEngine{}})
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.HealthCheck(context.Background()); err != nil {
		t.Errorf("engine without a backend should pass, got %v", err)
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	vision := NewVisionEngine(NewOllamaVisionClient(server.URL, 0, 0, nil), "llava", "", nil)
	svc, err = New(&Config{Engine: vision})
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.HealthCheck(context.Background()); err == nil || !strings.Contains(err.Error(), "ollama engine health check failed") {
		t.Errorf("HealthCheck() error = %v, want an ollama health failure", err)
	}
}
