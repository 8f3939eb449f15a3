package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pose-ckan/catalog-import/pkg/pipeline/core"
	"google.golang.org/genai"
)

type tempNetErr struct{}

func (tempNetErr) Error() string   { return "temp net err" }
func (tempNetErr) Timeout() bool   { return false }
func (tempNetErr) Temporary() bool { return true }

func TestClassifyErr(t *testing.T) {
	tests := []struct {
		name          string
		in            error
		wantTransient bool
	}{
		{name: "nil", in: nil, wantTransient: false},
		{name: "api_429", in: genai.APIError{Code: 429}, wantTransient: true},
		{name: "api_503", in: genai.APIError{Code: 503}, wantTransient: true},
		{name: "api_400", in: genai.APIError{Code: 400}, wantTransient: false},
		{name: "net_temporary", in: tempNetErr{}, wantTransient: true},
		{name: "plain", in: errors.New("boom"), wantTransient: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyErr(tt.in)
			var te *core.TransientError
			isTransient := errors.As(got, &te)
			if isTransient != tt.wantTransient {
				t.Fatalf("transient=%v want=%v (err=%T %v)", isTransient, tt.wantTransient, got, got)
			}
		})
	}
}

func TestNew_RequiresKeyAndModel(t *testing.T) {
	ctx := context.Background()
	if _, err := New(ctx, Config{Model: "m"}); err == nil {
		t.Fatalf("expected error without api key")
	}
	if _, err := New(ctx, Config{APIKey: "k"}); err == nil {
		t.Fatalf("expected error without model")
	}
}

func TestBuildPrompt_TruncatesInput(t *testing.T) {
	p := buildPrompt(strings.Repeat("a", maxInputRunes+500))
	if strings.Count(p, "a") > maxInputRunes+50 {
		t.Fatalf("prompt was not truncated (len=%d)", len(p))
	}
}

func TestSummarize_AgainstFakeAPI(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if !strings.HasSuffix(r.URL.Path, ":generateContent") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"candidates": []any{
				map[string]any{
					"content": map[string]any{
						"role":  "model",
						"parts": []any{map[string]any{"text": "  Adds DCAT harvesting\n to CKAN. "}},
					},
				},
			},
		})
	}))
	defer srv.Close()

	s, err := New(context.Background(), Config{APIKey: "test-key", Model: "test-model", BaseURL: srv.URL + "/"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got, err := s.Summarize(context.Background(), "A long README without a sentence terminator")
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if got != "Adds DCAT harvesting to CKAN." {
		t.Fatalf("unexpected summary %q", got)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected one request, got %d", calls.Load())
	}

	if _, err := s.Summarize(context.Background(), "   "); err == nil {
		t.Fatalf("expected error for empty text")
	}
}

func writeCandidate(w http.ResponseWriter, text string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"candidates": []any{
			map[string]any{
				"content": map[string]any{
					"role":  "model",
					"parts": []any{map[string]any{"text": text}},
				},
			},
		},
	})
}

func writeUnavailable(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte(`{"error":{"code":503,"message":"overloaded","status":"UNAVAILABLE"}}`))
}

func TestSummarize_RetriesUnavailable(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			writeUnavailable(w)
			return
		}
		writeCandidate(w, "Adds DCAT harvesting.")
	}))
	defer srv.Close()

	s, err := New(context.Background(), Config{
		APIKey:       "test-key",
		Model:        "test-model",
		BaseURL:      srv.URL + "/",
		MaxRetries:   1,
		RetryBackoff: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got, err := s.Summarize(context.Background(), "A long README without a sentence terminator")
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if got != "Adds DCAT harvesting." {
		t.Fatalf("unexpected summary %q", got)
	}
	if calls.Load() < 2 {
		t.Fatalf("expected a retry after 503, got %d requests", calls.Load())
	}
}

func TestSummarize_UnavailableIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeUnavailable(w)
	}))
	defer srv.Close()

	s, err := New(context.Background(), Config{APIKey: "test-key", Model: "test-model", BaseURL: srv.URL + "/"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = s.Summarize(context.Background(), "text")
	var te *core.TransientError
	if !errors.As(err, &te) {
		t.Fatalf("expected transient error, got %T %v", err, err)
	}
}

func TestSummarize_RequestsPerMinuteSpacesCalls(t *testing.T) {
	var mu sync.Mutex
	var at []time.Time
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		at = append(at, time.Now())
		mu.Unlock()
		writeCandidate(w, "Ok.")
	}))
	defer srv.Close()

	// 600 per minute is one call every 100ms.
	s, err := New(context.Background(), Config{
		APIKey:            "test-key",
		Model:             "test-model",
		BaseURL:           srv.URL + "/",
		RequestsPerMinute: 600,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := s.Summarize(context.Background(), "text"); err != nil {
			t.Fatalf("Summarize: %v", err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(at) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(at))
	}
	if gap := at[1].Sub(at[0]); gap < 90*time.Millisecond {
		t.Fatalf("second call came %s after the first, want >= 100ms", gap)
	}
}
