package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"gemini-proxy-go/internal/client"
	"gemini-proxy-go/internal/config"
	"gemini-proxy-go/internal/model"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T, cfg *config.Config) *ProxyService {
	t.Helper()
	logger := discardLogger()
	gc := client.NewGeminiClient(cfg, logger, nil)
	svc, err := NewProxyService(gc, cfg, logger)
	if err != nil {
		t.Fatalf("NewProxyService: %v", err)
	}
	return svc
}

func TestResolveCredential(t *testing.T) {
	tests := []struct {
		name     string
		header   http.Header
		fallback string
		want     string
		wantErr  error
	}{
		{
			name:   "provider header wins over bearer",
			header: http.Header{"X-Goog-Api-Key": {"goog-key"}, "Authorization": {"Bearer bearer-key"}},
			want:   "goog-key",
		},
		{
			name:   "bearer prefix stripped",
			header: http.Header{"Authorization": {"Bearer bearer-key"}},
			want:   "bearer-key",
		},
		{
			name:   "bare authorization value accepted",
			header: http.Header{"Authorization": {"raw-key"}},
			want:   "raw-key",
		},
		{
			name:   "whitespace trimmed",
			header: http.Header{"X-Goog-Api-Key": {"  padded-key  "}},
			want:   "padded-key",
		},
		{
			name:     "fallback used when headers empty",
			header:   http.Header{},
			fallback: "config-key",
			want:     "config-key",
		},
		{
			name:     "empty bearer falls through to fallback",
			header:   http.Header{"Authorization": {"Bearer "}},
			fallback: "config-key",
			want:     "config-key",
		},
		{
			name:    "no key anywhere",
			header:  http.Header{},
			wantErr: ErrMissingCredential,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &ProxyService{
				cfg:    &config.Config{Gemini: config.GeminiConfig{APIKey: tt.fallback}},
				logger: discardLogger(),
			}
			got, err := s.ResolveCredential(tt.header)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("ResolveCredential() error = %v, want %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ResolveCredential() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBuildUpstreamURL(t *testing.T) {
	tests := []struct {
		name  string
		base  string
		path  string
		query url.Values
		want  string
	}{
		{
			name: "scheme prepended when missing",
			base: "generativelanguage.googleapis.com",
			path: "/gemini/v1beta/models/gemini-pro:generateContent",
			want: "https://generativelanguage.googleapis.com/v1beta/models/gemini-pro:generateContent",
		},
		{
			name: "single trailing slash stripped",
			base: "https://generativelanguage.googleapis.com/",
			path: "/gemini/v1beta/models",
			want: "https://generativelanguage.googleapis.com/v1beta/models",
		},
		{
			name:  "streaming marker appended",
			base:  "https://generativelanguage.googleapis.com",
			path:  "/gemini/v1beta/models/gemini-pro:streamGenerateContent",
			query: url.Values{"alt": {"sse"}},
			want:  "https://generativelanguage.googleapis.com/v1beta/models/gemini-pro:streamGenerateContent?alt=sse",
		},
		{
			name:  "other query parameters dropped",
			base:  "https://generativelanguage.googleapis.com",
			path:  "/gemini/v1beta/models",
			query: url.Values{"key": {"secret"}, "pageSize": {"10"}},
			want:  "https://generativelanguage.googleapis.com/v1beta/models",
		},
		{
			name:  "alt with non-sse value dropped",
			base:  "https://generativelanguage.googleapis.com",
			path:  "/gemini/v1beta/models",
			query: url.Values{"alt": {"json"}},
			want:  "https://generativelanguage.googleapis.com/v1beta/models",
		},
		{
			name: "explicit http scheme preserved",
			base: "http://127.0.0.1:8080",
			path: "/gemini/v1/ping",
			want: "http://127.0.0.1:8080/v1/ping",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.Config{Upstream: config.UpstreamConfig{BaseURL: tt.base, TimeoutSeconds: 10, IdleConnections: 10}}
			svc := newTestService(t, cfg)
			got := svc.BuildUpstreamURL(tt.path, tt.query)
			if got != tt.want {
				t.Errorf("BuildUpstreamURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPreparePayload(t *testing.T) {
	s := &ProxyService{logger: discardLogger()}

	tests := []struct {
		name      string
		body      string
		wantNil   bool
		wantTools string
	}{
		{
			name:      "tools injected when absent",
			body:      `{"contents":[{"parts":[{"text":"hi"}]}]}`,
			wantTools: `[{"googleSearch":{}}]`,
		},
		{
			name:      "existing tools preserved",
			body:      `{"contents":[],"tools":[{"functionDeclarations":[]}]}`,
			wantTools: `[{"functionDeclarations":[]}]`,
		},
		{
			name:    "invalid JSON forwarded bodiless",
			body:    `{"contents": broken`,
			wantNil: true,
		},
		{
			name:    "empty body forwarded bodiless",
			body:    "",
			wantNil: true,
		},
		{
			name:    "whitespace-only body forwarded bodiless",
			body:    "  \n\t ",
			wantNil: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.preparePayload(io.NopCloser(strings.NewReader(tt.body)))
			if err != nil {
				t.Fatalf("preparePayload() error = %v", err)
			}
			if tt.wantNil {
				if got != nil {
					t.Fatalf("preparePayload() = %q, want nil", got)
				}
				return
			}

			var doc map[string]json.RawMessage
			if err := json.Unmarshal(got, &doc); err != nil {
				t.Fatalf("payload is not valid JSON: %v", err)
			}
			var want, have any
			if err := json.Unmarshal([]byte(tt.wantTools), &want); err != nil {
				t.Fatal(err)
			}
			if err := json.Unmarshal(doc["tools"], &have); err != nil {
				t.Fatalf("unmarshal tools: %v", err)
			}
			wantJSON, _ := json.Marshal(want)
			haveJSON, _ := json.Marshal(have)
			if !bytes.Equal(wantJSON, haveJSON) {
				t.Errorf("tools = %s, want %s", haveJSON, wantJSON)
			}
		})
	}
}

func TestPreparePayload_NoFieldsLost(t *testing.T) {
	s := &ProxyService{logger: discardLogger()}
	body := `{"contents":[{"parts":[{"text":"hi"}]}],"generationConfig":{"temperature":0.5}}`

	got, err := s.preparePayload(io.NopCloser(strings.NewReader(body)))
	if err != nil {
		t.Fatalf("preparePayload() error = %v", err)
	}

	var doc map[string]any
	if err := json.Unmarshal(got, &doc); err != nil {
		t.Fatalf("payload is not valid JSON: %v", err)
	}
	for _, key := range []string{"contents", "generationConfig", "tools"} {
		if _, ok := doc[key]; !ok {
			t.Errorf("payload missing %q field", key)
		}
	}
}

func TestForward_UpstreamHeadersAndBody(t *testing.T) {
	var gotHeader http.Header
	var gotBody []byte
	var gotMethod string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Clone()
		gotMethod = r.Method
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer upstream.Close()

	cfg := &config.Config{
		Gemini:   config.GeminiConfig{APIKey: "config-key"},
		Upstream: config.UpstreamConfig{BaseURL: upstream.URL, TimeoutSeconds: 10, IdleConnections: 10},
	}
	svc := newTestService(t, cfg)

	pr := &model.ProxyRequest{
		Ctx:    context.Background(),
		Method: http.MethodPost,
		Path:   "/gemini/v1beta/models/gemini-pro:generateContent",
		Query:  url.Values{},
		Header: http.Header{},
		Body:   io.NopCloser(strings.NewReader(`{"contents":[]}`)),
	}

	resp, err := svc.Forward(pr)
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if gotMethod != http.MethodPost {
		t.Errorf("upstream method = %q, want POST", gotMethod)
	}
	if v := gotHeader.Get("x-goog-api-key"); v != "config-key" {
		t.Errorf("x-goog-api-key = %q, want %q", v, "config-key")
	}
	if v := gotHeader.Get("Content-Type"); v != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", v)
	}
	if v := gotHeader.Get("Cache-Control"); v != "no-store" {
		t.Errorf("Cache-Control = %q, want no-store", v)
	}
	if !strings.Contains(string(gotBody), `"googleSearch"`) {
		t.Errorf("upstream body = %s, want default tool injected", gotBody)
	}
}

func TestForward_InvalidBodyForwardedBodiless(t *testing.T) {
	var gotBody []byte
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer upstream.Close()

	cfg := &config.Config{
		Gemini:   config.GeminiConfig{APIKey: "config-key"},
		Upstream: config.UpstreamConfig{BaseURL: upstream.URL, TimeoutSeconds: 10, IdleConnections: 10},
	}
	svc := newTestService(t, cfg)

	pr := &model.ProxyRequest{
		Ctx:    context.Background(),
		Method: http.MethodPost,
		Path:   "/gemini/v1beta/models/gemini-pro:generateContent",
		Query:  url.Values{},
		Header: http.Header{},
		Body:   io.NopCloser(strings.NewReader(`not json at all`)),
	}

	resp, err := svc.Forward(pr)
	if err != nil {
		t.Fatalf("Forward() error = %v; unparseable body should not fail the request", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if len(gotBody) != 0 {
		t.Errorf("upstream body = %q, want empty", gotBody)
	}
}

func TestForward_MissingCredential_NoUpstreamCall(t *testing.T) {
	called := false
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
		_, _ = w.Write([]byte(`{}`))
	}))
	defer upstream.Close()

	cfg := &config.Config{
		Upstream: config.UpstreamConfig{BaseURL: upstream.URL, TimeoutSeconds: 10, IdleConnections: 10},
	}
	svc := newTestService(t, cfg)

	pr := &model.ProxyRequest{
		Ctx:    context.Background(),
		Method: http.MethodPost,
		Path:   "/gemini/v1beta/models/gemini-pro:generateContent",
		Query:  url.Values{},
		Header: http.Header{},
		Body:   http.NoBody,
	}

	_, err := svc.Forward(pr)
	if !errors.Is(err, ErrMissingCredential) {
		t.Fatalf("Forward() error = %v, want ErrMissingCredential", err)
	}
	if called {
		t.Error("upstream was called despite missing credential")
	}
}

func TestNewProxyService_EmptyBaseURL(t *testing.T) {
	cfg := &config.Config{Upstream: config.UpstreamConfig{TimeoutSeconds: 10, IdleConnections: 10}}
	logger := discardLogger()
	gc := client.NewGeminiClient(cfg, logger, nil)
	if _, err := NewProxyService(gc, cfg, logger); err == nil {
		t.Fatal("NewProxyService() expected error for empty base URL, got nil")
	}
}
