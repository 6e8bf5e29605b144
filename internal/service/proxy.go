// Package service implements the core proxy forwarding logic.
package service

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"gemini-proxy-go/internal/client"
	"gemini-proxy-go/internal/config"
	"gemini-proxy-go/internal/model"
)

// ErrMissingCredential is returned when no API key is available from the
// request headers or the configured fallback.
var ErrMissingCredential = errors.New("API key required: set gemini.api_key in config or send an x-goog-api-key or Authorization header")

// RoutePrefix is the inbound path prefix identifying the Gemini upstream.
// It is stripped before the remainder is appended to the upstream base URL.
const RoutePrefix = "/gemini"

// credentialHeaders are checked in priority order; the first non-empty value
// wins. The provider-specific header outranks the generic bearer header.
var credentialHeaders = []string{"x-goog-api-key", "Authorization"}

// defaultTools is injected into JSON request bodies that carry no tools field.
var defaultTools = []byte(`[{"googleSearch":{}}]`)

const userAgent = "gemini-proxy-go/1.0"

// ProxyService handles the forwarding logic for proxy requests.
type ProxyService struct {
	client  *client.GeminiClient
	cfg     *config.Config
	logger  *slog.Logger
	baseURL string
}

// NewProxyService creates a ProxyService. The configured base URL is
// normalized once: a missing scheme defaults to https, and exactly one
// trailing slash is stripped.
func NewProxyService(c *client.GeminiClient, cfg *config.Config, logger *slog.Logger) (*ProxyService, error) {
	base := normalizeBaseURL(cfg.Upstream.BaseURL)
	if base == "" {
		return nil, fmt.Errorf("upstream.base_url is empty")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("parse upstream base_url: %w", err)
	}

	return &ProxyService{
		client:  c,
		cfg:     cfg,
		logger:  logger.With("component", "proxy_service"),
		baseURL: base,
	}, nil
}

// Forward sends a ProxyRequest to the upstream Gemini API and returns the
// response. The caller is responsible for closing the response body.
//
// The credential is resolved from the request headers with the configured key
// as fallback; ErrMissingCredential is returned before any network call when
// neither is present. The request body, when valid JSON without a tools field,
// has the default tool entry injected; an absent or unparseable body is
// forwarded bodiless.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	apiKey, err := s.ResolveCredential(pr.Header)
	if err != nil {
		return nil, err
	}

	payload, err := s.preparePayload(pr.Body)
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}

	upstreamURL := s.BuildUpstreamURL(pr.Path, pr.Query)
	header := upstreamHeader(apiKey)

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"path", pr.Path,
		"streaming", strings.HasSuffix(upstreamURL, "?alt=sse"),
	)

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	resp, err := s.client.DoStream(pr.Ctx, pr.Method, upstreamURL, header, body)
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}

	return resp, nil
}

// ResolveCredential returns the API key to present upstream: the first
// non-empty credential header (with any "Bearer " prefix stripped and
// whitespace trimmed), falling back to the configured key.
func (s *ProxyService) ResolveCredential(header http.Header) (string, error) {
	for _, name := range credentialHeaders {
		v := strings.TrimSpace(header.Get(name))
		v = strings.TrimSpace(strings.TrimPrefix(v, "Bearer "))
		if v != "" {
			return v, nil
		}
	}
	if key := s.cfg.Gemini.APIKey; key != "" {
		return key, nil
	}
	return "", ErrMissingCredential
}

// BuildUpstreamURL maps an inbound path to the upstream URL. The route prefix
// is stripped, the remainder is appended to the normalized base URL, and the
// streaming marker is the only query parameter carried over.
func (s *ProxyService) BuildUpstreamURL(path string, query url.Values) string {
	rel := strings.TrimPrefix(path, RoutePrefix)
	u := s.baseURL + rel
	if query.Get("alt") == "sse" {
		u += "?alt=sse"
	}
	return u
}

// preparePayload drains the inbound body and applies the one documented
// augmentation: a valid JSON object without a tools field gets the default
// tool entry injected. An empty or unparseable body yields nil (the request
// is forwarded bodiless; this is not an error).
func (s *ProxyService) preparePayload(body io.ReadCloser) ([]byte, error) {
	if body == nil {
		return nil, nil
	}
	defer func() { _ = body.Close() }()

	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	if !gjson.ValidBytes(raw) {
		s.logger.Warn("inbound body is not valid JSON; forwarding bodiless")
		return nil, nil
	}
	if gjson.GetBytes(raw, "tools").Exists() {
		return raw, nil
	}
	out, err := sjson.SetRawBytes(raw, "tools", defaultTools)
	if err != nil {
		// Injection failure leaves the body untouched rather than losing it.
		s.logger.Warn("default tool injection failed", "err", err)
		return raw, nil
	}
	return out, nil
}

// upstreamHeader builds the fixed outbound header set. Inbound headers are
// never forwarded; the credential travels in the provider-specific header.
func upstreamHeader(apiKey string) http.Header {
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	h.Set("Cache-Control", "no-store")
	h.Set("x-goog-api-key", apiKey)
	h.Set("User-Agent", userAgent)
	return h
}

// normalizeBaseURL prepends https:// when no scheme is present and strips
// exactly one trailing slash.
func normalizeBaseURL(base string) string {
	base = strings.TrimSpace(base)
	if base == "" {
		return ""
	}
	if !strings.Contains(base, "://") {
		base = "https://" + base
	}
	base = strings.TrimSuffix(base, "/")
	return base
}
