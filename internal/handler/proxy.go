package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"gemini-proxy-go/internal/config"
	"gemini-proxy-go/internal/gate"
	"gemini-proxy-go/internal/metrics"
	"gemini-proxy-go/internal/model"
	"gemini-proxy-go/internal/relay"
	"gemini-proxy-go/internal/service"
)

// providerName identifies this upstream to the authorization gate.
const providerName = "gemini"

// ProxyHandler dispatches API requests: it consults the authorization gate,
// forwards to the upstream Gemini API, and relays the transformed response.
type ProxyHandler struct {
	service *service.ProxyService
	gate    gate.Authorizer
	logger  *slog.Logger
	metrics *metrics.Metrics
	timeout time.Duration
}

// NewProxyHandler creates a ProxyHandler. The metrics parameter is optional;
// pass nil to disable stream event counters.
func NewProxyHandler(svc *service.ProxyService, g gate.Authorizer, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		gate:    g,
		logger:  logger.With("component", "proxy_handler"),
		metrics: m,
		timeout: time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
	}
}

// Handle dispatches one inbound request.
//
// OPTIONS pre-flights are acknowledged without forwarding. Failures before
// forwarding (gate denial, missing credential) return 401 with a structured
// error body. Failures during or after forwarding degrade to an error-shaped
// body under the default status: the dispatcher fails open rather than
// surfacing transport or parse errors as crashes.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	if req.Method == http.MethodOptions {
		return c.NoContent(http.StatusOK)
	}

	if err := h.gate.Authorize(req, providerName); err != nil {
		return c.JSON(http.StatusUnauthorized, errorBody(err))
	}

	// One bound covers the whole relay: waiting for the upstream and the
	// client draining a streamed body. The deferred cancel releases the
	// timer and the upstream connection on every exit path.
	ctx, cancel := context.WithTimeout(req.Context(), h.timeout)
	defer cancel()

	pr := &model.ProxyRequest{
		Ctx:    ctx,
		Method: req.Method,
		Path:   req.URL.Path,
		Query:  req.URL.Query(),
		Header: req.Header,
		Body:   req.Body,
	}

	resp, err := h.service.Forward(pr)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.IsEventStream() {
		return h.relayStream(c, resp)
	}
	return h.relaySingleShot(c, resp)
}

// relayStream reframes an upstream SSE body into the outbound event protocol,
// one flushed record per recognized upstream line. Stream closure is the
// termination signal; no done sentinel is emitted.
func (h *ProxyHandler) relayStream(c echo.Context, resp *model.ProxyResponse) error {
	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
	res.WriteHeader(resp.StatusCode)

	rf := relay.NewReframer(resp.Body, h.logger, h.metrics)
	for {
		ev, err := rf.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			// Headers are already sent; the client sees a truncated stream
			// with the original status. Log and close.
			h.logger.Error("upstream stream read",
				"err", err,
				"path", c.Request().URL.Path,
			)
			return nil
		}
		if err := relay.WriteEvent(res, res, ev); err != nil {
			h.logger.Error("writing stream event",
				"err", err,
				"path", c.Request().URL.Path,
			)
			return nil
		}
	}
}

// relaySingleShot buffers a non-stream upstream body, augments it with any
// extracted tool invocation, and returns it under the original status code.
func (h *ProxyHandler) relaySingleShot(c echo.Context, resp *model.ProxyResponse) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return h.failOpen(c, err)
	}

	out, err := relay.AugmentDocument(body)
	if err != nil {
		return h.failOpen(c, err)
	}

	c.Response().Header().Set("Cache-Control", "no-store")
	return c.JSONBlob(resp.StatusCode, out)
}

// mapError renders pre-forward failures as 401 and everything else fail-open.
func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	if errors.Is(err, service.ErrMissingCredential) {
		h.logger.Warn("request without usable credential",
			"path", c.Request().URL.Path,
		)
		return c.JSON(http.StatusUnauthorized, errorBody(err))
	}
	return h.failOpen(c, err)
}

// failOpen renders a runtime failure as a diagnostic body without forcing a
// status code. Upstream timeouts, transport errors, and unparseable
// single-shot bodies all land here; none of them may take the process down.
func (h *ProxyHandler) failOpen(c echo.Context, err error) error {
	h.logger.Error("proxy error",
		"err", err,
		"path", c.Request().URL.Path,
	)
	return c.JSON(http.StatusOK, errorBody(err))
}

func errorBody(err error) map[string]any {
	return map[string]any{
		"error":   true,
		"message": err.Error(),
	}
}
