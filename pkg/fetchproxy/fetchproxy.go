// Copyright (c) OpenTela
// SPDX-License-Identifier: Apache-2.0

package fetchproxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/OpenTela/TelaOS/pkg/breaker"
	bridgeerr "github.com/OpenTela/TelaOS/pkg/errors"
	"github.com/OpenTela/TelaOS/pkg/frame"
	"github.com/OpenTela/TelaOS/pkg/metrics"
	"github.com/OpenTela/TelaOS/pkg/ratelimit"
)

const (
	// DefaultTimeout bounds one proxied HTTP call.
	DefaultTimeout = 15 * time.Second

	// DefaultUserAgent identifies the bridge to remote servers.
	DefaultUserAgent = "TelaOS-BLEProxy/1.0"

	// DefaultSafePayload is the encoded reply size above which a warning is
	// logged. The reply is still written whole; the firmware reassembles
	// oversized GATT writes itself.
	DefaultSafePayload = 500
)

// FrameWriter writes one encoded text frame back to the device.
type FrameWriter interface {
	WriteFrame(ctx context.Context, data []byte) error
}

// Config holds fetch proxy configuration.
type Config struct {
	// Timeout is the per-request HTTP timeout.
	Timeout time.Duration
	// UserAgent overrides the identifying User-Agent header.
	UserAgent string
	// SafePayload is the encoded reply size that triggers a warning.
	SafePayload int
	// Logger for proxy events.
	Logger *slog.Logger
}

// Proxy performs HTTP requests on behalf of the watch. Every inbound fetch
// request receives exactly one reply frame with the same id; no failure mode
// escapes this boundary.
type Proxy struct {
	cfg     Config
	client  *http.Client
	writer  FrameWriter
	logger  *slog.Logger
	limiter *ratelimit.HostLimiter
	breaker *breaker.Group
	metrics *metrics.Metrics
}

// New creates a fetch proxy writing replies through w. The limiter, breaker
// group, and metrics are optional; nil disables the corresponding guard.
func New(cfg Config, w FrameWriter, limiter *ratelimit.HostLimiter, breakers *breaker.Group, m *metrics.Metrics) *Proxy {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.SafePayload == 0 {
		cfg.SafePayload = DefaultSafePayload
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Proxy{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		writer:  w,
		logger:  cfg.Logger,
		limiter: limiter,
		breaker: breakers,
		metrics: m,
	}
}

// Handle serves one fetch request and writes exactly one reply frame.
func (p *Proxy) Handle(ctx context.Context, req frame.FetchRequest) {
	p.logger.Debug("fetch request",
		slog.Int64("id", req.ID),
		slog.String("method", req.Method),
		slog.String("url", req.URL))

	if p.metrics != nil {
		p.metrics.FetchRequests.WithLabelValues(req.Method).Inc()
	}

	status, body := p.fetch(ctx, req)
	p.reply(ctx, req.ID, status, body)
}

// fetch performs the guarded HTTP call and maps every failure to a
// (status, body) pair: 408 for timeouts, 0 for anything else.
func (p *Proxy) fetch(ctx context.Context, req frame.FetchRequest) (int, string) {
	host := hostOf(req.URL)

	if p.limiter != nil && !p.limiter.Allow(host) {
		p.logger.Warn("fetch rate limited",
			slog.Int64("id", req.ID),
			slog.String("host", host))
		p.countError("rate_limited")
		return 0, errorBody(bridgeerr.ErrRateLimited.Error())
	}

	var (
		status int
		body   string
		start  = time.Now()
	)
	call := func() error {
		var err error
		status, body, err = p.do(ctx, req)
		return err
	}

	var err error
	if p.breaker != nil {
		err = p.breaker.Host(host).Call(call)
	} else {
		err = call()
	}

	if p.metrics != nil {
		p.metrics.FetchDuration.Observe(time.Since(start).Seconds())
	}

	switch {
	case err == nil:
		p.logger.Debug("fetch done",
			slog.Int64("id", req.ID),
			slog.Int("status", status),
			slog.Int("body_size", len(body)))
		return status, body

	case isTimeout(err):
		p.logger.Warn("fetch timeout", slog.Int64("id", req.ID), slog.String("url", req.URL))
		p.countError("timeout")
		return http.StatusRequestTimeout, `{"error":"timeout"}`

	default:
		p.logger.Warn("fetch failed",
			slog.Int64("id", req.ID),
			slog.String("url", req.URL),
			slog.String("error", err.Error()))
		p.countError("network")
		return 0, errorBody(err.Error())
	}
}

// do performs the raw HTTP round trip and best-effort field filtering.
func (p *Proxy) do(ctx context.Context, req frame.FetchRequest) (int, string, error) {
	var reqBody io.Reader
	if req.Body != "" {
		reqBody = strings.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, reqBody)
	if err != nil {
		return 0, "", err
	}
	httpReq.Header.Set("User-Agent", p.cfg.UserAgent)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, "", err
	}

	body := string(raw)
	if req.Format == "json" && len(req.Fields) > 0 {
		body = filterFields(body, req.Fields)
	}
	return resp.StatusCode, body, nil
}

// filterFields projects a JSON object body onto the requested keys,
// preserving their values verbatim. Filtering is best-effort: a non-object
// body, a parse failure, or any listed key being absent falls back to the
// original body unchanged.
func filterFields(body string, fields []string) string {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(body), &obj); err != nil {
		return body
	}

	filtered := make(map[string]json.RawMessage, len(fields))
	for _, key := range fields {
		val, ok := obj[key]
		if !ok {
			return body
		}
		filtered[key] = val
	}

	out, err := json.Marshal(filtered)
	if err != nil {
		return body
	}
	return string(out)
}

// reply writes the single response frame for the request id.
func (p *Proxy) reply(ctx context.Context, id int64, status int, body string) {
	data, err := frame.FetchResponse{ID: id, Status: status, Body: body}.Encode()
	if err != nil {
		// Body is always a string; this cannot fail in practice, but the
		// contract of one reply per request still holds.
		data, _ = frame.FetchResponse{ID: id, Status: 0, Body: `{"error":"encode failure"}`}.Encode()
	}

	if len(data) > p.cfg.SafePayload {
		p.logger.Warn("fetch reply exceeds safe payload size",
			slog.Int64("id", id),
			slog.Int("size", len(data)))
	}

	if err := p.writer.WriteFrame(ctx, data); err != nil {
		p.logger.Error("fetch reply write failed",
			slog.Int64("id", id),
			slog.String("error", err.Error()))
		return
	}

	if p.metrics != nil {
		p.metrics.FramesTx.WithLabelValues("fetch_response").Inc()
	}
}

func (p *Proxy) countError(reason string) {
	if p.metrics != nil {
		p.metrics.FetchErrors.WithLabelValues(reason).Inc()
	}
}

func errorBody(msg string) string {
	data, err := json.Marshal(map[string]string{"error": msg})
	if err != nil {
		return `{"error":"unknown"}`
	}
	return string(data)
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return u.Host
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
