package raven

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
)

const (
	// ClientName identifies this client to the collector
	ClientName    = "sentry-raven-go"
	ClientVersion = "1.0.0"

	sentryVersion = 7

	maxResponseBody = 4 << 10
)

// UserAgent is sent with every request
var UserAgent = ClientName + "/" + ClientVersion

// Sender posts a single queued request to the collector
type Sender interface {
	Send(ctx context.Context, request QueuedRequest) *SendResult
}

// HTTPTransport handles HTTP communication with Sentry
type HTTPTransport struct {
	config      *TransportConfig
	dsn         *DSN
	client      *http.Client
	logger      *zap.Logger
	rateLimiter *RateLimiter
	now         func() time.Time
}

// NewHTTPTransport creates a new HTTP transport. A nil client gets a
// dedicated one honoring the DSN verify_ssl option and the proxy setting.
func NewHTTPTransport(config *TransportConfig, dsn *DSN, client *http.Client, rateLimiter *RateLimiter, logger *zap.Logger) (*HTTPTransport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if rateLimiter == nil {
		rateLimiter = NewRateLimiter(logger)
	}

	if client == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: !dsn.VerifySSL(), //nolint:gosec // opt-in via verify_ssl=0
		}

		if config.Proxy != "" {
			proxyURL, err := url.Parse(config.Proxy)
			if err != nil {
				return nil, fmt.Errorf("invalid proxy URL: %w", err)
			}
			transport.Proxy = http.ProxyURL(proxyURL)
		}

		client = &http.Client{
			Transport: transport,
			Timeout:   config.Timeout,
		}
	}

	return &HTTPTransport{
		config:      config,
		dsn:         dsn,
		client:      client,
		logger:      logger,
		rateLimiter: rateLimiter,
		now:         time.Now,
	}, nil
}

// Send posts request to the store endpoint. Any 2xx status is a success.
func (t *HTTPTransport) Send(ctx context.Context, request QueuedRequest) *SendResult {
	if t.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.config.Timeout)
		defer cancel()
	}

	req, err := t.createRequest(ctx, request)
	if err != nil {
		t.logger.Error("Failed to create request",
			zap.String("request_id", request.UUID),
			zap.Error(err))
		return &SendResult{RequestID: request.UUID, Error: err.Error()}
	}

	resp, err := t.client.Do(req)
	if err != nil {
		t.logger.Debug("HTTP request failed",
			zap.String("request_id", request.UUID),
			zap.Error(err))
		return &SendResult{RequestID: request.UUID, Error: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		t.logger.Debug("Failed to read response body",
			zap.String("request_id", request.UUID),
			zap.Error(err))
	}

	t.rateLimiter.HandleResponse(resp.StatusCode, resp.Header)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		t.logger.Debug("Event sent successfully",
			zap.String("request_id", request.UUID),
			zap.Int("status_code", resp.StatusCode))
		return &SendResult{Success: true, RequestID: request.UUID}
	}

	t.logger.Warn("Event send failed",
		zap.String("request_id", request.UUID),
		zap.Int("status_code", resp.StatusCode),
		zap.String("response", string(body)))

	return &SendResult{
		RequestID: request.UUID,
		RateLimit: resp.StatusCode == http.StatusTooManyRequests,
		Error:     fmt.Sprintf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
	}
}

// createRequest creates an HTTP request for the queued payload
func (t *HTTPTransport) createRequest(ctx context.Context, request QueuedRequest) (*http.Request, error) {
	var body io.Reader
	var contentEncoding string

	if t.config.Compression {
		var buf bytes.Buffer
		gzipWriter := gzip.NewWriter(&buf)
		if _, err := gzipWriter.Write([]byte(request.Payload)); err != nil {
			return nil, fmt.Errorf("failed to compress payload: %w", err)
		}
		if err := gzipWriter.Close(); err != nil {
			return nil, fmt.Errorf("failed to close gzip writer: %w", err)
		}
		body = &buf
		contentEncoding = "gzip"
	} else {
		body = strings.NewReader(request.Payload)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.dsn.StoreURL(), body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("X-Sentry-Auth", t.authHeader())
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	if contentEncoding != "" {
		req.Header.Set("Content-Encoding", contentEncoding)
	}

	return req, nil
}

// authHeader creates the X-Sentry-Auth header
func (t *HTTPTransport) authHeader() string {
	return fmt.Sprintf("Sentry sentry_version=%d, sentry_client=%s, sentry_timestamp=%d, sentry_key=%s, sentry_secret=%s",
		sentryVersion, UserAgent, t.now().Unix(), t.dsn.PublicKey, t.dsn.SecretKey)
}

// RateLimiter returns the rate limiter fed by collector responses
func (t *HTTPTransport) RateLimiter() *RateLimiter {
	return t.rateLimiter
}

// Close closes the transport
func (t *HTTPTransport) Close() error {
	if t.client != nil {
		t.client.CloseIdleConnections()
	}
	return nil
}
