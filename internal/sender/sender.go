// Package sender uploads batches of queue-time records to the collector.
// Records are encoded as CRLF-terminated CSV and POSTed in a single request.
// There is no retry loop here: the publisher's next cadence tick is the retry.
package sender

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"github.com/Guliveer/dynoscale/agent/internal/config"
	"github.com/Guliveer/dynoscale/agent/internal/version"
)

// Request headers. DynoHeader is sent with its CGI spelling, which the
// collector expects verbatim.
const (
	ContentType = "text/csv"
	DynoHeader  = "HTTP_X_DYNO"
)

// maxResponseBody caps how much of the collector's reply is read.
const maxResponseBody = 1 << 20

// ErrEmptyPayload is returned when Send is called with nothing to upload.
var ErrEmptyPayload = errors.New("empty payload")

// Response is the part of the collector reply the publisher acts on.
type Response struct {
	StatusCode int
	Body       []byte
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r != nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// Sender posts CSV payloads to the collector URL.
type Sender struct {
	client *http.Client
	cfg    *config.Config
	logger *zap.Logger
}

// New creates a Sender. A nil client gets a dedicated HTTP/2-capable client
// with the configured request timeout.
func New(cfg *config.Config, logger *zap.Logger, client *http.Client) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	if client == nil {
		client = newClient(cfg.Publisher.RequestTimeout.Duration, logger)
	}
	return &Sender{
		client: client,
		cfg:    cfg,
		logger: logger,
	}
}

func newClient(timeout time.Duration, logger *zap.Logger) *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          2,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	if err := http2.ConfigureTransport(transport); err != nil {
		logger.Warn("HTTP/2 unavailable, using HTTP/1.1", zap.Error(err))
	}
	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}

// Send performs a single POST of payload to the collector. A transport
// failure is returned as an error; any HTTP status, successful or not, is
// returned as a Response.
func (s *Sender) Send(ctx context.Context, payload []byte) (*Response, error) {
	if len(payload) == 0 {
		s.logger.Debug("Empty payload, skipping upload")
		return nil, ErrEmptyPayload
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", ContentType)
	req.Header.Set("User-Agent", version.UserAgent())
	req.Header[DynoHeader] = []string{s.cfg.Dyno}

	if ce := s.logger.Check(zap.DebugLevel, "Uploading payload"); ce != nil {
		ce.Write(
			zap.String("url", config.RedactURL(s.cfg.URL)),
			zap.String("dyno", s.cfg.Dyno),
			zap.ByteString("body", payload))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		s.logger.Warn("Failed to read response body", zap.Error(err))
	}
	io.Copy(io.Discard, resp.Body)

	out := &Response{StatusCode: resp.StatusCode, Body: body}
	if out.OK() {
		s.logger.Info("Uploaded payload",
			zap.Int("bytes", len(payload)),
			zap.Int("status", resp.StatusCode))
	} else {
		s.logger.Warn("Collector rejected payload",
			zap.Int("bytes", len(payload)),
			zap.Int("status", resp.StatusCode))
	}
	return out, nil
}
