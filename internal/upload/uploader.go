package upload

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"cdr.dev/slog/v3"
)

// Uploader posts a request body to the collector.
type Uploader interface {
	Post(ctx context.Context, url string, body []byte, headers map[string]string) Result
}

// HTTPUploader is the net/http Uploader.
type HTTPUploader struct {
	logger  slog.Logger
	client  *http.Client
	timeout time.Duration
}

// NewHTTPUploader returns an uploader whose requests time out after timeout.
// A nil transport uses http.DefaultTransport.
func NewHTTPUploader(logger slog.Logger, transport http.RoundTripper, timeout time.Duration) *HTTPUploader {
	if transport == nil {
		transport = http.DefaultTransport
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPUploader{
		logger:  logger.Named("http_uploader"),
		client:  &http.Client{Transport: otelhttp.NewTransport(transport)},
		timeout: timeout,
	}
}

// Post sends body. Transport errors and timeouts are recoverable; a request
// that cannot be built is not.
func (u *HTTPUploader) Post(ctx context.Context, url string, body []byte, headers map[string]string) Result {
	ctx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		u.logger.Error(ctx, "build upload request", slog.F("url", url), slog.Error(err))
		return Result{Kind: UnrecoverableFailure}
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := u.client.Do(req)
	if err != nil {
		u.logger.Warn(ctx, "upload request failed", slog.F("url", url), slog.Error(err))
		return Result{Kind: RecoverableFailure}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return ResultFromStatus(resp.StatusCode)
}
