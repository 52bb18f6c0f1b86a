// Package submit uploads job archives to the import endpoint. The caller
// creates the session first so the server can publish progress on the
// session's topic from the very first byte.
package submit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	archivehash "github.com/JakeFAU/realtime-job-progress/internal/hash/sha256"
	"github.com/JakeFAU/realtime-job-progress/internal/telemetry"
)

const (
	// SessionField is the multipart field carrying the correlation id.
	SessionField = "sessionId"
	// FileField is the multipart field carrying the archive.
	FileField = "file"
)

// Config controls the HTTP client.
type Config struct {
	BaseURL       string
	Timeout       time.Duration
	RetryCount    int
	RetryWait     time.Duration
	RetryMaxWait  time.Duration
	RatePerSecond float64 // zero disables the limit
	Burst         int
	Login         string
	Passcode      string
	Logger        *zap.Logger
	// Propagator injects trace context into request headers. Nil uses the
	// global otel propagator.
	Propagator propagation.TextMapPropagator
}

// StatusError reports a non-2xx answer from the import endpoint.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("import rejected with status %d: %s", e.StatusCode, strings.TrimSpace(e.Body))
}

// Result describes an accepted submission.
type Result struct {
	StatusCode int
	Body       []byte
}

// Client posts archives as multipart form data.
type Client struct {
	baseURL    string
	http       *resty.Client
	logger     *zap.Logger
	propagator propagation.TextMapPropagator
	limiter    *rate.Limiter
}

// New validates cfg and builds a Client.
func New(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("submit: invalid base url %q", cfg.BaseURL)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RetryWait <= 0 {
		cfg.RetryWait = 500 * time.Millisecond
	}
	if cfg.RetryMaxWait <= 0 {
		cfg.RetryMaxWait = 2 * time.Second
	}

	httpClient := resty.New().
		SetHeader("Accept", "application/json").
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(cfg.RetryWait).
		SetRetryMaxWaitTime(cfg.RetryMaxWait).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil || r == nil {
				return false
			}
			return r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= http.StatusInternalServerError
		})
	if cfg.Timeout > 0 {
		httpClient.SetTimeout(cfg.Timeout)
	}
	if cfg.Login != "" {
		httpClient.SetBasicAuth(cfg.Login, cfg.Passcode)
	}
	return &Client{
		baseURL:    base.String(),
		http:       httpClient,
		logger:     logger.Named("submit"),
		propagator: cfg.Propagator,
		limiter:    newLimiter(cfg.RatePerSecond, cfg.Burst),
	}, nil
}

func newLimiter(rps float64, burst int) *rate.Limiter {
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(limit, burst)
}

// Endpoint returns the import URL for kind.
func (c *Client) Endpoint(kind string) string {
	return c.baseURL + path.Join("/api", kind, "import")
}

// Submit uploads the archive at filePath for the given session.
func (c *Client) Submit(ctx context.Context, kind, sessionID, filePath string) (Result, error) {
	if kind == "" || sessionID == "" {
		return Result{}, errors.New("submit: kind and session id are required")
	}
	digest, err := archivehash.File(filePath)
	if err != nil {
		return Result{}, fmt.Errorf("submit: %w", err)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return Result{}, fmt.Errorf("submit rate limit: %w", err)
	}

	endpoint := c.Endpoint(kind)
	ctx, span := otel.Tracer(telemetry.TracerName).Start(ctx, "submit archive")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.kind", kind),
		attribute.String("job.session_id", sessionID),
		attribute.String("http.url", endpoint),
		attribute.String("archive.sha256", digest.Sum),
		attribute.Int64("archive.size", digest.Size),
	)
	propagator := c.propagator
	if propagator == nil {
		propagator = otel.GetTextMapPropagator()
	}
	headers := http.Header{}
	propagator.Inject(ctx, propagation.HeaderCarrier(headers))

	start := time.Now()
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaderMultiValues(headers).
		SetMultipartFormData(map[string]string{SessionField: sessionID}).
		SetFile(FileField, filePath).
		Post(endpoint)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return Result{}, fmt.Errorf("submit archive: %w", err)
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode()))
	if !resp.IsSuccess() {
		statusErr := &StatusError{StatusCode: resp.StatusCode(), Body: resp.String()}
		span.SetStatus(codes.Error, statusErr.Error())
		return Result{}, statusErr
	}
	c.logger.Info("archive submitted",
		zap.String("endpoint", endpoint),
		zap.String("session_id", sessionID),
		zap.String("sha256", digest.Sum),
		zap.Int64("bytes", digest.Size),
		zap.Int("status", resp.StatusCode()),
		zap.Duration("elapsed", time.Since(start)),
	)
	return Result{StatusCode: resp.StatusCode(), Body: resp.Body()}, nil
}
