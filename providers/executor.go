package providers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/malwarebo/portrait/models"
	"github.com/malwarebo/portrait/monitoring"
	"github.com/malwarebo/portrait/observability"
	"github.com/malwarebo/portrait/resilience"
	"github.com/malwarebo/portrait/utils"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const maxResponseBytes = 64 << 20

var retryableStatuses = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

func countsAgainstBreaker(status int) bool {
	return status == http.StatusTooManyRequests || status >= http.StatusInternalServerError
}

// AnomalyChecker decides whether a "successful" image is really the input echoed back.
type AnomalyChecker interface {
	IsUnchanged(original, generated []byte) bool
}

// localError marks failures that happened on our side of the wire. They say
// nothing about upstream health and are never retried.
type localError struct {
	err error
}

func (e *localError) Error() string { return e.err.Error() }
func (e *localError) Unwrap() error { return e.err }

type CallExecutorConfig struct {
	Endpoint    Endpoint
	APIKey      string
	Client      *http.Client
	Transport   TransportConfig
	Breaker     *resilience.CircuitBreaker
	Retry       resilience.RetryConfig
	Pacer       *Pacer
	Anomaly     AnomalyChecker
	Parsers     []ResponseParser
	Diagnostics *LastCallRecorder
	Metrics     *monitoring.Metrics
	Now         func() time.Time
}

type ExecutionResult struct {
	Image      []byte
	MIMEType   string
	Format     string
	Attempts   int
	StatusCode int
	Duration   time.Duration
}

type CallExecutor struct {
	endpoint  Endpoint
	apiKey    string
	client    *http.Client
	transport TransportConfig
	adapter   WireAdapter
	breaker   *resilience.CircuitBreaker
	retry     resilience.RetryConfig
	pacer     *Pacer
	anomaly   AnomalyChecker
	parsers   []ResponseParser
	diag      *LastCallRecorder
	metrics   *monitoring.Metrics
	now       func() time.Time
}

type upstreamResponse struct {
	status   int
	body     []byte
	duration time.Duration
}

func CreateCallExecutor(cfg CallExecutorConfig) (*CallExecutor, error) {
	client := cfg.Client
	if client == nil {
		var err error
		client, err = NewHTTPClient(cfg.Transport)
		if err != nil {
			return nil, err
		}
	}
	if cfg.Breaker == nil {
		cfg.Breaker = resilience.CreateCircuitBreaker(resilience.CircuitBreakerConfig{Name: "upstream"})
	}
	if cfg.Parsers == nil {
		cfg.Parsers = DefaultParsers(NewHTTPFetcher(client, 30*time.Second))
	}
	if cfg.Diagnostics == nil {
		cfg.Diagnostics = NewLastCallRecorder()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &CallExecutor{
		endpoint:  cfg.Endpoint,
		apiKey:    cfg.APIKey,
		client:    client,
		transport: cfg.Transport,
		adapter:   NewWireAdapter(cfg.Endpoint),
		breaker:   cfg.Breaker,
		retry:     cfg.Retry,
		pacer:     cfg.Pacer,
		anomaly:   cfg.Anomaly,
		parsers:   cfg.Parsers,
		diag:      cfg.Diagnostics,
		metrics:   cfg.Metrics,
		now:       cfg.Now,
	}, nil
}

// IsRetryable limits retries to throttling and gateway-style statuses plus
// failures to establish a connection.
func IsRetryable(err error) bool {
	var (
		httpErr *utils.UpstreamHTTPError
		tErr    *utils.TransportError
	)
	switch {
	case errors.As(err, &httpErr):
		return retryableStatuses[httpErr.Status]
	case errors.As(err, &tErr):
		return tErr.Kind == utils.TransportConnectTimeout || tErr.Kind == utils.TransportConnectionRefused
	default:
		return false
	}
}

// Execute performs one generation against the upstream. It returns the
// generated image or one of the typed upstream errors; it never falls back.
func (e *CallExecutor) Execute(ctx context.Context, req models.GenerationRequest) (*ExecutionResult, error) {
	start := e.now()
	call := LastCall{URL: e.endpoint.URL(), Timestamp: start}

	if e.apiKey == "" {
		call.Error = utils.ErrUpstreamDisabled.Error()
		e.diag.Record(call)
		utils.Warn(ctx, "Upstream API key is not configured, skipping call", nil)
		return nil, utils.ErrUpstreamDisabled
	}

	if ok, remaining := e.breaker.Allow(); !ok {
		err := &utils.CircuitOpenError{Remaining: remaining}
		call.Error = err.Error()
		e.diag.Record(call)
		e.metrics.ObserveUpstreamCall(e.endpoint.Provider, utils.Reason(err), 0)
		return nil, err
	}

	ctx, span := observability.StartSpan(ctx, "upstream.execute",
		attribute.String("provider", e.endpoint.Provider),
		attribute.String("model", e.endpoint.Model),
		attribute.String("wire_shape", string(e.endpoint.Shape)),
	)

	utils.Info(ctx, "Calling image service", map[string]interface{}{
		"provider":        e.endpoint.Provider,
		"url":             call.URL,
		"wire_shape":      e.endpoint.Shape,
		"proxy":           e.transport.HTTPProxy != "" || e.transport.HTTPSProxy != "",
		"connect_timeout": e.transport.ConnectTimeout.String(),
		"read_timeout":    e.transport.ReadTimeout.String(),
	})

	var resp *upstreamResponse
	retryCfg := e.retry
	retryCfg.RetryableCheck = IsRetryable

	retryResult, err := resilience.Retry(ctx, retryCfg, func(attempt int) error {
		attemptReq := req
		if attempt > 0 {
			attemptReq = req.WithSeed(models.SeedFor(e.now()))
		}

		r, attemptErr := e.attempt(ctx, attemptReq)
		if attemptErr != nil {
			e.metrics.RecordUpstreamAttempt(e.endpoint.Provider, utils.Reason(attemptErr))
			utils.Warn(ctx, "Upstream attempt failed", map[string]interface{}{
				"attempt": attempt + 1,
				"error":   attemptErr.Error(),
			})
			return attemptErr
		}

		resp = r
		if r.status != http.StatusOK {
			httpErr := &utils.UpstreamHTTPError{Status: r.status, Body: utils.Truncate(string(r.body), 500)}
			e.metrics.RecordUpstreamAttempt(e.endpoint.Provider, utils.Reason(httpErr))
			utils.Warn(ctx, "Upstream returned non-200 status", map[string]interface{}{
				"attempt": attempt + 1,
				"status":  r.status,
			})
			return httpErr
		}
		e.metrics.RecordUpstreamAttempt(e.endpoint.Provider, "ok")
		return nil
	})

	call.Called = true
	call.Attempts = retryResult.Attempts
	if resp != nil {
		call.StatusCode = resp.status
		call.ResponseTime = fmt.Sprintf("%.2fs", resp.duration.Seconds())
		call.ResponseKeys = TopLevelKeys(resp.body)
	}

	e.recordBreakerOutcome(err)

	if err != nil {
		return nil, e.finish(ctx, span, call, start, err)
	}

	outcome := ParseResponse(ctx, resp.body, e.parsers)
	call.Format = outcome.Format

	switch outcome.Kind {
	case OutcomeUnknownFormat:
		err = &utils.UnrecognizedResponseError{Preview: outcome.Preview}
		utils.Warn(ctx, "Unrecognized upstream response", map[string]interface{}{
			"response_keys": call.ResponseKeys,
			"preview":       outcome.Preview,
		})
	case OutcomeUpstreamError:
		err = &utils.UnrecognizedResponseError{Preview: outcome.Message}
	case OutcomeSuccess:
		if e.anomaly != nil && e.anomaly.IsUnchanged(req.Image, outcome.Image) {
			err = &utils.EchoedInputError{OriginalSize: len(req.Image), GeneratedSize: len(outcome.Image)}
		}
	}
	if err != nil {
		return nil, e.finish(ctx, span, call, start, err)
	}

	call.Success = true
	e.finish(ctx, span, call, start, nil)

	mimeType := outcome.MIMEType
	if mimeType == "" {
		mimeType = http.DetectContentType(outcome.Image)
	}

	return &ExecutionResult{
		Image:      outcome.Image,
		MIMEType:   mimeType,
		Format:     outcome.Format,
		Attempts:   retryResult.Attempts,
		StatusCode: resp.status,
		Duration:   e.now().Sub(start),
	}, nil
}

func (e *CallExecutor) attempt(ctx context.Context, req models.GenerationRequest) (*upstreamResponse, error) {
	payload, err := e.adapter.BuildPayload(req)
	if err != nil {
		return nil, &localError{fmt.Errorf("failed to build upstream payload: %w", err)}
	}

	if err := e.pacer.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &localError{fmt.Errorf("outbound pacing: %w", context.DeadlineExceeded)}
	}

	attemptCtx := ctx
	if budget := e.transport.ConnectTimeout + e.transport.ReadTimeout; budget > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, budget)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, e.endpoint.URL(), bytes.NewReader(payload))
	if err != nil {
		return nil, &localError{fmt.Errorf("failed to create request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+e.apiKey)

	sent := time.Now()
	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, e.classify(ctx, attemptCtx, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, e.classify(ctx, attemptCtx, err)
	}

	return &upstreamResponse{status: resp.StatusCode, body: body, duration: time.Since(sent)}, nil
}

// classify treats expiry of the per-attempt budget as a read timeout while
// letting the caller's own cancellation or deadline through untouched.
func (e *CallExecutor) classify(ctx, attemptCtx context.Context, err error) error {
	if ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return &utils.TransportError{Kind: utils.TransportReadTimeout, Timeout: e.transport.ReadTimeout, Err: err}
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return ClassifyTransportError(err, e.transport)
}

// recordBreakerOutcome reports one verdict per execution. Local failures,
// proxy failures and caller cancellation free a half-open probe instead.
// A 4xx other than 429 means the upstream answered, so it counts as healthy.
func (e *CallExecutor) recordBreakerOutcome(err error) {
	var (
		tErr    *utils.TransportError
		httpErr *utils.UpstreamHTTPError
		local   *localError
	)
	switch {
	case err == nil:
		e.breaker.RecordSuccess()
	case errors.As(err, &httpErr) && !countsAgainstBreaker(httpErr.Status):
		e.breaker.RecordSuccess()
	case errors.As(err, &local), errors.Is(err, context.Canceled):
		e.breaker.ReleaseProbe()
	case errors.As(err, &tErr) && !tErr.CountsAgainstUpstream():
		e.breaker.ReleaseProbe()
	default:
		e.breaker.RecordFailure()
	}
}

func (e *CallExecutor) finish(ctx context.Context, span trace.Span, call LastCall, start time.Time, err error) error {
	outcome := "success"
	if err != nil {
		call.Error = err.Error()
		outcome = utils.Reason(err)
		utils.Error(ctx, "Upstream generation failed", map[string]interface{}{
			"reason":   outcome,
			"error":    err.Error(),
			"attempts": call.Attempts,
			"status":   call.StatusCode,
		})
	} else {
		utils.Info(ctx, "Upstream generation succeeded", map[string]interface{}{
			"format":   call.Format,
			"attempts": call.Attempts,
		})
	}

	e.diag.Record(call)
	e.metrics.ObserveUpstreamCall(e.endpoint.Provider, outcome, e.now().Sub(start))

	span.SetAttributes(
		attribute.Int("attempts", call.Attempts),
		attribute.Int("status_code", call.StatusCode),
		attribute.String("format", call.Format),
	)
	observability.EndSpan(span, err)
	return err
}

type NetworkInfo struct {
	Provider         string                     `json:"provider"`
	URL              string                     `json:"url"`
	WireShape        WireShape                  `json:"wire_shape"`
	Model            string                     `json:"model"`
	ProxyConfigured  bool                       `json:"proxy_configured"`
	ConnectTimeout   float64                    `json:"connect_timeout_seconds"`
	ReadTimeout      float64                    `json:"read_timeout_seconds"`
	MaxRetries       int                        `json:"max_retries"`
	APIKeyConfigured bool                       `json:"api_key_configured"`
	APIKeyLength     int                        `json:"api_key_length"`
	CircuitBreaker   resilience.BreakerSnapshot `json:"circuit_breaker"`
	LastCall         *LastCall                  `json:"last_call,omitempty"`
}

// NetworkInfo describes the upstream wiring without exposing the key itself.
func (e *CallExecutor) NetworkInfo() NetworkInfo {
	info := NetworkInfo{
		Provider:         e.endpoint.Provider,
		URL:              e.endpoint.URL(),
		WireShape:        e.endpoint.Shape,
		Model:            e.endpoint.Model,
		ProxyConfigured:  e.transport.HTTPProxy != "" || e.transport.HTTPSProxy != "",
		ConnectTimeout:   e.transport.ConnectTimeout.Seconds(),
		ReadTimeout:      e.transport.ReadTimeout.Seconds(),
		MaxRetries:       e.retry.MaxRetries,
		APIKeyConfigured: e.apiKey != "",
		APIKeyLength:     len(e.apiKey),
		CircuitBreaker:   e.breaker.Snapshot(),
	}
	if last, ok := e.diag.Last(); ok {
		info.LastCall = &last
	}
	return info
}

func (e *CallExecutor) Endpoint() Endpoint {
	return e.endpoint
}

func (e *CallExecutor) Breaker() *resilience.CircuitBreaker {
	return e.breaker
}
