package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/malwarebo/portrait/models"
	"github.com/malwarebo/portrait/monitoring"
	"github.com/malwarebo/portrait/observability"
	"github.com/malwarebo/portrait/providers"
	"github.com/malwarebo/portrait/security"
	"github.com/malwarebo/portrait/storage"
	"github.com/malwarebo/portrait/stores"
	"github.com/malwarebo/portrait/utils"
)

const (
	historyLimit     = 50
	statusKeyPrefix  = "portrait:status:"
	defaultMaxUpload = 16 << 20
)

// Generator is the upstream call path; *providers.CallExecutor satisfies it.
type Generator interface {
	Execute(ctx context.Context, req models.GenerationRequest) (*providers.ExecutionResult, error)
}

// StatusCache is the read-through cache for code status; *cache.RedisCache satisfies it.
type StatusCache interface {
	GetJSON(ctx context.Context, key string, dst interface{}) error
	SetJSON(ctx context.Context, key string, value interface{}) error
	Delete(ctx context.Context, key string) error
}

type GatewayConfig struct {
	Limiter        security.Limiter
	Ledger         *QuotaLedger
	Generator      Generator
	Renderer       FallbackRenderer
	Storage        storage.Store
	Logs           *stores.GenerationLogStore
	Attempts       *stores.VerificationAttemptStore
	Cache          StatusCache
	Metrics        *monitoring.Metrics
	Provider       string
	Model          string
	MaxUploadBytes int64
	Now            func() time.Time
}

// GenerationGateway owns one portrait request end to end: admission,
// quota check, upstream call or local fallback, billing and audit.
type GenerationGateway struct {
	limiter   security.Limiter
	ledger    *QuotaLedger
	generator Generator
	renderer  FallbackRenderer
	storage   storage.Store
	logs      *stores.GenerationLogStore
	attempts  *stores.VerificationAttemptStore
	cache     StatusCache
	metrics   *monitoring.Metrics
	provider  string
	model     string
	maxUpload int64
	now       func() time.Time
}

type VerifyResult struct {
	Code      string `json:"code"`
	Remaining int    `json:"remaining"`
	MaxUses   int    `json:"max_uses"`
}

type GenerateInput struct {
	Code      string
	Image     []byte
	Filename  string
	Options   models.StyleOptions
	ClientIP  string
	UserAgent string
}

type GenerateResult struct {
	ResultName     string `json:"result_name"`
	ResultURL      string `json:"result_url"`
	Remaining      int    `json:"remaining"`
	MaxUses        int    `json:"max_uses"`
	UsedFallback   bool   `json:"used_fallback"`
	FallbackReason string `json:"fallback_reason,omitempty"`
	Message        string `json:"message,omitempty"`
	Transformed    bool   `json:"transformed"`
}

type StatusResult struct {
	Code      string                `json:"code"`
	Status    models.CodeStatus     `json:"status"`
	Remaining int                   `json:"remaining"`
	MaxUses   int                   `json:"max_uses"`
	UsedCount int                   `json:"used_count"`
	History   []models.HistoryEntry `json:"history"`
}

func CreateGenerationGateway(cfg GatewayConfig) (*GenerationGateway, error) {
	if cfg.Limiter == nil || cfg.Ledger == nil || cfg.Generator == nil || cfg.Storage == nil {
		return nil, errors.New("gateway requires a limiter, ledger, generator and storage")
	}
	if cfg.Renderer == nil {
		cfg.Renderer = NewLocalRenderer()
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = defaultMaxUpload
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &GenerationGateway{
		limiter:   cfg.Limiter,
		ledger:    cfg.Ledger,
		generator: cfg.Generator,
		renderer:  cfg.Renderer,
		storage:   cfg.Storage,
		logs:      cfg.Logs,
		attempts:  cfg.Attempts,
		cache:     cfg.Cache,
		metrics:   cfg.Metrics,
		provider:  cfg.Provider,
		model:     cfg.Model,
		maxUpload: cfg.MaxUploadBytes,
		now:       cfg.Now,
	}, nil
}

func (g *GenerationGateway) admit(ctx context.Context, identity string, class security.PolicyClass) error {
	decision, err := g.limiter.Check(ctx, identity, class)
	if err != nil {
		// fail open
		utils.LogError(ctx, err, "Rate limiter check failed, admitting request", map[string]interface{}{
			"class": string(class),
		})
		return nil
	}
	if decision.Allowed {
		return nil
	}

	g.metrics.RecordRateLimitDenial(string(class), decision.Blocked)
	utils.Warn(ctx, "Request rate limited", map[string]interface{}{
		"class":       string(class),
		"client_ip":   identity,
		"retry_after": decision.RetryAfter.String(),
		"blocked":     decision.Blocked,
	})
	return &utils.RateLimitedError{RetryAfter: decision.RetryAfter, Reason: decision.Reason}
}

// Verify checks a code without consuming it. Every call leaves an audit row.
func (g *GenerationGateway) Verify(ctx context.Context, code, clientIP string) (*VerifyResult, error) {
	code = utils.NormalizeCode(code)

	res, err := g.verify(ctx, code, clientIP)
	g.recordAttempt(ctx, code, clientIP, err)

	if err != nil {
		g.metrics.RecordVerification(utils.Reason(err))
		return nil, err
	}
	g.metrics.RecordVerification("ok")
	return res, nil
}

func (g *GenerationGateway) verify(ctx context.Context, code, clientIP string) (*VerifyResult, error) {
	if err := g.admit(ctx, clientIP, security.PolicyVerify); err != nil {
		return nil, err
	}

	r, err := g.ledger.Reserve(ctx, code)
	if err != nil {
		return nil, err
	}
	return &VerifyResult{Code: r.Code, Remaining: r.Remaining, MaxUses: r.MaxUses}, nil
}

func (g *GenerationGateway) recordAttempt(ctx context.Context, code, clientIP string, verr error) {
	if g.attempts == nil {
		return
	}
	attempt := &models.VerificationAttempt{
		Code:          utils.Truncate(code, 32),
		IPAddress:     clientIP,
		Success:       verr == nil,
		FailureReason: utils.Reason(verr),
	}
	if err := g.attempts.Create(ctx, attempt); err != nil {
		utils.LogError(ctx, err, "Failed to record verification attempt", map[string]interface{}{"code": code})
	}
}

// Generate runs one portrait generation. Validation, admission and quota
// failures are returned as errors; anything that goes wrong upstream is
// absorbed into the local fallback so the caller always gets an image.
func (g *GenerationGateway) Generate(ctx context.Context, in GenerateInput) (result *GenerateResult, err error) {
	ctx, span := observability.StartSpan(ctx, "gateway.generate")
	defer func() { observability.EndSpan(span, err) }()

	if err := g.admit(ctx, in.ClientIP, security.PolicyGeneral); err != nil {
		g.metrics.RecordGeneration("rejected", utils.Reason(err))
		return nil, err
	}

	code := utils.NormalizeCode(in.Code)
	opts, mimeType, err := g.validate(code, in)
	if err != nil {
		g.metrics.RecordGeneration("rejected", utils.Reason(err))
		return nil, err
	}

	reservation, err := g.ledger.Reserve(ctx, code)
	if err != nil {
		g.metrics.RecordGeneration("rejected", utils.Reason(err))
		return nil, err
	}
	span.SetAttributes(attribute.String("code", code), attribute.String("style", opts.Descriptor()))

	req := models.NewGenerationRequest(in.Image, mimeType, opts, g.provider, g.model, g.now())
	output, outputType, execErr := g.execute(ctx, req)

	result = &GenerateResult{
		Remaining: reservation.Remaining,
		MaxUses:   reservation.MaxUses,
	}

	if execErr != nil {
		rendered := g.renderer.Render(ctx, in.Image, mimeType, opts)
		output, outputType = rendered.Image, rendered.MIMEType
		result.UsedFallback = true
		result.FallbackReason = utils.Reason(execErr)
		result.Message = execErr.Error()
		result.Transformed = rendered.Transformed
		if !rendered.Transformed {
			result.Message = execErr.Error() + "; the original image was returned without changes"
		}
		utils.Warn(ctx, "Using local fallback render", map[string]interface{}{
			"code":        code,
			"reason":      result.FallbackReason,
			"error":       execErr.Error(),
			"transformed": rendered.Transformed,
		})
	} else {
		result.Transformed = true
	}

	originalName := storage.NewObjectName(extensionOf(in.Filename, mimeType))
	result.ResultName = storage.ResultName(originalName, storage.ExtensionFor(outputType))
	result.ResultURL = "/result/" + result.ResultName

	if err := g.saveImages(ctx, originalName, in.Image, mimeType, result.ResultName, output, outputType); err != nil {
		utils.LogError(ctx, err, "Failed to store images", map[string]interface{}{"code": code})
		g.metrics.RecordGeneration("failed", "storage")
		return nil, utils.ErrStorageFailed
	}

	// The use is billed only once the result is stored and deliverable.
	if !result.UsedFallback {
		remaining, err := g.ledger.Commit(ctx, code)
		if err != nil {
			g.metrics.RecordGeneration("rejected", utils.Reason(err))
			g.invalidateStatus(ctx, code)
			return nil, err
		}
		result.Remaining = remaining
	}

	g.recordGeneration(ctx, &models.GenerationLog{
		Code:          code,
		Style:         opts.Descriptor(),
		OriginalImage: originalName,
		ResultImage:   result.ResultName,
		UsedFallback:  result.UsedFallback,
		FailureReason: result.FallbackReason,
		IPAddress:     in.ClientIP,
		UserAgent:     utils.Truncate(in.UserAgent, 512),
	})
	g.invalidateStatus(ctx, code)

	if result.UsedFallback {
		g.metrics.RecordGeneration("fallback", result.FallbackReason)
	} else {
		g.metrics.RecordGeneration("generated", "")
	}

	utils.Info(ctx, "Generation completed", map[string]interface{}{
		"code":          code,
		"result":        result.ResultName,
		"used_fallback": result.UsedFallback,
		"remaining":     result.Remaining,
	})
	return result, nil
}

func (g *GenerationGateway) validate(code string, in GenerateInput) (models.StyleOptions, string, error) {
	if code == "" {
		return models.StyleOptions{}, "", utils.ErrCodeRequired
	}
	if len(in.Image) == 0 {
		return models.StyleOptions{}, "", utils.ErrImageRequired
	}
	if int64(len(in.Image)) > g.maxUpload {
		return models.StyleOptions{}, "", utils.ErrImageTooLarge
	}
	if in.Filename != "" && !utils.AllowedImageFile(in.Filename) {
		return models.StyleOptions{}, "", utils.ErrImageType
	}

	mimeType := http.DetectContentType(in.Image)
	switch mimeType {
	case "image/png", "image/jpeg", "image/webp":
	default:
		return models.StyleOptions{}, "", utils.ErrImageType
	}

	opts := in.Options.WithDefaults()
	if err := utils.ValidateStruct(opts); err != nil {
		return models.StyleOptions{}, "", err
	}
	return opts, mimeType, nil
}

func (g *GenerationGateway) execute(ctx context.Context, req models.GenerationRequest) (out []byte, mimeType string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("generation panic: %v", rec)
		}
	}()

	res, err := g.generator.Execute(ctx, req)
	if err != nil {
		return nil, "", err
	}
	return res.Image, res.MIMEType, nil
}

func (g *GenerationGateway) saveImages(ctx context.Context, originalName string, original []byte, originalType, resultName string, result []byte, resultType string) error {
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return g.storage.Save(egCtx, originalName, original, originalType)
	})
	eg.Go(func() error {
		return g.storage.Save(egCtx, resultName, result, resultType)
	})
	return eg.Wait()
}

func (g *GenerationGateway) recordGeneration(ctx context.Context, log *models.GenerationLog) {
	if g.logs == nil {
		return
	}
	if err := g.logs.Create(ctx, log); err != nil {
		utils.LogError(ctx, err, "Failed to record generation log", map[string]interface{}{"code": log.Code})
	}
}

func (g *GenerationGateway) invalidateStatus(ctx context.Context, code string) {
	invalidateStatus(ctx, g.cache, code)
}

func invalidateStatus(ctx context.Context, c StatusCache, code string) {
	if c == nil {
		return
	}
	if err := c.Delete(ctx, statusKeyPrefix+code); err != nil {
		utils.Warn(ctx, "Failed to invalidate status cache", map[string]interface{}{
			"code":  code,
			"error": err.Error(),
		})
	}
}

// Status reports a code's remaining uses and its recent generations.
func (g *GenerationGateway) Status(ctx context.Context, code string) (*StatusResult, error) {
	code = utils.NormalizeCode(code)
	if code == "" {
		return nil, utils.ErrCodeRequired
	}

	if g.cache != nil {
		var cached StatusResult
		if err := g.cache.GetJSON(ctx, statusKeyPrefix+code, &cached); err == nil {
			return &cached, nil
		}
	}

	ac, err := g.ledger.codes.GetByCode(ctx, code)
	if err != nil {
		return nil, g.ledger.translate(err)
	}

	status := &StatusResult{
		Code:      ac.Code,
		Status:    ac.Status,
		Remaining: ac.Remaining(),
		MaxUses:   ac.MaxUses,
		UsedCount: ac.UsedCount,
		History:   []models.HistoryEntry{},
	}

	if g.logs != nil {
		logs, err := g.logs.ListByCode(ctx, code, historyLimit)
		if err != nil {
			utils.LogError(ctx, err, "Failed to load generation history", map[string]interface{}{"code": code})
			return nil, utils.ErrDatabaseQuery
		}
		for _, l := range logs {
			status.History = append(status.History, models.HistoryEntry{
				Style:  l.Style,
				Time:   l.CreatedAt,
				Result: l.ResultImage,
			})
		}
	}

	if g.cache != nil {
		if err := g.cache.SetJSON(ctx, statusKeyPrefix+code, status); err != nil {
			utils.Warn(ctx, "Failed to cache code status", map[string]interface{}{"error": err.Error()})
		}
	}
	return status, nil
}

// OpenResult streams a stored image by its bare object name.
func (g *GenerationGateway) OpenResult(ctx context.Context, name string) (io.ReadCloser, *storage.ObjectInfo, error) {
	if !storage.ValidName(name) {
		return nil, nil, utils.ErrResultNotFound
	}
	rc, info, err := g.storage.Open(ctx, name)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, nil, utils.ErrResultNotFound
		}
		return nil, nil, err
	}
	return rc, info, nil
}

func extensionOf(filename, mimeType string) string {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), ".")
	if ext != "" && utils.AllowedImageFile(filename) {
		return ext
	}
	return storage.ExtensionFor(mimeType)
}
