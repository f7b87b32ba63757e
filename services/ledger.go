package services

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"

	"github.com/malwarebo/portrait/models"
	"github.com/malwarebo/portrait/monitoring"
	"github.com/malwarebo/portrait/observability"
	"github.com/malwarebo/portrait/stores"
	"github.com/malwarebo/portrait/utils"
)

type Reservation struct {
	Code      string
	Remaining int
	MaxUses   int
}

// QuotaLedger checks and bills access-code uses. Reserve never mutates;
// Commit is the only write and must follow a real, non-fallback generation.
type QuotaLedger struct {
	codes   *stores.AccessCodeStore
	metrics *monitoring.Metrics
}

func CreateQuotaLedger(codes *stores.AccessCodeStore, metrics *monitoring.Metrics) *QuotaLedger {
	return &QuotaLedger{codes: codes, metrics: metrics}
}

func (l *QuotaLedger) Reserve(ctx context.Context, code string) (*Reservation, error) {
	code = utils.NormalizeCode(code)
	if code == "" {
		return nil, utils.ErrCodeRequired
	}

	ac, err := l.codes.GetByCode(ctx, code)
	if err != nil {
		return nil, l.translate(err)
	}
	if err := checkUsable(ac); err != nil {
		return nil, err
	}

	return &Reservation{Code: ac.Code, Remaining: ac.Remaining(), MaxUses: ac.MaxUses}, nil
}

// Commit bills one use and returns what is left. A code that ran out (or was
// disabled) between Reserve and Commit is reported with the matching error
// and left untouched.
func (l *QuotaLedger) Commit(ctx context.Context, code string) (int, error) {
	code = utils.NormalizeCode(code)

	ctx, span := observability.StartSpan(ctx, "ledger.commit", attribute.String("code", code))
	remaining, err := l.commit(ctx, code)
	observability.EndSpan(span, err)

	if err != nil {
		l.metrics.RecordLedgerCommit(utils.Reason(err))
		return 0, err
	}
	l.metrics.RecordLedgerCommit("committed")
	return remaining, nil
}

func (l *QuotaLedger) commit(ctx context.Context, code string) (int, error) {
	rows, err := l.codes.IncrementUsage(ctx, code)
	if err != nil {
		utils.LogError(ctx, err, "Failed to commit access code use", map[string]interface{}{"code": code})
		return 0, utils.ErrDatabaseQuery
	}

	ac, err := l.codes.GetByCode(ctx, code)
	if err != nil {
		return 0, l.translate(err)
	}

	if rows == 0 {
		utils.Warn(ctx, "Access code commit affected no rows", map[string]interface{}{
			"code":       code,
			"used_count": ac.UsedCount,
			"max_uses":   ac.MaxUses,
			"status":     ac.Status,
		})
		if err := checkUsable(ac); err != nil {
			return 0, err
		}
		return 0, utils.ErrCodeExhausted
	}

	utils.Info(ctx, "Access code use committed", map[string]interface{}{
		"code":      code,
		"remaining": ac.Remaining(),
	})
	return ac.Remaining(), nil
}

func checkUsable(ac *models.AccessCode) error {
	if !ac.IsActive() {
		return utils.ErrCodeInactive
	}
	if ac.Remaining() <= 0 {
		return utils.ErrCodeExhausted
	}
	return nil
}

func (l *QuotaLedger) translate(err error) error {
	if errors.Is(err, stores.ErrNotFound) {
		return utils.ErrCodeNotFound
	}
	return utils.ErrDatabaseQuery
}
