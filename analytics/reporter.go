package analytics

import (
	"context"
	"sort"
	"time"

	"github.com/malwarebo/portrait/models"
	"github.com/malwarebo/portrait/stores"
	"github.com/malwarebo/portrait/utils"
)

const (
	PeriodDaily   = "daily"
	PeriodWeekly  = "weekly"
	PeriodMonthly = "monthly"
)

type UsageReport struct {
	Period              string         `json:"period"`
	Since               time.Time      `json:"since"`
	Generations         int            `json:"generations"`
	Transformed         int            `json:"transformed"`
	Fallbacks           int            `json:"fallbacks"`
	FallbackRate        float64        `json:"fallback_rate"`
	FallbackReasons     map[string]int `json:"fallback_reasons"`
	ActiveCodes         int            `json:"active_codes"`
	Verifications       int            `json:"verifications"`
	FailedVerifications int            `json:"failed_verifications"`
	Trends              []TrendData    `json:"trends"`
}

type TrendData struct {
	Date        string `json:"date"`
	Generations int    `json:"generations"`
	Fallbacks   int    `json:"fallbacks"`
}

type UsageReporter struct {
	logs     *stores.GenerationLogStore
	attempts *stores.VerificationAttemptStore
	now      func() time.Time
}

func CreateUsageReporter(logs *stores.GenerationLogStore, attempts *stores.VerificationAttemptStore, now func() time.Time) *UsageReporter {
	if now == nil {
		now = time.Now
	}
	return &UsageReporter{logs: logs, attempts: attempts, now: now}
}

// periodStart returns the lower bound for a named period. Unknown names cover
// the last 24 hours.
func periodStart(now time.Time, period string) (string, time.Time) {
	switch period {
	case PeriodWeekly:
		return period, now.Add(-7 * 24 * time.Hour)
	case PeriodMonthly:
		return period, now.Add(-30 * 24 * time.Hour)
	default:
		return PeriodDaily, now.Add(-24 * time.Hour)
	}
}

func (r *UsageReporter) GetUsageReport(ctx context.Context, period string) (*UsageReport, error) {
	period, since := periodStart(r.now().UTC(), period)

	logs, err := r.logs.ListSince(ctx, since)
	if err != nil {
		return nil, utils.WrapError(err, "failed to load generation logs")
	}
	attempts, err := r.attempts.ListSince(ctx, since)
	if err != nil {
		return nil, utils.WrapError(err, "failed to load verification attempts")
	}

	report := summarize(logs)
	report.Period = period
	report.Since = since

	report.Verifications = len(attempts)
	for _, a := range attempts {
		if !a.Success {
			report.FailedVerifications++
		}
	}

	return report, nil
}

func summarize(logs []*models.GenerationLog) *UsageReport {
	report := &UsageReport{
		FallbackReasons: make(map[string]int),
		Trends:          make([]TrendData, 0),
	}

	codes := make(map[string]struct{})
	trends := make(map[string]*TrendData)

	for _, l := range logs {
		report.Generations++
		codes[l.Code] = struct{}{}

		day := l.CreatedAt.UTC().Format("2006-01-02")
		trend, ok := trends[day]
		if !ok {
			trend = &TrendData{Date: day}
			trends[day] = trend
		}
		trend.Generations++

		if l.UsedFallback {
			report.Fallbacks++
			trend.Fallbacks++
			reason := l.FailureReason
			if reason == "" {
				reason = "unknown"
			}
			report.FallbackReasons[reason]++
		} else {
			report.Transformed++
		}
	}

	if report.Generations > 0 {
		report.FallbackRate = float64(report.Fallbacks) / float64(report.Generations)
	}
	report.ActiveCodes = len(codes)

	for _, t := range trends {
		report.Trends = append(report.Trends, *t)
	}
	sort.Slice(report.Trends, func(i, j int) bool {
		return report.Trends[i].Date < report.Trends[j].Date
	})

	return report
}
