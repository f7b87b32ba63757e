package analytics

import (
	"testing"
	"time"

	"github.com/malwarebo/portrait/models"
	"github.com/malwarebo/portrait/stores"
	"github.com/malwarebo/portrait/testutil"
)

func TestSummarize(t *testing.T) {
	day1 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	day2 := day1.Add(24 * time.Hour)

	report := summarize([]*models.GenerationLog{
		{Code: "AAAA0001", CreatedAt: day1},
		{Code: "AAAA0001", CreatedAt: day1, UsedFallback: true, FailureReason: "circuit_open"},
		{Code: "BBBB0002", CreatedAt: day2, UsedFallback: true, FailureReason: "circuit_open"},
		{Code: "BBBB0002", CreatedAt: day2, UsedFallback: true},
	})

	if report.Generations != 4 || report.Transformed != 1 || report.Fallbacks != 3 {
		t.Errorf("summarize() counts = %d/%d/%d, want 4/1/3", report.Generations, report.Transformed, report.Fallbacks)
	}
	if report.FallbackRate != 0.75 {
		t.Errorf("FallbackRate = %v, want 0.75", report.FallbackRate)
	}
	if report.FallbackReasons["circuit_open"] != 2 || report.FallbackReasons["unknown"] != 1 {
		t.Errorf("FallbackReasons = %v", report.FallbackReasons)
	}
	if report.ActiveCodes != 2 {
		t.Errorf("ActiveCodes = %d, want 2", report.ActiveCodes)
	}
	if len(report.Trends) != 2 || report.Trends[0].Date != "2026-03-01" || report.Trends[1].Fallbacks != 2 {
		t.Errorf("Trends = %+v", report.Trends)
	}
}

func TestSummarize_Empty(t *testing.T) {
	report := summarize(nil)
	if report.Generations != 0 || report.FallbackRate != 0 || len(report.Trends) != 0 {
		t.Errorf("summarize(nil) = %+v, want an empty report", report)
	}
}

func TestUsageReporter_GetUsageReport(t *testing.T) {
	ctx := testutil.MockContext()
	gdb := testutil.MockDB(t)
	clock := testutil.NewClock()
	logs := stores.CreateGenerationLogStore(gdb)
	attempts := stores.CreateVerificationAttemptStore(gdb)
	now := clock.Now()

	for _, l := range []*models.GenerationLog{
		{Code: "AAAA0001", CreatedAt: now.Add(-time.Hour)},
		{Code: "AAAA0001", CreatedAt: now.Add(-2 * time.Hour), UsedFallback: true, FailureReason: "upstream_timeout"},
		{Code: "CCCC0003", CreatedAt: now.Add(-72 * time.Hour)},
	} {
		if err := logs.Create(ctx, l); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}
	for _, a := range []*models.VerificationAttempt{
		{Code: "AAAA0001", Success: true, CreatedAt: now.Add(-time.Hour)},
		{Code: "WRONG000", CreatedAt: now.Add(-time.Hour), FailureReason: "code_not_found"},
	} {
		if err := attempts.Create(ctx, a); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}

	reporter := CreateUsageReporter(logs, attempts, clock.Now)

	daily, err := reporter.GetUsageReport(ctx, PeriodDaily)
	if err != nil {
		t.Fatalf("GetUsageReport(daily) error = %v", err)
	}
	if daily.Generations != 2 || daily.Fallbacks != 1 {
		t.Errorf("daily generations/fallbacks = %d/%d, want 2/1", daily.Generations, daily.Fallbacks)
	}
	if daily.Verifications != 2 || daily.FailedVerifications != 1 {
		t.Errorf("daily verifications = %d/%d, want 2/1", daily.Verifications, daily.FailedVerifications)
	}

	weekly, err := reporter.GetUsageReport(ctx, PeriodWeekly)
	if err != nil {
		t.Fatalf("GetUsageReport(weekly) error = %v", err)
	}
	if weekly.Generations != 3 || weekly.ActiveCodes != 2 {
		t.Errorf("weekly generations/codes = %d/%d, want 3/2", weekly.Generations, weekly.ActiveCodes)
	}

	other, _ := reporter.GetUsageReport(ctx, "hourly")
	if other.Period != PeriodDaily {
		t.Errorf("unknown period reported as %q, want %q", other.Period, PeriodDaily)
	}
}
