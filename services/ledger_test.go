package services

import (
	"errors"
	"testing"

	"github.com/malwarebo/portrait/models"
	"github.com/malwarebo/portrait/stores"
	"github.com/malwarebo/portrait/testutil"
	"github.com/malwarebo/portrait/utils"
)

func TestAnomalyDetector_IsUnchanged(t *testing.T) {
	d := NewAnomalyDetector(0)

	tests := []struct {
		name      string
		original  int
		generated int
		want      bool
	}{
		{"echo plus 30 bytes", 50000, 50030, true},
		{"echo minus 99 bytes", 50000, 49901, true},
		{"exactly threshold", 50000, 50100, false},
		{"real transformation", 50000, 81234, false},
		{"identical", 1200, 1200, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := d.IsUnchanged(testutil.Filler(tt.original, 1), testutil.Filler(tt.generated, 2))
			if got != tt.want {
				t.Errorf("IsUnchanged(%d, %d) = %v, want %v", tt.original, tt.generated, got, tt.want)
			}
		})
	}

	if d.Threshold() != DefaultAnomalyThreshold {
		t.Errorf("Threshold() = %d, want %d", d.Threshold(), DefaultAnomalyThreshold)
	}
}

func TestQuotaLedger_ReserveCommitExhausts(t *testing.T) {
	ctx := testutil.MockContext()
	gdb := testutil.MockDB(t)
	testutil.MockAccessCode(t, gdb, "ABCD1234", 3, 2, models.CodeStatusActive)

	codes := stores.CreateAccessCodeStore(gdb)
	ledger := CreateQuotaLedger(codes, nil)

	r, err := ledger.Reserve(ctx, "ABCD1234")
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	if r.Remaining != 1 {
		t.Errorf("Reserve() remaining = %d, want 1", r.Remaining)
	}

	ac, _ := codes.GetByCode(ctx, "ABCD1234")
	if ac.UsedCount != 2 {
		t.Errorf("used_count after Reserve() = %d, want 2", ac.UsedCount)
	}

	remaining, err := ledger.Commit(ctx, "ABCD1234")
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if remaining != 0 {
		t.Errorf("Commit() remaining = %d, want 0", remaining)
	}

	ac, _ = codes.GetByCode(ctx, "ABCD1234")
	if ac.UsedCount != 3 {
		t.Errorf("used_count after Commit() = %d, want 3", ac.UsedCount)
	}

	if _, err := ledger.Reserve(ctx, "ABCD1234"); !errors.Is(err, utils.ErrCodeExhausted) {
		t.Errorf("Reserve() after exhaustion error = %v, want ErrCodeExhausted", err)
	}
}

func TestQuotaLedger_ReserveErrors(t *testing.T) {
	ctx := testutil.MockContext()
	gdb := testutil.MockDB(t)
	testutil.MockAccessCode(t, gdb, "OFF00001", 3, 0, models.CodeStatusInactive)
	testutil.MockAccessCode(t, gdb, "USED0001", 2, 2, models.CodeStatusActive)
	testutil.MockAccessCode(t, gdb, "GOOD0001", 5, 1, models.CodeStatusActive)

	ledger := CreateQuotaLedger(stores.CreateAccessCodeStore(gdb), nil)

	tests := []struct {
		name    string
		code    string
		wantErr error
	}{
		{"empty", "   ", utils.ErrCodeRequired},
		{"unknown", "NOPE0000", utils.ErrCodeNotFound},
		{"inactive", "OFF00001", utils.ErrCodeInactive},
		{"exhausted", "USED0001", utils.ErrCodeExhausted},
		{"lowercase input", " good0001 ", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ledger.Reserve(ctx, tt.code)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Reserve(%q) error = %v, want %v", tt.code, err, tt.wantErr)
			}
		})
	}
}

func TestQuotaLedger_CommitNeverExceedsMaxUses(t *testing.T) {
	ctx := testutil.MockContext()
	gdb := testutil.MockDB(t)
	testutil.MockAccessCode(t, gdb, "LAST0001", 1, 1, models.CodeStatusActive)
	testutil.MockAccessCode(t, gdb, "OFF00002", 3, 0, models.CodeStatusInactive)

	codes := stores.CreateAccessCodeStore(gdb)
	ledger := CreateQuotaLedger(codes, nil)

	if _, err := ledger.Commit(ctx, "LAST0001"); !errors.Is(err, utils.ErrCodeExhausted) {
		t.Errorf("Commit(exhausted) error = %v, want ErrCodeExhausted", err)
	}
	if _, err := ledger.Commit(ctx, "OFF00002"); !errors.Is(err, utils.ErrCodeInactive) {
		t.Errorf("Commit(inactive) error = %v, want ErrCodeInactive", err)
	}
	if _, err := ledger.Commit(ctx, "MISSING1"); !errors.Is(err, utils.ErrCodeNotFound) {
		t.Errorf("Commit(missing) error = %v, want ErrCodeNotFound", err)
	}

	ac, _ := codes.GetByCode(ctx, "LAST0001")
	if ac.UsedCount != 1 {
		t.Errorf("used_count = %d, want 1", ac.UsedCount)
	}
	ac, _ = codes.GetByCode(ctx, "OFF00002")
	if ac.UsedCount != 0 {
		t.Errorf("inactive used_count = %d, want 0", ac.UsedCount)
	}
}
