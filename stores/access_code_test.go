package stores

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/malwarebo/portrait/models"
	"github.com/malwarebo/portrait/testutil"
)

func TestAccessCodeStore_GetByCode(t *testing.T) {
	gdb := testutil.MockDB(t)
	store := CreateAccessCodeStore(gdb)
	ctx := context.Background()

	testutil.MockAccessCode(t, gdb, "ABCD1234", 3, 2, models.CodeStatusActive)

	ac, err := store.GetByCode(ctx, "ABCD1234")
	if err != nil {
		t.Fatalf("GetByCode() error = %v", err)
	}
	if ac.MaxUses != 3 || ac.UsedCount != 2 || ac.Remaining() != 1 {
		t.Errorf("GetByCode() = %+v, want max 3 used 2 remaining 1", ac)
	}

	if _, err := store.GetByCode(ctx, "MISSING1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetByCode(missing) error = %v, want ErrNotFound", err)
	}
}

func TestAccessCodeStore_IncrementUsageIsGuarded(t *testing.T) {
	gdb := testutil.MockDB(t)
	store := CreateAccessCodeStore(gdb)
	ctx := context.Background()

	testutil.MockAccessCode(t, gdb, "ONEUSE01", 1, 0, models.CodeStatusActive)
	testutil.MockAccessCode(t, gdb, "DISABLED", 5, 0, models.CodeStatusInactive)

	n, err := store.IncrementUsage(ctx, "ONEUSE01")
	if err != nil || n != 1 {
		t.Fatalf("IncrementUsage() = %d, %v, want 1, nil", n, err)
	}
	n, err = store.IncrementUsage(ctx, "ONEUSE01")
	if err != nil || n != 0 {
		t.Errorf("IncrementUsage() past max = %d, %v, want 0, nil", n, err)
	}
	n, _ = store.IncrementUsage(ctx, "DISABLED")
	if n != 0 {
		t.Errorf("IncrementUsage(inactive) = %d, want 0", n)
	}

	ac, _ := store.GetByCode(ctx, "ONEUSE01")
	if ac.UsedCount != 1 {
		t.Errorf("UsedCount = %d, want 1", ac.UsedCount)
	}
}

func TestAccessCodeStore_ConcurrentIncrements(t *testing.T) {
	gdb := testutil.MockDB(t)
	store := CreateAccessCodeStore(gdb)
	ctx := context.Background()

	testutil.MockAccessCode(t, gdb, "BULK0001", 100, 0, models.CodeStatusActive)

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.IncrementUsage(ctx, "BULK0001"); err != nil {
				t.Errorf("IncrementUsage() error = %v", err)
			}
		}()
	}
	wg.Wait()

	ac, _ := store.GetByCode(ctx, "BULK0001")
	if ac.UsedCount != 40 {
		t.Errorf("UsedCount = %d, want 40", ac.UsedCount)
	}
}

func TestAccessCodeStore_CreateBatchSkipsCollisions(t *testing.T) {
	gdb := testutil.MockDB(t)
	store := CreateAccessCodeStore(gdb)
	ctx := context.Background()

	testutil.MockAccessCode(t, gdb, "TAKEN001", 3, 0, models.CodeStatusActive)

	created, err := store.CreateBatch(ctx, []string{"NEW00001", "TAKEN001", "NEW00002"}, 5)
	if err != nil {
		t.Fatalf("CreateBatch() error = %v", err)
	}
	if len(created) != 2 || created[0] != "NEW00001" || created[1] != "NEW00002" {
		t.Errorf("CreateBatch() = %v, want [NEW00001 NEW00002]", created)
	}

	ac, _ := store.GetByCode(ctx, "NEW00002")
	if ac.MaxUses != 5 || !ac.IsActive() {
		t.Errorf("created code = %+v, want max 5 active", ac)
	}
}

func TestAccessCodeStore_AdminOperations(t *testing.T) {
	gdb := testutil.MockDB(t)
	store := CreateAccessCodeStore(gdb)
	ctx := context.Background()

	testutil.MockAccessCode(t, gdb, "AAAA0001", 3, 3, models.CodeStatusActive)
	testutil.MockAccessCode(t, gdb, "BBBB0002", 3, 0, models.CodeStatusActive)
	testutil.MockAccessCode(t, gdb, "CCCC0003", 3, 0, models.CodeStatusActive)

	n, err := store.UpdateStatus(ctx, []string{"BBBB0002", "CCCC0003"}, models.CodeStatusInactive)
	if err != nil || n != 2 {
		t.Fatalf("UpdateStatus() = %d, %v, want 2, nil", n, err)
	}

	active, _ := store.ListActiveCodes(ctx)
	if len(active) != 1 || active[0] != "AAAA0001" {
		t.Errorf("ListActiveCodes() = %v, want [AAAA0001]", active)
	}

	n, _ = store.Reset(ctx, "AAAA0001")
	if n != 1 {
		t.Errorf("Reset() = %d, want 1", n)
	}
	ac, _ := store.GetByCode(ctx, "AAAA0001")
	if ac.UsedCount != 0 {
		t.Errorf("UsedCount after Reset() = %d, want 0", ac.UsedCount)
	}
	if n, _ := store.Reset(ctx, "NOPE0000"); n != 0 {
		t.Errorf("Reset(missing) = %d, want 0", n)
	}

	n, _ = store.DeleteByCodes(ctx, []string{"CCCC0003", "NOPE0000"})
	if n != 1 {
		t.Errorf("DeleteByCodes() = %d, want 1", n)
	}

	all, _ := store.List(ctx, models.AccessCodeFilter{})
	if len(all) != 2 {
		t.Errorf("List() len = %d, want 2", len(all))
	}
	inactive, _ := store.List(ctx, models.AccessCodeFilter{Status: models.CodeStatusInactive})
	if len(inactive) != 1 || inactive[0].Code != "BBBB0002" {
		t.Errorf("List(inactive) = %v, want BBBB0002", inactive)
	}
}

func TestAuditStores(t *testing.T) {
	gdb := testutil.MockDB(t)
	logs := CreateGenerationLogStore(gdb)
	attempts := CreateVerificationAttemptStore(gdb)
	ctx := context.Background()

	for i, style := range []string{"portrait_a", "portrait_b"} {
		err := logs.Create(ctx, &models.GenerationLog{Code: "ABCD1234", Style: style, ResultImage: "r" + string(rune('0'+i))})
		if err != nil {
			t.Fatalf("GenerationLogStore.Create() error = %v", err)
		}
	}
	logs.Create(ctx, &models.GenerationLog{Code: "OTHER000", Style: "x"})

	history, err := logs.ListByCode(ctx, "ABCD1234", 0)
	if err != nil {
		t.Fatalf("ListByCode() error = %v", err)
	}
	if len(history) != 2 || history[0].Style != "portrait_b" {
		t.Errorf("ListByCode() = %d entries first %q, want 2 newest first", len(history), history[0].Style)
	}
	if n, _ := logs.CountByCode(ctx, "ABCD1234"); n != 2 {
		t.Errorf("CountByCode() = %d, want 2", n)
	}

	attempts.Create(ctx, &models.VerificationAttempt{Code: "ABCD1234", IPAddress: "1.2.3.4", Success: true})
	attempts.Create(ctx, &models.VerificationAttempt{IPAddress: "1.2.3.4", Success: false, FailureReason: "rate_limited"})

	recent, err := attempts.ListRecent(ctx, 1)
	if err != nil {
		t.Fatalf("ListRecent() error = %v", err)
	}
	if len(recent) != 1 || recent[0].FailureReason != "rate_limited" {
		t.Errorf("ListRecent(1) = %+v, want the latest failed attempt", recent)
	}
}
