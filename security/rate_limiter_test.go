package security

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/malwarebo/portrait/testutil"
	"github.com/redis/go-redis/v9"
)

func newTestLimiter(clock *testutil.Clock) *RateLimiter {
	return CreateRateLimiter(RateLimitConfig{Policies: DefaultPolicies(), Now: clock.Now})
}

func TestRateLimiter_GeneralBlocksAfterMax(t *testing.T) {
	clock := testutil.NewClock()
	limiter := newTestLimiter(clock)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		d, err := limiter.Check(ctx, "10.0.0.1", PolicyGeneral)
		if err != nil {
			t.Fatalf("Check() error = %v", err)
		}
		if !d.Allowed {
			t.Fatalf("request %d denied, want allowed", i+1)
		}
		clock.Advance(time.Second)
	}

	eleventh, _ := limiter.Check(ctx, "10.0.0.1", PolicyGeneral)
	if eleventh.Allowed {
		t.Fatal("11th request allowed, want denied")
	}
	if eleventh.RetryAfter <= 0 {
		t.Errorf("RetryAfter = %v, want positive", eleventh.RetryAfter)
	}
	if !eleventh.Blocked {
		t.Error("Blocked = false, want true for the general class")
	}

	twelfth, _ := limiter.Check(ctx, "10.0.0.1", PolicyGeneral)
	if twelfth.Allowed {
		t.Fatal("12th request allowed, want denied")
	}
	if twelfth.RetryAfter <= time.Minute {
		t.Errorf("12th RetryAfter = %v, want longer than a fresh window", twelfth.RetryAfter)
	}
}

func TestRateLimiter_BlockOutlivesWindow(t *testing.T) {
	clock := testutil.NewClock()
	limiter := newTestLimiter(clock)
	ctx := context.Background()

	for i := 0; i < 11; i++ {
		limiter.Check(ctx, "a", PolicyGeneral)
	}

	clock.Advance(2 * time.Minute)
	d, _ := limiter.Check(ctx, "a", PolicyGeneral)
	if d.Allowed {
		t.Error("request after window reset but inside block allowed, want denied")
	}
	if want := 28 * time.Minute; d.RetryAfter != want {
		t.Errorf("RetryAfter = %v, want %v", d.RetryAfter, want)
	}

	clock.Advance(28 * time.Minute)
	d, _ = limiter.Check(ctx, "a", PolicyGeneral)
	if !d.Allowed {
		t.Error("request after block expiry denied, want allowed")
	}
}

func TestRateLimiter_VerifyDeniesWithoutBlock(t *testing.T) {
	clock := testutil.NewClock()
	limiter := newTestLimiter(clock)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if d, _ := limiter.Check(ctx, "b", PolicyVerify); !d.Allowed {
			t.Fatalf("verify attempt %d denied, want allowed", i+1)
		}
	}

	clock.Advance(10 * time.Minute)
	d, _ := limiter.Check(ctx, "b", PolicyVerify)
	if d.Allowed {
		t.Fatal("6th verify attempt allowed, want denied")
	}
	if d.Blocked {
		t.Error("Blocked = true, want plain window denial for verify")
	}
	if want := 50 * time.Minute; d.RetryAfter != want {
		t.Errorf("RetryAfter = %v, want %v", d.RetryAfter, want)
	}

	if g, _ := limiter.Check(ctx, "b", PolicyGeneral); !g.Allowed {
		t.Error("general request denied, want independent counters")
	}

	clock.Advance(50 * time.Minute)
	if d, _ := limiter.Check(ctx, "b", PolicyVerify); !d.Allowed {
		t.Error("verify attempt after window reset denied, want allowed")
	}
}

func TestRateLimiter_DeniedAttemptsCount(t *testing.T) {
	clock := testutil.NewClock()
	limiter := CreateRateLimiter(RateLimitConfig{
		Policies: map[PolicyClass]Policy{PolicyVerify: {MaxRequests: 2, Window: time.Minute}},
		Now:      clock.Now,
	})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		limiter.Check(ctx, "c", PolicyVerify)
	}

	limiter.mu.Lock()
	count := limiter.clients["c"].windows[PolicyVerify].count
	limiter.mu.Unlock()

	if count != 5 {
		t.Errorf("window count = %d, want 5", count)
	}
}

func TestRateLimiter_IdentitiesAreIndependent(t *testing.T) {
	clock := testutil.NewClock()
	limiter := newTestLimiter(clock)
	ctx := context.Background()

	for i := 0; i < 11; i++ {
		limiter.Check(ctx, "noisy", PolicyGeneral)
	}

	if d, _ := limiter.Check(ctx, "quiet", PolicyGeneral); !d.Allowed {
		t.Error("other identity denied, want allowed")
	}
}

func TestRateLimiter_BlockAppliesAcrossClasses(t *testing.T) {
	clock := testutil.NewClock()
	limiter := newTestLimiter(clock)
	ctx := context.Background()

	for i := 0; i < 11; i++ {
		limiter.Check(ctx, "d", PolicyGeneral)
	}

	if d, _ := limiter.Check(ctx, "d", PolicyVerify); d.Allowed {
		t.Error("verify allowed for blocked identity, want denied")
	}
}

func TestRateLimiter_Sweep(t *testing.T) {
	clock := testutil.NewClock()
	limiter := newTestLimiter(clock)
	ctx := context.Background()

	limiter.Check(ctx, "short", PolicyGeneral)
	for i := 0; i < 11; i++ {
		limiter.Check(ctx, "blocked", PolicyGeneral)
	}
	limiter.Check(ctx, "verifier", PolicyVerify)

	clock.Advance(2 * time.Minute)
	if removed := limiter.Sweep(); removed != 1 {
		t.Errorf("Sweep() = %d, want 1", removed)
	}
	if limiter.Size() != 2 {
		t.Errorf("Size() = %d, want 2", limiter.Size())
	}

	clock.Advance(time.Hour)
	limiter.Sweep()
	if limiter.Size() != 0 {
		t.Errorf("Size() after all expiry = %d, want 0", limiter.Size())
	}
}

func TestRateLimiter_Concurrency(t *testing.T) {
	limiter := CreateRateLimiter(RateLimitConfig{
		Policies: map[PolicyClass]Policy{PolicyGeneral: {MaxRequests: 50, Window: time.Hour}},
	})
	defer limiter.Close()
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, _ := limiter.Check(ctx, "shared", PolicyGeneral)
			if d.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != 50 {
		t.Errorf("allowed = %d, want 50", allowed)
	}
}

func TestRateLimiter_UnknownClassUsesGeneral(t *testing.T) {
	clock := testutil.NewClock()
	limiter := newTestLimiter(clock)

	d, err := limiter.Check(context.Background(), "e", PolicyClass("upload"))
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if !d.Allowed {
		t.Error("Check() denied, want allowed")
	}
}

func TestRedisRateLimiter(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("ParseURL() error = %v", err)
	}
	client := redis.NewClient(opts)
	defer client.Close()

	ctx := context.Background()
	prefix := fmt.Sprintf("test:ratelimit:%d", time.Now().UnixNano())
	limiter := CreateRedisRateLimiter(client, map[PolicyClass]Policy{
		PolicyGeneral: {MaxRequests: 3, Window: time.Minute, BlockDuration: time.Minute},
	}, prefix)

	for i := 0; i < 3; i++ {
		d, err := limiter.Check(ctx, "r", PolicyGeneral)
		if err != nil {
			t.Fatalf("Check() error = %v", err)
		}
		if !d.Allowed {
			t.Fatalf("request %d denied, want allowed", i+1)
		}
	}

	d, err := limiter.Check(ctx, "r", PolicyGeneral)
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if d.Allowed || !d.Blocked || d.RetryAfter <= 0 {
		t.Errorf("4th Check() = %+v, want blocked denial", d)
	}
}
