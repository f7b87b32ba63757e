package resilience

import (
	"sync"
	"testing"
	"time"

	"github.com/malwarebo/portrait/testutil"
)

func newTestBreaker(clock *testutil.Clock, threshold int, mode BreakerMode) *CircuitBreaker {
	return CreateCircuitBreaker(CircuitBreakerConfig{
		Name:        "upstream",
		MaxFailures: threshold,
		Timeout:     60 * time.Second,
		Mode:        mode,
		Now:         clock.Now,
	})
}

func TestCircuitBreaker_OpensAtThreshold(t *testing.T) {
	clock := testutil.NewClock()
	cb := newTestBreaker(clock, 5, ModeProbe)

	for i := 0; i < 4; i++ {
		cb.RecordFailure()
		if !cb.AllowRequest() {
			t.Fatalf("AllowRequest() = false after %d failures, want true", i+1)
		}
	}

	cb.RecordFailure()
	if cb.AllowRequest() {
		t.Error("AllowRequest() = true after 5 failures, want false")
	}
	if cb.State() != CircuitOpen {
		t.Errorf("State() = %v, want open", cb.State())
	}
	if cb.Failures() < 5 {
		t.Errorf("Failures() = %d, want >= 5 while open", cb.Failures())
	}
}

func TestCircuitBreaker_StaysOpenUntilStrictlyPastTimeout(t *testing.T) {
	clock := testutil.NewClock()
	cb := newTestBreaker(clock, 5, ModeProbe)
	for i := 0; i < 5; i++ {
		cb.RecordFailure()
	}

	clock.Advance(30 * time.Second)
	ok, remaining := cb.Allow()
	if ok {
		t.Fatal("Allow() = true mid-window, want false")
	}
	if remaining != 30*time.Second {
		t.Errorf("remaining = %v, want 30s", remaining)
	}

	clock.Advance(30 * time.Second)
	if cb.AllowRequest() {
		t.Error("AllowRequest() = true at exactly the timeout, want false")
	}

	clock.Advance(time.Millisecond)
	if !cb.AllowRequest() {
		t.Error("AllowRequest() = false after the timeout, want true")
	}
}

func TestCircuitBreaker_ProbeModeAllowsOneTrial(t *testing.T) {
	clock := testutil.NewClock()
	cb := newTestBreaker(clock, 5, ModeProbe)
	for i := 0; i < 5; i++ {
		cb.RecordFailure()
	}
	clock.Advance(61 * time.Second)

	if !cb.AllowRequest() {
		t.Fatal("first AllowRequest() after recovery = false, want true")
	}
	if cb.AllowRequest() {
		t.Error("second AllowRequest() while probe in flight = true, want false")
	}
	if cb.State() != CircuitHalfOpen {
		t.Errorf("State() = %v, want half-open", cb.State())
	}

	cb.RecordFailure()
	if cb.State() != CircuitOpen {
		t.Errorf("State() after failed probe = %v, want open", cb.State())
	}
	if cb.AllowRequest() {
		t.Error("AllowRequest() right after failed probe = true, want false")
	}
}

func TestCircuitBreaker_ProbeSuccessCloses(t *testing.T) {
	clock := testutil.NewClock()
	cb := newTestBreaker(clock, 2, ModeProbe)
	cb.RecordFailure()
	cb.RecordFailure()
	clock.Advance(61 * time.Second)

	if !cb.AllowRequest() {
		t.Fatal("AllowRequest() = false, want probe allowed")
	}
	cb.RecordSuccess()

	if cb.State() != CircuitClosed {
		t.Errorf("State() = %v, want closed", cb.State())
	}
	if cb.Failures() != 0 {
		t.Errorf("Failures() = %d, want 0", cb.Failures())
	}
	for i := 0; i < 3; i++ {
		if !cb.AllowRequest() {
			t.Errorf("AllowRequest() #%d = false after recovery, want true", i)
		}
	}
}

func TestCircuitBreaker_ReleasedProbeFreesSlot(t *testing.T) {
	clock := testutil.NewClock()
	cb := newTestBreaker(clock, 1, ModeProbe)
	cb.RecordFailure()
	clock.Advance(61 * time.Second)

	cb.AllowRequest()
	cb.ReleaseProbe()

	if !cb.AllowRequest() {
		t.Error("AllowRequest() after ReleaseProbe() = false, want true")
	}
}

func TestCircuitBreaker_ResetModeNeedsFullThresholdToReopen(t *testing.T) {
	clock := testutil.NewClock()
	cb := newTestBreaker(clock, 3, ModeReset)
	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	clock.Advance(61 * time.Second)

	if !cb.AllowRequest() {
		t.Fatal("AllowRequest() after recovery = false, want true")
	}
	if cb.State() != CircuitClosed {
		t.Fatalf("State() = %v, want closed", cb.State())
	}

	cb.RecordFailure()
	if !cb.AllowRequest() {
		t.Error("AllowRequest() after one post-recovery failure = false, want true in reset mode")
	}
	cb.RecordFailure()
	cb.RecordFailure()
	if cb.AllowRequest() {
		t.Error("AllowRequest() after threshold failures = true, want false")
	}
}

func TestCircuitBreaker_SuccessResetsCount(t *testing.T) {
	clock := testutil.NewClock()
	cb := newTestBreaker(clock, 3, ModeProbe)

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()

	if cb.State() != CircuitClosed {
		t.Errorf("State() = %v, want closed since failures were not consecutive", cb.State())
	}
}

func TestCircuitBreaker_StateChangeCallback(t *testing.T) {
	clock := testutil.NewClock()

	var got []CircuitState
	cb := CreateCircuitBreaker(CircuitBreakerConfig{
		Name:        "upstream",
		MaxFailures: 1,
		Timeout:     time.Second,
		Now:         clock.Now,
		OnStateChange: func(name string, from, to CircuitState) {
			got = append(got, to)
		},
	})

	cb.RecordFailure()
	clock.Advance(2 * time.Second)
	cb.AllowRequest()
	cb.RecordSuccess()

	want := []CircuitState{CircuitOpen, CircuitHalfOpen, CircuitClosed}
	if len(got) != len(want) {
		t.Fatalf("OnStateChange calls = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("OnStateChange[%d] to = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestCircuitBreaker_StateChangeOrderUnderConcurrency(t *testing.T) {
	var (
		mu   sync.Mutex
		last = CircuitClosed
		gaps int
	)
	cb := CreateCircuitBreaker(CircuitBreakerConfig{
		Name:        "upstream",
		MaxFailures: 1,
		Timeout:     time.Hour,
		OnStateChange: func(name string, from, to CircuitState) {
			mu.Lock()
			defer mu.Unlock()
			if from != last {
				gaps++
			}
			last = to
		},
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); cb.RecordFailure() }()
		go func() { defer wg.Done(); cb.RecordSuccess() }()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if gaps != 0 {
		t.Errorf("hook saw %d transitions out of order", gaps)
	}
	if last != cb.State() {
		t.Errorf("last delivered state = %v, want %v", last, cb.State())
	}
}

func TestCircuitBreaker_Snapshot(t *testing.T) {
	clock := testutil.NewClock()
	cb := newTestBreaker(clock, 2, ModeProbe)
	cb.RecordFailure()
	cb.RecordFailure()
	clock.Advance(10 * time.Second)

	snap := cb.Snapshot()
	if !snap.Open || snap.State != "open" {
		t.Errorf("Snapshot() open = %v state = %q, want open", snap.Open, snap.State)
	}
	if snap.Threshold != 2 || snap.Failures != 2 {
		t.Errorf("Snapshot() threshold/failures = %d/%d, want 2/2", snap.Threshold, snap.Failures)
	}
	if snap.Remaining != 50 {
		t.Errorf("Snapshot() remaining = %v, want 50", snap.Remaining)
	}
	if snap.LastFailure == nil {
		t.Error("Snapshot() last failure = nil, want timestamp")
	}
}

func TestCircuitBreaker_ConcurrentFailures(t *testing.T) {
	cb := CreateCircuitBreaker(CircuitBreakerConfig{MaxFailures: 50, Timeout: time.Minute})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cb.AllowRequest()
			cb.RecordFailure()
		}()
	}
	wg.Wait()

	if cb.State() != CircuitOpen {
		t.Errorf("State() = %v, want open", cb.State())
	}
	if cb.Failures() != 100 {
		t.Errorf("Failures() = %d, want 100", cb.Failures())
	}
}

func TestParseBreakerMode(t *testing.T) {
	tests := []struct {
		in      string
		want    BreakerMode
		wantErr bool
	}{
		{"", ModeProbe, false},
		{"probe", ModeProbe, false},
		{"RESET", ModeReset, false},
		{"sometimes", ModeProbe, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseBreakerMode(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseBreakerMode(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseBreakerMode(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}
