package providers

import (
	"sync"
	"time"
)

// LastCall summarizes the most recent upstream execution for /debug/network.
type LastCall struct {
	Called       bool      `json:"called"`
	URL          string    `json:"url"`
	StatusCode   int       `json:"status_code,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	ResponseTime string    `json:"response_time,omitempty"`
	Attempts     int       `json:"attempts,omitempty"`
	ResponseKeys []string  `json:"response_keys,omitempty"`
	Format       string    `json:"format,omitempty"`
	Success      bool      `json:"success"`
	Error        string    `json:"error,omitempty"`
}

type LastCallRecorder struct {
	mu   sync.RWMutex
	last *LastCall
}

func NewLastCallRecorder() *LastCallRecorder {
	return &LastCallRecorder{}
}

func (r *LastCallRecorder) Record(call LastCall) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last = &call
}

func (r *LastCallRecorder) Last() (LastCall, bool) {
	if r == nil {
		return LastCall{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.last == nil {
		return LastCall{}, false
	}
	call := *r.last
	call.ResponseKeys = append([]string(nil), r.last.ResponseKeys...)
	return call, true
}
