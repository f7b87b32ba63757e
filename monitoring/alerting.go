package monitoring

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/malwarebo/portrait/utils"
)

type AlertLevel int

const (
	Info AlertLevel = iota
	Warning
	Critical
)

type Alert struct {
	ID         string                 `json:"id"`
	Level      AlertLevel             `json:"-"`
	LevelName  string                 `json:"level"`
	Title      string                 `json:"title"`
	Message    string                 `json:"message"`
	Source     string                 `json:"source"`
	Timestamp  time.Time              `json:"timestamp"`
	Resolved   bool                   `json:"resolved"`
	ResolvedAt *time.Time             `json:"resolved_at,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

type AlertChannel interface {
	Send(ctx context.Context, alert *Alert) error
}

// LogAlertChannel writes alerts through the structured logger.
type LogAlertChannel struct{}

func (c *LogAlertChannel) Send(ctx context.Context, alert *Alert) error {
	fields := map[string]interface{}{
		"alert_id": alert.ID,
		"source":   alert.Source,
		"resolved": alert.Resolved,
	}
	for k, v := range alert.Metadata {
		fields[k] = v
	}

	msg := fmt.Sprintf("[%s] %s: %s", alert.Level.String(), alert.Title, alert.Message)
	switch alert.Level {
	case Critical:
		utils.Error(ctx, msg, fields)
	case Warning:
		utils.Warn(ctx, msg, fields)
	default:
		utils.Info(ctx, msg, fields)
	}
	return nil
}

func (al AlertLevel) String() string {
	switch al {
	case Info:
		return "INFO"
	case Warning:
		return "WARNING"
	case Critical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// AlertManager keeps one open alert per key and fans each change out to the channels.
type AlertManager struct {
	alerts   map[string]*Alert
	open     map[string]string
	channels []AlertChannel
	now      func() time.Time
	mu       sync.RWMutex
}

func NewAlertManager(channels ...AlertChannel) *AlertManager {
	if len(channels) == 0 {
		channels = []AlertChannel{&LogAlertChannel{}}
	}
	return &AlertManager{
		alerts:   make(map[string]*Alert),
		open:     make(map[string]string),
		channels: channels,
		now:      time.Now,
	}
}

// Raise opens an alert under key. A key that already has an open alert is left alone.
func (am *AlertManager) Raise(ctx context.Context, key string, alert *Alert) *Alert {
	am.mu.Lock()
	if id, exists := am.open[key]; exists {
		existing := am.alerts[id]
		am.mu.Unlock()
		return existing
	}

	alert.ID = uuid.NewString()
	alert.LevelName = alert.Level.String()
	alert.Timestamp = am.now()
	am.alerts[alert.ID] = alert
	am.open[key] = alert.ID
	channels := append([]AlertChannel(nil), am.channels...)
	am.mu.Unlock()

	am.dispatch(ctx, channels, alert)
	return alert
}

// Resolve closes the open alert under key, if any.
func (am *AlertManager) Resolve(ctx context.Context, key string) bool {
	am.mu.Lock()
	id, exists := am.open[key]
	if !exists {
		am.mu.Unlock()
		return false
	}
	delete(am.open, key)

	alert := am.alerts[id]
	now := am.now()
	alert.Resolved = true
	alert.ResolvedAt = &now
	channels := append([]AlertChannel(nil), am.channels...)
	am.mu.Unlock()

	am.dispatch(ctx, channels, alert)
	return true
}

func (am *AlertManager) dispatch(ctx context.Context, channels []AlertChannel, alert *Alert) {
	snapshot := *alert
	for _, ch := range channels {
		if err := ch.Send(ctx, &snapshot); err != nil {
			utils.Warn(ctx, "Failed to send alert", map[string]interface{}{
				"alert_id": alert.ID,
				"error":    err.Error(),
			})
		}
	}
}

// Active returns unresolved alerts, newest first.
func (am *AlertManager) Active() []Alert {
	am.mu.RLock()
	defer am.mu.RUnlock()

	out := make([]Alert, 0, len(am.open))
	for _, id := range am.open {
		out = append(out, *am.alerts[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out
}

// BreakerStateChanged raises a critical alert when a breaker opens and resolves
// it once the breaker closes again.
func (am *AlertManager) BreakerStateChanged(name, from, to string) {
	ctx := context.Background()
	key := "breaker:" + name

	switch to {
	case "open":
		am.Raise(ctx, key, &Alert{
			Level:   Critical,
			Title:   "Upstream circuit open",
			Message: fmt.Sprintf("breaker %s moved from %s to open, upstream calls are short-circuited", name, from),
			Source:  "circuit_breaker",
			Metadata: map[string]interface{}{
				"breaker": name,
			},
		})
	case "closed":
		am.Resolve(ctx, key)
	}
}
