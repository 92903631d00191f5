// Package alert fans strategy incidents out to operator channels (Slack,
// Telegram). Delivery is asynchronous and never blocks the trading path.
package alert

import (
	"context"
	"fmt"
	"sync"
	"time"

	"auto_trader/internal/core"
)

type AlertLevel string

const (
	Info     AlertLevel = "INFO"
	Warning  AlertLevel = "WARNING"
	Error    AlertLevel = "ERROR"
	Critical AlertLevel = "CRITICAL"
)

type AlertPayload struct {
	Level     AlertLevel
	Title     string
	Message   string
	Timestamp time.Time
	Fields    map[string]string
}

type AlertChannel interface {
	Send(ctx context.Context, alert AlertPayload) error
	Name() string
}

// sendTimeout bounds one channel delivery; a slow webhook must not pile up
// goroutines.
const sendTimeout = 10 * time.Second

type AlertManager struct {
	mu       sync.RWMutex
	channels []AlertChannel
	logger   core.ILogger
}

func NewAlertManager(logger core.ILogger) *AlertManager {
	return &AlertManager{
		logger: logger.WithField("component", "alert_manager"),
	}
}

func (am *AlertManager) AddChannel(ch AlertChannel) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.channels = append(am.channels, ch)
	am.logger.Info("Added alert channel", "name", ch.Name())
}

// Alert dispatches to every channel concurrently and returns immediately.
func (am *AlertManager) Alert(ctx context.Context, title, message string, level AlertLevel, fields map[string]string) {
	payload := AlertPayload{
		Level:     level,
		Title:     title,
		Message:   message,
		Timestamp: time.Now(),
		Fields:    fields,
	}

	am.mu.RLock()
	channels := make([]AlertChannel, len(am.channels))
	copy(channels, am.channels)
	am.mu.RUnlock()

	for _, ch := range channels {
		go func(c AlertChannel) {
			sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
			defer cancel()
			if err := c.Send(sendCtx, payload); err != nil {
				am.logger.Error("Failed to send alert", "channel", c.Name(), "error", err)
			}
		}(ch)
	}
}

// EventSink adapts the manager to the strategy event stream: incident-class
// events become alerts, the rest are ignored.
func (am *AlertManager) EventSink() core.EventSink {
	return func(evt core.StrategyEvent) {
		level, title, ok := classify(evt.Type)
		if !ok {
			return
		}
		fields := make(map[string]string, len(evt.Data))
		for k, v := range evt.Data {
			fields[k] = fmt.Sprintf("%v", v)
		}
		am.Alert(context.Background(), title, string(evt.Type), level, fields)
	}
}

func classify(t core.EventType) (AlertLevel, string, bool) {
	switch t {
	case core.EventRiskLimitHit:
		return Warning, "Risk limit hit", true
	case core.EventSellOrderFailed:
		return Error, "Paired sell failed", true
	case core.EventMergeFailed:
		return Error, "Order merge failed", true
	case core.EventStrategyError:
		return Error, "Strategy entered error state", true
	case core.EventEmergencyStop:
		return Critical, "Emergency stop executed", true
	default:
		return "", "", false
	}
}
