// Package alert fans operator notifications out to channels off the
// trading path.
package alert

import (
	"context"
	"sync"
	"time"

	"perpcore/internal/core"
	"perpcore/pkg/concurrency"
)

// Level orders alerts by urgency
type Level string

const (
	LevelInfo     Level = "INFO"
	LevelWarning  Level = "WARNING"
	LevelCritical Level = "CRITICAL"
)

// Payload is one alert as delivered to every channel
type Payload struct {
	Level     Level
	Title     string
	Message   string
	Timestamp time.Time
	Fields    map[string]string
}

// Channel delivers alerts to one destination
type Channel interface {
	Send(ctx context.Context, alert Payload) error
	Name() string
}

// Manager implements core.IAlerter. Delivery runs on a bounded worker
// pool so a slow channel cannot stall a decision cycle.
type Manager struct {
	channels []Channel
	pool     *concurrency.WorkerPool
	logger   core.ILogger
	mu       sync.RWMutex
}

// NewManager creates an alert manager with its delivery pool
func NewManager(logger core.ILogger) *Manager {
	return &Manager{
		pool: concurrency.NewWorkerPool(concurrency.PoolConfig{
			Name:        "alerts",
			MaxWorkers:  2,
			MaxCapacity: 64,
			NonBlocking: true,
		}, logger),
		logger: logger.WithField("component", "alert_manager"),
	}
}

// AddChannel registers a delivery channel
func (m *Manager) AddChannel(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, ch)
	m.logger.Info("Added alert channel", "name", ch.Name())
}

// Info sends an informational alert
func (m *Manager) Info(title, message string, fields map[string]string) {
	m.send(LevelInfo, title, message, fields)
}

// Warn sends a warning alert
func (m *Manager) Warn(title, message string, fields map[string]string) {
	m.send(LevelWarning, title, message, fields)
}

// Critical sends a critical alert
func (m *Manager) Critical(title, message string, fields map[string]string) {
	m.send(LevelCritical, title, message, fields)
}

func (m *Manager) send(level Level, title, message string, fields map[string]string) {
	payload := Payload{
		Level:     level,
		Title:     title,
		Message:   message,
		Timestamp: time.Now().UTC(),
		Fields:    fields,
	}

	m.mu.RLock()
	channels := make([]Channel, len(m.channels))
	copy(channels, m.channels)
	m.mu.RUnlock()

	for _, ch := range channels {
		ch := ch
		err := m.pool.Submit(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := ch.Send(ctx, payload); err != nil {
				m.logger.Error("Alert delivery failed",
					"channel", ch.Name(), "title", title, "error", err)
			}
		})
		if err != nil {
			m.logger.Warn("Alert dropped, delivery pool full",
				"channel", ch.Name(), "title", title)
		}
	}
}

// Stop drains the delivery pool
func (m *Manager) Stop() {
	m.pool.Stop()
}
