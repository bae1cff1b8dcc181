package alert

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"perpcore/internal/core"
)

type mockChannel struct {
	name     string
	mu       sync.Mutex
	sent     []Payload
	sendFunc func(ctx context.Context, alert Payload) error
}

func (m *mockChannel) Name() string { return m.name }

func (m *mockChannel) Send(ctx context.Context, alert Payload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, alert)
	if m.sendFunc != nil {
		return m.sendFunc(ctx, alert)
	}
	return nil
}

func (m *mockChannel) getSent() []Payload {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := make([]Payload, len(m.sent))
	copy(res, m.sent)
	return res
}

type mockLogger struct{}

func (m *mockLogger) Debug(msg string, f ...interface{})               {}
func (m *mockLogger) Info(msg string, f ...interface{})                {}
func (m *mockLogger) Warn(msg string, f ...interface{})                {}
func (m *mockLogger) Error(msg string, f ...interface{})               {}
func (m *mockLogger) Fatal(msg string, f ...interface{})               {}
func (m *mockLogger) WithField(k string, v interface{}) core.ILogger   { return m }
func (m *mockLogger) WithFields(f map[string]interface{}) core.ILogger { return m }

func waitForSent(t *testing.T, ch *mockChannel, n int) []Payload {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sent := ch.getSent(); len(sent) >= n {
			return sent
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("channel %s: expected %d alerts, got %d", ch.name, n, len(ch.getSent()))
	return nil
}

func TestManagerFansOutToAllChannels(t *testing.T) {
	m := NewManager(&mockLogger{})
	defer m.Stop()

	ch1 := &mockChannel{name: "one"}
	ch2 := &mockChannel{name: "two"}
	m.AddChannel(ch1)
	m.AddChannel(ch2)

	m.Warn("포지션 정합성 복구", "adopt_from_exchange", map[string]string{"symbol": "BTCUSDT"})

	for _, ch := range []*mockChannel{ch1, ch2} {
		sent := waitForSent(t, ch, 1)
		if sent[0].Level != LevelWarning {
			t.Errorf("level = %s, want WARNING", sent[0].Level)
		}
		if sent[0].Title != "포지션 정합성 복구" {
			t.Errorf("title = %q", sent[0].Title)
		}
		if sent[0].Fields["symbol"] != "BTCUSDT" {
			t.Errorf("fields = %v", sent[0].Fields)
		}
	}
}

func TestManagerLevels(t *testing.T) {
	m := NewManager(&mockLogger{})
	defer m.Stop()

	ch := &mockChannel{name: "levels"}
	m.AddChannel(ch)

	m.Info("i", "info", nil)
	m.Warn("w", "warn", nil)
	m.Critical("c", "critical", nil)

	sent := waitForSent(t, ch, 3)
	levels := map[Level]int{}
	for _, p := range sent {
		levels[p.Level]++
	}
	if levels[LevelInfo] != 1 || levels[LevelWarning] != 1 || levels[LevelCritical] != 1 {
		t.Errorf("levels = %v", levels)
	}
}

func TestManagerToleratesFailingChannel(t *testing.T) {
	m := NewManager(&mockLogger{})
	defer m.Stop()

	failing := &mockChannel{
		name:     "failing",
		sendFunc: func(ctx context.Context, alert Payload) error { return errors.New("telegram 502") },
	}
	healthy := &mockChannel{name: "healthy"}
	m.AddChannel(failing)
	m.AddChannel(healthy)

	m.Critical("청산 검증 실패", "residual quantity", nil)

	waitForSent(t, healthy, 1)
	waitForSent(t, failing, 1)
}
