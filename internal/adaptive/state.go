package adaptive

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"perpcore/internal/core"
)

const stateKey = "adaptive_state"

// State is everything the layers must remember across restarts. It is
// persisted to the key/value table and mirrored to a local JSON file so
// a DB outage on startup does not silently reset penalties.
type State struct {
	L1PenaltyActive     bool                 `json:"l1_penalty_active"`
	L1ImproveStreak     int                  `json:"l1_improve_streak"`
	L1CooldownUntil     map[string]time.Time `json:"l1_cooldown_until"`
	L5PenaltyActive     map[string]bool      `json:"l5_penalty_active"`
	L5ImproveStreak     map[string]int       `json:"l5_improve_streak"`
	WarnSince           *time.Time           `json:"warn_since,omitempty"`
	AntiParalysisStage  int                  `json:"anti_paralysis_stage"`
	LastTradeAt         *time.Time           `json:"last_trade_at,omitempty"`
	UpdatedAt           time.Time            `json:"updated_at"`
}

func newState() *State {
	return &State{
		L1CooldownUntil: make(map[string]time.Time),
		L5PenaltyActive: make(map[string]bool),
		L5ImproveStreak: make(map[string]int),
	}
}

func (s *State) normalize() {
	if s.L1CooldownUntil == nil {
		s.L1CooldownUntil = make(map[string]time.Time)
	}
	if s.L5PenaltyActive == nil {
		s.L5PenaltyActive = make(map[string]bool)
	}
	if s.L5ImproveStreak == nil {
		s.L5ImproveStreak = make(map[string]int)
	}
}

// KVStore is the durable copy of the layer state
type KVStore interface {
	GetKV(ctx context.Context, key string, out any) (bool, error)
	PutKV(ctx context.Context, key string, value any) error
}

// loadState prefers the DB copy and falls back to the JSON backup
func loadState(ctx context.Context, kv KVStore, backupPath string, logger core.ILogger) *State {
	s := newState()

	found, err := kv.GetKV(ctx, stateKey, s)
	if err == nil && found {
		s.normalize()
		return s
	}
	if err != nil {
		logger.Warn("Adaptive state load from DB failed, trying JSON backup", "error", err)
	}

	if backupPath != "" {
		raw, readErr := os.ReadFile(backupPath)
		if readErr == nil {
			if jsonErr := json.Unmarshal(raw, s); jsonErr != nil {
				logger.Warn("Adaptive state backup unreadable, starting fresh", "error", jsonErr)
				s = newState()
			}
		}
	}
	s.normalize()
	return s
}

// saveState writes both copies; either failing alone is tolerated
func saveState(ctx context.Context, kv KVStore, backupPath string, s *State, logger core.ILogger) {
	s.UpdatedAt = time.Now().UTC()

	if err := kv.PutKV(ctx, stateKey, s); err != nil {
		logger.Error("Adaptive state save to DB failed", "error", err)
	}

	if backupPath == "" {
		return
	}
	raw, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(backupPath), 0o755); err != nil {
		logger.Warn("Adaptive backup dir create failed", "path", backupPath, "error", err)
		return
	}
	tmp := backupPath + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		logger.Warn("Adaptive backup write failed", "path", backupPath, "error", err)
		return
	}
	if err := os.Rename(tmp, backupPath); err != nil {
		logger.Warn("Adaptive backup rename failed", "path", backupPath, "error", err)
	}
}
