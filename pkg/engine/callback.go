package engine

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"time"
)

const (
	// DefaultPauseTTL is how long a pause token stays valid.
	DefaultPauseTTL = 365 * 24 * time.Hour

	// MaxPauseTTL caps configured token lifetimes.
	MaxPauseTTL = 365 * 24 * time.Hour

	pauseTokenBytes = 32
)

// CallbackRegistry mints and consumes the pause tokens that gate paused waves.
// Tokens live on the WaveExecution and are persisted with it, so a resume is
// valid across process restarts.
type CallbackRegistry struct {
	ttl    time.Duration
	random io.Reader
}

// NewCallbackRegistry creates a registry whose tokens expire after ttl.
// A non-positive ttl selects DefaultPauseTTL and anything above MaxPauseTTL is capped.
func NewCallbackRegistry(ttl time.Duration) *CallbackRegistry {
	if ttl <= 0 {
		ttl = DefaultPauseTTL
	}
	if ttl > MaxPauseTTL {
		ttl = MaxPauseTTL
	}
	return &CallbackRegistry{ttl: ttl, random: rand.Reader}
}

// Mint stores a fresh token with its expiry on the wave and returns it.
func (r *CallbackRegistry) Mint(w *WaveExecution, now time.Time) (string, error) {
	buf := make([]byte, pauseTokenBytes)
	if _, err := io.ReadFull(r.random, buf); err != nil {
		return "", fmt.Errorf("failed to generate pause token: %w", err)
	}
	token := hex.EncodeToString(buf)
	expiry := now.Add(r.ttl).UTC()
	w.PauseToken = token
	w.PauseTokenExpiry = &expiry
	return token, nil
}

// Consume validates token against the paused wave of exec and marks the wave
// approved. On any error exec is left untouched.
func (r *CallbackRegistry) Consume(exec *Execution, token string, now time.Time) (int, error) {
	if exec.Status != ExecutionStatusPaused {
		return -1, NewTokenInvalidError(exec.ID).WithDetail("status", string(exec.Status))
	}
	idx := exec.CurrentWave()
	if idx < 0 {
		return -1, NewTokenInvalidError(exec.ID)
	}
	w := &exec.Waves[idx]
	if w.PauseToken == "" || token == "" ||
		subtle.ConstantTimeCompare([]byte(w.PauseToken), []byte(token)) != 1 {
		return -1, NewTokenInvalidError(exec.ID).WithDetail("wave_index", idx)
	}
	if TokenExpired(w, now) {
		return -1, NewTokenExpiredError(exec.ID).WithDetail("wave_index", idx)
	}

	approved := now.UTC()
	w.PauseToken = ""
	w.PauseTokenExpiry = nil
	w.PauseApprovedAt = &approved
	return idx, nil
}

// TokenExpired reports whether the wave's outstanding token is past its expiry.
func TokenExpired(w *WaveExecution, now time.Time) bool {
	return w.PauseTokenExpiry != nil && !now.Before(*w.PauseTokenExpiry)
}

// NeedsPause reports whether the wave must pause before launching.
func NeedsPause(w *WaveExecution) bool {
	return w.PauseBeforeWave && w.Index > 0 && w.PauseApprovedAt == nil
}
