package logger

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// DefaultThrottleWindow is how long identical messages are suppressed.
const DefaultThrottleWindow = 10 * time.Second

type throttleEntry struct {
	since      time.Time
	suppressed int
}

// Throttle drops repeats of the same message inside a window. The first
// message after the window closes is preceded by a summary of how many were
// dropped.
type Throttle struct {
	log    *zap.Logger
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*throttleEntry
}

func NewThrottle(log *zap.Logger, window time.Duration) *Throttle {
	if window <= 0 {
		window = DefaultThrottleWindow
	}
	return &Throttle{
		log:     log,
		window:  window,
		now:     time.Now,
		entries: make(map[string]*throttleEntry),
	}
}

func (t *Throttle) Error(msg string, fields ...zap.Field) {
	t.write(zapcore.ErrorLevel, msg, fields)
}

func (t *Throttle) Warn(msg string, fields ...zap.Field) {
	t.write(zapcore.WarnLevel, msg, fields)
}

// Suppressed reports how many messages are currently being held back for msg.
func (t *Throttle) Suppressed(msg string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[msg]; ok {
		return e.suppressed
	}
	return 0
}

func (t *Throttle) write(level zapcore.Level, msg string, fields []zap.Field) {
	now := t.now()

	t.mu.Lock()
	e, ok := t.entries[msg]
	if ok && now.Sub(e.since) < t.window {
		e.suppressed++
		t.mu.Unlock()
		return
	}
	suppressed := 0
	if ok {
		suppressed = e.suppressed
	}
	t.entries[msg] = &throttleEntry{since: now}
	t.mu.Unlock()

	if suppressed > 0 {
		t.log.Log(level, "similar messages suppressed",
			zap.String("message", msg),
			zap.Int("count", suppressed),
		)
	}
	t.log.Log(level, msg, fields...)
}
