package observability

import (
	"log/slog"
	"sync"
	"time"

	"github.com/sandboxd/sandboxd/internal/config"
)

// AnomalyDetector flags suspicious client behavior using sliding windows.
// The signal it watches is the per-user policy denial rate: a client that
// suddenly has most of its requests denied is probing the policy surface.
type AnomalyDetector struct {
	mu       sync.Mutex
	denials  map[string]*slidingWindow
	allowals map[string]*slidingWindow
	cfg      *config.AnomalyConfig
	logger   *slog.Logger
}

type slidingWindow struct {
	entries []windowEntry
	window  time.Duration
}

type windowEntry struct {
	timestamp time.Time
	value     float64
}

// NewAnomalyDetector creates an anomaly detector from config.
func NewAnomalyDetector(cfg *config.AnomalyConfig, logger *slog.Logger) *AnomalyDetector {
	return &AnomalyDetector{
		denials:  make(map[string]*slidingWindow),
		allowals: make(map[string]*slidingWindow),
		cfg:      cfg,
		logger:   logger,
	}
}

func (a *AnomalyDetector) windowDuration() time.Duration {
	secs := a.cfg.WindowSeconds
	if secs <= 0 {
		secs = 300
	}
	return time.Duration(secs) * time.Second
}

// RecordDenial records a policy denial for the user and checks the rate.
func (a *AnomalyDetector) RecordDenial(userID string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	w := a.getOrCreateWindow(a.denials, userID)
	w.add(1)
	a.checkDenialRate(userID)
}

// RecordAllowed records a policy-approved request for the user.
func (a *AnomalyDetector) RecordAllowed(userID string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	w := a.getOrCreateWindow(a.allowals, userID)
	w.add(1)
}

// checkDenialRate warns when a user's denial rate exceeds the configured
// threshold. Must be called with a.mu held.
func (a *AnomalyDetector) checkDenialRate(userID string) {
	threshold := a.cfg.DenialRateThreshold
	if threshold <= 0 {
		return
	}

	denied := a.getOrCreateWindow(a.denials, userID).sum()
	allowed := a.getOrCreateWindow(a.allowals, userID).sum()
	total := denied + allowed

	if total < 5 {
		return // Not enough data.
	}

	rate := denied / total
	if rate > threshold && a.logger != nil {
		a.logger.Warn("anomaly detected: high policy denial rate",
			slog.String("user_id", userID),
			slog.Float64("denial_rate", rate),
			slog.Float64("threshold", threshold),
			slog.Float64("denied", denied),
			slog.Float64("total", total),
		)
	}
}

func (a *AnomalyDetector) getOrCreateWindow(m map[string]*slidingWindow, key string) *slidingWindow {
	w, ok := m[key]
	if !ok {
		w = &slidingWindow{window: a.windowDuration()}
		m[key] = w
	}
	return w
}

// add appends a value and prunes expired entries.
func (w *slidingWindow) add(value float64) {
	now := time.Now()
	w.entries = append(w.entries, windowEntry{timestamp: now, value: value})
	w.prune(now)
}

// sum returns the total value within the window.
func (w *slidingWindow) sum() float64 {
	w.prune(time.Now())
	var total float64
	for _, e := range w.entries {
		total += e.value
	}
	return total
}

// prune removes entries older than the window duration.
func (w *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.entries) && w.entries[i].timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.entries = w.entries[i:]
	}
}
