package models

import (
	"sync"
	"time"
)

// ModelHealth tracks the health of a remote model endpoint.
type ModelHealth struct {
	IsHealthy      bool
	SuccessRate    float64
	AverageLatency time.Duration
	TotalCalls     int64
	SuccessCalls   int64
	FailureCalls   int64
	LastUsed       time.Time
	ErrorMessages  []string
}

// healthTracker is embedded by providers to record call outcomes.
type healthTracker struct {
	mu     sync.RWMutex
	health ModelHealth
}

// recordSuccess updates health metrics on a successful call.
func (h *healthTracker) recordSuccess(duration time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.health.TotalCalls++
	h.health.SuccessCalls++
	h.health.LastUsed = time.Now()

	if h.health.AverageLatency == 0 {
		h.health.AverageLatency = duration
	} else {
		alpha := 0.1
		h.health.AverageLatency = time.Duration(float64(h.health.AverageLatency)*(1-alpha) + float64(duration)*alpha)
	}

	h.health.IsHealthy = true
	h.health.SuccessRate = float64(h.health.SuccessCalls) / float64(h.health.TotalCalls)
}

// recordFailure updates health metrics on a failed call. Only the last 10 errors are kept.
func (h *healthTracker) recordFailure(errorMsg string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.health.TotalCalls++
	h.health.FailureCalls++
	h.health.LastUsed = time.Now()
	h.health.IsHealthy = false

	if len(h.health.ErrorMessages) >= 10 {
		h.health.ErrorMessages = h.health.ErrorMessages[1:]
	}
	h.health.ErrorMessages = append(h.health.ErrorMessages, errorMsg)
	h.health.SuccessRate = float64(h.health.SuccessCalls) / float64(h.health.TotalCalls)
}

// Health returns a snapshot of the endpoint health.
func (h *healthTracker) Health() ModelHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := h.health
	out.ErrorMessages = append([]string(nil), h.health.ErrorMessages...)
	return out
}
