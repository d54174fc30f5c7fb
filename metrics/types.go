// Package metrics keeps in-memory counters of upscale outcomes.
package metrics

import "time"

// TaskRecord is the outcome of one upscale attempt.
type TaskRecord struct {
	ID        string        `json:"id"` // correlation id
	Src       string        `json:"src"`
	Strategy  string        `json:"strategy,omitempty"`
	Status    string        `json:"status"`
	Kind      string        `json:"kind,omitempty"` // failure kind
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time,omitempty"`
	Duration  time.Duration `json:"duration"`
	ErrorMsg  string        `json:"error_msg,omitempty"`
}

// TaskMetrics aggregates every recorded task, not only those still in
// the history buffer.
type TaskMetrics struct {
	TotalProcessed int64 `json:"total_processed"`
	TotalSuccess   int64 `json:"total_success"`
	TotalErrors    int64 `json:"total_errors"`

	// ByStrategy covers successful acquisitions keyed by strategy name.
	ByStrategy map[string]*StrategyMetrics `json:"by_strategy"`
	// ByKind counts failures keyed by kind.
	ByKind map[string]int64 `json:"by_kind"`
}

// StrategyMetrics summarizes tasks whose pixels came from one strategy.
type StrategyMetrics struct {
	Count       int64         `json:"count"`
	SuccessRate float64       `json:"success_rate"` // 0-100
	AvgDuration time.Duration `json:"avg_duration"`
}

// SystemStatus is the overall health snapshot.
type SystemStatus struct {
	Health         string        `json:"health"`
	Version        string        `json:"version"`
	Uptime         time.Duration `json:"uptime"`
	LastCheck      time.Time     `json:"last_check"`
	InferenceState string        `json:"inference_state"`
	ModelLoaded    bool          `json:"model_loaded"`
}

// Task statuses.
const (
	TaskStatusSuccess = "success"
	TaskStatusError   = "error"
)

// System health values.
const (
	SystemHealthRunning = "running"
	SystemHealthError   = "error"
	SystemHealthStopped = "stopped"
)
