package metrics

import (
	"sync"
	"time"
)

// inferenceFaulted matches inference.StateFaulted's String form.
const inferenceFaulted = "faulted"

// Store is the in-memory Collector. Recent tasks live in a fixed-size
// ring; totals cover everything recorded since creation.
type Store struct {
	mu sync.RWMutex

	taskHistory []TaskRecord
	taskCap     int
	taskHead    int
	taskSize    int

	totalTasks   int64
	totalSuccess int64
	totalErrors  int64
	byStrategy   map[string]*strategyStats
	byKind       map[string]int64

	inferenceState string
	modelLoaded    bool
	stopped        bool

	startTime time.Time
	version   string
}

type strategyStats struct {
	count         int64
	successCount  int64
	totalDuration time.Duration
}

// StoreConfig configures a Store.
type StoreConfig struct {
	TaskHistoryCapacity int
	Version             string
}

// DefaultStoreConfig returns a 100-task history.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{TaskHistoryCapacity: 100, Version: "dev"}
}

// NewStore creates a Store. startTime is the reference for uptime.
func NewStore(config StoreConfig, startTime time.Time) *Store {
	capacity := config.TaskHistoryCapacity
	if capacity < 1 {
		capacity = 100
	}
	return &Store{
		taskHistory:    make([]TaskRecord, capacity),
		taskCap:        capacity,
		byStrategy:     make(map[string]*strategyStats),
		byKind:         make(map[string]int64),
		inferenceState: "uninitialized",
		startTime:      startTime,
		version:        config.Version,
	}
}

// RecordTask adds task to the history and the totals.
func (s *Store) RecordTask(task TaskRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.taskHistory[s.taskHead] = task
	s.taskHead = (s.taskHead + 1) % s.taskCap
	if s.taskSize < s.taskCap {
		s.taskSize++
	}

	s.totalTasks++
	switch task.Status {
	case TaskStatusSuccess:
		s.totalSuccess++
	case TaskStatusError:
		s.totalErrors++
		if task.Kind != "" {
			s.byKind[task.Kind]++
		}
	}

	if task.Strategy == "" {
		return
	}
	stats, ok := s.byStrategy[task.Strategy]
	if !ok {
		stats = &strategyStats{}
		s.byStrategy[task.Strategy] = stats
	}
	stats.count++
	if task.Status == TaskStatusSuccess {
		stats.successCount++
	}
	stats.totalDuration += task.Duration
}

// GetTaskMetrics returns a snapshot of the totals.
func (s *Store) GetTaskMetrics() TaskMetrics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m := TaskMetrics{
		TotalProcessed: s.totalTasks,
		TotalSuccess:   s.totalSuccess,
		TotalErrors:    s.totalErrors,
		ByStrategy:     make(map[string]*StrategyMetrics, len(s.byStrategy)),
		ByKind:         make(map[string]int64, len(s.byKind)),
	}
	for name, stats := range s.byStrategy {
		m.ByStrategy[name] = &StrategyMetrics{
			Count:       stats.count,
			SuccessRate: float64(stats.successCount) / float64(stats.count) * 100,
			AvgDuration: stats.totalDuration / time.Duration(stats.count),
		}
	}
	for kind, n := range s.byKind {
		m.ByKind[kind] = n
	}
	return m
}

// GetRecentTasks returns up to limit of the newest records, oldest first.
func (s *Store) GetRecentTasks(limit int) []TaskRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || s.taskSize == 0 {
		return []TaskRecord{}
	}
	if limit > s.taskSize {
		limit = s.taskSize
	}
	out := make([]TaskRecord, limit)
	for i := 0; i < limit; i++ {
		out[i] = s.taskHistory[(s.taskHead-limit+i+s.taskCap)%s.taskCap]
	}
	return out
}

// UpdateInference records the inference channel's state name and whether
// the model is loaded.
func (s *Store) UpdateInference(state string, loaded bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inferenceState = state
	s.modelLoaded = loaded
}

// MarkStopped flags the system as shut down.
func (s *Store) MarkStopped() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
}

// GetSystemStatus derives health from the last inference update.
func (s *Store) GetSystemStatus() SystemStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	health := SystemHealthRunning
	switch {
	case s.stopped:
		health = SystemHealthStopped
	case s.inferenceState == inferenceFaulted:
		health = SystemHealthError
	}
	return SystemStatus{
		Health:         health,
		Version:        s.version,
		Uptime:         time.Since(s.startTime),
		LastCheck:      time.Now(),
		InferenceState: s.inferenceState,
		ModelLoaded:    s.modelLoaded,
	}
}

var _ Collector = (*Store)(nil)
