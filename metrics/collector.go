package metrics

// Collector records task outcomes and reports aggregates. Implementations
// must be safe for concurrent use.
type Collector interface {
	RecordTask(task TaskRecord)
	GetTaskMetrics() TaskMetrics
	// GetRecentTasks returns up to limit records, oldest first.
	GetRecentTasks(limit int) []TaskRecord
	UpdateInference(state string, loaded bool)
	GetSystemStatus() SystemStatus
}
