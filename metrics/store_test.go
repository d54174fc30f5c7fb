package metrics

import (
	"testing"
	"time"
)

func TestStore_RecordAndAggregate(t *testing.T) {
	s := NewStore(StoreConfig{TaskHistoryCapacity: 10}, time.Now())

	s.RecordTask(TaskRecord{ID: "1", Strategy: "direct", Status: TaskStatusSuccess, Duration: 100 * time.Millisecond})
	s.RecordTask(TaskRecord{ID: "2", Strategy: "direct", Status: TaskStatusSuccess, Duration: 300 * time.Millisecond})
	s.RecordTask(TaskRecord{ID: "3", Strategy: "cors", Status: TaskStatusError, Kind: "TimeoutError", Duration: time.Second})
	s.RecordTask(TaskRecord{ID: "4", Status: TaskStatusError, Kind: "AcquisitionError"})

	m := s.GetTaskMetrics()
	if m.TotalProcessed != 4 || m.TotalSuccess != 2 || m.TotalErrors != 2 {
		t.Errorf("totals = %+v", m)
	}
	direct := m.ByStrategy["direct"]
	if direct == nil || direct.Count != 2 || direct.SuccessRate != 100 || direct.AvgDuration != 200*time.Millisecond {
		t.Errorf("direct = %+v", direct)
	}
	if cors := m.ByStrategy["cors"]; cors == nil || cors.SuccessRate != 0 {
		t.Errorf("cors = %+v", cors)
	}
	if _, ok := m.ByStrategy[""]; ok {
		t.Error("task without strategy counted under empty name")
	}
	if m.ByKind["TimeoutError"] != 1 || m.ByKind["AcquisitionError"] != 1 {
		t.Errorf("ByKind = %v", m.ByKind)
	}
}

func TestStore_RecentTasksWrap(t *testing.T) {
	s := NewStore(StoreConfig{TaskHistoryCapacity: 3}, time.Now())
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		s.RecordTask(TaskRecord{ID: id, Status: TaskStatusSuccess})
	}

	tests := []struct {
		limit int
		want  string
	}{
		{0, ""},
		{1, "e"},
		{2, "de"},
		{10, "cde"},
	}
	for _, tt := range tests {
		var got string
		for _, r := range s.GetRecentTasks(tt.limit) {
			got += r.ID
		}
		if got != tt.want {
			t.Errorf("GetRecentTasks(%d) = %q, want %q", tt.limit, got, tt.want)
		}
	}
	if m := s.GetTaskMetrics(); m.TotalProcessed != 5 {
		t.Errorf("TotalProcessed = %d, want 5", m.TotalProcessed)
	}
}

func TestStore_SystemStatus(t *testing.T) {
	s := NewStore(StoreConfig{Version: "1.2.3"}, time.Now().Add(-time.Minute))

	st := s.GetSystemStatus()
	if st.Health != SystemHealthRunning || st.InferenceState != "uninitialized" || st.Version != "1.2.3" {
		t.Errorf("initial status = %+v", st)
	}
	if st.Uptime < time.Minute {
		t.Errorf("Uptime = %v", st.Uptime)
	}

	s.UpdateInference("ready", true)
	if st := s.GetSystemStatus(); st.Health != SystemHealthRunning || !st.ModelLoaded {
		t.Errorf("ready status = %+v", st)
	}
	s.UpdateInference("faulted", false)
	if st := s.GetSystemStatus(); st.Health != SystemHealthError {
		t.Errorf("faulted health = %q", st.Health)
	}
	s.MarkStopped()
	if st := s.GetSystemStatus(); st.Health != SystemHealthStopped {
		t.Errorf("stopped health = %q", st.Health)
	}
}
