package app

import (
	"testing"

	"github.com/rinadelph/agent-mcp/internal/domain"
)

func violationChecks(r *ConsistencyReport) map[string]int {
	out := make(map[string]int)
	for _, v := range r.Violations {
		out[v.Check]++
	}
	return out
}

func TestValidateConsistency_clean(t *testing.T) {
	store := newTestStore(t)
	seedTask(t, store, &domain.Task{ID: "task_p", Title: "p", ChildTasks: []string{"task_c"}})
	seedTask(t, store, &domain.Task{ID: "task_c", Title: "c", ParentTask: "task_p", AssignedTo: "w1", Status: domain.TaskPending})
	seedAgent(t, store, "w1", "task_c")

	report, err := ValidateConsistency(store)
	if err != nil {
		t.Fatalf("ValidateConsistency: %v", err)
	}
	if len(report.Violations) != 0 {
		t.Errorf("violations on a clean graph: %+v", report.Violations)
	}
	if report.Checked != 3 {
		t.Errorf("Checked = %d, want 3", report.Checked)
	}
}

func TestValidateConsistency_findings(t *testing.T) {
	store := newTestStore(t)
	// agent pointing at a task that does not exist
	seedAgent(t, store, "w1", "task_ghost")
	// child whose parent never lists it
	seedTask(t, store, &domain.Task{ID: "task_p", Title: "p", Status: domain.TaskCompleted})
	seedTask(t, store, &domain.Task{ID: "task_c", Title: "c", ParentTask: "task_p", Status: domain.TaskCompleted})
	// dependency on a missing task
	seedTask(t, store, &domain.Task{ID: "task_d", Title: "d", DependsOnTasks: []string{"task_ghost"}, Status: domain.TaskPending})
	// two active roots
	seedTask(t, store, &domain.Task{ID: "task_r2", Title: "r2", Status: domain.TaskPending})

	report, err := ValidateConsistency(store)
	if err != nil {
		t.Fatalf("ValidateConsistency: %v", err)
	}
	checks := violationChecks(report)
	for _, want := range []string{"agent_current_task", "parent_child", "dependencies", "single_active_phase"} {
		if checks[want] == 0 {
			t.Errorf("missing %s violation (got %+v)", want, report.Violations)
		}
	}
}
