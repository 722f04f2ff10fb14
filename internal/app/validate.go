package app

import (
	"fmt"

	"github.com/rinadelph/agent-mcp/internal/domain"
	"github.com/rinadelph/agent-mcp/internal/repository/sqlite"
)

// Violation is one consistency finding. Nothing is healed automatically.
type Violation struct {
	Check   string `json:"check"`
	Subject string `json:"subject"`
	Detail  string `json:"detail"`
}

// ConsistencyReport is the validate_context_consistency result.
type ConsistencyReport struct {
	Checked    int         `json:"checked"`
	Violations []Violation `json:"violations"`
}

// ValidateConsistency audits the cross-entity invariants: agent/current-task
// linkage, bidirectional parent/child lists, dependency existence, the
// single-active-phase rule and chunk/embedding pairing.
func ValidateConsistency(store *sqlite.Store) (*ConsistencyReport, error) {
	report := &ConsistencyReport{}
	add := func(check, subject, format string, args ...any) {
		report.Violations = append(report.Violations, Violation{
			Check:   check,
			Subject: subject,
			Detail:  fmt.Sprintf(format, args...),
		})
	}

	tasks, err := store.ListTasks()
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*domain.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	report.Checked = len(tasks)

	agents, err := store.ListAgents()
	if err != nil {
		return nil, err
	}
	report.Checked += len(agents)
	for _, a := range agents {
		if a.Status.Terminal() || a.CurrentTask == "" {
			continue
		}
		t, ok := byID[a.CurrentTask]
		if !ok {
			add("agent_current_task", a.ID, "current task %q does not exist", a.CurrentTask)
			continue
		}
		if t.AssignedTo != a.ID {
			add("agent_current_task", a.ID, "current task %q is assigned to %q", t.ID, t.AssignedTo)
		}
	}

	for _, t := range tasks {
		if t.ParentTask != "" {
			p, ok := byID[t.ParentTask]
			if !ok {
				add("parent_child", t.ID, "parent %q does not exist", t.ParentTask)
			} else if n := countOf(p.ChildTasks, t.ID); n != 1 {
				add("parent_child", t.ID, "parent %q lists it %d times in child_tasks", p.ID, n)
			}
		}
		for _, childID := range t.ChildTasks {
			c, ok := byID[childID]
			if !ok {
				add("parent_child", t.ID, "child %q does not exist", childID)
			} else if c.ParentTask != t.ID {
				add("parent_child", t.ID, "child %q points at parent %q", childID, c.ParentTask)
			}
		}
		for _, dep := range t.DependsOnTasks {
			if _, ok := byID[dep]; !ok {
				add("dependencies", t.ID, "dependency %q does not exist", dep)
			}
		}
	}

	roots, byParent := indexTasks(tasks)
	activeRoots := 0
	for _, r := range roots {
		if phaseActive(r, byParent) {
			activeRoots++
		}
	}
	if activeRoots > 1 {
		add("single_active_phase", "", "%d phases are active simultaneously", activeRoots)
	}

	orphans, err := store.OrphanEmbeddings()
	if err != nil {
		return nil, err
	}
	for _, id := range orphans {
		add("chunk_embedding_pair", fmt.Sprintf("chunk %d", id), "chunk and embedding rows are unpaired")
	}

	return report, nil
}

func countOf(list []string, v string) int {
	n := 0
	for _, x := range list {
		if x == v {
			n++
		}
	}
	return n
}
