package sprint

import (
	"fmt"
	"strconv"
)

// NormalizePlan coerces an untyped planner document into a canonical
// Plan: string ids become ints, missing arrays default to empty,
// legacy role names ("coder", "dev", "implementer") are rewritten to
// the canonical "developer", zero-valued dependencies are dropped, and
// the resulting DAG is checked for cycles. This is the only place
// planner output touches the rest of the system (spec.md §9).
func NormalizePlan(raw map[string]interface{}) (*Plan, error) {
	tasksRaw, _ := raw["tasks"].([]interface{})
	plan := &Plan{
		DeveloperCount: coerceInt(raw["developer_count"]),
		SpecPath:       coerceString(raw["spec_path"]),
		HumanEstimate:  coerceString(raw["human_estimate"]),
		AIEstimate:     coerceString(raw["ai_estimate"]),
	}

	for _, tr := range tasksRaw {
		tm, ok := tr.(map[string]interface{})
		if !ok {
			continue
		}
		task := &Task{
			ID:                 coerceInt(tm["id"]),
			Title:              coerceString(tm["title"]),
			Description:        coerceString(tm["description"]),
			AcceptanceCriteria: coerceStringSlice(tm["acceptance_criteria"]),
			FilesTouched:       coerceStringSlice(tm["files_touched"]),
			DependsOn:          coerceIntSliceNoZero(tm["depends_on"]),
			Wave:               coerceInt(tm["wave"]),
			Role:               normalizeRole(coerceString(tm["role"])),
			DeveloperSlot:      coerceString(tm["developer_slot"]),
			Labels:             coerceStringSlice(tm["labels"]),
			Complexity:         coerceString(tm["complexity"]),
		}
		if task.Wave == 0 {
			task.Wave = 1
		}
		plan.Tasks = append(plan.Tasks, task)
	}

	if err := CheckAcyclic(plan.Tasks); err != nil {
		return nil, err
	}
	if err := CheckFileIsolation(plan.Tasks); err != nil {
		return nil, err
	}

	return plan, nil
}

func normalizeRole(r string) Role {
	switch r {
	case "tester", "test":
		return RoleTester
	case "", "developer", "coder", "dev", "implementer", "engineer":
		return RoleDeveloper
	default:
		return RoleDeveloper
	}
}

func coerceInt(v interface{}) int {
	switch x := v.(type) {
	case int:
		return x
	case int64:
		return int(x)
	case float64:
		return int(x)
	case string:
		n, _ := strconv.Atoi(x)
		return n
	default:
		return 0
	}
}

func coerceString(v interface{}) string {
	s, _ := v.(string)
	return s
}

func coerceStringSlice(v interface{}) []string {
	arr, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, e := range arr {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func coerceIntSliceNoZero(v interface{}) []int {
	arr, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]int, 0, len(arr))
	for _, e := range arr {
		n := coerceInt(e)
		if n != 0 {
			out = append(out, n)
		}
	}
	return out
}

// CheckAcyclic verifies the depends_on graph is a DAG (invariant + TESTABLE
// PROPERTY 9). Detected via three-colour DFS.
func CheckAcyclic(tasks []*Task) error {
	byID := make(map[int]*Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[int]int, len(tasks))
	var stack []int

	var visit func(id int) error
	visit = func(id int) error {
		color[id] = gray
		stack = append(stack, id)
		t := byID[id]
		if t != nil {
			for _, dep := range t.DependsOn {
				switch color[dep] {
				case white:
					if _, exists := byID[dep]; !exists {
						continue
					}
					if err := visit(dep); err != nil {
						return err
					}
				case gray:
					return &CycleError{TaskIDs: append([]int{}, stack...)}
				}
			}
		}
		color[id] = black
		stack = stack[:len(stack)-1]
		return nil
	}

	for _, t := range tasks {
		if color[t.ID] == white {
			if err := visit(t.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// CheckFileIsolation verifies invariant (c): tasks in the same wave
// assigned to distinct developer slots must not declare overlapping
// files-touched.
func CheckFileIsolation(tasks []*Task) error {
	type key struct {
		wave int
	}
	byWave := make(map[int][]*Task)
	for _, t := range tasks {
		if t.Role != RoleDeveloper {
			continue
		}
		byWave[t.Wave] = append(byWave[t.Wave], t)
	}

	for wave, ts := range byWave {
		for i := 0; i < len(ts); i++ {
			for j := i + 1; j < len(ts); j++ {
				a, b := ts[i], ts[j]
				if a.DeveloperSlot == b.DeveloperSlot {
					continue
				}
				if overlap := intersect(a.FilesTouched, b.FilesTouched); len(overlap) > 0 {
					return fmt.Errorf("%w: wave %d tasks %d and %d both touch %v",
						ErrStructural, wave, a.ID, b.ID, overlap)
				}
			}
		}
	}
	return nil
}

func intersect(a, b []string) []string {
	set := make(map[string]bool, len(a))
	for _, x := range a {
		set[x] = true
	}
	var out []string
	for _, y := range b {
		if set[y] {
			out = append(out, y)
		}
	}
	return out
}
