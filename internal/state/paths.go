package state

import (
	"fmt"
	"path/filepath"
)

// Layout of one sprint's persisted directory. Every path helper is
// pure and does not touch disk.

func (s *Store) sprintDir(id string) string {
	return filepath.Join(s.root, id)
}

func specFilePath(dir string) string   { return filepath.Join(dir, "spec.md") }
func metaFilePath(dir string) string   { return filepath.Join(dir, ".meta.json") }
func statusFilePath(dir string) string { return filepath.Join(dir, ".status") }
func planFilePath(dir string) string   { return filepath.Join(dir, "plan.json") }
func researchFilePath(dir string) string { return filepath.Join(dir, "research.md") }
func completedFilePath(dir string) string { return filepath.Join(dir, ".completed") }
func costFilePath(dir string) string   { return filepath.Join(dir, "cost.json") }

func reviewFilePath(dir string, cycle int) string {
	return filepath.Join(dir, fmt.Sprintf("review-%d.md", cycle))
}

func reviewVerdictFilePath(dir string, cycle int) string {
	return filepath.Join(dir, fmt.Sprintf("review-%d-verdict.json", cycle))
}

func roleLogsDir(dir string) string { return filepath.Join(dir, "role-logs") }
func roleLogFilePath(dir, role string) string {
	return filepath.Join(roleLogsDir(dir), role+".log")
}

func agentLogsDir(dir string) string { return filepath.Join(dir, "logs") }
