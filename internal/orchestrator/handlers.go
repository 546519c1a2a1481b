package orchestrator

// REST handler implementations for the routes registered in server.go.
// Every handler that mutates lifecycle state delegates to the shared
// functions in lifecycle.go so the /ws Hub's client-emitted events can
// trigger the exact same behaviour.

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/sprintforge/orchestrator/internal/sprint"
)

func (s *Server) handleListSprints(w http.ResponseWriter, r *http.Request) {
	sprints := s.store.ListSprints()
	sort.Slice(sprints, func(i, j int) bool { return sprints[i].CreatedAt.After(sprints[j].CreatedAt) })
	respondJSON(w, http.StatusOK, sprints)
}

type createSprintRequest struct {
	SprintID       string `json:"sprint_id,omitempty"`
	Name           string `json:"name"`
	SpecPath       string `json:"spec_path"`
	TargetDir      string `json:"target_dir"`
	DeveloperCount int    `json:"developer_count,omitempty"`
	AutonomyMode   string `json:"autonomy_mode,omitempty"`
}

func (s *Server) handleCreateSprint(w http.ResponseWriter, r *http.Request) {
	var req createSprintRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("%w: %v", sprint.ErrValidation, err))
		return
	}
	if req.SpecPath == "" || req.TargetDir == "" {
		respondError(w, http.StatusBadRequest, fmt.Errorf("%w: spec_path and target_dir are required", sprint.ErrValidation))
		return
	}
	if _, err := os.Stat(req.SpecPath); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("%w: spec_path %s: %v", sprint.ErrValidation, req.SpecPath, err))
		return
	}

	id := req.SprintID
	if id == "" {
		id = fmt.Sprintf("%s-%s", time.Now().Format("20060102"), uuid.NewString()[:8])
	}
	devCount := req.DeveloperCount
	if devCount <= 0 {
		devCount = s.cfg.DevPoolSize
	}
	autonomy := sprint.AutonomyMode(req.AutonomyMode)
	if autonomy == "" {
		autonomy = s.cfg.AutonomyDefault
	}
	name := req.Name
	if name == "" {
		name = id
	}

	sp, err := s.store.InitSprint(id, name, req.SpecPath, req.TargetDir, devCount, autonomy)
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	respondJSON(w, http.StatusCreated, sp)
}

func (s *Server) handleGetSprint(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	sp, ok := s.store.GetSprint(id)
	if !ok {
		respondError(w, http.StatusNotFound, sprint.ErrSprintNotFound)
		return
	}
	respondJSON(w, http.StatusOK, sp)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := startSprint(s, id); err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "researching"})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := approveSprint(r.Context(), s, id); err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "approved"})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := pauseSprint(s, id); err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := resumeSprint(s, id); err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	sp, _ := s.store.GetSprint(id)
	respondJSON(w, http.StatusOK, map[string]string{"status": string(sp.Status)})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := cancelSprint(s, id); err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := restartSprint(r.Context(), s, id); err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"restarted": "true"})
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := completeSprint(s, id); err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

func (s *Server) handleMergeLocal(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := mergeLocalSprint(s, id); err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "merge-approved"})
}

func (s *Server) handleGetSpec(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	sp, ok := s.store.GetSprint(id)
	if !ok {
		respondError(w, http.StatusNotFound, sprint.ErrSprintNotFound)
		return
	}
	http.ServeFile(w, r, sp.SpecPath)
}

func (s *Server) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, ok := s.store.GetSprint(id); !ok {
		respondError(w, http.StatusNotFound, sprint.ErrSprintNotFound)
		return
	}

	role := r.URL.Query().Get("role")
	logDir := filepath.Join(s.store.SprintDirPath(id), "role-logs")
	entries, err := os.ReadDir(logDir)
	if err != nil {
		respondJSON(w, http.StatusOK, map[string]interface{}{"logs": map[string]string{}})
		return
	}

	logs := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		roleTag := name[:len(name)-len(filepath.Ext(name))]
		if role != "" && roleTag != role {
			continue
		}
		data, err := os.ReadFile(filepath.Join(logDir, name))
		if err != nil {
			continue
		}
		logs[roleTag] = string(data)
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"logs": logs})
}

func (s *Server) handleRetryTask(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	taskID, err := strconv.Atoi(vars["task"])
	if err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("%w: task id must be an integer", sprint.ErrValidation))
		return
	}
	if err := retryTask(s, vars["sprint"], taskID); err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "queued"})
}

// handleBrowse serves a directory listing for the dashboard's spec-path
// and target-dir pickers.
func (s *Server) handleBrowse(w http.ResponseWriter, r *http.Request) {
	dir := r.URL.Query().Get("dir")
	if dir == "" {
		dir, _ = os.UserHomeDir()
		if dir == "" {
			dir = "/"
		}
	}
	dir = filepath.Clean(dir)

	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		respondError(w, http.StatusBadRequest, fmt.Errorf("%w: %s is not a directory", sprint.ErrValidation, dir))
		return
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	type browseEntry struct {
		Name  string `json:"name"`
		IsDir bool   `json:"is_dir"`
	}
	out := make([]browseEntry, 0, len(entries))
	for _, e := range entries {
		if filter := r.URL.Query().Get("filter"); filter != "" && !e.IsDir() && filepath.Ext(e.Name()) != filter {
			continue
		}
		out = append(out, browseEntry{Name: e.Name(), IsDir: e.IsDir()})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IsDir != out[j].IsDir {
			return out[i].IsDir
		}
		return out[i].Name < out[j].Name
	})

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"current": dir,
		"parent":  filepath.Dir(dir),
		"entries": out,
	})
}
