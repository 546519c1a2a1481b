// Package config resolves the orchestrator's process-level knobs:
// flag/env-var process configuration plus the declarative
// developer-slot/per-role agent roster loaded from YAML.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sprintforge/orchestrator/internal/agentrunner"
	"github.com/sprintforge/orchestrator/internal/sprint"
)

// Config is the resolved set of process-level knobs.
type Config struct {
	Port               int
	DataDir            string
	NATSURL            string
	GitBin             string
	AgentBin           string
	DevPoolSize        int
	MaxReviewCycles    int
	AutonomyDefault    sprint.AutonomyMode
	AutomergeNoRemote  bool
	DesktopNotify      bool
	StaleTaskThreshold time.Duration
	RolesConfigPath    string
}

// Parse resolves Config from CLI flags with ORCH_* environment
// variable fallbacks.
func Parse(args []string) (*Config, error) {
	fs := flag.NewFlagSet("orchestrator", flag.ContinueOnError)

	port := fs.Int("port", envInt("ORCH_PORT", 8080), "HTTP/WS server port")
	dataDir := fs.String("data-dir", envString("ORCH_DATA_DIR", "data/sprints"), "sprint persistence root")
	natsURL := fs.String("nats-url", envString("ORCH_NATS_URL", "nats://127.0.0.1:4222"), "queue broker URL")
	gitBin := fs.String("git-bin", envString("ORCH_GIT_BIN", "git"), "git CLI binary")
	agentBin := fs.String("agent-bin", envString("ORCH_AGENT_BIN", "agent"), "agent CLI binary")
	devPool := fs.Int("dev-pool-size", envInt("ORCH_DEV_POOL_SIZE", 5), "developer slot pool size")
	maxCycles := fs.Int("max-review-cycles", envInt("ORCH_MAX_REVIEW_CYCLES", 3), "max review/fix cycles before failing a sprint")
	autonomy := fs.String("autonomy-default", envString("ORCH_AUTONOMY_DEFAULT", "supervised"), "default autonomy mode")
	automerge := fs.Bool("automerge-no-remote", envBool("ORCH_AUTOMERGE_NO_REMOTE", false), "skip the local-merge approval gate when the target has no remote")
	notify := fs.Bool("desktop-notify", envBool("ORCH_DESKTOP_NOTIFY", false), "fire a desktop toast on sprint terminal transitions")
	staleThreshold := fs.Duration("stale-task-threshold", envDuration("ORCH_STALE_TASK_THRESHOLD", 30*time.Minute), "health monitor in-progress staleness threshold")
	rolesPath := fs.String("roles-config", envString("ORCH_ROLES_CONFIG", "configs/roles.yaml"), "developer roster / per-role agent settings")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:               *port,
		DataDir:            *dataDir,
		NATSURL:            *natsURL,
		GitBin:             *gitBin,
		AgentBin:           *agentBin,
		DevPoolSize:        *devPool,
		MaxReviewCycles:    *maxCycles,
		AutonomyDefault:    sprint.AutonomyMode(*autonomy),
		AutomergeNoRemote:  *automerge,
		DesktopNotify:      *notify,
		StaleTaskThreshold: *staleThreshold,
		RolesConfigPath:    *rolesPath,
	}
	switch cfg.AutonomyDefault {
	case sprint.AutonomySupervised, sprint.AutonomySemiAuto, sprint.AutonomyFullAuto:
	default:
		return nil, fmt.Errorf("%w: unknown autonomy mode %q", sprint.ErrValidation, *autonomy)
	}
	return cfg, nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// RoleSettings is one agent role's invocation defaults, loaded from
// configs/roles.yaml.
type RoleSettings struct {
	Role       string   `yaml:"role"`
	Path       string   `yaml:"path"`
	PromptFlag string   `yaml:"prompt_flag"`
	ExtraArgs  []string `yaml:"extra_args"`
	Budget     float64  `yaml:"budget"`
	MaxTurns   int      `yaml:"max_turns"`
}

// RolesConfig is the top-level roles.yaml document.
type RolesConfig struct {
	Roles []RoleSettings `yaml:"roles"`
}

// LoadRoles reads and parses the roles.yaml document. A missing file is
// not an error: LoadRoles then returns DefaultRoles so a fresh checkout
// still runs.
func LoadRoles(path string) (*RolesConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultRoles(), nil
		}
		return nil, fmt.Errorf("read roles config %s: %w", path, err)
	}
	var rc RolesConfig
	if err := yaml.Unmarshal(data, &rc); err != nil {
		return nil, fmt.Errorf("parse roles config %s: %w", path, err)
	}
	return &rc, nil
}

// DefaultRoles returns the built-in five-role roster (researcher,
// planner, developer, tester, reviewer) against a single configurable
// agent binary, used when no roles.yaml is present.
func DefaultRoles() *RolesConfig {
	return &RolesConfig{
		Roles: []RoleSettings{
			{Role: "researcher", PromptFlag: "--prompt", Budget: 2.0},
			{Role: "planner", PromptFlag: "--prompt", Budget: 3.0},
			{Role: "developer", PromptFlag: "--prompt", Budget: 5.0},
			{Role: "tester", PromptFlag: "--prompt", Budget: 2.0},
			{Role: "reviewer", PromptFlag: "--prompt", Budget: 2.0},
		},
	}
}

// AgentConfigs resolves the roles document into agentrunner.AgentConfig
// entries, defaulting each role's binary path to agentBin when the
// roles document does not override it.
func (rc *RolesConfig) AgentConfigs(agentBin string) map[string]agentrunner.AgentConfig {
	out := make(map[string]agentrunner.AgentConfig, len(rc.Roles))
	for _, r := range rc.Roles {
		path := r.Path
		if path == "" {
			path = agentBin
		}
		out[r.Role] = agentrunner.AgentConfig{
			Role:       r.Role,
			Path:       path,
			PromptFlag: r.PromptFlag,
			ExtraArgs:  r.ExtraArgs,
		}
	}
	return out
}

// Budget returns the configured per-role budget, or 0 if the role is
// unknown.
func (rc *RolesConfig) Budget(role string) float64 {
	for _, r := range rc.Roles {
		if r.Role == role {
			return r.Budget
		}
	}
	return 0
}

// MaxTurns returns the configured per-role max-turn count, or 0
// (agent's own default) if the role is unknown.
func (rc *RolesConfig) MaxTurns(role string) int {
	for _, r := range rc.Roles {
		if r.Role == role {
			return r.MaxTurns
		}
	}
	return 0
}
