// Package config builds the Runtime composition root: the single place
// environment variables (§6.6) are read and turned into a configured
// Runtime{Paths, Timeouts, Concurrency, Gates, Auth, Clock,
// AgentRegistry, RoutingRules, ...} that every component
// depends on explicitly, rather than reading the environment itself.
// This is the teacher's "global mutable state masquerading as modules"
// design note (spec §9) made explicit as a constructed dependency.
package config

import (
	"encoding/json"
	"os"
	"strconv"
	"time"

	"github.com/flowmesh/conductor/runtime/router"
)

// Clock abstracts time.Now so tests can inject a fixed or controllable
// clock without monkeypatching the standard library.
type Clock interface {
	Now() time.Time
}

// SystemClock is the default Clock backed by time.Now.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() time.Time { return time.Now().UTC() }

// Paths holds every filesystem location Conductor writes under, laid
// out per §6.5.
type Paths struct {
	BasePath  string
	ProjectID string
}

// Root returns <BasePath>/<ProjectID>.
func (p Paths) Root() string { return p.BasePath + "/" + p.ProjectID }

// Timeouts centralizes every duration threshold named in §6.6 so one
// place documents every default.
type Timeouts struct {
	LLM              time.Duration
	Session          time.Duration
	ExecutorIdle     time.Duration
	WorkerJob        time.Duration
	RunningStale     time.Duration
	HeartbeatLog     time.Duration
	Lease            time.Duration
}

// Concurrency centralizes the scheduler and worker concurrency caps.
type Concurrency struct {
	MaxParallelTasks  int
	WorkerMax         int
	AgentLimits       map[string]int
}

// Gates centralizes the audit/design/waiting-human policy configuration.
type Gates struct {
	AuditGateEnabled    bool
	AuditPreApproved    bool
	RequireDesignConfirm bool
	DesignConfirmed     bool
	WaitingPolicy       string // human | auto | strict
	MaxAutoResumes      int
}

// Auth centralizes control-plane bearer auth configuration.
type Auth struct {
	Enabled bool
	Token   string
}

// Runtime is the composition root passed by reference into every
// component that needs configuration, an agent registry, routing
// rules, or a clock — never read from the environment
// a second time downstream.
type Runtime struct {
	Paths       Paths
	Timeouts    Timeouts
	Concurrency Concurrency
	Gates       Gates
	Auth        Auth
	Clock       Clock

	AgentRegistry router.Registry
	RoutingRules  []router.Rule

	LLMURL    string
	LLMAPIKey string
	LLMModel  string

	SessionAPIBaseURL string
	SessionAPIKey     string

	NotifyWebhookURL string
	MainChannelID    string
	AgentChannels    map[string]string

	// RunIDOverride pins the run id (ORCH_RUN_ID) instead of the
	// timestamp default; used to stabilize runs across phases.
	RunIDOverride string

	RuntimeBackend     string // legacy | temporal
	ProductionCutover  bool
	LegacyQueueCompat  bool
}

// FromEnv loads a Runtime from the process environment, applying the
// documented defaults from §6.6 wherever a variable is unset.
func FromEnv() (*Runtime, error) {
	r := &Runtime{
		Paths: Paths{
			BasePath:  envOr("BASE_PATH", "./workspace"),
			ProjectID: envOr("PROJECT_ID", "default_project"),
		},
		Timeouts: Timeouts{
			LLM:          envDuration("LLM_TIMEOUT", 60*time.Second),
			Session:      envDuration("OPENCLAW_AGENT_TIMEOUT_SECONDS", 600*time.Second),
			ExecutorIdle: envDuration("ORCH_EXECUTOR_IDLE_TIMEOUT_SECONDS", 60*time.Second),
			WorkerJob:    envDuration("ORCH_WORKER_JOB_TIMEOUT_SECONDS", 2400*time.Second),
			RunningStale: envDuration("ORCH_RUNNING_STALE_SECONDS", 300*time.Second),
			HeartbeatLog: envDuration("ORCH_HEARTBEAT_LOG_SECONDS", 30*time.Second),
			Lease:        60 * time.Second,
		},
		Concurrency: Concurrency{
			MaxParallelTasks: envInt("ORCH_MAX_PARALLEL_TASKS", 2),
			WorkerMax:        envInt("ORCH_WORKER_MAX_CONCURRENCY", 2),
			AgentLimits:      envJSONIntMap("ORCH_AGENT_LIMITS", map[string]int{"*": 1}),
		},
		Gates: Gates{
			AuditGateEnabled:     envBool("ORCH_AUDIT_GATE", true),
			AuditPreApproved:     envOr("ORCH_AUDIT_DECISION", "pending") == "approve",
			RequireDesignConfirm: envBool("ORCH_REQUIRE_DESIGN_CONFIRM", false),
			DesignConfirmed:      envBool("ORCH_DESIGN_CONFIRMED", false),
			WaitingPolicy:        envOr("ORCH_WAITING_POLICY", "human"),
			MaxAutoResumes:       envInt("ORCH_MAX_AUTO_RESUMES", 1),
		},
		Auth: Auth{
			Enabled: envBool("ORCH_AUTH_ENABLED", true),
			Token:   os.Getenv("ORCH_CONTROL_TOKEN"),
		},
		Clock: SystemClock{},

		LLMURL:    os.Getenv("LLM_URL"),
		LLMAPIKey: os.Getenv("LLM_API_KEY"),
		LLMModel:  os.Getenv("LLM_MODEL"),

		SessionAPIBaseURL: os.Getenv("OPENCLAW_API_BASE_URL"),
		SessionAPIKey:     os.Getenv("OPENCLAW_API_KEY"),

		NotifyWebhookURL: os.Getenv("ORCH_NOTIFY_WEBHOOK_URL"),
		MainChannelID:    os.Getenv("ORCH_MAIN_CHANNEL_ID"),
		AgentChannels:    envJSONStringMap("ORCH_AGENT_CHANNELS"),

		RunIDOverride: os.Getenv("ORCH_RUN_ID"),

		RuntimeBackend:    envOr("ORCH_RUNTIME_BACKEND", "legacy"),
		ProductionCutover: envBool("ORCH_PRODUCTION_CUTOVER", false),
		LegacyQueueCompat: envBool("ORCH_LEGACY_QUEUE_COMPAT", false),
	}

	if jobID := os.Getenv("ORCH_JOB_ID"); jobID != "" {
		r.Paths.ProjectID = jobID
	}

	if _, err := os.Stat(r.Paths.BasePath); err != nil {
		if mkErr := os.MkdirAll(r.Paths.BasePath, 0o755); mkErr != nil {
			r.Paths.BasePath = "./workspace"
			_ = os.MkdirAll(r.Paths.BasePath, 0o755)
		}
	}

	return r, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return time.Duration(n) * time.Second
}

func envJSONIntMap(key string, def map[string]int) map[string]int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var m map[string]int
	if err := json.Unmarshal([]byte(v), &m); err != nil {
		return def
	}
	return m
}

func envJSONStringMap(key string) map[string]string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(v), &m); err != nil {
		return nil
	}
	return m
}
