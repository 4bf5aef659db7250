// Package config holds the explicit configuration structs threaded from main
// into every component. Values come from environment variables (optionally a
// local .env file) via viper; nothing reads the environment after startup.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Orchestrator configures the session orchestrator process.
type Orchestrator struct {
	// Address is the listen address for the REST + WebSocket API.
	Address string

	// StorePath is the on-disk location of the embedded store.
	StorePath string

	// SupervisorBaseURL is how the orchestrator reaches the supervisor.
	SupervisorBaseURL string

	// TokenSecret is the HMAC key for opaque token issuance.
	TokenSecret string

	// LabsDir is the lab catalog root; empty means the embedded catalog.
	LabsDir string

	// SessionTTL is the initial expiry window for new sessions.
	SessionTTL time.Duration

	// SweepInterval is how often the TTL sweeper runs.
	SweepInterval time.Duration

	// AgentRatePerMin caps hint/explain/patch calls per session per minute.
	AgentRatePerMin int

	// CORSAllowOrigins is the comma-separated allowlist for browser callers.
	CORSAllowOrigins []string

	// RequestTimeout bounds a single HTTP request.
	RequestTimeout time.Duration

	// AgentTimeout bounds a single agent adapter call.
	AgentTimeout time.Duration

	// DBTimeout bounds how long a store statement waits on a locked
	// database (the SQLite busy timeout).
	DBTimeout time.Duration

	// Debug enables debug logging.
	Debug bool
}

// Supervisor configures the worker host process.
type Supervisor struct {
	// Address is the listen address for the local supervisor API.
	Address string

	// WorkerImage is the container image workers are created from.
	WorkerImage string

	// WorkspacesDir is the host directory holding per-session workspace roots.
	WorkspacesDir string

	// Quotas applied to every worker.
	Memory   string
	CPUQuota float64
	PIDLimit int64

	// MaxWorkers is the hard cap on concurrently live workers.
	MaxWorkers int

	// SweepInterval is how often the worker TTL reaper runs.
	SweepInterval time.Duration

	// BuildTimeout bounds an image build inside a worker.
	BuildTimeout time.Duration

	// ExecTimeout bounds a single exec inside a worker.
	ExecTimeout time.Duration

	// Debug enables debug logging.
	Debug bool
}

// Defaults, overridable through the environment.
const (
	DefaultSessionTTLSeconds = 1800
	DefaultSweepSeconds      = 30
	DefaultAgentRatePerMin   = 5
	DefaultMaxWorkers        = 24
	DefaultWorkerMemory      = "1536m"
	DefaultWorkerCPUQuota    = 1.0
	DefaultWorkerPIDLimit    = 512
	DefaultRequestTimeout    = 30 * time.Second
	DefaultBuildTimeout      = 300 * time.Second
	DefaultExecTimeout       = 60 * time.Second
	DefaultAgentTimeout      = 20 * time.Second
	DefaultDBTimeout         = 5 * time.Second
)

func newViper() *viper.Viper {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("SESSION_TTL_SECONDS", DefaultSessionTTLSeconds)
	v.SetDefault("SWEEP_INTERVAL_SECONDS", DefaultSweepSeconds)
	v.SetDefault("AGENT_RATE_LIMIT_PER_MIN", DefaultAgentRatePerMin)
	v.SetDefault("MAX_CONCURRENT_WORKERS", DefaultMaxWorkers)
	v.SetDefault("RUNNER_MEMORY", DefaultWorkerMemory)
	v.SetDefault("RUNNER_CPU_QUOTA", DefaultWorkerCPUQuota)
	v.SetDefault("RUNNER_PID_LIMIT", DefaultWorkerPIDLimit)
	v.SetDefault("SUPERVISOR_BASE_URL", "http://127.0.0.1:8091")
	v.SetDefault("STORE_PATH", "dockhand.db")
	v.SetDefault("LABS_DIR", "")
	v.SetDefault("WORKSPACES_DIR", "/var/lib/dockhand/workspaces")
	v.SetDefault("WORKER_IMAGE", "dockhand/worker:latest")
	v.SetDefault("CORS_ALLOW_ORIGINS", "")
	v.SetDefault("BUILD_TIMEOUT_SECONDS", int(DefaultBuildTimeout/time.Second))
	v.SetDefault("EXEC_TIMEOUT_SECONDS", int(DefaultExecTimeout/time.Second))
	v.SetDefault("DB_TIMEOUT_SECONDS", int(DefaultDBTimeout/time.Second))

	return v
}

// LoadOrchestrator builds the orchestrator config from the environment.
func LoadOrchestrator(address string, debug bool) (*Orchestrator, error) {
	v := newViper()

	secret := v.GetString("TOKEN_SECRET")
	if secret == "" {
		return nil, fmt.Errorf("TOKEN_SECRET must be set")
	}

	ttl := v.GetInt("SESSION_TTL_SECONDS")
	if ttl <= 0 {
		return nil, fmt.Errorf("SESSION_TTL_SECONDS must be positive, got %d", ttl)
	}

	return &Orchestrator{
		Address:           address,
		StorePath:         v.GetString("STORE_PATH"),
		SupervisorBaseURL: strings.TrimRight(v.GetString("SUPERVISOR_BASE_URL"), "/"),
		TokenSecret:       secret,
		LabsDir:           v.GetString("LABS_DIR"),
		SessionTTL:        time.Duration(ttl) * time.Second,
		SweepInterval:     time.Duration(v.GetInt("SWEEP_INTERVAL_SECONDS")) * time.Second,
		AgentRatePerMin:   v.GetInt("AGENT_RATE_LIMIT_PER_MIN"),
		CORSAllowOrigins:  splitOrigins(v.GetString("CORS_ALLOW_ORIGINS")),
		RequestTimeout:    DefaultRequestTimeout,
		AgentTimeout:      DefaultAgentTimeout,
		DBTimeout:         time.Duration(v.GetInt("DB_TIMEOUT_SECONDS")) * time.Second,
		Debug:             debug,
	}, nil
}

// LoadSupervisor builds the supervisor config from the environment.
func LoadSupervisor(address string, debug bool) (*Supervisor, error) {
	v := newViper()

	maxWorkers := v.GetInt("MAX_CONCURRENT_WORKERS")
	if maxWorkers <= 0 {
		return nil, fmt.Errorf("MAX_CONCURRENT_WORKERS must be positive, got %d", maxWorkers)
	}

	return &Supervisor{
		Address:       address,
		WorkerImage:   v.GetString("WORKER_IMAGE"),
		WorkspacesDir: v.GetString("WORKSPACES_DIR"),
		Memory:        v.GetString("RUNNER_MEMORY"),
		CPUQuota:      v.GetFloat64("RUNNER_CPU_QUOTA"),
		PIDLimit:      v.GetInt64("RUNNER_PID_LIMIT"),
		MaxWorkers:    maxWorkers,
		SweepInterval: time.Duration(v.GetInt("SWEEP_INTERVAL_SECONDS")) * time.Second,
		BuildTimeout:  time.Duration(v.GetInt("BUILD_TIMEOUT_SECONDS")) * time.Second,
		ExecTimeout:   time.Duration(v.GetInt("EXEC_TIMEOUT_SECONDS")) * time.Second,
		Debug:         debug,
	}, nil
}

func splitOrigins(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}
