package config

import (
	"net"
	"os"
	"strconv"

	"github.com/PKell33/ownprem-sub002/pkg/types"
)

// Environments. Anything other than production is treated as development.
const (
	EnvProduction  = "production"
	EnvDevelopment = "development"
)

// Server is the orchestrator configuration, resolved from flags with
// environment-variable defaults.
type Server struct {
	Environment string
	DataDir     string
	AppsDir     string
	SessionAddr string
	MetricsAddr string
	Domain      string
	AdminURL    string
	StaticUIDir string
	DevServer   string
	// MasterKey encrypts deployment secrets at rest. Required in
	// production; development derives a fixed key when unset.
	MasterKey  string
	TCPPortMin int
	TCPPortMax int
}

// Agent is the per-host agent configuration.
type Agent struct {
	Environment     string
	OrchestratorURL string
	ServerID        string
	AuthToken       string
}

// ServerDefaults resolves the orchestrator config from the environment.
func ServerDefaults() Server {
	return Server{
		Environment: Getenv("OWNPREM_ENV", EnvDevelopment),
		DataDir:     Getenv("OWNPREM_DATA_DIR", "/var/lib/ownprem/orchestrator"),
		AppsDir:     Getenv("OWNPREM_APPS_DIR", "/usr/share/ownprem/apps"),
		SessionAddr: Getenv("OWNPREM_SESSION_ADDR", ":9443"),
		MetricsAddr: Getenv("OWNPREM_METRICS_ADDR", "127.0.0.1:9090"),
		Domain:      Getenv("OWNPREM_DOMAIN", ""),
		AdminURL:    Getenv("OWNPREM_PROXY_ADMIN_URL", "http://127.0.0.1:2019"),
		StaticUIDir: Getenv("OWNPREM_UI_DIR", "/usr/share/ownprem/ui"),
		DevServer:   Getenv("OWNPREM_DEV_SERVER", "http://127.0.0.1:5173"),
		MasterKey:   Getenv("OWNPREM_MASTER_KEY", ""),
		TCPPortMin:  GetenvInt("OWNPREM_TCP_PORT_MIN", 9000),
		TCPPortMax:  GetenvInt("OWNPREM_TCP_PORT_MAX", 9999),
	}
}

// AgentDefaults resolves the agent config from the environment.
func AgentDefaults() Agent {
	return Agent{
		Environment:     Getenv("OWNPREM_ENV", EnvDevelopment),
		OrchestratorURL: Getenv("ORCHESTRATOR_URL", "127.0.0.1:9443"),
		ServerID:        Getenv("SERVER_ID", ""),
		AuthToken:       Getenv("AUTH_TOKEN", ""),
	}
}

// Validate applies the production-required rules. A production
// orchestrator refuses to start half-configured rather than serving an
// insecure or unreachable fleet.
func (c Server) Validate() error {
	if c.TCPPortMin > c.TCPPortMax {
		return types.E(types.KindValidation, "tcp port range %d-%d is empty", c.TCPPortMin, c.TCPPortMax)
	}
	if c.Environment != EnvProduction {
		return nil
	}
	if c.Domain == "" {
		return types.E(types.KindValidation, "OWNPREM_DOMAIN is required in production")
	}
	if c.MasterKey == "" {
		return types.E(types.KindValidation, "OWNPREM_MASTER_KEY is required in production")
	}
	return nil
}

// Validate checks the fields the agent cannot run without.
func (c Agent) Validate() error {
	if c.ServerID == "" {
		return types.E(types.KindValidation, "SERVER_ID is required")
	}
	if c.AuthToken == "" {
		return types.E(types.KindValidation, "AUTH_TOKEN is required")
	}
	if c.OrchestratorURL == "" {
		return types.E(types.KindValidation, "ORCHESTRATOR_URL is required")
	}
	if _, _, err := net.SplitHostPort(c.OrchestratorURL); err != nil {
		return types.E(types.KindValidation, "ORCHESTRATOR_URL must be host:port, got %q", c.OrchestratorURL)
	}
	return nil
}

// Getenv returns the variable's value or fallback when unset or empty.
func Getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// GetenvInt returns the variable parsed as int, or fallback when unset
// or malformed.
func GetenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
