package types

import (
	"time"
)

// Server represents a managed host in the fleet.
type Server struct {
	ID            string
	Name          string
	Host          string // Reachable address; empty for the core server
	IsCore        bool
	AgentStatus   AgentStatus
	AuthTokenHash string // SHA-256 hex of the agent token; never the token itself
	Metrics       *ServerMetrics
	NetworkInfo   map[string]string
	LastSeen      time.Time
	CreatedAt     time.Time
}

// AgentStatus represents the connection state of a server's agent.
type AgentStatus string

const (
	AgentOnline     AgentStatus = "online"
	AgentOffline    AgentStatus = "offline"
	AgentConnecting AgentStatus = "connecting"
)

// ServerMetrics is the last status snapshot reported by an agent.
type ServerMetrics struct {
	CPUPercent  float64   `json:"cpuPercent"`
	MemoryUsed  int64     `json:"memoryUsed"`
	MemoryTotal int64     `json:"memoryTotal"`
	DiskUsed    int64     `json:"diskUsed"`
	DiskTotal   int64     `json:"diskTotal"`
	LoadAverage []float64 `json:"loadAverage"` // 1m, 5m, 15m
}

// Manifest is an immutable app registry entry.
type Manifest struct {
	Name            string        `yaml:"name" json:"name"`
	DisplayName     string        `yaml:"displayName" json:"displayName"`
	Version         string        `yaml:"version" json:"version"`
	Category        string        `yaml:"category" json:"category"`
	ConfigSchema    []ConfigField `yaml:"configSchema" json:"configSchema"`
	Provides        []ServiceDef  `yaml:"provides" json:"provides"`
	Requires        []ServiceReq  `yaml:"requires" json:"requires"`
	Conflicts       []string      `yaml:"conflicts" json:"conflicts"`
	WebUI           *WebUI        `yaml:"webui" json:"webui"`
	ServiceUser     string        `yaml:"serviceUser" json:"serviceUser"`
	ServiceGroup    string        `yaml:"serviceGroup" json:"serviceGroup"`
	DataDirectories []string      `yaml:"dataDirectories" json:"dataDirectories"`
	Capabilities    []string      `yaml:"capabilities" json:"capabilities"`
	Logging         *LoggingSpec  `yaml:"logging" json:"logging"`
	System          bool          `yaml:"system" json:"system"`
	Mandatory       bool          `yaml:"mandatory" json:"mandatory"`
	Singleton       bool          `yaml:"singleton" json:"singleton"`
}

// ConfigField describes one entry of a manifest's configuration schema.
type ConfigField struct {
	Name        string   `yaml:"name" json:"name"`
	Label       string   `yaml:"label" json:"label"`
	Type        string   `yaml:"type" json:"type"` // string, password, number, boolean, select
	Required    bool     `yaml:"required" json:"required"`
	Default     any      `yaml:"default" json:"default"`
	Options     []string `yaml:"options" json:"options"`
	Generated   bool     `yaml:"generated" json:"generated"`
	Secret      bool     `yaml:"secret" json:"secret"`
	InheritFrom string   `yaml:"inheritFrom" json:"inheritFrom"` // "<service>.<field>"
}

// Config field types accepted by the resolver.
const (
	FieldString   = "string"
	FieldPassword = "password"
	FieldNumber   = "number"
	FieldBoolean  = "boolean"
	FieldSelect   = "select"
)

// ServiceDef declares a service provided by an app.
type ServiceDef struct {
	Name     string `yaml:"name" json:"name"`
	Port     int    `yaml:"port" json:"port"`
	Protocol string `yaml:"protocol" json:"protocol"` // http or tcp
}

// ServiceReq declares a service an app depends on.
type ServiceReq struct {
	Service  string `yaml:"service" json:"service"`
	Optional bool   `yaml:"optional" json:"optional"`
	Locality string `yaml:"locality" json:"locality"` // same-host or any
}

const (
	LocalitySameHost = "same-host"
	LocalityAny      = "any"
)

// WebUI describes how an app's web interface is exposed through the proxy.
type WebUI struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	BasePath string `yaml:"basePath" json:"basePath"`
	Port     int    `yaml:"port" json:"port"`
}

// LoggingSpec names where an app writes its logs.
type LoggingSpec struct {
	Files []string `yaml:"files" json:"files"`
}

// Deployment is a concrete installation of a manifest on a server.
type Deployment struct {
	ID            string
	ServerID      string
	AppName       string
	GroupID       string
	Version       string
	Config        map[string]any
	Status        DeploymentStatus
	StatusMessage string
	InstalledAt   time.Time
	UpdatedAt     time.Time
}

// DeploymentStatus is the lifecycle state of a deployment.
type DeploymentStatus string

const (
	StatusPending      DeploymentStatus = "pending"
	StatusInstalling   DeploymentStatus = "installing"
	StatusConfiguring  DeploymentStatus = "configuring"
	StatusRunning      DeploymentStatus = "running"
	StatusStopped      DeploymentStatus = "stopped"
	StatusUninstalling DeploymentStatus = "uninstalling"
	StatusError        DeploymentStatus = "error"
)

// ServiceRecord advertises one provided service of a deployment.
type ServiceRecord struct {
	ID           string
	DeploymentID string
	ServiceName  string
	ServerID     string
	Host         string // loopback when provider runs on the core host
	Port         int
	Status       ServiceStatus
}

// ServiceStatus marks whether a service record may be handed to consumers.
type ServiceStatus string

const (
	ServiceAvailable   ServiceStatus = "available"
	ServiceUnavailable ServiceStatus = "unavailable"
)

// ProxyRoute exposes a deployment's web UI through the reverse proxy.
type ProxyRoute struct {
	ID           string
	DeploymentID string
	Path         string
	Upstream     string
	Active       bool
}

// RouteType distinguishes HTTP path routes from raw TCP routes.
type RouteType string

const (
	RouteHTTP RouteType = "http"
	RouteTCP  RouteType = "tcp"
)

// ServiceRoute exposes a service record externally.
type ServiceRoute struct {
	ID           string
	ServiceID    string
	RouteType    RouteType
	ExternalPath string // HTTP routes
	ExternalPort int    // TCP routes, allocated from the configured range
	UpstreamHost string
	UpstreamPort int
	Active       bool
}

// SecretBlob holds the encrypted configuration secrets of one deployment.
type SecretBlob struct {
	DeploymentID string
	Ciphertext   []byte // AES-256-GCM, nonce prepended
	CreatedAt    time.Time
	UpdatedAt    time.Time
	RotatedAt    time.Time
}

// AuditRecord is one immutable audit log entry.
type AuditRecord struct {
	ID        string
	Timestamp time.Time
	Event     string
	ServerID  string
	AppName   string
	Actor     string
	Detail    map[string]string
}

// User is an operator account created through the CLI.
type User struct {
	ID           string
	Name         string
	PasswordHash []byte // bcrypt
	Role         string // admin or viewer
	CreatedAt    time.Time
}

// AgentToken is an issued agent credential; only its hash is stored.
type AgentToken struct {
	ID        string
	ServerID  string
	TokenHash string // SHA-256 hex
	CreatedAt time.Time
	RevokedAt time.Time
}

// Revoked reports whether the token has been revoked.
func (t *AgentToken) Revoked() bool { return !t.RevokedAt.IsZero() }
