package types

import "time"

// CommandAction is the closed set of actions an agent executes.
type CommandAction string

const (
	ActionInstall            CommandAction = "install"
	ActionConfigure          CommandAction = "configure"
	ActionStart              CommandAction = "start"
	ActionStop               CommandAction = "stop"
	ActionRestart            CommandAction = "restart"
	ActionUninstall          CommandAction = "uninstall"
	ActionGetLogs            CommandAction = "getLogs"
	ActionStreamLogs         CommandAction = "streamLogs"
	ActionStopStreamLogs     CommandAction = "stopStreamLogs"
	ActionMountStorage       CommandAction = "mountStorage"
	ActionUnmountStorage     CommandAction = "unmountStorage"
	ActionCheckMount         CommandAction = "checkMount"
	ActionConfigureKeepalive CommandAction = "configureKeepalived"
	ActionCheckKeepalive     CommandAction = "checkKeepalived"
)

// ValidAction reports whether a is a known command action.
func ValidAction(a CommandAction) bool {
	switch a {
	case ActionInstall, ActionConfigure, ActionStart, ActionStop, ActionRestart,
		ActionUninstall, ActionGetLogs, ActionStreamLogs, ActionStopStreamLogs,
		ActionMountStorage, ActionUnmountStorage, ActionCheckMount,
		ActionConfigureKeepalive, ActionCheckKeepalive:
		return true
	}
	return false
}

// Command is the envelope dispatched from orchestrator to agent.
type Command struct {
	ID      string          `json:"id"`
	Action  CommandAction   `json:"action"`
	AppName string          `json:"appName,omitempty"`
	Payload *CommandPayload `json:"payload,omitempty"`
}

// CommandPayload carries the action-specific data of a command.
type CommandPayload struct {
	Version      string            `json:"version,omitempty"`
	Files        []ConfigFile      `json:"files,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
	Meta         map[string]string `json:"meta,omitempty"`
	Service      string            `json:"service,omitempty"`
	ServiceUser  string            `json:"serviceUser,omitempty"`
	ServiceGroup string            `json:"serviceGroup,omitempty"`
	DataDirs     []string          `json:"dataDirs,omitempty"`
	Caps         []string          `json:"caps,omitempty"`
	LogOptions   *LogOptions       `json:"logOptions,omitempty"`
	Mount        *MountOptions     `json:"mount,omitempty"`
}

// ConfigFile is a file the agent materializes on disk.
type ConfigFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Mode    string `json:"mode,omitempty"`  // octal, e.g. "0640"
	Owner   string `json:"owner,omitempty"` // user[:group]
}

// LogOptions bounds a log read or stream.
type LogOptions struct {
	Lines  int  `json:"lines,omitempty"`
	Follow bool `json:"follow,omitempty"`
}

// MountOptions is the structured form of a storage mount request. It is
// serialized into mount arguments only by the privileged helper, after
// allow-list checks.
type MountOptions struct {
	Type        string            `json:"type"` // nfs or cifs
	Source      string            `json:"source"`
	MountPoint  string            `json:"mountPoint"`
	OptionSet   []string          `json:"optionSet,omitempty"`
	Credentials *MountCredentials `json:"credentials,omitempty"`
}

// MountCredentials are CIFS credentials; never passed as process arguments.
type MountCredentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// CommandAck confirms receipt of a command before execution begins.
type CommandAck struct {
	CommandID  string    `json:"commandId"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// ResultStatus is the outcome class of a command.
type ResultStatus string

const (
	ResultSuccess ResultStatus = "success"
	ResultError   ResultStatus = "error"
)

// CommandResult reports the outcome of an executed command.
type CommandResult struct {
	CommandID string            `json:"commandId"`
	Status    ResultStatus      `json:"status"`
	Message   string            `json:"message,omitempty"`
	Duration  time.Duration     `json:"duration,omitempty"`
	Data      map[string]string `json:"data,omitempty"`
}

// AppState is the systemd-level state of an installed app.
type AppState string

const (
	AppRunning      AppState = "running"
	AppStopped      AppState = "stopped"
	AppNotInstalled AppState = "not-installed"
	AppError        AppState = "error"
)

// AppStatus pairs an app with its observed state.
type AppStatus struct {
	Name   string   `json:"name"`
	Status AppState `json:"status"`
}

// StatusReport is the periodic agent heartbeat payload.
type StatusReport struct {
	ServerID    string            `json:"serverId"`
	Timestamp   time.Time         `json:"timestamp"`
	Metrics     *ServerMetrics    `json:"metrics,omitempty"`
	NetworkInfo map[string]string `json:"networkInfo,omitempty"`
	Apps        []AppStatus       `json:"apps"`
}

// StreamState is the lifecycle marker of a log stream.
type StreamState string

const (
	StreamStarted StreamState = "started"
	StreamStopped StreamState = "stopped"
	StreamError   StreamState = "error"
)
