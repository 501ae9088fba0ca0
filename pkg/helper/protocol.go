package helper

import (
	"github.com/PKell33/ownprem-sub002/pkg/types"
)

// Action names the closed set of privileged operations.
type Action string

const (
	ActionCreateServiceUser Action = "create_service_user"
	ActionCreateDirectory   Action = "create_directory"
	ActionSetOwnership      Action = "set_ownership"
	ActionSetPermissions    Action = "set_permissions"
	ActionWriteFile         Action = "write_file"
	ActionCopyFile          Action = "copy_file"
	ActionSystemctl         Action = "systemctl"
	ActionSetCapability     Action = "set_capability"
	ActionRunAsUser         Action = "run_as_user"
	ActionMount             Action = "mount"
	ActionUmount            Action = "umount"
	ActionAptInstall        Action = "apt_install"
	ActionRegisterService   Action = "register_service"
	ActionUnregisterService Action = "unregister_service"
)

var knownActions = map[Action]bool{
	ActionCreateServiceUser: true,
	ActionCreateDirectory:   true,
	ActionSetOwnership:      true,
	ActionSetPermissions:    true,
	ActionWriteFile:         true,
	ActionCopyFile:          true,
	ActionSystemctl:         true,
	ActionSetCapability:     true,
	ActionRunAsUser:         true,
	ActionMount:             true,
	ActionUmount:            true,
	ActionAptInstall:        true,
	ActionRegisterService:   true,
	ActionUnregisterService: true,
}

// Request is one privileged operation. Action selects which of the
// remaining fields are meaningful; unknown actions are rejected before
// any field is looked at.
type Request struct {
	Action Action `json:"action"`

	Username   string              `json:"username,omitempty"`
	Path       string              `json:"path,omitempty"`
	Source     string              `json:"source,omitempty"`
	Content    string              `json:"content,omitempty"`
	Mode       string              `json:"mode,omitempty"`
	Owner      string              `json:"owner,omitempty"`
	Service    string              `json:"service,omitempty"`
	Command    string              `json:"command,omitempty"`
	Args       []string            `json:"args,omitempty"`
	Capability string              `json:"capability,omitempty"`
	Packages   []string            `json:"packages,omitempty"`
	Mount      *types.MountOptions `json:"mount,omitempty"`
	MountPoint string              `json:"mountPoint,omitempty"`
}

// Response is the single reply to a request.
type Response struct {
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}
