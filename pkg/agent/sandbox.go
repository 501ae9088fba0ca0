package agent

import (
	"path/filepath"
	"strings"

	"github.com/PKell33/ownprem-sub002/pkg/types"
)

// Paths bounds every file operation the executor performs.
type Paths struct {
	AppRoot    string
	ConfigRoot string
	DataRoot   string
	LogRoot    string
	// Extra prefixes for well-known app config locations outside the
	// product tree (e.g. /etc/caddy/).
	Extra []string
}

// DefaultPaths returns the standard host layout.
func DefaultPaths() Paths {
	return Paths{
		AppRoot:    "/opt/ownprem",
		ConfigRoot: "/etc/ownprem",
		DataRoot:   "/var/lib/ownprem",
		LogRoot:    "/var/log/ownprem",
		Extra:      []string{"/etc/systemd/system", "/etc/caddy", "/etc/keepalived"},
	}
}

// AppDir returns the install directory of an app.
func (p Paths) AppDir(app string) string { return filepath.Join(p.AppRoot, app) }

// ConfigDir returns the config directory of an app.
func (p Paths) ConfigDir(app string) string { return filepath.Join(p.ConfigRoot, app) }

// DataDir returns the data directory of an app.
func (p Paths) DataDir(app string) string { return filepath.Join(p.DataRoot, app) }

// LogDir returns the log directory of an app.
func (p Paths) LogDir(app string) string { return filepath.Join(p.LogRoot, app) }

func (p Paths) prefixes() []string {
	out := []string{p.AppRoot, p.ConfigRoot, p.DataRoot, p.LogRoot}
	out = append(out, p.Extra...)
	return out
}

// ValidatePath normalizes a path and rejects traversal or anything
// resolving outside the sandbox prefixes. Called on every file write,
// script run, and log file path.
func (p Paths) ValidatePath(path string) (string, error) {
	if path == "" || strings.ContainsRune(path, 0) {
		return "", types.E(types.KindValidation, "empty or malformed path")
	}
	if strings.Contains(path, "..") {
		return "", types.E(types.KindValidation, "path %s contains traversal", path)
	}
	if !filepath.IsAbs(path) {
		return "", types.E(types.KindValidation, "path %s is not absolute", path)
	}
	clean := filepath.Clean(path)
	for _, prefix := range p.prefixes() {
		if clean == prefix || strings.HasPrefix(clean, prefix+"/") {
			return clean, nil
		}
	}
	return "", types.E(types.KindValidation, "path %s outside allowed prefixes", path)
}

// systemPathPrefixes are written through the privileged helper instead of
// directly by the agent process.
var systemPathPrefixes = []string{"/etc/", "/var/log/", "/run/", "/usr/", "/lib/", "/lib64/"}

// IsSystemPath reports whether a path requires the privileged helper.
func IsSystemPath(path string) bool {
	clean := filepath.Clean(path)
	for _, prefix := range systemPathPrefixes {
		if strings.HasPrefix(clean, prefix) {
			return true
		}
	}
	return false
}
