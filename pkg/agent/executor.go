package agent

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/PKell33/ownprem-sub002/pkg/helper"
	"github.com/PKell33/ownprem-sub002/pkg/log"
	"github.com/PKell33/ownprem-sub002/pkg/types"
)

const scriptTimeout = 10 * time.Minute

var appNameRE = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// Privileged is the slice of the helper client the executor needs.
type Privileged interface {
	Call(ctx context.Context, req *helper.Request) (string, error)
}

// runner executes an external command and returns combined output.
type runner func(ctx context.Context, name string, args ...string) (string, error)

// scriptRunner executes a lifecycle script inside dir with exactly env.
type scriptRunner func(ctx context.Context, dir, script string, env []string) (string, error)

// journalFollower opens a live journald feed for a service unit.
type journalFollower func(ctx context.Context, service string) (io.ReadCloser, error)

func execRunner(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

func execScript(ctx context.Context, dir, script string, env []string) (string, error) {
	cmd := exec.CommandContext(ctx, "/bin/bash", script)
	cmd.Dir = dir
	cmd.Env = env
	out, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

// Executor materializes commands on the host: file writes inside the
// path sandbox, lifecycle scripts with a scrubbed environment, service
// control, and privileged operations through the helper.
type Executor struct {
	paths   Paths
	priv    Privileged
	devMode bool
	run     runner
	script  scriptRunner
	journal journalFollower
	log     zerolog.Logger

	streams *streamTable
}

// NewExecutor creates an executor. devMode enables direct systemctl
// invocation and script fallbacks when no helper daemon runs.
func NewExecutor(paths Paths, priv Privileged, devMode bool) *Executor {
	return &Executor{
		paths:   paths,
		priv:    priv,
		devMode: devMode,
		run:     execRunner,
		script:  execScript,
		journal: journalFollow,
		log:     log.WithComponent("agent-executor"),
		streams: newStreamTable(),
	}
}

type appMetadata struct {
	Name        string            `json:"name"`
	Version     string            `json:"version"`
	InstalledAt time.Time         `json:"installedAt"`
	Service     string            `json:"service,omitempty"`
	ServiceUser string            `json:"serviceUser,omitempty"`
	Meta        map[string]string `json:"meta,omitempty"`
}

// Install creates the app directory, writes metadata and config files,
// provisions the service user, data directories, capabilities and the
// systemd unit through the helper, and runs the install script.
func (e *Executor) Install(ctx context.Context, appName string, payload *types.CommandPayload) (map[string]string, error) {
	if !appNameRE.MatchString(appName) {
		return nil, types.E(types.KindValidation, "invalid app name %q", appName)
	}
	if payload == nil {
		return nil, types.E(types.KindValidation, "install requires a payload")
	}

	appDir := e.paths.AppDir(appName)
	if err := os.MkdirAll(appDir, 0o755); err != nil {
		return nil, types.Wrap(types.KindCommandFailed, err, "create app dir")
	}

	if payload.ServiceUser != "" {
		if _, err := e.priv.Call(ctx, &helper.Request{
			Action:   helper.ActionCreateServiceUser,
			Username: payload.ServiceUser,
		}); err != nil {
			return nil, err
		}
	}

	meta := appMetadata{
		Name:        appName,
		Version:     payload.Version,
		InstalledAt: time.Now().UTC(),
		Service:     payload.Service,
		ServiceUser: payload.ServiceUser,
		Meta:        payload.Meta,
	}
	metaBytes, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, types.Wrap(types.KindInternal, err, "encode metadata")
	}
	if err := os.WriteFile(filepath.Join(appDir, ".meta.json"), metaBytes, 0o644); err != nil {
		return nil, types.Wrap(types.KindCommandFailed, err, "write metadata")
	}

	for _, f := range payload.Files {
		if err := e.WriteFile(ctx, f); err != nil {
			return nil, err
		}
	}

	owner := payload.ServiceUser
	if owner != "" && payload.ServiceGroup != "" {
		owner += ":" + payload.ServiceGroup
	}
	for _, dir := range payload.DataDirs {
		if _, err := e.priv.Call(ctx, &helper.Request{
			Action: helper.ActionCreateDirectory,
			Path:   dir,
			Mode:   "0750",
			Owner:  owner,
		}); err != nil {
			return nil, err
		}
	}

	if script := filepath.Join(appDir, "install.sh"); fileExists(script) {
		env := scrubbedEnv(appName, e.paths, payload)
		out, err := e.runScript(ctx, appDir, script, env)
		if err != nil {
			return nil, types.E(types.KindCommandFailed, "install script failed: %v: %s", err, tailOf(out))
		}
	}

	// Capabilities apply to binaries the install script just produced.
	// Each entry is "<capability> <absolute path>".
	for _, cap := range payload.Caps {
		capability, binPath, ok := strings.Cut(cap, " ")
		if !ok {
			return nil, types.E(types.KindValidation, "malformed capability entry %q", cap)
		}
		if _, err := e.priv.Call(ctx, &helper.Request{
			Action:     helper.ActionSetCapability,
			Capability: capability,
			Path:       binPath,
		}); err != nil {
			return nil, err
		}
	}

	if payload.Service != "" {
		if err := e.registerService(ctx, payload.Service); err != nil {
			return nil, err
		}
	}

	e.log.Info().Str("app", appName).Str("version", payload.Version).Msg("App installed")
	return map[string]string{
		"appDir":    appDir,
		"configDir": e.paths.ConfigDir(appName),
	}, nil
}

// Configure writes updated config files and runs the configure script if
// present.
func (e *Executor) Configure(ctx context.Context, appName string, files []types.ConfigFile) (string, error) {
	if !appNameRE.MatchString(appName) {
		return "", types.E(types.KindValidation, "invalid app name %q", appName)
	}
	for _, f := range files {
		if err := e.WriteFile(ctx, f); err != nil {
			return "", err
		}
	}

	appDir := e.paths.AppDir(appName)
	if script := filepath.Join(appDir, "configure.sh"); fileExists(script) {
		env := scrubbedEnv(appName, e.paths, nil)
		out, err := e.runScript(ctx, appDir, script, env)
		if err != nil {
			return "", types.E(types.KindCommandFailed, "configure script failed: %v: %s", err, tailOf(out))
		}
		return out, nil
	}
	return "", nil
}

// WriteFile materializes one config file. System paths route through the
// privileged helper; paths the agent owns are written directly.
func (e *Executor) WriteFile(ctx context.Context, f types.ConfigFile) error {
	clean, err := e.paths.ValidatePath(f.Path)
	if err != nil {
		return err
	}

	if IsSystemPath(clean) {
		_, err := e.priv.Call(ctx, &helper.Request{
			Action:  helper.ActionWriteFile,
			Path:    clean,
			Content: f.Content,
			Mode:    f.Mode,
			Owner:   f.Owner,
		})
		return err
	}

	mode := os.FileMode(0o644)
	if f.Mode != "" {
		m, err := strconv.ParseUint(strings.TrimPrefix(f.Mode, "0"), 8, 32)
		if err != nil {
			return types.E(types.KindValidation, "invalid mode %q for %s", f.Mode, clean)
		}
		mode = os.FileMode(m)
	}
	if err := os.MkdirAll(filepath.Dir(clean), 0o755); err != nil {
		return types.Wrap(types.KindCommandFailed, err, "create parent dir")
	}
	if err := os.WriteFile(clean, []byte(f.Content), mode); err != nil {
		return types.Wrap(types.KindCommandFailed, err, "write %s", clean)
	}
	return os.Chmod(clean, mode)
}

// Systemctl drives a service. Production goes through the helper; dev
// mode invokes systemctl directly and falls back to start.sh/stop.sh
// scripts when no systemd exists.
func (e *Executor) Systemctl(ctx context.Context, action, service string) (string, error) {
	if !e.devMode {
		return e.priv.Call(ctx, &helper.Request{
			Action:  helper.ActionSystemctl,
			Command: action,
			Service: service,
		})
	}

	out, err := e.run(ctx, "systemctl", action, service)
	if err == nil {
		return out, nil
	}

	script := map[string]string{"start": "start.sh", "stop": "stop.sh", "restart": "restart.sh"}[action]
	if script == "" {
		return "", types.E(types.KindCommandFailed, "systemctl %s %s failed: %v", action, service, err)
	}
	appDir := e.paths.AppDir(strings.TrimSuffix(service, ".service"))
	path := filepath.Join(appDir, script)
	if !fileExists(path) {
		return "", types.E(types.KindCommandFailed, "systemctl %s %s failed and no %s fallback: %v", action, service, script, err)
	}
	return e.runScript(ctx, appDir, path, scrubbedEnv(filepath.Base(appDir), e.paths, nil))
}

// Uninstall stops and disables the service, runs the uninstall script,
// and removes the app directory. Cleanup continues past individual
// failures; the first error is reported.
func (e *Executor) Uninstall(ctx context.Context, appName string, service string) error {
	if !appNameRE.MatchString(appName) {
		return types.E(types.KindValidation, "invalid app name %q", appName)
	}

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if service != "" {
		_, err := e.Systemctl(ctx, "stop", service)
		keep(err)
		_, err = e.Systemctl(ctx, "disable", service)
		keep(err)
		_, err = e.priv.Call(ctx, &helper.Request{Action: helper.ActionUnregisterService, Service: service})
		keep(err)
	}

	appDir := e.paths.AppDir(appName)
	if script := filepath.Join(appDir, "uninstall.sh"); fileExists(script) {
		_, err := e.runScript(ctx, appDir, script, scrubbedEnv(appName, e.paths, nil))
		keep(err)
	}

	keep(os.RemoveAll(appDir))
	keep(os.RemoveAll(e.paths.ConfigDir(appName)))

	if firstErr != nil {
		return types.Wrap(types.KindCommandFailed, firstErr, "uninstall %s", appName)
	}
	e.log.Info().Str("app", appName).Msg("App uninstalled")
	return nil
}

// MountStorage delegates to the helper after the payload validated.
func (e *Executor) MountStorage(ctx context.Context, m *types.MountOptions) (string, error) {
	return e.priv.Call(ctx, &helper.Request{Action: helper.ActionMount, Mount: m})
}

// UnmountStorage delegates to the helper.
func (e *Executor) UnmountStorage(ctx context.Context, mountPoint string) (string, error) {
	return e.priv.Call(ctx, &helper.Request{Action: helper.ActionUmount, MountPoint: mountPoint})
}

// CheckMount reports whether the mount point is live plus its usage,
// parsed from findmnt and df.
func (e *Executor) CheckMount(ctx context.Context, mountPoint string) (map[string]string, error) {
	result := map[string]string{"mounted": "false"}

	if _, err := e.run(ctx, "findmnt", "-n", mountPoint); err != nil {
		return result, nil
	}
	result["mounted"] = "true"

	out, err := e.run(ctx, "df", "-h", "--output=size,used,avail,pcent", mountPoint)
	if err != nil {
		return result, nil
	}
	lines := strings.Split(out, "\n")
	if len(lines) >= 2 {
		fields := strings.Fields(lines[1])
		if len(fields) == 4 {
			result["size"] = fields[0]
			result["used"] = fields[1]
			result["available"] = fields[2]
			result["usePercent"] = fields[3]
		}
	}
	return result, nil
}

// Apps lists installed apps with their observed service state.
func (e *Executor) Apps(ctx context.Context) []types.AppStatus {
	entries, err := os.ReadDir(e.paths.AppRoot)
	if err != nil {
		return nil
	}

	var apps []types.AppStatus
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		apps = append(apps, types.AppStatus{Name: name, Status: e.appState(ctx, name)})
	}
	sort.Slice(apps, func(i, j int) bool { return apps[i].Name < apps[j].Name })
	return apps
}

func (e *Executor) appState(ctx context.Context, appName string) types.AppState {
	service := appName
	if meta, err := e.readMetadata(appName); err == nil && meta.Service != "" {
		service = meta.Service
	}

	out, err := e.run(ctx, "systemctl", "is-active", service)
	switch {
	case err == nil && strings.TrimSpace(out) == "active":
		return types.AppRunning
	case strings.TrimSpace(out) == "inactive":
		return types.AppStopped
	case strings.TrimSpace(out) == "failed":
		return types.AppError
	default:
		return types.AppStopped
	}
}

func (e *Executor) readMetadata(appName string) (*appMetadata, error) {
	data, err := os.ReadFile(filepath.Join(e.paths.AppDir(appName), ".meta.json"))
	if err != nil {
		return nil, err
	}
	var meta appMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

func (e *Executor) registerService(ctx context.Context, service string) error {
	if _, err := e.priv.Call(ctx, &helper.Request{Action: helper.ActionRegisterService, Service: service}); err != nil {
		return err
	}
	if _, err := e.priv.Call(ctx, &helper.Request{Action: helper.ActionSystemctl, Command: "daemon-reload"}); err != nil {
		return err
	}
	_, err := e.priv.Call(ctx, &helper.Request{Action: helper.ActionSystemctl, Command: "enable", Service: service})
	return err
}

// scrubbedEnv builds the exact script environment: a static safe set,
// the app variables, then payload.env. The agent's own process
// environment is never forwarded.
func scrubbedEnv(appName string, paths Paths, payload *types.CommandPayload) []string {
	appDir := paths.AppDir(appName)
	env := []string{
		"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
		"HOME=" + appDir,
		"LANG=C.UTF-8",
		"LC_ALL=C.UTF-8",
		"APP_NAME=" + appName,
		"APP_DIR=" + appDir,
		"DATA_DIR=" + paths.DataDir(appName),
		"CONFIG_DIR=" + paths.ConfigDir(appName),
	}
	if payload != nil {
		env = append(env,
			"APP_VERSION="+payload.Version,
			"SERVICE_USER="+payload.ServiceUser,
			"SERVICE_GROUP="+serviceGroup(payload),
		)
		keys := make([]string, 0, len(payload.Env))
		for k := range payload.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			env = append(env, k+"="+payload.Env[k])
		}
	}
	return env
}

// serviceGroup resolves the group an app runs as. Most manifests leave
// it unset, which means a group named after the service user.
func serviceGroup(payload *types.CommandPayload) string {
	if payload.ServiceGroup != "" {
		return payload.ServiceGroup
	}
	return payload.ServiceUser
}

// runScript bounds lifecycle script execution.
func (e *Executor) runScript(ctx context.Context, dir, script string, env []string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, scriptTimeout)
	defer cancel()
	return e.script(ctx, dir, script, env)
}

func fileExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular()
}

func tailOf(out string) string {
	const max = 512
	if len(out) <= max {
		return out
	}
	return "…" + out[len(out)-max:]
}
