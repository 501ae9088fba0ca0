package helper

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/PKell33/ownprem-sub002/pkg/types"
)

// validationError marks a request rejected by the allow-lists. The wire
// response prefixes it with "Validation failed: ".
type validationError struct {
	msg string
}

func (e *validationError) Error() string { return e.msg }

func denied(format string, args ...any) error {
	return &validationError{msg: fmt.Sprintf(format, args...)}
}

var (
	usernameRE = regexp.MustCompile(`^[a-z_][a-z0-9_-]{0,31}$`)
	ownerRE    = regexp.MustCompile(`^[a-z_][a-z0-9_-]{0,31}(:[a-z_][a-z0-9_-]{0,31})?$`)
	modeRE     = regexp.MustCompile(`^0?[0-7]{3,4}$`)
	serviceRE  = regexp.MustCompile(`^[a-zA-Z0-9_.@-]+$`)
	packageRE  = regexp.MustCompile(`^[a-z0-9][a-z0-9+.-]+$`)
	capRE      = regexp.MustCompile(`^cap_[a-z_]+=[+-][epi]+$`)
	nfsRE      = regexp.MustCompile(`^[a-zA-Z0-9.-]+:/[a-zA-Z0-9._/-]*$`)
	cifsRE     = regexp.MustCompile(`^//[a-zA-Z0-9.-]+/[a-zA-Z0-9._/-]+$`)
	safeArgRE  = regexp.MustCompile(`^[a-zA-Z0-9@%_+=:,./ -]*$`)

	// Plain mount options plus tightly parameterized ones.
	mountOptPlain = map[string]bool{
		"ro": true, "rw": true, "noexec": true, "nosuid": true, "nodev": true,
		"sync": true, "soft": true, "hard": true, "noatime": true, "nofail": true,
	}
	mountOptParamREs = []*regexp.Regexp{
		regexp.MustCompile(`^uid=\d+$`),
		regexp.MustCompile(`^gid=\d+$`),
		regexp.MustCompile(`^rsize=\d+$`),
		regexp.MustCompile(`^wsize=\d+$`),
		regexp.MustCompile(`^timeo=\d+$`),
		regexp.MustCompile(`^retrans=\d+$`),
		regexp.MustCompile(`^vers=\d+(\.\d+)?$`),
		regexp.MustCompile(`^file_mode=0[0-7]{3}$`),
		regexp.MustCompile(`^dir_mode=0[0-7]{3}$`),
	}

	systemctlVerbs = map[string]bool{
		"start": true, "stop": true, "restart": true, "reload": true,
		"enable": true, "disable": true, "status": true, "is-active": true,
		"daemon-reload": true,
	}
)

// Rules holds the per-host allow-lists. All paths are absolute; prefix
// matching happens after symlink resolution.
type Rules struct {
	// DirPrefixes bound create_directory, set_ownership, set_permissions
	// and set_capability targets.
	DirPrefixes []string
	// WritePrefixes bound write_file and copy_file destinations.
	WritePrefixes []string
	// MountPrefixes bound mount points.
	MountPrefixes []string
	// SystemServices may be driven through systemctl without prior
	// registration (the proxy, keepalived, the product's own units).
	SystemServices map[string]bool
	// RegistryDir holds one marker file per registered app service.
	RegistryDir string
	// RunAsCommands maps a username to the absolute command paths it may run.
	RunAsCommands map[string][]string
}

// DefaultRules returns the allow-lists for the standard host layout.
func DefaultRules() *Rules {
	return &Rules{
		DirPrefixes: []string{
			"/opt/ownprem/", "/etc/ownprem/", "/var/lib/ownprem/", "/var/log/ownprem/",
			"/mnt/ownprem/",
		},
		WritePrefixes: []string{
			"/opt/ownprem/", "/etc/ownprem/", "/var/lib/ownprem/", "/var/log/ownprem/",
			"/etc/systemd/system/", "/etc/caddy/", "/etc/keepalived/",
		},
		MountPrefixes: []string{
			"/mnt/ownprem/", "/var/lib/ownprem/mounts/",
		},
		SystemServices: map[string]bool{
			"caddy": true, "keepalived": true, "ownprem-agent": true, "ownprem-helper": true,
		},
		RegistryDir:   "/var/lib/ownprem/services",
		RunAsCommands: map[string][]string{},
	}
}

// Validate applies the layered allow-lists to a request. A nil return
// means the request may be executed.
func (r *Rules) Validate(req *Request) error {
	if !knownActions[req.Action] {
		return denied("Unknown action %q", req.Action)
	}

	switch req.Action {
	case ActionCreateServiceUser:
		if !usernameRE.MatchString(req.Username) {
			return denied("Username not allowed")
		}
	case ActionCreateDirectory:
		if err := r.checkPath(req.Path, r.DirPrefixes); err != nil {
			return denied("Directory path not allowed")
		}
		if req.Mode != "" && !modeRE.MatchString(req.Mode) {
			return denied("Mode not allowed")
		}
		if req.Owner != "" && !ownerRE.MatchString(req.Owner) {
			return denied("Owner not allowed")
		}
	case ActionSetOwnership:
		if err := r.checkPath(req.Path, r.DirPrefixes); err != nil {
			return denied("Path not allowed")
		}
		if !ownerRE.MatchString(req.Owner) {
			return denied("Owner not allowed")
		}
	case ActionSetPermissions:
		if err := r.checkPath(req.Path, r.DirPrefixes); err != nil {
			return denied("Path not allowed")
		}
		if !modeRE.MatchString(req.Mode) {
			return denied("Mode not allowed")
		}
	case ActionWriteFile:
		if err := r.checkPath(req.Path, r.WritePrefixes); err != nil {
			return denied("Write path not allowed")
		}
		if req.Mode != "" && !modeRE.MatchString(req.Mode) {
			return denied("Mode not allowed")
		}
		if req.Owner != "" && !ownerRE.MatchString(req.Owner) {
			return denied("Owner not allowed")
		}
	case ActionCopyFile:
		if err := r.checkPath(req.Source, r.WritePrefixes); err != nil {
			return denied("Copy source not allowed")
		}
		if err := r.checkPath(req.Path, r.WritePrefixes); err != nil {
			return denied("Write path not allowed")
		}
	case ActionSystemctl:
		if !systemctlVerbs[req.Command] {
			return denied("Systemctl action not allowed")
		}
		if req.Command == "daemon-reload" {
			if req.Service != "" {
				return denied("daemon-reload takes no service")
			}
			return nil
		}
		if !serviceRE.MatchString(req.Service) {
			return denied("Service name not allowed")
		}
		if err := r.checkServiceRegistered(req.Service); err != nil {
			return err
		}
	case ActionSetCapability:
		if !capRE.MatchString(req.Capability) {
			return denied("Capability not allowed")
		}
		if err := r.checkPath(req.Path, r.DirPrefixes); err != nil {
			return denied("Binary path not allowed")
		}
	case ActionRunAsUser:
		if err := r.checkRunAsUser(req); err != nil {
			return err
		}
	case ActionMount:
		if err := r.checkMount(req.Mount); err != nil {
			return err
		}
	case ActionUmount:
		if err := r.checkPrefix(req.MountPoint, r.MountPrefixes); err != nil {
			return denied("Mount point not allowed")
		}
	case ActionAptInstall:
		if len(req.Packages) == 0 {
			return denied("No packages given")
		}
		for _, p := range req.Packages {
			if !packageRE.MatchString(p) {
				return denied("Package name not allowed")
			}
		}
	case ActionRegisterService, ActionUnregisterService:
		if !serviceRE.MatchString(req.Service) {
			return denied("Service name not allowed")
		}
	}
	return nil
}

// checkPath resolves symlinks and requires the real path to sit under an
// allowed prefix. Traversal sequences and NUL bytes fail outright; for a
// not-yet-existing target the parent directory must resolve inside.
func (r *Rules) checkPath(path string, prefixes []string) error {
	if err := r.checkPrefix(path, prefixes); err != nil {
		return err
	}

	resolved, err := resolveExisting(path)
	if err != nil {
		return err
	}
	return r.checkPrefix(resolved, prefixes)
}

// checkPrefix is the lexical layer: absolute, clean, no traversal, under
// an allowed prefix.
func (r *Rules) checkPrefix(path string, prefixes []string) error {
	if path == "" || strings.ContainsRune(path, 0) || strings.Contains(path, "..") {
		return denied("Path not allowed")
	}
	if !filepath.IsAbs(path) {
		return denied("Path not allowed")
	}
	clean := filepath.Clean(path)
	if clean != path && clean != strings.TrimSuffix(path, "/") {
		return denied("Path not allowed")
	}
	for _, p := range prefixes {
		if strings.HasPrefix(clean+"/", p) || clean+"/" == p {
			return nil
		}
	}
	return denied("Path not allowed")
}

// resolveExisting returns the symlink-resolved form of path, falling back
// to resolving the nearest existing ancestor when the leaf does not exist
// yet.
func resolveExisting(path string) (string, error) {
	p := filepath.Clean(path)
	var tail []string
	for {
		resolved, err := filepath.EvalSymlinks(p)
		if err == nil {
			for i := len(tail) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, tail[i])
			}
			return resolved, nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(p)
		if parent == p {
			return "", err
		}
		tail = append(tail, filepath.Base(p))
		p = parent
	}
}

// checkServiceRegistered gates systemctl: system services pass, anything
// else needs a regular (non-symlink) marker file in the registry dir.
func (r *Rules) checkServiceRegistered(service string) error {
	name := strings.TrimSuffix(service, ".service")
	if r.SystemServices[name] {
		return nil
	}
	fi, err := os.Lstat(filepath.Join(r.RegistryDir, name))
	if err != nil || !fi.Mode().IsRegular() {
		return denied("Service not registered")
	}
	return nil
}

func (r *Rules) checkRunAsUser(req *Request) error {
	if !usernameRE.MatchString(req.Username) {
		return denied("Username not allowed")
	}
	allowed := false
	for _, cmd := range r.RunAsCommands[req.Username] {
		if cmd == req.Command {
			allowed = true
			break
		}
	}
	if !allowed {
		return denied("Command not allowed for user")
	}
	for _, a := range req.Args {
		if !safeArgRE.MatchString(a) {
			return denied("Argument contains unsafe characters")
		}
	}
	return nil
}

func (r *Rules) checkMount(m *types.MountOptions) error {
	if m == nil {
		return denied("Mount options missing")
	}
	switch m.Type {
	case "nfs":
		if !nfsRE.MatchString(m.Source) {
			return denied("NFS source not allowed")
		}
	case "cifs":
		if !cifsRE.MatchString(m.Source) {
			return denied("CIFS source not allowed")
		}
	default:
		return denied("Mount type not allowed")
	}
	if err := r.checkPrefix(m.MountPoint, r.MountPrefixes); err != nil {
		return denied("Mount point not allowed")
	}
	for _, opt := range m.OptionSet {
		if mountOptPlain[opt] {
			continue
		}
		ok := false
		for _, re := range mountOptParamREs {
			if re.MatchString(opt) {
				ok = true
				break
			}
		}
		if !ok {
			return denied("Mount option %q not allowed", opt)
		}
	}
	return nil
}
