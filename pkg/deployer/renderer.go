package deployer

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"text/template"

	"github.com/PKell33/ownprem-sub002/pkg/types"
)

// Target layout on managed hosts.
const (
	appRoot    = "/opt/ownprem"
	configRoot = "/etc/ownprem"
	dataRoot   = "/var/lib/ownprem"
	logRoot    = "/var/log/ownprem"

	caRootTarget = "/etc/caddy/ca-root.crt"
)

var lifecycleScripts = []string{"install.sh", "configure.sh", "uninstall.sh", "start.sh", "stop.sh"}

// Renderer turns an app's template directory into the concrete files a
// deployment ships to its agent. Per app the source layout is:
//
//	<appsDir>/<app>/manifest.yml
//	<appsDir>/<app>/files/...      templated configs -> /etc/ownprem/<app>/...
//	<appsDir>/<app>/scripts/*.sh   lifecycle scripts -> /opt/ownprem/<app>/
//	<appsDir>/<app>/systemd.service                  -> /etc/systemd/system/
type Renderer struct {
	appsDir    string
	caRootPath string
}

// NewRenderer creates a renderer over the apps directory. caRootPath may
// be empty when no local certificate authority exists yet.
func NewRenderer(appsDir, caRootPath string) *Renderer {
	return &Renderer{appsDir: appsDir, caRootPath: caRootPath}
}

// Render produces every file of a deployment: templated configs, the
// lifecycle scripts, and the systemd unit. config carries the fully
// resolved (secrets included) values.
func (r *Renderer) Render(m *types.Manifest, config map[string]any) ([]types.ConfigFile, error) {
	data := templateData(m, config)

	var files []types.ConfigFile

	filesDir := filepath.Join(r.appsDir, m.Name, "files")
	err := filepath.WalkDir(filesDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(filesDir, path)
		if err != nil {
			return err
		}
		content, err := r.renderFile(path, data)
		if err != nil {
			return err
		}
		files = append(files, types.ConfigFile{
			Path:    filepath.Join(configRoot, m.Name, rel),
			Content: content,
			Mode:    "0640",
			Owner:   m.ServiceUser,
		})
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("render files for %s: %w", m.Name, err)
	}

	for _, script := range lifecycleScripts {
		src := filepath.Join(r.appsDir, m.Name, "scripts", script)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		content, err := r.renderFile(src, data)
		if err != nil {
			return nil, fmt.Errorf("render script %s for %s: %w", script, m.Name, err)
		}
		files = append(files, types.ConfigFile{
			Path:    filepath.Join(appRoot, m.Name, script),
			Content: content,
			Mode:    "0755",
		})
	}

	if unit := filepath.Join(r.appsDir, m.Name, "systemd.service"); fileReadable(unit) {
		content, err := r.renderFile(unit, data)
		if err != nil {
			return nil, fmt.Errorf("render unit for %s: %w", m.Name, err)
		}
		files = append(files, types.ConfigFile{
			Path:    filepath.Join("/etc/systemd/system", m.Name+".service"),
			Content: content,
			Mode:    "0644",
		})
	}

	// The proxy app ships the local CA root so it can trust the internal
	// ACME issuer.
	if m.Category == "proxy" && r.caRootPath != "" {
		if caRoot, err := os.ReadFile(r.caRootPath); err == nil {
			files = append(files, types.ConfigFile{
				Path:    caRootTarget,
				Content: string(caRoot),
				Mode:    "0644",
			})
		}
	}

	return files, nil
}

// RenderKeepalived renders the app's VRRP template, when it ships one.
// The proxy app uses it to join the failover pair after install; apps
// without a keepalived.conf template render to nothing.
func (r *Renderer) RenderKeepalived(m *types.Manifest, config map[string]any) ([]types.ConfigFile, error) {
	src := filepath.Join(r.appsDir, m.Name, "keepalived.conf")
	if !fileReadable(src) {
		return nil, nil
	}
	content, err := r.renderFile(src, templateData(m, config))
	if err != nil {
		return nil, fmt.Errorf("render keepalived config for %s: %w", m.Name, err)
	}
	return []types.ConfigFile{{
		Path:    "/etc/keepalived/keepalived.conf",
		Content: content,
		Mode:    "0600",
	}}, nil
}

func templateData(m *types.Manifest, config map[string]any) map[string]any {
	group := m.ServiceGroup
	if group == "" {
		group = m.ServiceUser
	}
	return map[string]any{
		"App":          m.Name,
		"Version":      m.Version,
		"Config":       config,
		"AppDir":       filepath.Join(appRoot, m.Name),
		"ConfigDir":    filepath.Join(configRoot, m.Name),
		"DataDir":      filepath.Join(dataRoot, m.Name),
		"LogDir":       filepath.Join(logRoot, m.Name),
		"ServiceUser":  m.ServiceUser,
		"ServiceGroup": group,
	}
}

func (r *Renderer) renderFile(path string, data map[string]any) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	tmpl, err := template.New(filepath.Base(path)).Option("missingkey=error").Parse(string(raw))
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func fileReadable(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular()
}
