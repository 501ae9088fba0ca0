package deployer

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/PKell33/ownprem-sub002/pkg/types"
)

// LoadManifests parses every <appsDir>/<app>/manifest.yml, sorted by app
// name. Directories without a manifest are skipped; a malformed manifest
// fails the whole load so a broken apps directory is caught at startup.
func LoadManifests(appsDir string) ([]*types.Manifest, error) {
	entries, err := os.ReadDir(appsDir)
	if err != nil {
		return nil, fmt.Errorf("read apps directory %s: %w", appsDir, err)
	}

	var manifests []*types.Manifest
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(appsDir, entry.Name(), "manifest.yml")
		raw, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}

		var m types.Manifest
		if err := yaml.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if err := validateManifest(&m, entry.Name()); err != nil {
			return nil, err
		}
		manifests = append(manifests, &m)
	}

	sort.Slice(manifests, func(i, j int) bool { return manifests[i].Name < manifests[j].Name })
	return manifests, nil
}

func validateManifest(m *types.Manifest, dir string) error {
	if m.Name == "" {
		return types.E(types.KindValidation, "manifest in %s has no name", dir)
	}
	if m.Name != dir {
		return types.E(types.KindValidation, "manifest name %s does not match directory %s", m.Name, dir)
	}
	if m.Version == "" {
		return types.E(types.KindValidation, "manifest %s has no version", m.Name)
	}
	for _, svc := range m.Provides {
		if svc.Name == "" || svc.Port <= 0 {
			return types.E(types.KindValidation, "manifest %s provides a service without name or port", m.Name)
		}
	}
	for _, field := range m.ConfigSchema {
		if field.Type == types.FieldSelect && len(field.Options) == 0 {
			return types.E(types.KindValidation, "manifest %s select field %s has no options", m.Name, field.Name)
		}
	}
	return nil
}
