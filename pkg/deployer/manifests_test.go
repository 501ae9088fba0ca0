package deployer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PKell33/ownprem-sub002/pkg/types"
)

const postgresManifest = `name: postgres
displayName: PostgreSQL
version: "16.3"
category: database
serviceUser: svc-postgres
singleton: true
configSchema:
  - name: port
    type: number
    default: 5432
  - name: admin_password
    type: password
    generated: true
    secret: true
provides:
  - name: postgres
    port: 5432
    protocol: tcp
`

func TestLoadManifests(t *testing.T) {
	appsDir := t.TempDir()
	writeManifest(t, appsDir, "postgres", postgresManifest)
	writeManifest(t, appsDir, "caddy", "name: caddy\nversion: \"2.8\"\nmandatory: true\n")
	// A directory without a manifest is skipped.
	require.NoError(t, os.MkdirAll(filepath.Join(appsDir, "scratch"), 0o755))

	manifests, err := LoadManifests(appsDir)
	require.NoError(t, err)
	require.Len(t, manifests, 2)

	assert.Equal(t, "caddy", manifests[0].Name)
	assert.True(t, manifests[0].Mandatory)

	pg := manifests[1]
	assert.Equal(t, "postgres", pg.Name)
	assert.True(t, pg.Singleton)
	require.Len(t, pg.ConfigSchema, 2)
	assert.True(t, pg.ConfigSchema[1].Generated)
	assert.True(t, pg.ConfigSchema[1].Secret)
	require.Len(t, pg.Provides, 1)
	assert.Equal(t, "tcp", pg.Provides[0].Protocol)
}

func TestLoadManifestsRejectsMismatchedName(t *testing.T) {
	appsDir := t.TempDir()
	writeManifest(t, appsDir, "postgres", "name: mysql\nversion: \"8\"\n")

	_, err := LoadManifests(appsDir)
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindValidation))
}

func TestLoadManifestsRejectsMissingVersion(t *testing.T) {
	appsDir := t.TempDir()
	writeManifest(t, appsDir, "caddy", "name: caddy\n")

	_, err := LoadManifests(appsDir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no version")
}

func writeManifest(t *testing.T, appsDir, app, content string) {
	t.Helper()
	dir := filepath.Join(appsDir, app)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.yml"), []byte(content), 0o644))
}
