package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTenantsFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "empresas.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadTenants(t *testing.T) {
	path := writeTenantsFile(t, `
empresas:
  - id: acme
    nombre: Acme SA
    whatsapp: "+51911111111"
    sesionPath: sesiones/acme
  - id: globex
    nombre: Globex
    whatsapp: "+51922222222"
`)

	tenants, err := LoadTenants(path)
	require.NoError(t, err)
	require.Len(t, tenants, 2)

	assert.Equal(t, "acme", tenants[0].ID)
	assert.Equal(t, "Acme SA", tenants[0].Name)
	assert.Equal(t, "sesiones/acme", tenants[0].SessionPath)

	// sesionPath defaults to the tenant id when omitted.
	assert.Equal(t, "globex", tenants[1].SessionPath)
}

func TestLoadTenantsRejectsDuplicates(t *testing.T) {
	path := writeTenantsFile(t, `
empresas:
  - id: acme
    nombre: Acme SA
  - id: acme
    nombre: Acme Clone
`)

	_, err := LoadTenants(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate tenant id")
}

func TestLoadTenantsRejectsEmptyID(t *testing.T) {
	path := writeTenantsFile(t, `
empresas:
  - nombre: Sin ID
`)

	_, err := LoadTenants(path)
	require.Error(t, err)
}

func TestLoadTenantsMissingFile(t *testing.T) {
	_, err := LoadTenants(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Port)
	assert.Equal(t, 10, cfg.WebhookTimeout)
	assert.Empty(t, cfg.PruneSchedule)
}
