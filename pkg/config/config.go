// Package config loads WAFleet process configuration from the environment
// and the static tenant list from a YAML file. Tenants are read once at
// startup and never mutated afterwards.
package config

import (
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config holds process-wide settings. All values come from WAFLEET_*
// environment variables with sensible defaults for local runs.
type Config struct {
	Host        string `env:"WAFLEET_HOST" envDefault:"0.0.0.0"`
	Port        int    `env:"WAFLEET_PORT" envDefault:"3000"`
	APIKey      string `env:"WAFLEET_API_KEY"`
	DataDir     string `env:"WAFLEET_DATA_DIR" envDefault:"./data"`
	TenantsFile string `env:"WAFLEET_EMPRESAS_FILE" envDefault:"./empresas.yaml"`

	// Base URL the dispatcher POSTs inbound messages to. The tenant id is
	// templated in as <base>/empresa-<id>.
	WebhookBase    string `env:"WAFLEET_WEBHOOK_BASE" envDefault:"http://localhost:4000/webhook"`
	WebhookTimeout int    `env:"WAFLEET_WEBHOOK_TIMEOUT_SECONDS" envDefault:"10"`

	// Optional cron expression for periodic session re-pruning. Empty
	// disables the schedule; pruning then runs only once at startup.
	PruneSchedule string `env:"WAFLEET_PRUNE_SCHEDULE"`

	LogLevel  string `env:"WAFLEET_LOG_LEVEL" envDefault:"info"`
	LogPretty bool   `env:"WAFLEET_LOG_PRETTY" envDefault:"true"`
}

// Load parses the environment into a Config.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}

// Tenant is one company the fleet runs a session for. Wire-level field
// names follow the deployment's existing Spanish configuration format.
type Tenant struct {
	ID          string `yaml:"id" json:"id"`
	Name        string `yaml:"nombre" json:"nombre"`
	WhatsApp    string `yaml:"whatsapp" json:"whatsapp"`
	SessionPath string `yaml:"sesionPath" json:"sesionPath"`
}

type tenantsFile struct {
	Empresas []Tenant `yaml:"empresas"`
}

// LoadTenants reads the static tenant list. The order of the file is
// preserved. Duplicate or empty ids are configuration errors.
func LoadTenants(path string) ([]Tenant, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tenants file %s: %w", path, err)
	}

	var f tenantsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse tenants file %s: %w", path, err)
	}

	seen := make(map[string]struct{}, len(f.Empresas))
	for i, t := range f.Empresas {
		if t.ID == "" {
			return nil, fmt.Errorf("tenants file %s: entry %d has empty id", path, i)
		}
		if _, dup := seen[t.ID]; dup {
			return nil, fmt.Errorf("tenants file %s: duplicate tenant id %q", path, t.ID)
		}
		seen[t.ID] = struct{}{}
		if f.Empresas[i].SessionPath == "" {
			f.Empresas[i].SessionPath = t.ID
		}
	}

	return f.Empresas, nil
}
