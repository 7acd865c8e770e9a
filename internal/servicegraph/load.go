package servicegraph

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type graphFile struct {
	Services []ServiceSpec `yaml:"services"`
}

// Load reads a service graph from a YAML file.
func Load(path string) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read service graph: %w", err)
	}

	var f graphFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse service graph: %w", err)
	}
	return New(f.Services)
}

// Default is the built-in single-host graph: datastore and cache feed the
// application, which the reverse proxy fronts.
func Default(appPort, proxyPort int) (*Graph, error) {
	return New([]ServiceSpec{
		{
			Name:  "postgres",
			Role:  RoleDatastore,
			Probe: ProbeSpec{Type: "cmd", Target: "pg_isready", Args: []string{"-q"}},
			Start: ActionSpec{Command: "systemctl", Args: []string{"start", "postgresql"}},
			Stop:  ActionSpec{Command: "systemctl", Args: []string{"stop", "postgresql"}},
		},
		{
			Name:  "redis",
			Role:  RoleCache,
			Probe: ProbeSpec{Type: "tcp", Target: "127.0.0.1:6379"},
			Start: ActionSpec{Command: "systemctl", Args: []string{"start", "redis-server"}},
			Stop:  ActionSpec{Command: "systemctl", Args: []string{"stop", "redis-server"}},
		},
		{
			Name:      "app",
			Role:      RoleApplication,
			DependsOn: []string{"postgres", "redis"},
			Probe:     ProbeSpec{Type: "http", Target: fmt.Sprintf("http://127.0.0.1:%d/healthz", appPort)},
			Start:     ActionSpec{Command: "systemctl", Args: []string{"start", "app"}},
			Stop:      ActionSpec{Command: "systemctl", Args: []string{"stop", "app"}},
		},
		{
			Name:      "nginx",
			Role:      RoleProxy,
			DependsOn: []string{"app"},
			Probe:     ProbeSpec{Type: "tcp", Target: fmt.Sprintf("127.0.0.1:%d", proxyPort)},
			Start:     ActionSpec{Command: "systemctl", Args: []string{"start", "nginx"}},
			Stop:      ActionSpec{Command: "systemctl", Args: []string{"stop", "nginx"}},
		},
	})
}
