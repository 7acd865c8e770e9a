package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full operator-tunable surface of the orchestrator. Every
// knob the original deployment scripts disagreed on (retry bounds, ports,
// exposure) lives here rather than in code.
type Config struct {
	Environment string `mapstructure:"environment"`

	Domain        string `mapstructure:"domain" validate:"required,fqdn"`
	AdvertiseAddr string `mapstructure:"advertise_addr" validate:"omitempty,ip"`

	Datastore DatastoreConfig `mapstructure:"datastore"`

	APIKey        string `mapstructure:"api_key" validate:"required"`
	SessionSecret string `mapstructure:"session_secret" validate:"required,min=32"`

	AppPort   int `mapstructure:"app_port" validate:"required,min=1,max=65535"`
	ProxyPort int `mapstructure:"proxy_port" validate:"required,min=1,max=65535"`

	TLS       TLSConfig      `mapstructure:"tls"`
	Snapshots SnapshotConfig `mapstructure:"snapshots"`
	Health    HealthConfig   `mapstructure:"health"`

	JournalPath  string `mapstructure:"journal_path" validate:"required"`
	ServicesPath string `mapstructure:"services_path"`
}

type DatastoreConfig struct {
	URL      string `mapstructure:"url" validate:"required,url"`
	Password string `mapstructure:"password" validate:"required,min=12"`
}

type TLSConfig struct {
	Dir           string        `mapstructure:"dir" validate:"required"`
	RenewalWindow time.Duration `mapstructure:"renewal_window"`
	Validity      time.Duration `mapstructure:"validity"`
}

type SnapshotConfig struct {
	Dir       string        `mapstructure:"dir" validate:"required"`
	Retention time.Duration `mapstructure:"retention"`
}

// HealthConfig tunes the shared HealthGate backoff schedule. The source
// deployments never agreed on attempt counts, so it is configuration here.
type HealthConfig struct {
	BaseInterval time.Duration `mapstructure:"base_interval"`
	MaxInterval  time.Duration `mapstructure:"max_interval"`
	MaxAttempts  int           `mapstructure:"max_attempts" validate:"min=1"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// Load reads configuration from an optional YAML file merged with DECKHAND_*
// environment variables. It does not validate; callers gate on Validate so
// that `deckhand validate` can report every problem in one pass.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("DECKHAND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	// Empty defaults register the keys so AutomaticEnv can populate them.
	v.SetDefault("domain", "")
	v.SetDefault("advertise_addr", "")
	v.SetDefault("datastore.url", "")
	v.SetDefault("datastore.password", "")
	v.SetDefault("api_key", "")
	v.SetDefault("session_secret", "")
	v.SetDefault("services_path", "")
	v.SetDefault("app_port", 8080)
	v.SetDefault("proxy_port", 443)
	v.SetDefault("tls.dir", "/etc/deckhand/tls")
	v.SetDefault("tls.renewal_window", 30*24*time.Hour)
	v.SetDefault("tls.validity", 365*24*time.Hour)
	v.SetDefault("snapshots.dir", "/var/lib/deckhand/snapshots")
	v.SetDefault("snapshots.retention", 14*24*time.Hour)
	v.SetDefault("health.base_interval", 2*time.Second)
	v.SetDefault("health.max_interval", 30*time.Second)
	v.SetDefault("health.max_attempts", 30)
	v.SetDefault("health.timeout", 5*time.Minute)
	v.SetDefault("journal_path", "/var/lib/deckhand/journal.db")
}
