package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"
)

const (
	KindHub  = "hub"
	KindMqtt = "mqtt"
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	LogLevel         string        `env:"LOG_LEVEL" envDefault:"INFO"`
	AppName          string        `env:"APP_NAME" envDefault:"hass-automation"`
	DefaultNamespace string        `env:"DEFAULT_NAMESPACE" envDefault:"hass"`
	NamespacesFile   string        `env:"NAMESPACES_FILE"`
	DatabaseURL      string        `env:"DATABASE_URL"`
	HistoryRetention time.Duration `env:"HISTORY_RETENTION" envDefault:"192h"`
	CleanupSchedule  string        `env:"CLEANUP_SCHEDULE" envDefault:"0 3 * * *"`
	SyncTimeout      time.Duration `env:"SYNC_TIMEOUT" envDefault:"30s"`

	// Hub configures the default namespace from HASS_* variables.
	Hub NamespaceConfig `envPrefix:"HASS_"`

	Namespaces map[string]*NamespaceConfig
}

type NamespaceConfig struct {
	Kind           string        `env:"KIND" envDefault:"hub" yaml:"kind"`
	BaseURL        string        `env:"URL" yaml:"url"`
	AccessKey      string        `env:"KEY" yaml:"key"`
	AccessHeader   string        `env:"ACCESS_HEADER" envDefault:"x-access-key" yaml:"access_header"`
	TLSVerify      bool          `env:"TLS_VERIFY" envDefault:"true" yaml:"tls_verify"`
	CertPath       string        `env:"CERT_PATH" yaml:"cert_path"`
	Timeout        time.Duration `env:"TIMEOUT" envDefault:"10s" yaml:"timeout"`
	ReconnectDelay time.Duration `env:"RECONNECT_DELAY" envDefault:"5s" yaml:"reconnect_delay"`
	MqttHost       string        `env:"MQTT_HOST" yaml:"mqtt_host"`
	MqttUser       string        `env:"MQTT_USER" yaml:"mqtt_user"`
	MqttPass       string        `env:"MQTT_PASS" yaml:"mqtt_pass"`
	TopicPrefix    string        `env:"MQTT_TOPIC_PREFIX" envDefault:"hass" yaml:"topic_prefix"`
}

// DefaultNamespaceConfig returns a namespace config with every default applied.
func DefaultNamespaceConfig() NamespaceConfig {
	return NamespaceConfig{
		Kind:           KindHub,
		AccessHeader:   "x-access-key",
		TLSVerify:      true,
		Timeout:        10 * time.Second,
		ReconnectDelay: 5 * time.Second,
		TopicPrefix:    "hass",
	}
}

func (n NamespaceConfig) configured() bool {
	return n.BaseURL != "" || n.MqttHost != ""
}

// Parse reads the process environment and the optional namespaces file.
func Parse() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Resolve(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Resolve rebuilds Namespaces from the namespaces file and the HASS_* hub.
// Call it again after changing NamespacesFile or Hub.
func (c *Config) Resolve() error {
	c.Namespaces = map[string]*NamespaceConfig{}
	if c.NamespacesFile != "" {
		namespaces, err := LoadNamespaces(c.NamespacesFile)
		if err != nil {
			return err
		}
		c.Namespaces = namespaces
	}
	c.applyHub()
	return nil
}

// applyHub registers the HASS_* namespace as the default namespace unless the
// namespaces file already declares it.
func (c *Config) applyHub() {
	if c.Namespaces == nil {
		c.Namespaces = map[string]*NamespaceConfig{}
	}
	if _, exists := c.Namespaces[c.DefaultNamespace]; exists || !c.Hub.configured() {
		return
	}
	hub := c.Hub
	c.Namespaces[c.DefaultNamespace] = &hub
}

type namespacesFile struct {
	Namespaces map[string]yaml.Node `yaml:"namespaces"`
}

// LoadNamespaces reads a YAML file of the form
//
//	namespaces:
//	  upstairs:
//	    kind: hub
//	    url: http://upstairs.local:8123
//	    key: ...
func LoadNamespaces(path string) (map[string]*NamespaceConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseNamespaces(data)
}

func ParseNamespaces(data []byte) (map[string]*NamespaceConfig, error) {
	file := namespacesFile{}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing namespaces: %w", err)
	}
	out := make(map[string]*NamespaceConfig, len(file.Namespaces))
	for name, node := range file.Namespaces {
		ns := DefaultNamespaceConfig()
		if err := node.Decode(&ns); err != nil {
			return nil, fmt.Errorf("parsing namespace %s: %w", name, err)
		}
		out[name] = &ns
	}
	return out, nil
}

func (c *Config) Validate() error {
	if len(c.Namespaces) == 0 {
		return fmt.Errorf("%w: no namespaces configured", ErrInvalidConfig)
	}
	if _, ok := c.Namespaces[c.DefaultNamespace]; !ok {
		return fmt.Errorf("%w: default namespace %q is not configured", ErrInvalidConfig, c.DefaultNamespace)
	}
	for _, name := range c.NamespaceNames() {
		ns := c.Namespaces[name]
		switch ns.Kind {
		case KindHub:
			if ns.BaseURL == "" {
				return fmt.Errorf("%w: namespace %s needs a url", ErrInvalidConfig, name)
			}
		case KindMqtt:
			if ns.MqttHost == "" {
				return fmt.Errorf("%w: namespace %s needs an mqtt host", ErrInvalidConfig, name)
			}
		default:
			return fmt.Errorf("%w: namespace %s has unknown kind %q", ErrInvalidConfig, name, ns.Kind)
		}
	}
	return nil
}

// NamespaceNames returns the configured namespaces in a stable order.
func (c *Config) NamespaceNames() []string {
	names := lo.Keys(c.Namespaces)
	slices.Sort(names)
	return names
}
