package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const DefaultLivenessInterval = 15 * time.Second

type Config struct {
	// BrokerURL is the websocket endpoint of the message broker.
	BrokerURL string `yaml:"broker_url"`
	// APIBaseURL is the base URL of the REST API serving snapshots.
	APIBaseURL string `yaml:"api_base_url"`
	// SessionToken is the JWT borrowed from the auth provider.
	SessionToken string `yaml:"session_token"`
	// DebugAddr is the listen address for the local debug/stats server.
	DebugAddr string `yaml:"debug_addr"`
	// AllowedOrigins restricts which origins may read the debug endpoints.
	AllowedOrigins []string `yaml:"allowed_origins"`
	// LivenessInterval is how often the connection manager polls liveness.
	LivenessInterval time.Duration `yaml:"liveness_interval"`
}

func validateURL(rawURL string, schemes ...string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}

	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}

	return fmt.Errorf("unsupported scheme %q in %q", u.Scheme, rawURL)
}

func NewConfig(brokerURL, apiBaseURL, sessionToken, debugAddr string, allowedOrigins []string) (*Config, error) {
	if brokerURL == "" {
		return nil, fmt.Errorf("broker url cannot be empty")
	}
	if err := validateURL(brokerURL, "ws", "wss"); err != nil {
		return nil, fmt.Errorf("broker url: %w", err)
	}
	if apiBaseURL == "" {
		return nil, fmt.Errorf("api base url cannot be empty")
	}
	if err := validateURL(apiBaseURL, "http", "https"); err != nil {
		return nil, fmt.Errorf("api base url: %w", err)
	}
	if sessionToken == "" {
		return nil, fmt.Errorf("session token cannot be empty")
	}

	return &Config{
		BrokerURL:        brokerURL,
		APIBaseURL:       apiBaseURL,
		SessionToken:     sessionToken,
		DebugAddr:        debugAddr,
		AllowedOrigins:   allowedOrigins,
		LivenessInterval: DefaultLivenessInterval,
	}, nil
}

// FromFile loads a config from a YAML file and applies the same validation
// as NewConfig.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fileCfg Config
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg, err := NewConfig(fileCfg.BrokerURL, fileCfg.APIBaseURL, fileCfg.SessionToken, fileCfg.DebugAddr, fileCfg.AllowedOrigins)
	if err != nil {
		return nil, err
	}

	if fileCfg.LivenessInterval > 0 {
		cfg.LivenessInterval = fileCfg.LivenessInterval
	}

	return cfg, nil
}
