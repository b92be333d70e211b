package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// AgentConfig is the configuration for wgstack-agent.
type AgentConfig struct {
	IdentityPath string `yaml:"identity_path"`

	// Endpoint is the remote WireGuard peer, host:port.
	Endpoint      string `yaml:"endpoint"`
	PeerPublicKey string `yaml:"peer_public_key"`
	PresharedKey  string `yaml:"preshared_key"`

	// AddressV4/V6 are the local addresses the IP layer answers to.
	AddressV4 string `yaml:"address_v4"`
	AddressV6 string `yaml:"address_v6"`

	// Mode selects where decrypted packets go: "stack" (userspace
	// transports) or "tun" (kernel TUN bridge).
	Mode string    `yaml:"mode"`
	TUN  TUNConfig `yaml:"tun"`

	Admin AdminConfig `yaml:"admin"`

	STUNServer string `yaml:"stun_server"`
	LogLevel   string `yaml:"log_level"`
}

// TUNConfig configures the optional TUN bridge.
type TUNConfig struct {
	Name string `yaml:"name"`
	MTU  int    `yaml:"mtu"`
}

// AdminConfig configures the local admin/status API.
type AdminConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Listen    string `yaml:"listen"`
	Database  string `yaml:"database"`
	JWTSecret string `yaml:"jwt_secret"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
}

// DefaultAgentConfig returns a config with sensible defaults.
func DefaultAgentConfig() *AgentConfig {
	return &AgentConfig{
		IdentityPath: "/etc/wgstack/identity.key",
		AddressV4:    "10.0.0.2",
		AddressV6:    "fd00::2",
		Mode:         "stack",
		TUN: TUNConfig{
			Name: "wgstack0",
			MTU:  1420,
		},
		Admin: AdminConfig{
			Enabled:   false,
			Listen:    "127.0.0.1:9395",
			Database:  "sqlite:///var/lib/wgstack/journal.db",
			JWTSecret: "change-me-in-production",
			Username:  "admin",
			Password:  "admin",
		},
		STUNServer: "stun.l.google.com:19302",
		LogLevel:   "info",
	}
}

// LoadAgentConfig loads agent config from a YAML file over defaults.
func LoadAgentConfig(path string) (*AgentConfig, error) {
	cfg := DefaultAgentConfig()
	if err := loadYAML(path, cfg); err != nil {
		return nil, fmt.Errorf("load agent config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate agent config: %w", err)
	}
	return cfg, nil
}

func (cfg *AgentConfig) validate() error {
	if cfg.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	if cfg.PeerPublicKey == "" {
		return fmt.Errorf("peer_public_key is required")
	}
	switch cfg.Mode {
	case "stack", "tun":
	default:
		return fmt.Errorf("mode must be \"stack\" or \"tun\", got %q", cfg.Mode)
	}
	return nil
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, out)
}
