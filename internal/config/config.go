package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// AgentConfig is the configuration for the veilgo-agent daemon.
type AgentConfig struct {
	IdentityPath string       `yaml:"identity_path"`
	ListenPort   int          `yaml:"listen_port"`
	TunName      string       `yaml:"tun_name"`
	TunAddress   string       `yaml:"tun_address"` // IP/mask, e.g. 10.20.0.1/24
	MTU          int          `yaml:"mtu"`
	Peers        []PeerConfig `yaml:"peers"`
	STUNServers  []string     `yaml:"stun_servers"`
	API          APIConfig    `yaml:"api"`
	Database     string       `yaml:"database"`
	LogLevel     string       `yaml:"log_level"`
}

// PeerConfig describes one remote tunnel endpoint.
type PeerConfig struct {
	PublicKey           string   `yaml:"public_key"`     // hex, 64 chars
	PresharedKey        string   `yaml:"preshared_key"`  // hex, optional
	Endpoint            string   `yaml:"endpoint"`       // host:port, optional
	AllowedIPs          []string `yaml:"allowed_ips"`    // CIDR list
	PersistentKeepalive int      `yaml:"persistent_keepalive"` // seconds, 0 = off
}

// APIConfig configures the local control API.
type APIConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Listen    string `yaml:"listen"`
	JWTSecret string `yaml:"jwt_secret"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
}

// RelayConfig is the configuration for the veilgo-relay server.
type RelayConfig struct {
	STUNEnabled bool              `yaml:"stun_enabled"`
	TURNEnabled bool              `yaml:"turn_enabled"`
	Listen      string            `yaml:"listen"`
	Realm       string            `yaml:"realm"`
	PublicIP    string            `yaml:"public_ip"`
	Credentials map[string]string `yaml:"credentials"`
	LogLevel    string            `yaml:"log_level"`
}

// DefaultAgentConfig returns a config with sensible defaults.
func DefaultAgentConfig() *AgentConfig {
	return &AgentConfig{
		IdentityPath: "/etc/veilgo/identity.key",
		ListenPort:   51820,
		TunName:      "veil0",
		MTU:          1420,
		STUNServers: []string{
			"stun:stun.l.google.com:19302",
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:9395",
		},
		LogLevel: "info",
	}
}

// DefaultRelayConfig returns a config with sensible defaults.
func DefaultRelayConfig() *RelayConfig {
	return &RelayConfig{
		STUNEnabled: true,
		TURNEnabled: false,
		Listen:      "0.0.0.0:3478",
		Realm:       "veilgo",
		LogLevel:    "info",
	}
}

// LoadAgentConfig loads agent config from a YAML file.
func LoadAgentConfig(path string) (*AgentConfig, error) {
	cfg := DefaultAgentConfig()
	if err := loadYAML(path, cfg); err != nil {
		return nil, fmt.Errorf("load agent config: %w", err)
	}
	return cfg, nil
}

// LoadRelayConfig loads relay config from a YAML file.
func LoadRelayConfig(path string) (*RelayConfig, error) {
	cfg := DefaultRelayConfig()
	if err := loadYAML(path, cfg); err != nil {
		return nil, fmt.Errorf("load relay config: %w", err)
	}
	return cfg, nil
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, out)
}
