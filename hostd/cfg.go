package hostd

import (
	"fmt"
	"os"

	"github.com/c2h5oh/datasize"
	"gopkg.in/yaml.v3"

	"github.com/HPSI/xen-v4v/common/logging"
)

// Config represents the main configuration structure for the host daemon.
type Config struct {
	// Logging configuration.
	Logging logging.Config `yaml:"logging"`
	// Hostd configuration.
	Hostd HostdConfig `yaml:"hostd"`
}

// HostdConfig contains settings for the daemon itself.
type HostdConfig struct {
	// Endpoint is the unix socket path the hypercall transport listens on.
	Endpoint string `yaml:"endpoint"`
	// GuestMemoryLimit bounds the guest-physical address space of each
	// emulated domain.
	GuestMemoryLimit datasize.ByteSize `yaml:"guest_memory_limit"`
}

// DefaultConfig returns the daemon configuration defaults.
func DefaultConfig() *Config {
	return &Config{
		Hostd: HostdConfig{
			Endpoint:         "/run/v4v-hostd.sock",
			GuestMemoryLimit: 64 * datasize.MB,
		},
	}
}

// LoadConfig loads configuration from a YAML file at the specified path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML configuration: %w", err)
	}

	return cfg, nil
}
