// Package config loads the YAML configuration shared by the gateway and the
// presence daemon. Every key has a working default so a gateway can start
// with nothing but a secret; fixed per-service rpc_addr keys short-circuit
// service discovery for that service, which is the preferred production mode
// for singleton services.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by Load when the corresponding key is absent.
const (
	DefaultWSMessageMaxSize = 32 << 20 // 32 MiB assembled message cap
	DefaultJWTExpiresIn     = 24 * time.Hour
	DefaultPresenceTTLSec   = 120
)

// ServiceAddr is the fixed-address override for one service. A non-empty
// RPCAddr disables discovery for that service entirely.
type ServiceAddr struct {
	RPCAddr string `yaml:"rpc_addr"`
}

// JWT holds the token parameters shared across the fleet.
type JWT struct {
	Secret    string        `yaml:"secret"`
	Issuer    string        `yaml:"issuer"`
	ExpiresIn time.Duration `yaml:"expires_in"`
}

// Server describes one listener. Worker counts are accepted for parity with
// the deployment tooling and logged at startup; goroutine scheduling is left
// to the runtime, so they carry no observable effect here.
type Server struct {
	Type          string   `yaml:"type"` // http | ws | rock
	Address       []string `yaml:"address"`
	SSL           bool     `yaml:"ssl"`
	AcceptWorker  int      `yaml:"accept_worker"`
	IOWorker      int      `yaml:"io_worker"`
	ProcessWorker int      `yaml:"process_worker"`
	Keepalive     bool     `yaml:"keepalive"`
	Name          string   `yaml:"name"`
}

// Config is the root of the YAML document.
type Config struct {
	Servers []Server `yaml:"servers"`

	ServiceDiscovery struct {
		// ZK is the ZooKeeper endpoint list, comma-separated. Empty means no
		// discovery: only fixed rpc_addr entries work.
		ZK string `yaml:"zk"`
	} `yaml:"service_discovery"`

	Auth struct {
		JWT JWT `yaml:"jwt"`
	} `yaml:"auth"`

	WebSocket struct {
		Message struct {
			MaxSize int64 `yaml:"max_size"`
		} `yaml:"message"`
		// AllowUnmaskedClientFrames is recognised for compatibility with
		// non-compliant clients. The upgrade library enforces RFC 6455 §5.1
		// unconditionally, so enabling it is recorded in the log but has no
		// effect; strict masking is the only supported mode.
		AllowUnmaskedClientFrames bool `yaml:"allow_unmasked_client_frames"`
	} `yaml:"websocket"`

	Presence ServiceAddr `yaml:"presence"`
	Talk     ServiceAddr `yaml:"talk"`
	Contact  ServiceAddr `yaml:"contact"`
	Group    ServiceAddr `yaml:"group"`
	Media    ServiceAddr `yaml:"media"`
	User     ServiceAddr `yaml:"user"`
}

// Load reads and validates the YAML file at path. A missing path returns
// defaults only, so every key stays optional.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.WebSocket.Message.MaxSize <= 0 {
		c.WebSocket.Message.MaxSize = DefaultWSMessageMaxSize
	}
	if c.Auth.JWT.ExpiresIn <= 0 {
		c.Auth.JWT.ExpiresIn = DefaultJWTExpiresIn
	}
}

func (c *Config) validate() error {
	for i, s := range c.Servers {
		switch s.Type {
		case "http", "ws", "rock":
		default:
			return fmt.Errorf("config: servers[%d]: unknown type %q", i, s.Type)
		}
		if len(s.Address) == 0 {
			return fmt.Errorf("config: servers[%d] (%s): at least one address required", i, s.Name)
		}
	}
	return nil
}

// ListenAddr returns the first address of the first listener of the given
// type, or empty if none is configured.
func (c *Config) ListenAddr(typ string) string {
	for _, s := range c.Servers {
		if s.Type == typ && len(s.Address) > 0 {
			return s.Address[0]
		}
	}
	return ""
}

// FixedAddrs returns the per-service fixed address map used by the service
// resolver. Only non-empty entries are included.
func (c *Config) FixedAddrs() map[string]string {
	out := make(map[string]string)
	for name, sa := range map[string]ServiceAddr{
		"svc-presence": c.Presence,
		"svc-talk":     c.Talk,
		"svc-contact":  c.Contact,
		"svc-group":    c.Group,
		"svc-media":    c.Media,
		"svc-user":     c.User,
	} {
		if sa.RPCAddr != "" {
			out[name] = sa.RPCAddr
		}
	}
	return out
}
