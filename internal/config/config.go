package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides: PARTY_PORT,
// PARTY_DISCOVERY_BEACON_PORT, ...
const EnvPrefix = "PARTY"

type Config struct {
	Mode       string `mapstructure:"mode"`
	Port       int    `mapstructure:"port"`
	LogLevel   string `mapstructure:"log_level"`
	DeviceID   string `mapstructure:"device_id"`
	DeviceName string `mapstructure:"device_name"`
	MaxMembers int    `mapstructure:"max_members"`
	ReadLimit  int64  `mapstructure:"read_limit"`

	HeartbeatInterval    time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatTimeout     time.Duration `mapstructure:"heartbeat_timeout"`
	HeartbeatSweep       time.Duration `mapstructure:"heartbeat_sweep"`
	JoinTimeout          time.Duration `mapstructure:"join_timeout"`
	JoinRateLimit        int           `mapstructure:"join_rate_limit"`
	JoinRateWindow       time.Duration `mapstructure:"join_rate_window"`
	ConnectTimeout       time.Duration `mapstructure:"connect_timeout"`
	ReconnectDelay       time.Duration `mapstructure:"reconnect_delay"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`

	Discovery Discovery `mapstructure:"discovery"`
	Registry  Registry  `mapstructure:"registry"`
	Telemetry Telemetry `mapstructure:"telemetry"`
}

type Discovery struct {
	// Method pins one transport: primary, fallback or simulated.
	Method            string        `mapstructure:"method"`
	Parallel          bool          `mapstructure:"parallel"`
	Expiry            time.Duration `mapstructure:"expiry"`
	Sweep             time.Duration `mapstructure:"sweep"`
	ScanTimeout       time.Duration `mapstructure:"scan_timeout"`
	QueryInterval     time.Duration `mapstructure:"query_interval"`
	BeaconPort        int           `mapstructure:"beacon_port"`
	ResponsePort      int           `mapstructure:"response_port"`
	BeaconInterval    time.Duration `mapstructure:"beacon_interval"`
	BroadcastInterval time.Duration `mapstructure:"broadcast_interval"`
	MDNSService       string        `mapstructure:"mdns_service"`
	// Targets replaces the LAN broadcast addresses of the beacon.
	Targets []string `mapstructure:"targets"`
}

type Registry struct {
	TTL   time.Duration `mapstructure:"ttl"`
	Sweep time.Duration `mapstructure:"sweep"`
}

type Telemetry struct {
	// OTLPEndpoint empty keeps telemetry in-process (no-op providers).
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	Insecure     bool   `mapstructure:"insecure"`
	ServiceName  string `mapstructure:"service_name"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8787)
	v.SetDefault("log_level", "info")
	v.SetDefault("device_id", "")
	v.SetDefault("device_name", "")
	v.SetDefault("max_members", 8)
	v.SetDefault("read_limit", 32768)

	v.SetDefault("heartbeat_interval", "5s")
	v.SetDefault("heartbeat_timeout", "15s")
	v.SetDefault("heartbeat_sweep", "5s")
	v.SetDefault("join_timeout", "10s")
	v.SetDefault("join_rate_limit", 5)
	v.SetDefault("join_rate_window", "10s")
	v.SetDefault("connect_timeout", "10s")
	v.SetDefault("reconnect_delay", "2s")
	v.SetDefault("max_reconnect_attempts", 3)

	v.SetDefault("discovery.method", "")
	v.SetDefault("discovery.parallel", false)
	v.SetDefault("discovery.expiry", "15s")
	v.SetDefault("discovery.sweep", "1s")
	v.SetDefault("discovery.scan_timeout", "0s")
	v.SetDefault("discovery.query_interval", "1s")
	v.SetDefault("discovery.beacon_port", 41234)
	v.SetDefault("discovery.response_port", 41235)
	v.SetDefault("discovery.beacon_interval", "2s")
	v.SetDefault("discovery.broadcast_interval", "3s")
	v.SetDefault("discovery.mdns_service", "_partysync._tcp.local.")
	v.SetDefault("discovery.targets", []string{})

	v.SetDefault("registry.ttl", "24h")
	v.SetDefault("registry.sweep", "60s")

	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.insecure", true)
	v.SetDefault("telemetry.service_name", "party")
}

// Load reads config/config.<CONFIG_ENV>.yaml (dev when unset); a missing
// file falls back to defaults.
func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

// LoadFile is Load with an explicit file. PARTY_* environment variables
// override both the file and the defaults.
func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("config loaded")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Debug().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).
		Int("max_members", cfg.MaxMembers).Msg("config ready")
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("config: port %d out of range", c.Port))
	}
	if c.MaxMembers < 1 {
		errs = append(errs, errors.New("config: max_members must be at least 1"))
	}
	if c.HeartbeatInterval <= 0 || c.HeartbeatTimeout <= c.HeartbeatInterval {
		errs = append(errs, errors.New("config: heartbeat_timeout must exceed heartbeat_interval"))
	}
	if c.MaxReconnectAttempts < 0 {
		errs = append(errs, errors.New("config: max_reconnect_attempts must not be negative"))
	}
	switch c.Discovery.Method {
	case "", "primary", "fallback", "simulated":
	default:
		errs = append(errs, fmt.Errorf("config: unknown discovery.method %q", c.Discovery.Method))
	}
	for _, p := range []int{c.Discovery.BeaconPort, c.Discovery.ResponsePort} {
		if p <= 0 || p > 65535 {
			errs = append(errs, fmt.Errorf("config: discovery port %d out of range", p))
		}
	}
	return errors.Join(errs...)
}
