package infra

import (
	"os"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"github.com/stellar/go-stellar-sdk/network"
	"gopkg.in/yaml.v2"
)

const (
	NetworkTestnet = "testnet"
	NetworkPublic  = "public"

	EnvPrefix = "MICRODONATE"

	DefaultRequestTimeout = 15 * time.Second
	DefaultListen         = ":8080"
)

type Config struct {
	// Network
	HorizonURL     string        `yaml:"horizonURL" mapstructure:"horizon_url"`         // Horizon endpoint
	Network        string        `yaml:"network" mapstructure:"network"`                // testnet or public
	RequestTimeout time.Duration `yaml:"requestTimeout" mapstructure:"request_timeout"` // per HTTP request to Horizon
	PollInterval   time.Duration `yaml:"pollInterval" mapstructure:"poll_interval"`     // confirmation polling

	// Contract
	ContractID     string `yaml:"contractID" mapstructure:"contract_id"`         // C... strkey
	TimeoutSeconds int64  `yaml:"timeoutSeconds" mapstructure:"timeout_seconds"` // envelope validity window

	// Client identity
	SecretKey string `yaml:"secretKey" mapstructure:"secret_key"` // S... seed of the operator account

	Listen     string `yaml:"listen" mapstructure:"listen"`          // HTTP API address
	HistoryDSN string `yaml:"historyDSN" mapstructure:"history_dsn"` // sqlite file, empty disables history
	LogLevel   string `yaml:"logLevel" mapstructure:"log_level"`
}

// configKeys lists every key that can be overridden from the environment.
var configKeys = []string{
	"horizon_url",
	"network",
	"request_timeout",
	"poll_interval",
	"contract_id",
	"timeout_seconds",
	"secret_key",
	"listen",
	"history_dsn",
	"log_level",
}

func DefaultConfig() Config {
	return Config{
		Network:        NetworkTestnet,
		RequestTimeout: DefaultRequestTimeout,
		PollInterval:   DefaultPollInterval,
		TimeoutSeconds: DefaultTimeoutSeconds,
		Listen:         DefaultListen,
	}
}

// LoadConfigFile reads f on top of the current values of config.
func LoadConfigFile(config *Config, f string) error {
	raw, err := os.ReadFile(f)
	if err != nil {
		return errors.Wrapf(err, "error loading %s", f)
	}
	err = yaml.Unmarshal(raw, config)
	if err != nil {
		return errors.Wrapf(err, "error unmarshal %s", f)
	}
	return nil
}

// OverrideFromEnv applies MICRODONATE_* variables, e.g.
// MICRODONATE_SECRET_KEY or MICRODONATE_POLL_INTERVAL=5s.
func (c *Config) OverrideFromEnv() error {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	current := map[string]interface{}{}
	if err := mapstructure.Decode(c, &current); err != nil {
		return errors.Wrap(err, "error reading current config")
	}
	for _, key := range configKeys {
		if err := v.BindEnv(key); err != nil {
			return errors.Wrapf(err, "error binding %s", key)
		}
		v.SetDefault(key, current[key])
	}

	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
	))
	if err := v.Unmarshal(c, hook); err != nil {
		return errors.Wrap(err, "error unmarshal environment")
	}
	return nil
}

// LoadConfig builds the effective configuration: defaults, then the file (if
// any), then the environment.
func LoadConfig(f string) (*Config, error) {
	c := DefaultConfig()
	if f != "" {
		if err := LoadConfigFile(&c, f); err != nil {
			return nil, err
		}
	}
	if err := c.OverrideFromEnv(); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Passphrase returns the network passphrase envelopes are signed for.
func (c Config) Passphrase() string {
	if c.Network == NetworkPublic {
		return network.PublicNetworkPassphrase
	}
	return network.TestNetworkPassphrase
}

func (c Config) Validate() error {
	switch c.Network {
	case NetworkTestnet, NetworkPublic:
	default:
		return errors.Errorf("unknown network %q, want %s or %s", c.Network, NetworkTestnet, NetworkPublic)
	}
	if c.HorizonURL == "" {
		return errors.New("horizonURL is required")
	}
	if c.ContractID == "" {
		return errors.New("contractID is required")
	}
	if c.SecretKey == "" {
		return errors.New("secretKey is required")
	}
	if c.TimeoutSeconds <= 0 {
		return errors.Errorf("timeoutSeconds %d is not a positive number", c.TimeoutSeconds)
	}
	if c.RequestTimeout <= 0 {
		return errors.Errorf("requestTimeout %s is not positive", c.RequestTimeout)
	}
	if c.PollInterval <= 0 {
		return errors.Errorf("pollInterval %s is not positive", c.PollInterval)
	}
	return nil
}
