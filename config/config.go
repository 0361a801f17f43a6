// Package config loads the YAML configuration file, keeping operational
// knobs flag-parsed in cmd/bundler/main.go separate from the structured
// builder/payment/limits config loaded here.
package config

import (
	"fmt"
	"math/big"
	"os"

	"gopkg.in/yaml.v3"

	atomictypes "github.com/flashbots/atomic-bundler/types"
)

type Network struct {
	ChainID int64  `yaml:"chain_id"`
	Name    string `yaml:"name"`
}

type Targets struct {
	BlocksAhead  uint64 `yaml:"blocks_ahead"`
	ResubmitMax  uint16 `yaml:"resubmit_max"`
}

type Payment struct {
	Formula      string `yaml:"formula"`
	K1           string `yaml:"k1"` // decimal fixed-point, 18 places
	K2           string `yaml:"k2"` // wei
	Tip          string `yaml:"tip"` // wei
	MaxAmountWei string `yaml:"max_amount_wei"`
}

type Limits struct {
	PerBundleCapWei string `yaml:"per_bundle_cap_wei"`
	DailyCapWei     string `yaml:"daily_cap_wei"`
	MonthlyCapWei   string `yaml:"monthly_cap_wei"`
	MaxInflightPerBuilder int `yaml:"max_inflight_per_builder"`
	MaxQueue        int    `yaml:"max_queue"`

	// EmergencyStopEnabled/EmergencyStopThresholdWei is an alarm threshold
	// on a single payment amount, independent of and tighter than
	// PerBundleCapWei.
	EmergencyStopEnabled      bool   `yaml:"emergency_stop_enabled"`
	EmergencyStopThresholdWei string `yaml:"emergency_stop_threshold_wei"`
}

type BuilderConfig struct {
	Name           string `yaml:"name"`
	RelayURL       string `yaml:"relay_url"`
	PaymentAddress string `yaml:"payment_address"`
	Enabled        bool   `yaml:"enabled"`
}

type Server struct {
	Host                  string `yaml:"host"`
	Port                  string `yaml:"port"`
	RequestTimeoutSeconds int    `yaml:"request_timeout_seconds"`
}

type Database struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json|console
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    string `yaml:"port"`
}

type Tracker struct {
	IntervalSeconds int `yaml:"interval_seconds"`
}

type RPC struct {
	EthURL         string `yaml:"eth_url"`
	SimulationURL  string `yaml:"simulation_url"`
	SimulationMethod string `yaml:"simulation_method"`
}

// Config is the full set of recognized configuration keys: network,
// target-block scheduling, payment formula, spend limits, builders, node
// RPC, plus the ambient server/database/logging/metrics/redis/tracker
// sections.
type Config struct {
	Network  Network         `yaml:"network"`
	Targets  Targets         `yaml:"targets"`
	Payment  Payment         `yaml:"payment"`
	Limits   Limits          `yaml:"limits"`
	Builders []BuilderConfig `yaml:"builders"`
	RPC      RPC             `yaml:"rpc"`

	Server  Server        `yaml:"server"`
	Database Database     `yaml:"database"`
	Logging Logging       `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
	Redis   struct {
		Endpoint              string `yaml:"endpoint"`
		IdempotencyTTLSeconds int    `yaml:"idempotency_ttl_seconds"`
	} `yaml:"redis"`
	Tracker Tracker `yaml:"tracker"`
}

// Load reads and parses the YAML config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, atomictypes.NewError(atomictypes.KindConfigError, "failed to read config file", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, atomictypes.NewError(atomictypes.KindConfigError, "failed to parse config yaml", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Payment.Formula {
	case "flat", "gas", "basefee":
	default:
		return atomictypes.NewError(atomictypes.KindConfigError, fmt.Sprintf("unknown payment.formula %q", c.Payment.Formula), nil)
	}
	if len(c.Builders) == 0 {
		return atomictypes.NewError(atomictypes.KindConfigError, "at least one builder must be configured", nil)
	}
	return nil
}

// ParseWei parses a decimal-string wei amount from config, returning nil
// for an empty string (an unset, optional cap).
func ParseWei(s string) (*big.Int, error) {
	if s == "" {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, atomictypes.NewError(atomictypes.KindConfigError, fmt.Sprintf("invalid wei amount %q", s), nil)
	}
	return v, nil
}

// ParseFixedPoint parses an 18-decimal fixed-point string (e.g. "1.5")
// into its integer fixed-point representation (1500000000000000000).
func ParseFixedPoint(s string) (*big.Int, error) {
	if s == "" {
		return big.NewInt(0), nil
	}
	f, ok := new(big.Float).SetString(s)
	if !ok {
		return nil, atomictypes.NewError(atomictypes.KindConfigError, fmt.Sprintf("invalid fixed-point amount %q", s), nil)
	}
	scale := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
	scaled := new(big.Float).Mul(f, scale)
	result, _ := scaled.Int(nil)
	return result, nil
}
