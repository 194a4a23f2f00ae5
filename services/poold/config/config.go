package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Config captures the runtime settings for the pool service daemon.
type Config struct {
	ListenAddress string         `yaml:"listen"`
	Environment   string         `yaml:"environment"`
	LogLevel      string         `yaml:"log_level"`
	MarketConfig  string         `yaml:"market_config"`
	DataDir       string         `yaml:"data_dir"`
	NativeAsset   string         `yaml:"native_asset"`
	TLS           TLSConfig      `yaml:"tls"`
	Auth          AuthConfig     `yaml:"auth"`
	Roles         RolesConfig    `yaml:"roles"`
	Oracle        OracleConfig   `yaml:"oracle"`
	Audit         AuditConfig    `yaml:"audit"`
	RateLimit     RateLimitConfig `yaml:"rate_limit"`
	Telemetry     TelemetryConfig `yaml:"telemetry"`
}

// TLSConfig describes the TLS material for the HTTP server.
type TLSConfig struct {
	CertPath      string `yaml:"cert"`
	KeyPath       string `yaml:"key"`
	AllowInsecure bool   `yaml:"allow_insecure"`
}

// AuthConfig controls how callers authenticate. JWT subjects carry the
// caller's market address; api_tokens are for internal tooling.
type AuthConfig struct {
	JWTSecret string   `yaml:"jwt_secret"`
	Issuer    string   `yaml:"issuer"`
	Audience  string   `yaml:"audience"`
	APITokens []string `yaml:"api_tokens"`
}

// RolesConfig seeds the in-process role registry at boot.
type RolesConfig struct {
	DefaultAdmin       string   `yaml:"default_admin"`
	PoolAdmins         []string `yaml:"pool_admins"`
	AssetListingAdmins []string `yaml:"asset_listing_admins"`
	RiskAdmins         []string `yaml:"risk_admins"`
	EmergencyAdmins    []string `yaml:"emergency_admins"`
}

// OracleConfig sets the feed tolerances and initial feeder set.
type OracleConfig struct {
	MaxDeviationBps  uint64   `yaml:"max_deviation_bps"`
	ExpirationPeriod uint64   `yaml:"expiration_period"`
	Feeders          []string `yaml:"feeders"`
}

// AuditConfig points the action audit trail at a SQL backend.
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	Driver  string `yaml:"driver"`
	DSN     string `yaml:"dsn"`
}

// RateLimitConfig bounds inbound request rates per client.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// TelemetryConfig toggles the OTLP exporters.
type TelemetryConfig struct {
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`
	Metrics  bool   `yaml:"metrics"`
	Traces   bool   `yaml:"traces"`
}

// Load reads the YAML configuration from disk and validates the result.
func Load(path string) (Config, error) {
	cfg := defaults()
	if path == "" {
		return cfg, fmt.Errorf("config path required")
	}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func defaults() Config {
	return Config{
		ListenAddress: ":8660",
		LogLevel:      "info",
		DataDir:       "poold-data",
		Oracle: OracleConfig{
			MaxDeviationBps:  2_000,
			ExpirationPeriod: 1_800,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 50,
			Burst:             100,
		},
		Audit: AuditConfig{Driver: "sqlite"},
	}
}

func (cfg *Config) normalize() {
	if cfg == nil {
		return
	}
	cfg.ListenAddress = strings.TrimSpace(cfg.ListenAddress)
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8660"
	}
	cfg.Environment = strings.TrimSpace(cfg.Environment)
	cfg.LogLevel = strings.TrimSpace(cfg.LogLevel)
	cfg.MarketConfig = strings.TrimSpace(cfg.MarketConfig)
	cfg.DataDir = strings.TrimSpace(cfg.DataDir)
	if cfg.DataDir == "" {
		cfg.DataDir = "poold-data"
	}
	cfg.NativeAsset = strings.TrimSpace(cfg.NativeAsset)
	cfg.TLS.normalize()
	cfg.Auth.normalize()
	cfg.Roles.normalize()
	cfg.Oracle.normalize()
	cfg.Audit.normalize()
	if cfg.RateLimit.RequestsPerSecond <= 0 {
		cfg.RateLimit.RequestsPerSecond = 50
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 100
	}
}

func (cfg *Config) validate() error {
	if cfg == nil {
		return fmt.Errorf("configuration is missing")
	}
	if err := cfg.TLS.validate(); err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	if err := cfg.Auth.validate(); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if err := cfg.Roles.validate(); err != nil {
		return fmt.Errorf("roles: %w", err)
	}
	if err := cfg.Oracle.validate(); err != nil {
		return fmt.Errorf("oracle: %w", err)
	}
	if err := cfg.Audit.validate(); err != nil {
		return fmt.Errorf("audit: %w", err)
	}
	if cfg.NativeAsset != "" && !common.IsHexAddress(cfg.NativeAsset) {
		return fmt.Errorf("native_asset: %q is not a hex address", cfg.NativeAsset)
	}
	return nil
}

func (cfg *TLSConfig) normalize() {
	if cfg == nil {
		return
	}
	cfg.CertPath = strings.TrimSpace(cfg.CertPath)
	cfg.KeyPath = strings.TrimSpace(cfg.KeyPath)
}

func (cfg TLSConfig) validate() error {
	hasCert := cfg.CertPath != ""
	hasKey := cfg.KeyPath != ""
	if hasCert != hasKey {
		return fmt.Errorf("cert and key must either both be provided or both be empty")
	}
	if !cfg.AllowInsecure && !hasCert {
		return fmt.Errorf("cert and key are required unless allow_insecure=true")
	}
	return nil
}

func (cfg *AuthConfig) normalize() {
	if cfg == nil {
		return
	}
	cfg.JWTSecret = strings.TrimSpace(cfg.JWTSecret)
	cfg.Issuer = strings.TrimSpace(cfg.Issuer)
	cfg.Audience = strings.TrimSpace(cfg.Audience)
	tokens := make([]string, 0, len(cfg.APITokens))
	for _, token := range cfg.APITokens {
		if trimmed := strings.TrimSpace(token); trimmed != "" {
			tokens = append(tokens, trimmed)
		}
	}
	cfg.APITokens = tokens
}

func (cfg AuthConfig) validate() error {
	if cfg.JWTSecret == "" && len(cfg.APITokens) == 0 {
		return fmt.Errorf("a jwt secret or at least one api token must be configured")
	}
	return nil
}

func (cfg *RolesConfig) normalize() {
	if cfg == nil {
		return
	}
	cfg.DefaultAdmin = strings.TrimSpace(cfg.DefaultAdmin)
	cfg.PoolAdmins = trimAddresses(cfg.PoolAdmins)
	cfg.AssetListingAdmins = trimAddresses(cfg.AssetListingAdmins)
	cfg.RiskAdmins = trimAddresses(cfg.RiskAdmins)
	cfg.EmergencyAdmins = trimAddresses(cfg.EmergencyAdmins)
}

func (cfg RolesConfig) validate() error {
	if cfg.DefaultAdmin == "" {
		return fmt.Errorf("default_admin is required")
	}
	if !common.IsHexAddress(cfg.DefaultAdmin) {
		return fmt.Errorf("default_admin %q is not a hex address", cfg.DefaultAdmin)
	}
	for _, group := range [][]string{cfg.PoolAdmins, cfg.AssetListingAdmins, cfg.RiskAdmins, cfg.EmergencyAdmins} {
		for _, addr := range group {
			if !common.IsHexAddress(addr) {
				return fmt.Errorf("%q is not a hex address", addr)
			}
		}
	}
	return nil
}

func (cfg *OracleConfig) normalize() {
	if cfg == nil {
		return
	}
	cfg.Feeders = trimAddresses(cfg.Feeders)
}

func (cfg OracleConfig) validate() error {
	if cfg.MaxDeviationBps > 10_000 {
		return fmt.Errorf("max_deviation_bps must not exceed 10000")
	}
	for _, addr := range cfg.Feeders {
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("feeder %q is not a hex address", addr)
		}
	}
	return nil
}

func (cfg *AuditConfig) normalize() {
	if cfg == nil {
		return
	}
	cfg.Driver = strings.ToLower(strings.TrimSpace(cfg.Driver))
	if cfg.Driver == "" {
		cfg.Driver = "sqlite"
	}
	cfg.DSN = strings.TrimSpace(cfg.DSN)
}

func (cfg AuditConfig) validate() error {
	if !cfg.Enabled {
		return nil
	}
	switch cfg.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("driver must be sqlite or postgres, got %q", cfg.Driver)
	}
	if cfg.DSN == "" {
		return fmt.Errorf("dsn is required when the audit trail is enabled")
	}
	return nil
}

func trimAddresses(in []string) []string {
	out := make([]string, 0, len(in))
	for _, addr := range in {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// Addresses converts a validated hex list into addresses.
func Addresses(in []string) []common.Address {
	out := make([]common.Address, 0, len(in))
	for _, addr := range in {
		out = append(out, common.HexToAddress(addr))
	}
	return out
}
