// Package config reads the coordinator's configuration. Environment
// variables are the primary source; an optional YAML file can overlay
// defaults before the environment is applied.
package config

import (
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"
)

// Config is the full coordinator configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Mesh    MeshConfig    `yaml:"mesh"`
	Portal  PortalConfig  `yaml:"portal"`
	Economy EconomyConfig `yaml:"economy"`
	Tunnel  TunnelConfig  `yaml:"tunnel"`
	Power   PowerConfig   `yaml:"power"`
	Storage StorageConfig `yaml:"storage"`
}

type ServerConfig struct {
	Port          string `yaml:"port"`
	Env           string `yaml:"env"`
	CoordinatorID string `yaml:"coordinator_id"`
	KeySeed       string `yaml:"key_seed"`
	SelfURL       string `yaml:"self_url"`
}

type MeshConfig struct {
	AuthToken       string   `yaml:"auth_token"`
	RateLimitPer10s int      `yaml:"rate_limit_per_10s"`
	BootstrapPeers  []string `yaml:"bootstrap_peers"`
	PeerRegistryURL string   `yaml:"peer_registry_url"`
	PeerCachePath   string   `yaml:"peer_cache_path"`
}

type PortalConfig struct {
	ServiceURL   string `yaml:"service_url"`
	ServiceToken string `yaml:"service_token"`
}

type EconomyConfig struct {
	PaymentProviderURL       string  `yaml:"payment_provider_url"`
	CoordinatorFeeBps        int64   `yaml:"coordinator_fee_bps"`
	PaymentIntentTTLMs       int64   `yaml:"payment_intent_ttl_ms"`
	IssuanceWindowMs         int64   `yaml:"issuance_window_ms"`
	IssuanceRecalcMs         int64   `yaml:"issuance_recalc_ms"`
	AnchorIntervalMs         int64   `yaml:"anchor_interval_ms"`
	AnchorExternalRef        string  `yaml:"anchor_external_ref"`
	ContributionBurstCredits float64 `yaml:"contribution_burst_credits"`
	MinContributionRatio     float64 `yaml:"min_contribution_ratio"`
}

type TunnelConfig struct {
	IdleTTLMs       int64 `yaml:"idle_ttl_ms"`
	MaxRelaysPerMin int   `yaml:"max_relays_per_min"`
}

type PowerConfig struct {
	IOSBatteryStopLevelPct float64 `yaml:"ios_battery_stop_level_pct"`
}

type StorageConfig struct {
	DatabaseURL   string `yaml:"database_url"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: "8090",
			Env:  "development",
		},
		Mesh: MeshConfig{
			RateLimitPer10s: 50,
			PeerCachePath:   "data/peer_cache.json",
		},
		Economy: EconomyConfig{
			CoordinatorFeeBps:        150,
			PaymentIntentTTLMs:       900_000,
			IssuanceWindowMs:         86_400_000,
			IssuanceRecalcMs:         3_600_000,
			AnchorIntervalMs:         7_200_000,
			ContributionBurstCredits: 50,
			MinContributionRatio:     0.1,
		},
		Tunnel: TunnelConfig{
			IdleTTLMs:       300_000,
			MaxRelaysPerMin: 120,
		},
		Power: PowerConfig{
			IOSBatteryStopLevelPct: 20,
		},
	}
}

// Load builds the effective config: defaults, then the optional YAML
// file at path (skipped when empty or missing), then the environment.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, err
			}
		} else {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
				return cfg, err
			}
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.Server.Port, "PORT")
	setString(&c.Server.Env, "ENV")
	setString(&c.Server.CoordinatorID, "COORDINATOR_ID")
	setString(&c.Server.KeySeed, "COORDINATOR_KEY_SEED")
	setString(&c.Server.SelfURL, "SELF_URL")

	setString(&c.Mesh.AuthToken, "MESH_AUTH_TOKEN")
	setInt(&c.Mesh.RateLimitPer10s, "MESH_RATE_LIMIT_PER_10S")
	setString(&c.Mesh.PeerRegistryURL, "PEER_REGISTRY_URL")
	setString(&c.Mesh.PeerCachePath, "PEER_CACHE_PATH")
	if raw := os.Getenv("BOOTSTRAP_PEERS"); raw != "" {
		c.Mesh.BootstrapPeers = c.Mesh.BootstrapPeers[:0]
		for _, url := range strings.Split(raw, ",") {
			if url = strings.TrimSpace(url); url != "" {
				c.Mesh.BootstrapPeers = append(c.Mesh.BootstrapPeers, url)
			}
		}
	}

	setString(&c.Portal.ServiceURL, "PORTAL_SERVICE_URL")
	setString(&c.Portal.ServiceToken, "PORTAL_SERVICE_TOKEN")

	setString(&c.Economy.PaymentProviderURL, "PAYMENT_PROVIDER_URL")
	setInt64(&c.Economy.CoordinatorFeeBps, "COORDINATOR_FEE_BPS")
	setInt64(&c.Economy.PaymentIntentTTLMs, "PAYMENT_INTENT_TTL_MS")
	setInt64(&c.Economy.IssuanceWindowMs, "ISSUANCE_WINDOW_MS")
	setInt64(&c.Economy.IssuanceRecalcMs, "ISSUANCE_RECALC_MS")
	setInt64(&c.Economy.AnchorIntervalMs, "ANCHOR_INTERVAL_MS")
	setString(&c.Economy.AnchorExternalRef, "ANCHOR_EXTERNAL_REF")
	setFloat(&c.Economy.ContributionBurstCredits, "CONTRIBUTION_BURST_CREDITS")
	setFloat(&c.Economy.MinContributionRatio, "MIN_CONTRIBUTION_RATIO")

	setInt64(&c.Tunnel.IdleTTLMs, "TUNNEL_IDLE_TTL_MS")
	setInt(&c.Tunnel.MaxRelaysPerMin, "TUNNEL_MAX_RELAYS_PER_MIN")

	setFloat(&c.Power.IOSBatteryStopLevelPct, "IOS_BATTERY_TASK_STOP_LEVEL_PCT")

	setString(&c.Storage.DatabaseURL, "DATABASE_URL")
	setString(&c.Storage.RedisAddr, "REDIS_ADDR")
	setString(&c.Storage.RedisPassword, "REDIS_PASSWORD")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}
