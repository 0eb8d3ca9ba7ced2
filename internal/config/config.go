package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all settings for the api and jobs binaries. Values come from
// environment variables (optionally a local .env loaded by the mains).
type Config struct {
	ListenAddr        string `mapstructure:"KSWIFI_LISTEN_ADDR"`
	DatabaseURL       string `mapstructure:"KSWIFI_DATABASE_URL"`
	JWTSecret         string `mapstructure:"KSWIFI_JWT_SECRET"`
	TransferSharedKey string `mapstructure:"KSWIFI_TRANSFER_SHARED_KEY"`
	AMQPURL           string `mapstructure:"KSWIFI_AMQP_URL"`
	CORSOrigins       []string

	// Quota ledger.
	FreeQuotaMB int64 `mapstructure:"KSWIFI_FREE_QUOTA_MB"`

	// Profile issuer.
	PortalDomain       string `mapstructure:"KSWIFI_PORTAL_DOMAIN"`
	NetworkName        string `mapstructure:"KSWIFI_NETWORK_NAME"`
	CaptiveTokenTTLHrs int    `mapstructure:"KSWIFI_CAPTIVE_TOKEN_TTL_HOURS"`
	SMDPHost           string `mapstructure:"KSWIFI_SMDP_HOST"`
	IssuerPassphrase   string `mapstructure:"KSWIFI_ISSUER_PASSPHRASE"`

	// Sweeps (cron expressions).
	ExpireSweepSchedule  string `mapstructure:"KSWIFI_EXPIRE_SWEEP_SCHEDULE"`
	StalledSweepSchedule string `mapstructure:"KSWIFI_STALLED_SWEEP_SCHEDULE"`
	StalledAfterMinutes  int    `mapstructure:"KSWIFI_STALLED_AFTER_MINUTES"`
}

func Load() (Config, error) {
	viper.SetDefault("KSWIFI_LISTEN_ADDR", ":8080")
	viper.SetDefault("KSWIFI_CORS_ORIGINS", "*")
	viper.SetDefault("KSWIFI_FREE_QUOTA_MB", 5120)
	viper.SetDefault("KSWIFI_PORTAL_DOMAIN", "portal.kswifi.app")
	viper.SetDefault("KSWIFI_NETWORK_NAME", "KSWiFi-Public")
	viper.SetDefault("KSWIFI_CAPTIVE_TOKEN_TTL_HOURS", 24)
	viper.SetDefault("KSWIFI_SMDP_HOST", "smdp.kswifi.app")
	viper.SetDefault("KSWIFI_EXPIRE_SWEEP_SCHEDULE", "* * * * *")
	viper.SetDefault("KSWIFI_STALLED_SWEEP_SCHEDULE", "*/5 * * * *")
	viper.SetDefault("KSWIFI_STALLED_AFTER_MINUTES", 30)
	viper.AutomaticEnv()

	for _, key := range []string{
		"KSWIFI_DATABASE_URL",
		"KSWIFI_JWT_SECRET",
		"KSWIFI_TRANSFER_SHARED_KEY",
		"KSWIFI_AMQP_URL",
		"KSWIFI_ISSUER_PASSPHRASE",
	} {
		_ = viper.BindEnv(key)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	cfg.CORSOrigins = splitCSV(viper.GetString("KSWIFI_CORS_ORIGINS"))

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("KSWIFI_DATABASE_URL is required")
	}
	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("KSWIFI_JWT_SECRET is required")
	}
	if cfg.TransferSharedKey == "" {
		return Config{}, fmt.Errorf("KSWIFI_TRANSFER_SHARED_KEY is required")
	}
	if cfg.FreeQuotaMB <= 0 {
		return Config{}, fmt.Errorf("KSWIFI_FREE_QUOTA_MB must be positive")
	}
	if cfg.StalledAfterMinutes <= 0 {
		return Config{}, fmt.Errorf("KSWIFI_STALLED_AFTER_MINUTES must be positive")
	}
	return cfg, nil
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
