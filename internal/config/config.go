// Package config provides configuration loading and validation for hdds.
//
// Configuration is loaded with the following priority (highest to lowest):
// 1. Command-line flags (not handled here, see cmd/hddsd/main.go)
// 2. Environment variables (HDDS_* prefix, plus the five fixed names bound
//    in initConfig)
// 3. YAML config file (if specified with --config)
// 4. Hardcoded defaults
//
// All configuration is validated during Load to ensure correctness early.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// initConfig sets up the config loader with defaults, env binding, and config file.
func initConfig(configPath string) (*viper.Viper, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("HDDS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// The fixed, non-nested environment variable names requires.
	_ = v.BindEnv("domain.id", "HDDS_DOMAIN_ID", "ROS_DOMAIN_ID")
	_ = v.BindEnv("discovery.peers", "HDDS_DISCOVERY_PEERS")
	_ = v.BindEnv("discovery.interface", "HDDS_INTERFACE")
	_ = v.BindEnv("logging.level", "HDDS_LOG_LEVEL")
	_ = v.BindEnv("qos_profile_path", "HDDS_QOS_PROFILE_PATH")

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return v, nil
}

// setDefaults configures all default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("domain.id", 0)
	v.SetDefault("domain.participant_id", "auto")
	v.SetDefault("domain.socket_buffer_size", 0)

	v.SetDefault("discovery.peers", []string{})
	v.SetDefault("discovery.interface", "")
	v.SetDefault("discovery.lease_duration", "100s")
	v.SetDefault("discovery.announce_period", "5s")
	v.SetDefault("discovery.ignored_participants", []string{})

	v.SetDefault("logging.level", "INFO")
	v.SetDefault("logging.structured", false)
	v.SetDefault("logging.structured_format", "json")
	v.SetDefault("logging.include_pid", false)
	v.SetDefault("logging.extra_fields", map[string]string{})

	// Diagnostics API defaults to disabled and bound to localhost, a
	// safety-first posture for an API with no auth by default.
	v.SetDefault("diagapi.enabled", false)
	v.SetDefault("diagapi.host", "127.0.0.1")
	v.SetDefault("diagapi.port", 8080)
	v.SetDefault("diagapi.api_key", "")

	v.SetDefault("discovery_audit.enabled", false)
	v.SetDefault("discovery_audit.database_path", "hdds-discovery-audit.db")
	v.SetDefault("discovery_audit.migrations_path", "internal/discoveryaudit/migrations")

	v.SetDefault("qos_profile_path", "")
}

// loadFromSource loads configuration from file and environment.
func loadFromSource(configPath string) (*Config, error) {
	v, err := initConfig(configPath)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}

	loadDomainConfig(v, cfg)
	loadDiscoveryConfig(v, cfg)
	loadLoggingConfig(v, cfg)
	loadDiagAPIConfig(v, cfg)
	loadDiscoveryAuditConfig(v, cfg)
	cfg.QoSProfilePath = v.GetString("qos_profile_path")

	if err := normalizeConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func loadDomainConfig(v *viper.Viper, cfg *Config) {
	cfg.Domain.ID = v.GetInt("domain.id")
	cfg.Domain.SocketBufferSize = v.GetInt("domain.socket_buffer_size")
	cfg.Domain.ParticipantRaw = v.GetString("domain.participant_id")
	cfg.Domain.ParticipantID = parseParticipantID(cfg.Domain.ParticipantRaw)
}

func loadDiscoveryConfig(v *viper.Viper, cfg *Config) {
	cfg.Discovery.Peers = getStringSliceOrSplit(v, "discovery.peers")
	cfg.Discovery.Interface = v.GetString("discovery.interface")
	cfg.Discovery.LeaseDuration = v.GetString("discovery.lease_duration")
	cfg.Discovery.AnnouncePeriod = v.GetString("discovery.announce_period")
	cfg.Discovery.IgnoredParticipants = getStringSliceOrSplit(v, "discovery.ignored_participants")
}

func loadLoggingConfig(v *viper.Viper, cfg *Config) {
	cfg.Logging.Level = strings.ToUpper(v.GetString("logging.level"))
	cfg.Logging.Structured = v.GetBool("logging.structured")
	cfg.Logging.StructuredFormat = v.GetString("logging.structured_format")
	cfg.Logging.IncludePID = v.GetBool("logging.include_pid")
	cfg.Logging.ExtraFields = v.GetStringMapString("logging.extra_fields")
}

func loadDiagAPIConfig(v *viper.Viper, cfg *Config) {
	cfg.DiagAPI.Enabled = v.GetBool("diagapi.enabled")
	cfg.DiagAPI.Host = v.GetString("diagapi.host")
	cfg.DiagAPI.Port = v.GetInt("diagapi.port")
	cfg.DiagAPI.APIKey = v.GetString("diagapi.api_key")
}

func loadDiscoveryAuditConfig(v *viper.Viper, cfg *Config) {
	cfg.DiscoveryAudit.Enabled = v.GetBool("discovery_audit.enabled")
	cfg.DiscoveryAudit.DatabasePath = v.GetString("discovery_audit.database_path")
	cfg.DiscoveryAudit.MigrationsPath = v.GetString("discovery_audit.migrations_path")
}

// parseParticipantID converts the participant_id string to a
// ParticipantIDSetting; anything that doesn't parse as a non-negative
// integer falls back to auto-assignment.
func parseParticipantID(raw string) ParticipantIDSetting {
	raw = strings.TrimSpace(strings.ToLower(raw))
	if raw == "" || raw == "auto" {
		return ParticipantIDSetting{Mode: ParticipantIDAuto}
	}
	if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
		return ParticipantIDSetting{Mode: ParticipantIDFixed, Value: n}
	}
	return ParticipantIDSetting{Mode: ParticipantIDAuto}
}

// getStringSliceOrSplit handles both slice and comma-separated string values.
func getStringSliceOrSplit(v *viper.Viper, key string) []string {
	if slice := v.GetStringSlice(key); len(slice) > 0 {
		result := make([]string, 0, len(slice))
		for _, s := range slice {
			s = strings.TrimSpace(s)
			if s != "" {
				result = append(result, s)
			}
		}
		return result
	}
	if s := v.GetString(key); s != "" {
		parts := strings.Split(s, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				result = append(result, p)
			}
		}
		return result
	}
	return nil
}

// normalizeConfig validates and normalizes the configuration, failing
// loud on any out-of-range value rather than clamping silently.
func normalizeConfig(cfg *Config) error {
	if cfg.Domain.ID < 0 || cfg.Domain.ID > 232 {
		return errors.New("domain.id must be 0..232")
	}
	if cfg.Domain.ParticipantID.Mode == ParticipantIDFixed {
		if cfg.Domain.ParticipantID.Value < 0 || cfg.Domain.ParticipantID.Value > 119 {
			return errors.New("domain.participant_id must be 0..119 or \"auto\"")
		}
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "INFO"
	}
	if cfg.Logging.StructuredFormat == "" {
		cfg.Logging.StructuredFormat = "json"
	}
	if cfg.Logging.ExtraFields == nil {
		cfg.Logging.ExtraFields = map[string]string{}
	}

	if cfg.Discovery.LeaseDuration == "" {
		cfg.Discovery.LeaseDuration = "100s"
	}
	if cfg.Discovery.AnnouncePeriod == "" {
		cfg.Discovery.AnnouncePeriod = "5s"
	}

	if cfg.DiagAPI.Host == "" {
		cfg.DiagAPI.Host = "127.0.0.1"
	}
	if cfg.DiagAPI.Enabled {
		if cfg.DiagAPI.Port <= 0 || cfg.DiagAPI.Port > 65535 {
			return errors.New("diagapi.port must be 1..65535")
		}
	}

	return nil
}

// Load loads configuration from a YAML file with environment variable
// overrides. This is the main entry point for loading configuration.
func Load(path string) (*Config, error) {
	return loadFromSource(path)
}
