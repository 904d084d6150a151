// Package config provides configuration loading for hdds using Viper.
// Configuration is loaded from an optional YAML file with automatic
// environment variable binding.
//
// Environment variables use the HDDS_ prefix and underscore-separated keys
// for nested settings (e.g. HDDS_DIAGAPI_PORT -> diagapi.port), plus the
// five process-wide names bound explicitly:
// - HDDS_DOMAIN_ID -> domain.id (overrides ROS_DOMAIN_ID when both set)
// - HDDS_DISCOVERY_PEERS -> discovery.peers (comma-separated host:port)
// - HDDS_INTERFACE -> discovery.interface
// - HDDS_LOG_LEVEL -> logging.level
// - HDDS_QOS_PROFILE_PATH -> qos_profile_path
package config

import (
	"os"
	"strconv"
	"strings"
)

// ParticipantIDMode specifies how the participant id is determined.
type ParticipantIDMode int

const (
	// ParticipantIDAuto picks the lowest unused participant id for the
	// domain, per the "no-available-participant-id" resource error in
	// once the search space (0..119) is exhausted.
	ParticipantIDAuto ParticipantIDMode = iota
	// ParticipantIDFixed uses a specific, caller-assigned participant id.
	ParticipantIDFixed
)

// ParticipantIDSetting is the participant_id builder field :
// "0-119 or auto".
type ParticipantIDSetting struct {
	Mode ParticipantIDMode
	Value int
}

func (p ParticipantIDSetting) String() string {
	if p.Mode == ParticipantIDAuto {
		return "auto"
	}
	return strconv.Itoa(p.Value)
}

// DomainConfig selects the DDS domain and this process's participant id
// within it (Participant builder).
type DomainConfig struct {
	ID int `yaml:"id" mapstructure:"id"`
	ParticipantID ParticipantIDSetting `yaml:"-" mapstructure:"-"`
	ParticipantRaw string `yaml:"participant_id" mapstructure:"participant_id"`
	SocketBufferSize int `yaml:"socket_buffer_size" mapstructure:"socket_buffer_size"`
}

// DiscoveryConfig controls SPDP/SEDP peer discovery.
type DiscoveryConfig struct {
	// Peers, if non-empty, disables multicast-only discovery in favor of
	// a fixed unicast peer list (HDDS_DISCOVERY_PEERS).
	Peers []string `yaml:"peers" mapstructure:"peers" json:"peers,omitempty"`
	// Interface is the preferred NIC for multicast (HDDS_INTERFACE).
	Interface string `yaml:"interface" mapstructure:"interface" json:"interface,omitempty"`
	// LeaseDuration is the default SPDP participant lease.
	LeaseDuration string `yaml:"lease_duration" mapstructure:"lease_duration" json:"lease_duration"`
	// AnnouncePeriod is the default SPDP announcement interval.
	AnnouncePeriod string `yaml:"announce_period" mapstructure:"announce_period" json:"announce_period"`
	// IgnoredParticipants lists GuidPrefixes (hex) this participant should
	// never match against, per the builder's "ignored participants set".
	IgnoredParticipants []string `yaml:"ignored_participants" mapstructure:"ignored_participants" json:"ignored_participants,omitempty"`
}

// LoggingConfig contains logging settings in the shape internal/logging.Config
// expects, so that package needs no change to serve this module.
type LoggingConfig struct {
	Level string `yaml:"level" mapstructure:"level" json:"level"`
	Structured bool `yaml:"structured" mapstructure:"structured" json:"structured"`
	StructuredFormat string `yaml:"structured_format" mapstructure:"structured_format" json:"structured_format"`
	IncludePID bool `yaml:"include_pid" mapstructure:"include_pid" json:"include_pid"`
	ExtraFields map[string]string `yaml:"extra_fields" mapstructure:"extra_fields" json:"extra_fields,omitempty"`
}

// DiagAPIConfig contains the optional read-only diagnostics HTTP API
// settings.
type DiagAPIConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
	Host string `yaml:"host" mapstructure:"host"`
	Port int `yaml:"port" mapstructure:"port"`
	APIKey string `yaml:"api_key" mapstructure:"api_key"`
}

// DiscoveryAuditConfig points at the audit-trail database: the sqlite
// path. MigrationsPath is loaded but not read by anything: the schema
// migrations are embedded in internal/discoveryaudit.
type DiscoveryAuditConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
	DatabasePath string `yaml:"database_path" mapstructure:"database_path"`
	MigrationsPath string `yaml:"migrations_path" mapstructure:"migrations_path"`
}

// Config is the root configuration structure.
type Config struct {
	Domain DomainConfig `yaml:"domain" mapstructure:"domain"`
	Discovery DiscoveryConfig `yaml:"discovery" mapstructure:"discovery"`
	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`
	DiagAPI DiagAPIConfig `yaml:"diagapi" mapstructure:"diagapi"`
	DiscoveryAudit DiscoveryAuditConfig `yaml:"discovery_audit" mapstructure:"discovery_audit"`
	QoSProfilePath string `yaml:"qos_profile_path" mapstructure:"qos_profile_path"`
}

// ResolveConfigPath determines the config file path from flag or
// HDDS_CONFIG, in flag-then-env resolution order.
func ResolveConfigPath(flagValue string) string {
	if strings.TrimSpace(flagValue) != "" {
		return flagValue
	}
	if v := strings.TrimSpace(os.Getenv("HDDS_CONFIG")); v != "" {
		return v
	}
	return ""
}
