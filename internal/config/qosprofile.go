package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hdds-team/hdds/internal/qos"
)

// QoSProfile is the YAML-decoded shape of one named profile in a QoS
// profile file (HDDS_QOS_PROFILE_PATH / qos_profile_path); ToPolicy
// converts it into the qos.Policy the writer/reader engines consume.
// Durations use time.ParseDuration syntax ("500ms", "5s").
type QoSProfile struct {
	Reliability string `yaml:"reliability"`
	Durability string `yaml:"durability"`
	History string `yaml:"history"`
	HistoryDepth int `yaml:"history_depth"`
	Deadline string `yaml:"deadline"`
	Liveliness string `yaml:"liveliness"`
	LeaseDuration string `yaml:"lease_duration"`
	Ownership string `yaml:"ownership"`
	OwnershipStrength int32 `yaml:"ownership_strength"`
	Lifespan string `yaml:"lifespan"`
	Partitions []string `yaml:"partitions"`
	MaxSamples int `yaml:"max_samples"`
	MaxInstances int `yaml:"max_instances"`
	MaxSamplesPerInstance int `yaml:"max_samples_per_instance"`
	TimeBasedFilterMinSeparation string `yaml:"time_based_filter_min_separation"`
	MaxBlockingTime string `yaml:"max_blocking_time"`
}

// LoadQoSProfiles parses a named-profile QoS file into qos.Policy values
// keyed by profile name. An empty path is not an error: it means no
// profile file was configured, and callers fall back to qos.New()'s
// defaults per topic.
func LoadQoSProfiles(path string) (map[string]qos.Policy, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("qos profile: read %s: %w", path, err)
	}
	var profiles map[string]QoSProfile
	if err := yaml.Unmarshal(raw, &profiles); err != nil {
		return nil, fmt.Errorf("qos profile: parse %s: %w", path, err)
	}
	out := make(map[string]qos.Policy, len(profiles))
	for name, p := range profiles {
		policy, err := p.toPolicy()
		if err != nil {
			return nil, fmt.Errorf("qos profile %q: %w", name, err)
		}
		out[name] = policy
	}
	return out, nil
}

func (p QoSProfile) toPolicy() (qos.Policy, error) {
	var opts []qos.Option

	reliability, err := parseReliability(p.Reliability)
	if err != nil {
		return qos.Policy{}, err
	}
	opts = append(opts, qos.WithReliability(reliability))

	durability, err := parseDurability(p.Durability)
	if err != nil {
		return qos.Policy{}, err
	}
	opts = append(opts, qos.WithDurability(durability))

	switch strings.ToLower(p.History) {
	case "", "keep_last":
		depth := p.HistoryDepth
		if depth <= 0 {
			depth = 1
		}
		opts = append(opts, qos.WithKeepLast(depth))
	case "keep_all":
		opts = append(opts, qos.WithKeepAll())
	default:
		return qos.Policy{}, fmt.Errorf("unknown history kind %q", p.History)
	}

	deadline, err := time.ParseDuration(nonEmptyOrZero(p.Deadline))
	if err != nil {
		return qos.Policy{}, fmt.Errorf("deadline: %w", err)
	}
	if deadline > 0 {
		opts = append(opts, qos.WithDeadline(deadline))
	}

	liveliness, err := parseLiveliness(p.Liveliness)
	if err != nil {
		return qos.Policy{}, err
	}
	lease, err := time.ParseDuration(nonEmptyOrZero(p.LeaseDuration))
	if err != nil {
		return qos.Policy{}, fmt.Errorf("lease_duration: %w", err)
	}
	if liveliness != qos.Automatic || lease > 0 {
		opts = append(opts, qos.WithLiveliness(liveliness, lease))
	}

	ownership, err := parseOwnership(p.Ownership)
	if err != nil {
		return qos.Policy{}, err
	}
	opts = append(opts, qos.WithOwnership(ownership, p.OwnershipStrength))

	lifespan, err := time.ParseDuration(nonEmptyOrZero(p.Lifespan))
	if err != nil {
		return qos.Policy{}, fmt.Errorf("lifespan: %w", err)
	}
	if lifespan > 0 {
		opts = append(opts, qos.WithLifespan(lifespan))
	}

	if len(p.Partitions) > 0 {
		opts = append(opts, qos.WithPartitions(p.Partitions...))
	}

	if p.MaxSamples > 0 || p.MaxInstances > 0 || p.MaxSamplesPerInstance > 0 {
		opts = append(opts, qos.WithResourceLimits(p.MaxSamples, p.MaxInstances, p.MaxSamplesPerInstance))
	}

	minSeparation, err := time.ParseDuration(nonEmptyOrZero(p.TimeBasedFilterMinSeparation))
	if err != nil {
		return qos.Policy{}, fmt.Errorf("time_based_filter_min_separation: %w", err)
	}
	if minSeparation > 0 {
		opts = append(opts, qos.WithTimeBasedFilter(minSeparation))
	}

	maxBlocking, err := time.ParseDuration(nonEmptyOrZero(p.MaxBlockingTime))
	if err != nil {
		return qos.Policy{}, fmt.Errorf("max_blocking_time: %w", err)
	}
	if maxBlocking > 0 {
		opts = append(opts, qos.WithMaxBlockingTime(maxBlocking))
	}

	policy := qos.New(opts...)
	return policy, policy.Validate()
}

// nonEmptyOrZero lets time.ParseDuration("0") stand in for "field omitted"
// so every optional duration field above can share one parse call.
func nonEmptyOrZero(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return "0"
	}
	return raw
}

func parseReliability(raw string) (qos.ReliabilityKind, error) {
	switch strings.ToLower(raw) {
	case "", "best_effort":
		return qos.BestEffort, nil
	case "reliable":
		return qos.Reliable, nil
	default:
		return 0, fmt.Errorf("unknown reliability %q", raw)
	}
}

func parseDurability(raw string) (qos.DurabilityKind, error) {
	switch strings.ToLower(raw) {
	case "", "volatile":
		return qos.Volatile, nil
	case "transient_local":
		return qos.TransientLocal, nil
	case "transient":
		return qos.Transient, nil
	case "persistent":
		return qos.Persistent, nil
	default:
		return 0, fmt.Errorf("unknown durability %q", raw)
	}
}

func parseLiveliness(raw string) (qos.LivelinessKind, error) {
	switch strings.ToLower(raw) {
	case "", "automatic":
		return qos.Automatic, nil
	case "manual_by_participant":
		return qos.ManualByParticipant, nil
	case "manual_by_topic":
		return qos.ManualByTopic, nil
	default:
		return 0, fmt.Errorf("unknown liveliness kind %q", raw)
	}
}

func parseOwnership(raw string) (qos.OwnershipKind, error) {
	switch strings.ToLower(raw) {
	case "", "shared":
		return qos.Shared, nil
	case "exclusive":
		return qos.Exclusive, nil
	default:
		return 0, fmt.Errorf("unknown ownership kind %q", raw)
	}
}
