// Package diagapi exposes a read-only REST diagnostics surface over a
// running Participant: health, runtime stats, discovery-graph snapshots,
// and writer/reader history inspection. It never mutates protocol
// state — every handler is a GET reading through the accessors in
// internal/participant.
//
// Uses a gin.Engine + http.Server wrapper, an optional X-API-Key
// middleware, and a Swagger UI mount, exposing DDS discovery and
// history inspection over HTTP.
package diagapi

import "time"

// ErrorResponse is the JSON body returned for non-2xx responses.
type ErrorResponse struct {
	Error string `json:"error"`
}

// StatusResponse is the JSON body returned by /health.
type StatusResponse struct {
	Status string `json:"status"`
}

// MemoryStats reports host (system-wide) memory usage.
type MemoryStats struct {
	TotalMB     float64 `json:"total_mb"`
	FreeMB      float64 `json:"free_mb"`
	UsedMB      float64 `json:"used_mb"`
	UsedPercent float64 `json:"used_percent"`
}

// CPUStats reports host (system-wide) CPU usage.
type CPUStats struct {
	NumCPU      int     `json:"num_cpu"`
	UsedPercent float64 `json:"used_percent"`
	IdlePercent float64 `json:"idle_percent"`
}

// StatsResponse is the top-level /stats payload.
type StatsResponse struct {
	Uptime        string      `json:"uptime"`
	UptimeSeconds int64       `json:"uptime_seconds"`
	StartTime     time.Time   `json:"start_time"`
	CPU           CPUStats    `json:"cpu"`
	Memory        MemoryStats `json:"memory"`
	DomainID      int         `json:"domain_id"`
	ParticipantID string      `json:"participant_guid_prefix"`
	WriterCount   int         `json:"writer_count"`
	ReaderCount   int         `json:"reader_count"`
	PeersKnown    int         `json:"peers_known"`
	AnnounceCount int         `json:"spdp_announce_count"`
	LastAnnounce  time.Time   `json:"spdp_last_announce"`
}

// ParticipantInfo is one row of GET /discovery/participants.
type ParticipantInfo struct {
	GuidPrefix    string   `json:"guid_prefix"`
	Vendor        string   `json:"vendor"`
	LeaseSeconds  float64  `json:"lease_seconds"`
	UnicastLocators []string `json:"unicast_locators"`
}

// EndpointInfo is one row of GET /discovery/endpoints.
type EndpointInfo struct {
	Kind         string   `json:"kind"` // "publication" or "subscription"
	EndpointGUID string   `json:"endpoint_guid"`
	Topic        string   `json:"topic"`
	Type         string   `json:"type"`
	Reliability  string   `json:"reliability"`
	Durability   string   `json:"durability"`
	Partitions   []string `json:"partitions,omitempty"`
}

// QoSProfileInfo is one row of GET /qos-profiles.
type QoSProfileInfo struct {
	Name         string   `json:"name"`
	Reliability  string   `json:"reliability"`
	Durability   string   `json:"durability"`
	HistoryDepth int      `json:"history_depth"`
	Partitions   []string `json:"partitions,omitempty"`
}

// HistorySample is one row of GET /writers/:guid/history.
type HistorySample struct {
	SequenceNumber  int64     `json:"sequence_number"`
	Kind            string    `json:"kind"`
	PayloadBytes    int       `json:"payload_bytes"`
	SourceTimestamp time.Time `json:"source_timestamp"`
}

// AuditEvent is one row of GET /discovery/audit.
type AuditEvent struct {
	ID         int64     `json:"id"`
	EventType  string    `json:"event_type"`
	GUID       string    `json:"guid"`
	Detail     string    `json:"detail,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}
