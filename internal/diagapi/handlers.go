package diagapi

import (
	"encoding/hex"
	"log/slog"
	"net/http"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/hdds-team/hdds/internal/discoveryaudit"
	"github.com/hdds-team/hdds/internal/history"
	"github.com/hdds-team/hdds/internal/participant"
	"github.com/hdds-team/hdds/internal/qos"
)

// Handler contains dependencies for diagnostics API endpoints.
//
// A small struct of runtime dependencies set once at construction, plus
// a start time for uptime reporting.
type Handler struct {
	p          *participant.Participant
	audit      *discoveryaudit.DB
	qosProfiles map[string]qos.Policy
	logger     *slog.Logger
	startTime  time.Time

	mu sync.RWMutex
}

// NewHandler creates a Handler bound to a running participant. audit may
// be nil if the discovery audit trail is disabled; qosProfiles may be nil
// if no QoS profile file was configured.
func NewHandler(p *participant.Participant, audit *discoveryaudit.DB, qosProfiles map[string]qos.Policy, logger *slog.Logger) *Handler {
	return &Handler{p: p, audit: audit, qosProfiles: qosProfiles, logger: logger, startTime: time.Now()}
}

// Health godoc
// @Summary Health check
// @Description Returns whether the participant is responding
// @Tags system
// @Produce json
// @Success 200 {object} StatusResponse
// @Router /health [get]
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, StatusResponse{Status: "ok"})
}

// Stats godoc
// @Summary Participant statistics
// @Description Returns CPU/memory usage and discovery-graph counters
// @Tags system
// @Produce json
// @Success 200 {object} StatsResponse
// @Security ApiKeyAuth
// @Router /stats [get]
func (h *Handler) Stats(c *gin.Context) {
	uptime := time.Since(h.startTime)

	memStats := MemoryStats{}
	if vm, err := mem.VirtualMemory(); err == nil {
		memStats.TotalMB = float64(vm.Total) / 1024 / 1024
		memStats.FreeMB = float64(vm.Available) / 1024 / 1024
		memStats.UsedMB = float64(vm.Used) / 1024 / 1024
		memStats.UsedPercent = vm.UsedPercent
	}

	cpuStats := CPUStats{NumCPU: runtime.NumCPU()}
	if pct, err := cpu.Percent(200*time.Millisecond, false); err == nil && len(pct) > 0 {
		cpuStats.UsedPercent = pct[0]
		cpuStats.IdlePercent = 100.0 - pct[0]
	}

	status := h.p.SPDPStatus()
	c.JSON(http.StatusOK, StatsResponse{
		Uptime:        uptime.Round(time.Second).String(),
		UptimeSeconds: int64(uptime.Seconds()),
		StartTime:     h.startTime,
		CPU:           cpuStats,
		Memory:        memStats,
		DomainID:      h.p.DomainID(),
		ParticipantID: h.p.GUID().String(),
		WriterCount:   len(h.p.Writers()),
		ReaderCount:   len(h.p.Readers()),
		PeersKnown:    status.PeersKnown,
		AnnounceCount: status.AnnounceCount,
		LastAnnounce:  status.LastAnnounce,
	})
}

// Participants godoc
// @Summary Known participants
// @Description Returns the current SPDP peer snapshot
// @Tags discovery
// @Produce json
// @Success 200 {array} ParticipantInfo
// @Security ApiKeyAuth
// @Router /discovery/participants [get]
func (h *Handler) Participants(c *gin.Context) {
	peers := h.p.KnownParticipants()
	out := make([]ParticipantInfo, 0, len(peers))
	for _, peer := range peers {
		locs := make([]string, 0, len(peer.DefaultUnicastLocators))
		for _, l := range peer.DefaultUnicastLocators {
			locs = append(locs, l.String())
		}
		out = append(out, ParticipantInfo{
			GuidPrefix:      peer.GuidPrefix.String(),
			Vendor:          hex.EncodeToString(peer.Vendor[:]),
			LeaseSeconds:    peer.LeaseDuration.Seconds(),
			UnicastLocators: locs,
		})
	}
	c.JSON(http.StatusOK, out)
}

// Endpoints godoc
// @Summary Known publications and subscriptions
// @Description Returns every publication/subscription known via SEDP, local and remote
// @Tags discovery
// @Produce json
// @Success 200 {array} EndpointInfo
// @Security ApiKeyAuth
// @Router /discovery/endpoints [get]
func (h *Handler) Endpoints(c *gin.Context) {
	out := make([]EndpointInfo, 0)
	for _, pub := range h.p.KnownPublications() {
		out = append(out, EndpointInfo{
			Kind:         "publication",
			EndpointGUID: pub.EndpointGUID.String(),
			Topic:        pub.TopicName,
			Type:         pub.TypeName,
			Reliability:  pub.Reliability.String(),
			Durability:   pub.Durability.String(),
			Partitions:   pub.Partitions,
		})
	}
	for _, sub := range h.p.KnownSubscriptions() {
		out = append(out, EndpointInfo{
			Kind:         "subscription",
			EndpointGUID: sub.EndpointGUID.String(),
			Topic:        sub.TopicName,
			Type:         sub.TypeName,
			Reliability:  sub.Reliability.String(),
			Durability:   sub.Durability.String(),
			Partitions:   sub.Partitions,
		})
	}
	c.JSON(http.StatusOK, out)
}

func changeKindString(k history.ChangeKind) string {
	switch k {
	case history.Disposed:
		return "disposed"
	case history.Unregistered:
		return "unregistered"
	default:
		return "alive"
	}
}

// WriterHistory godoc
// @Summary Writer history cache
// @Description Returns a snapshot of a local writer's history cache, without disturbing delivery
// @Tags history
// @Produce json
// @Param guid path string true "writer GUID"
// @Success 200 {array} HistorySample
// @Failure 404 {object} ErrorResponse
// @Security ApiKeyAuth
// @Router /writers/{guid}/history [get]
func (h *Handler) WriterHistory(c *gin.Context) {
	w, ok := h.p.FindWriter(c.Param("guid"))
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "writer not found"})
		return
	}
	snap := w.HistorySnapshot()
	out := make([]HistorySample, 0, len(snap))
	for _, ch := range snap {
		out = append(out, HistorySample{
			SequenceNumber:  int64(ch.SequenceNumber),
			Kind:            changeKindString(ch.Kind),
			PayloadBytes:    len(ch.Payload),
			SourceTimestamp: ch.SourceTimestamp,
		})
	}
	c.JSON(http.StatusOK, out)
}

// ReaderSamples godoc
// @Summary Reader sample queue
// @Description Returns a snapshot of a local reader's undelivered sample queue, without taking them
// @Tags history
// @Produce json
// @Param guid path string true "reader GUID"
// @Param limit query int false "max samples to return (default 100)"
// @Success 200 {array} HistorySample
// @Failure 404 {object} ErrorResponse
// @Security ApiKeyAuth
// @Router /readers/{guid}/samples [get]
func (h *Handler) ReaderSamples(c *gin.Context) {
	r, ok := h.p.FindReader(c.Param("guid"))
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "reader not found"})
		return
	}
	limit := 100
	if v := c.Query("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	snap := r.SamplesSnapshot(limit)
	out := make([]HistorySample, 0, len(snap))
	for _, ch := range snap {
		out = append(out, HistorySample{
			SequenceNumber:  int64(ch.SequenceNumber),
			Kind:            changeKindString(ch.Kind),
			PayloadBytes:    len(ch.Payload),
			SourceTimestamp: ch.SourceTimestamp,
		})
	}
	c.JSON(http.StatusOK, out)
}

// QoSProfiles godoc
// @Summary Loaded QoS profiles
// @Description Returns the named QoS profiles loaded from qos_profile_path, if any were configured
// @Tags system
// @Produce json
// @Success 200 {array} QoSProfileInfo
// @Security ApiKeyAuth
// @Router /qos-profiles [get]
func (h *Handler) QoSProfiles(c *gin.Context) {
	out := make([]QoSProfileInfo, 0, len(h.qosProfiles))
	for name, p := range h.qosProfiles {
		out = append(out, QoSProfileInfo{
			Name:         name,
			Reliability:  p.Reliability.String(),
			Durability:   p.Durability.String(),
			HistoryDepth: p.HistoryDepth,
			Partitions:   p.Partitions,
		})
	}
	c.JSON(http.StatusOK, out)
}

// Audit godoc
// @Summary Discovery audit log
// @Description Returns recent discovery-graph transitions (participant seen, endpoint matched/unmatched, lease expired)
// @Tags discovery
// @Produce json
// @Param limit query int false "max events to return (default 100)"
// @Param guid query string false "filter to a single GUID"
// @Success 200 {array} AuditEvent
// @Failure 503 {object} ErrorResponse
// @Security ApiKeyAuth
// @Router /discovery/audit [get]
func (h *Handler) Audit(c *gin.Context) {
	if h.audit == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "discovery audit trail disabled"})
		return
	}
	limit := 100
	if v := c.Query("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	var events []discoveryaudit.Event
	var err error
	if g := c.Query("guid"); g != "" {
		events, err = h.audit.ByGUID(g, limit)
	} else {
		events, err = h.audit.Recent(limit)
	}
	if err != nil {
		if h.logger != nil {
			h.logger.Warn("diagapi: audit query failed", "err", err)
		}
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "audit query failed"})
		return
	}

	out := make([]AuditEvent, 0, len(events))
	for _, e := range events {
		out = append(out, AuditEvent{
			ID:         e.ID,
			EventType:  string(e.Type),
			GUID:       e.GUID,
			Detail:     e.Detail,
			OccurredAt: e.OccurredAt,
		})
	}
	c.JSON(http.StatusOK, out)
}
