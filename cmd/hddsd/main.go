// Command hddsd runs a standalone hdds DDS domain participant: SPDP/SEDP
// discovery, the reliability engine, and (optionally) the read-only
// diagnostics HTTP API and discovery audit trail.
//
// Flag parsing is layered over config.Load, shutdown is driven by
// signal.NotifyContext, and the diagnostics HTTP server runs in a
// background goroutine joined on shutdown.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hdds-team/hdds/internal/config"
	"github.com/hdds-team/hdds/internal/diagapi"
	"github.com/hdds-team/hdds/internal/discoveryaudit"
	"github.com/hdds-team/hdds/internal/guid"
	"github.com/hdds-team/hdds/internal/locator"
	"github.com/hdds-team/hdds/internal/logging"
	"github.com/hdds-team/hdds/internal/participant"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

// cliFlags holds parsed command-line flag values.
type cliFlags struct {
	configPath  string
	domainID    int
	interfaceName string
	jsonLogs    bool
	debug       bool
	diagAPI     bool
	diagAPIPort int
}

func parseFlags() cliFlags {
	var f cliFlags
	flag.StringVar(&f.configPath, "config", "", "Path to YAML config file (HDDS_CONFIG if unset)")
	flag.IntVar(&f.domainID, "domain", -1, "Override DDS domain id (-1 means use config)")
	flag.StringVar(&f.interfaceName, "interface", "", "Override preferred multicast interface name")
	flag.BoolVar(&f.jsonLogs, "json-logs", false, "Enable JSON structured logging")
	flag.BoolVar(&f.debug, "debug", false, "Enable debug logging")
	flag.BoolVar(&f.diagAPI, "diagapi", false, "Enable the diagnostics HTTP API")
	flag.IntVar(&f.diagAPIPort, "diagapi-port", 0, "Override diagnostics API port (0 means use config)")
	flag.Parse()
	return f
}

func applyCLIOverrides(cfg *config.Config, f cliFlags) {
	if f.domainID >= 0 {
		cfg.Domain.ID = f.domainID
	}
	if f.interfaceName != "" {
		cfg.Discovery.Interface = f.interfaceName
	}
	if f.jsonLogs {
		cfg.Logging.Structured = true
		cfg.Logging.StructuredFormat = "json"
	}
	if f.debug {
		cfg.Logging.Level = "DEBUG"
	}
	if f.diagAPI {
		cfg.DiagAPI.Enabled = true
	}
	if f.diagAPIPort != 0 {
		cfg.DiagAPI.Port = f.diagAPIPort
	}
}

func run() error {
	flags := parseFlags()

	cfg, err := config.Load(config.ResolveConfigPath(flags.configPath))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	applyCLIOverrides(cfg, flags)

	logger := logging.Configure(logging.Config{
		Level:            cfg.Logging.Level,
		Structured:       cfg.Logging.Structured,
		StructuredFormat: cfg.Logging.StructuredFormat,
		IncludePID:       cfg.Logging.IncludePID,
		ExtraFields:      cfg.Logging.ExtraFields,
	})
	logger.Info("hddsd starting",
		"domain_id", cfg.Domain.ID,
		"participant_id", cfg.Domain.ParticipantID.String(),
		"interface", cfg.Discovery.Interface,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pcfg, err := buildParticipantConfig(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to build participant config: %w", err)
	}
	pcfg.Logger = logger

	p, err := participant.New(pcfg)
	if err != nil {
		return fmt.Errorf("failed to open participant: %w", err)
	}

	var auditDB *discoveryaudit.DB
	if cfg.DiscoveryAudit.Enabled {
		auditDB, err = discoveryaudit.Open(cfg.DiscoveryAudit.DatabasePath)
		if err != nil {
			return fmt.Errorf("failed to open discovery audit db: %w", err)
		}
		defer auditDB.Close()
		p.SetAuditSink(auditAdapter{db: auditDB})
		logger.Info("discovery audit trail enabled", "path", cfg.DiscoveryAudit.DatabasePath)
	}

	p.Start(ctx)

	qosProfiles, err := config.LoadQoSProfiles(cfg.QoSProfilePath)
	if err != nil {
		return fmt.Errorf("failed to load qos profiles: %w", err)
	}
	if len(qosProfiles) > 0 {
		logger.Info("loaded qos profiles", "path", cfg.QoSProfilePath, "count", len(qosProfiles))
	}

	var diagSrv *diagapi.Server
	if cfg.DiagAPI.Enabled {
		diagSrv = diagapi.New(cfg.DiagAPI.Host, cfg.DiagAPI.Port, cfg.DiagAPI.APIKey, p, auditDB, qosProfiles, logger)
		logger.Info("diagnostics API starting", "addr", diagSrv.Addr())
		go func() {
			serveErr := diagSrv.ListenAndServe()
			if serveErr == nil || errors.Is(serveErr, http.ErrServerClosed) {
				return
			}
			logger.Error("diagnostics API error", "err", serveErr)
			cancel()
		}()
	}

	<-ctx.Done()
	logger.Info("hddsd stopping")

	if diagSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = diagSrv.Shutdown(shutdownCtx)
		shutdownCancel()
	}
	p.Stop()

	logger.Info("hddsd stopped")
	return nil
}

// auditAdapter narrows discoveryaudit.DB's EventType-typed Record method
// to the plain-string participant.AuditSink interface.
type auditAdapter struct{ db *discoveryaudit.DB }

func (a auditAdapter) Record(eventType, guidStr, detail string) error {
	return a.db.Record(discoveryaudit.EventType(eventType), guidStr, detail)
}

func buildParticipantConfig(cfg *config.Config, logger *slog.Logger) (participant.Config, error) {
	lease, err := time.ParseDuration(cfg.Discovery.LeaseDuration)
	if err != nil {
		return participant.Config{}, fmt.Errorf("discovery.lease_duration: %w", err)
	}
	announce, err := time.ParseDuration(cfg.Discovery.AnnouncePeriod)
	if err != nil {
		return participant.Config{}, fmt.Errorf("discovery.announce_period: %w", err)
	}

	ignored := make([]guid.GuidPrefix, 0, len(cfg.Discovery.IgnoredParticipants))
	for _, raw := range cfg.Discovery.IgnoredParticipants {
		prefix, err := guid.GuidPrefixFromHex(raw)
		if err != nil {
			logger.Warn("ignoring malformed ignored_participants entry", "value", raw, "err", err)
			continue
		}
		ignored = append(ignored, prefix)
	}

	peers := make([]locator.Locator, 0, len(cfg.Discovery.Peers))
	for _, raw := range cfg.Discovery.Peers {
		addr, err := net.ResolveUDPAddr("udp4", raw)
		if err != nil {
			logger.Warn("ignoring malformed discovery peer", "value", raw, "err", err)
			continue
		}
		loc, err := locator.FromUDPAddr(addr)
		if err != nil {
			logger.Warn("ignoring unresolvable discovery peer", "value", raw, "err", err)
			continue
		}
		peers = append(peers, loc)
	}

	return participant.Config{
		DomainID:            cfg.Domain.ID,
		ParticipantID:        cfg.Domain.ParticipantID.Value,
		Auto:                 cfg.Domain.ParticipantID.Mode == config.ParticipantIDAuto,
		InterfaceName:        cfg.Discovery.Interface,
		LeaseDuration:        lease,
		AnnouncePeriod:       announce,
		IgnoredParticipants:  ignored,
		DiscoveryPeers:       peers,
	}, nil
}
