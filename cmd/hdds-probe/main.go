// Command hdds-probe is a small publish/subscribe smoke-test client
// exercising a live hdds domain. In the default -mode both it creates one
// writer and one reader on the same KeyedValue topic, publishes a few
// samples, and prints whatever the reader takes until it is interrupted;
// -mode pub only publishes (and returns once -count samples are sent) and
// -mode sub only prints what the reader takes.
//
// A minimal single-purpose CLI built directly on the library packages
// rather than the daemon, useful for interactively poking a running
// system.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hdds-team/hdds/internal/history"
	"github.com/hdds-team/hdds/internal/participant"
	"github.com/hdds-team/hdds/internal/qos"
	"github.com/hdds-team/hdds/internal/typesupport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run() error {
	domain := flag.Int("domain", 0, "DDS domain id")
	count := flag.Int("count", 5, "number of samples to publish")
	interval := flag.Duration("interval", time.Second, "interval between published samples")
	mode := flag.String("mode", "both", "one of: pub, sub, both")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	p, err := participant.New(participant.Config{
		DomainID: *domain,
		Auto:     true,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("hdds-probe: open participant: %w", err)
	}
	p.Start(ctx)
	defer p.Stop()

	topic := p.CreateTopic("hdds_probe/keyed_value", typesupport.TypeName, typesupport.HasKey())

	switch *mode {
	case "pub":
		return runPublisher(ctx, p, topic, *count, *interval, logger)
	case "sub":
		return runSubscriber(ctx, p, topic, logger)
	default:
		go func() {
			if err := runPublisher(ctx, p, topic, *count, *interval, logger); err != nil {
				logger.Error("publisher stopped", "err", err)
			}
		}()
		return runSubscriber(ctx, p, topic, logger)
	}
}

func runPublisher(ctx context.Context, p *participant.Participant, topic participant.Topic, count int, interval time.Duration, logger *slog.Logger) error {
	w, err := p.CreateWriter(topic, qos.New(qos.WithReliability(qos.Reliable), qos.WithKeepLast(10)))
	if err != nil {
		return fmt.Errorf("hdds-probe: create writer: %w", err)
	}
	defer func() { _ = p.DestroyWriter(w) }()

	for i := 0; i < count; i++ {
		if ctx.Err() != nil {
			return nil
		}
		v := typesupport.KeyedValue{Key: 1, Value: float64(i)}
		payload := typesupport.Marshal(v)
		key := typesupport.KeyBytes(v)
		if err := w.Write(payload, history.ComputeInstanceKey(key), time.Now()); err != nil {
			logger.Warn("hdds-probe: publish failed", "err", err)
		} else {
			logger.Info("hdds-probe: published", "key", v.Key, "value", v.Value)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}
	return nil
}

func runSubscriber(ctx context.Context, p *participant.Participant, topic participant.Topic, logger *slog.Logger) error {
	r, err := p.CreateReader(topic, qos.New(qos.WithReliability(qos.Reliable), qos.WithKeepLast(10)))
	if err != nil {
		return fmt.Errorf("hdds-probe: create reader: %w", err)
	}
	defer func() { _ = p.DestroyReader(r) }()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(200 * time.Millisecond):
			for {
				change, ok := r.TryTake()
				if !ok {
					break
				}
				v, err := typesupport.Unmarshal(change.Payload)
				if err != nil {
					logger.Warn("hdds-probe: malformed sample", "err", err)
					continue
				}
				logger.Info("hdds-probe: received", "key", v.Key, "value", v.Value)
			}
		}
	}
}
