package ingest

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"airguard/internal/config"
	"airguard/internal/model"
	"airguard/internal/normalize"
)

// StartKafka consumes readings keyed by sensor id. The pollutant may come
// from the payload or from a "pollutant" header.
func StartKafka(ctx context.Context, cfg config.Source, out chan<- model.SensorMessage, logger *slog.Logger) {
	current := cfg.Get().Ingest.Kafka
	if !current.Enabled {
		if logger != nil {
			logger.Info("kafka ingest disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("kafka ingest enabled", "brokers", current.Brokers, "topic", current.Topic, "group_id", current.GroupID)
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  current.Brokers,
		Topic:    current.Topic,
		GroupID:  current.GroupID,
		MinBytes: 1e3,
		MaxBytes: 10e6,
	})
	go func() {
		defer reader.Close()
		parser := NewParser()
		backoff := 200 * time.Millisecond
		for {
			m, err := reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if logger != nil {
					logger.Warn("kafka read error", "err", err)
				}
				if !BackoffSleep(ctx, backoff) {
					return
				}
				if backoff < 10*time.Second {
					backoff *= 2
				}
				continue
			}
			backoff = 200 * time.Millisecond
			fields, err := KafkaFields(m, parser)
			if err != nil || fields == nil {
				if logger != nil {
					logger.Warn("kafka payload rejected", "key", string(m.Key), "err", err)
				}
				continue
			}
			_ = deliver(ctx, cfg.Get(), *fields, out, logger)
		}
	}()
}

func KafkaFields(m kafka.Message, parser *Parser) (*normalize.Fields, error) {
	fields, err := parser.ParseLine(string(m.Value))
	if err != nil || fields == nil {
		return fields, err
	}
	if fields.SensorID == "" {
		fields.SensorID = strings.TrimSpace(string(m.Key))
	}
	if fields.Pollutant == "" {
		for _, h := range m.Headers {
			if strings.EqualFold(h.Key, "pollutant") {
				fields.Pollutant = string(h.Value)
			}
		}
	}
	fields.Source = "kafka"
	return fields, nil
}
