// Package ingest hosts the inbound sensor transports. Every transport turns
// its payloads into normalize.Fields and hands validated messages to the
// intake channel without ever blocking on it.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"airguard/internal/config"
	"airguard/internal/metrics"
	"airguard/internal/model"
	"airguard/internal/normalize"
)

var ErrQueueFull = errors.New("intake queue full")

func SendNonBlocking(ctx context.Context, out chan<- model.SensorMessage, msg model.SensorMessage, logger *slog.Logger) bool {
	select {
	case out <- msg:
		return true
	case <-ctx.Done():
		return false
	default:
		metrics.IncDropped(msg.Source)
		if logger != nil {
			logger.Warn("intake channel full, dropping message", "sensor_id", msg.SensorID, "source", msg.Source, "timestamp", msg.Timestamp)
		}
		return false
	}
}

func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// deliver normalizes fields and queues the result.
func deliver(ctx context.Context, cfg *config.Config, fields normalize.Fields, out chan<- model.SensorMessage, logger *slog.Logger) error {
	msg, err := normalize.Normalize(fields, cfg)
	if err != nil {
		metrics.ObserveIngest(fields.Source, metrics.ResultMalformed, 0)
		if logger != nil {
			logger.Warn("dropping malformed message", "source", fields.Source, "sensor_id", fields.SensorID, "err", err)
		}
		return err
	}
	if !SendNonBlocking(ctx, out, msg, logger) {
		return ErrQueueFull
	}
	return nil
}
