package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"airguard/internal/metrics"
	"airguard/internal/model"
	"airguard/internal/storage"
)

var errUnchanged = errors.New("alert unchanged")

// Acknowledge moves an active alert to acknowledged.
func (e *Engine) Acknowledge(ctx context.Context, id, actor string) (model.Alert, error) {
	return e.transition(ctx, id, "acknowledged", func(a *model.Alert, now time.Time) error {
		if a.Status != model.AlertActive {
			return fmt.Errorf("%w: %s to acknowledged", ErrInvalidTransition, a.Status)
		}
		a.Status = model.AlertAcknowledged
		a.AcknowledgedAt = &now
		a.AcknowledgedBy = actorOrDefault(actor)
		return nil
	})
}

// Resolve closes an active or acknowledged alert on behalf of actor.
func (e *Engine) Resolve(ctx context.Context, id, actor string) (model.Alert, error) {
	return e.transition(ctx, id, "resolved", func(a *model.Alert, now time.Time) error {
		if !a.Status.Open() {
			return fmt.Errorf("%w: %s to resolved", ErrInvalidTransition, a.Status)
		}
		a.Status = model.AlertResolved
		a.ResolvedAt = &now
		a.ResolvedBy = actorOrDefault(actor)
		return nil
	})
}

// ExpireStale marks open alerts that have not re-triggered for olderThan as
// expired and returns how many it changed.
func (e *Engine) ExpireStale(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		return 0, nil
	}
	cutoff := e.now().Add(-olderThan)
	candidates, err := e.store.ListAlerts(ctx, storage.AlertFilter{
		Statuses:        []model.AlertStatus{model.AlertActive, model.AlertAcknowledged},
		TriggeredBefore: cutoff,
	})
	if err != nil {
		return 0, fmt.Errorf("list stale alerts: %w", err)
	}
	expired := 0
	var errs []error
	for _, c := range candidates {
		_, err := e.transition(ctx, c.ID, "expired", func(a *model.Alert, _ time.Time) error {
			if !a.Status.Open() || a.LastTriggeredAt.After(cutoff) {
				return errUnchanged
			}
			a.Status = model.AlertExpired
			return nil
		})
		switch {
		case err == nil:
			expired++
		case errors.Is(err, errUnchanged):
		default:
			errs = append(errs, err)
		}
	}
	if expired > 0 && e.logger != nil {
		e.logger.Info("expired stale alerts", "count", expired, "cutoff", cutoff)
	}
	return expired, errors.Join(errs...)
}

// transition re-reads the alert under its (rule, station) lock, applies fn
// and persists the result.
func (e *Engine) transition(ctx context.Context, id, event string, fn func(a *model.Alert, now time.Time) error) (model.Alert, error) {
	current, err := e.store.GetAlert(ctx, id)
	if err != nil {
		return model.Alert{}, err
	}
	unlock := e.locks.Lock(cooldownKey(current.RuleID, current.StationID))
	defer unlock()

	current, err = e.store.GetAlert(ctx, id)
	if err != nil {
		return model.Alert{}, err
	}
	now := e.now()
	if err := fn(&current, now); err != nil {
		return current, err
	}
	current.UpdatedAt = now
	if err := retryOnce(ctx, func(ctx context.Context) error { return e.store.UpdateAlert(ctx, current) }); err != nil {
		e.logError("alert transition failed", err, "alert_id", id, "to", event)
		return model.Alert{}, fmt.Errorf("update alert: %w", err)
	}
	metrics.IncAlertEvent(event)
	e.publish(model.EventAlertUpdate, current, now)
	return current, nil
}

func actorOrDefault(actor string) string {
	if actor == "" {
		return operatorActor
	}
	return actor
}
