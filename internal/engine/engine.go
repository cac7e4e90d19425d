// Package engine evaluates alert rules against readings and station
// liveness, and owns the alert lifecycle.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"airguard/internal/config"
	"airguard/internal/keyed"
	"airguard/internal/metrics"
	"airguard/internal/model"
	"airguard/internal/storage"
)

var ErrInvalidTransition = errors.New("invalid alert transition")

const (
	systemActor   = "system"
	operatorActor = "operator"
	warmLimit     = 5000
)

// Publisher receives live feed events. Publish must not block.
type Publisher interface {
	Publish(ev model.Event)
}

// Enqueuer accepts notification jobs for delivery. Enqueue must not block;
// false means the job stays pending in the store.
type Enqueuer interface {
	Enqueue(job model.NotificationJob) bool
}

type StationLookup interface {
	Station(id string) (model.Station, bool)
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func WithPublisher(p Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

func WithNotifier(n Enqueuer) Option {
	return func(e *Engine) { e.notifier = n }
}

func WithStations(s StationLookup) Option {
	return func(e *Engine) { e.stations = s }
}

type Engine struct {
	logger    *slog.Logger
	store     storage.Store
	stations  StationLookup
	publisher Publisher
	notifier  Enqueuer
	now       func() time.Time

	rules     atomic.Pointer[ruleSet]
	directory atomic.Pointer[Directory]
	history   *History
	cooldown  *Cooldown
	locks     *keyed.Locker
}

// Result lists the alerts an evaluation changed.
type Result struct {
	Created    []model.Alert
	Updated    []model.Alert
	Resolved   []model.Alert
	Suppressed int
}

func (r Result) Empty() bool {
	return len(r.Created) == 0 && len(r.Updated) == 0 && len(r.Resolved) == 0
}

type outcome struct {
	holds    bool
	value    float64
	hasValue bool
}

func New(cfg *config.Config, store storage.Store, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		logger:   logger,
		store:    store,
		now:      func() time.Time { return time.Now().UTC() },
		history:  NewHistory(cfg.Engine.HistoryRetention),
		cooldown: NewCooldown(),
		locks:    keyed.NewLocker(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.UpdateConfig(cfg)
	return e
}

// UpdateConfig swaps the rule set and recipient directory. Evaluations in
// flight finish with the previous set.
func (e *Engine) UpdateConfig(cfg *config.Config) {
	set := buildRules(cfg, e.logger)
	e.rules.Store(set)
	e.directory.Store(NewDirectory(cfg.Recipients))
	e.history.SetRetention(max(cfg.Engine.HistoryRetention, set.lookback))
	if e.logger != nil {
		e.logger.Info("rules loaded", "rules", len(set.rules), "configured", len(cfg.Rules))
	}
}

func (e *Engine) Rules() []model.CompiledRule {
	set := e.rules.Load()
	out := make([]model.CompiledRule, 0, len(set.rules))
	for _, r := range set.rules {
		out = append(out, r.CompiledRule)
	}
	return out
}

func (e *Engine) station(id string) model.Station {
	if e.stations != nil {
		if st, ok := e.stations.Station(id); ok {
			return st
		}
	}
	return model.Station{ID: id}
}

// Evaluate runs every reading-driven rule in scope for the reading's
// station. Per-rule failures are joined into the returned error; the other
// rules still run.
func (e *Engine) Evaluate(ctx context.Context, reading model.Reading) (Result, error) {
	var res Result
	st := e.station(reading.StationID)
	e.warm(ctx, st.ID)
	fresh := e.history.Record(reading)
	now := e.now()

	var errs []error
	for _, r := range e.rules.Load().rules {
		if r.Kind == model.KindLiveness || !r.scope.contains(st) {
			continue
		}
		// older than what this station already reported for the pollutant
		if !fresh[r.Pollutant] {
			continue
		}
		out, ok := e.condition(r, reading)
		if !ok {
			continue
		}
		if err := e.apply(ctx, r, st, out, now, &res); err != nil {
			errs = append(errs, fmt.Errorf("rule %s: %w", r.ID, err))
		}
	}
	if len(errs) > 0 {
		metrics.IncEvalError()
	}
	return res, errors.Join(errs...)
}

// EvaluateLiveness runs the liveness rules in scope for st as of now.
func (e *Engine) EvaluateLiveness(ctx context.Context, st model.Station, now time.Time) (Result, error) {
	var res Result
	if !st.Status.Automatic() || st.LastHeartbeat.IsZero() {
		return res, nil
	}
	age := now.Sub(st.LastHeartbeat)
	var errs []error
	for _, r := range e.rules.Load().rules {
		c, ok := r.Condition.(model.LivenessCondition)
		if !ok || !r.scope.contains(st) {
			continue
		}
		out := outcome{holds: age > c.Timeout, value: age.Seconds(), hasValue: true}
		if err := e.apply(ctx, r, st, out, now, &res); err != nil {
			errs = append(errs, fmt.Errorf("rule %s: %w", r.ID, err))
		}
	}
	if len(errs) > 0 {
		metrics.IncEvalError()
	}
	return res, errors.Join(errs...)
}

func (e *Engine) condition(r *rule, reading model.Reading) (outcome, bool) {
	switch c := r.Condition.(type) {
	case model.ThresholdCondition:
		v, ok := reading.Value(c.Pollutant)
		if !ok {
			return outcome{}, false
		}
		return outcome{holds: c.Operator.Compare(v, c.Threshold), value: v, hasValue: true}, true
	case model.ConsecutiveCondition:
		return e.consecutive(c, reading), true
	case model.RateOfChangeCondition:
		return e.rateOfChange(c, reading)
	case model.LivenessCondition:
		return outcome{}, false
	}
	return outcome{}, false
}

// consecutive holds when every reading of the pollutant in
// [t-duration, t] satisfies the operator, there are at least MinReadings of
// them, and no two are further apart than MaxGap. A rejected value breaks
// the streak.
func (e *Engine) consecutive(c model.ConsecutiveCondition, reading model.Reading) outcome {
	v, hasValue := reading.Value(c.Pollutant)
	out := outcome{value: v, hasValue: hasValue}
	window := e.history.Window(reading.StationID, reading.Timestamp.Add(-c.Duration), reading.Timestamp)
	count := 0
	var prev time.Time
	for _, r := range window {
		if !r.Reports(c.Pollutant) {
			continue
		}
		val, ok := r.Value(c.Pollutant)
		if !ok || !c.Operator.Compare(val, c.Threshold) {
			return out
		}
		if c.MaxGap > 0 && count > 0 && r.Timestamp.Sub(prev) > c.MaxGap {
			return out
		}
		prev = r.Timestamp
		count++
	}
	out.holds = count >= c.MinReadings
	return out
}

// rateOfChange compares newest minus oldest value inside the window. It
// needs at least two values.
func (e *Engine) rateOfChange(c model.RateOfChangeCondition, reading model.Reading) (outcome, bool) {
	if _, ok := reading.Value(c.Pollutant); !ok {
		return outcome{}, false
	}
	window := e.history.Window(reading.StationID, reading.Timestamp.Add(-c.Window), reading.Timestamp)
	var (
		oldest, newest float64
		n              int
	)
	for _, r := range window {
		v, ok := r.Value(c.Pollutant)
		if !ok {
			continue
		}
		if n == 0 {
			oldest = v
		}
		newest = v
		n++
	}
	if n < 2 {
		return outcome{}, false
	}
	delta := newest - oldest
	return outcome{holds: c.Operator.Compare(delta, c.Threshold), value: delta, hasValue: true}, true
}

// apply drives the lifecycle of one (rule, station) pair. It holds the
// pair's lock so concurrent evaluations never open two alerts.
func (e *Engine) apply(ctx context.Context, r *rule, st model.Station, out outcome, now time.Time, res *Result) error {
	key := cooldownKey(r.ID, st.ID)
	unlock := e.locks.Lock(key)
	defer unlock()

	open, err := e.findOpen(ctx, r.ID, st.ID)
	if err != nil {
		return err
	}
	if out.holds {
		if e.cooldown.Active(key, now, r.Cooldown) {
			res.Suppressed++
			return nil
		}
		if open != nil {
			return e.retrigger(ctx, *open, out, now, res)
		}
		return e.create(ctx, r, st, out, now, res)
	}
	if open == nil || !r.AutoResolve || !out.hasValue || r.AutoResolveThreshold == nil {
		return nil
	}
	if !r.Operator.Recovered(out.value, *r.AutoResolveThreshold) {
		return nil
	}
	return e.autoResolve(ctx, *open, out, now, res)
}

func (e *Engine) findOpen(ctx context.Context, ruleID, stationID string) (*model.Alert, error) {
	var found model.Alert
	err := retryOnce(ctx, func(ctx context.Context) error {
		a, err := e.store.FindOpenAlert(ctx, ruleID, stationID)
		found = a
		return err
	})
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		e.logError("find open alert failed", err, "rule_id", ruleID, "station_id", stationID)
		return nil, fmt.Errorf("find open alert: %w", err)
	}
	return &found, nil
}

func (e *Engine) create(ctx context.Context, r *rule, st model.Station, out outcome, now time.Time, res *Result) error {
	snap := model.Snapshot{
		RuleID:    r.ID,
		RuleName:  r.Name,
		Kind:      r.Kind,
		Pollutant: r.Pollutant,
		Value:     out.value,
		Threshold: r.ThresholdValue(),
		Operator:  r.Operator,
	}
	targets := e.directory.Load().Resolve(r.Recipients)
	alert := model.Alert{
		ID:              uuid.NewString(),
		RuleID:          r.ID,
		StationID:       st.ID,
		Snapshot:        snap,
		Severity:        r.Severity,
		Message:         r.render(st, snap),
		Status:          model.AlertActive,
		TriggeredAt:     now,
		LastTriggeredAt: now,
		TriggerCount:    1,
		Channels:        channelsOf(targets),
		UpdatedAt:       now,
	}
	err := retryOnce(ctx, func(ctx context.Context) error { return e.store.CreateAlert(ctx, alert) })
	if errors.Is(err, storage.ErrOpenAlertExists) {
		// another writer opened it between our lookup and create
		existing, ferr := e.findOpen(ctx, r.ID, st.ID)
		if ferr != nil || existing == nil {
			return errors.Join(err, ferr)
		}
		return e.retrigger(ctx, *existing, out, now, res)
	}
	if err != nil {
		e.logError("create alert failed", err, "rule_id", r.ID, "station_id", st.ID)
		return fmt.Errorf("create alert: %w", err)
	}
	e.cooldown.Start(cooldownKey(r.ID, st.ID), now)
	metrics.IncAlertEvent("created")
	if e.logger != nil {
		e.logger.Warn("alert triggered",
			"alert_id", alert.ID,
			"rule_id", r.ID,
			"station_id", st.ID,
			"severity", alert.Severity,
			"value", out.value,
			"targets", len(targets),
		)
	}
	saved, jobErr := e.fanOut(ctx, alert, targets, now)
	// only channels with a persisted job count as attempted
	if attempted := channelsOf(saved); !slices.Equal(attempted, alert.Channels) {
		alert.Channels = attempted
		if err := retryOnce(ctx, func(ctx context.Context) error { return e.store.UpdateAlert(ctx, alert) }); err != nil {
			e.logError("update alert channels failed", err, "alert_id", alert.ID)
			jobErr = errors.Join(jobErr, fmt.Errorf("update alert channels: %w", err))
		}
	}
	e.publish(model.EventNewAlert, alert, now)
	res.Created = append(res.Created, alert)
	return jobErr
}

// fanOut persists and enqueues one job per target and returns the targets
// whose job was saved.
func (e *Engine) fanOut(ctx context.Context, alert model.Alert, targets []Target, now time.Time) ([]Target, error) {
	var (
		errs  []error
		saved []Target
	)
	for _, t := range targets {
		job := model.NotificationJob{
			ID:        uuid.NewString(),
			AlertID:   alert.ID,
			Channel:   t.Channel,
			Target:    t.Address,
			UserID:    t.UserID,
			Status:    model.JobPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := retryOnce(ctx, func(ctx context.Context) error { return e.store.SaveJob(ctx, job) }); err != nil {
			e.logError("save notification job failed", err, "alert_id", alert.ID, "channel", t.Channel)
			errs = append(errs, fmt.Errorf("save job %s: %w", t.Channel, err))
			continue
		}
		saved = append(saved, t)
		if e.notifier != nil && !e.notifier.Enqueue(job) && e.logger != nil {
			e.logger.Warn("notification queue full, job left pending", "job_id", job.ID, "alert_id", alert.ID)
		}
	}
	return saved, errors.Join(errs...)
}

func (e *Engine) retrigger(ctx context.Context, alert model.Alert, out outcome, now time.Time, res *Result) error {
	alert.LastTriggeredAt = now
	alert.TriggerCount++
	if out.hasValue {
		alert.Snapshot.Value = out.value
	}
	alert.UpdatedAt = now
	if err := retryOnce(ctx, func(ctx context.Context) error { return e.store.UpdateAlert(ctx, alert) }); err != nil {
		e.logError("update alert failed", err, "alert_id", alert.ID)
		return fmt.Errorf("update alert: %w", err)
	}
	metrics.IncAlertEvent("retriggered")
	e.publish(model.EventAlertUpdate, alert, now)
	res.Updated = append(res.Updated, alert)
	return nil
}

func (e *Engine) autoResolve(ctx context.Context, alert model.Alert, out outcome, now time.Time, res *Result) error {
	alert.Status = model.AlertResolved
	alert.AutoResolved = true
	alert.ResolvedAt = &now
	alert.ResolvedBy = systemActor
	alert.UpdatedAt = now
	if err := retryOnce(ctx, func(ctx context.Context) error { return e.store.UpdateAlert(ctx, alert) }); err != nil {
		e.logError("resolve alert failed", err, "alert_id", alert.ID)
		return fmt.Errorf("resolve alert: %w", err)
	}
	metrics.IncAlertEvent("resolved")
	if e.logger != nil {
		e.logger.Info("alert auto-resolved", "alert_id", alert.ID, "rule_id", alert.RuleID, "station_id", alert.StationID, "value", out.value)
	}
	e.publish(model.EventAlertUpdate, alert, now)
	res.Resolved = append(res.Resolved, alert)
	return nil
}

func (e *Engine) publish(typ model.EventType, alert model.Alert, now time.Time) {
	if e.publisher == nil {
		return
	}
	a := alert
	e.publisher.Publish(model.Event{Type: typ, At: now, Alert: &a})
}

func (e *Engine) warm(ctx context.Context, stationID string) {
	err := e.history.Warm(stationID, func() ([]model.Reading, error) {
		since := e.now().Add(-e.history.Retention())
		return e.store.ListReadings(ctx, stationID, since, warmLimit)
	})
	if err != nil && e.logger != nil {
		e.logger.Warn("history warm-up failed", "station_id", stationID, "error", err)
	}
}

// PruneCooldowns forgets cooldown entries that can no longer suppress
// anything.
func (e *Engine) PruneCooldowns(now time.Time) int {
	var longest time.Duration
	for _, r := range e.rules.Load().rules {
		longest = max(longest, r.Cooldown)
	}
	return e.cooldown.Prune(now, longest)
}

func (e *Engine) logError(msg string, err error, args ...any) {
	if e.logger == nil {
		return
	}
	e.logger.Error(msg, append(args, "error", err)...)
}

// retryOnce runs op and repeats it once on failure. Lookups that came back
// empty and conflicts are returned as is.
func retryOnce(ctx context.Context, op func(context.Context) error) error {
	err := op(ctx)
	if err == nil || errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrOpenAlertExists) || ctx.Err() != nil {
		return err
	}
	return op(ctx)
}
