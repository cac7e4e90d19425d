// Package pipeline turns validated sensor messages into persisted readings,
// keeps station liveness current and hands readings to the rule engine.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"airguard/internal/aqi"
	"airguard/internal/config"
	"airguard/internal/engine"
	"airguard/internal/keyed"
	"airguard/internal/metrics"
	"airguard/internal/model"
	"airguard/internal/registry"
	"airguard/internal/storage"
)

type Stations interface {
	ResolveSensor(sensorID string) (model.Sensor, model.Station, error)
	Heartbeat(stationID string, at time.Time) (model.Station, bool, error)
	SetStatus(stationID string, status model.StationStatus) (model.Station, bool, error)
}

type Evaluator interface {
	Evaluate(ctx context.Context, r model.Reading) (engine.Result, error)
}

type Publisher interface {
	Publish(ev model.Event)
}

// Outcome describes what happened to one message. Result uses the metrics
// result labels.
type Outcome struct {
	Result  string
	Reading *model.Reading
	Station model.Station
}

type Pipeline struct {
	cfg       config.Source
	stations  Stations
	store     storage.Store
	evaluator Evaluator
	publisher Publisher
	logger    *slog.Logger
	dedupe    *DedupeCache
	now       func() time.Time

	mu      sync.RWMutex
	queues  []chan model.Reading
	started bool
	closed  bool
	wg      sync.WaitGroup
}

func New(cfg config.Source, stations Stations, store storage.Store, evaluator Evaluator, publisher Publisher, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		cfg:       cfg,
		stations:  stations,
		store:     store,
		evaluator: evaluator,
		publisher: publisher,
		logger:    logger,
		dedupe:    NewDedupeCache(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Start launches the evaluation workers. Each worker owns a bounded queue
// and a station always maps to the same worker, so one station's readings
// are evaluated in arrival order. Without Start, readings are evaluated
// inline by Process.
func (p *Pipeline) Start(ctx context.Context) {
	cfg := p.cfg.Get()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.queues = make([]chan model.Reading, cfg.Pipeline.EvalWorkers)
	for i := range p.queues {
		q := make(chan model.Reading, cfg.Pipeline.EvalQueueSize)
		p.queues[i] = q
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for r := range q {
				p.evaluate(ctx, r)
			}
		}()
	}
	p.started = true
}

// Run consumes in until it is closed or ctx is done.
func (p *Pipeline) Run(ctx context.Context, in <-chan model.SensorMessage) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			_, _ = p.Process(ctx, msg)
		}
	}
}

// Close stops accepting evaluations and waits for queued ones to finish.
func (p *Pipeline) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, q := range p.queues {
		close(q)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// Process handles one message synchronously up to the evaluation hand-off.
// The error is non-nil only when the reading could not be persisted.
func (p *Pipeline) Process(ctx context.Context, msg model.SensorMessage) (Outcome, error) {
	start := time.Now()
	out, err := p.process(ctx, msg)
	var elapsed time.Duration
	if out.Result == metrics.ResultAccepted {
		elapsed = time.Since(start)
	}
	metrics.ObserveIngest(msg.Source, out.Result, elapsed)
	return out, err
}

func (p *Pipeline) process(ctx context.Context, msg model.SensorMessage) (Outcome, error) {
	cfg := p.cfg.Get()
	key := hashMessage(msg)
	if p.dedupe.Seen(key, p.now(), cfg.Ingest.DedupeWindow) {
		if p.logger != nil {
			p.logger.Debug("duplicate message dropped", "sensor_id", msg.SensorID, "timestamp", msg.Timestamp)
		}
		return Outcome{Result: metrics.ResultDuplicate}, nil
	}

	sensor, st, err := p.stations.ResolveSensor(msg.SensorID)
	if err != nil {
		if p.logger != nil {
			p.logger.Warn("message from unknown sensor dropped", "sensor_id", msg.SensorID, "source", msg.Source, "error", err)
		}
		return Outcome{Result: metrics.ResultUnknownSensor}, nil
	}
	if msg.Status != "" {
		return p.applyStatus(ctx, st, msg), nil
	}

	reading, ok := buildReading(sensor, st, msg)
	if !ok {
		if p.logger != nil {
			p.logger.Warn("message carries no pollutant the sensor reports", "sensor_id", sensor.ID, "station_id", st.ID)
		}
		return Outcome{Result: metrics.ResultMalformed}, nil
	}
	if err := p.saveReading(ctx, reading); err != nil {
		// a redelivery of this message must get another chance
		p.dedupe.Forget(key)
		if p.logger != nil {
			p.logger.Error("persist reading failed", "sensor_id", sensor.ID, "station_id", st.ID, "error", err)
		}
		return Outcome{Result: metrics.ResultFailed, Station: st}, fmt.Errorf("save reading: %w", err)
	}

	st = p.heartbeat(ctx, st, receivedAt(msg))
	if p.publisher != nil {
		r := reading
		p.publisher.Publish(model.Event{Type: model.EventReading, At: reading.ReceivedAt, Reading: &r})
	}
	p.handoff(ctx, reading)
	return Outcome{Result: metrics.ResultAccepted, Reading: &reading, Station: st}, nil
}

// saveReading retries a failed write once unless ctx is already done.
func (p *Pipeline) saveReading(ctx context.Context, r model.Reading) error {
	err := p.store.SaveReading(ctx, r)
	if err == nil || ctx.Err() != nil {
		return err
	}
	if p.logger != nil {
		p.logger.Warn("persist reading failed, retrying", "station_id", r.StationID, "reading_id", r.ID, "error", err)
	}
	return p.store.SaveReading(ctx, r)
}

func (p *Pipeline) applyStatus(ctx context.Context, st model.Station, msg model.SensorMessage) Outcome {
	// a station announcing offline is not proof of life
	if msg.Status != model.StationOffline {
		st = p.heartbeat(ctx, st, receivedAt(msg))
	}
	updated, changed, err := p.stations.SetStatus(st.ID, msg.Status)
	if err != nil {
		if p.logger != nil {
			p.logger.Warn("status update for unknown station", "station_id", st.ID, "error", err)
		}
		return Outcome{Result: metrics.ResultUnknownSensor}
	}
	if changed {
		p.persistStation(ctx, updated)
		if p.logger != nil {
			p.logger.Info("station status reported", "station_id", st.ID, "sensor_id", msg.SensorID, "status", updated.Status)
		}
	}
	return Outcome{Result: metrics.ResultStatus, Station: updated}
}

func (p *Pipeline) heartbeat(ctx context.Context, st model.Station, at time.Time) model.Station {
	updated, changed, err := p.stations.Heartbeat(st.ID, at)
	if err != nil {
		if !errors.Is(err, registry.ErrUnknownStation) && p.logger != nil {
			p.logger.Warn("heartbeat failed", "station_id", st.ID, "error", err)
		}
		return st
	}
	if changed {
		p.persistStation(ctx, updated)
		if p.logger != nil {
			p.logger.Info("station back online", "station_id", st.ID)
		}
	}
	return updated
}

func (p *Pipeline) persistStation(ctx context.Context, st model.Station) {
	if err := p.store.UpsertStation(ctx, st); err != nil && p.logger != nil {
		p.logger.Error("persist station failed", "station_id", st.ID, "error", err)
	}
}

func (p *Pipeline) handoff(ctx context.Context, r model.Reading) {
	if p.evaluator == nil {
		return
	}
	p.mu.RLock()
	if !p.started {
		p.mu.RUnlock()
		p.evaluate(ctx, r)
		return
	}
	if p.closed {
		p.mu.RUnlock()
		return
	}
	q := p.queues[keyed.Index(r.StationID, len(p.queues))]
	select {
	case q <- r:
		metrics.SetQueueDepth("eval", len(q))
	default:
		metrics.IncEvalDropped()
		if p.logger != nil {
			p.logger.Warn("evaluation queue full, reading stored but not evaluated", "station_id", r.StationID, "reading_id", r.ID)
		}
	}
	p.mu.RUnlock()
}

func (p *Pipeline) evaluate(ctx context.Context, r model.Reading) {
	res, err := p.evaluator.Evaluate(ctx, r)
	if err != nil && p.logger != nil {
		p.logger.Warn("evaluation failed", "station_id", r.StationID, "reading_id", r.ID, "error", err)
	}
	if p.logger != nil && !res.Empty() {
		p.logger.Debug("evaluation changed alerts",
			"station_id", r.StationID,
			"created", len(res.Created),
			"updated", len(res.Updated),
			"resolved", len(res.Resolved),
		)
	}
}

func receivedAt(msg model.SensorMessage) time.Time {
	if msg.ReceivedAt.IsZero() {
		return msg.Timestamp
	}
	return msg.ReceivedAt
}

// buildReading keeps only the pollutants the sensor is configured for, when
// it lists any, and computes the index from the accepted values.
func buildReading(sensor model.Sensor, st model.Station, msg model.SensorMessage) (model.Reading, bool) {
	values := make(map[model.Pollutant]float64, len(msg.Values))
	for p, v := range msg.Values {
		if sensor.Measures(p) {
			values[p] = v
		}
	}
	var rejected []model.Pollutant
	for _, p := range msg.Rejected {
		if sensor.Measures(p) {
			rejected = append(rejected, p)
		}
	}
	if len(values) == 0 && len(rejected) == 0 {
		return model.Reading{}, false
	}
	r := model.Reading{
		ID:         uuid.NewString(),
		StationID:  st.ID,
		SensorID:   sensor.ID,
		Timestamp:  msg.Timestamp,
		ReceivedAt: receivedAt(msg),
		Rejected:   rejected,
	}
	switch {
	case len(values) == 0:
		r.Validation = model.ValidationInvalid
	case len(rejected) > 0:
		r.Validation = model.ValidationPartial
	default:
		r.Validation = model.ValidationValid
	}
	if len(values) > 0 {
		r.Concentrations = values
	}
	if res, ok := aqi.Calculate(values); ok {
		idx := res.AQI
		r.AQI = &idx
		r.SubIndices = res.PerPollutant
		r.Category = res.Category
		r.Dominant = res.Dominant
	}
	return r, true
}
