// Package notify delivers notification jobs produced by the rule engine.
// The engine only enqueues; rendering, channel I/O, retries and terminal
// failure recording all happen on the dispatcher's own workers.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"airguard/internal/config"
	"airguard/internal/metrics"
	"airguard/internal/model"
	"airguard/internal/storage"
)

var ErrShutdownGrace = errors.New("notify: shutdown grace exceeded, in-flight deliveries abandoned")

const (
	queueName     = "notify"
	maxBackoffExp = 6
	abandonWait   = time.Second
)

// Store is the part of the storage layer the dispatcher needs.
type Store interface {
	GetAlert(ctx context.Context, id string) (model.Alert, error)
	UpdateJob(ctx context.Context, job model.NotificationJob) error
	ListPendingJobs(ctx context.Context, limit int) ([]model.NotificationJob, error)
}

type StationLookup interface {
	Station(id string) (model.Station, bool)
}

type Option func(*Dispatcher)

func WithStations(s StationLookup) Option {
	return func(d *Dispatcher) { d.stations = s }
}

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// Dispatcher is a bounded-queue consumer. A job ID is tracked from the
// moment it is queued until its attempt is recorded, so the periodic store
// recovery never hands the same job to two workers.
type Dispatcher struct {
	cfg      config.NotifyConfig
	store    Store
	sender   Sender
	renderer *Renderer
	stations StationLookup
	logger   *slog.Logger
	now      func() time.Time

	queue chan model.NotificationJob

	mu       sync.Mutex
	inflight map[string]struct{}
	done     map[string]time.Time
	timers   map[string]*time.Timer
	started  bool
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	stop   chan struct{}
	wg     sync.WaitGroup
}

func New(cfg config.NotifyConfig, store Store, sender Sender, renderer *Renderer, logger *slog.Logger, opts ...Option) *Dispatcher {
	def := config.DefaultConfig().Notify
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = def.ShutdownGrace
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	d := &Dispatcher{
		cfg:      cfg,
		store:    store,
		sender:   sender,
		renderer: renderer,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		queue:    make(chan model.NotificationJob, cfg.QueueSize),
		inflight: make(map[string]struct{}),
		done:     make(map[string]time.Time),
		timers:   make(map[string]*time.Timer),
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start launches the workers and the pending-job recovery loop. Cancelling
// ctx abandons in-flight sends immediately; use Shutdown for a graceful
// stop.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	if d.started || d.closed {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.mu.Unlock()

	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for job := range d.queue {
				metrics.SetQueueDepth(queueName, len(d.queue))
				d.handle(job)
			}
		}()
	}
	go d.poll()
}

// Enqueue hands a job to the workers without blocking. It returns false when
// the queue is full or the dispatcher is shut down; the job then stays
// pending in the store and is picked up by recovery.
func (d *Dispatcher) Enqueue(job model.NotificationJob) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	if _, busy := d.inflight[job.ID]; busy {
		return true
	}
	if _, finished := d.done[job.ID]; finished {
		return true
	}
	select {
	case d.queue <- job:
		d.inflight[job.ID] = struct{}{}
		metrics.SetQueueDepth(queueName, len(d.queue))
		return true
	default:
		return false
	}
}

// Shutdown stops intake and pending retries, then waits up to
// shutdown_grace (or until ctx is done) for queued and in-flight deliveries.
// Whatever is still running after that is cancelled and left pending in the
// store.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	for id, t := range d.timers {
		t.Stop()
		delete(d.timers, id)
		delete(d.inflight, id)
	}
	close(d.queue)
	close(d.stop)
	d.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(finished)
	}()
	grace := time.NewTimer(d.cfg.ShutdownGrace)
	defer grace.Stop()

	select {
	case <-finished:
		d.abort()
		return nil
	case <-grace.C:
	case <-ctx.Done():
	}
	d.abort()
	select {
	case <-finished:
	case <-time.After(abandonWait):
	}
	if d.logger != nil {
		d.logger.Warn("notification shutdown grace exceeded", "grace", d.cfg.ShutdownGrace.String())
	}
	return ErrShutdownGrace
}

func (d *Dispatcher) abort() {
	d.mu.Lock()
	cancel := d.cancel
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (d *Dispatcher) handle(job model.NotificationJob) {
	next, retry := d.deliver(job)
	if retry {
		d.scheduleRetry(next)
		return
	}
	d.release(job.ID, next.Status != model.JobPending)
}

// deliver makes one attempt and records it. It reports whether the job
// should be attempted again.
func (d *Dispatcher) deliver(job model.NotificationJob) (model.NotificationJob, bool) {
	ctx := d.context()
	if ctx.Err() != nil {
		return job, false
	}
	content, err := d.content(ctx, job)
	if err == nil {
		job.Subject, job.Content = content.Subject, content.Body
		err = d.send(ctx, job, content)
	}
	if err != nil && ctx.Err() != nil {
		if d.logger != nil {
			d.logger.Warn("notification abandoned on shutdown", "job_id", job.ID, "channel", job.Channel)
		}
		return job, false
	}

	now := d.now()
	job.UpdatedAt = now
	if err == nil {
		job.Status = model.JobSent
		job.SentAt = &now
		job.LastError = ""
		d.record(ctx, job)
		metrics.ObserveNotification(string(job.Channel), metrics.DeliverySent)
		return job, false
	}

	job.RetryCount++
	job.LastError = err.Error()
	if IsPermanent(err) || job.RetryCount > d.cfg.MaxRetries {
		job.Status = model.JobFailed
		d.record(ctx, job)
		metrics.ObserveNotification(string(job.Channel), metrics.DeliveryFailed)
		if d.logger != nil {
			d.logger.Error("notification failed",
				"job_id", job.ID,
				"alert_id", job.AlertID,
				"channel", job.Channel,
				"target", job.Target,
				"retries", job.RetryCount,
				"error", err,
			)
		}
		return job, false
	}
	d.record(ctx, job)
	metrics.ObserveNotification(string(job.Channel), metrics.DeliveryRetry)
	if d.logger != nil {
		d.logger.Warn("notification attempt failed, will retry",
			"job_id", job.ID,
			"channel", job.Channel,
			"retries", job.RetryCount,
			"error", err,
		)
	}
	return job, true
}

func (d *Dispatcher) content(ctx context.Context, job model.NotificationJob) (Content, error) {
	alert, err := d.store.GetAlert(ctx, job.AlertID)
	if errors.Is(err, storage.ErrNotFound) {
		return Content{}, Permanent(fmt.Errorf("alert %s: %w", job.AlertID, err))
	}
	if err != nil {
		return Content{}, fmt.Errorf("load alert %s: %w", job.AlertID, err)
	}
	st := model.Station{ID: alert.StationID}
	if d.stations != nil {
		if found, ok := d.stations.Station(alert.StationID); ok {
			st = found
		}
	}
	c, err := d.renderer.Render(job.Channel, alert, st)
	if err != nil {
		return Content{}, Permanent(fmt.Errorf("render: %w", err))
	}
	return c, nil
}

func (d *Dispatcher) send(ctx context.Context, job model.NotificationJob, content Content) (err error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sender panic: %v", r)
		}
	}()
	return d.sender.Send(ctx, job.Channel, job.Target, content)
}

// record persists the attempt, retrying once. A lost write leaves the store
// one attempt behind; the job itself is unaffected.
func (d *Dispatcher) record(ctx context.Context, job model.NotificationJob) {
	// the attempt already happened; record it even if shutdown began since
	ctx = context.WithoutCancel(ctx)
	err := d.store.UpdateJob(ctx, job)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		err = d.store.UpdateJob(ctx, job)
	}
	if err != nil && d.logger != nil {
		d.logger.Error("record notification job failed", "job_id", job.ID, "status", job.Status, "error", err)
	}
}

func (d *Dispatcher) scheduleRetry(job model.NotificationJob) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		delete(d.inflight, job.ID)
		return
	}
	d.timers[job.ID] = time.AfterFunc(d.backoff(job.RetryCount), func() { d.requeue(job) })
}

func (d *Dispatcher) backoff(retries int) time.Duration {
	exp := min(max(retries-1, 0), maxBackoffExp)
	return d.cfg.RetryBackoff * time.Duration(1<<exp)
}

func (d *Dispatcher) requeue(job model.NotificationJob) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.timers[job.ID]; !ok {
		return
	}
	delete(d.timers, job.ID)
	if d.closed {
		delete(d.inflight, job.ID)
		return
	}
	select {
	case d.queue <- job:
	default:
		// recovery will find it pending
		delete(d.inflight, job.ID)
	}
}

func (d *Dispatcher) release(id string, finished bool) {
	d.mu.Lock()
	delete(d.inflight, id)
	if finished && d.cfg.PollInterval > 0 {
		d.done[id] = d.now()
	}
	d.mu.Unlock()
}

func (d *Dispatcher) context() context.Context {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ctx == nil {
		return context.Background()
	}
	return d.ctx
}

// poll re-queues pending jobs from the store: jobs left over by a previous
// process, jobs the engine could not enqueue and retries whose requeue
// found the queue full.
func (d *Dispatcher) poll() {
	d.recoverPending()
	if d.cfg.PollInterval <= 0 {
		return
	}
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	ctx := d.context()
	for {
		select {
		case <-d.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.recoverPending()
		}
	}
}

func (d *Dispatcher) recoverPending() {
	ctx := d.context()
	jobs, err := d.store.ListPendingJobs(ctx, d.cfg.QueueSize)
	if err != nil {
		if d.logger != nil && ctx.Err() == nil {
			d.logger.Warn("list pending notification jobs failed", "error", err)
		}
		return
	}
	requeued := 0
	for _, job := range jobs {
		if d.Enqueue(job) {
			requeued++
		}
	}
	d.pruneDone()
	if requeued > 0 && d.logger != nil {
		d.logger.Debug("pending notification jobs queued", "count", requeued)
	}
}

// pruneDone forgets finished job IDs once no store listing taken before they
// finished can still be in flight.
func (d *Dispatcher) pruneDone() {
	keep := 2 * d.cfg.PollInterval
	if keep <= 0 {
		keep = time.Minute
	}
	cutoff := d.now().Add(-keep)
	d.mu.Lock()
	for id, at := range d.done {
		if at.Before(cutoff) {
			delete(d.done, id)
		}
	}
	d.mu.Unlock()
}
