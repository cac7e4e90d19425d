package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"airguard/internal/config"
	"airguard/internal/engine"
	"airguard/internal/feed"
	"airguard/internal/model"
	"airguard/internal/storage"
)

const defaultAlertLimit = 100

// AlertControl is the engine surface used for human acknowledgement and
// resolution.
type AlertControl interface {
	Acknowledge(ctx context.Context, id, actor string) (model.Alert, error)
	Resolve(ctx context.Context, id, actor string) (model.Alert, error)
	Rules() []model.CompiledRule
}

type StationControl interface {
	List() []model.Station
	SetStatus(stationID string, status model.StationStatus) (model.Station, bool, error)
}

type Server struct {
	cfg        config.Source
	configPath string
	store      storage.Store
	engine     AlertControl
	stations   StationControl
	recent     *feed.Recent
	stream     http.Handler
	metrics    http.Handler
	logger     *slog.Logger
	version    string
	started    time.Time
}

type Options struct {
	ConfigPath string
	Store      storage.Store
	Engine     AlertControl
	Stations   StationControl
	Recent     *feed.Recent
	Stream     http.Handler
	Metrics    http.Handler
	Logger     *slog.Logger
	Version    string
}

type statusResponse struct {
	Status     string         `json:"status"`
	Time       string         `json:"time"`
	Uptime     string         `json:"uptime"`
	Version    string         `json:"version"`
	ConfigPath string         `json:"config_path,omitempty"`
	Storage    string         `json:"storage"`
	Ingest     ingestStatus   `json:"ingest"`
	Stations   map[string]int `json:"stations"`
	Rules      int            `json:"rules"`
	Streaming  int            `json:"stream_subscribers"`
}

// subscriberCounter is implemented by stream handlers that track their
// connected clients.
type subscriberCounter interface {
	Subscribers() int
}

type ingestStatus struct {
	REST      bool `json:"rest"`
	TCPStream bool `json:"tcp_stream"`
	Kafka     bool `json:"kafka"`
	MQTT      bool `json:"mqtt"`
}

type ruleView struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Kind      model.RuleKind  `json:"kind"`
	Pollutant model.Pollutant `json:"pollutant,omitempty"`
	Operator  model.Operator  `json:"operator"`
	Threshold float64         `json:"threshold"`
	Severity  model.Severity  `json:"severity"`
	Scope     model.Scope     `json:"scope"`
	Cooldown  string          `json:"cooldown"`
	Auto      bool            `json:"auto_resolve"`
}

func NewServer(cfg config.Source, opts Options) *Server {
	s := &Server{
		cfg:        cfg,
		configPath: opts.ConfigPath,
		store:      opts.Store,
		engine:     opts.Engine,
		stations:   opts.Stations,
		recent:     opts.Recent,
		stream:     opts.Stream,
		metrics:    opts.Metrics,
		logger:     opts.Logger,
		version:    opts.Version,
		started:    time.Now().UTC(),
	}
	if s.metrics == nil {
		s.metrics = promhttp.Handler()
	}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /stations", s.handleStations)
	mux.HandleFunc("POST /stations/{id}/status", s.handleStationStatus)
	mux.HandleFunc("GET /rules", s.handleRules)
	mux.HandleFunc("GET /alerts", s.handleAlerts)
	mux.HandleFunc("GET /alerts/{id}", s.handleAlert)
	mux.HandleFunc("POST /alerts/{id}/ack", s.handleAcknowledge)
	mux.HandleFunc("POST /alerts/{id}/resolve", s.handleResolve)
	mux.HandleFunc("GET /events", s.handleEvents)
	if s.stream != nil {
		mux.Handle("GET /stream", s.stream)
	}
	mux.Handle("GET /metrics", s.metrics)
	return mux
}

func Start(ctx context.Context, cfg config.Source, opts Options) *http.Server {
	if cfg == nil {
		return nil
	}
	logger := opts.Logger
	current := cfg.Get().API
	if !current.Enabled {
		if logger != nil {
			logger.Info("api disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("api enabled", "addr", current.Addr)
	}
	server := NewServer(cfg, opts)
	httpServer := &http.Server{Addr: current.Addr, Handler: server.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	cfg := s.cfg.Get()
	counts := make(map[string]int)
	if s.stations != nil {
		for _, st := range s.stations.List() {
			counts[string(st.Status)]++
		}
	}
	status := "ok"
	if s.store != nil {
		pingCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.store.Ping(pingCtx); err != nil {
			status = "degraded"
		}
	}
	rules := 0
	if s.engine != nil {
		rules = len(s.engine.Rules())
	}
	streaming := 0
	if c, ok := s.stream.(subscriberCounter); ok {
		streaming = c.Subscribers()
	}
	now := time.Now().UTC()
	writeJSON(w, http.StatusOK, statusResponse{
		Status:     status,
		Time:       now.Format(time.RFC3339Nano),
		Uptime:     now.Sub(s.started).Round(time.Second).String(),
		Version:    s.version,
		ConfigPath: s.configPath,
		Storage:    cfg.Storage.Driver,
		Ingest: ingestStatus{
			REST:      cfg.Ingest.REST.Enabled,
			TCPStream: cfg.Ingest.TCPStream.Enabled,
			Kafka:     cfg.Ingest.Kafka.Enabled,
			MQTT:      cfg.Ingest.MQTT.Enabled,
		},
		Stations:  counts,
		Rules:     rules,
		Streaming: streaming,
	})
}

func (s *Server) handleStations(w http.ResponseWriter, r *http.Request) {
	var list []model.Station
	if s.stations != nil {
		list = s.stations.List()
	}
	if want := r.URL.Query().Get("status"); want != "" {
		filtered := list[:0:0]
		for _, st := range list {
			if string(st.Status) == want {
				filtered = append(filtered, st)
			}
		}
		list = filtered
	}
	writeJSON(w, http.StatusOK, map[string]any{"stations": list, "count": len(list)})
}

// handleStationStatus is the external path for maintenance and error
// states, which the liveness sweep never overrides.
func (s *Server) handleStationStatus(w http.ResponseWriter, r *http.Request) {
	if s.stations == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	status, ok := model.ParseStationStatus(req.Status)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown status"})
		return
	}
	st, changed, err := s.stations.SetStatus(r.PathValue("id"), status)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	if changed && s.store != nil {
		if err := s.store.UpsertStation(r.Context(), st); err != nil && s.logger != nil {
			s.logger.Error("persist station failed", "station_id", st.ID, "error", err)
		}
	}
	if changed && s.logger != nil {
		s.logger.Info("station status set", "station_id", st.ID, "status", st.Status)
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleRules(w http.ResponseWriter, _ *http.Request) {
	var out []ruleView
	if s.engine != nil {
		for _, r := range s.engine.Rules() {
			out = append(out, ruleView{
				ID:        r.ID,
				Name:      r.Name,
				Kind:      r.Kind,
				Pollutant: r.Pollutant,
				Operator:  r.Operator,
				Threshold: r.ThresholdValue(),
				Severity:  r.Severity,
				Scope:     r.Scope,
				Cooldown:  r.Cooldown.String(),
				Auto:      r.AutoResolve,
			})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": out, "count": len(out)})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	q := r.URL.Query()
	filter := storage.AlertFilter{
		StationID: q.Get("station"),
		RuleID:    q.Get("rule"),
		Limit:     defaultAlertLimit,
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		filter.Limit = n
	}
	for _, v := range strings.Split(q.Get("status"), ",") {
		v = strings.TrimSpace(v)
		switch {
		case v == "":
		case v == "open":
			filter.Statuses = append(filter.Statuses, model.AlertActive, model.AlertAcknowledged)
		default:
			filter.Statuses = append(filter.Statuses, model.AlertStatus(v))
		}
	}
	list, err := s.store.ListAlerts(r.Context(), filter)
	if err != nil {
		if s.logger != nil {
			s.logger.Error("list alerts failed", "error", err)
		}
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": list, "count": len(list)})
}

func (s *Server) handleAlert(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	a, err := s.store.GetAlert(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, func(ctx context.Context, id, actor string) (model.Alert, error) {
		return s.engine.Acknowledge(ctx, id, actor)
	})
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, func(ctx context.Context, id, actor string) (model.Alert, error) {
		return s.engine.Resolve(ctx, id, actor)
	})
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id, actor string) (model.Alert, error)) {
	if s.engine == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	var req struct {
		Actor string `json:"actor"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
	}
	a, err := fn(r.Context(), r.PathValue("id"), strings.TrimSpace(req.Actor))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.recent == nil {
		writeJSON(w, http.StatusOK, map[string]any{"events": []model.Event{}, "count": 0})
		return
	}
	q := r.URL.Query()
	var list []model.Event
	if v := q.Get("since"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		list = s.recent.Since(ts)
	} else {
		limit := 0
		if v := q.Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				limit = n
			}
		}
		var types []model.EventType
		for _, t := range strings.Split(q.Get("type"), ",") {
			if t = strings.TrimSpace(t); t != "" {
				types = append(types, model.EventType(t))
			}
		}
		list = s.recent.List(limit, types...)
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": list, "count": len(list)})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "alert not found"})
	case errors.Is(err, engine.ErrInvalidTransition):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		if s.logger != nil {
			s.logger.Error("alert request failed", "error", err)
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
