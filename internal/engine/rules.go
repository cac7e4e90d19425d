package engine

import (
	"bytes"
	"fmt"
	"log/slog"
	"text/template"
	"time"

	"airguard/internal/config"
	"airguard/internal/model"
)

// OfflineRuleID names the liveness rule installed from monitor.default_rule.
const OfflineRuleID = "station_offline"

const (
	defaultMessage  = `{{.RuleName}}: {{.Pollutant}} at {{.StationName}} is {{printf "%.2f" .Value}} ({{.Operator}} {{printf "%.2f" .Threshold}})`
	livenessMessage = `{{.StationName}} offline: no heartbeat for {{printf "%.0f" .Value}}s (timeout {{printf "%.0f" .Threshold}}s)`
)

type rule struct {
	model.CompiledRule
	scope   scopeSet
	message *template.Template
}

type ruleSet struct {
	rules []*rule
	// longest history any rule looks back over
	lookback time.Duration
}

type messageData struct {
	RuleID      string
	RuleName    string
	StationID   string
	StationName string
	Region      string
	Pollutant   model.Pollutant
	Value       float64
	Threshold   float64
	Operator    string
	Severity    model.Severity
}

func buildRules(cfg *config.Config, logger *slog.Logger) *ruleSet {
	set := &ruleSet{}
	hasLiveness := false
	for _, def := range cfg.Rules {
		if !def.IsActive() {
			continue
		}
		r, err := compileRule(def, cfg.Monitor.LivenessTimeout)
		if err != nil {
			if logger != nil {
				logger.Warn("skipping misconfigured rule", "rule_id", def.ID, "error", err)
			}
			continue
		}
		if r.Kind == model.KindLiveness {
			hasLiveness = true
		}
		set.add(r)
	}
	if !hasLiveness && cfg.Monitor.DefaultRule.Enabled {
		r, err := compileRule(offlineRule(cfg), cfg.Monitor.LivenessTimeout)
		if err != nil {
			if logger != nil {
				logger.Warn("default offline rule disabled", "error", err)
			}
		} else {
			set.add(r)
		}
	}
	return set
}

func (s *ruleSet) add(r *rule) {
	s.rules = append(s.rules, r)
	switch c := r.Condition.(type) {
	case model.ConsecutiveCondition:
		s.lookback = max(s.lookback, c.Duration)
	case model.RateOfChangeCondition:
		s.lookback = max(s.lookback, c.Window)
	}
}

func offlineRule(cfg *config.Config) model.AlertRule {
	def := cfg.Monitor.DefaultRule
	timeout := cfg.Monitor.LivenessTimeout
	r := model.AlertRule{
		ID:          OfflineRuleID,
		Name:        "Station offline",
		Kind:        model.KindLiveness,
		Timeout:     timeout,
		Severity:    def.Severity,
		Cooldown:    def.Cooldown,
		AutoResolve: def.AutoResolve,
		Recipients:  def.Recipients,
	}
	if def.AutoResolve {
		secs := timeout.Seconds()
		r.AutoResolveThreshold = &secs
	}
	return r
}

func compileRule(def model.AlertRule, stationTimeout time.Duration) (*rule, error) {
	compiled, err := def.Compile(stationTimeout)
	if err != nil {
		return nil, err
	}
	text := compiled.Message
	if text == "" {
		text = defaultMessage
		if compiled.Kind == model.KindLiveness {
			text = livenessMessage
		}
	}
	tmpl, err := template.New(compiled.ID).Option("missingkey=zero").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("%w %q: message template: %v", model.ErrInvalidRule, compiled.ID, err)
	}
	return &rule{
		CompiledRule: compiled,
		scope:        buildScope(compiled.Scope),
		message:      tmpl,
	}, nil
}

func (r *rule) render(st model.Station, snap model.Snapshot) string {
	name := st.Name
	if name == "" {
		name = st.ID
	}
	data := messageData{
		RuleID:      r.ID,
		RuleName:    r.Name,
		StationID:   st.ID,
		StationName: name,
		Region:      st.Region,
		Pollutant:   snap.Pollutant,
		Value:       snap.Value,
		Threshold:   snap.Threshold,
		Operator:    snap.Operator.Symbol(),
		Severity:    r.Severity,
	}
	var buf bytes.Buffer
	if err := r.message.Execute(&buf, data); err != nil {
		return fmt.Sprintf("%s at %s: value %.2f %s %.2f", r.Name, name, snap.Value, data.Operator, snap.Threshold)
	}
	return buf.String()
}
