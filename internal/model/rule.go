package model

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var ErrInvalidRule = errors.New("invalid alert rule")

type RuleKind string

const (
	KindThreshold    RuleKind = "threshold"
	KindRateOfChange RuleKind = "rate_of_change"
	KindConsecutive  RuleKind = "consecutive_readings"
	KindLiveness     RuleKind = "station_liveness"
)

type Operator string

const (
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
)

const floatTolerance = 1e-9

func (o Operator) Valid() bool {
	switch o {
	case OpGreaterThan, OpLessThan, OpEquals, OpNotEquals:
		return true
	}
	return false
}

func (o Operator) Compare(value, threshold float64) bool {
	switch o {
	case OpGreaterThan:
		return value > threshold
	case OpLessThan:
		return value < threshold
	case OpEquals:
		return math.Abs(value-threshold) <= floatTolerance
	case OpNotEquals:
		return math.Abs(value-threshold) > floatTolerance
	}
	return false
}

// Recovered reports whether value is back at or within the auto-resolve
// threshold for a rule that triggers with this operator.
func (o Operator) Recovered(value, resolveThreshold float64) bool {
	switch o {
	case OpGreaterThan:
		return value <= resolveThreshold
	case OpLessThan:
		return value >= resolveThreshold
	case OpEquals:
		return math.Abs(value-resolveThreshold) > floatTolerance
	case OpNotEquals:
		return math.Abs(value-resolveThreshold) <= floatTolerance
	}
	return false
}

func (o Operator) Symbol() string {
	switch o {
	case OpGreaterThan:
		return ">"
	case OpLessThan:
		return "<"
	case OpEquals:
		return "=="
	case OpNotEquals:
		return "!="
	}
	return string(o)
}

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

type ScopeKind string

const (
	ScopeGlobal   ScopeKind = "global"
	ScopeStations ScopeKind = "stations"
	ScopeRegions  ScopeKind = "regions"
)

type Scope struct {
	Kind     ScopeKind `json:"kind" yaml:"kind"`
	Stations []string  `json:"stations,omitempty" yaml:"stations,omitempty"`
	Regions  []string  `json:"regions,omitempty" yaml:"regions,omitempty"`
}

type Address struct {
	Channel Channel `json:"channel" yaml:"channel"`
	Target  string  `json:"target" yaml:"target"`
}

type Recipients struct {
	Roles     []string  `json:"roles,omitempty" yaml:"roles,omitempty"`
	Users     []string  `json:"users,omitempty" yaml:"users,omitempty"`
	Addresses []Address `json:"addresses,omitempty" yaml:"addresses,omitempty"`
	Channels  []Channel `json:"channels,omitempty" yaml:"channels,omitempty"`
}

// AlertRule is the operator-maintained rule definition as it appears in
// configuration. Compile turns it into a typed Condition.
type AlertRule struct {
	ID                   string        `json:"id" yaml:"id"`
	Name                 string        `json:"name" yaml:"name"`
	Kind                 RuleKind      `json:"kind" yaml:"kind"`
	Active               *bool         `json:"active,omitempty" yaml:"active,omitempty"`
	Pollutant            Pollutant     `json:"pollutant,omitempty" yaml:"pollutant,omitempty"`
	Operator             Operator      `json:"operator,omitempty" yaml:"operator,omitempty"`
	Threshold            *float64      `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	Duration             time.Duration `json:"duration,omitempty" yaml:"duration,omitempty"`
	MinReadings          int           `json:"min_readings,omitempty" yaml:"min_readings,omitempty"`
	MaxGap               time.Duration `json:"max_gap,omitempty" yaml:"max_gap,omitempty"`
	Window               time.Duration `json:"window,omitempty" yaml:"window,omitempty"`
	Timeout              time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Severity             Severity      `json:"severity" yaml:"severity"`
	Scope                Scope         `json:"scope" yaml:"scope"`
	Cooldown             time.Duration `json:"cooldown" yaml:"cooldown"`
	AutoResolve          bool          `json:"auto_resolve" yaml:"auto_resolve"`
	AutoResolveThreshold *float64      `json:"auto_resolve_threshold,omitempty" yaml:"auto_resolve_threshold,omitempty"`
	Message              string        `json:"message,omitempty" yaml:"message,omitempty"`
	Recipients           Recipients    `json:"recipients" yaml:"recipients"`
}

func (r AlertRule) IsActive() bool {
	return r.Active == nil || *r.Active
}

// Condition is the closed set of evaluation policies. Implementations are
// the four *Condition types below.
type Condition interface {
	condition()
}

type ThresholdCondition struct {
	Pollutant Pollutant
	Operator  Operator
	Threshold float64
}

type ConsecutiveCondition struct {
	Pollutant   Pollutant
	Operator    Operator
	Threshold   float64
	Duration    time.Duration
	MinReadings int
	MaxGap      time.Duration
}

type RateOfChangeCondition struct {
	Pollutant Pollutant
	Operator  Operator
	Threshold float64
	Window    time.Duration
}

type LivenessCondition struct {
	Timeout time.Duration
}

func (ThresholdCondition) condition()    {}
func (ConsecutiveCondition) condition()  {}
func (RateOfChangeCondition) condition() {}
func (LivenessCondition) condition()     {}

const (
	defaultMinReadings = 2
	defaultRateWindow  = 15 * time.Minute
)

// CompiledRule pairs a validated rule with its typed condition.
type CompiledRule struct {
	AlertRule
	Condition Condition
}

// Compile validates the rule and builds its condition. stationTimeout is
// the heartbeat age at which stations are marked offline; a liveness rule
// always fires at that age and may only restate it.
func (r AlertRule) Compile(stationTimeout time.Duration) (CompiledRule, error) {
	fail := func(format string, args ...any) (CompiledRule, error) {
		return CompiledRule{}, fmt.Errorf("%w %q: %s", ErrInvalidRule, r.ID, fmt.Sprintf(format, args...))
	}
	if r.ID == "" {
		return fail("empty id")
	}
	if r.Cooldown < 0 {
		return fail("cooldown must be >= 0")
	}
	if r.AutoResolve && r.AutoResolveThreshold == nil {
		return fail("auto_resolve requires auto_resolve_threshold")
	}
	if err := r.Scope.validate(); err != nil {
		return fail("%v", err)
	}
	for _, a := range r.Recipients.Addresses {
		if !a.Channel.Valid() || a.Target == "" {
			return fail("invalid recipient address %q/%q", a.Channel, a.Target)
		}
	}
	for _, c := range r.Recipients.Channels {
		if !c.Valid() {
			return fail("invalid recipient channel %q", c)
		}
	}

	out := CompiledRule{AlertRule: r}
	if out.Severity == "" {
		out.Severity = SeverityMedium
	}
	if out.Name == "" {
		out.Name = r.ID
	}

	if r.Kind == KindLiveness {
		timeout := r.Timeout
		if stationTimeout > 0 {
			if timeout > 0 && timeout != stationTimeout {
				return fail("liveness timeout %s differs from station offline timeout %s", timeout, stationTimeout)
			}
			timeout = stationTimeout
		}
		if timeout <= 0 {
			return fail("liveness rule requires timeout")
		}
		out.Operator = OpGreaterThan
		out.Condition = LivenessCondition{Timeout: timeout}
		return out, nil
	}

	p, ok := ParsePollutant(string(r.Pollutant))
	if !ok {
		return fail("unknown pollutant %q", r.Pollutant)
	}
	if !r.Operator.Valid() {
		return fail("invalid operator %q", r.Operator)
	}
	if r.Threshold == nil {
		return fail("missing threshold")
	}
	out.Pollutant = p
	threshold := *r.Threshold

	switch r.Kind {
	case KindThreshold:
		out.Condition = ThresholdCondition{Pollutant: p, Operator: r.Operator, Threshold: threshold}
	case KindConsecutive:
		if r.Duration <= 0 {
			return fail("consecutive_readings requires duration")
		}
		minReadings := r.MinReadings
		if minReadings <= 0 {
			minReadings = defaultMinReadings
		}
		out.Condition = ConsecutiveCondition{
			Pollutant:   p,
			Operator:    r.Operator,
			Threshold:   threshold,
			Duration:    r.Duration,
			MinReadings: minReadings,
			MaxGap:      r.MaxGap,
		}
	case KindRateOfChange:
		window := r.Window
		if window <= 0 {
			window = defaultRateWindow
		}
		out.Condition = RateOfChangeCondition{Pollutant: p, Operator: r.Operator, Threshold: threshold, Window: window}
	default:
		return fail("unknown kind %q", r.Kind)
	}
	return out, nil
}

func (s Scope) validate() error {
	switch s.Kind {
	case "", ScopeGlobal:
		return nil
	case ScopeStations:
		if len(s.Stations) == 0 {
			return errors.New("station scope with empty station list")
		}
	case ScopeRegions:
		if len(s.Regions) == 0 {
			return errors.New("region scope with empty region list")
		}
	default:
		return fmt.Errorf("unknown scope %q", s.Kind)
	}
	return nil
}

// ThresholdValue returns the value the condition compares against, for
// snapshots. Liveness thresholds are expressed in seconds.
func (c CompiledRule) ThresholdValue() float64 {
	switch cond := c.Condition.(type) {
	case ThresholdCondition:
		return cond.Threshold
	case ConsecutiveCondition:
		return cond.Threshold
	case RateOfChangeCondition:
		return cond.Threshold
	case LivenessCondition:
		return cond.Timeout.Seconds()
	}
	return 0
}
