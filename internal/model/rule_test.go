package model

import (
	"errors"
	"testing"
	"time"
)

func f64(v float64) *float64 { return &v }

func TestCompileThresholdRule(t *testing.T) {
	rule := AlertRule{ID: "pm25-high", Kind: KindThreshold, Pollutant: "PM2.5", Operator: OpGreaterThan, Threshold: f64(55)}
	c, err := rule.Compile(0)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	cond, ok := c.Condition.(ThresholdCondition)
	if !ok {
		t.Fatalf("expected threshold condition, got %T", c.Condition)
	}
	if cond.Pollutant != PM25 || cond.Threshold != 55 {
		t.Fatalf("unexpected condition: %+v", cond)
	}
	if c.Severity != SeverityMedium || c.Name != "pm25-high" {
		t.Fatalf("defaults not applied: %+v", c.AlertRule)
	}
}

func TestCompileRejectsMisconfiguredRules(t *testing.T) {
	cases := map[string]AlertRule{
		"missing threshold":     {ID: "a", Kind: KindThreshold, Pollutant: PM25, Operator: OpGreaterThan},
		"negative cooldown":     {ID: "b", Kind: KindThreshold, Pollutant: PM25, Operator: OpGreaterThan, Threshold: f64(1), Cooldown: -time.Second},
		"auto resolve no value": {ID: "c", Kind: KindThreshold, Pollutant: PM25, Operator: OpGreaterThan, Threshold: f64(1), AutoResolve: true},
		"unknown pollutant":     {ID: "d", Kind: KindThreshold, Pollutant: "radon", Operator: OpGreaterThan, Threshold: f64(1)},
		"bad operator":          {ID: "e", Kind: KindThreshold, Pollutant: PM25, Operator: "between", Threshold: f64(1)},
		"consecutive no window": {ID: "f", Kind: KindConsecutive, Pollutant: PM25, Operator: OpGreaterThan, Threshold: f64(1)},
		"empty station scope":   {ID: "g", Kind: KindThreshold, Pollutant: PM25, Operator: OpGreaterThan, Threshold: f64(1), Scope: Scope{Kind: ScopeStations}},
		"unknown kind":          {ID: "h", Kind: "forecast", Pollutant: PM25, Operator: OpGreaterThan, Threshold: f64(1)},
		"liveness no timeout":   {ID: "i", Kind: KindLiveness},
	}
	for name, rule := range cases {
		if _, err := rule.Compile(0); !errors.Is(err, ErrInvalidRule) {
			t.Fatalf("%s: expected ErrInvalidRule, got %v", name, err)
		}
	}
}

func TestCompileLivenessUsesStationTimeout(t *testing.T) {
	c, err := AlertRule{ID: "offline", Kind: KindLiveness}.Compile(10 * time.Minute)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	cond := c.Condition.(LivenessCondition)
	if cond.Timeout != 10*time.Minute {
		t.Fatalf("timeout: %s", cond.Timeout)
	}
	if c.ThresholdValue() != 600 {
		t.Fatalf("threshold seconds: %v", c.ThresholdValue())
	}
}

func TestCompileLivenessRejectsDifferentTimeout(t *testing.T) {
	rule := AlertRule{ID: "offline", Kind: KindLiveness, Timeout: 30 * time.Minute}
	if _, err := rule.Compile(10 * time.Minute); !errors.Is(err, ErrInvalidRule) {
		t.Fatalf("expected ErrInvalidRule, got %v", err)
	}
	rule.Timeout = 10 * time.Minute
	if _, err := rule.Compile(10 * time.Minute); err != nil {
		t.Fatalf("matching timeout: %v", err)
	}
	c, err := rule.Compile(0)
	if err != nil || c.Condition.(LivenessCondition).Timeout != 10*time.Minute {
		t.Fatalf("own timeout without a station timeout: %+v %v", c, err)
	}
}

func TestOperatorRecovered(t *testing.T) {
	if !OpGreaterThan.Recovered(35, 40) || OpGreaterThan.Recovered(45, 40) {
		t.Fatalf("greater_than recovery mismatch")
	}
	if !OpLessThan.Recovered(12, 10) || OpLessThan.Recovered(8, 10) {
		t.Fatalf("less_than recovery mismatch")
	}
	if !OpEquals.Recovered(3, 4) || OpEquals.Recovered(4, 4) {
		t.Fatalf("equals recovery mismatch")
	}
}

func TestParsePollutantAliases(t *testing.T) {
	for in, want := range map[string]Pollutant{"PM2.5": PM25, "pm2_5": PM25, "Ozone": O3, " no2 ": NO2} {
		got, ok := ParsePollutant(in)
		if !ok || got != want {
			t.Fatalf("%q: got %q ok=%v", in, got, ok)
		}
	}
	if _, ok := ParsePollutant("humidity"); ok {
		t.Fatalf("expected humidity to be unknown")
	}
}
