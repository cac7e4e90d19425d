package model

import (
	"sort"
	"strings"
	"time"
)

type Pollutant string

const (
	PM25 Pollutant = "pm25"
	PM10 Pollutant = "pm10"
	O3   Pollutant = "o3"
	CO   Pollutant = "co"
	NO2  Pollutant = "no2"
	SO2  Pollutant = "so2"
)

// Pollutants lists every pollutant the AQI calculator understands, in a
// fixed order used to break ties when two pollutants produce the same index.
var Pollutants = []Pollutant{PM25, PM10, O3, CO, NO2, SO2}

var pollutantAliases = map[string]Pollutant{
	"pm25":  PM25,
	"pm2.5": PM25,
	"pm2_5": PM25,
	"pm10":  PM10,
	"o3":    O3,
	"ozone": O3,
	"co":    CO,
	"no2":   NO2,
	"so2":   SO2,
}

func ParsePollutant(s string) (Pollutant, bool) {
	p, ok := pollutantAliases[strings.ToLower(strings.TrimSpace(s))]
	return p, ok
}

type Category string

const (
	CategoryGood               Category = "good"
	CategoryModerate           Category = "moderate"
	CategoryUnhealthySensitive Category = "unhealthy_sensitive"
	CategoryUnhealthy          Category = "unhealthy"
	CategoryVeryUnhealthy      Category = "very_unhealthy"
	CategoryHazardous          Category = "hazardous"
)

type Validation string

const (
	ValidationValid   Validation = "valid"
	ValidationPartial Validation = "partial"
	ValidationInvalid Validation = "invalid"
)

// Reading is one normalized observation. It is never mutated after the
// pipeline has persisted it.
type Reading struct {
	ID             string                `json:"id"`
	StationID      string                `json:"station_id"`
	SensorID       string                `json:"sensor_id,omitempty"`
	Timestamp      time.Time             `json:"timestamp"`
	ReceivedAt     time.Time             `json:"received_at"`
	Concentrations map[Pollutant]float64 `json:"concentrations,omitempty"`
	Rejected       []Pollutant           `json:"rejected,omitempty"`
	AQI            *int                  `json:"aqi,omitempty"`
	SubIndices     map[Pollutant]int     `json:"sub_indices,omitempty"`
	Category       Category              `json:"category,omitempty"`
	Dominant       Pollutant             `json:"dominant,omitempty"`
	Validation     Validation            `json:"validation"`
}

func (r Reading) Value(p Pollutant) (float64, bool) {
	v, ok := r.Concentrations[p]
	return v, ok
}

// Reports is true when the reading carries the pollutant, either as an
// accepted value or as a value rejected at validation.
func (r Reading) Reports(p Pollutant) bool {
	if _, ok := r.Concentrations[p]; ok {
		return true
	}
	for _, rej := range r.Rejected {
		if rej == p {
			return true
		}
	}
	return false
}

func (r Reading) SortedPollutants() []Pollutant {
	out := make([]Pollutant, 0, len(r.Concentrations))
	for p := range r.Concentrations {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

type StationStatus string

const (
	StationOnline      StationStatus = "online"
	StationOffline     StationStatus = "offline"
	StationMaintenance StationStatus = "maintenance"
	StationError       StationStatus = "error"
)

func ParseStationStatus(s string) (StationStatus, bool) {
	switch StationStatus(strings.ToLower(strings.TrimSpace(s))) {
	case StationOnline, "ok", "up":
		return StationOnline, true
	case StationOffline, "down":
		return StationOffline, true
	case StationMaintenance:
		return StationMaintenance, true
	case StationError, "fault":
		return StationError, true
	}
	return "", false
}

// Automatic reports whether the liveness sweep may change the status.
func (s StationStatus) Automatic() bool {
	return s == StationOnline || s == StationOffline || s == ""
}

type Station struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	Region        string        `json:"region,omitempty"`
	Latitude      float64       `json:"latitude,omitempty"`
	Longitude     float64       `json:"longitude,omitempty"`
	Status        StationStatus `json:"status"`
	LastHeartbeat time.Time     `json:"last_heartbeat"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

type Sensor struct {
	ID         string      `json:"id"`
	StationID  string      `json:"station_id"`
	Active     bool        `json:"active"`
	Pollutants []Pollutant `json:"pollutants,omitempty"`
}

type AlertStatus string

const (
	AlertActive       AlertStatus = "active"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertResolved     AlertStatus = "resolved"
	AlertExpired      AlertStatus = "expired"
)

func (s AlertStatus) Open() bool {
	return s == AlertActive || s == AlertAcknowledged
}

// Snapshot is the trigger-time view of the rule and the value that fired it.
type Snapshot struct {
	RuleID    string    `json:"rule_id"`
	RuleName  string    `json:"rule_name"`
	Kind      RuleKind  `json:"kind"`
	Pollutant Pollutant `json:"pollutant,omitempty"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	Operator  Operator  `json:"operator"`
}

type Alert struct {
	ID              string      `json:"id"`
	RuleID          string      `json:"rule_id"`
	StationID       string      `json:"station_id"`
	Snapshot        Snapshot    `json:"snapshot"`
	Severity        Severity    `json:"severity"`
	Message         string      `json:"message"`
	Status          AlertStatus `json:"status"`
	TriggeredAt     time.Time   `json:"triggered_at"`
	LastTriggeredAt time.Time   `json:"last_triggered_at"`
	TriggerCount    int         `json:"trigger_count"`
	AcknowledgedAt  *time.Time  `json:"acknowledged_at,omitempty"`
	AcknowledgedBy  string      `json:"acknowledged_by,omitempty"`
	ResolvedAt      *time.Time  `json:"resolved_at,omitempty"`
	ResolvedBy      string      `json:"resolved_by,omitempty"`
	AutoResolved    bool        `json:"auto_resolved"`
	Channels        []Channel   `json:"channels,omitempty"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

type Channel string

const (
	ChannelEmail   Channel = "email"
	ChannelSMS     Channel = "sms"
	ChannelPush    Channel = "push"
	ChannelWebhook Channel = "webhook"
)

func (c Channel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelPush, ChannelWebhook:
		return true
	}
	return false
}

type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobSent    JobStatus = "sent"
	JobFailed  JobStatus = "failed"
)

type NotificationJob struct {
	ID         string     `json:"id"`
	AlertID    string     `json:"alert_id"`
	Channel    Channel    `json:"channel"`
	Target     string     `json:"target"`
	UserID     string     `json:"user_id,omitempty"`
	Subject    string     `json:"subject,omitempty"`
	Content    string     `json:"content,omitempty"`
	Status     JobStatus  `json:"status"`
	RetryCount int        `json:"retry_count"`
	LastError  string     `json:"last_error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	SentAt     *time.Time `json:"sent_at,omitempty"`
}

type EventType string

const (
	EventReading     EventType = "reading"
	EventNewAlert    EventType = "new-alert"
	EventAlertUpdate EventType = "alert-update"
)

type Event struct {
	Type    EventType `json:"type"`
	At      time.Time `json:"at"`
	Reading *Reading  `json:"reading,omitempty"`
	Alert   *Alert    `json:"alert,omitempty"`
}

// SensorMessage is one inbound transmission after validation, before it is
// resolved to a station. A non-empty Status marks a liveness message that
// carries no concentrations.
type SensorMessage struct {
	SensorID   string                `json:"sensor_id"`
	Timestamp  time.Time             `json:"timestamp"`
	ReceivedAt time.Time             `json:"received_at"`
	Values     map[Pollutant]float64 `json:"values,omitempty"`
	Rejected   []Pollutant           `json:"rejected,omitempty"`
	Status     StationStatus         `json:"status,omitempty"`
	Source     string                `json:"source"`
}

// Measures reports whether the sensor is configured for p. A sensor with no
// pollutant list accepts all of them.
func (s Sensor) Measures(p Pollutant) bool {
	if len(s.Pollutants) == 0 {
		return true
	}
	for _, v := range s.Pollutants {
		if v == p {
			return true
		}
	}
	return false
}
