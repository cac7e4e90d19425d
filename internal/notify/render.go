package notify

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"text/template"
	"time"

	"airguard/internal/model"
)

const (
	emailSubjectTemplate = `[{{.SeverityUpper}}] {{.Rule}} at {{.Station}}`
	emailBodyTemplate    = `Alert {{.AlertID}} is {{.Status}}.
Station: {{.Station}}{{ if .Region }} ({{.Region}}){{ end }}
Rule: {{.Rule}}
{{- if .Pollutant }}
Pollutant: {{.Pollutant}}{{ end }}
Value: {{.Value}}
Threshold: {{.Operator}} {{.Threshold}}
Severity: {{.Severity}}
Triggered: {{.TriggeredAt}}

{{.Message}}
`
	smsTemplate       = `{{.SeverityUpper}} {{.Station}}: {{.Message}}`
	pushTitleTemplate = `{{.Rule}}`
	pushBodyTemplate  = `{{.Station}}: {{ if .Pollutant }}{{.Pollutant}} {{ end }}{{.Value}} ({{.Operator}} {{.Threshold}})`

	smsLimit = 160
)

// Content is what a channel transport sends. Subject is empty for channels
// that have no notion of one.
type Content struct {
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body"`
}

// TemplateData holds the fields available to the channel templates.
type TemplateData struct {
	AlertID       string
	Station       string
	StationID     string
	Region        string
	Rule          string
	RuleID        string
	Pollutant     string
	Value         string
	Threshold     string
	Operator      string
	Severity      string
	SeverityUpper string
	Status        string
	Message       string
	TriggeredAt   string
}

type webhookBody struct {
	Event     string            `json:"event"`
	AlertID   string            `json:"alert_id"`
	StationID string            `json:"station_id"`
	Station   string            `json:"station"`
	Severity  model.Severity    `json:"severity"`
	Status    model.AlertStatus `json:"status"`
	Message   string            `json:"message"`
	Snapshot  model.Snapshot    `json:"snapshot"`
	Triggered time.Time         `json:"triggered_at"`
}

// Renderer builds channel-specific content from an alert snapshot.
type Renderer struct {
	emailSubject *template.Template
	emailBody    *template.Template
	sms          *template.Template
	pushTitle    *template.Template
	pushBody     *template.Template
}

func NewRenderer() (*Renderer, error) {
	parse := func(name, text string) (*template.Template, error) {
		t, err := template.New(name).Parse(text)
		if err != nil {
			return nil, fmt.Errorf("parse %s template: %w", name, err)
		}
		return t, nil
	}
	var (
		r   Renderer
		err error
	)
	if r.emailSubject, err = parse("email-subject", emailSubjectTemplate); err != nil {
		return nil, err
	}
	if r.emailBody, err = parse("email-body", emailBodyTemplate); err != nil {
		return nil, err
	}
	if r.sms, err = parse("sms", smsTemplate); err != nil {
		return nil, err
	}
	if r.pushTitle, err = parse("push-title", pushTitleTemplate); err != nil {
		return nil, err
	}
	if r.pushBody, err = parse("push-body", pushBodyTemplate); err != nil {
		return nil, err
	}
	return &r, nil
}

// Render produces the content for channel. st may be a bare station with
// only its ID set.
func (r *Renderer) Render(channel model.Channel, alert model.Alert, st model.Station) (Content, error) {
	if r == nil {
		return Content{}, errors.New("renderer: nil")
	}
	data := templateData(alert, st)
	switch channel {
	case model.ChannelEmail:
		subject, err := execute(r.emailSubject, data)
		if err != nil {
			return Content{}, err
		}
		body, err := execute(r.emailBody, data)
		if err != nil {
			return Content{}, err
		}
		return Content{Subject: subject, Body: body}, nil
	case model.ChannelSMS:
		body, err := execute(r.sms, data)
		if err != nil {
			return Content{}, err
		}
		return Content{Body: truncate(body, smsLimit)}, nil
	case model.ChannelPush:
		title, err := execute(r.pushTitle, data)
		if err != nil {
			return Content{}, err
		}
		body, err := execute(r.pushBody, data)
		if err != nil {
			return Content{}, err
		}
		return Content{Subject: title, Body: body}, nil
	case model.ChannelWebhook:
		payload, err := json.Marshal(webhookBody{
			Event:     "alert",
			AlertID:   alert.ID,
			StationID: alert.StationID,
			Station:   data.Station,
			Severity:  alert.Severity,
			Status:    alert.Status,
			Message:   alert.Message,
			Snapshot:  alert.Snapshot,
			Triggered: alert.TriggeredAt,
		})
		if err != nil {
			return Content{}, err
		}
		return Content{Body: string(payload)}, nil
	}
	return Content{}, fmt.Errorf("renderer: unknown channel %q", channel)
}

func templateData(alert model.Alert, st model.Station) TemplateData {
	name := st.Name
	if name == "" {
		name = alert.StationID
	}
	snap := alert.Snapshot
	value := formatFloat(snap.Value)
	threshold := formatFloat(snap.Threshold)
	if snap.Kind == model.KindLiveness {
		value = seconds(snap.Value).String()
		threshold = seconds(snap.Threshold).String()
	}
	return TemplateData{
		AlertID:       alert.ID,
		Station:       name,
		StationID:     alert.StationID,
		Region:        st.Region,
		Rule:          snap.RuleName,
		RuleID:        alert.RuleID,
		Pollutant:     string(snap.Pollutant),
		Value:         value,
		Threshold:     threshold,
		Operator:      snap.Operator.Symbol(),
		Severity:      string(alert.Severity),
		SeverityUpper: strings.ToUpper(string(alert.Severity)),
		Status:        string(alert.Status),
		Message:       alert.Message,
		TriggeredAt:   alert.TriggeredAt.UTC().Format(time.RFC3339),
	}
}

func execute(t *template.Template, data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second)).Round(time.Second)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
