// Package monitoring turns model-health measurements and collaborator
// breaker states into alerts delivered to a webhook.
package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/decision-engine/internal/model"
	"github.com/sells-group/decision-engine/internal/resilience"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertRecalibrate      AlertType = "model_recalibrate"
	AlertKill             AlertType = "model_kill"
	AlertCollaboratorDown AlertType = "collaborator_down"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Config holds alert delivery settings. Without a webhook URL alerts are
// only logged.
type Config struct {
	WebhookURL string        `yaml:"webhook_url" mapstructure:"webhook_url"`
	Timeout    time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// DefaultConfig returns log-only alerting with a 10s webhook timeout.
func DefaultConfig() Config {
	return Config{Timeout: 10 * time.Second}
}

// Snapshot is what one check observed.
type Snapshot struct {
	Calibration []model.CalibrationRecord
	Breakers    map[string]resilience.State
}

// Alerter evaluates a Snapshot and sends alerts via webhook.
type Alerter struct {
	cfg    Config
	client *http.Client
	now    func() time.Time
	log    *zap.Logger
}

// NewAlerter creates a new Alerter with the given config.
func NewAlerter(cfg Config) *Alerter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		now:    time.Now,
		log:    zap.L().With(zap.String("component", "monitoring")),
	}
}

// Evaluate returns the alerts raised by snap. Low-confidence measurements
// never alert.
func (a *Alerter) Evaluate(snap Snapshot) []Alert {
	var alerts []Alert
	now := a.now().UTC()

	for _, r := range snap.Calibration {
		if !r.Status.Alerting() {
			continue
		}
		alert := Alert{
			Type:     AlertRecalibrate,
			Severity: "medium",
			Message: fmt.Sprintf("%s %s model %s has ECE %.3f over %d outcomes; recalibrate",
				r.Cohort.Key(), r.ModelType, r.ArtifactID, r.ECE, r.SampleSize),
			Timestamp: now,
		}
		if r.Status == model.HealthKill {
			alert.Type = AlertKill
			alert.Severity = "high"
			alert.Message = fmt.Sprintf("%s %s model %s has ECE %.3f over %d outcomes; scores now abstain",
				r.Cohort.Key(), r.ModelType, r.ArtifactID, r.ECE, r.SampleSize)
		}
		alert.Details = map[string]any{
			"artifact_id": r.ArtifactID,
			"cohort":      r.Cohort.Key(),
			"model_type":  string(r.ModelType),
			"ece":         r.ECE,
			"sample_size": r.SampleSize,
		}
		alerts = append(alerts, alert)
	}

	names := make([]string, 0, len(snap.Breakers))
	for name, st := range snap.Breakers {
		if st == resilience.Open {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		alerts = append(alerts, Alert{
			Type:      AlertCollaboratorDown,
			Severity:  "medium",
			Message:   fmt.Sprintf("collaborator %s circuit is open; its rubric component is marked unavailable", name),
			Details:   map[string]any{"collaborator": name},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts logs every alert and delivers it to the configured webhook.
// Returns the number of alerts successfully delivered.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	for _, alert := range alerts {
		a.log.Warn("monitoring: alert",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
			zap.String("message", alert.Message),
		)
	}
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			a.log.Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		sent++
	}
	return sent
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
