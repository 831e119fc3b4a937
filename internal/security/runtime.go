package security

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/common/model"

	"github.com/kubeshield/remedy/internal/models"
)

// RuntimeAlert is one alert raised by the runtime-security sensor.
type RuntimeAlert struct {
	Name      string          `json:"name"`
	Severity  models.Severity `json:"severity"`
	Namespace string          `json:"namespace"`
	Pod       string          `json:"pod,omitempty"`
	Summary   string          `json:"summary,omitempty"`
	StartsAt  time.Time       `json:"startsAt"`
}

// AlertSource returns runtime alerts for a namespace raised at or after since.
type AlertSource interface {
	Alerts(ctx context.Context, namespace string, since time.Time) ([]RuntimeAlert, error)
}

// AlertmanagerSource reads alerts from the Alertmanager v2 API, where the
// runtime sensor (Falco, Tetragon, ...) forwards its events.
type AlertmanagerSource struct {
	BaseURL string
	Client  *http.Client
}

// NewAlertmanagerSource creates a source with a bounded HTTP client.
func NewAlertmanagerSource(baseURL string, timeout time.Duration) *AlertmanagerSource {
	return &AlertmanagerSource{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: timeout},
	}
}

func (s *AlertmanagerSource) Alerts(ctx context.Context, namespace string, since time.Time) ([]RuntimeAlert, error) {
	q := url.Values{}
	q.Set("active", "true")
	q.Set("silenced", "false")
	q.Set("inhibited", "false")
	q.Add("filter", fmt.Sprintf("namespace=%q", namespace))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.BaseURL+"/api/v2/alerts?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query alertmanager: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("alertmanager returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var raw []model.Alert
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode alertmanager response: %w", err)
	}
	return filterAlerts(raw, namespace, since), nil
}

func filterAlerts(raw []model.Alert, namespace string, since time.Time) []RuntimeAlert {
	var alerts []RuntimeAlert
	for _, a := range raw {
		if string(a.Labels["namespace"]) != namespace {
			continue
		}
		if a.StartsAt.Before(since) {
			continue
		}
		summary := string(a.Annotations["summary"])
		if summary == "" {
			summary = string(a.Annotations["description"])
		}
		alerts = append(alerts, RuntimeAlert{
			Name:      string(a.Labels[model.AlertNameLabel]),
			Severity:  models.ParseSeverity(string(a.Labels["severity"])),
			Namespace: namespace,
			Pod:       string(a.Labels["pod"]),
			Summary:   summary,
			StartsAt:  a.StartsAt,
		})
	}
	sort.Slice(alerts, func(i, j int) bool {
		if !alerts[i].StartsAt.Equal(alerts[j].StartsAt) {
			return alerts[i].StartsAt.Before(alerts[j].StartsAt)
		}
		return alerts[i].Name < alerts[j].Name
	})
	return alerts
}
