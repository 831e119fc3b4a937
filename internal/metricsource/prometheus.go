// Package metricsource reads the error-rate signal the rollback monitor watches.
package metricsource

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"text/template"
	"time"

	"github.com/prometheus/client_golang/api"
	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	"github.com/rs/zerolog/log"

	"github.com/kubeshield/remedy/internal/models"
)

// ErrNoData means the query matched no series or only NaN samples.
var ErrNoData = errors.New("metric query returned no data")

// Source yields an error rate (0..1) for a resource.
type Source interface {
	// Current is the instantaneous rate at now.
	Current(ctx context.Context, ref models.ResourceRef) (float64, error)
	// Average is the mean rate over [end-window, end].
	Average(ctx context.Context, ref models.ResourceRef, window time.Duration, end time.Time) (float64, error)
}

// Prometheus evaluates a templated PromQL expression. The template sees the
// resource's Kind, Name and Namespace.
type Prometheus struct {
	api     promv1.API
	query   *template.Template
	timeout time.Duration
	now     func() time.Time
}

// NewPrometheus connects to the Prometheus HTTP API at address.
func NewPrometheus(address, query string, timeout time.Duration) (*Prometheus, error) {
	if address == "" {
		return nil, fmt.Errorf("prometheus address is required")
	}
	client, err := api.NewClient(api.Config{Address: address})
	if err != nil {
		return nil, fmt.Errorf("create prometheus client: %w", err)
	}
	tmpl, err := template.New("query").Option("missingkey=error").Parse(query)
	if err != nil {
		return nil, fmt.Errorf("parse query template: %w", err)
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Prometheus{api: promv1.NewAPI(client), query: tmpl, timeout: timeout, now: time.Now}, nil
}

// Render expands the query template for ref.
func (p *Prometheus) Render(ref models.ResourceRef) (string, error) {
	var buf bytes.Buffer
	if err := p.query.Execute(&buf, ref); err != nil {
		return "", fmt.Errorf("render query for %s: %w", ref, err)
	}
	return buf.String(), nil
}

func (p *Prometheus) Current(ctx context.Context, ref models.ResourceRef) (float64, error) {
	q, err := p.Render(ref)
	if err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	value, warnings, err := p.api.Query(ctx, q, p.now())
	if err != nil {
		return 0, fmt.Errorf("prometheus query: %w", err)
	}
	logWarnings(warnings, ref)
	return scalarOf(value)
}

func (p *Prometheus) Average(ctx context.Context, ref models.ResourceRef, window time.Duration, end time.Time) (float64, error) {
	q, err := p.Render(ref)
	if err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	step := window / 20
	if step < 15*time.Second {
		step = 15 * time.Second
	}
	value, warnings, err := p.api.QueryRange(ctx, q, promv1.Range{Start: end.Add(-window), End: end, Step: step})
	if err != nil {
		return 0, fmt.Errorf("prometheus range query: %w", err)
	}
	logWarnings(warnings, ref)

	matrix, ok := value.(model.Matrix)
	if !ok {
		return 0, fmt.Errorf("unexpected range result type %s", value.Type())
	}
	var sum float64
	var n int
	for _, stream := range matrix {
		for _, sample := range stream.Values {
			v := float64(sample.Value)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				continue
			}
			sum += v
			n++
		}
	}
	if n == 0 {
		return 0, ErrNoData
	}
	return sum / float64(n), nil
}

// scalarOf sums a vector so queries without an outer aggregation still work.
func scalarOf(value model.Value) (float64, error) {
	switch v := value.(type) {
	case *model.Scalar:
		f := float64(v.Value)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, ErrNoData
		}
		return f, nil
	case model.Vector:
		var sum float64
		n := 0
		for _, sample := range v {
			f := float64(sample.Value)
			if math.IsNaN(f) || math.IsInf(f, 0) {
				continue
			}
			sum += f
			n++
		}
		if n == 0 {
			return 0, ErrNoData
		}
		return sum, nil
	}
	return 0, fmt.Errorf("unexpected result type %s", value.Type())
}

func logWarnings(warnings promv1.Warnings, ref models.ResourceRef) {
	for _, w := range warnings {
		log.Warn().Str("resource", ref.String()).Str("warning", w).Msg("Prometheus query warning")
	}
}
