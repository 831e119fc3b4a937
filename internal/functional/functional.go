// Package functional runs the smoke and load tests against a patched shadow and
// folds them into a severity-weighted health score.
package functional

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kubeshield/remedy/internal/cluster"
	"github.com/kubeshield/remedy/internal/metrics"
	"github.com/kubeshield/remedy/internal/models"
)

// Probe is an HTTP GET sent through the API server service proxy.
type Probe struct {
	Name         string
	Service      string // defaults to the first cloned service
	Port         int
	Path         string
	ExpectStatus int // 0 accepts any 2xx
	Severity     models.Severity
}

// LoadOptions configure the one-shot load job.
type LoadOptions struct {
	Enabled      bool
	Image        string
	Concurrency  int
	Duration     time.Duration
	Port         int
	Path         string
	MaxErrorRate float64
}

// Options for a Tester.
type Options struct {
	Probes     []Probe
	Load       LoadOptions
	MinScore   float64
	JobTimeout time.Duration
}

// Target is the shadow under test.
type Target struct {
	ShadowID  string
	Namespace string
	Workload  models.ResourceRef
	Services  []string
}

// Tester runs functional checks through the cluster gateway.
type Tester struct {
	gw   cluster.Gateway
	opts Options
}

// NewTester creates a Tester.
func NewTester(gw cluster.Gateway, opts Options) *Tester {
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 5 * time.Minute
	}
	return &Tester{gw: gw, opts: opts}
}

// Run executes readiness, probes and the optional load test. A failed critical
// check fails the run regardless of the score.
func (t *Tester) Run(ctx context.Context, target Target) *models.FunctionalResults {
	results := &models.FunctionalResults{}

	results.Smoke = append(results.Smoke, t.readiness(ctx, target))
	for _, probe := range t.opts.Probes {
		results.Smoke = append(results.Smoke, t.probe(ctx, target, probe))
	}

	checks := append([]models.CheckResult(nil), results.Smoke...)
	if t.opts.Load.Enabled {
		load, check := t.load(ctx, target)
		results.Load = load
		checks = append(checks, check)
	}

	results.Score = Score(checks)
	results.Passed = results.Score >= t.opts.MinScore && !criticalFailed(checks)

	metrics.RecordGate("functional", results.Passed, false)
	log.Info().
		Str("shadow_id", target.ShadowID).
		Float64("score", results.Score).
		Bool("passed", results.Passed).
		Msg("Functional tests finished")
	return results
}

func (t *Tester) readiness(ctx context.Context, target Target) models.CheckResult {
	start := time.Now()
	check := models.CheckResult{Name: "workload-ready", Severity: models.SeverityCritical}
	ready, detail, err := t.gw.WorkloadReady(ctx, target.Workload)
	check.Duration = time.Since(start)
	if err != nil {
		check.Detail = err.Error()
		return check
	}
	check.Passed = ready
	check.Detail = detail
	return check
}

func (t *Tester) probe(ctx context.Context, target Target, probe Probe) models.CheckResult {
	severity := probe.Severity
	if severity == "" || severity == models.SeverityUnknown {
		severity = models.SeverityHigh
	}
	check := models.CheckResult{Name: "probe:" + probe.Name, Severity: severity}

	service := probe.Service
	if service == "" && len(target.Services) > 0 {
		service = target.Services[0]
	}
	if service == "" {
		check.Detail = "no service to probe"
		return check
	}

	start := time.Now()
	status, body, err := t.gw.ProxyGet(ctx, target.Namespace, service, probe.Port, probe.Path)
	check.Duration = time.Since(start)
	if err != nil {
		check.Detail = err.Error()
		return check
	}

	if probe.ExpectStatus != 0 {
		check.Passed = status == probe.ExpectStatus
	} else {
		check.Passed = status >= 200 && status < 300
	}
	check.Detail = fmt.Sprintf("GET %s:%d%s -> %d", service, probe.Port, probe.Path, status)
	if !check.Passed && len(body) > 0 {
		check.Detail += ": " + truncate(strings.TrimSpace(string(body)), 200)
	}
	return check
}

func (t *Tester) load(ctx context.Context, target Target) (*models.LoadResult, models.CheckResult) {
	check := models.CheckResult{Name: "load", Severity: models.SeverityHigh}
	opts := t.opts.Load

	if len(target.Services) == 0 {
		check.Detail = "no service to load test"
		return &models.LoadResult{}, check
	}
	url := fmt.Sprintf("http://%s.%s.svc:%d%s", target.Services[0], target.Namespace, opts.Port, opts.Path)
	name := "remedy-load-" + strings.ToLower(target.ShadowID)
	if len(name) > 63 {
		name = name[:63]
	}

	res, err := t.gw.RunJob(ctx, cluster.JobSpec{
		Namespace: target.Namespace,
		Name:      name,
		Image:     opts.Image,
		Args:      []string{"-z", opts.Duration.String(), "-c", fmt.Sprint(opts.Concurrency), url},
		Labels:    map[string]string{cluster.LabelShadowID: target.ShadowID},
		Timeout:   opts.Duration + t.opts.JobTimeout,
	})
	if err != nil {
		check.Detail = fmt.Sprintf("load job failed to run: %v", err)
		return &models.LoadResult{}, check
	}

	load := ParseHeyOutput(res.Logs)
	load.Output = truncate(res.Logs, 4096)
	if load.Duration == 0 {
		load.Duration = res.Duration
	}
	switch {
	case !res.Succeeded:
		check.Detail = fmt.Sprintf("load job exited %d", res.ExitCode)
	case load.Requests == 0:
		check.Detail = "load job reported no requests"
	case load.ErrorRate > opts.MaxErrorRate:
		check.Detail = fmt.Sprintf("error rate %.2f%% above %.2f%%", load.ErrorRate*100, opts.MaxErrorRate*100)
	default:
		load.Passed = true
		check.Passed = true
		check.Detail = fmt.Sprintf("%d requests, %.2f%% errors, %.1f req/s", load.Requests, load.ErrorRate*100, load.RequestsPerS)
	}
	check.Duration = load.Duration
	return load, check
}

// Score is the severity-weighted fraction of passing checks; no checks scores 0.
func Score(checks []models.CheckResult) float64 {
	var total, passed float64
	for _, c := range checks {
		w := c.Severity.Weight()
		total += w
		if c.Passed {
			passed += w
		}
	}
	if total == 0 {
		return 0
	}
	return passed / total
}

func criticalFailed(checks []models.CheckResult) bool {
	for _, c := range checks {
		if !c.Passed && c.Severity == models.SeverityCritical {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
