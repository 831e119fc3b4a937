// Package security runs the three security gates of shadow verification: a
// manifest scan before the patch is applied, then an image scan and a runtime
// alert check against the patched shadow. The manifest and image gates fail
// closed when their tool is unavailable; the runtime gate fails open.
package security

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/kubeshield/remedy/internal/circuit"
	"github.com/kubeshield/remedy/internal/metrics"
	"github.com/kubeshield/remedy/internal/models"
)

// Gate names.
const (
	GateManifest = "manifest"
	GateImage    = "image"
	GateRuntime  = "runtime"
)

// Options are the pass/fail thresholds of the gates.
type Options struct {
	ManifestMinScore     float64
	ManifestFailSeverity models.Severity
	ImageFailSeverity    models.Severity
	RuntimeFailSeverity  models.Severity
	ImageParallelism     int
	Breaker              circuit.Config
}

// Pipeline owns the scanners and one circuit breaker per tool.
type Pipeline struct {
	manifest ManifestScanner
	images   ImageScanner
	alerts   AlertSource
	opts     Options

	manifestBreaker *circuit.Breaker
	imageBreaker    *circuit.Breaker
	runtimeBreaker  *circuit.Breaker

	now func() time.Time
}

// NewPipeline wires the gates. alerts may be nil, in which case the runtime gate
// is skipped.
func NewPipeline(manifest ManifestScanner, images ImageScanner, alerts AlertSource, opts Options) *Pipeline {
	if opts.ImageParallelism < 1 {
		opts.ImageParallelism = 1
	}
	if opts.ManifestFailSeverity == "" {
		opts.ManifestFailSeverity = models.SeverityCritical
	}
	if opts.ImageFailSeverity == "" {
		opts.ImageFailSeverity = models.SeverityCritical
	}
	if opts.RuntimeFailSeverity == "" {
		opts.RuntimeFailSeverity = models.SeverityHigh
	}

	p := &Pipeline{
		manifest:        manifest,
		images:          images,
		alerts:          alerts,
		opts:            opts,
		manifestBreaker: circuit.NewBreaker("manifest-scanner", opts.Breaker),
		imageBreaker:    circuit.NewBreaker("image-scanner", opts.Breaker),
		runtimeBreaker:  circuit.NewBreaker("runtime-alerts", opts.Breaker),
		now:             time.Now,
	}
	for _, b := range p.breakers() {
		b.SetOnStateChange(func(name string, _, to circuit.State) {
			metrics.SetBreakerState(name, int(to))
		})
	}
	return p
}

func (p *Pipeline) breakers() []*circuit.Breaker {
	return []*circuit.Breaker{p.manifestBreaker, p.imageBreaker, p.runtimeBreaker}
}

// BreakerStatus reports every tool breaker for the operator API.
func (p *Pipeline) BreakerStatus() []circuit.Status {
	var out []circuit.Status
	for _, b := range p.breakers() {
		out = append(out, b.GetStatus())
	}
	return out
}

// ScanManifest is the pre-deploy gate. It never errors: an unavailable scanner
// yields a failed result.
func (p *Pipeline) ScanManifest(ctx context.Context, manifest []byte) *models.GateResult {
	result := &models.GateResult{Gate: GateManifest, RanAt: p.now()}
	defer p.record(result)

	if p.manifest == nil {
		result.Note = "manifest scanner not configured"
		return result
	}

	var report *ManifestReport
	err := p.manifestBreaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		report, err = p.manifest.ScanManifest(ctx, manifest)
		return err
	})
	if err != nil {
		result.Note = fmt.Sprintf("manifest scanner unavailable: %v", err)
		log.Warn().Err(err).Msg("Manifest scan failed closed")
		return result
	}

	result.Raw = report
	result.Findings = report.Findings
	blocking := blockingFindings(report.Findings, p.opts.ManifestFailSeverity)
	switch {
	case len(blocking) > 0:
		result.Note = fmt.Sprintf("%d findings at or above %s", len(blocking), p.opts.ManifestFailSeverity)
	case report.Score < p.opts.ManifestMinScore:
		result.Note = fmt.Sprintf("score %.1f below minimum %.1f", report.Score, p.opts.ManifestMinScore)
	default:
		result.Passed = true
		result.Note = fmt.Sprintf("score %.1f", report.Score)
	}
	return result
}

// ScanImages scans every distinct image in parallel. Any invalid reference,
// unavailable scanner or blocking vulnerability fails the gate.
func (p *Pipeline) ScanImages(ctx context.Context, images []string) *models.GateResult {
	result := &models.GateResult{Gate: GateImage, RanAt: p.now()}
	defer p.record(result)

	if len(images) == 0 {
		result.Passed = true
		result.Note = "no images to scan"
		return result
	}
	if p.images == nil {
		result.Note = "image scanner not configured"
		return result
	}

	normalized := make(map[string]bool)
	var invalid []models.Finding
	for _, image := range images {
		ref, err := NormalizeImage(image)
		if err != nil {
			invalid = append(invalid, models.Finding{ID: "InvalidImageReference", Severity: models.SeverityCritical, Message: err.Error(), Object: image})
			continue
		}
		normalized[ref] = true
	}
	refs := make([]string, 0, len(normalized))
	for ref := range normalized {
		refs = append(refs, ref)
	}
	sort.Strings(refs)

	var (
		mu       sync.Mutex
		reports  = make(map[string]*ImageReport, len(refs))
		failures []string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.ImageParallelism)
	for _, ref := range refs {
		ref := ref
		g.Go(func() error {
			var report *ImageReport
			err := p.imageBreaker.Execute(gctx, func(ctx context.Context) error {
				var err error
				report, err = p.images.ScanImage(ctx, ref)
				return err
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, fmt.Sprintf("%s: %v", ref, err))
				return nil
			}
			reports[ref] = report
			return nil
		})
	}
	_ = g.Wait()

	result.Findings = append(result.Findings, invalid...)
	for _, ref := range refs {
		if report, ok := reports[ref]; ok {
			result.Findings = append(result.Findings, report.Findings...)
		}
	}
	result.Raw = reports

	sort.Strings(failures)
	blocking := blockingFindings(result.Findings, p.opts.ImageFailSeverity)
	switch {
	case len(failures) > 0:
		result.Note = fmt.Sprintf("image scanner unavailable for %d images: %s", len(failures), failures[0])
	case len(blocking) > 0:
		result.Note = fmt.Sprintf("%d vulnerabilities at or above %s", len(blocking), p.opts.ImageFailSeverity)
	default:
		result.Passed = true
		result.Note = fmt.Sprintf("%d images scanned", len(refs))
	}
	return result
}

// CheckRuntime is the runtime alert gate for namespace since the patch was
// applied. An unreachable alert source passes the gate with a note.
func (p *Pipeline) CheckRuntime(ctx context.Context, namespace string, since time.Time) *models.GateResult {
	result := &models.GateResult{Gate: GateRuntime, RanAt: p.now()}
	defer p.record(result)

	if p.alerts == nil {
		result.Passed = true
		result.Skipped = true
		result.Note = "runtime alert source not configured"
		return result
	}

	var alerts []RuntimeAlert
	err := p.runtimeBreaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		alerts, err = p.alerts.Alerts(ctx, namespace, since)
		return err
	})
	if err != nil {
		result.Passed = true
		result.Skipped = true
		result.Note = fmt.Sprintf("runtime alert source unavailable, failing open: %v", err)
		log.Warn().Err(err).Str("namespace", namespace).Msg("Runtime alert check failed open")
		return result
	}

	result.Raw = alerts
	for _, a := range alerts {
		if !a.Severity.AtLeast(p.opts.RuntimeFailSeverity) {
			continue
		}
		result.Findings = append(result.Findings, models.Finding{
			ID:       a.Name,
			Severity: a.Severity,
			Message:  a.Summary,
			Object:   a.Pod,
		})
	}
	if len(result.Findings) > 0 {
		result.Note = fmt.Sprintf("%d runtime alerts at or above %s since %s", len(result.Findings), p.opts.RuntimeFailSeverity, since.Format(time.RFC3339))
		return result
	}
	result.Passed = true
	result.Note = fmt.Sprintf("%d alerts below threshold", len(alerts))
	return result
}

func (p *Pipeline) record(result *models.GateResult) {
	metrics.RecordGate(result.Gate, result.Passed, result.Skipped)
}

func blockingFindings(findings []models.Finding, min models.Severity) []models.Finding {
	var out []models.Finding
	for _, f := range findings {
		if f.Severity.AtLeast(min) {
			out = append(out, f)
		}
	}
	return out
}

// Summarize combines gate results; a gate that did not run counts as not passed.
func Summarize(manifest, image, runtime *models.GateResult) models.SecurityResults {
	return models.SecurityResults{
		Manifest: manifest,
		Image:    image,
		Runtime:  runtime,
		Passed:   manifest != nil && manifest.Passed && image != nil && image.Passed && runtime != nil && runtime.Passed,
	}
}
