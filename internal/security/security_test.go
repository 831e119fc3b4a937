package security

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubeshield/remedy/internal/models"
)

type fakeRunner struct {
	stdout []byte
	code   int
	err    error

	mu    sync.Mutex
	calls [][]string
	stdin [][]byte
}

func (r *fakeRunner) Run(_ context.Context, name string, args []string, stdin []byte) ([]byte, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, append([]string{name}, args...))
	r.stdin = append(r.stdin, stdin)
	return r.stdout, r.code, r.err
}

type stubManifestScanner struct {
	report *ManifestReport
	err    error
	calls  int
}

func (s *stubManifestScanner) ScanManifest(context.Context, []byte) (*ManifestReport, error) {
	s.calls++
	return s.report, s.err
}

type stubImageScanner struct {
	mu       sync.Mutex
	scanned  []string
	findings map[string][]models.Finding
	err      error
}

func (s *stubImageScanner) ScanImage(_ context.Context, image string) (*ImageReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scanned = append(s.scanned, image)
	if s.err != nil {
		return nil, s.err
	}
	return &ImageReport{Image: image, Findings: s.findings[image]}, nil
}

type stubAlertSource struct {
	alerts []RuntimeAlert
	err    error
}

func (s *stubAlertSource) Alerts(context.Context, string, time.Time) ([]RuntimeAlert, error) {
	return s.alerts, s.err
}

const kubesecOutput = `[
  {
    "object": "Deployment/api.shop",
    "valid": true,
    "message": "Failed with a score of -30 points",
    "score": -30,
    "scoring": {
      "critical": [{"id": "Privileged", "selector": "containers[] .securityContext .privileged == true", "reason": "Privileged containers can allow almost completely unrestricted host access", "points": -30}],
      "advise": [{"id": "ReadOnlyRootFilesystem", "selector": "containers[] .securityContext .readOnlyRootFilesystem == true", "reason": "An immutable root filesystem can prevent malicious binaries being added", "points": 1}]
    }
  }
]`

func TestExecManifestScannerParsesKubesec(t *testing.T) {
	runner := &fakeRunner{stdout: []byte(kubesecOutput), code: 2}
	scanner := &ExecManifestScanner{Command: "kubesec", Args: []string{"scan", "-"}, Runner: runner}

	report, err := scanner.ScanManifest(context.Background(), []byte("kind: Deployment"))
	require.NoError(t, err)

	assert.Equal(t, -30.0, report.Score)
	require.Len(t, report.Findings, 2)
	assert.Equal(t, "Privileged", report.Findings[0].ID)
	assert.Equal(t, models.SeverityCritical, report.Findings[0].Severity)
	assert.Equal(t, models.SeverityLow, report.Findings[1].Severity)
	assert.Equal(t, "kind: Deployment", string(runner.stdin[0]), "manifest must be piped on stdin")
}

func TestParseManifestReportGeneric(t *testing.T) {
	report, err := ParseManifestReport([]byte(`{"score": 7, "findings": [{"id": "RunAsRoot", "severity": "HIGH", "message": "runs as uid 0"}]}`))
	require.NoError(t, err)
	assert.Equal(t, 7.0, report.Score)
	require.Len(t, report.Findings, 1)
	assert.Equal(t, models.SeverityHigh, report.Findings[0].Severity)

	_, err = ParseManifestReport([]byte("segmentation fault"))
	assert.Error(t, err)
}

func TestExecImageScannerParsesTrivy(t *testing.T) {
	runner := &fakeRunner{stdout: []byte(`{"Results":[{"Target":"nginx:1.25","Vulnerabilities":[
		{"VulnerabilityID":"CVE-2024-0001","PkgName":"openssl","InstalledVersion":"3.0.1","FixedVersion":"3.0.2","Severity":"CRITICAL","Title":"buffer overflow"},
		{"VulnerabilityID":"CVE-2024-0002","PkgName":"zlib","InstalledVersion":"1.2","Severity":"LOW"}]}]}`)}
	scanner := &ExecImageScanner{Command: "trivy", Args: []string{"image", "--format", "json"}, Runner: runner}

	report, err := scanner.ScanImage(context.Background(), "docker.io/library/nginx:1.25")
	require.NoError(t, err)
	require.Len(t, report.Findings, 2)
	assert.Equal(t, models.SeverityCritical, report.Findings[0].Severity)
	assert.Contains(t, report.Findings[0].Message, "fixed in 3.0.2")
	assert.Equal(t, []string{"trivy", "image", "--format", "json", "docker.io/library/nginx:1.25"}, runner.calls[0])
}

func TestNormalizeImage(t *testing.T) {
	got, err := NormalizeImage("nginx")
	require.NoError(t, err)
	assert.Equal(t, "docker.io/library/nginx:latest", got)

	got, err = NormalizeImage("ghcr.io/acme/api:v2")
	require.NoError(t, err)
	assert.Equal(t, "ghcr.io/acme/api:v2", got)

	_, err = NormalizeImage("UPPER/case")
	assert.Error(t, err)
}

func TestScanManifestFailsOnCriticalFinding(t *testing.T) {
	scanner := &stubManifestScanner{report: &ManifestReport{Score: 5, Findings: []models.Finding{{ID: "Privileged", Severity: models.SeverityCritical}}}}
	p := NewPipeline(scanner, nil, nil, Options{})

	result := p.ScanManifest(context.Background(), []byte("{}"))
	assert.False(t, result.Passed)
	assert.Len(t, result.Findings, 1)
}

func TestScanManifestFailsBelowMinScore(t *testing.T) {
	scanner := &stubManifestScanner{report: &ManifestReport{Score: 1}}
	p := NewPipeline(scanner, nil, nil, Options{ManifestMinScore: 3})

	result := p.ScanManifest(context.Background(), []byte("{}"))
	assert.False(t, result.Passed)
	assert.Contains(t, result.Note, "below minimum")
}

func TestScanManifestFailsClosedWhenScannerUnavailable(t *testing.T) {
	scanner := &stubManifestScanner{err: errors.New("exec: kubesec: not found")}
	p := NewPipeline(scanner, nil, nil, Options{})

	result := p.ScanManifest(context.Background(), []byte("{}"))
	assert.False(t, result.Passed)
	assert.Contains(t, result.Note, "unavailable")
}

func TestScanManifestBreakerOpensAfterRepeatedFailures(t *testing.T) {
	scanner := &stubManifestScanner{err: errors.New("connection refused")}
	p := NewPipeline(scanner, nil, nil, Options{})

	for i := 0; i < 5; i++ {
		result := p.ScanManifest(context.Background(), []byte("{}"))
		assert.False(t, result.Passed)
	}
	assert.Equal(t, 3, scanner.calls, "breaker should stop calling the tool after the threshold")
}

func TestScanImagesDeduplicatesAndBlocksCritical(t *testing.T) {
	scanner := &stubImageScanner{findings: map[string][]models.Finding{
		"docker.io/library/redis:7": {{ID: "CVE-1", Severity: models.SeverityCritical}},
	}}
	p := NewPipeline(nil, scanner, nil, Options{ImageParallelism: 2})

	result := p.ScanImages(context.Background(), []string{"nginx", "docker.io/library/nginx:latest", "redis:7"})
	assert.False(t, result.Passed)
	assert.Len(t, scanner.scanned, 2)
	require.Len(t, result.Findings, 1)
	assert.Equal(t, "CVE-1", result.Findings[0].ID)
}

func TestScanImagesPassesBelowThreshold(t *testing.T) {
	scanner := &stubImageScanner{findings: map[string][]models.Finding{
		"docker.io/library/nginx:latest": {{ID: "CVE-2", Severity: models.SeverityMedium}},
	}}
	p := NewPipeline(nil, scanner, nil, Options{ImageFailSeverity: models.SeverityHigh})

	result := p.ScanImages(context.Background(), []string{"nginx"})
	assert.True(t, result.Passed)
	assert.Len(t, result.Findings, 1)
}

func TestScanImagesFailsClosedOnScannerError(t *testing.T) {
	p := NewPipeline(nil, &stubImageScanner{err: errors.New("registry timeout")}, nil, Options{})

	result := p.ScanImages(context.Background(), []string{"nginx"})
	assert.False(t, result.Passed)
	assert.Contains(t, result.Note, "unavailable")
}

func TestScanImagesRejectsInvalidReference(t *testing.T) {
	p := NewPipeline(nil, &stubImageScanner{}, nil, Options{})

	result := p.ScanImages(context.Background(), []string{"not a valid ref"})
	assert.False(t, result.Passed)
}

func TestCheckRuntimeFailsOpen(t *testing.T) {
	p := NewPipeline(nil, nil, &stubAlertSource{err: errors.New("dial tcp: connection refused")}, Options{})

	result := p.CheckRuntime(context.Background(), "shadow-1", time.Now())
	assert.True(t, result.Passed)
	assert.True(t, result.Skipped)
	assert.Contains(t, result.Note, "failing open")
}

func TestCheckRuntimeFiltersBySeverity(t *testing.T) {
	source := &stubAlertSource{alerts: []RuntimeAlert{
		{Name: "ShellSpawned", Severity: models.SeverityCritical, Pod: "api-1"},
		{Name: "NoisyLog", Severity: models.SeverityLow},
	}}
	p := NewPipeline(nil, nil, source, Options{RuntimeFailSeverity: models.SeverityHigh})

	result := p.CheckRuntime(context.Background(), "shadow-1", time.Now())
	assert.False(t, result.Passed)
	require.Len(t, result.Findings, 1)
	assert.Equal(t, "ShellSpawned", result.Findings[0].ID)
}

func TestAlertmanagerSourceFiltersNamespaceAndWindow(t *testing.T) {
	since := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v2/alerts", r.URL.Path)
		assert.Equal(t, `namespace="shadow-1"`, r.URL.Query().Get("filter"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"labels":{"alertname":"Old","namespace":"shadow-1","severity":"critical"},"annotations":{},"startsAt":"2024-05-01T11:00:00Z","status":{"state":"active"}},
			{"labels":{"alertname":"Terminal shell in container","namespace":"shadow-1","severity":"warning","pod":"api-0"},"annotations":{"summary":"bash spawned"},"startsAt":"2024-05-01T12:05:00Z","fingerprint":"abc"},
			{"labels":{"alertname":"Other","namespace":"prod","severity":"critical"},"annotations":{},"startsAt":"2024-05-01T12:05:00Z"}
		]`))
	}))
	defer server.Close()

	source := NewAlertmanagerSource(server.URL+"/", time.Second)
	alerts, err := source.Alerts(context.Background(), "shadow-1", since)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "Terminal shell in container", alerts[0].Name)
	assert.Equal(t, models.SeverityMedium, alerts[0].Severity)
	assert.Equal(t, "bash spawned", alerts[0].Summary)
}

func TestAlertmanagerSourceErrorsOnBadStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := NewAlertmanagerSource(server.URL, time.Second).Alerts(context.Background(), "x", time.Time{})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "503"))
}

func TestSummarize(t *testing.T) {
	pass := &models.GateResult{Passed: true}
	fail := &models.GateResult{}
	assert.True(t, Summarize(pass, pass, pass).Passed)
	assert.False(t, Summarize(pass, fail, pass).Passed)
	assert.False(t, Summarize(fail, nil, nil).Passed)
}
