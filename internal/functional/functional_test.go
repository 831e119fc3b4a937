package functional

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubeshield/remedy/internal/cluster"
	"github.com/kubeshield/remedy/internal/cluster/clustertest"
	"github.com/kubeshield/remedy/internal/models"
)

const heySample = `
Summary:
  Total:	10.0031 secs
  Slowest:	0.2103 secs
  Fastest:	0.0012 secs
  Average:	0.0150 secs
  Requests/sec:	199.9380

Status code distribution:
  [200]	1960 responses
  [503]	30 responses

Error distribution:
  [10]	Get "http://api.shadow-x.svc:80/": dial tcp: connection refused
`

func TestParseHeyOutput(t *testing.T) {
	res := ParseHeyOutput(heySample)

	assert.Equal(t, 2000, res.Requests)
	assert.Equal(t, 40, res.Errors)
	assert.InDelta(t, 0.02, res.ErrorRate, 1e-9)
	assert.InDelta(t, 199.938, res.RequestsPerS, 1e-6)
	assert.InDelta(t, 10.0031, res.Duration.Seconds(), 1e-6)
}

func TestParseHeyOutputEmpty(t *testing.T) {
	res := ParseHeyOutput("")
	assert.Zero(t, res.Requests)
	assert.Zero(t, res.ErrorRate)
}

func TestScore(t *testing.T) {
	checks := []models.CheckResult{
		{Name: "ready", Severity: models.SeverityCritical, Passed: true},
		{Name: "probe", Severity: models.SeverityHigh, Passed: false},
	}
	assert.InDelta(t, 8.0/12.0, Score(checks), 1e-9)
	assert.Zero(t, Score(nil))
}

func target() Target {
	return Target{
		ShadowID:  "01HSHADOW",
		Namespace: "shadow-01hshadow",
		Workload:  models.ResourceRef{Kind: "Deployment", Name: "api", Namespace: "shadow-01hshadow"},
		Services:  []string{"api"},
	}
}

func TestRunAllChecksPass(t *testing.T) {
	gw := clustertest.New()
	gw.ReadyFunc = func(models.ResourceRef) (bool, string, error) { return true, "1/1 replicas ready", nil }

	tester := NewTester(gw, Options{
		Probes:   []Probe{{Name: "health", Port: 8080, Path: "/healthz"}},
		MinScore: 0.8,
	})
	res := tester.Run(context.Background(), target())

	require.Len(t, res.Smoke, 2)
	assert.True(t, res.Passed)
	assert.Equal(t, 1.0, res.Score)
	assert.Nil(t, res.Load)
	assert.Equal(t, 1, gw.CallCount("proxy shadow-01hshadow/api:8080/healthz"))
}

func TestRunCriticalReadinessFailure(t *testing.T) {
	gw := clustertest.New()
	gw.ReadyFunc = func(models.ResourceRef) (bool, string, error) { return false, "0/1 replicas ready", nil }

	// Without the critical override a low threshold would accept this run.
	tester := NewTester(gw, Options{
		Probes:   []Probe{{Name: "a", Port: 80, Path: "/"}, {Name: "b", Port: 80, Path: "/b"}, {Name: "c", Port: 80, Path: "/c"}},
		MinScore: 0.1,
	})
	res := tester.Run(context.Background(), target())

	assert.False(t, res.Passed)
	assert.False(t, res.Smoke[0].Passed)
	assert.Equal(t, "0/1 replicas ready", res.Smoke[0].Detail)
}

func TestRunProbeStatusMismatch(t *testing.T) {
	gw := clustertest.New()
	gw.ReadyFunc = func(models.ResourceRef) (bool, string, error) { return true, "", nil }
	gw.ProxyFunc = func(_, _ string, _ int, path string) (int, []byte, error) {
		if path == "/ready" {
			return 500, []byte("database unreachable"), nil
		}
		return 204, nil, nil
	}

	tester := NewTester(gw, Options{
		Probes: []Probe{
			{Name: "ready", Port: 80, Path: "/ready"},
			{Name: "created", Port: 80, Path: "/items", ExpectStatus: 204},
		},
		MinScore: 0.8,
	})
	res := tester.Run(context.Background(), target())

	require.Len(t, res.Smoke, 3)
	assert.False(t, res.Smoke[1].Passed)
	assert.Contains(t, res.Smoke[1].Detail, "database unreachable")
	assert.True(t, res.Smoke[2].Passed)
	// 8 + 4 of 16
	assert.InDelta(t, 0.75, res.Score, 1e-9)
	assert.False(t, res.Passed)
}

func TestRunProbeWithoutService(t *testing.T) {
	gw := clustertest.New()
	gw.ReadyFunc = func(models.ResourceRef) (bool, string, error) { return true, "", nil }

	tgt := target()
	tgt.Services = nil
	res := NewTester(gw, Options{Probes: []Probe{{Name: "health", Port: 80}}}).Run(context.Background(), tgt)

	assert.False(t, res.Smoke[1].Passed)
	assert.Equal(t, "no service to probe", res.Smoke[1].Detail)
	assert.Zero(t, gw.CallCount("proxy"))
}

func TestRunLoad(t *testing.T) {
	cases := []struct {
		name       string
		result     *cluster.JobResult
		wantPassed bool
	}{
		{"within error budget", &cluster.JobResult{Succeeded: true, Logs: heySample}, true},
		{"job failed", &cluster.JobResult{Succeeded: false, ExitCode: 1, Logs: heySample}, false},
		{"no requests", &cluster.JobResult{Succeeded: true, Logs: "Summary:\n"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gw := clustertest.New()
			gw.ReadyFunc = func(models.ResourceRef) (bool, string, error) { return true, "", nil }
			var got cluster.JobSpec
			gw.JobFunc = func(spec cluster.JobSpec) (*cluster.JobResult, error) {
				got = spec
				return tc.result, nil
			}

			tester := NewTester(gw, Options{
				Load: LoadOptions{
					Enabled:      true,
					Image:        "williamyeh/hey",
					Concurrency:  5,
					Duration:     10 * time.Second,
					Port:         80,
					Path:         "/",
					MaxErrorRate: 0.05,
				},
				MinScore: 0.8,
			})
			res := tester.Run(context.Background(), target())

			require.NotNil(t, res.Load)
			assert.Equal(t, tc.wantPassed, res.Load.Passed)
			assert.Equal(t, tc.wantPassed, res.Passed)
			assert.Equal(t, "shadow-01hshadow", got.Namespace)
			assert.Equal(t, "01HSHADOW", got.Labels[cluster.LabelShadowID])
			assert.Contains(t, got.Args, "http://api.shadow-01hshadow.svc:80/")
		})
	}
}

func TestRunLoadErrorRateTooHigh(t *testing.T) {
	gw := clustertest.New()
	gw.ReadyFunc = func(models.ResourceRef) (bool, string, error) { return true, "", nil }
	gw.JobFunc = func(cluster.JobSpec) (*cluster.JobResult, error) {
		return &cluster.JobResult{Succeeded: true, Logs: heySample}, nil
	}

	res := NewTester(gw, Options{
		Load:     LoadOptions{Enabled: true, Duration: time.Second, Port: 80, MaxErrorRate: 0.01},
		MinScore: 0.5,
	}).Run(context.Background(), target())

	assert.False(t, res.Load.Passed)
	// readiness (8) passes, load (4) fails
	assert.InDelta(t, 8.0/12.0, res.Score, 1e-9)
	assert.True(t, res.Passed)
}
