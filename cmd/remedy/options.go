package main

import (
	"github.com/kubeshield/remedy/internal/advisor"
	"github.com/kubeshield/remedy/internal/circuit"
	"github.com/kubeshield/remedy/internal/cluster"
	"github.com/kubeshield/remedy/internal/config"
	"github.com/kubeshield/remedy/internal/functional"
	"github.com/kubeshield/remedy/internal/models"
	"github.com/kubeshield/remedy/internal/rollback"
	"github.com/kubeshield/remedy/internal/security"
	"github.com/kubeshield/remedy/internal/shadow"
)

func newSecurityPipeline(cfg config.SecurityConfig) *security.Pipeline {
	breaker := circuit.DefaultConfig()
	if cfg.BreakerThreshold > 0 {
		breaker.FailureThreshold = cfg.BreakerThreshold
	}
	if cfg.BreakerCooldown > 0 {
		breaker.Cooldown = cfg.BreakerCooldown
		if breaker.MaxCooldown < breaker.Cooldown {
			breaker.MaxCooldown = breaker.Cooldown
		}
	}

	var alerts security.AlertSource
	if cfg.Alertmanager.URL != "" {
		alerts = security.NewAlertmanagerSource(cfg.Alertmanager.URL, cfg.Alertmanager.Timeout)
	}

	return security.NewPipeline(
		&security.ExecManifestScanner{
			Command: cfg.ManifestScanner.Command,
			Args:    cfg.ManifestScanner.Args,
			Timeout: cfg.ManifestScanner.Timeout,
		},
		&security.ExecImageScanner{
			Command: cfg.ImageScanner.Command,
			Args:    cfg.ImageScanner.Args,
			Timeout: cfg.ImageScanner.Timeout,
		},
		alerts,
		security.Options{
			ManifestMinScore:     cfg.ManifestMinScore,
			ManifestFailSeverity: models.ParseSeverity(cfg.ManifestFailSeverity),
			ImageFailSeverity:    models.ParseSeverity(cfg.ImageFailSeverity),
			RuntimeFailSeverity:  models.ParseSeverity(cfg.RuntimeFailSeverity),
			ImageParallelism:     cfg.ImageParallelism,
			Breaker:              breaker,
		},
	)
}

func functionalOptions(cfg config.FunctionalConfig) functional.Options {
	probes := make([]functional.Probe, 0, len(cfg.Probes))
	for _, p := range cfg.Probes {
		severity := models.ParseSeverity(p.Severity)
		if severity == models.SeverityUnknown {
			severity = models.SeverityHigh
		}
		probes = append(probes, functional.Probe{
			Name:         p.Name,
			Service:      p.Service,
			Port:         p.Port,
			Path:         p.Path,
			ExpectStatus: p.ExpectStatus,
			Severity:     severity,
		})
	}
	return functional.Options{
		Probes: probes,
		Load: functional.LoadOptions{
			Enabled:      cfg.Load.Enabled,
			Image:        cfg.Load.Image,
			Concurrency:  cfg.Load.Concurrency,
			Duration:     cfg.Load.Duration,
			Port:         cfg.Load.Port,
			Path:         cfg.Load.Path,
			MaxErrorRate: cfg.Load.MaxErrorRate,
		},
		MinScore:   cfg.MinScore,
		JobTimeout: cfg.JobTimeout,
	}
}

func shadowOptions(cfg config.ShadowConfig) shadow.Options {
	opts := shadow.Options{
		MaxActive:        cfg.MaxActive,
		NamespacePrefix:  cfg.NamespacePrefix,
		ReadyTimeout:     cfg.ReadyTimeout,
		TTL:              cfg.TTL,
		TeardownTimeout:  cfg.TeardownTimeout,
		TeardownRetries:  cfg.TeardownRetries,
		RetryBackoff:     cfg.RetryBackoff,
		ReaperInterval:   cfg.ReaperInterval,
		NetworkIsolation: cfg.NetworkIsolation,
	}
	if cfg.Quota.Enabled {
		opts.Quota = &cluster.QuotaSpec{CPU: cfg.Quota.CPU, Memory: cfg.Quota.Memory, Pods: cfg.Quota.Pods}
	}
	return opts
}

func rollbackOptions(cfg config.RollbackConfig) rollback.Options {
	opts := rollback.DefaultOptions()
	opts.Window = cfg.Window
	opts.Interval = cfg.Interval
	opts.BaselineWindow = cfg.BaselineWindow
	opts.MaxIncrease = cfg.MaxIncrease
	opts.AbsoluteSpike = cfg.AbsoluteSpike
	opts.MaxRelativeIncrease = cfg.MaxRelativeIncrease
	return opts
}

func advisorOptions(cfg config.AdvisorConfig) advisor.HTTPOptions {
	breaker := circuit.DefaultConfig()
	if cfg.BreakerThreshold > 0 {
		breaker.FailureThreshold = cfg.BreakerThreshold
	}
	if cfg.BreakerCooldown > 0 {
		breaker.Cooldown = cfg.BreakerCooldown
		if breaker.MaxCooldown < breaker.Cooldown {
			breaker.MaxCooldown = breaker.Cooldown
		}
	}
	return advisor.HTTPOptions{
		Timeout:   cfg.Timeout,
		RateLimit: cfg.RateLimit,
		Burst:     cfg.Burst,
		Breaker:   breaker,
	}
}
