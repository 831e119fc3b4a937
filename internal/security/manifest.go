package security

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kubeshield/remedy/internal/models"
)

// ManifestReport is the normalised output of a manifest scanner.
type ManifestReport struct {
	Score    float64          `json:"score"`
	Findings []models.Finding `json:"findings"`
	Raw      json.RawMessage  `json:"raw,omitempty"`
}

// ManifestScanner reads one rendered manifest and reports findings.
type ManifestScanner interface {
	ScanManifest(ctx context.Context, manifest []byte) (*ManifestReport, error)
}

// ExecManifestScanner pipes the manifest to a CLI on stdin. It understands both
// the generic {"score","findings"} document and kubesec's array output.
type ExecManifestScanner struct {
	Command string
	Args    []string
	Timeout time.Duration
	Runner  Runner
}

func (s *ExecManifestScanner) ScanManifest(ctx context.Context, manifest []byte) (*ManifestReport, error) {
	if s.Command == "" {
		return nil, fmt.Errorf("manifest scanner not configured")
	}
	runner := s.Runner
	if runner == nil {
		runner = ExecRunner{}
	}
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	out, code, err := runner.Run(ctx, s.Command, s.Args, manifest)
	if err != nil {
		return nil, err
	}
	report, err := ParseManifestReport(out)
	if err != nil {
		return nil, fmt.Errorf("%s exited %d: %w", s.Command, code, err)
	}
	return report, nil
}

type genericManifestOutput struct {
	Score    float64 `json:"score"`
	Findings []struct {
		ID       string `json:"id"`
		Severity string `json:"severity"`
		Message  string `json:"message"`
		Object   string `json:"object"`
	} `json:"findings"`
}

type kubesecRule struct {
	ID       string `json:"id"`
	Selector string `json:"selector"`
	Reason   string `json:"reason"`
	Points   int    `json:"points"`
}

type kubesecResult struct {
	Object  string  `json:"object"`
	Valid   bool    `json:"valid"`
	Message string  `json:"message"`
	Score   float64 `json:"score"`
	Scoring struct {
		Critical []kubesecRule `json:"critical"`
		Advise   []kubesecRule `json:"advise"`
	} `json:"scoring"`
}

// ParseManifestReport decodes scanner output.
func ParseManifestReport(out []byte) (*ManifestReport, error) {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty scanner output")
	}

	report := &ManifestReport{Raw: append(json.RawMessage(nil), trimmed...)}
	if trimmed[0] == '[' {
		var results []kubesecResult
		if err := json.Unmarshal(trimmed, &results); err != nil {
			return nil, fmt.Errorf("decode kubesec output: %w", err)
		}
		if len(results) == 0 {
			return nil, fmt.Errorf("kubesec returned no results")
		}
		report.Score = results[0].Score
		for _, r := range results {
			if r.Score < report.Score {
				report.Score = r.Score
			}
			if !r.Valid {
				report.Findings = append(report.Findings, models.Finding{
					ID: "InvalidManifest", Severity: models.SeverityCritical, Message: r.Message, Object: r.Object,
				})
			}
			for _, rule := range r.Scoring.Critical {
				report.Findings = append(report.Findings, models.Finding{
					ID: rule.ID, Severity: models.SeverityCritical, Message: rule.Reason, Object: r.Object,
				})
			}
			for _, rule := range r.Scoring.Advise {
				report.Findings = append(report.Findings, models.Finding{
					ID: rule.ID, Severity: models.SeverityLow, Message: rule.Reason, Object: r.Object,
				})
			}
		}
		return report, nil
	}

	var generic genericManifestOutput
	if err := json.Unmarshal(trimmed, &generic); err != nil {
		return nil, fmt.Errorf("decode scanner output: %w", err)
	}
	report.Score = generic.Score
	for _, f := range generic.Findings {
		report.Findings = append(report.Findings, models.Finding{
			ID: f.ID, Severity: models.ParseSeverity(f.Severity), Message: f.Message, Object: f.Object,
		})
	}
	return report, nil
}
