package security

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/distribution/reference"

	"github.com/kubeshield/remedy/internal/models"
)

// ImageReport lists the vulnerabilities found in one image.
type ImageReport struct {
	Image    string           `json:"image"`
	Findings []models.Finding `json:"findings"`
}

// ImageScanner scans one image reference.
type ImageScanner interface {
	ScanImage(ctx context.Context, image string) (*ImageReport, error)
}

// ExecImageScanner runs a Trivy-compatible CLI with the image as last argument.
type ExecImageScanner struct {
	Command string
	Args    []string
	Timeout time.Duration
	Runner  Runner
}

func (s *ExecImageScanner) ScanImage(ctx context.Context, image string) (*ImageReport, error) {
	if s.Command == "" {
		return nil, fmt.Errorf("image scanner not configured")
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

	args := append(append([]string(nil), s.Args...), image)
	out, code, err := runner.Run(ctx, s.Command, args, nil)
	if err != nil {
		return nil, err
	}
	report, err := ParseTrivyReport(image, out)
	if err != nil {
		return nil, fmt.Errorf("%s exited %d: %w", s.Command, code, err)
	}
	return report, nil
}

type trivyOutput struct {
	Results []struct {
		Target          string `json:"Target"`
		Vulnerabilities []struct {
			VulnerabilityID  string `json:"VulnerabilityID"`
			PkgName          string `json:"PkgName"`
			InstalledVersion string `json:"InstalledVersion"`
			FixedVersion     string `json:"FixedVersion"`
			Severity         string `json:"Severity"`
			Title            string `json:"Title"`
		} `json:"Vulnerabilities"`
	} `json:"Results"`
}

// ParseTrivyReport decodes Trivy JSON output.
func ParseTrivyReport(image string, out []byte) (*ImageReport, error) {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty scanner output")
	}
	var parsed trivyOutput
	if err := json.Unmarshal(trimmed, &parsed); err != nil {
		return nil, fmt.Errorf("decode trivy output: %w", err)
	}

	report := &ImageReport{Image: image}
	for _, result := range parsed.Results {
		for _, v := range result.Vulnerabilities {
			msg := fmt.Sprintf("%s %s", v.PkgName, v.InstalledVersion)
			if v.FixedVersion != "" {
				msg += " (fixed in " + v.FixedVersion + ")"
			}
			if v.Title != "" {
				msg += ": " + v.Title
			}
			report.Findings = append(report.Findings, models.Finding{
				ID:       v.VulnerabilityID,
				Severity: models.ParseSeverity(v.Severity),
				Message:  msg,
				Object:   image,
			})
		}
	}
	return report, nil
}

// NormalizeImage expands a reference to its fully-qualified form
// ("nginx" -> "docker.io/library/nginx:latest").
func NormalizeImage(image string) (string, error) {
	named, err := reference.ParseNormalizedNamed(image)
	if err != nil {
		return "", fmt.Errorf("invalid image reference %q: %w", image, err)
	}
	return reference.TagNameOnly(named).String(), nil
}
