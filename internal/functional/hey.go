package functional

import (
	"bufio"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/kubeshield/remedy/internal/models"
)

var (
	heyTotal      = regexp.MustCompile(`^Total:\s+([0-9.]+)\s+secs`)
	heyRPS        = regexp.MustCompile(`^Requests/sec:\s+([0-9.]+)`)
	heyStatusLine = regexp.MustCompile(`^\[(\d{3})\]\s+(\d+)\s+responses`)
	heyErrorLine  = regexp.MustCompile(`^\[(\d+)\]\s+`)
	errorSection  = "Error distribution:"
	statusSection = "Status code distribution:"
)

// ParseHeyOutput reads the summary printed by the hey load generator. Non-2xx/3xx
// responses and transport errors both count as errors.
func ParseHeyOutput(out string) *models.LoadResult {
	result := &models.LoadResult{}
	section := ""

	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == statusSection:
			section = "status"
			continue
		case line == errorSection:
			section = "errors"
			continue
		case line == "":
			continue
		}

		if m := heyTotal.FindStringSubmatch(line); m != nil {
			if secs, err := strconv.ParseFloat(m[1], 64); err == nil {
				result.Duration = time.Duration(secs * float64(time.Second))
			}
			continue
		}
		if m := heyRPS.FindStringSubmatch(line); m != nil {
			result.RequestsPerS, _ = strconv.ParseFloat(m[1], 64)
			continue
		}

		switch section {
		case "status":
			if m := heyStatusLine.FindStringSubmatch(line); m != nil {
				code, _ := strconv.Atoi(m[1])
				n, _ := strconv.Atoi(m[2])
				result.Requests += n
				if code >= 400 {
					result.Errors += n
				}
			}
		case "errors":
			if m := heyErrorLine.FindStringSubmatch(line); m != nil {
				n, _ := strconv.Atoi(m[1])
				result.Requests += n
				result.Errors += n
			}
		}
	}

	if result.Requests > 0 {
		result.ErrorRate = float64(result.Errors) / float64(result.Requests)
	}
	return result
}
