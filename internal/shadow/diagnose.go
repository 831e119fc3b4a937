package shadow

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Reasons that point at the cluster rather than at the workload; retrying later
// may succeed.
var transientReasons = map[string]bool{
	"FailedScheduling":       true,
	"Unschedulable":          true,
	"FailedAttachVolume":     true,
	"FailedMount":            true,
	"NetworkNotReady":        true,
	"FailedCreatePodSandBox": true,
}

// diagnose explains why a shadow namespace did not become ready. Lines are
// ordered control plane, pods, events and sorted within each group so the same
// cluster state always yields the same diagnostic.
func (e *Engine) diagnose(ctx context.Context, namespace string, waited time.Duration) ([]string, bool) {
	var lines []string
	transient := false

	if err := e.gw.Healthy(ctx); err != nil {
		lines = append(lines, fmt.Sprintf("control plane: %v", err))
		transient = true
	}

	if pods, err := e.gw.Pods(ctx, namespace); err != nil {
		lines = append(lines, fmt.Sprintf("pods: %v", err))
	} else {
		sort.Slice(pods, func(i, j int) bool { return pods[i].Name < pods[j].Name })
		for _, p := range pods {
			if p.Ready {
				continue
			}
			line := fmt.Sprintf("pod %s not ready: phase=%s", p.Name, p.Phase)
			if p.Reason != "" {
				line += " reason=" + p.Reason
			}
			lines = append(lines, line)
			if transientReasons[p.Reason] {
				transient = true
			}
		}
	}

	if events, err := e.gw.Events(ctx, namespace); err != nil {
		lines = append(lines, fmt.Sprintf("events: %v", err))
	} else {
		seen := make(map[string]bool)
		var eventLines []string
		for _, ev := range events {
			if ev.Type != "Warning" {
				continue
			}
			line := fmt.Sprintf("event %s on %s: %s", ev.Reason, ev.Object, strings.TrimSpace(ev.Message))
			if seen[line] {
				continue
			}
			seen[line] = true
			eventLines = append(eventLines, line)
			if transientReasons[ev.Reason] {
				transient = true
			}
		}
		sort.Strings(eventLines)
		lines = append(lines, eventLines...)
	}

	if len(lines) == 0 {
		lines = append(lines, fmt.Sprintf("no warning signal after %s", waited.Round(time.Second)))
	}
	return lines, transient
}
