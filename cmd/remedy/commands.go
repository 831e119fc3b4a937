package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/kubeshield/remedy/internal/api"
	"github.com/kubeshield/remedy/internal/models"
)

func (f *clientFlags) client() (*api.Client, error) {
	timeout, err := time.ParseDuration(f.timeout)
	if err != nil {
		return nil, fmt.Errorf("invalid --timeout %q: %w", f.timeout, err)
	}
	return api.NewClient(f.server, f.token, timeout), nil
}

func (f *clientFlags) render(out io.Writer, v interface{}, asTable func(io.Writer)) error {
	switch f.output {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "table", "":
		asTable(out)
		return nil
	default:
		return fmt.Errorf("unknown output format %q", f.output)
	}
}

func newTable(out io.Writer, header table.Row) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(out)
	tw.AppendHeader(header)
	return tw
}

func age(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return time.Since(t).Truncate(time.Second).String()
}

func newStatusCmd(flags *clientFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue depth, the production lock and tool breakers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.client()
			if err != nil {
				return err
			}
			st, err := c.Status(cmd.Context())
			if err != nil {
				return err
			}
			return flags.render(cmd.OutOrStdout(), st, func(out io.Writer) {
				fmt.Fprintf(out, "Server version: %s\n", st.Version)
				fmt.Fprintf(out, "Open incidents: %d (archived %d, workers %d)\n", st.Queue.Open, st.Queue.Archived, st.Queue.Workers)
				if st.Queue.Lock.Held() {
					fmt.Fprintf(out, "Production lock: held by %s for %s (%s)\n", st.Queue.Lock.Holder, age(st.Queue.Lock.AcquiredAt), st.Queue.Lock.Reason)
				} else {
					fmt.Fprintln(out, "Production lock: free")
				}
				fmt.Fprintf(out, "Shadows: %d active, %d stale\n", st.ActiveShadows, st.StaleShadows)

				depth := newTable(out, table.Row{"Priority", "Waiting"})
				for _, p := range models.Priorities {
					depth.AppendRow(table.Row{p.String(), st.Queue.Depth[p.String()]})
				}
				depth.Render()

				if len(st.Breakers) > 0 {
					tw := newTable(out, table.Row{"Tool", "State", "Failures", "Trips", "Last Error"})
					for _, b := range st.Breakers {
						tw.AppendRow(table.Row{b.Name, b.State, b.ConsecutiveFailures, b.Trips, b.LastError})
					}
					tw.Render()
				}
			})
		},
	}
}

func newIncidentsCmd(flags *clientFlags) *cobra.Command {
	var all bool
	var statuses []string
	cmd := &cobra.Command{
		Use:   "incidents [id]",
		Short: "List incidents, or show one incident's history",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.client()
			if err != nil {
				return err
			}
			if len(args) == 1 {
				inc, err := c.Incident(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return flags.render(cmd.OutOrStdout(), inc, func(out io.Writer) { renderIncident(out, inc) })
			}

			filter := make([]models.Status, 0, len(statuses))
			for _, s := range statuses {
				filter = append(filter, models.Status(s))
			}
			incs, err := c.Incidents(cmd.Context(), !all, filter...)
			if err != nil {
				return err
			}
			return flags.render(cmd.OutOrStdout(), incs, func(out io.Writer) {
				tw := newTable(out, table.Row{"ID", "Priority", "Status", "Resource", "Title", "Attempts", "Age"})
				for _, inc := range incs {
					tw.AppendRow(table.Row{inc.ID, inc.Priority, inc.Status, inc.Resource.String(), inc.Title, inc.Attempts, age(inc.DetectedAt)})
				}
				tw.Render()
			})
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "include closed incidents")
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "only incidents in these statuses")
	return cmd
}

func renderIncident(out io.Writer, inc *models.Incident) {
	fmt.Fprintf(out, "Incident %s: %s\n", inc.ID, inc.Title)
	fmt.Fprintf(out, "Resource: %s  Priority: %s  Status: %s\n", inc.Resource, inc.Priority, inc.Status)
	if inc.Reason != "" {
		fmt.Fprintf(out, "Reason: %s\n", inc.Reason)
	}
	if inc.Proposal != nil {
		fmt.Fprintf(out, "Proposal: %s patch (confidence %.2f) %s\n", inc.Proposal.Patch.Type, inc.Proposal.Confidence, inc.Proposal.Rationale)
	}
	if inc.Approval != nil {
		fmt.Fprintf(out, "Approval: %s", inc.Approval.Status)
		if inc.Approval.DecidedBy != "" {
			fmt.Fprintf(out, " by %s", inc.Approval.DecidedBy)
		}
		if inc.Approval.Status == models.ApprovalPending {
			fmt.Fprintf(out, " (expires %s)", inc.Approval.ExpiresAt.Format(time.RFC3339))
		}
		fmt.Fprintln(out)
		if inc.Approval.Summary != "" {
			fmt.Fprintf(out, "  %s\n", inc.Approval.Summary)
		}
	}

	tw := newTable(out, table.Row{"At", "From", "To", "Event", "Note"})
	for _, tr := range inc.Transitions {
		tw.AppendRow(table.Row{tr.At.Format(time.RFC3339), tr.From, tr.To, tr.Event, tr.Note})
	}
	tw.Render()

	if len(inc.Evidence) > 0 {
		ev := newTable(out, table.Row{"Observed", "Source", "Summary"})
		for _, e := range inc.Evidence {
			ev.AppendRow(table.Row{e.ObservedAt.Format(time.RFC3339), e.Source, e.Summary})
		}
		ev.Render()
	}
}

func newEnqueueCmd(flags *clientFlags) *cobra.Command {
	var (
		req      api.EnqueueRequest
		priority string
		summary  string
		proposal string
	)
	cmd := &cobra.Command{
		Use:   "enqueue KIND/NAMESPACE/NAME",
		Short: "Submit a detection for a resource",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseResource(args[0])
			if err != nil {
				return err
			}
			req.Resource = ref
			if req.Priority, err = models.ParsePriority(priority); err != nil {
				return err
			}
			if summary != "" {
				req.Evidence = []models.Evidence{{Source: "cli", Summary: summary}}
			}
			if proposal != "" {
				var p models.FixProposal
				if err := json.Unmarshal([]byte(proposal), &p); err != nil {
					return fmt.Errorf("invalid --proposal: %w", err)
				}
				req.Proposal = &p
			}

			c, err := flags.client()
			if err != nil {
				return err
			}
			resp, err := c.Enqueue(cmd.Context(), req)
			if err != nil {
				return err
			}
			return flags.render(cmd.OutOrStdout(), resp, func(out io.Writer) {
				verb := "Queued"
				if resp.Merged {
					verb = "Merged into"
				}
				fmt.Fprintf(out, "%s incident %s (%s, %s)\n", verb, resp.Incident.ID, resp.Incident.Priority, resp.Incident.Status)
			})
		},
	}
	cmd.Flags().StringVar(&req.Title, "title", "", "incident title")
	cmd.Flags().StringVarP(&priority, "priority", "p", "P2", "priority P0..P4")
	cmd.Flags().StringVar(&summary, "evidence", "", "evidence summary")
	cmd.Flags().StringVar(&proposal, "proposal", "", "fix proposal as JSON, skips the advisor")
	return cmd
}

func parseResource(s string) (models.ResourceRef, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return models.ResourceRef{}, fmt.Errorf("resource must be KIND/NAMESPACE/NAME, got %q", s)
	}
	return models.ResourceRef{Kind: parts[0], Namespace: parts[1], Name: parts[2]}, nil
}

func newDecisionCmd(flags *clientFlags, action, short string) *cobra.Command {
	var req api.DecisionRequest
	cmd := &cobra.Command{
		Use:   action + " ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.client()
			if err != nil {
				return err
			}
			var decide func(context.Context, string, api.DecisionRequest) (*models.Incident, error)
			switch action {
			case "approve":
				decide = c.Approve
			case "reject":
				decide = c.Reject
			default:
				decide = c.Close
			}
			inc, err := decide(cmd.Context(), args[0], req)
			if err != nil {
				return err
			}
			return flags.render(cmd.OutOrStdout(), inc, func(out io.Writer) {
				fmt.Fprintf(out, "Incident %s is now %s\n", inc.ID, inc.Status)
			})
		},
	}
	cmd.Flags().StringVar(&req.Actor, "actor", envOr("USER", ""), "who is deciding")
	cmd.Flags().StringVar(&req.Reason, "reason", "", "reason recorded with the decision")
	return cmd
}

func newUnlockCmd(flags *clientFlags) *cobra.Command {
	var req api.UnlockRequest
	cmd := &cobra.Command{
		Use:   "unlock",
		Short: "Release the production lock",
		Long:  "Release the production lock. Without --force only a lock whose holder is no longer being worked on is released.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.client()
			if err != nil {
				return err
			}
			resp, err := c.Unlock(cmd.Context(), req)
			if err != nil {
				return err
			}
			return flags.render(cmd.OutOrStdout(), resp, func(out io.Writer) {
				if !resp.Released.Held() {
					fmt.Fprintln(out, "Production lock was not held")
					return
				}
				fmt.Fprintf(out, "Released production lock held by %s\n", resp.Released.Holder)
			})
		},
	}
	cmd.Flags().StringVar(&req.Actor, "actor", envOr("USER", ""), "who is unlocking")
	cmd.Flags().BoolVar(&req.Force, "force", false, "release even if the holder is still active")
	return cmd
}

func newShadowsCmd(flags *clientFlags) *cobra.Command {
	var active bool
	cmd := &cobra.Command{
		Use:   "shadows [id]",
		Short: "List shadow environments, or show one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.client()
			if err != nil {
				return err
			}
			if len(args) == 1 {
				env, err := c.Shadow(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return flags.render(cmd.OutOrStdout(), env, func(out io.Writer) { renderShadow(out, env) })
			}
			envs, err := c.Shadows(cmd.Context(), active)
			if err != nil {
				return err
			}
			return flags.render(cmd.OutOrStdout(), envs, func(out io.Writer) {
				tw := newTable(out, table.Row{"ID", "Incident", "Namespace", "Status", "Health", "Stale", "Age"})
				for _, env := range envs {
					tw.AppendRow(table.Row{env.ID, env.IncidentID, env.Namespace, env.Status, fmt.Sprintf("%.2f", env.HealthScore), env.Stale, age(env.CreatedAt)})
				}
				tw.Render()
			})
		},
	}
	cmd.Flags().BoolVar(&active, "active", false, "only environments still holding cluster resources")
	return cmd
}

func renderShadow(out io.Writer, env *models.ShadowEnvironment) {
	fmt.Fprintf(out, "Shadow %s for %s in %s: %s (health %.2f)\n", env.ID, env.Source, env.Namespace, env.Status, env.HealthScore)
	if env.Reason != "" {
		fmt.Fprintf(out, "Reason: %s\n", env.Reason)
	}
	for _, w := range env.Warnings {
		fmt.Fprintf(out, "Warning: %s\n", w)
	}
	tw := newTable(out, table.Row{"Gate", "Passed", "Skipped", "Findings", "Note"})
	for _, g := range []*models.GateResult{env.Results.Security.Manifest, env.Results.Security.Image, env.Results.Security.Runtime} {
		if g != nil {
			tw.AppendRow(table.Row{g.Gate, g.Passed, g.Skipped, len(g.Findings), g.Note})
		}
	}
	tw.Render()
	if f := env.Results.Functional; f != nil {
		checks := newTable(out, table.Row{"Check", "Passed", "Severity", "Detail"})
		for _, c := range f.Smoke {
			checks.AppendRow(table.Row{c.Name, c.Passed, c.Severity, c.Detail})
		}
		checks.Render()
	}
}
