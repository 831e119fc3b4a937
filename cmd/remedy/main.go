package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// clientFlags are shared by every command that talks to a running server.
type clientFlags struct {
	server  string
	token   string
	output  string
	timeout string
}

func newRootCmd() *cobra.Command {
	flags := &clientFlags{}
	root := &cobra.Command{
		Use:           "remedy",
		Short:         "remedy - safety pipeline for automated Kubernetes remediation",
		Long:          `remedy proves every proposed fix in a shadow copy of the workload, gates it on security and functional checks and a human approval, then watches production and reverts on regression.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.server, "server", envOr("REMEDY_SERVER", "http://127.0.0.1:8085"), "remedy API address")
	pf.StringVar(&flags.token, "token", os.Getenv("REMEDY_API_TOKEN"), "API token for mutating commands")
	pf.StringVarP(&flags.output, "output", "o", "table", "output format: table or json")
	pf.StringVar(&flags.timeout, "timeout", "30s", "request timeout")

	root.AddCommand(
		newServeCmd(),
		newVersionCmd(),
		newStatusCmd(flags),
		newIncidentsCmd(flags),
		newEnqueueCmd(flags),
		newDecisionCmd(flags, "approve", "Approve the verified fix of an incident"),
		newDecisionCmd(flags, "reject", "Reject the verified fix of an incident"),
		newDecisionCmd(flags, "close", "Close an incident, cancelling any work in flight"),
		newUnlockCmd(flags),
		newShadowsCmd(flags),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "remedy %s\n", Version)
			if BuildTime != "unknown" {
				fmt.Fprintf(out, "Built: %s\n", BuildTime)
			}
			if GitCommit != "unknown" {
				fmt.Fprintf(out, "Commit: %s\n", GitCommit)
			}
		},
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
