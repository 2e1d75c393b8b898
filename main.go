package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/briangreenhill/surveysync/pkg/agentclient"
)

const version = "0.1.0"

func main() {
	if err := runCLI(os.Args[1:], os.Stdout); err != nil {
		log.Fatalf("Error: %v", err)
	}
}

func runCLI(args []string, out io.Writer) error {
	root := newRootCmd(out)
	root.SetArgs(args)
	return root.Execute()
}

func newRootCmd(out io.Writer) *cobra.Command {
	var agentURL string

	root := &cobra.Command{
		Use:           "surveysync",
		Short:         "Inspect and drive a running surveysync agent",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)

	defaultURL := os.Getenv("AGENT_URL")
	if defaultURL == "" {
		defaultURL = agentclient.DefaultBaseURL
	}
	root.PersistentFlags().StringVar(&agentURL, "agent", defaultURL, "agent base URL (env AGENT_URL)")

	client := func() *agentclient.Client { return agentclient.New(agentURL) }

	root.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show agent state and pending mutation count",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := client().Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("get status: %w", err)
			}
			fmt.Fprintf(out, "Version:   %s\n", st.Version)
			fmt.Fprintf(out, "State:     %s\n", st.State)
			fmt.Fprintf(out, "Online:    %t\n", st.Online)
			fmt.Fprintf(out, "Pending:   %d\n", st.Pending)
			fmt.Fprintf(out, "Instances: %d\n", st.Instances)
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "queue",
		Short: "List pending mutations in replay order",
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := client().ListQueue(cmd.Context())
			if err != nil {
				return fmt.Errorf("list queue: %w", err)
			}
			if len(entries) == 0 {
				fmt.Fprintln(out, "No pending mutations")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tMETHOD\tURL\tQUEUED\tBYTES")
			for _, e := range entries {
				queued := time.UnixMilli(e.Timestamp).Format(time.RFC3339)
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\n", e.ID, e.Method, e.URL, queued, len(e.Body))
			}
			return tw.Flush()
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "flush",
		Short: "Replay pending mutations now",
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := client().PostMessage(cmd.Context(), "flush-queue")
			if err != nil {
				return fmt.Errorf("flush: %w", err)
			}
			switch {
			case res.Skipped:
				fmt.Fprintln(out, "A flush is already running")
			case res.Complete:
				fmt.Fprintf(out, "Flushed %d mutation(s)\n", res.Replayed)
			default:
				fmt.Fprintf(out, "Flush halted at entry %d: %d replayed, %d still pending\n", res.FailedID, res.Replayed, res.Pending)
			}
			return nil
		},
	})

	return root
}
