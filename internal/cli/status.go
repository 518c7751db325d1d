package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/leejennwah/scm-sync/internal/scm"
	"github.com/leejennwah/scm-sync/internal/status"
	"github.com/leejennwah/scm-sync/pkg/client"
)

func buildStatusCommand(opts *rootOptions) *cobra.Command {
	var (
		asJSON       bool
		asPrometheus bool
		serve        string
		remote       string
		repoID       string
		jobType      string
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Report breaker state, cursor age, queue counts and last error per stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			if asJSON && asPrometheus {
				return fmt.Errorf("--json and --prometheus are mutually exclusive")
			}
			f := status.Filter{RepoID: repoID}
			if jobType != "" {
				jt, err := scm.ParseJobType(jobType)
				if err != nil {
					return err
				}
				f.JobType = jt
			}
			format := "text"
			switch {
			case asJSON:
				format = "json"
			case asPrometheus:
				format = "prometheus"
			}

			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			if remote != "" {
				c := client.New(remote)
				if format == "json" {
					snap, err := c.Status(ctx, f)
					if err != nil {
						return err
					}
					return status.WriteJSON(out, snap)
				}
				body, err := c.Render(ctx, f, format)
				if err != nil {
					return err
				}
				_, err = out.Write(body)
				return err
			}

			a, err := openApp(ctx, opts, "scm-sync-status", nil)
			if err != nil {
				return err
			}
			defer a.Close()

			if serve != "" {
				a.registry.MustRegister(status.NewPrometheusCollector(a.collector(), a.logger))
				a.serveHTTP(ctx, serve)
				<-ctx.Done()
				return nil
			}

			snap, err := a.collector().Collect(ctx, f)
			if err != nil {
				return err
			}
			switch format {
			case "json":
				return status.WriteJSON(out, snap)
			case "prometheus":
				return status.WritePrometheus(out, snap)
			default:
				return status.WriteText(out, snap)
			}
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the snapshot as JSON")
	cmd.Flags().BoolVar(&asPrometheus, "prometheus", false, "print the snapshot in the Prometheus text format")
	cmd.Flags().StringVar(&serve, "serve", "", "serve /health, /api/v1/status and /metrics on this address")
	cmd.Flags().StringVar(&remote, "remote", "", "read the snapshot from a status server instead of the database")
	cmd.Flags().StringVar(&repoID, "repo", "", "only this repository id")
	cmd.Flags().StringVar(&jobType, "job-type", "", "only this job type")

	return cmd
}
