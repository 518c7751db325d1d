package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/leejennwah/scm-sync/internal/scm"
)

func buildRepoCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "repo",
		Short: "Register and list repositories",
	}
	cmd.AddCommand(buildRepoEnsureCommand(opts))
	cmd.AddCommand(buildRepoListCommand(opts))
	return cmd
}

func buildRepoEnsureCommand(opts *rootOptions) *cobra.Command {
	var repoType, url, projectKey, defaultBranch string

	cmd := &cobra.Command{
		Use:   "ensure",
		Short: "Register a repository, or return the existing one for the same type and url",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := scm.NewRepository(scm.RepoType(repoType), url, projectKey, defaultBranch)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := openApp(ctx, opts, "scm-sync-admin", nil)
			if err != nil {
				return err
			}
			defer a.Close()

			repo, err := a.store.EnsureRepository(ctx, r)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), repo)
		},
	}

	cmd.Flags().StringVar(&repoType, "type", "", "repository type: svn or git")
	cmd.Flags().StringVar(&url, "url", "", "repository url")
	cmd.Flags().StringVar(&projectKey, "project-key", "", "project key, e.g. team/app (default: derived from the url)")
	cmd.Flags().StringVar(&defaultBranch, "default-branch", "", "default branch (git)")
	cmd.MarkFlagRequired("type")
	cmd.MarkFlagRequired("url")

	return cmd
}

func buildRepoListCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered repositories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, opts, "scm-sync-admin", nil)
			if err != nil {
				return err
			}
			defer a.Close()

			repos, err := a.store.ListRepositories(ctx)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "REPO\tTYPE\tTENANT\tURL")
			for _, r := range repos {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.ID, r.Type, r.TenantKey(), r.URL)
			}
			return tw.Flush()
		},
	}
}

func buildBreakerCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "breaker",
		Short: "Inspect and reset circuit breakers",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Print every stored breaker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, opts, "scm-sync-admin", nil)
			if err != nil {
				return err
			}
			defer a.Close()

			all, err := a.breakers.List(ctx)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), all)
		},
	})

	var repoID, jobType string
	reset := &cobra.Command{
		Use:   "reset",
		Short: "Close the breaker of one stream",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			jt, err := scm.ParseJobType(jobType)
			if err != nil {
				return err
			}
			if err := scm.ValidateSourceID(repoID); err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := openApp(ctx, opts, "scm-sync-admin", nil)
			if err != nil {
				return err
			}
			defer a.Close()

			snap, err := a.breakers.Reset(ctx, scm.Key{RepoID: repoID, JobType: jt})
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), snap)
		},
	}
	reset.Flags().StringVar(&repoID, "repo", "", "repository id")
	reset.Flags().StringVar(&jobType, "job-type", "", "job type")
	reset.MarkFlagRequired("repo")
	reset.MarkFlagRequired("job-type")
	cmd.AddCommand(reset)

	return cmd
}

func buildMigrateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, opts, "scm-sync-migrate", nil)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.store.Migrate(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}
