package cmd

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/bitbucket-branch-harvester/internal/config"
	"github.com/JakeFAU/bitbucket-branch-harvester/internal/dispatcher"
)

// harvestFlags maps flag names to the viper keys they override.
var harvestFlags = []struct {
	name, key, usage string
}{
	{"base-url", "bitbucket.base_url", "Bitbucket Server base URL"},
	{"token", "bitbucket.token", "bearer token (wins over username/password)"},
	{"username", "bitbucket.username", "basic auth username"},
	{"password", "bitbucket.password", "basic auth password"},
	{"verify-ssl", "bitbucket.verify_ssl", "true, false or a path to a CA bundle"},
	{"projects", "harvest.project_file", "file with one project key per line"},
	{"out-ndjson", "harvest.out_ndjson", "NDJSON output path (appended)"},
	{"out-csv", "harvest.out_csv", "CSV output path (appended); empty disables"},
	{"resume-file", "harvest.resume_file", "resume log path; empty disables"},
	{"status-addr", "server.addr", "status server listen address; empty disables"},
}

func newHarvestCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "harvest",
		Short: "Harvest branches and tip commits",
		Long: `Reads the project key file, harvests every repository not yet in the resume
log and appends one row per branch to the outputs. SIGINT or SIGTERM stops
scheduling new repositories; repositories already in flight are completed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runHarvest(cmd, opts)
		},
	}

	flags := cmd.Flags()
	for _, f := range harvestFlags {
		flags.String(f.name, "", f.usage)
	}
	flags.Int("max-concurrent", 0, "repositories processed at once")
	flags.Float64("rps", 0, "global requests per second (floored at 0.1)")
	flags.Bool("dev", false, "development logging")

	for _, f := range harvestFlags {
		_ = opts.v.BindPFlag(f.key, flags.Lookup(f.name))
	}
	_ = opts.v.BindPFlag("harvest.max_concurrent", flags.Lookup("max-concurrent"))
	_ = opts.v.BindPFlag("harvest.rps", flags.Lookup("rps"))
	_ = opts.v.BindPFlag("logging.development", flags.Lookup("dev"))
	return cmd
}

func runHarvest(cmd *cobra.Command, opts *rootOptions) error {
	cfg, err := config.Load(opts.v, opts.cfgFile)
	if err != nil {
		return err
	}
	logger, err := opts.deps.newLogger(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	h, err := opts.deps.newHarvester(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize harvester: %w", err)
	}
	summary, runErr := h.Run(ctx)
	if err := h.Close(context.WithoutCancel(ctx)); err != nil {
		logger.Warn("shutdown incomplete", zap.Error(err))
	}
	if runErr != nil {
		return runErr
	}

	renderSummary(cmd.ErrOrStderr(), summary)
	fmt.Fprintln(cmd.OutOrStdout(), summary.String())
	return nil
}

func renderSummary(w io.Writer, s dispatcher.Summary) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Metric", "Value"})
	table.Append([]string{"Run ID", s.RunID})
	table.Append([]string{"Projects", strconv.Itoa(s.Projects)})
	table.Append([]string{"Projects fully listed", strconv.Itoa(s.Discovered)})
	table.Append([]string{"Repos scheduled", strconv.Itoa(s.Scheduled)})
	table.Append([]string{"Repos skipped (resumed)", strconv.Itoa(s.Skipped)})
	table.Append([]string{"Repos completed", strconv.Itoa(s.Completed)})
	table.Append([]string{"Repos empty", strconv.Itoa(s.Empty)})
	table.Append([]string{"Repos branches unknown", strconv.Itoa(s.Unknown)})
	table.Append([]string{"Repos failed", strconv.Itoa(s.Failed)})
	table.Append([]string{"Rows", strconv.Itoa(s.Rows)})
	table.Append([]string{"Elapsed", fmt.Sprintf("%.1fs", s.Elapsed.Seconds())})
	table.Append([]string{"Stopped early", strconv.FormatBool(s.Stopped)})
	table.Render()
}
