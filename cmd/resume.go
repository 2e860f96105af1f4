package cmd

import (
	"fmt"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/JakeFAU/bitbucket-branch-harvester/internal/resume"
)

func newResumeCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Inspect the resume log",
	}
	cmd.AddCommand(newResumeStatusCmd(opts))
	return cmd
}

func newResumeStatusCmd(opts *rootOptions) *cobra.Command {
	var byProject bool
	var path string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print how many repositories are recorded as complete",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.cfgFile != "" {
				opts.v.SetConfigFile(opts.cfgFile)
				if err := opts.v.ReadInConfig(); err != nil {
					return fmt.Errorf("read config: %w", err)
				}
			}
			if path == "" {
				path = opts.v.GetString("harvest.resume_file")
			}
			if path == "" {
				return fmt.Errorf("no resume log configured")
			}
			keys, err := resume.Load(path)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Resume log: %s\n", path)
			fmt.Fprintf(out, "Completed repositories: %d\n", len(keys))
			if !byProject || len(keys) == 0 {
				return nil
			}
			table := tablewriter.NewWriter(out)
			table.SetHeader([]string{"Project", "Repos"})
			for _, pc := range resume.CountByProject(keys) {
				table.Append([]string{pc.ProjectKey, strconv.Itoa(pc.Repos)})
			}
			table.Render()
			return nil
		},
	}
	cmd.Flags().BoolVar(&byProject, "by-project", false, "break the count down per project")
	cmd.Flags().StringVar(&path, "file", "", "resume log to read (default harvest.resume_file)")
	return cmd
}
