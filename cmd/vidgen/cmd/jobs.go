package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/Xseven888/Sora2-Video-Generator/pkg/download"
	"github.com/Xseven888/Sora2-Video-Generator/pkg/models"
)

var (
	refreshOnList bool
	clearYes      bool
	downloadDest  string
)

// jobsCmd represents the jobs command
var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and manage tracked jobs",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tracked jobs",
	Args:  cobra.NoArgs,
	RunE:  runJobsList,
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show one job in detail",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsShow,
}

var jobsRefreshCmd = &cobra.Command{
	Use:   "refresh [job-id]",
	Short: "Query the service now for one or all jobs",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runJobsRefresh,
}

var jobsDeleteCmd = &cobra.Command{
	Use:   "delete <job-id>...",
	Short: "Stop tracking jobs",
	Long:  `Remove jobs from the task list. Downloaded files are kept.`,
	Args:  cobra.MinimumNArgs(1),
	RunE:  runJobsDelete,
}

var jobsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Stop tracking every job",
	Args:  cobra.NoArgs,
	RunE:  runJobsClear,
}

var jobsDownloadCmd = &cobra.Command{
	Use:   "download <job-id>",
	Short: "Download a completed job's video",
	Long: `Download the video of a completed job. Without --dest the file goes to
output_dir as {index}_{kind}_{id}_{timestamp}.mp4.`,
	Args: cobra.ExactArgs(1),
	RunE: runJobsDownload,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd, jobsShowCmd, jobsRefreshCmd, jobsDeleteCmd, jobsClearCmd, jobsDownloadCmd)

	jobsListCmd.Flags().BoolVar(&refreshOnList, "refresh", false, "refresh every job before listing")
	jobsClearCmd.Flags().BoolVarP(&clearYes, "yes", "y", false, "do not ask for confirmation")
	jobsDownloadCmd.Flags().StringVar(&downloadDest, "dest", "", "destination file or directory")
}

func runJobsList(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx, appOptions{requireKey: refreshOnList})
	if err != nil {
		return err
	}
	defer a.Close()

	if refreshOnList {
		if _, err := a.ctrl.RefreshAll(ctx); err != nil {
			return err
		}
	}
	return printJobs(a.ctrl.Jobs())
}

func runJobsShow(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	job, err := a.ctrl.Job(args[0])
	if err != nil {
		return fmt.Errorf("%s: %w", args[0], err)
	}
	return printJob(job)
}

func runJobsRefresh(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx, appOptions{requireKey: true, autoDownload: cfg.AutoDownload})
	if err != nil {
		return err
	}
	defer a.Close()

	if len(args) == 1 {
		job, err := a.ctrl.RefreshJob(ctx, args[0])
		if err != nil {
			return err
		}
		a.ctrl.Wait()
		if latest, err := a.ctrl.Job(job.ID); err == nil {
			job = latest
		}
		return printJob(job)
	}

	report, err := a.ctrl.RefreshAll(ctx)
	if err != nil {
		return err
	}
	a.ctrl.Wait()
	if IsJSONOutput() {
		return printJSON(report)
	}
	fmt.Printf("Checked %d, skipped %d, changed %d, completed %d, failed %d, errors %d (%s)\n",
		report.Checked, report.Skipped, report.Changed, report.Completed, report.Failed, report.Errors,
		report.Duration.Round(time.Millisecond))
	return printJobs(a.ctrl.Jobs())
}

func runJobsDelete(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	for _, id := range args {
		if err := a.ctrl.DeleteJob(id); err != nil {
			return fmt.Errorf("%s: %w", id, err)
		}
		fmt.Printf("Deleted %s\n", id)
	}
	return nil
}

func runJobsClear(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	n := len(a.ctrl.Jobs())
	if n == 0 {
		fmt.Println("No jobs to clear")
		return nil
	}
	if !clearYes {
		fmt.Printf("Remove all %d tracked jobs? [y/N] ", n)
		var answer string
		fmt.Scanln(&answer)
		if !strings.EqualFold(strings.TrimSpace(answer), "y") {
			fmt.Println("Aborted")
			return nil
		}
	}
	if err := a.ctrl.ClearAll(); err != nil {
		return err
	}
	fmt.Printf("Cleared %d jobs\n", n)
	return nil
}

func runJobsDownload(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	var progress download.ProgressFunc
	if !IsJSONOutput() {
		progress = func(p download.Progress) {
			if p.Percent >= 0 {
				fmt.Fprintf(os.Stderr, "\rDownloading... %3d%% (%s)", p.Percent, formatBytes(p.Written))
			} else {
				fmt.Fprintf(os.Stderr, "\rDownloading... %s", formatBytes(p.Written))
			}
		}
	}

	res, err := a.ctrl.DownloadJob(ctx, args[0], downloadDest, progress)
	if progress != nil {
		fmt.Fprintln(os.Stderr)
	}
	if err != nil {
		return err
	}
	if IsJSONOutput() {
		return printJSON(res)
	}
	fmt.Printf("Saved %s (%s)\n", res.Path, formatBytes(res.Bytes))
	return nil
}

func printJobs(jobs []*models.Job) error {
	if IsJSONOutput() {
		return printJSON(map[string]interface{}{
			"jobs":  jobs,
			"count": len(jobs),
		})
	}
	if len(jobs) == 0 {
		fmt.Println("No jobs")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("#", "ID", "Kind", "Status", "Prompt", "Video", "Created")
	for i, j := range jobs {
		table.Append(
			fmt.Sprintf("%d", i+1),
			j.ID,
			j.Kind.Label(),
			string(j.Status),
			truncate(j.Prompt, 40),
			videoState(j),
			j.CreatedAt.Format("2006-01-02 15:04:05"),
		)
	}
	table.Render()
	return nil
}

func printJob(job *models.Job) error {
	if IsJSONOutput() {
		return printJSON(job)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Field", "Value")
	table.Append("ID", job.ID)
	table.Append("Kind", string(job.Kind))
	table.Append("Status", string(job.Status))
	table.Append("Prompt", job.Prompt)
	table.Append("Model", job.Parameters.Model)
	if job.Parameters.Orientation != "" {
		table.Append("Orientation", job.Parameters.Orientation)
	}
	if job.Parameters.Size != "" {
		table.Append("Size", job.Parameters.Size)
	}
	table.Append("Duration", fmt.Sprintf("%ds", job.Parameters.Duration))
	if job.Parameters.ImageURL != "" {
		table.Append("Image", job.Parameters.ImageURL)
	}
	if job.VideoURL != "" {
		table.Append("Video URL", job.VideoURL)
	}
	if job.VideoPath != "" {
		table.Append("Saved To", job.VideoPath)
	}
	if job.ErrorMessage != "" {
		table.Append("Error", job.ErrorMessage)
	}
	if job.DownloadError != "" {
		table.Append("Download Error", job.DownloadError)
	}
	if job.BatchID != "" {
		table.Append("Batch", job.BatchID)
	}
	table.Append("Created At", job.CreatedAt.Format(time.RFC3339))
	for _, tr := range job.StateTransitions {
		table.Append("Transition", fmt.Sprintf("%s -> %s at %s", tr.From, tr.To, tr.Timestamp.Format(time.RFC3339)))
	}
	table.Render()
	return nil
}

func videoState(j *models.Job) string {
	switch {
	case j.Downloaded:
		return "saved"
	case j.DownloadError != "":
		return "download failed"
	case j.Downloadable():
		return "ready"
	case j.CompletedWithoutURL():
		return "missing url"
	case models.IsLocalID(j.ID) && !j.Status.IsTerminal():
		return "untrackable"
	default:
		return "-"
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
