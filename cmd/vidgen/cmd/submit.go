package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Xseven888/Sora2-Video-Generator/pkg/lifecycle"
	"github.com/Xseven888/Sora2-Video-Generator/pkg/models"
	"github.com/Xseven888/Sora2-Video-Generator/pkg/remote"
)

var (
	model       string
	orientation string
	size        string
	duration    string
	images      []string
	promptsFile string
	repeat      int
	waitDone    bool
	noDownload  bool
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit video generation jobs",
}

var submitTextCmd = &cobra.Command{
	Use:   "text [prompt]",
	Short: "Submit text-to-video jobs",
	Long: `Submit one or more text-to-video jobs. Use --prompts-file for one job per
line, or --repeat to submit the same prompt several times. Jobs are
submitted one at a time, spaced by submit.spacing.

Example:
  vidgen submit text "a red fox running through snow" --duration 15 --model sora-2-pro
  vidgen submit text --prompts-file prompts.txt --wait`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSubmitText,
}

var submitImageCmd = &cobra.Command{
	Use:   "image [prompt]",
	Short: "Submit image-to-video jobs",
	Long: `Submit image-to-video jobs. Each --image is a local file, which is uploaded
first, or an http(s) URL used as is. One job is created per image.

Example:
  vidgen submit image "slow zoom out" --image ./cat.png --image https://example.com/dog.jpg`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSubmitImage,
}

func init() {
	rootCmd.AddCommand(submitCmd)
	submitCmd.AddCommand(submitTextCmd)
	submitCmd.AddCommand(submitImageCmd)

	for _, c := range []*cobra.Command{submitTextCmd, submitImageCmd} {
		c.Flags().StringVar(&model, "model", remote.ModelBase, "model: sora-2 or sora-2-pro")
		c.Flags().StringVar(&orientation, "orientation", "landscape", "orientation: landscape or portrait")
		c.Flags().StringVar(&size, "size", "small", "size: small or large")
		c.Flags().StringVar(&duration, "duration", strconv.Itoa(remote.DefaultDuration), "duration in seconds, e.g. 15 or 15s")
		c.Flags().IntVar(&repeat, "repeat", 1, "submit each job this many times")
		c.Flags().BoolVar(&waitDone, "wait", false, "poll until every submitted job finishes")
		c.Flags().BoolVar(&noDownload, "no-download", false, "with --wait, do not download finished videos")
	}
	submitTextCmd.Flags().StringVar(&promptsFile, "prompts-file", "", "file with one prompt per line")
	submitImageCmd.Flags().StringSliceVar(&images, "image", nil, "image path or URL (repeatable)")
	submitImageCmd.MarkFlagRequired("image")
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func readPrompts(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open prompts file: %w", err)
	}
	defer f.Close()

	var prompts []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		prompts = append(prompts, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read prompts file: %w", err)
	}
	return prompts, nil
}

func baseSubmission(kind models.JobKind, prompt string) lifecycle.Submission {
	return lifecycle.Submission{
		Kind:        kind,
		Prompt:      prompt,
		Model:       model,
		Orientation: orientation,
		Size:        size,
		Duration:    remote.ParseDuration(duration),
	}
}

func runSubmitText(cmd *cobra.Command, args []string) error {
	var prompts []string
	if len(args) == 1 {
		prompts = append(prompts, args[0])
	}
	if promptsFile != "" {
		fromFile, err := readPrompts(promptsFile)
		if err != nil {
			return err
		}
		prompts = append(prompts, fromFile...)
	}
	if len(prompts) == 0 {
		return fmt.Errorf("a prompt argument or --prompts-file is required")
	}

	var subs []lifecycle.Submission
	for _, p := range prompts {
		for i := 0; i < max(repeat, 1); i++ {
			subs = append(subs, baseSubmission(models.KindTextToVideo, p))
		}
	}
	return submitAll(subs)
}

func runSubmitImage(cmd *cobra.Command, args []string) error {
	prompt := ""
	if len(args) == 1 {
		prompt = args[0]
	}

	var subs []lifecycle.Submission
	for _, img := range images {
		for i := 0; i < max(repeat, 1); i++ {
			sub := baseSubmission(models.KindImageToVideo, prompt)
			sub.Image = img
			subs = append(subs, sub)
		}
	}
	return submitAll(subs)
}

func submitAll(subs []lifecycle.Submission) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx, appOptions{requireKey: true, autoDownload: waitDone && !noDownload && cfg.AutoDownload})
	if err != nil {
		return err
	}
	defer a.Close()

	var jobs []*models.Job
	if len(subs) == 1 {
		job, _ := submitOne(ctx, a.ctrl, subs[0])
		jobs = append(jobs, job)
	} else {
		jobs, err = a.ctrl.SubmitBatch(ctx, subs)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Submission stopped: %v\n", err)
		}
	}

	failed := 0
	for _, j := range jobs {
		if j.Status == models.JobStatusFailed {
			failed++
		}
	}

	if !waitDone {
		if err := printJobs(jobs); err != nil {
			return err
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d submissions failed", failed, len(jobs))
		}
		return nil
	}

	if err := waitForJobs(ctx, a, jobs); err != nil {
		return err
	}
	final := make([]*models.Job, 0, len(jobs))
	for _, j := range jobs {
		if latest, err := a.ctrl.Job(j.ID); err == nil {
			final = append(final, latest)
		}
	}
	return printJobs(final)
}

func submitOne(ctx context.Context, ctrl *lifecycle.Controller, sub lifecycle.Submission) (*models.Job, error) {
	if sub.Kind == models.KindImageToVideo {
		return ctrl.SubmitImageJob(ctx, sub)
	}
	return ctrl.SubmitTextJob(ctx, sub)
}

// stillRunning reports whether waiting on j can still end in a result.
// Locally minted ids are never polled, so they are not waited on.
func stillRunning(j *models.Job) bool {
	if models.IsLocalID(j.ID) {
		return false
	}
	return !j.Status.IsTerminal() || j.CompletedWithoutURL()
}

// waitForJobs refreshes until every trackable job is terminal or ctx ends
func waitForJobs(ctx context.Context, a *app, jobs []*models.Job) error {
	for _, j := range jobs {
		if models.IsLocalID(j.ID) && !j.Status.IsTerminal() && !IsJSONOutput() {
			fmt.Fprintf(os.Stderr, "job %s has no remote id and cannot be tracked\n", j.ID)
		}
	}
	pending := func() int {
		n := 0
		for _, j := range jobs {
			latest, err := a.ctrl.Job(j.ID)
			if err != nil {
				continue
			}
			if stillRunning(latest) {
				n++
			}
		}
		return n
	}

	ticker := time.NewTicker(cfg.Poll.Interval)
	defer ticker.Stop()
	for {
		if _, err := a.ctrl.RefreshAll(ctx); err != nil {
			return err
		}
		n := pending()
		if n == 0 {
			return nil
		}
		if !IsJSONOutput() {
			fmt.Fprintf(os.Stderr, "%s  %d job(s) still running\n", time.Now().Format("15:04:05"), n)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
