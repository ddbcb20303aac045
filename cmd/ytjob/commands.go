package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"ytjobs/internal/models"
	"ytjobs/internal/session"
	"ytjobs/internal/tracker"
)

func newConvertCommand(ctx *commandContext) *cobra.Command {
	var mode string
	var watch bool
	var outputDir string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "convert <video-url>",
		Short: "Start converting a video and optionally follow it to completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.apiClient()
			if err != nil {
				return err
			}

			info, err := client.Convert(cmd.Context(), args[0], models.ParseMode(mode))
			if err != nil {
				return err
			}

			store := session.NewStore()
			store.Set(info, args[0])
			store.SetCurrentMode(info.Mode)

			if asJSON {
				if err := writeJSON(cmd, info); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Title: %s\nAuthor: %s\nDuration: %s\nJob: %s\nFile: %s\n",
					info.Title, info.Author, info.Duration, store.CurrentJobID(), info.FileID)
			}

			if !watch && outputDir == "" {
				return nil
			}

			final, err := followJob(cmd, ctx, func(tr *tracker.Tracker, h tracker.Handler) (string, tracker.Source, error) {
				return tr.TrackCurrent(cmd.Context(), store, h)
			})
			if err != nil {
				return err
			}
			if outputDir == "" {
				return nil
			}
			return downloadFile(cmd, ctx, fileIDFor(final, info.FileID), outputDir)
		},
	}

	cmd.Flags().StringVarP(&mode, "mode", "m", string(models.ModeMP3), "Conversion mode: mp3 or video")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Follow the job until it finishes")
	cmd.Flags().StringVarP(&outputDir, "output", "o", "", "Download the result into this directory (implies --watch)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the video info as JSON")
	return cmd
}

func newWatchCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <job-id>",
		Short: "Follow a conversion job until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID := strings.TrimSpace(args[0])
			_, err := followJob(cmd, ctx, func(tr *tracker.Tracker, h tracker.Handler) (string, tracker.Source, error) {
				src, err := tr.Track(cmd.Context(), jobID, h)
				return jobID, src, err
			})
			return err
		},
	}
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show the current status of a conversion job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.apiClient()
			if err != nil {
				return err
			}
			update, err := client.JobStatus(cmd.Context(), strings.TrimSpace(args[0]))
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, update)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s %.1f%%", update.ID, update.Status, update.Percent())
			if update.Message != "" {
				fmt.Fprintf(cmd.OutOrStdout(), " %s", update.Message)
			}
			if update.Error != "" {
				fmt.Fprintf(cmd.OutOrStdout(), " error: %s", update.Error)
			}
			fmt.Fprintln(cmd.OutOrStdout())
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the status as JSON")
	return cmd
}

func newDownloadCommand(ctx *commandContext) *cobra.Command {
	var outputDir string

	cmd := &cobra.Command{
		Use:   "download <file-id>",
		Short: "Download a converted file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return downloadFile(cmd, ctx, strings.TrimSpace(args[0]), outputDir)
		},
	}

	cmd.Flags().StringVarP(&outputDir, "output", "o", ".", "Directory to write the file into")
	return cmd
}

// followJob prints every event of one job and returns its terminal event.
// Jobs ending in error or failed return an error.
func followJob(cmd *cobra.Command, ctx *commandContext, start func(*tracker.Tracker, tracker.Handler) (string, tracker.Source, error)) (tracker.Event, error) {
	tr, cleanup, err := ctx.newTracker()
	if err != nil {
		return tracker.Event{}, err
	}
	defer cleanup()

	done := make(chan struct{})
	defer close(done)
	events := make(chan tracker.Event, 16)

	jobID, src, err := start(tr, func(ev tracker.Event) {
		select {
		case events <- ev:
		case <-done:
		}
	})
	if err != nil {
		return tracker.Event{}, err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Following job %s over %s\n", jobID, src)
	printer := newProgressPrinter(out)

	for {
		select {
		case ev := <-events:
			printer.event(ev)
			if !ev.Terminal() {
				continue
			}
			if ev.Status != models.StatusCompleted {
				msg := ev.Error
				if msg == "" {
					msg = ev.Message
				}
				return ev, fmt.Errorf("job %s %s: %s", ev.JobID, ev.Status, msg)
			}
			return ev, nil
		case <-cmd.Context().Done():
			return tracker.Event{}, context.Cause(cmd.Context())
		}
	}
}

// fileIDFor prefers the id in the event's download URL over the one returned
// at conversion time.
func fileIDFor(ev tracker.Event, fallback string) string {
	if ev.DownloadURL != "" {
		if i := strings.LastIndex(ev.DownloadURL, "/"); i >= 0 && i < len(ev.DownloadURL)-1 {
			return ev.DownloadURL[i+1:]
		}
	}
	return fallback
}

func downloadFile(cmd *cobra.Command, ctx *commandContext, fileID, outputDir string) error {
	client, err := ctx.apiClient()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return fmt.Errorf("failed to create output dir: %w", err)
	}

	tmp, err := os.CreateTemp(outputDir, ".ytjob-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	name, err := client.Download(cmd.Context(), fileID, tmp)
	if closeErr := tmp.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("failed to write download: %w", closeErr)
	}
	if err != nil {
		return err
	}

	name = filepath.Base(strings.TrimSpace(name))
	if name == "" || name == "." || name == string(filepath.Separator) {
		name = fileID
	}
	dest := filepath.Join(outputDir, name)
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return fmt.Errorf("failed to move download into place: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Saved %s\n", dest)
	return nil
}

// writeJSON encodes v as indented JSON to the command's stdout.
func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
