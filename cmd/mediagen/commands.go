package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"mediagen/internal/client"
	"mediagen/internal/jobs"
	"mediagen/internal/models"
)

type waitOptions struct {
	wait     bool
	timeout  time.Duration
	simulate string
}

func (w *waitOptions) bind(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&w.wait, "wait", false, "Poll until the job finishes")
	cmd.Flags().DurationVar(&w.timeout, "timeout", 10*time.Minute, "Maximum time to wait with --wait")
	cmd.Flags().StringVar(&w.simulate, "simulate", "", "Scripted outcome when talking to the dev server")
}

func newSessionCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "session",
		Short: "Show the current session",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := ctx.newRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()

			session, err := rt.api.Session(cmd.Context())
			if err != nil {
				return err
			}
			rows := [][]string{{"Logged in", strconv.FormatBool(session.LoggedIn)}}
			if session.User != nil {
				rows = append(rows,
					[]string{"Username", session.User.Username},
					[]string{"Can upload", strconv.FormatBool(session.User.CanUpload)},
				)
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable("Session", sessionColumns, rows))
			return nil
		},
	}
}

func newTTSCommand(ctx *commandContext) *cobra.Command {
	var model, text string
	var opts waitOptions
	cmd := &cobra.Command{
		Use:   "tts",
		Short: "Enqueue a text-to-speech job",
		RunE: func(cmd *cobra.Command, args []string) error {
			fields := map[string]string{"tts_model_token": model, "inference_text": text}
			return enqueueAndReport(cmd, ctx, models.KindTTSInference, fields, opts)
		},
	}
	cmd.Flags().StringVar(&model, "model", "", "TTS model token")
	cmd.Flags().StringVar(&text, "text", "", "Text to speak")
	_ = cmd.MarkFlagRequired("model")
	_ = cmd.MarkFlagRequired("text")
	opts.bind(cmd)
	return cmd
}

func newLipsyncCommand(ctx *commandContext) *cobra.Command {
	var audio, image string
	var opts waitOptions
	cmd := &cobra.Command{
		Use:   "lipsync",
		Short: "Enqueue a lipsync job from uploaded audio and image files",
		RunE: func(cmd *cobra.Command, args []string) error {
			fields := map[string]string{"audio_media_file_token": audio, "image_media_file_token": image}
			return enqueueAndReport(cmd, ctx, models.KindLipsyncInference, fields, opts)
		},
	}
	cmd.Flags().StringVar(&audio, "audio", "", "Audio media file token")
	cmd.Flags().StringVar(&image, "image", "", "Image media file token")
	_ = cmd.MarkFlagRequired("audio")
	_ = cmd.MarkFlagRequired("image")
	opts.bind(cmd)
	return cmd
}

// newUploadCommand runs the whole file workflow: stage, upload, load, enqueue.
func newUploadCommand(ctx *commandContext, use string, kind models.JobKind) *cobra.Command {
	var file, title string
	var opts waitOptions
	cmd := &cobra.Command{
		Use:   use,
		Short: fmt.Sprintf("Upload a file and enqueue a %s job", kind),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := ctx.newRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()
			c := cmd.Context()

			staged, err := rt.submitter.Stage(rt.machine, file)
			if err != nil {
				return err
			}
			mediaToken, err := rt.submitter.Upload(c, rt.machine, staged)
			if err != nil {
				return err
			}
			media, err := rt.submitter.Load(c, rt.machine)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "uploaded %s as %s (%s, %d bytes)\n", media.OriginalFilename, mediaToken, media.ContentType, media.SizeBytes)

			fields := map[string]string{"title": title, "media_file_token": mediaToken}
			return submitAndReport(cmd, rt, kind, fields, opts)
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "Path of the file to upload")
	cmd.Flags().StringVar(&title, "title", "", "Title for the uploaded item")
	_ = cmd.MarkFlagRequired("file")
	_ = cmd.MarkFlagRequired("title")
	opts.bind(cmd)
	return cmd
}

func enqueueAndReport(cmd *cobra.Command, ctx *commandContext, kind models.JobKind, fields map[string]string, opts waitOptions) error {
	rt, err := ctx.newRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()
	return submitAndReport(cmd, rt, kind, fields, opts)
}

func submitAndReport(cmd *cobra.Command, rt *runtime, kind models.JobKind, fields map[string]string, opts waitOptions) error {
	if opts.simulate != "" {
		fields["simulate"] = opts.simulate
	}
	sub := rt.tokens.NewSubmission(kind, fields)
	jobToken, err := rt.submitter.Enqueue(cmd.Context(), rt.machine, sub)
	var rej *client.RejectedError
	if errors.As(err, &rej) {
		printRejection(cmd.OutOrStdout(), rej)
		return err
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "enqueued %s job %s\n", kind, jobToken)
	if !opts.wait {
		return nil
	}

	waitCtx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
	defer cancel()
	rec, err := rt.tracker.Wait(waitCtx, jobToken)
	fmt.Fprintln(cmd.OutOrStdout(), renderJobs([]jobs.Record{rec}))
	if err != nil {
		return err
	}
	if jobs.Failed(rec) {
		return fmt.Errorf("job %s ended %s: %s", rec.JobToken, rec.State, rec.FailureReason)
	}
	return nil
}

func printRejection(w io.Writer, rej *client.RejectedError) {
	rows := make([][]string, 0, len(rej.ErrorFields))
	for _, field := range slices.Sorted(maps.Keys(rej.ErrorFields)) {
		rows = append(rows, []string{field, rej.ErrorFields[field]})
	}
	fmt.Fprintf(w, "rejected: %s\n", rej.ErrorType)
	if len(rows) > 0 {
		fmt.Fprintln(w, renderTable("", rejectionColumns, rows))
	}
}

func renderJobs(records []jobs.Record) string {
	rows := make([][]string, 0, len(records))
	for _, r := range records {
		outcome := r.ResultToken
		if outcome == "" {
			outcome = r.FailureReason
		}
		if outcome == "" {
			outcome = r.ExtraStatusDescription
		}
		rows = append(rows, []string{r.JobToken, string(r.Kind), string(r.State), strconv.Itoa(r.AttemptCount), outcome})
	}
	return renderTable("", jobColumns, rows)
}
