package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/camera"
	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/detect"
	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/logger"
	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/video"
)

type rootOptions struct {
	ffmpegPath string
	timeout    time.Duration
	logLevel   string
}

func (o *rootOptions) logger() *logger.Logger {
	log, err := logger.New(logger.LogConfig{Level: o.logLevel, Format: "text", Output: "stderr"})
	if err != nil {
		return logger.NewNopLogger()
	}
	return log
}

func newRootCmd(out io.Writer) *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "camprobe",
		Short:         "Probe RTSP cameras and grab test frames",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&opts.ffmpegPath, "ffmpeg", "ffmpeg", "Path to the ffmpeg binary")
	root.PersistentFlags().DurationVarP(&opts.timeout, "timeout", "t", 15*time.Second, "Overall timeout")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")

	root.AddCommand(newProbeCmd(opts), newSnapshotCmd(opts))
	return root
}

func newProbeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "probe <rtsp-url>",
		Short: "Check that an RTSP source answers and delivers media",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			res := camera.NewProber(opts.timeout, opts.logger()).Probe(ctx, args[0])

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(res); err != nil {
				return err
			}
			if !res.Success {
				return fmt.Errorf("probe failed: %s", res.Message)
			}
			return nil
		},
	}
}

func newSnapshotCmd(opts *rootOptions) *cobra.Command {
	var (
		output     string
		quality    int
		serviceURL string
	)

	cmd := &cobra.Command{
		Use:   "snapshot <url>",
		Short: "Capture one JPEG frame, optionally running detection on it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			log := opts.logger()
			ffmpeg, err := video.NewFFmpegWrapper(opts.ffmpegPath, log)
			if err != nil {
				return err
			}

			data, err := ffmpeg.CaptureFrameJPEG(ctx, args[0], quality)
			if err != nil {
				return err
			}
			if err := os.WriteFile(output, data, 0644); err != nil {
				return fmt.Errorf("failed to write %s: %w", output, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s (%d bytes)\n", output, len(data))

			if serviceURL == "" {
				return nil
			}
			return runDetection(ctx, cmd.OutOrStdout(), serviceURL, data, log)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "snapshot.jpg", "Output file")
	cmd.Flags().IntVarP(&quality, "quality", "q", 90, "JPEG quality (1-100)")
	cmd.Flags().StringVar(&serviceURL, "detect", "", "Inference service URL to run detection against")
	return cmd
}

func runDetection(ctx context.Context, out io.Writer, serviceURL string, jpeg []byte, log *logger.Logger) error {
	client := detect.NewHTTPClient(detect.ClientConfig{ServiceURL: serviceURL}, log)
	resp, err := client.Infer(ctx, jpeg)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "%d detection(s) in %.1fms\n", len(resp.BoundingBoxes), resp.InferenceTimeMs)
	for _, b := range resp.BoundingBoxes {
		fmt.Fprintf(out, "  %-12s %.2f  [%.0f,%.0f %.0f,%.0f]\n", b.ClassName, b.Confidence, b.X1, b.Y1, b.X2, b.Y2)
	}
	return nil
}
