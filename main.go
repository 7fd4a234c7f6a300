// Package main provides speechgate, a service that captures audio, detects
// speech with an adaptive energy threshold and delivers speech segments to
// configured sinks.
//
// Usage:
//
//	speechgate serve [--config path/to/config.yaml]
//	speechgate analyze recording.wav
//	speechgate devices
//	speechgate version
//
// If --config is not specified, speechgate looks for config.yaml in the same
// directory as the binary.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/oszuidwest/zwfm-speechgate/internal/audio"
	"github.com/oszuidwest/zwfm-speechgate/internal/capture"
	"github.com/oszuidwest/zwfm-speechgate/internal/config"
	"github.com/oszuidwest/zwfm-speechgate/internal/engine"
	"github.com/oszuidwest/zwfm-speechgate/internal/pipeline"
	"github.com/oszuidwest/zwfm-speechgate/internal/types"
	"github.com/oszuidwest/zwfm-speechgate/internal/util"
)

const httpShutdownTimeout = 30 * time.Second

var configPath string

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "speechgate",
		Short:        "Adaptive speech detection and segmentation",
		Long:         `speechgate captures audio, decides per frame whether it contains speech and delivers speech segments to WAV, S3 or HTTP sinks.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: config.yaml next to binary)")

	root.AddCommand(serveCmd())
	root.AddCommand(analyzeCmd())
	root.AddCommand(devicesCmd())
	root.AddCommand(versionCmd())
	return root
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the capture service and control API",
		Long:  `Load the configuration, start the HTTP and WebSocket API and optionally begin capturing right away.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func analyzeCmd() *cobra.Command {
	var realtime bool
	cmd := &cobra.Command{
		Use:   "analyze <file.wav>",
		Short: "Run speech detection over a WAV file",
		Long:  `Replay a PCM WAV file through the detection pipeline and print the speech transitions and segments found.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAnalyze(cmd, args[0], realtime)
		},
	}
	cmd.Flags().BoolVar(&realtime, "realtime", false, "pace the file at its sample rate")
	return cmd
}

func devicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List capture devices",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			devices := audio.AudioDevices()
			if len(devices) == 0 {
				fmt.Fprintln(out, "no capture devices found")
				return
			}
			for _, d := range devices {
				fmt.Fprintf(out, "%s\t%s\n", d.ID, d.Name)
			}
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			info := buildInfo()
			fmt.Fprintf(cmd.OutOrStdout(), "speechgate %s (commit %s, built %s)\n", info.Current, info.Commit, info.BuildTime)
		},
	}
}

// resolveConfigPath returns the --config value or config.yaml next to the binary.
func resolveConfigPath() (string, error) {
	if configPath != "" {
		return configPath, nil
	}
	execPath, err := os.Executable()
	if err != nil {
		return "", util.WrapError("get executable path", err)
	}
	return filepath.Join(filepath.Dir(execPath), "config.yaml"), nil
}

// setupLogging installs the configured slog handler as the default logger.
func setupLogging(snap *config.Snapshot) {
	opts := &slog.HandlerOptions{Level: snap.LogLevel()}
	var handler slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if snap.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func runServe(ctx context.Context) error {
	path, err := resolveConfigPath()
	if err != nil {
		return err
	}
	slog.Info("using config file", "path", path)

	cfg := config.New(path)
	if err := cfg.Load(); err != nil {
		slog.Error("failed to load config", "error", err)
		return err
	}
	snap := cfg.Snapshot()
	setupLogging(&snap)

	slog.Info("capture input", "device", snap.Device().Name())
	if util.ResolveFFmpegPath(snap.Audio.FFmpegPath) == "" {
		slog.Warn("FFmpeg not found - live capture will fail", "configured_path", snap.Audio.FFmpegPath)
	}

	ctx, stop := signal.NotifyContext(ctx, util.ShutdownSignals()...)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	eng, err := engine.New(ctx, cfg, engine.WithRegistry(reg))
	if err != nil {
		slog.Error("failed to create engine", "error", err)
		return err
	}

	var httpServer *http.Server
	if snap.Server.Enabled {
		httpServer = NewServer(cfg, eng, reg).Start()
	} else if !snap.Server.AutoStart {
		slog.Warn("server disabled and auto start off, nothing to do")
	}

	if snap.Server.AutoStart {
		slog.Info("starting capture")
		if err := eng.Start(); err != nil {
			slog.Error("failed to start capture", "error", err)
		}
	}

	<-ctx.Done()
	slog.Info("shutting down")

	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP server shutdown error", "error", err)
		}
	}

	if err := eng.Close(); err != nil {
		slog.Error("error stopping engine", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

func runAnalyze(cmd *cobra.Command, path string, realtime bool) error {
	cfg := config.New("")
	if configPath != "" {
		cfg = config.New(configPath)
		if err := cfg.Load(); err != nil {
			return err
		}
	}
	snap := cfg.Snapshot()
	setupLogging(&snap)

	format, err := capture.WAVFormat(path)
	if err != nil {
		return err
	}
	cfg.Audio.SampleRate = format.SampleRate
	cfg.Audio.BitsPerSample = format.BitsPerSample
	cfg.Audio.Channels = format.Channels
	cfg.Audio.Float = false
	cfg.ProgressIntervalMs = 0

	out := cmd.OutOrStdout()
	callbacks := pipeline.Callbacks{
		OnSpeaking: func(ev types.SpeakingEvent) {
			if ev.Speaking {
				fmt.Fprintln(out, "speech started")
				return
			}
			fmt.Fprintf(out, "speech ended after %s\n", time.Duration(ev.MostRecentSpeakingDuration)*time.Millisecond)
		},
		OnSegment: func(ev types.SegmentEvent) {
			fmt.Fprintf(out, "segment %s  %s - %s  (%d frames)\n", ev.ID, ev.Start, ev.End, ev.Frames)
		},
	}

	eng, err := engine.New(cmd.Context(), cfg, engine.WithCallbacks(callbacks))
	if err != nil {
		return err
	}
	runErr := eng.Run(cmd.Context(), &capture.WAVDevice{Path: path, Realtime: realtime})
	st := eng.Status()
	closeErr := eng.Close()
	if runErr != nil {
		return runErr
	}

	fmt.Fprintf(out, "\n%d frames, %d speech frames, %d segments, %d dropped\n",
		st.Frames, st.SpeechFrames, st.Segments, st.Dropped)
	if st.LongestSilenceMs > 0 {
		fmt.Fprintf(out, "longest silence within speech: %s\n", util.FormatDuration(time.Duration(st.LongestSilenceMs)*time.Millisecond))
	}
	return closeErr
}
