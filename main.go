package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/camera"
	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/config"
	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/detect"
	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/framecache"
	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/health"
	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/live"
	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/logger"
	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/scheduler"
	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/service"
	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/state"
	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/transcode"
	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/video"
	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/web"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.StringVar(&configPath, "c", "", "Path to configuration file (short)")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.LogConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting camstream",
		"version", version,
		"build_time", buildTime,
		"git_commit", gitCommit,
	)

	if err := run(cfg, configPath, log); err != nil {
		log.Error("camstream exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("Shutdown complete")
}

func run(cfg *config.Config, configPath string, log *logger.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := state.NewManager(cfg.DatabasePath(), log)
	if err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}
	defer store.Close()

	if clean, err := store.MarkStarted(ctx, time.Now()); err != nil {
		log.Warn("Failed to record start", "error", err)
	} else if !clean {
		log.Warn("Previous run did not shut down cleanly")
	}

	ffmpeg, err := video.NewFFmpegWrapper(cfg.FFmpeg.Path, log)
	if err != nil {
		return err
	}

	var detector *detect.HTTPClient
	if cfg.Detector.ServiceURL != "" {
		detector = detect.NewHTTPClient(detect.ClientConfig{
			ServiceURL:          cfg.Detector.ServiceURL,
			Timeout:             cfg.Detector.Timeout,
			ConfidenceThreshold: cfg.Detector.ConfidenceThreshold,
			EnabledClasses:      cfg.Detector.EnabledClasses,
		}, log)
	}

	sched := scheduler.New(scheduler.Config{
		MaxCameras:           cfg.Scheduler.MaxCameras,
		ReconcileInterval:    cfg.Scheduler.ReconcileInterval,
		DefaultProcessingFPS: cfg.Cameras.DefaultProcessingFPS,
		DefaultStreamingFPS:  cfg.Cameras.DefaultStreamingFPS,
		ProcessedQueueSize:   cfg.Cameras.QueueSize,
		DetectorErrors:       cfg.Detector.ErrorThreshold,
		DetectTimeout:        cfg.Detector.Timeout,
		Supervisor: camera.SupervisorConfig{
			QueueSize:            cfg.Cameras.QueueSize,
			FailureThreshold:     cfg.Cameras.FailureThreshold,
			ConnectTimeout:       cfg.Cameras.ConnectTimeout,
			ReadRetryDelay:       cfg.Cameras.ReadRetryDelay,
			MaxReconnectAttempts: cfg.Cameras.Reconnect.MaxAttempts,
			Backoff: camera.Backoff{
				Base: cfg.Cameras.Reconnect.BaseDelay,
				Max:  cfg.Cameras.Reconnect.MaxDelay,
			},
		},
	}, camera.NewFFmpegOpener(ffmpeg), detectorsFor(detector), log)

	frames := framecache.New(framecache.Config{
		TTL:         cfg.Cache.TTL,
		LowQuality:  cfg.Cache.LowQuality,
		HighQuality: cfg.Cache.HighQuality,
	}, sched, log)

	liveMgr, err := live.NewManager(live.Config{
		OutputFPS:            cfg.Live.OutputFPS,
		Width:                cfg.Live.Width,
		Height:               cfg.Live.Height,
		MaxSessionsPerCamera: cfg.Live.MaxSessionsPerCamera,
		IdleTimeout:          cfg.Live.IdleTimeout,
		SweepInterval:        cfg.Live.SweepInterval,
		GatherTimeout:        cfg.Live.GatherTimeout,
		ICEServers:           cfg.Live.ICEServers,
	}, sched, live.FFmpegEncoderFactory(ffmpeg), log)
	if err != nil {
		return err
	}

	transcoder := transcode.NewManager(transcode.Config{
		OutputDir:        cfg.Transcode.OutputDir,
		SegmentTime:      cfg.Transcode.SegmentTime,
		ListSize:         cfg.Transcode.ListSize,
		BufferSize:       cfg.Transcode.BufferSize,
		TTL:              cfg.Transcode.TTL,
		SweepInterval:    cfg.Transcode.SweepInterval,
		PlaylistAttempts: cfg.Transcode.PlaylistAttempts,
		PlaylistInterval: cfg.Transcode.PlaylistInterval,
		StopGrace:        cfg.Transcode.StopGrace,
		BaseURL:          cfg.Web.APIURL,
	}, ffmpeg, cameraSource(sched), log)

	svcMgr := service.NewManager(log)

	healthMgr := health.NewManager(log, svcMgr)
	healthMgr.RegisterChecker(health.NewDatabaseChecker(store))
	healthMgr.RegisterChecker(health.NewFFmpegChecker(ffmpeg))
	healthMgr.RegisterChecker(health.NewSchedulerChecker(sched))
	healthMgr.RegisterChecker(health.NewStorageChecker(cfg.Transcode.OutputDir, cfg.Transcode.MaxDiskUsage))
	if detector != nil {
		healthMgr.RegisterChecker(health.NewDetectorChecker(detector, cfg.Detector.ServiceURL))
	} else {
		healthMgr.RegisterChecker(health.NewDetectorChecker(nil, ""))
	}

	server := web.NewServer(&cfg.Web, cfg.Snapshot.Interval, log)
	server.SetVersion(version)
	server.SetDependencies(web.Dependencies{
		Store:     store,
		Scheduler: sched,
		Snapshots: frames,
		Live:      liveMgr,
		Transcode: transcoder,
		Health:    healthMgr,
		Prober:    camera.NewProber(cfg.Cameras.ConnectTimeout, log),
	})

	// registration order is start order; shutdown runs in reverse
	svcMgr.Register(sched)
	svcMgr.Register(liveMgr)
	svcMgr.Register(transcoder)
	svcMgr.Register(server)

	if err := recoverCameras(ctx, store, sched, log); err != nil {
		return err
	}
	trackLastSeen(ctx, svcMgr.GetEventBus(), store, log)
	frames.InvalidateOn(ctx, svcMgr.GetEventBus())

	if err := svcMgr.Start(ctx); err != nil {
		shutdown(svcMgr, log)
		return fmt.Errorf("failed to start services: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigChan {
		if sig == syscall.SIGHUP {
			reloadLogLevel(configPath, log)
			continue
		}
		log.Info("Received shutdown signal", "signal", sig)
		break
	}

	if err := shutdown(svcMgr, log); err != nil {
		return err
	}
	if err := store.MarkStopped(context.Background()); err != nil {
		log.Warn("Failed to record clean shutdown", "error", err)
	}
	return nil
}

// reloadLogLevel re-reads the config file and applies only its log level.
// Everything else needs a restart.
func reloadLogLevel(configPath string, log *logger.Logger) {
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Warn("Config reload failed, keeping current log level", "error", err)
		return
	}
	if err := log.SetLevel(cfg.Log.Level); err != nil {
		log.Warn("Ignoring invalid log level", "level", cfg.Log.Level, "error", err)
		return
	}
	log.Info("Log level reloaded", "level", log.Level())
}

func shutdown(svcMgr *service.Manager, log *logger.Logger) error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := svcMgr.Shutdown(shutdownCtx); err != nil {
		log.Error("Error during shutdown", "error", err)
		return err
	}
	return nil
}

// detectorsFor attaches the inference client to cameras with an analysis feature enabled
func detectorsFor(client *detect.HTTPClient) scheduler.DetectorFactory {
	return func(cfg camera.Config) []detect.Detector {
		if client == nil || !cfg.ShouldProcess() {
			return nil
		}
		return []detect.Detector{client}
	}
}

// cameraSource resolves a camera id to the stream URL the transcoder reads
func cameraSource(sched *scheduler.Scheduler) transcode.SourceResolver {
	return func(cameraID string) (string, error) {
		cfg, ok := sched.Camera(cameraID)
		if !ok {
			return "", fmt.Errorf("%w: %s", scheduler.ErrCameraNotFound, cameraID)
		}
		if !cfg.Enabled {
			return "", fmt.Errorf("%w: %s", scheduler.ErrCameraDisabled, cameraID)
		}
		return cfg.URL, nil
	}
}

// recoverCameras loads stored cameras into the scheduler. Nothing connects
// until the first reconcile.
func recoverCameras(ctx context.Context, store *state.Manager, sched *scheduler.Scheduler, log *logger.Logger) error {
	records, err := store.RecoverCameras(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover cameras: %w", err)
	}
	for _, rec := range records {
		if err := sched.AddCamera(rec.Config, rec.Priority); err != nil {
			log.Warn("Skipping stored camera", "camera_id", rec.Config.ID, "error", err)
		}
	}
	log.Info("Recovered cameras", "count", len(records))
	return nil
}

// trackLastSeen stamps the store whenever a camera connects
func trackLastSeen(ctx context.Context, bus *service.EventBus, store *state.Manager, log *logger.Logger) {
	bus.SubscribeWithHandler(ctx, service.EventTypeCameraConnected, func(ctx context.Context, event service.Event) error {
		id, _ := event.Data["camera_id"].(string)
		if id == "" {
			return nil
		}
		if err := store.UpdateCameraLastSeen(ctx, id, event.Timestamp); err != nil {
			log.Warn("Failed to record last seen", "camera_id", id, "error", err)
			return err
		}
		return nil
	})
}
