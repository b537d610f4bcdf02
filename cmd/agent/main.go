package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dubroom/capture-service/internal/capture"
	"github.com/dubroom/capture-service/internal/config"
	"github.com/dubroom/capture-service/internal/metrics"
	"github.com/dubroom/capture-service/internal/playback"
	"github.com/dubroom/capture-service/internal/server"
	"github.com/dubroom/capture-service/internal/session"
	"github.com/dubroom/capture-service/internal/timecode"
	"github.com/dubroom/capture-service/internal/upload"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "capture-agent"
	serviceVersion    = "1.0.0"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	lineID := flag.String("line", "", "Dialogue line identifier for the take")
	startTC := flag.String("start", "", "Window start timecode (HH:MM:SS:mmm)")
	endTC := flag.String("end", "", "Window end timecode (HH:MM:SS:mmm)")
	outPath := flag.String("out", "", "Output WAV path (default <line>_<take>.wav)")
	review := flag.Bool("review", false, "Play the take in sync with the reference video after recording")
	listDevices := flag.Bool("list-devices", false, "List visible capture devices and exit")
	flag.Parse()

	if *listDevices {
		devices, err := capture.ListDevices()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to list capture devices: %v\n", err)
			os.Exit(1)
		}
		for _, d := range devices {
			marker := " "
			if d.IsDefault {
				marker = "*"
			}
			fmt.Printf("%s %s\n", marker, d.Name)
		}
		return
	}

	if *lineID == "" || *startTC == "" || *endTC == "" {
		fmt.Fprintln(os.Stderr, "Usage: capture-agent -line <id> -start <timecode> -end <timecode> [-out <path>] [-review]")
		flag.PrintDefaults()
		os.Exit(2)
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger based on configuration
	logger := initLogger(cfg.Logging)

	// Log agent startup
	logger.Info("Agent starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	// Log configuration summary (without sensitive data)
	logger.Info("Configuration loaded",
		slog.Int("sample_rate", cfg.Audio.SampleRate),
		slog.Int("channels", cfg.Audio.Channels),
		slog.Float64("gain", float64(cfg.Audio.Gain)),
		slog.Int("flush_threshold", cfg.Audio.FlushThreshold),
		slog.Int("max_takes", cfg.Session.MaxTakes),
		slog.Bool("upload_enabled", cfg.Upload.Enabled),
		slog.Bool("monitoring_enabled", cfg.Monitoring.Enabled),
		slog.String("log_level", cfg.Logging.Level),
	)

	// Create cancellable context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize Prometheus metrics
	appMetrics := metrics.NewMetrics()
	logger.Info("Prometheus metrics initialized")

	// Initialize session registry with a fresh miniaudio backend per take
	registry, err := session.NewRegistry(session.RegistryConfig{
		Audio: session.Config{
			SampleRate:     cfg.Audio.SampleRate,
			Channels:       cfg.Audio.Channels,
			Gain:           cfg.Audio.Gain,
			FlushThreshold: cfg.Audio.FlushThreshold,
		},
		IdleTimeout: cfg.Session.GetIdleTimeout(),
		MaxTakes:    cfg.Session.MaxTakes,
	}, logger, func() capture.Backend {
		return capture.NewMalgoBackend(logger)
	}, appMetrics)
	if err != nil {
		logger.Error("Failed to create session registry", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Session registry initialized",
		slog.Duration("idle_timeout", cfg.Session.GetIdleTimeout()),
		slog.Int("max_takes", cfg.Session.MaxTakes),
	)

	// Initialize upload client (if enabled)
	var uploader *upload.Client
	if cfg.Upload.Enabled {
		uploader, err = upload.NewClient(upload.Config{
			Endpoint:      cfg.Upload.Endpoint,
			APIKey:        cfg.Upload.APIKey,
			Timeout:       cfg.Upload.GetTimeout(),
			MaxConcurrent: cfg.Upload.MaxConcurrent,
		}, logger)
		if err != nil {
			logger.Error("Failed to create upload client", slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("Upload client initialized", slog.String("endpoint", cfg.Upload.Endpoint))
	}

	// Initialize playback coordinator (if enabled)
	var coordinator *playback.Coordinator
	if cfg.Playback.Enabled {
		coordinator = playback.NewCoordinator(logger, appMetrics)
		logger.Info("Playback coordinator initialized")
	}

	// Initialize monitoring server (if enabled)
	var httpServer *server.HTTPServer
	if cfg.Monitoring.Enabled {
		httpServer = server.NewHTTPServer(cfg.Monitoring, logger, cfg, registry, uploader, coordinator, appMetrics)
		if err := httpServer.Start(); err != nil {
			logger.Error("Failed to start monitoring server", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	// Setup signal handling for graceful stop
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	exitCode := run(ctx, cfg, logger, registry, uploader, coordinator, appMetrics, sigChan, &takeRequest{
		lineID:  *lineID,
		startTC: *startTC,
		endTC:   *endTC,
		outPath: *outPath,
		review:  *review,
	})

	logger.Info("Starting graceful shutdown...")

	if coordinator != nil {
		coordinator.Stop()
	}

	// Stop monitoring server first (stop accepting new requests)
	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping monitoring server", slog.String("error", err.Error()))
		}
	}

	// Wait for in-flight uploads before dropping the registry
	if uploader != nil {
		uploader.Close()

		stats := uploader.GetStats()
		logger.Info("Final upload statistics",
			slog.Uint64("total_uploads", stats.TotalUploads),
			slog.Uint64("successful_uploads", stats.SuccessUploads),
			slog.Uint64("failed_uploads", stats.FailedUploads),
			slog.Uint64("bytes_uploaded", stats.BytesUploaded),
		)
	}

	// Stop registry (discard sessions and stop background routines)
	registry.Stop()

	logger.Info("Agent stopped")
	os.Exit(exitCode)
}

// takeRequest carries the per-take command line arguments.
type takeRequest struct {
	lineID  string
	startTC string
	endTC   string
	outPath string
	review  bool
}

// run records one take end to end and returns the process exit code.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger, registry *session.Registry,
	uploader *upload.Client, coordinator *playback.Coordinator, appMetrics *metrics.Metrics,
	sigChan chan os.Signal, req *takeRequest) int {

	window, err := timecode.ParseWindow(req.startTC, req.endTC)
	if err != nil {
		logger.Error("Invalid recording window", slog.String("error", err.Error()))
		return 1
	}

	sess, err := registry.Begin(req.lineID, window)
	if err != nil {
		logger.Error("Failed to begin session",
			slog.String("line_id", req.lineID),
			slog.String("error", err.Error()),
		)
		return 1
	}

	if err := sess.Start(ctx); err != nil {
		logger.Error("Failed to start recording", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("Recording...",
		slog.String("line_id", req.lineID),
		slog.String("window", window.String()),
		slog.Duration("target", sess.Target()),
	)

	// Wait until the window elapses, or stop early on a signal
	select {
	case <-sess.Done():
	case sig := <-sigChan:
		logger.Info("Received stop signal, finishing take early", slog.String("signal", sig.String()))
		if err := sess.Stop(); err != nil {
			logger.Warn("Stop request rejected", slog.String("error", err.Error()))
		}
		<-sess.Done()
	}

	switch sess.Phase() {
	case session.PhaseEncoded:
	case session.PhaseError:
		logger.Error("Take failed", slog.String("error", sess.Err().Error()))
		return 1
	default:
		logger.Warn("No audio captured, nothing to save")
		return 0
	}

	clip := sess.Clip()

	outPath := req.outPath
	if outPath == "" {
		outPath = fmt.Sprintf("%s_%s.wav", clip.LineID, clip.TakeID)
	}
	if err := os.WriteFile(outPath, clip.WAV, 0644); err != nil {
		logger.Error("Failed to write take", slog.String("path", outPath), slog.String("error", err.Error()))
		return 1
	}
	logger.Info("Take saved",
		slog.String("take_id", clip.TakeID.String()),
		slog.String("path", outPath),
		slog.Int("bytes", len(clip.WAV)),
		slog.Duration("duration", clip.Duration),
		slog.Float64("peak_dbfs", clip.PeakDBFS),
	)

	if !clip.MatchesWindow(sess.Target(), cfg.Session.GetDurationTolerance()) {
		logger.Warn("Take duration outside window tolerance",
			slog.Duration("duration", clip.Duration),
			slog.Duration("target", sess.Target()),
			slog.Duration("tolerance", cfg.Session.GetDurationTolerance()),
		)
	}

	var uploaded *upload.Result
	if uploader != nil {
		appMetrics.RecordUploadRequest()
		uploadStart := time.Now()
		uploaded, err = uploader.Upload(ctx, clip)
		if err != nil {
			appMetrics.RecordUploadFailure(time.Since(uploadStart).Seconds())
			logger.Error("Upload failed, take kept locally",
				slog.String("path", outPath),
				slog.String("error", err.Error()),
			)
		} else {
			appMetrics.RecordUploadSuccess(time.Since(uploadStart).Seconds())
			logger.Info("Take uploaded",
				slog.String("asset_id", uploaded.AssetID),
				slog.String("url", uploaded.URL),
			)
		}
	}

	if req.review && coordinator != nil {
		reviewTake(ctx, cfg, logger, coordinator, clip, uploaded, sigChan)
	}

	return 0
}

// reviewTake plays the finished take in sync with the reference video.
// When the collaborator returned a URL for the uploaded asset, the
// stored copy is fetched and reviewed instead of the local clip, so the
// operator hears exactly what the mix will use.
func reviewTake(ctx context.Context, cfg *config.Config, logger *slog.Logger, coordinator *playback.Coordinator,
	clip *session.EncodedClip, uploaded *upload.Result, sigChan chan os.Signal) {

	var src *playback.Source
	if uploaded != nil && uploaded.URL != "" {
		fetchCtx, fetchCancel := context.WithTimeout(ctx, cfg.Playback.GetFetchTimeout())
		fetched, err := playback.Fetch(fetchCtx, nil, uploaded.URL)
		fetchCancel()
		if err != nil {
			logger.Warn("Could not fetch uploaded copy, reviewing local take", slog.String("error", err.Error()))
		} else {
			logger.Info("Reviewing uploaded copy", slog.String("url", uploaded.URL))
			src = fetched
		}
	}
	if src == nil {
		var err error
		src, err = playback.NewSource(clip.WAV)
		if err != nil {
			logger.Error("Take cannot be decoded for review", slog.String("error", err.Error()))
			return
		}
	}

	video := playback.NewCueSurface(logger, clip.LineID)
	sink := playback.NewSpeakerSink(logger)

	playing, err := coordinator.Toggle(video, sink, src)
	if err != nil {
		logger.Error("Review failed to start", slog.String("error", err.Error()))
		return
	}
	if !playing {
		return
	}

	select {
	case <-sink.Done():
	case sig := <-sigChan:
		logger.Info("Received stop signal during review", slog.String("signal", sig.String()))
	}
	coordinator.Stop()
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	// Parse log level
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo // default fallback
	}

	// Configure handler options
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug, // Add source info for debug level
	}

	// Determine output destination
	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Assume it's a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	// Create handler based on format
	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	case "text", "":
		handler = slog.NewTextHandler(output, opts)
	default:
		// Default to text format
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
