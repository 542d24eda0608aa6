package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/xiaolou86/sjaiengine/internal/algorithm"
	"github.com/xiaolou86/sjaiengine/internal/audit"
	"github.com/xiaolou86/sjaiengine/internal/clock"
	"github.com/xiaolou86/sjaiengine/internal/config"
	"github.com/xiaolou86/sjaiengine/internal/controlplane"
	"github.com/xiaolou86/sjaiengine/internal/detector"
	"github.com/xiaolou86/sjaiengine/internal/dispatch"
	"github.com/xiaolou86/sjaiengine/internal/logging"
	"github.com/xiaolou86/sjaiengine/internal/metrics"
	"github.com/xiaolou86/sjaiengine/internal/models"
	"github.com/xiaolou86/sjaiengine/internal/orchestrator"
	"github.com/xiaolou86/sjaiengine/internal/presence"
	"github.com/xiaolou86/sjaiengine/internal/store"
	"github.com/xiaolou86/sjaiengine/internal/stream"
	"github.com/xiaolou86/sjaiengine/internal/taskregistry"
	"github.com/xiaolou86/sjaiengine/internal/version"
	"github.com/xiaolou86/sjaiengine/internal/worker"
)

const (
	shutdownTimeout = 30 * time.Second
	pruneInterval   = time.Hour
)

var (
	configPath string
	envFile    string
	listenAddr string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the engine",
	Long:  `Starts the engine: task sync, stream workers, alert delivery and the control plane API.`,
	RunE:  runEngine,
}

func init() {
	runCmd.Flags().StringVar(&configPath, "config", "configs/sjaiengine.yaml", "Path to the YAML config file")
	runCmd.Flags().StringVar(&envFile, "env-file", ".env", "Optional dotenv file with environment overrides")
	runCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address for the API server (overrides api.listen)")
}

func runEngine(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath, envFile)
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.API.Listen = listenAddr
	}

	logging.Setup(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	log := logging.For("engine")
	log.Info().Str("version", version.Version).Str("config", configPath).Msg("starting engine")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.New(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	c := clock.Real{}
	m := metrics.New()
	rec := audit.NewRecorder(st, m, c)
	hub := controlplane.NewHub()
	rec.Subscribe(hub)

	backend, err := detector.New(cfg.Detector)
	if err != nil {
		return err
	}
	defer backend.Close()

	algorithms := algorithm.Builtin(algorithm.Env{
		Backend:  backend,
		Presence: presenceFor(cfg),
		Track:    cfg.Detector.Track,
		Clock:    c,
		OnAnomaly: func(task models.Task, trackID int64) {
			rec.Record(models.EventTrackAnomaly, task.ID, "duplicate track id in one frame", map[string]string{
				"camera_ip": task.CameraIP,
				"track_id":  strconv.FormatInt(trackID, 10),
			})
		},
	})
	log.Info().Strs("algorithms", algorithms.Algorithms()).Msg("algorithms registered")
	for scheme, backends := range stream.Default.Backends() {
		log.Debug().Str("scheme", scheme).Strs("backends", backends).Msg("stream backends")
	}

	httpClient := &http.Client{Timeout: cfg.Platform.RequestTimeout}
	registry := taskregistry.New(taskregistry.NewHTTPFetcher(cfg.Platform.TasksURL(), httpClient), st, c)

	dispatcher := dispatch.New(dispatch.Config{
		Workers:     cfg.Dispatch.Workers,
		QueueSize:   cfg.Dispatch.QueueSize,
		MaxAttempts: cfg.Dispatch.MaxAttempts,
		BaseBackoff: cfg.Dispatch.BaseBackoff,
		MaxBackoff:  cfg.Dispatch.MaxBackoff,
	}, dispatch.NewHTTPSink(cfg.Platform.AlertURL(), cfg.Platform.RequestTimeout, nil), rec, m, c)

	orch := orchestrator.New(orchestrator.Config{
		RefreshInterval:   cfg.Registry.RefreshInterval,
		MaxWorkers:        cfg.Registry.MaxWorkers,
		RestartBackoff:    cfg.Stream.RestartBackoff,
		RestartMaxBackoff: cfg.Stream.RestartMaxBackoff,
		Worker: worker.Config{
			OpenTimeout:                cfg.Stream.OpenTimeout,
			ReadTimeout:                cfg.Stream.ReadTimeout,
			MaxConsecutiveDetectErrors: cfg.Stream.MaxConsecutiveDetectErrors,
		},
	}, orchestrator.Deps{
		Registry:   registry,
		Algorithms: algorithms,
		Opener:     stream.Default,
		Sink:       dispatcher,
		Recorder:   rec,
		Metrics:    m,
		Clock:      c,
	})

	service := controlplane.NewService(st, registry, orch)
	server := controlplane.NewServer(service, hub, m.Handler(), cfg.API.Listen)

	orch.Start(ctx)
	go pruneEvents(ctx, st, cfg.Store.Retention, log)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("received shutdown signal")
	case err := <-serverErr:
		if err != nil {
			log.Error().Err(err).Msg("server error")
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("API server shutdown")
	}
	orch.Stop()
	if err := dispatcher.Close(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("alert queue not drained")
	}
	hub.Close()

	log.Info().Msg("engine stopped")
	return nil
}

// presenceFor maps the configured presence settings, with per-task
// overrides, onto the state machine's config.
func presenceFor(cfg *config.Config) func(taskID string) presence.Config {
	levels := make(map[models.AlertKind]presence.Level, 2)
	for _, kind := range []models.AlertKind{models.AlertNoPerson, models.AlertIdle} {
		l := cfg.Alerts.Level(kind)
		levels[kind] = presence.Level{Code: l.Code, Name: l.Name}
	}
	return func(taskID string) presence.Config {
		p := cfg.Presence.ForTask(taskID)
		return presence.Config{
			MonitoredClass:    p.MonitoredClass,
			AbsenceThreshold:  p.AbsenceThreshold,
			Cooldown:          p.Cooldown,
			StaleAfter:        p.StaleAfter,
			IdleEnabled:       p.IdleEnabled,
			IdleAfter:         p.IdleAfter,
			IdleCooldown:      p.IdleCooldown,
			MovementTolerance: p.MovementTolerance,
			Levels:            levels,
		}
	}
}

// pruneEvents deletes events older than retention once an hour.
func pruneEvents(ctx context.Context, st *store.Store, retention time.Duration, log zerolog.Logger) {
	if retention <= 0 {
		return
	}
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := st.PruneEvents(ctx, now.Add(-retention))
			if err != nil {
				log.Warn().Err(err).Msg("prune events")
				continue
			}
			if n > 0 {
				log.Info().Int64("deleted", n).Str("retention", retention.String()).Msg("pruned events")
			}
		}
	}
}
