package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/mikeyg42/voicedesk/internal/api"
	"github.com/mikeyg42/voicedesk/internal/config"
	"github.com/mikeyg42/voicedesk/internal/queue"
	"github.com/mikeyg42/voicedesk/internal/recording"
	"github.com/mikeyg42/voicedesk/internal/session"
	sig "github.com/mikeyg42/voicedesk/internal/signal"
	"github.com/mikeyg42/voicedesk/internal/transcript"
)

// Application holds all long-lived components.
type Application struct {
	config      *config.Config
	logger      *zap.Logger
	signals     *sig.Manager
	apiClient   *api.Client
	coordinator *queue.Coordinator
	controller  *session.Controller
	transcripts *transcript.Store
}

func main() {
	// Optional .env overlay; absence is fine in production.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("Skipping .env: %v", err)
	}

	cfg := config.FromEnv()

	flag.StringVar(&cfg.APIBaseURL, "api", cfg.APIBaseURL, "REST API base URL")
	flag.StringVar(&cfg.WSBaseURL, "ws", cfg.WSBaseURL, "Signaling WebSocket base URL")
	flag.StringVar(&cfg.Role, "role", cfg.Role, "Client role: customer or representative")
	autoJoin := flag.Bool("join", true, "Join the queue on startup")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := NewApplication(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to create application", zap.Error(err))
	}
	defer app.Cleanup()

	if err := app.Run(ctx, *autoJoin); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("Runtime error", zap.Error(err))
	}
}

func NewApplication(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Application, error) {
	tokenFn := func() (string, error) {
		if cfg.AuthToken == "" {
			return "", fmt.Errorf("no auth token configured (set VOICEDESK_TOKEN)")
		}
		return cfg.AuthToken, nil
	}

	signals := sig.NewManager(cfg.WSBaseURL, tokenFn, cfg.SignalConfig, logger)
	apiClient := api.NewClient(cfg.APIBaseURL, tokenFn, logger)

	queueCh, err := signals.Channel(ctx, sig.NamespaceQueue)
	if err != nil {
		return nil, fmt.Errorf("connect queue namespace: %w", err)
	}
	coordinator := queue.NewCoordinator(queueCh, apiClient, logger)

	var store *transcript.Store
	if cfg.PostgresDSN != "" {
		store, err = transcript.NewStore(ctx, cfg.PostgresDSN, logger)
		if err != nil {
			return nil, fmt.Errorf("open transcript store: %w", err)
		}
	}

	var recorder *recording.Recorder
	var archiver *recording.Archiver
	if cfg.RecordingConfig.Enabled {
		recorder = recording.NewRecorder(
			cfg.RecordingConfig.OutputPath,
			cfg.AudioConfig.SampleRate,
			cfg.AudioConfig.ChannelCount,
			logger,
		)
		if cfg.StorageConfig.Endpoint != "" {
			archiver, err = recording.NewArchiver(ctx, cfg.StorageConfig, logger)
			if err != nil {
				return nil, fmt.Errorf("connect recording storage: %w", err)
			}
		}
	}

	controller := session.NewController(session.Deps{
		Config:      cfg,
		Signals:     signals,
		API:         apiClient,
		Queue:       coordinator,
		Transcripts: store,
		Recorder:    recorder,
		Archiver:    archiver,
		Logger:      logger,
	})

	return &Application{
		config:      cfg,
		logger:      logger,
		signals:     signals,
		apiClient:   apiClient,
		coordinator: coordinator,
		controller:  controller,
		transcripts: store,
	}, nil
}

func (app *Application) Run(ctx context.Context, autoJoin bool) error {
	go app.reportEvents(ctx)

	if autoJoin && app.config.Role == "customer" {
		entry, err := app.coordinator.Join(ctx)
		if err != nil {
			return fmt.Errorf("join queue: %w", err)
		}
		app.controller.SetLocalParticipantRef(entry.CustomerRef)
		app.logger.Info("Waiting in queue",
			zap.Int("position", entry.Position),
			zap.Int("estimated_wait_s", entry.EstimatedWaitSeconds))
	}

	return app.controller.Run(ctx)
}

// reportEvents logs the controller's notifications. A UI frontend would
// consume the same stream.
func (app *Application) reportEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-app.controller.Events():
			switch ev.Kind {
			case session.EventQueuePosition:
				app.logger.Info("Queue position",
					zap.Int("position", ev.Position.Position),
					zap.Int("estimated_wait_s", ev.Position.EstimatedWaitSeconds))
			case session.EventCallStarted:
				app.logger.Info("Call started", zap.String("session_id", ev.Session.ID))
			case session.EventCallEnded:
				app.logger.Info("Call ended", zap.String("session_id", ev.Session.ID))
			case session.EventCallFailed:
				app.logger.Error("Call failed",
					zap.String("session_id", ev.Session.ID),
					zap.Bool("retry_available", ev.Retry),
					zap.Error(ev.Err))
			case session.EventTranscriptionDisabled:
				app.logger.Warn("Live transcription disabled", zap.Error(ev.Err))
			case session.EventTranscript:
				app.logger.Info("Transcript",
					zap.String("speaker", ev.Transcript.SpeakerRef),
					zap.String("text", ev.Transcript.Text))
			case session.EventNotification:
				app.logger.Info("Notification",
					zap.String("type", ev.Notification.Type),
					zap.String("message", ev.Notification.Message))
			}
		}
	}
}

func (app *Application) Cleanup() {
	app.controller.EndCall()
	app.coordinator.Close()
	if err := app.signals.Close(); err != nil {
		app.logger.Warn("Signal manager close", zap.Error(err))
	}
	if app.transcripts != nil {
		if err := app.transcripts.Close(); err != nil {
			app.logger.Warn("Transcript store close", zap.Error(err))
		}
	}
}
