package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/manasdhir/voicelink/internal/capture"
	"github.com/manasdhir/voicelink/internal/config"
	"github.com/manasdhir/voicelink/internal/httpapi"
	"github.com/manasdhir/voicelink/internal/observability"
	"github.com/manasdhir/voicelink/internal/playback"
	"github.com/manasdhir/voicelink/internal/session"
	"github.com/manasdhir/voicelink/internal/transcript"
)

type BuildResult struct {
	Config     config.Config
	API        *httpapi.Server
	Controller *session.Controller
	Metrics    *observability.Metrics
	Stages     *observability.StageWindow

	// Cleanup should be called on shutdown to release external resources.
	Cleanup func() error
}

// Build wires the full client: transcript store, metrics, the session
// controller over real transport and audio devices, and the HTTP control
// surface.
func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	stages := observability.NewStageWindow(256)

	store, err := transcript.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("transcript store init failed: %w", err)
	}

	controller := session.New(session.Deps{
		Cfg:      cfg,
		Dial:     session.DialTransport,
		Open:     capture.OpenPortAudio,
		Renderer: playback.NewPortAudioRenderer(),
		Store:    store,
		Metrics:  metrics,
		Stages:   stages,
	})

	api := httpapi.New(cfg, controller, store, stages)

	cleanup := func() error {
		var errs []string
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := controller.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err.Error())
		}
		if err := store.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:     cfg,
		API:        api,
		Controller: controller,
		Metrics:    metrics,
		Stages:     stages,
		Cleanup:    cleanup,
	}, nil
}
