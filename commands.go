package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Tutortoise/detection-service/detections"
	"github.com/Tutortoise/detection-service/logger"
	"github.com/Tutortoise/detection-service/metrics"
	"github.com/Tutortoise/detection-service/models"
	"github.com/Tutortoise/detection-service/onnx"
	"github.com/Tutortoise/detection-service/watcher"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the detection HTTP API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		factory := onnx.NewFactory(cfg.BackendOptions())
		engine, err := detections.NewEngine(factory.Build, cfg.EngineOptions())
		if err != nil {
			return err
		}
		defer shutdownEngine(engine)

		if cfg.Model.Path != "" {
			if err := engine.LoadModel(cfg.Model.Path); err != nil {
				return err
			}
		} else {
			logger.Logger.Warn("No model configured, waiting for POST /model/load")
		}

		m := metrics.New(engine, factory)

		if cfg.Watch.Enabled && cfg.Model.Path != "" {
			mw, err := watcher.New(cfg.Model.Path, cfg.Model.CatalogFile, cfg.Watch.Debounce, engine.LoadModel)
			if err != nil {
				return err
			}
			mw.Serving(engine.ModelPath)
			mw.OnResult(func(err error) {
				if err != nil {
					m.ReloadErrors.Add(1)
					return
				}
				m.Reloads.Add(1)
			})
			mw.Start()
			defer mw.Stop()
		}

		server := NewServer(engine, m, cfg.Server.MaxUploadBytes, cfg.Model.PrivilegedClass)
		srv := &http.Server{
			Handler:      server.Router(),
			Addr:         cfg.Server.Addr,
			WriteTimeout: cfg.Server.WriteTimeout,
			ReadTimeout:  cfg.Server.ReadTimeout,
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		errCh := make(chan error, 1)
		go func() {
			logger.Logger.Infow("Server starting", "addr", cfg.Server.Addr, "device", detections.DeviceDescription())
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()

		select {
		case err := <-errCh:
			return errors.Wrap(err, "listen")
		case <-ctx.Done():
		}

		logger.Logger.Info("Shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}

// detectResult is one line of the detect command's output.
type detectResult struct {
	Path   string                  `json:"path"`
	Result *models.DetectionResult `json:"result,omitempty"`
	Error  string                  `json:"error,omitempty"`
}

var detectCmd = &cobra.Command{
	Use:   "detect <image>...",
	Short: "Run detection on images and print JSON results",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, path := range args {
			if !detections.IsSupportedImagePath(path) {
				return errors.Newf("unsupported image format: %s", path)
			}
		}

		engine, err := loadEngine()
		if err != nil {
			return err
		}
		defer shutdownEngine(engine)

		enc := json.NewEncoder(cmd.OutOrStdout())
		failed := 0
		for _, path := range args {
			out := detectResult{Path: path}
			data, err := os.ReadFile(path)
			if err == nil {
				out.Result, err = engine.Detect(data)
			}
			if err != nil {
				failed++
				out.Error = err.Error()
				logger.Logger.Warnw("Detect failed", "path", path, "error", err)
			}
			if err := enc.Encode(out); err != nil {
				return err
			}
		}
		if failed > 0 {
			return errors.Newf("%d of %d images failed", failed, len(args))
		}
		return nil
	},
}

var classesCmd = &cobra.Command{
	Use:   "classes",
	Short: "Print the class catalog of the configured model",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, err := loadEngine()
		if err != nil {
			return err
		}
		defer shutdownEngine(engine)

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(engine.Classes())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "detectd %s (commit %s)\n", version, commit)
	},
}

// loadEngine builds an engine over the ONNX backend and loads the configured model.
func loadEngine() (*detections.Engine, error) {
	if cfg.Model.Path == "" {
		return nil, errors.New("no model configured: pass --model or set DETECT_MODEL_PATH")
	}
	engine, err := detections.NewEngine(onnx.NewFactory(cfg.BackendOptions()).Build, cfg.EngineOptions())
	if err != nil {
		return nil, err
	}
	if err := engine.LoadModel(cfg.Model.Path); err != nil {
		shutdownEngine(engine)
		return nil, err
	}
	return engine, nil
}

func shutdownEngine(engine *detections.Engine) {
	if err := engine.Close(); err != nil {
		logger.Logger.Warnw("Close engine failed", "error", err)
	}
	if err := onnx.Shutdown(); err != nil {
		logger.Logger.Warnw("Shutdown onnxruntime failed", "error", err)
	}
}
