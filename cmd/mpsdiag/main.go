package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/fxnlabs/mpsengine/internal/config"
	"github.com/fxnlabs/mpsengine/internal/gpu"
	"github.com/fxnlabs/mpsengine/internal/logger"
	"github.com/fxnlabs/mpsengine/pkg/mps"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

// env is shared by all commands once Before has run.
type env struct {
	cfg *config.Config
	log *zap.Logger
}

func main() {
	var (
		configPath string
		backend    string
		e          env
	)

	app := &cli.App{
		Name:  "mpsdiag",
		Usage: "Diagnostics for the mpsengine accelerator layer",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Usage:       "Path to a config.yaml; defaults are used when empty",
				EnvVars:     []string{"MPSENGINE_CONFIG"},
				Destination: &configPath,
			},
			&cli.StringFlag{
				Name:        "backend",
				Usage:       "Override device.backend (auto, cpu, metal)",
				Destination: &backend,
			},
		},
		Before: func(c *cli.Context) error {
			cfg := config.Default()
			if configPath != "" {
				var err error
				if cfg, err = config.LoadConfig(configPath); err != nil {
					return err
				}
			}
			if backend != "" {
				cfg.Device.Backend = backend
			}
			log, err := logger.New(cfg.Logger.Verbosity)
			if err != nil {
				return err
			}
			e.cfg = cfg
			e.log = log.Named("mpsdiag")

			if addr := cfg.Metrics.ListenAddress; addr != "" {
				go serveMetrics(addr, e.log)
			}
			return nil
		},
		After: func(c *cli.Context) error {
			if e.log != nil {
				_ = e.log.Sync()
			}
			return nil
		},
		Commands: []*cli.Command{
			infoCommand(&e),
			gemmCommand(&e),
			graphCommand(&e),
			configCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		if e.log != nil {
			e.log.Fatal("failed to run app", zap.Error(err))
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}
}

// open selects the configured backend and opens a session on it.
func (e *env) open() (*mps.Session, error) {
	backend, err := gpu.NewBackend(e.cfg.Device, e.log)
	if err != nil {
		return nil, err
	}
	return mps.Open(backend, e.log)
}

func serveMetrics(addr string, log *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	log.Info("Serving metrics", zap.String("address", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("metrics server stopped", zap.Error(err))
	}
}
