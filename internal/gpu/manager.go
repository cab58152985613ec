package gpu

import (
	"github.com/fxnlabs/mpsengine/internal/config"
	"github.com/fxnlabs/mpsengine/internal/logger"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// MetalBuilt reports whether the binary was compiled with the metal build tag.
func MetalBuilt() bool {
	return metalBuilt
}

// NewBackend selects a backend according to cfg.Backend.
//
//   - "cpu" always returns the software device.
//   - "metal" returns the Metal backend or an error wrapping ErrDeviceUnavailable.
//   - "auto" (or empty) tries Metal first and falls back to the CPU.
func NewBackend(cfg config.DeviceConfig, log *zap.Logger) (Backend, error) {
	log = logger.OrNop(log)

	switch cfg.Backend {
	case config.BackendCPU:
		log.Info("Using CPU backend")
		return NewCPUBackend(cfg, log), nil

	case config.BackendMetal:
		b, err := newMetalBackend(log)
		if err != nil {
			return nil, err
		}
		log.Info("Using Metal GPU backend")
		return b, nil

	case config.BackendAuto, "":
		b, err := newMetalBackend(log)
		if err == nil {
			log.Info("Using Metal GPU backend")
			return b, nil
		}
		log.Info("Using CPU backend (no GPU available)", zap.Error(err))
		return NewCPUBackend(cfg, log), nil

	default:
		return nil, errors.Errorf("unknown backend %q", cfg.Backend)
	}
}
