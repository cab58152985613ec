//go:build !metal || !darwin
// +build !metal !darwin

package gpu

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const metalBuilt = false

func newMetalBackend(*zap.Logger) (Backend, error) {
	return nil, errors.Wrap(ErrDeviceUnavailable, "built without metal support")
}
