//go:build metal && darwin
// +build metal,darwin

package gpu

import "go.uber.org/zap"

const metalBuilt = true

func newMetalBackend(log *zap.Logger) (Backend, error) {
	b, err := NewMetalBackend(log)
	if err != nil {
		return nil, err
	}
	return b, nil
}
