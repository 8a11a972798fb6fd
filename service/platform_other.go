//go:build !linux

package service

import (
	"fmt"

	"github.com/openvio/facet/camera"
)

// platformConfig on non-Linux hosts enumerates nothing; sessions are
// only possible through an injected Config.
func platformConfig() Config {
	return Config{
		List: func() []camera.Desc { return nil },
		OpenDevice: func(id string, cfg camera.StreamConfig) (ManagedDevice, error) {
			return nil, fmt.Errorf("%w: no capture stack on this platform", camera.ErrUnderlyingService)
		},
	}
}
