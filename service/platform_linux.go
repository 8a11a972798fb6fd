//go:build linux

package service

import (
	"github.com/openvio/facet/camera"
	"github.com/openvio/facet/device"
)

// platformConfig wires the service to the V4L2 capture stack.
func platformConfig() Config {
	return Config{
		List: func() []camera.Desc {
			return device.Discover(nil)
		},
		OpenDevice: func(id string, cfg camera.StreamConfig) (ManagedDevice, error) {
			adapter := device.NewAdapter(id, device.NewV4L2Capture(nil), nil)
			if err := adapter.Open(id, cfg.Width, cfg.Height, cfg.Format); err != nil {
				return nil, err
			}
			return adapter, nil
		},
	}
}
