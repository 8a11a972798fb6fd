// Package service exposes the client-facing camera surface: device
// enumeration, open-by-id with stream-configuration matching, and
// session teardown. One broker per physical device is shared by every
// session opened against it.
package service

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/openvio/facet/broker"
	"github.com/openvio/facet/camera"
)

// ManagedDevice is a device adapter the service can also close once its
// last session goes away.
type ManagedDevice interface {
	broker.Device
	Close() error
}

// Config wires the service to its platform: a discovery function and a
// device opener. Tests inject fakes here.
type Config struct {
	Log         *slog.Logger
	MinInterval time.Duration
	List        func() []camera.Desc
	OpenDevice  func(id string, cfg camera.StreamConfig) (ManagedDevice, error)
}

type activeCamera struct {
	broker *broker.Broker
	dev    ManagedDevice
	config camera.StreamConfig
}

// Service brokers access to the machine's capture devices.
type Service struct {
	log *slog.Logger
	cfg Config

	mu       sync.Mutex
	active   map[string]*activeCamera
	sessions map[*broker.VirtualCamera]string
}

// New creates a Service from the platform wiring.
func New(cfg Config) (*Service, error) {
	if cfg.List == nil || cfg.OpenDevice == nil {
		return nil, fmt.Errorf("%w: service config missing platform wiring", camera.ErrInternal)
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = broker.DefaultMinInterval
	}
	return &Service{
		log:      cfg.Log.With("component", "service"),
		cfg:      cfg,
		active:   make(map[string]*activeCamera),
		sessions: make(map[*broker.VirtualCamera]string),
	}, nil
}

// List enumerates the cameras currently available.
func (s *Service) List() []camera.Desc {
	return s.cfg.List()
}

// Open attaches a new session to the camera with the given id, opening
// the device on first use. The stream configuration follows the matching
// rule: exact, else largest-area same-format within the requested
// bounds, else the 640x480 RGBA default. Later sessions share the
// configuration the device was opened with.
func (s *Service) Open(id string, want *camera.StreamConfig, version, allowedBuffers int, sink broker.EventSink) (*broker.VirtualCamera, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ac, ok := s.active[id]
	created := false
	if !ok {
		var available []camera.StreamConfig
		for _, desc := range s.cfg.List() {
			if desc.ID == id {
				available = desc.Configs
				break
			}
		}
		chosen := camera.MatchConfig(available, want)

		dev, err := s.cfg.OpenDevice(id, chosen)
		if err != nil {
			return nil, fmt.Errorf("%w: open camera %s: %w", camera.ErrUnderlyingService, id, err)
		}
		ac = &activeCamera{
			broker: broker.New(dev, s.cfg.Log, broker.WithMinInterval(s.cfg.MinInterval)),
			dev:    dev,
			config: chosen,
		}
		s.active[id] = ac
		created = true
		s.log.Info("camera opened", "camera", id, "width", chosen.Width, "height", chosen.Height, "format", chosen.Format)
	}

	client, err := ac.broker.AttachClient(version, allowedBuffers, sink)
	if err != nil {
		if created {
			ac.dev.Close()
			delete(s.active, id)
		}
		return nil, err
	}
	s.sessions[client] = id
	return client, nil
}

// Close ends a session: the stream is stopped, the client detached, and
// the device released when its last session goes away.
func (s *Service) Close(client *broker.VirtualCamera) {
	if client == nil {
		s.log.Error("ignoring close call with nil client")
		return
	}

	s.mu.Lock()
	id, ok := s.sessions[client]
	if !ok {
		s.mu.Unlock()
		s.log.Error("ignoring close for an unknown session")
		return
	}
	delete(s.sessions, client)
	ac := s.active[id]
	s.mu.Unlock()

	client.StopStream()
	ac.broker.DetachClient(client)

	s.mu.Lock()
	if ac.broker.ClientCount() == 0 {
		delete(s.active, id)
		s.mu.Unlock()
		if err := ac.dev.Close(); err != nil {
			s.log.Error("device close failed", "camera", id, "error", err)
		}
		s.log.Info("camera released", "camera", id)
		return
	}
	s.mu.Unlock()
}

// Stats snapshots every active broker, keyed by camera id.
func (s *Service) Stats() map[string]broker.Snapshot {
	s.mu.Lock()
	actives := make(map[string]*activeCamera, len(s.active))
	for id, ac := range s.active {
		actives[id] = ac
	}
	s.mu.Unlock()

	out := make(map[string]broker.Snapshot, len(actives))
	for id, ac := range actives {
		out[id] = ac.broker.Stats()
	}
	return out
}

// ActiveConfig reports the configuration a camera was opened with.
func (s *Service) ActiveConfig(id string) (camera.StreamConfig, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ac, ok := s.active[id]
	if !ok {
		return camera.StreamConfig{}, false
	}
	return ac.config, true
}

// NewPlatform creates a service on the host capture stack with the
// given pacing interval (zero means the default).
func NewPlatform(minInterval time.Duration) (*Service, error) {
	cfg := platformConfig()
	cfg.MinInterval = minInterval
	return New(cfg)
}

var (
	defaultMu  sync.Mutex
	defaultSvc *Service
)

// Default returns the process-wide service, creating it on first use.
// A failed initialization leaves the holder empty so the next call
// retries.
func Default() (*Service, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	if defaultSvc != nil {
		return defaultSvc, nil
	}
	svc, err := NewPlatform(0)
	if err != nil {
		return nil, err
	}
	defaultSvc = svc
	return svc, nil
}
