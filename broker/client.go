package broker

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/openvio/facet/camera"
)

// Client interface versions. Legacy clients receive every frame
// unconditionally; paced clients receive frames only against an
// outstanding request that clears the timing threshold.
const (
	VersionLegacy = 0
	VersionPaced  = 1
)

// EventSink receives stream events on behalf of a client's consumer. A
// returned error means the event could not be forwarded; the broker logs
// it and continues.
type EventSink interface {
	Notify(event camera.Event) error
}

// FrameCallback is an optional per-frame transport hook invoked before a
// delivered frame is committed to the client's ready slot. An error
// refuses the delivery.
type FrameCallback func(frame camera.Frame) error

// ClientStats is a point-in-time snapshot of one client's delivery
// counters.
type ClientStats struct {
	ID            string `json:"id"`
	Version       int    `json:"version"`
	Streaming     bool   `json:"streaming"`
	Master        bool   `json:"master"`
	Delivered     uint64 `json:"delivered"`
	Dropped       uint64 `json:"dropped"`
	LastTimestamp int64  `json:"lastTimestampUs"`
}

// VirtualCamera is one logical subscriber to a broker. It owns a
// two-element buffer array with a ready/held slot pair: the consumer
// sees exactly one newest-available frame while the producer stays free
// to drop intermediates without blocking.
//
// Lock order: the broker may call into a VirtualCamera while holding the
// broker lock, so VirtualCamera methods never call the broker while
// holding their own lock.
type VirtualCamera struct {
	id      string
	log     *slog.Logger
	broker  *Broker
	version int
	allowed int

	mu           sync.Mutex
	cond         *sync.Cond
	running      bool
	stopping     bool
	closed       bool // detached; the broker treats a closed client as a dead reference
	stopObserved bool
	buffers      [2]camera.Frame
	readySlot    int
	heldSlot     int
	sink         EventSink
	frameCb      FrameCallback
	lastDelivered int64

	delivered uint64
	dropped   uint64
}

func newVirtualCamera(b *Broker, version, allowedBuffers int, sink EventSink) *VirtualCamera {
	id := uuid.NewString()
	c := &VirtualCamera{
		id:        id,
		log:       b.log.With("client", id[:8]),
		broker:    b,
		version:   version,
		allowed:   allowedBuffers,
		readySlot: -1,
		heldSlot:  -1,
		sink:      sink,
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// ID returns the client identifier.
func (c *VirtualCamera) ID() string { return c.id }

// Version returns the client's delivery-path version.
func (c *VirtualCamera) Version() int { return c.version }

// AllowedBuffers returns this client's share of the device buffer pool.
func (c *VirtualCamera) AllowedBuffers() int { return c.allowed }

// SetFrameCallback installs the optional per-frame transport hook.
func (c *VirtualCamera) SetFrameCallback(cb FrameCallback) {
	c.mu.Lock()
	c.frameCb = cb
	c.mu.Unlock()
}

// StartStream asks the broker to ensure the device is producing frames.
// Idempotent at the broker; a second start on the same client fails.
func (c *VirtualCamera) StartStream() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return camera.ErrOwnershipLost
	}
	if c.running {
		c.mu.Unlock()
		c.log.Error("ignoring startStream call when a stream is already running")
		return camera.ErrStreamAlreadyRunning
	}
	c.running = true
	c.stopping = false
	c.stopObserved = false
	c.mu.Unlock()

	if err := c.broker.onClientStarting(); err != nil {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		return err
	}

	c.notifySink(camera.Event{Kind: camera.EventStreamStarted})
	return nil
}

// StopStream ends this client's subscription without waiting for the
// device. The consumer sees an end-of-stream marker: a STREAM_STOPPED
// event for paced clients, a null-handle frame on the legacy path.
func (c *VirtualCamera) StopStream() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.stopping = true
	c.running = false
	legacy := c.version == VersionLegacy
	var evictID uint32
	hasEvict := false
	if legacy {
		// Replace any unconsumed ready frame with the null-handle end
		// marker; the displaced frame is reclaimed below.
		switch {
		case c.readySlot >= 0:
			evictID = c.buffers[c.readySlot].BufferID
			hasEvict = true
		case c.heldSlot >= 0:
			c.readySlot = 1 - c.heldSlot
		default:
			c.readySlot = 0
		}
		c.buffers[c.readySlot] = camera.Frame{DeviceID: c.broker.DeviceID()}
	}
	c.mu.Unlock()

	if hasEvict {
		c.broker.ReturnFrame(evictID)
	}
	if !legacy {
		c.notifySink(camera.Event{Kind: camera.EventStreamStopped})
	}

	c.broker.onClientEnding(c)

	c.mu.Lock()
	c.stopObserved = true
	c.cond.Broadcast()
	c.mu.Unlock()
}

// StopStreamBlocking stops the stream and waits until STREAM_STOPPED has
// been observed for this client.
func (c *VirtualCamera) StopStreamBlocking() {
	c.StopStream()

	c.mu.Lock()
	for !c.stopObserved {
		c.cond.Wait()
	}
	c.mu.Unlock()
}

// IsStreaming reports whether the client considers itself streaming.
func (c *VirtualCamera) IsStreaming() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// RequestFrame queues a request for the next frame whose timestamp is at
// least the broker threshold past lastTimestamp. The fence is satisfied
// by the matching delivery, or by cancellation on detach.
func (c *VirtualCamera) RequestFrame(lastTimestamp int64) *Fence {
	return c.broker.requestFrame(c, lastTimestamp)
}

// HasNewFrame reports whether a frame is waiting in the ready slot.
func (c *VirtualCamera) HasNewFrame() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readySlot >= 0
}

// TakeFrame moves the ready frame into the held slot and returns it. If
// the consumer is still holding a frame the call is refused and the held
// frame is returned unchanged.
func (c *VirtualCamera) TakeFrame() (camera.Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.heldSlot >= 0 {
		c.log.Error("takeFrame called while still holding the previous frame")
		return c.buffers[c.heldSlot], nil
	}
	if c.readySlot < 0 {
		return camera.Frame{}, camera.ErrBufferNotAvailable
	}
	c.heldSlot = c.readySlot
	c.readySlot = -1
	return c.buffers[c.heldSlot], nil
}

// Release returns the held frame. The frame must be the one TakeFrame
// handed out; anything else is logged and rejected.
func (c *VirtualCamera) Release(frame camera.Frame) error {
	c.mu.Lock()
	if c.heldSlot < 0 || c.buffers[c.heldSlot].BufferID != frame.BufferID {
		c.mu.Unlock()
		c.log.Error("release called with an unexpected buffer", "id", frame.BufferID)
		return camera.ErrInvalidArg
	}
	end := c.buffers[c.heldSlot].IsEndMarker()
	c.heldSlot = -1
	c.mu.Unlock()

	if !end {
		c.broker.ReturnFrame(frame.BufferID)
	}
	return nil
}

// deliverFrame offers a frame to this client. Called by the broker with
// the broker lock held. It returns whether the client accepted and, when
// accepting displaced an unconsumed ready frame, the id to reclaim.
func (c *VirtualCamera) deliverFrame(frame camera.Frame) (accepted bool, evicted uint32, hasEvicted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running || c.closed {
		return false, 0, false
	}

	if c.frameCb != nil {
		if err := c.frameCb(frame); err != nil {
			c.log.Warn("frame transport refused", "id", frame.BufferID, "error", err)
			c.dropped++
			return false, 0, false
		}
	}

	switch {
	case c.readySlot >= 0:
		// The consumer never came for the previous frame; drop it and
		// reuse its slot.
		evicted = c.buffers[c.readySlot].BufferID
		hasEvicted = true
		c.dropped++
	case c.heldSlot >= 0:
		c.readySlot = 1 - c.heldSlot
	default:
		c.readySlot = 0
	}
	c.buffers[c.readySlot] = frame
	c.delivered++
	c.lastDelivered = frame.Timestamp
	c.cond.Broadcast()
	return true, evicted, hasEvicted
}

// notify forwards a stream event to the consumer. Called by the broker
// without the broker lock. It reports whether the forward succeeded.
func (c *VirtualCamera) notify(event camera.Event) bool {
	if !event.Kind.Known() {
		c.log.Error("dropping unknown event", "kind", uint32(event.Kind))
		return true
	}

	if event.Kind == camera.EventStreamStopped {
		c.mu.Lock()
		if c.running && !c.stopping {
			c.log.Warn("stream stopped unexpectedly")
		}
		c.running = false
		c.stopObserved = true
		c.cond.Broadcast()
		c.mu.Unlock()
	}

	return c.notifySink(event)
}

func (c *VirtualCamera) notifySink(event camera.Event) bool {
	c.mu.Lock()
	sink := c.sink
	c.mu.Unlock()
	if sink == nil {
		return true
	}
	if err := sink.Notify(event); err != nil {
		c.log.Error("failed to forward an event", "event", event.Kind.String(), "error", err)
		return false
	}
	return true
}

// close marks the client dead and strips its slots. Called by the broker
// during detach with the broker lock held; returns the buffer ids the
// client was still keeping so the broker can reclaim them.
func (c *VirtualCamera) close() []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	c.running = false
	c.stopObserved = true

	var orphaned []uint32
	for _, slot := range []int{c.readySlot, c.heldSlot} {
		if slot >= 0 && !c.buffers[slot].IsEndMarker() {
			orphaned = append(orphaned, c.buffers[slot].BufferID)
		}
	}
	c.readySlot = -1
	c.heldSlot = -1
	c.cond.Broadcast()
	return orphaned
}

// isClosed reports whether the client has been detached.
func (c *VirtualCamera) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// stats snapshots the client's delivery counters.
func (c *VirtualCamera) stats(master bool) ClientStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ClientStats{
		ID:            c.id,
		Version:       c.version,
		Streaming:     c.running,
		Master:        master,
		Delivered:     c.delivered,
		Dropped:       c.dropped,
		LastTimestamp: c.lastDelivered,
	}
}

// Session parameter operations delegate to the broker's arbiter.

// SetMaster claims exclusive parameter control for this client.
func (c *VirtualCamera) SetMaster() error { return c.broker.setMaster(c) }

// ForceMaster takes parameter control, displacing any current master.
func (c *VirtualCamera) ForceMaster() error { return c.broker.forceMaster(c) }

// UnsetMaster releases parameter control held by this client.
func (c *VirtualCamera) UnsetMaster() error { return c.broker.unsetMaster(c) }

// GetParameterList returns the closed set of supported parameters.
func (c *VirtualCamera) GetParameterList() []camera.Param { return camera.Params() }

// GetIntParameterRange queries the device for a control's valid values.
func (c *VirtualCamera) GetIntParameterRange(id camera.Param) (camera.ParamRange, error) {
	return c.broker.parameterRange(id)
}

// GetIntParameter reads a control value. Always permitted.
func (c *VirtualCamera) GetIntParameter(id camera.Param) (int32, error) {
	return c.broker.getParameter(id)
}

// SetIntParameter writes a control value. Permitted only for the master;
// a denied call still returns the current value read back.
func (c *VirtualCamera) SetIntParameter(id camera.Param, value int32) (int32, error) {
	return c.broker.setParameter(c, id, value)
}

// PauseStream is not supported by this service.
func (c *VirtualCamera) PauseStream() error { return camera.ErrNotSupported }

// ResumeStream is not supported by this service.
func (c *VirtualCamera) ResumeStream() error { return camera.ErrNotSupported }
