package broker

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/openvio/facet/camera"
)

// Device is the adapter contract the broker consumes. device.Adapter
// satisfies it; tests use fakes.
type Device interface {
	ID() string
	SetMaxFramesInFlight(n int) error
	StartStream(sink StreamSink) error
	StopStream() error
	MarkFrameConsumed(bufferID uint32)
	GetParameter(id camera.Param) (int32, error)
	SetParameter(id camera.Param, value int32) (int32, error)
	GetParameterRange(id camera.Param) (camera.ParamRange, error)
}

// StreamSink is the sink contract Device.StartStream takes. The device
// package declares its StreamSink as an alias of this one, so the broker
// does not import it; *Broker is passed to Device.StartStream.
type StreamSink interface {
	DeliverFrame(frame camera.Frame)
	Notify(event camera.Event)
}

type streamState int

const (
	stateStopped streamState = iota
	stateRunning
	stateStopping
)

func (s streamState) String() string {
	switch s {
	case stateRunning:
		return "RUNNING"
	case stateStopping:
		return "STOPPING"
	default:
		return "STOPPED"
	}
}

// DefaultMinInterval is the minimum inter-delivery interval for paced
// clients: roughly half of a 30 fps frame period.
const DefaultMinInterval = 16 * time.Millisecond

// frameRequest is one paced client's ask for the next frame. The request
// is consumed by a matching delivery or deferred to the next cycle by
// the timing filter. A request whose client has been detached is dropped
// silently.
type frameRequest struct {
	client        *VirtualCamera
	lastTimestamp int64
}

// Snapshot is a point-in-time view of a broker for the status API.
type Snapshot struct {
	DeviceID    string        `json:"deviceId"`
	StreamState string        `json:"streamState"`
	PoolSize    int           `json:"poolSize"`
	LiveFrames  int           `json:"liveFrames"`
	Clients     []ClientStats `json:"clients"`
}

// Option configures a Broker.
type Option func(*Broker)

// WithMinInterval overrides the per-client minimum inter-delivery
// interval used by the timing filter.
func WithMinInterval(d time.Duration) Option {
	return func(b *Broker) { b.thresholdUs = d.Microseconds() }
}

// Broker multiplexes one capture device to many virtual cameras. One
// lock protects the client set, the request deques, the stream state,
// the master pointer, the frame tracker, and the timelines; event
// forwards to client sinks happen after it is released.
type Broker struct {
	log         *slog.Logger
	dev         Device
	deviceID    string
	thresholdUs int64

	mu        sync.Mutex
	clients   []*VirtualCamera
	master    *VirtualCamera
	tracker   *frameTracker
	timelines map[string]*timeline
	pending   []frameRequest // current cycle, drained during delivery
	nextCycle []frameRequest // accumulating; swapped in per frame
	state     streamState
	poolSize  int
}

// New creates a Broker for one device. If log is nil, slog.Default()
// is used.
func New(dev Device, log *slog.Logger, opts ...Option) *Broker {
	if log == nil {
		log = slog.Default()
	}
	b := &Broker{
		log:         log.With("component", "broker", "device", dev.ID()),
		dev:         dev,
		deviceID:    dev.ID(),
		thresholdUs: DefaultMinInterval.Microseconds(),
		timelines:   make(map[string]*timeline),
	}
	b.tracker = newFrameTracker(b.log)
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// DeviceID returns the identifier of the device this broker owns.
func (b *Broker) DeviceID() string { return b.deviceID }

// ClientCount returns the number of attached clients.
func (b *Broker) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// AttachClient creates a virtual camera bound to this broker and grows
// the device buffer pool by its share. If the pool cannot be enlarged
// the attach fails and no state changes.
func (b *Broker) AttachClient(version, allowedBuffers int, sink EventSink) (*VirtualCamera, error) {
	if allowedBuffers < 1 {
		return nil, fmt.Errorf("%w: allowedBuffers %d", camera.ErrInvalidArg, allowedBuffers)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.recomputePoolLocked(allowedBuffers); err != nil {
		return nil, err
	}

	c := newVirtualCamera(b, version, allowedBuffers, sink)
	b.timelines[c.id] = &timeline{}
	b.clients = append(b.clients, c)
	b.log.Info("client attached", "client", c.id[:8], "version", version, "buffers", allowedBuffers)
	return c, nil
}

// DetachClient removes the client: its pending request fences are
// signaled, frames it still references are reclaimed, its timeline is
// destroyed, and the pool shrinks. Detach is the sole cancellation
// primitive.
func (b *Broker) DetachClient(c *VirtualCamera) {
	b.mu.Lock()

	found := false
	for i, existing := range b.clients {
		if existing == c {
			b.clients = append(b.clients[:i], b.clients[i+1:]...)
			found = true
			break
		}
	}
	if !found {
		b.mu.Unlock()
		b.log.Error("couldn't find client in our list to remove it")
		return
	}

	b.dropRequestsLocked(c)
	if tl, ok := b.timelines[c.id]; ok {
		tl.cancel()
		delete(b.timelines, c.id)
	}

	wasMaster := b.master == c
	if wasMaster {
		b.master = nil
	}

	for _, id := range c.close() {
		b.returnLocked(id)
	}

	if err := b.recomputePoolLocked(0); err != nil {
		b.log.Error("error when trying to reduce the in flight buffer count", "error", err)
	}

	remaining := b.snapshotClientsLocked()
	stillStreaming := b.anyStreamingLocked()
	needsStop := !stillStreaming && b.state == stateRunning
	if needsStop {
		b.state = stateStopping
	}
	b.mu.Unlock()

	if wasMaster {
		b.fanOut(remaining, camera.Event{Kind: camera.EventMasterReleased})
	}
	if needsStop {
		if err := b.dev.StopStream(); err != nil {
			b.log.Error("device stop failed", "error", err)
		}
	}
	b.log.Info("client detached", "client", c.id[:8])
}

// dropRequestsLocked removes the client's queued requests and signals
// their fences.
func (b *Broker) dropRequestsLocked(c *VirtualCamera) {
	tl := b.timelines[c.id]
	keep := b.nextCycle[:0]
	for _, req := range b.nextCycle {
		if req.client == c {
			if tl != nil {
				tl.bump()
			}
			continue
		}
		keep = append(keep, req)
	}
	b.nextCycle = keep
}

// onClientStarting starts the device stream on the first streaming
// client. Idempotent across clients.
func (b *Broker) onClientStarting() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != stateStopped {
		return nil
	}
	if err := b.dev.StartStream(b); err != nil {
		return fmt.Errorf("%w: %w", camera.ErrUnderlyingService, err)
	}
	b.state = stateRunning
	return nil
}

// onClientEnding removes the client's pending request and, when no
// attached client is still streaming, asks the device to stop. STOPPED
// is entered only when the device's STREAM_STOPPED event arrives.
func (b *Broker) onClientEnding(c *VirtualCamera) {
	b.mu.Lock()
	b.dropRequestsLocked(c)
	needsStop := !b.anyStreamingLocked() && b.state == stateRunning
	if needsStop {
		b.state = stateStopping
	}
	b.mu.Unlock()

	if needsStop {
		if err := b.dev.StopStream(); err != nil {
			b.log.Error("device stop failed", "error", err)
		}
	}
}

func (b *Broker) anyStreamingLocked() bool {
	for _, c := range b.clients {
		if c.IsStreaming() {
			return true
		}
	}
	return false
}

// requestFrame queues a paced client's request and returns its fence.
// Requests from detached clients get an already-signaled fence.
func (b *Broker) requestFrame(c *VirtualCamera, lastTimestamp int64) *Fence {
	b.mu.Lock()
	defer b.mu.Unlock()

	tl, ok := b.timelines[c.id]
	if !ok || c.isClosed() {
		return signaledFence()
	}
	f := tl.fence()
	b.nextCycle = append(b.nextCycle, frameRequest{client: c, lastTimestamp: lastTimestamp})
	return f
}

// recomputePoolLocked sums the attached clients' buffer shares plus
// delta, clamps to at least one, and asks the device for that many
// in-flight buffers. The tracker is resized only if the device agrees.
func (b *Broker) recomputePoolLocked(delta int) error {
	n := delta
	for _, c := range b.clients {
		if !c.isClosed() {
			n += c.allowed
		}
	}
	if n < 1 {
		n = 1
	}
	if err := b.dev.SetMaxFramesInFlight(n); err != nil {
		return fmt.Errorf("%w: pool size %d: %w", camera.ErrBufferNotAvailable, n, err)
	}
	b.tracker.resize(n)
	b.poolSize = n
	return nil
}

// DeliverFrame is the hot path, invoked synchronously from the device's
// producer worker for every captured frame.
func (b *Broker) DeliverFrame(frame camera.Frame) {
	var droppedOn []*VirtualCamera
	accepts := 0

	b.mu.Lock()
	// Swap the deques: this cycle works on a consistent snapshot while
	// new requests accumulate separately.
	b.pending, b.nextCycle = b.nextCycle, b.pending[:0]

	for _, req := range b.pending {
		c := req.client
		if c.isClosed() {
			continue
		}
		if frame.Timestamp-req.lastTimestamp < b.thresholdUs {
			// Arrived too soon for this client; keep the request first
			// in line for the next cycle.
			b.nextCycle = append(b.nextCycle, req)
			continue
		}
		accepted, evicted, hasEvicted := c.deliverFrame(frame)
		if !accepted {
			continue
		}
		accepts++
		if tl, ok := b.timelines[c.id]; ok {
			tl.bump()
		}
		if hasEvicted {
			b.returnLocked(evicted)
			droppedOn = append(droppedOn, c)
		}
	}
	b.pending = b.pending[:0]

	// Legacy clients are fanned the frame unconditionally.
	for _, c := range b.clients {
		if c.version != VersionLegacy {
			continue
		}
		accepted, evicted, hasEvicted := c.deliverFrame(frame)
		if !accepted {
			continue
		}
		accepts++
		if hasEvicted {
			b.returnLocked(evicted)
			droppedOn = append(droppedOn, c)
		}
	}

	if accepts == 0 {
		b.mu.Unlock()
		// Nobody took the frame; hand it straight back.
		b.dev.MarkFrameConsumed(frame.BufferID)
		return
	}
	b.tracker.register(frame.BufferID, accepts)
	b.mu.Unlock()

	for _, c := range droppedOn {
		c.notifySink(camera.Event{Kind: camera.EventFrameDropped})
	}
}

// ReturnFrame releases one client reference on a frame; at zero the
// buffer goes back to the device. Unknown ids are logged and ignored.
func (b *Broker) ReturnFrame(id uint32) {
	b.mu.Lock()
	b.returnLocked(id)
	b.mu.Unlock()
}

func (b *Broker) returnLocked(id uint32) {
	if freed, found := b.tracker.decrement(id); found && freed {
		b.dev.MarkFrameConsumed(id)
	}
}

// Notify receives device events and fans them out to every attached
// client. STREAM_STOPPED flips the broker to STOPPED before the fan-out.
func (b *Broker) Notify(event camera.Event) {
	if event.Kind == camera.EventStreamStopped {
		b.mu.Lock()
		if b.state != stateStopping {
			b.log.Warn("stream stopped unexpectedly")
		}
		b.state = stateStopped
		clients := b.snapshotClientsLocked()
		b.mu.Unlock()
		b.fanOut(clients, event)
		return
	}

	b.mu.Lock()
	clients := b.snapshotClientsLocked()
	b.mu.Unlock()
	b.fanOut(clients, event)
}

func (b *Broker) snapshotClientsLocked() []*VirtualCamera {
	clients := make([]*VirtualCamera, len(b.clients))
	copy(clients, b.clients)
	return clients
}

// fanOut forwards an event to each client outside the broker lock.
// Failed forwards are logged by the client and do not abort the fan-out.
func (b *Broker) fanOut(clients []*VirtualCamera, event camera.Event) {
	for _, c := range clients {
		if !c.notify(event) {
			b.log.Info("failed to forward an event", "event", event.Kind.String(), "client", c.id[:8])
		}
	}
}

// setMaster claims exclusive parameter control for c.
func (b *Broker) setMaster(c *VirtualCamera) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.master != nil && !b.master.isClosed() {
		return camera.ErrOwnershipLost
	}
	b.master = c
	b.log.Debug("client becomes master", "client", c.id[:8])
	return nil
}

// forceMaster takes control for c unconditionally; a displaced master is
// notified with MASTER_RELEASED.
func (b *Broker) forceMaster(c *VirtualCamera) error {
	b.mu.Lock()
	prev := b.master
	b.master = c
	b.mu.Unlock()

	if prev != nil && prev != c {
		b.log.Debug("master role stolen", "from", prev.id[:8], "to", c.id[:8])
		if !prev.notify(camera.Event{Kind: camera.EventMasterReleased}) {
			b.log.Error("failed to deliver a master role lost notification")
		}
	}
	return nil
}

// unsetMaster releases control held by c and tells every client the
// role is available again.
func (b *Broker) unsetMaster(c *VirtualCamera) error {
	b.mu.Lock()
	if b.master != c {
		b.mu.Unlock()
		return camera.ErrInvalidArg
	}
	b.master = nil
	clients := b.snapshotClientsLocked()
	b.mu.Unlock()

	b.fanOut(clients, camera.Event{Kind: camera.EventMasterReleased})
	return nil
}

// setParameter writes a device control on behalf of c. Non-master
// callers are denied but still get the current value read back. A
// successful write is broadcast to every client, the master included.
func (b *Broker) setParameter(c *VirtualCamera, id camera.Param, value int32) (int32, error) {
	if !id.Valid() {
		return 0, camera.ErrInvalidArg
	}

	b.mu.Lock()
	isMaster := b.master == c
	b.mu.Unlock()

	if !isMaster {
		b.log.Debug("parameter change from a non-master client declined", "param", id.String())
		current, err := b.dev.GetParameter(id)
		if err != nil {
			return 0, camera.ErrInvalidArg
		}
		return current, camera.ErrInvalidArg
	}

	applied, err := b.dev.SetParameter(id, value)
	if err != nil {
		return 0, err
	}

	b.mu.Lock()
	clients := b.snapshotClientsLocked()
	b.mu.Unlock()
	b.fanOut(clients, camera.Event{
		Kind:  camera.EventParameterChanged,
		Param: id,
		Value: applied,
	})
	return applied, nil
}

// getParameter reads a device control. Always permitted.
func (b *Broker) getParameter(id camera.Param) (int32, error) {
	if !id.Valid() {
		return 0, camera.ErrInvalidArg
	}
	return b.dev.GetParameter(id)
}

// parameterRange queries a control's valid values.
func (b *Broker) parameterRange(id camera.Param) (camera.ParamRange, error) {
	if !id.Valid() {
		return camera.ParamRange{}, camera.ErrInvalidArg
	}
	return b.dev.GetParameterRange(id)
}

// Stats snapshots the broker for the status API.
func (b *Broker) Stats() Snapshot {
	b.mu.Lock()
	clients := b.snapshotClientsLocked()
	master := b.master
	snap := Snapshot{
		DeviceID:    b.deviceID,
		StreamState: b.state.String(),
		PoolSize:    b.poolSize,
		LiveFrames:  b.tracker.live(),
	}
	b.mu.Unlock()

	for _, c := range clients {
		snap.Clients = append(snap.Clients, c.stats(c == master))
	}
	return snap
}
