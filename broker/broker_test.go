package broker

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/openvio/facet/camera"
)

// fakeDevice implements Device in-memory and records every interaction.
type fakeDevice struct {
	mu         sync.Mutex
	failSetMax bool
	poolSizes  []int
	started    int
	stopped    int
	sink       StreamSink
	consumed   []uint32
	params     map[camera.Param]int32
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{params: map[camera.Param]int32{}}
}

func (d *fakeDevice) ID() string { return "fake0" }

func (d *fakeDevice) SetMaxFramesInFlight(n int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failSetMax {
		return errors.New("no memory for buffers")
	}
	d.poolSizes = append(d.poolSizes, n)
	return nil
}

func (d *fakeDevice) StartStream(sink StreamSink) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.started++
	d.sink = sink
	return nil
}

func (d *fakeDevice) StopStream() error {
	d.mu.Lock()
	d.stopped++
	sink := d.sink
	d.mu.Unlock()
	if sink != nil {
		sink.Notify(camera.Event{Kind: camera.EventStreamStopped})
	}
	return nil
}

func (d *fakeDevice) MarkFrameConsumed(id uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.consumed = append(d.consumed, id)
}

func (d *fakeDevice) GetParameter(id camera.Param) (int32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.params[id], nil
}

func (d *fakeDevice) SetParameter(id camera.Param, value int32) (int32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.params[id] = value
	return value, nil
}

func (d *fakeDevice) GetParameterRange(camera.Param) (camera.ParamRange, error) {
	return camera.ParamRange{Min: 0, Max: 255, Step: 1}, nil
}

func (d *fakeDevice) consumedIDs() []uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]uint32, len(d.consumed))
	copy(out, d.consumed)
	return out
}

func (d *fakeDevice) lastPoolSize() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.poolSizes) == 0 {
		return 0
	}
	return d.poolSizes[len(d.poolSizes)-1]
}

// recordingSink collects forwarded events.
type recordingSink struct {
	mu     sync.Mutex
	events []camera.Event
	fail   bool
}

func (s *recordingSink) Notify(e camera.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("transport closed")
	}
	s.events = append(s.events, e)
	return nil
}

func (s *recordingSink) sawKind(kind camera.EventKind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e.Kind == kind {
			return true
		}
	}
	return false
}

func testFrame(id uint32, tsUs int64) camera.Frame {
	return camera.Frame{
		BufferID:  id,
		DeviceID:  "fake0",
		Width:     640,
		Height:    480,
		Stride:    2560,
		Format:    camera.FormatRGBA8888,
		Timestamp: tsUs,
		Handle:    make(camera.Handle, 4),
	}
}

func TestSingleClientPacedDelivery(t *testing.T) {
	t.Parallel()
	dev := newFakeDevice()
	b := New(dev, nil)

	c, err := b.AttachClient(VersionPaced, 2, nil)
	if err != nil {
		t.Fatalf("AttachClient failed: %v", err)
	}
	if err := c.StartStream(); err != nil {
		t.Fatalf("StartStream failed: %v", err)
	}

	fence := c.RequestFrame(0)

	// Frames at 0ms and 10ms fall inside the 16ms threshold and must be
	// rejected without an accept.
	b.DeliverFrame(testFrame(1, 0))
	b.DeliverFrame(testFrame(2, 10_000))

	select {
	case <-fence.Done():
		t.Fatal("fence signaled before a frame cleared the threshold")
	default:
	}

	// 30ms is the first frame with a >=16ms gap.
	b.DeliverFrame(testFrame(3, 30_000))
	select {
	case <-fence.Done():
	case <-time.After(time.Second):
		t.Fatal("fence not signaled by the matching delivery")
	}

	if !c.HasNewFrame() {
		t.Fatal("no ready frame after the matching delivery")
	}
	got, err := c.TakeFrame()
	if err != nil {
		t.Fatalf("TakeFrame failed: %v", err)
	}
	if got.BufferID != 3 {
		t.Errorf("delivered frame: got id %d, want 3", got.BufferID)
	}

	// No request is pending for the 60ms frame.
	b.DeliverFrame(testFrame(4, 60_000))

	consumed := dev.consumedIDs()
	want := []uint32{1, 2, 4}
	if len(consumed) != len(want) {
		t.Fatalf("device saw %v consumed, want %v", consumed, want)
	}
	for i := range want {
		if consumed[i] != want[i] {
			t.Fatalf("device saw %v consumed, want %v", consumed, want)
		}
	}

	if err := c.Release(got); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if ids := dev.consumedIDs(); ids[len(ids)-1] != 3 {
		t.Errorf("release did not return frame 3: %v", ids)
	}
	if live := b.Stats().LiveFrames; live != 0 {
		t.Errorf("tracker live records: got %d, want 0", live)
	}
}

func TestReadyReplacesReady(t *testing.T) {
	t.Parallel()
	dev := newFakeDevice()
	b := New(dev, nil)

	c, err := b.AttachClient(VersionLegacy, 1, nil)
	if err != nil {
		t.Fatalf("AttachClient failed: %v", err)
	}
	if err := c.StartStream(); err != nil {
		t.Fatalf("StartStream failed: %v", err)
	}

	for i := uint32(1); i <= 3; i++ {
		b.DeliverFrame(testFrame(i, int64(i)*33_000))
		if !c.HasNewFrame() {
			t.Fatalf("no ready frame after delivery %d", i)
		}
	}

	consumed := dev.consumedIDs()
	if len(consumed) != 2 || consumed[0] != 1 || consumed[1] != 2 {
		t.Fatalf("evicted frames: got %v, want [1 2]", consumed)
	}

	got, err := c.TakeFrame()
	if err != nil {
		t.Fatalf("TakeFrame failed: %v", err)
	}
	if got.BufferID != 3 {
		t.Errorf("ready frame: got id %d, want 3", got.BufferID)
	}
	if st := c.stats(false); st.Dropped != 2 {
		t.Errorf("dropped count: got %d, want 2", st.Dropped)
	}
}

func TestHeldAndReadyCoexist(t *testing.T) {
	t.Parallel()
	dev := newFakeDevice()
	b := New(dev, nil)

	c, err := b.AttachClient(VersionLegacy, 2, nil)
	if err != nil {
		t.Fatalf("AttachClient failed: %v", err)
	}
	if err := c.StartStream(); err != nil {
		t.Fatalf("StartStream failed: %v", err)
	}

	b.DeliverFrame(testFrame(1, 33_000))
	held, err := c.TakeFrame()
	if err != nil {
		t.Fatalf("TakeFrame failed: %v", err)
	}
	if held.BufferID != 1 {
		t.Fatalf("held frame: got id %d, want 1", held.BufferID)
	}

	b.DeliverFrame(testFrame(2, 66_000))
	b.DeliverFrame(testFrame(3, 99_000))

	// Frame 2 was displaced from the ready slot by frame 3.
	consumed := dev.consumedIDs()
	if len(consumed) != 1 || consumed[0] != 2 {
		t.Fatalf("displaced frames: got %v, want [2]", consumed)
	}

	if err := c.Release(held); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	got, err := c.TakeFrame()
	if err != nil {
		t.Fatalf("TakeFrame after release failed: %v", err)
	}
	if got.BufferID != 3 {
		t.Errorf("second take: got id %d, want 3", got.BufferID)
	}
	if c.HasNewFrame() {
		t.Error("ready slot should be empty after the take")
	}
}

func TestMasterArbitration(t *testing.T) {
	t.Parallel()
	dev := newFakeDevice()
	dev.params[camera.ParamBrightness] = 50
	b := New(dev, nil)

	sink1 := &recordingSink{}
	sink2 := &recordingSink{}
	c1, err := b.AttachClient(VersionPaced, 1, sink1)
	if err != nil {
		t.Fatalf("attach c1: %v", err)
	}
	c2, err := b.AttachClient(VersionPaced, 1, sink2)
	if err != nil {
		t.Fatalf("attach c2: %v", err)
	}

	if err := c1.SetMaster(); err != nil {
		t.Fatalf("c1 SetMaster: %v", err)
	}
	if err := c2.SetMaster(); !errors.Is(err, camera.ErrOwnershipLost) {
		t.Fatalf("c2 SetMaster: got %v, want ErrOwnershipLost", err)
	}

	if err := c2.ForceMaster(); err != nil {
		t.Fatalf("c2 ForceMaster: %v", err)
	}
	if !sink1.sawKind(camera.EventMasterReleased) {
		t.Error("displaced master did not observe MASTER_RELEASED")
	}

	// Denied write still reads the current value back.
	got, err := c1.SetIntParameter(camera.ParamBrightness, 99)
	if !errors.Is(err, camera.ErrInvalidArg) {
		t.Fatalf("non-master set: got %v, want ErrInvalidArg", err)
	}
	if got != 50 {
		t.Errorf("denied set read-back: got %d, want 50", got)
	}

	applied, err := c2.SetIntParameter(camera.ParamBrightness, 80)
	if err != nil {
		t.Fatalf("master set: %v", err)
	}
	if applied != 80 {
		t.Errorf("applied value: got %d, want 80", applied)
	}
	for i, sink := range []*recordingSink{sink1, sink2} {
		if !sink.sawKind(camera.EventParameterChanged) {
			t.Errorf("client %d did not observe PARAMETER_CHANGED", i+1)
		}
	}

	if err := c1.UnsetMaster(); !errors.Is(err, camera.ErrInvalidArg) {
		t.Errorf("non-owner release: got %v, want ErrInvalidArg", err)
	}
	if err := c2.UnsetMaster(); err != nil {
		t.Errorf("owner release: %v", err)
	}
	if !sink2.sawKind(camera.EventMasterReleased) {
		t.Error("release was not broadcast")
	}
}

func TestDetachDuringPendingRequest(t *testing.T) {
	t.Parallel()
	dev := newFakeDevice()
	b := New(dev, nil)

	c1, err := b.AttachClient(VersionPaced, 2, nil)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if err := c1.StartStream(); err != nil {
		t.Fatalf("start: %v", err)
	}

	fence := c1.RequestFrame(0)
	b.DetachClient(c1)

	select {
	case <-fence.Done():
	case <-time.After(time.Second):
		t.Fatal("detach did not signal the pending fence")
	}

	// The next delivery finds no live request and returns the frame.
	b.DeliverFrame(testFrame(7, 100_000))
	consumed := dev.consumedIDs()
	if len(consumed) != 1 || consumed[0] != 7 {
		t.Fatalf("undelivered frame not returned: %v", consumed)
	}

	if got := dev.lastPoolSize(); got != 1 {
		t.Errorf("pool after detach: got %d, want 1 (clamp)", got)
	}
	if n := b.ClientCount(); n != 0 {
		t.Errorf("client count after detach: got %d, want 0", n)
	}
}

func TestStreamStopConvergence(t *testing.T) {
	t.Parallel()
	dev := newFakeDevice()
	b := New(dev, nil)

	sinks := make([]*recordingSink, 3)
	clients := make([]*VirtualCamera, 3)
	for i := range clients {
		sinks[i] = &recordingSink{}
		c, err := b.AttachClient(VersionPaced, 1, sinks[i])
		if err != nil {
			t.Fatalf("attach %d: %v", i, err)
		}
		if err := c.StartStream(); err != nil {
			t.Fatalf("start %d: %v", i, err)
		}
		clients[i] = c
	}
	if dev.started != 1 {
		t.Fatalf("device started %d times, want 1", dev.started)
	}

	for _, c := range clients {
		c.StopStreamBlocking()
	}

	dev.mu.Lock()
	stopped := dev.stopped
	dev.mu.Unlock()
	if stopped != 1 {
		t.Fatalf("device stopped %d times, want exactly 1", stopped)
	}
	for i, sink := range sinks {
		if !sink.sawKind(camera.EventStreamStopped) {
			t.Errorf("client %d did not observe STREAM_STOPPED", i)
		}
	}
	if state := b.Stats().StreamState; state != "STOPPED" {
		t.Errorf("stream state: got %s, want STOPPED", state)
	}
}

func TestRoundTripRefcounts(t *testing.T) {
	t.Parallel()
	dev := newFakeDevice()
	b := New(dev, nil)

	const frames = 8
	clients := make([]*VirtualCamera, 2)
	for i := range clients {
		c, err := b.AttachClient(VersionPaced, 2, nil)
		if err != nil {
			t.Fatalf("attach %d: %v", i, err)
		}
		if err := c.StartStream(); err != nil {
			t.Fatalf("start %d: %v", i, err)
		}
		clients[i] = c
	}

	last := int64(-20_000)
	for i := 0; i < frames; i++ {
		for _, c := range clients {
			c.RequestFrame(last)
		}
		ts := int64(i) * 20_000
		b.DeliverFrame(testFrame(uint32(i+1), ts))
		last = ts

		for _, c := range clients {
			f, err := c.TakeFrame()
			if err != nil {
				t.Fatalf("frame %d not delivered: %v", i+1, err)
			}
			if err := c.Release(f); err != nil {
				t.Fatalf("release frame %d: %v", i+1, err)
			}
		}
	}

	if got := len(dev.consumedIDs()); got != frames {
		t.Errorf("device consumed %d frames, want %d", got, frames)
	}
	if live := b.Stats().LiveFrames; live != 0 {
		t.Errorf("live records after full round trip: got %d, want 0", live)
	}
}

func TestAttachFailsWhenPoolCannotGrow(t *testing.T) {
	t.Parallel()
	dev := newFakeDevice()
	dev.failSetMax = true
	b := New(dev, nil)

	if _, err := b.AttachClient(VersionPaced, 2, nil); !errors.Is(err, camera.ErrBufferNotAvailable) {
		t.Fatalf("attach: got %v, want ErrBufferNotAvailable", err)
	}
	if n := b.ClientCount(); n != 0 {
		t.Errorf("failed attach left %d clients in the set", n)
	}
}

func TestEventFanOutSurvivesSinkFailure(t *testing.T) {
	t.Parallel()
	dev := newFakeDevice()
	b := New(dev, nil)

	bad := &recordingSink{fail: true}
	good := &recordingSink{}
	if _, err := b.AttachClient(VersionPaced, 1, bad); err != nil {
		t.Fatalf("attach bad: %v", err)
	}
	if _, err := b.AttachClient(VersionPaced, 1, good); err != nil {
		t.Fatalf("attach good: %v", err)
	}

	b.Notify(camera.Event{Kind: camera.EventTimeout})
	if !good.sawKind(camera.EventTimeout) {
		t.Error("fan-out aborted by a failing sink")
	}
}

func TestDeferredRequestStaysFirstInLine(t *testing.T) {
	t.Parallel()
	dev := newFakeDevice()
	b := New(dev, nil)

	c, err := b.AttachClient(VersionPaced, 2, nil)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if err := c.StartStream(); err != nil {
		t.Fatalf("start: %v", err)
	}

	fence := c.RequestFrame(100_000)
	for i := 0; i < 5; i++ {
		// All inside the threshold: the request must survive each cycle.
		b.DeliverFrame(testFrame(uint32(i+1), 100_000+int64(i)*1_000))
	}
	select {
	case <-fence.Done():
		t.Fatal("fence signaled by frames inside the threshold")
	default:
	}

	b.DeliverFrame(testFrame(9, 130_000))
	select {
	case <-fence.Done():
	case <-time.After(time.Second):
		t.Fatal("deferred request never served")
	}
	got, err := c.TakeFrame()
	if err != nil {
		t.Fatalf("take: %v", err)
	}
	if got.BufferID != 9 {
		t.Errorf("served frame: got id %d, want 9", got.BufferID)
	}
}

func TestUnknownReturnedFrameIgnored(t *testing.T) {
	t.Parallel()
	dev := newFakeDevice()
	b := New(dev, nil)

	// Must not panic or reach the device.
	b.ReturnFrame(42)
	if len(dev.consumedIDs()) != 0 {
		t.Error("unknown id reached the device")
	}
}

func TestPoolSumsClientShares(t *testing.T) {
	t.Parallel()
	dev := newFakeDevice()
	b := New(dev, nil)

	var clients []*VirtualCamera
	for i, share := range []int{2, 3, 1} {
		c, err := b.AttachClient(VersionPaced, share, nil)
		if err != nil {
			t.Fatalf("attach %d: %v", i, err)
		}
		clients = append(clients, c)
	}
	if got := dev.lastPoolSize(); got != 6 {
		t.Errorf("pool size: got %d, want 6", got)
	}

	b.DetachClient(clients[1])
	if got := dev.lastPoolSize(); got != 3 {
		t.Errorf("pool size after detach: got %d, want 3", got)
	}
}

func TestFrameCallbackRefusalCountsAsNonAccept(t *testing.T) {
	t.Parallel()
	dev := newFakeDevice()
	b := New(dev, nil)

	c, err := b.AttachClient(VersionLegacy, 1, nil)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	c.SetFrameCallback(func(camera.Frame) error {
		return fmt.Errorf("transport down")
	})
	if err := c.StartStream(); err != nil {
		t.Fatalf("start: %v", err)
	}

	b.DeliverFrame(testFrame(1, 33_000))
	if c.HasNewFrame() {
		t.Error("refused delivery still landed in the ready slot")
	}
	consumed := dev.consumedIDs()
	if len(consumed) != 1 || consumed[0] != 1 {
		t.Errorf("refused frame not returned to the device: %v", consumed)
	}
}
