package device

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/openvio/facet/broker"
	"github.com/openvio/facet/camera"
	"github.com/openvio/facet/convert"
)

// StreamSink receives the producer worker's output. DeliverFrame is
// invoked synchronously from the single producer goroutine; Notify
// carries stream events (STREAM_STOPPED after a stop completes).
type StreamSink = broker.StreamSink

type adapterState int

const (
	adapterStopped adapterState = iota
	adapterRunning
	adapterStopping
)

// Adapter owns one capture device. It converts each dequeued buffer into
// the stream's output format, hands it to the sink, and recycles capture
// buffers when the sink reports them consumed. All methods are safe for
// concurrent use.
type Adapter struct {
	log *slog.Logger
	cap Capture
	id  string

	mu        sync.Mutex
	state     adapterState
	lost      bool
	stopped   chan struct{} // closed when the producer worker exits
	sink      StreamSink
	bufCount  int
	outFormat uint32

	fourcc    uint32
	width     uint32
	height    uint32
	srcStride uint32

	dstStride   int
	outBuffers  [][]byte // one per capture buffer, index-aligned
	outstanding []bool // capture index delivered and not yet consumed
}

// NewAdapter wraps a raw capture driver. If log is nil, slog.Default()
// is used.
func NewAdapter(id string, cap Capture, log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		log:      log.With("component", "device-adapter", "device", id),
		cap:      cap,
		id:       id,
		bufCount: 1,
	}
}

// ID returns the device identifier carried on every frame.
func (a *Adapter) ID() string { return a.id }

// Open acquires the device and negotiates the requested geometry. The
// output format is fixed here; the conversion routine for it is selected
// at stream start.
func (a *Adapter) Open(name string, width, height, outFormat uint32) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.cap.Open(name, width, height); err != nil {
		return fmt.Errorf("%w: open %s: %w", camera.ErrUnderlyingService, name, err)
	}
	a.fourcc, a.width, a.height, a.srcStride = a.cap.Format()
	if a.width != width || a.height != height {
		a.cap.Close()
		return fmt.Errorf("%w: device negotiated %dx%d, wanted %dx%d",
			camera.ErrInvalidArg, a.width, a.height, width, height)
	}
	a.outFormat = outFormat
	a.log.Info("device opened", "width", a.width, "height", a.height, "fourcc", a.fourcc)
	return nil
}

// SetMaxFramesInFlight records the requested capture buffer allocation.
// While stopped the new count takes effect on the next start; the sample
// drivers this adapter targets cannot grow the pool mid-stream, so a
// request while running is applied on the next start as well.
func (a *Adapter) SetMaxFramesInFlight(n int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.lost {
		return camera.ErrOwnershipLost
	}
	if n < 1 {
		return fmt.Errorf("%w: requested %d buffers", camera.ErrBufferNotAvailable, n)
	}
	a.bufCount = n
	return nil
}

// StartStream selects the conversion routine, maps the capture buffers,
// and spawns the producer worker. An unsupported capture/output format
// pair is a configuration error and nothing is started.
func (a *Adapter) StartStream(sink StreamSink) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.lost {
		return camera.ErrOwnershipLost
	}
	if a.state != adapterStopped {
		return camera.ErrStreamAlreadyRunning
	}

	conv, err := convert.For(a.fourcc, a.outFormat)
	if err != nil {
		return fmt.Errorf("%w: %w", camera.ErrInvalidArg, err)
	}

	if err := a.cap.RequestBuffers(a.bufCount); err != nil {
		return fmt.Errorf("%w: request %d buffers: %w", camera.ErrBufferNotAvailable, a.bufCount, err)
	}
	if err := a.cap.Start(); err != nil {
		return fmt.Errorf("%w: start capture: %w", camera.ErrUnderlyingService, err)
	}

	a.dstStride, a.outBuffers = a.allocateOutput(a.bufCount)
	a.outstanding = make([]bool, a.bufCount)
	a.sink = sink
	a.state = adapterRunning
	a.stopped = make(chan struct{})

	go a.produce(sink, conv)

	a.log.Info("stream started", "buffers", a.bufCount, "format", a.outFormat)
	return nil
}

// allocateOutput sizes one output buffer per capture buffer. Semiplanar
// 4:2:0 needs the extra half-height chroma plane.
func (a *Adapter) allocateOutput(n int) (int, [][]byte) {
	var stride int
	switch a.outFormat {
	case camera.FormatRGBA8888:
		stride = int(a.width) * 4
	case camera.FormatYCbCr422I:
		stride = int(a.width) * 2
	default:
		stride = int(a.width)
	}
	size := stride * int(a.height)
	if a.outFormat == camera.FormatYCrCb420SP {
		size += stride * int(a.height) / 2
	}

	buffers := make([][]byte, n)
	for i := range buffers {
		buffers[i] = make([]byte, size)
	}
	return stride, buffers
}

// produce is the dedicated producer worker: dequeue, convert, deliver.
// It exits when the capture layer reports stopped or the device is lost.
func (a *Adapter) produce(sink StreamSink, conv convert.Routine) {
	defer close(a.stopped)

	for {
		raw, err := a.cap.Dequeue()
		if err != nil {
			if errors.Is(err, ErrCaptureStopped) {
				return
			}
			a.mu.Lock()
			a.lost = errors.Is(err, ErrDeviceGone)
			a.mu.Unlock()
			a.log.Error("capture dequeue failed", "error", err)
			return
		}

		a.mu.Lock()
		if a.state != adapterRunning {
			// A stop raced the dequeue; hand the buffer straight back.
			a.cap.Requeue(raw.Index)
			a.mu.Unlock()
			continue
		}
		if a.outstanding[raw.Index] {
			a.log.Error("driver produced a buffer still marked outstanding", "index", raw.Index)
		}
		out := a.outBuffers[raw.Index]
		conv(out, a.dstStride, raw.Data, int(a.srcStride), int(a.width), int(a.height))
		a.outstanding[raw.Index] = true
		frame := camera.Frame{
			BufferID:  uint32(raw.Index),
			DeviceID:  a.id,
			Width:     a.width,
			Height:    a.height,
			Stride:    uint32(a.dstStride),
			Format:    a.outFormat,
			Timestamp: raw.Timestamp,
			Handle:    out,
		}
		a.mu.Unlock()

		sink.DeliverFrame(frame)
	}
}

// StopStream signals the worker and blocks until it has exited and the
// capture layer has stopped. Calling it while a stop is already in
// progress (or no stream is running) fails with a logged error.
func (a *Adapter) StopStream() error {
	a.mu.Lock()
	if a.state != adapterRunning {
		a.mu.Unlock()
		a.log.Error("stopStream called while not running")
		return camera.ErrInvalidArg
	}
	a.state = adapterStopping
	sink := a.sink
	stopped := a.stopped
	a.mu.Unlock()

	if err := a.cap.Stop(); err != nil {
		a.log.Error("capture stop failed", "error", err)
	}
	<-stopped

	if err := a.cap.RequestBuffers(0); err != nil {
		a.log.Error("releasing capture buffers failed", "error", err)
	}

	a.mu.Lock()
	a.state = adapterStopped
	a.sink = nil
	a.mu.Unlock()

	a.log.Info("stream stopped")
	if sink != nil {
		sink.Notify(camera.Event{Kind: camera.EventStreamStopped})
	}
	return nil
}

// MarkFrameConsumed re-queues the capture buffer behind the delivered
// frame id so the driver can refill it.
func (a *Adapter) MarkFrameConsumed(bufferID uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()

	idx := int(bufferID)
	if idx >= len(a.outstanding) || !a.outstanding[idx] {
		a.log.Error("consumed notification for unknown buffer", "id", bufferID)
		return
	}
	a.outstanding[idx] = false
	if a.state == adapterStopped {
		// Capture buffers were released with the stream.
		return
	}
	if err := a.cap.Requeue(idx); err != nil {
		a.log.Error("requeue failed", "index", idx, "error", err)
	}
}

// GetParameter reads an integer control.
func (a *Adapter) GetParameter(id camera.Param) (int32, error) {
	cid, ok := paramCID[id]
	if !ok {
		return 0, camera.ErrInvalidArg
	}
	a.mu.Lock()
	lost := a.lost
	a.mu.Unlock()
	if lost {
		return 0, camera.ErrOwnershipLost
	}
	v, err := a.cap.GetControl(cid)
	if err != nil {
		return 0, fmt.Errorf("%w: get %s: %w", camera.ErrUnderlyingService, id, err)
	}
	return v, nil
}

// SetParameter writes an integer control and returns the value the
// driver actually applied (drivers round to their step size).
func (a *Adapter) SetParameter(id camera.Param, value int32) (int32, error) {
	cid, ok := paramCID[id]
	if !ok {
		return 0, camera.ErrInvalidArg
	}
	a.mu.Lock()
	lost := a.lost
	a.mu.Unlock()
	if lost {
		return 0, camera.ErrOwnershipLost
	}
	applied, err := a.cap.SetControl(cid, value)
	if err != nil {
		return 0, fmt.Errorf("%w: set %s: %w", camera.ErrUnderlyingService, id, err)
	}
	return applied, nil
}

// GetParameterRange queries the valid values of an integer control.
func (a *Adapter) GetParameterRange(id camera.Param) (camera.ParamRange, error) {
	cid, ok := paramCID[id]
	if !ok {
		return camera.ParamRange{}, camera.ErrInvalidArg
	}
	min, max, step, err := a.cap.QueryControl(cid)
	if err != nil {
		return camera.ParamRange{}, fmt.Errorf("%w: query %s: %w", camera.ErrUnderlyingService, id, err)
	}
	return camera.ParamRange{Min: min, Max: max, Step: step}, nil
}

// Close stops any running stream and releases the device.
func (a *Adapter) Close() error {
	a.mu.Lock()
	running := a.state == adapterRunning
	a.mu.Unlock()
	if running {
		a.StopStream()
	}
	return a.cap.Close()
}

// V4L2 control ids for the closed parameter set.
const (
	cidBrightness       = 0x00980900
	cidContrast         = 0x00980901
	cidAutoWhiteBalance = 0x0098090c
	cidWhiteBalanceTemp = 0x0098091a
	cidSharpness        = 0x0098091b
	cidExposureAuto     = 0x009a0901
	cidExposureAbsolute = 0x009a0902
	cidFocusAbsolute    = 0x009a090a
	cidFocusAuto        = 0x009a090c
	cidZoomAbsolute     = 0x009a090d
)

var paramCID = map[camera.Param]uint32{
	camera.ParamBrightness:              cidBrightness,
	camera.ParamContrast:                cidContrast,
	camera.ParamAutoWhiteBalance:        cidAutoWhiteBalance,
	camera.ParamWhiteBalanceTemperature: cidWhiteBalanceTemp,
	camera.ParamSharpness:               cidSharpness,
	camera.ParamAutoExposure:            cidExposureAuto,
	camera.ParamAbsoluteExposure:        cidExposureAbsolute,
	camera.ParamAutoFocus:               cidFocusAuto,
	camera.ParamAbsoluteFocus:           cidFocusAbsolute,
	camera.ParamAbsoluteZoom:            cidZoomAbsolute,
}
