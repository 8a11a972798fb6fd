// Package device owns the physical capture side: the raw driver contract,
// the Adapter that runs the producer worker and parameter I/O on top of
// it, and discovery of capture nodes. The Adapter has no knowledge of
// clients; fan-out lives in the broker package.
package device

import "errors"

// RawBuffer is one dequeued capture buffer, still owned by the driver
// until Requeue is called for its index.
type RawBuffer struct {
	Index     int
	Data      []byte
	Timestamp int64 // microseconds
	Sequence  uint32
}

// ErrCaptureStopped is returned by Dequeue once Stop has been requested
// and the in-flight dequeue has drained.
var ErrCaptureStopped = errors.New("capture stopped")

// ErrDeviceGone is returned by the raw driver when the underlying device
// node disappears (unplug, driver reset). The Adapter reports this as an
// ownership-lost condition.
var ErrDeviceGone = errors.New("capture device gone")

// Capture is the raw V4L2-style driver contract the Adapter consumes.
// Implementations provide their own synchronization; Dequeue may block
// the calling goroutine inside a driver ioctl.
type Capture interface {
	// Open acquires the device and negotiates the capture geometry.
	Open(name string, width, height uint32) error

	// Format reports the negotiated capture format after Open.
	Format() (fourcc, width, height, stride uint32)

	// RequestBuffers maps n capture buffers. Only legal while stopped.
	RequestBuffers(n int) error

	// Start begins streaming; Stop ends it and makes pending Dequeue
	// calls return ErrCaptureStopped.
	Start() error
	Stop() error

	// Dequeue blocks until the driver produces a filled buffer.
	Dequeue() (RawBuffer, error)

	// Requeue returns the buffer at index to the driver for refill.
	Requeue(index int) error

	// Integer control I/O by driver control id.
	GetControl(cid uint32) (int32, error)
	SetControl(cid uint32, value int32) (int32, error)
	QueryControl(cid uint32) (min, max, step int32, err error)

	// Close releases the device and unmaps all buffers.
	Close() error
}
