//go:build linux

package device

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// V4L2 ioctl requests (64-bit layouts).
const (
	vidiocQuerycap  = 0x80685600
	vidiocSFmt      = 0xc0d05605
	vidiocGFmt      = 0xc0d05604
	vidiocReqbufs   = 0xc0145608
	vidiocQuerybuf  = 0xc0585609
	vidiocQbuf      = 0xc058560f
	vidiocDqbuf     = 0xc0585611
	vidiocStreamon  = 0x40045612
	vidiocStreamoff = 0x40045613
	vidiocGCtrl     = 0xc008561b
	vidiocSCtrl     = 0xc008561c
	vidiocQueryctrl = 0xc0445624

	bufTypeVideoCapture = 1
	memoryMmap          = 1
	fieldNone           = 1

	capVideoCapture = 0x00000001
	capStreaming    = 0x04000000
)

type v4l2Capability struct {
	driver       [16]byte
	card         [32]byte
	busInfo      [32]byte
	version      uint32
	capabilities uint32
	deviceCaps   uint32
	reserved     [3]uint32
}

type v4l2PixFormat struct {
	width        uint32
	height       uint32
	pixelformat  uint32
	field        uint32
	bytesperline uint32
	sizeimage    uint32
	colorspace   uint32
	priv         uint32
	flags        uint32
	ycbcrEnc     uint32
	quantization uint32
	xferFunc     uint32
}

type v4l2Format struct {
	typ uint32
	_   [4]byte // union alignment
	pix v4l2PixFormat
	_   [152]byte // remainder of the 200-byte fmt union
}

type v4l2RequestBuffers struct {
	count        uint32
	typ          uint32
	memory       uint32
	capabilities uint32
	reserved     uint32
}

type v4l2Timecode struct {
	typ      uint32
	flags    uint32
	frames   uint8
	seconds  uint8
	minutes  uint8
	hours    uint8
	userbits [4]uint8
}

type v4l2Buffer struct {
	index     uint32
	typ       uint32
	bytesused uint32
	flags     uint32
	field     uint32
	_         [4]byte
	tvSec     int64
	tvUsec    int64
	timecode  v4l2Timecode
	sequence  uint32
	memory    uint32
	offset    uint32 // union m; mmap uses the offset member
	_         [4]byte
	length    uint32
	reserved2 uint32
	requestFd int32 // union with reserved
}

type v4l2Control struct {
	id    uint32
	value int32
}

type v4l2Queryctrl struct {
	id           uint32
	typ          uint32
	name         [32]byte
	minimum      int32
	maximum      int32
	step         int32
	defaultValue int32
	flags        uint32
	reserved     [2]uint32
}

// V4L2Capture implements Capture over the Linux V4L2 mmap streaming API.
type V4L2Capture struct {
	log      *slog.Logger
	fd       int
	format   v4l2PixFormat
	mappings [][]byte
	stopping atomic.Bool
}

// NewV4L2Capture returns an unopened V4L2 capture. If log is nil,
// slog.Default() is used.
func NewV4L2Capture(log *slog.Logger) *V4L2Capture {
	if log == nil {
		log = slog.Default()
	}
	return &V4L2Capture{log: log.With("component", "v4l2"), fd: -1}
}

func (c *V4L2Capture) ioctl(req uintptr, arg unsafe.Pointer) error {
	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(c.fd), req, uintptr(arg))
		if errno == 0 {
			return nil
		}
		if errno == unix.EINTR {
			continue
		}
		if errno == unix.ENODEV {
			return ErrDeviceGone
		}
		return errno
	}
}

// Open opens the device node, verifies streaming capture capability, and
// negotiates a YUYV format at the requested geometry. The driver may
// adjust the geometry; Format reports what was actually granted.
func (c *V4L2Capture) Open(name string, width, height uint32) error {
	fd, err := unix.Open(name, unix.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}
	c.fd = fd

	var caps v4l2Capability
	if err := c.ioctl(vidiocQuerycap, unsafe.Pointer(&caps)); err != nil {
		unix.Close(fd)
		c.fd = -1
		return fmt.Errorf("querycap: %w", err)
	}
	if caps.capabilities&capVideoCapture == 0 || caps.capabilities&capStreaming == 0 {
		unix.Close(fd)
		c.fd = -1
		return fmt.Errorf("%s cannot stream video capture", name)
	}

	var format v4l2Format
	format.typ = bufTypeVideoCapture
	format.pix.width = width
	format.pix.height = height
	format.pix.pixelformat = 'Y' | 'U'<<8 | 'Y'<<16 | 'V'<<24
	format.pix.field = fieldNone
	if err := c.ioctl(vidiocSFmt, unsafe.Pointer(&format)); err != nil {
		unix.Close(fd)
		c.fd = -1
		return fmt.Errorf("set format: %w", err)
	}
	if err := c.ioctl(vidiocGFmt, unsafe.Pointer(&format)); err != nil {
		unix.Close(fd)
		c.fd = -1
		return fmt.Errorf("get format: %w", err)
	}
	c.format = format.pix
	c.log.Info("device format negotiated",
		"width", c.format.width,
		"height", c.format.height,
		"stride", c.format.bytesperline)
	return nil
}

// Format reports the negotiated capture format.
func (c *V4L2Capture) Format() (fourcc, width, height, stride uint32) {
	return c.format.pixelformat, c.format.width, c.format.height, c.format.bytesperline
}

// RequestBuffers allocates and maps n driver buffers and queues them all.
func (c *V4L2Capture) RequestBuffers(n int) error {
	c.unmapAll()

	req := v4l2RequestBuffers{count: uint32(n), typ: bufTypeVideoCapture, memory: memoryMmap}
	if err := c.ioctl(vidiocReqbufs, unsafe.Pointer(&req)); err != nil {
		return fmt.Errorf("reqbufs(%d): %w", n, err)
	}
	if int(req.count) < n {
		return fmt.Errorf("driver granted %d of %d buffers", req.count, n)
	}

	c.mappings = make([][]byte, req.count)
	for i := range c.mappings {
		buf := v4l2Buffer{index: uint32(i), typ: bufTypeVideoCapture, memory: memoryMmap}
		if err := c.ioctl(vidiocQuerybuf, unsafe.Pointer(&buf)); err != nil {
			c.unmapAll()
			return fmt.Errorf("querybuf(%d): %w", i, err)
		}
		data, err := unix.Mmap(c.fd, int64(buf.offset), int(buf.length),
			unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			c.unmapAll()
			return fmt.Errorf("mmap buffer %d: %w", i, err)
		}
		c.mappings[i] = data
		if err := c.Requeue(i); err != nil {
			c.unmapAll()
			return err
		}
	}
	return nil
}

// Start begins streaming.
func (c *V4L2Capture) Start() error {
	c.stopping.Store(false)
	typ := uint32(bufTypeVideoCapture)
	if err := c.ioctl(vidiocStreamon, unsafe.Pointer(&typ)); err != nil {
		return fmt.Errorf("streamon: %w", err)
	}
	return nil
}

// Stop ends streaming. A Dequeue blocked in the driver returns
// ErrCaptureStopped once the stream is off.
func (c *V4L2Capture) Stop() error {
	c.stopping.Store(true)
	typ := uint32(bufTypeVideoCapture)
	if err := c.ioctl(vidiocStreamoff, unsafe.Pointer(&typ)); err != nil {
		return fmt.Errorf("streamoff: %w", err)
	}
	return nil
}

// Dequeue blocks in the driver until a filled buffer is available.
func (c *V4L2Capture) Dequeue() (RawBuffer, error) {
	buf := v4l2Buffer{typ: bufTypeVideoCapture, memory: memoryMmap}
	if err := c.ioctl(vidiocDqbuf, unsafe.Pointer(&buf)); err != nil {
		if c.stopping.Load() {
			return RawBuffer{}, ErrCaptureStopped
		}
		return RawBuffer{}, fmt.Errorf("dqbuf: %w", err)
	}
	return RawBuffer{
		Index:     int(buf.index),
		Data:      c.mappings[buf.index][:buf.bytesused],
		Timestamp: buf.tvSec*1_000_000 + buf.tvUsec,
		Sequence:  buf.sequence,
	}, nil
}

// Requeue hands the buffer at index back to the driver.
func (c *V4L2Capture) Requeue(index int) error {
	buf := v4l2Buffer{index: uint32(index), typ: bufTypeVideoCapture, memory: memoryMmap}
	if err := c.ioctl(vidiocQbuf, unsafe.Pointer(&buf)); err != nil {
		return fmt.Errorf("qbuf(%d): %w", index, err)
	}
	return nil
}

// GetControl reads an integer control value.
func (c *V4L2Capture) GetControl(cid uint32) (int32, error) {
	ctrl := v4l2Control{id: cid}
	if err := c.ioctl(vidiocGCtrl, unsafe.Pointer(&ctrl)); err != nil {
		return 0, fmt.Errorf("g_ctrl(%#x): %w", cid, err)
	}
	return ctrl.value, nil
}

// SetControl writes an integer control and reads back the applied value.
func (c *V4L2Capture) SetControl(cid uint32, value int32) (int32, error) {
	ctrl := v4l2Control{id: cid, value: value}
	if err := c.ioctl(vidiocSCtrl, unsafe.Pointer(&ctrl)); err != nil {
		return 0, fmt.Errorf("s_ctrl(%#x): %w", cid, err)
	}
	return c.GetControl(cid)
}

// QueryControl reports the valid range of an integer control.
func (c *V4L2Capture) QueryControl(cid uint32) (min, max, step int32, err error) {
	q := v4l2Queryctrl{id: cid}
	if err := c.ioctl(vidiocQueryctrl, unsafe.Pointer(&q)); err != nil {
		return 0, 0, 0, fmt.Errorf("queryctrl(%#x): %w", cid, err)
	}
	return q.minimum, q.maximum, q.step, nil
}

// Close releases the mappings and the device node.
func (c *V4L2Capture) Close() error {
	c.unmapAll()
	if c.fd >= 0 {
		err := unix.Close(c.fd)
		c.fd = -1
		return err
	}
	return nil
}

func (c *V4L2Capture) unmapAll() {
	for i, m := range c.mappings {
		if m != nil {
			unix.Munmap(m)
			c.mappings[i] = nil
		}
	}
	c.mappings = nil
}
