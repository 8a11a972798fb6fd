// Package convert holds the pixel-format conversion routines used when a
// capture format differs from the output format a stream was opened with.
// The routine for a stream is selected once, at stream start; an
// unsupported pair is a configuration error that fails the start.
package convert

import (
	"fmt"

	"github.com/openvio/facet/camera"
)

// Routine copies one captured image into the output layout. Strides are
// in bytes; width and height are in pixels.
type Routine func(dst []byte, dstStride int, src []byte, srcStride int, width, height int)

type pair struct {
	src uint32
	dst uint32
}

var routines = map[pair]Routine{
	{camera.FourCCYUYV, camera.FormatRGBA8888}:   YUYVToRGBA,
	{camera.FourCCYUYV, camera.FormatYCbCr422I}:  CopyPacked422,
	{camera.FourCCUYVY, camera.FormatYCbCr422I}:  UYVYToYCbCr422I,
	{camera.FourCCYUYV, camera.FormatYCrCb420SP}: YUYVToYCrCb420SP,
	{camera.FourCCNV21, camera.FormatYCrCb420SP}: CopySemiplanar420,
}

// For returns the conversion routine for the given capture fourcc and
// output format pair.
func For(srcFourCC, dstFormat uint32) (Routine, error) {
	r, ok := routines[pair{srcFourCC, dstFormat}]
	if !ok {
		return nil, fmt.Errorf("no conversion from %08x to format %d", srcFourCC, dstFormat)
	}
	return r, nil
}

func clamp(v int32) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}

// YUYVToRGBA expands packed 4:2:2 YUYV into 32-bit RGBA using BT.601
// integer coefficients. Two pixels are produced per macropixel.
func YUYVToRGBA(dst []byte, dstStride int, src []byte, srcStride int, width, height int) {
	for row := 0; row < height; row++ {
		in := src[row*srcStride:]
		out := dst[row*dstStride:]
		for col := 0; col < width; col += 2 {
			y0 := int32(in[col*2])
			u := int32(in[col*2+1]) - 128
			y1 := int32(in[col*2+2])
			v := int32(in[col*2+3]) - 128

			r := (91881 * v) >> 16
			g := (-22554*u - 46802*v) >> 16
			b := (116130 * u) >> 16

			o := out[col*4:]
			o[0] = clamp(y0 + r)
			o[1] = clamp(y0 + g)
			o[2] = clamp(y0 + b)
			o[3] = 0xff
			o[4] = clamp(y1 + r)
			o[5] = clamp(y1 + g)
			o[6] = clamp(y1 + b)
			o[7] = 0xff
		}
	}
}

// CopyPacked422 moves packed 4:2:2 data unchanged, honoring the strides.
// YUYV already matches the interleaved YCbCr 4:2:2 output layout.
func CopyPacked422(dst []byte, dstStride int, src []byte, srcStride int, width, height int) {
	rowBytes := width * 2
	for row := 0; row < height; row++ {
		copy(dst[row*dstStride:row*dstStride+rowBytes], src[row*srcStride:])
	}
}

// UYVYToYCbCr422I reorders UYVY macropixels into the YUYV byte order of
// the interleaved 4:2:2 output layout.
func UYVYToYCbCr422I(dst []byte, dstStride int, src []byte, srcStride int, width, height int) {
	for row := 0; row < height; row++ {
		in := src[row*srcStride:]
		out := dst[row*dstStride:]
		for col := 0; col < width*2; col += 4 {
			out[col] = in[col+1]
			out[col+1] = in[col]
			out[col+2] = in[col+3]
			out[col+3] = in[col+2]
		}
	}
}

// YUYVToYCrCb420SP converts packed 4:2:2 to the semiplanar 4:2:0 layout:
// a full-resolution Y plane followed by interleaved V/U at half vertical
// resolution. Chroma rows are taken from the even source rows.
func YUYVToYCrCb420SP(dst []byte, dstStride int, src []byte, srcStride int, width, height int) {
	chroma := dst[dstStride*height:]
	for row := 0; row < height; row++ {
		in := src[row*srcStride:]
		outY := dst[row*dstStride:]
		for col := 0; col < width; col++ {
			outY[col] = in[col*2]
		}
		if row%2 != 0 {
			continue
		}
		outC := chroma[(row/2)*dstStride:]
		for col := 0; col < width; col += 2 {
			outC[col] = in[col*2+3]   // V
			outC[col+1] = in[col*2+1] // U
		}
	}
}

// CopySemiplanar420 moves NV21 data unchanged; the capture layout already
// matches the semiplanar YCrCb 4:2:0 output.
func CopySemiplanar420(dst []byte, dstStride int, src []byte, srcStride int, width, height int) {
	for row := 0; row < height; row++ {
		copy(dst[row*dstStride:row*dstStride+width], src[row*srcStride:])
	}
	srcChroma := src[srcStride*height:]
	dstChroma := dst[dstStride*height:]
	for row := 0; row < height/2; row++ {
		copy(dstChroma[row*dstStride:row*dstStride+width], srcChroma[row*srcStride:])
	}
}
