package camera

import "testing"

func TestMatchConfig(t *testing.T) {
	t.Parallel()

	available := []StreamConfig{
		{Width: 320, Height: 240, Format: FormatRGBA8888, Framerate: 30},
		{Width: 640, Height: 480, Format: FormatRGBA8888, Framerate: 30},
		{Width: 1280, Height: 720, Format: FormatRGBA8888, Framerate: 30},
		{Width: 640, Height: 480, Format: FormatYCbCr422I, Framerate: 30},
	}

	tests := []struct {
		name string
		want *StreamConfig
		out  StreamConfig
	}{
		{
			name: "nil request falls back to default",
			want: nil,
			out:  DefaultConfig,
		},
		{
			name: "exact match wins",
			want: &StreamConfig{Width: 640, Height: 480, Format: FormatYCbCr422I, Framerate: 30},
			out:  StreamConfig{Width: 640, Height: 480, Format: FormatYCbCr422I, Framerate: 30},
		},
		{
			name: "largest area within bounds",
			want: &StreamConfig{Width: 1024, Height: 600, Format: FormatRGBA8888, Framerate: 60},
			out:  StreamConfig{Width: 640, Height: 480, Format: FormatRGBA8888, Framerate: 30},
		},
		{
			name: "format mismatch falls back to default",
			want: &StreamConfig{Width: 640, Height: 480, Format: FormatYCrCb420SP, Framerate: 30},
			out:  DefaultConfig,
		},
		{
			name: "request smaller than anything available",
			want: &StreamConfig{Width: 160, Height: 120, Format: FormatRGBA8888, Framerate: 30},
			out:  DefaultConfig,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := MatchConfig(available, tt.want)
			if got != tt.out {
				t.Errorf("MatchConfig: got %+v, want %+v", got, tt.out)
			}
		})
	}
}

func TestEndMarker(t *testing.T) {
	t.Parallel()
	f := Frame{BufferID: 1}
	if !f.IsEndMarker() {
		t.Error("nil handle must mark end of stream")
	}
	f.Handle = make(Handle, 1)
	if f.IsEndMarker() {
		t.Error("frame with pixels is not an end marker")
	}
}

func TestEventKindNames(t *testing.T) {
	t.Parallel()
	if EventStreamStopped.String() != "STREAM_STOPPED" {
		t.Errorf("name: got %s", EventStreamStopped.String())
	}
	if EventKind(0xdead).Known() {
		t.Error("unknown kind reported as known")
	}
}

func TestParamSetClosed(t *testing.T) {
	t.Parallel()
	if len(Params()) != 10 {
		t.Errorf("parameter set size: got %d, want 10", len(Params()))
	}
	if Param(0).Valid() {
		t.Error("zero param must be invalid")
	}
	if !ParamAbsoluteZoom.Valid() {
		t.Error("ABSOLUTE_ZOOM must be valid")
	}
}
