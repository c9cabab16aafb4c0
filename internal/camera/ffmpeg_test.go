package camera

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"strings"
	"testing"
)

func encodeTestJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{uint8(x), uint8(y), 0xFF, 0xFF})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatalf("jpeg.Encode failed: %v", err)
	}
	return buf.Bytes()
}

func TestJPEGScanner_SplitsFrames(t *testing.T) {
	frames := [][]byte{
		encodeTestJPEG(t, 16, 16),
		{0xFF, 0xD8, 0x01, 0xFF, 0x00, 0xFF, 0xFF, 0xD9},
		encodeTestJPEG(t, 32, 8),
	}

	var stream bytes.Buffer
	stream.WriteString("garbage before first frame")
	for _, f := range frames {
		stream.Write(f)
	}

	scanner := newJPEGScanner(&stream)
	for i, want := range frames {
		got, err := scanner.Next()
		if err != nil {
			t.Fatalf("Frame %d: Next failed: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("Frame %d: expected %d bytes, got %d", i, len(want), len(got))
		}
	}

	if _, err := scanner.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("Expected io.EOF at end of stream, got %v", err)
	}
}

func TestJPEGScanner_TruncatedFrame(t *testing.T) {
	frame := encodeTestJPEG(t, 16, 16)
	scanner := newJPEGScanner(bytes.NewReader(frame[:len(frame)/2]))

	if _, err := scanner.Next(); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("Expected io.ErrUnexpectedEOF, got %v", err)
	}
}

func TestJPEGProperties(t *testing.T) {
	props, err := jpegProperties(encodeTestJPEG(t, 64, 48), 15)
	if err != nil {
		t.Fatalf("jpegProperties failed: %v", err)
	}
	if props.Width != 64 || props.Height != 48 || props.FPS != 15 {
		t.Errorf("Unexpected properties: %+v", props)
	}

	if _, err := jpegProperties([]byte("not a jpeg"), 15); err == nil {
		t.Error("Expected error for invalid data")
	}
}

func TestTailBuffer(t *testing.T) {
	buf := newTailBuffer(8)
	_, _ = buf.Write([]byte("0123456789"))
	_, _ = buf.Write([]byte("ab"))

	if got := buf.String(); got != "456789ab" {
		t.Errorf("Expected tail 456789ab, got %q", got)
	}
}

func TestSourceArgs(t *testing.T) {
	local := NewLocalDeviceSource("ffmpeg", Descriptor{ID: "1", Kind: KindLocal, DeviceIndex: 2, Width: 640, Height: 480, FPS: 15})
	args := strings.Join(local.args(), " ")

	for _, want := range []string{"-f v4l2", "-framerate 15", "-video_size 640x480", "-i /dev/video2", "-vf hflip", "-f image2pipe"} {
		if !strings.Contains(args, want) {
			t.Errorf("Expected local args to contain %q: %s", want, args)
		}
	}
}
