// Package capture implements recording.Camera with OpenCV through gocv.
package capture

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gocv.io/x/gocv"

	"github.com/user/fedlink/internal/recording"
)

const (
	DefaultFPS   = 20
	DefaultCodec = "MJPG"
)

var ErrNoFrame = errors.New("capture source returned no frame")

// Source is one opened camera. It is opened once per session and shared by
// every recording of the devices assigned to it.
type Source struct {
	index int
	fps   float64
	codec string

	mu  sync.Mutex
	cap *gocv.VideoCapture
}

var _ recording.Camera = (*Source)(nil)

// Open opens the camera at index.
func Open(index int, fps float64, codec string) (*Source, error) {
	if fps <= 0 {
		fps = DefaultFPS
	}
	if len(codec) != 4 {
		codec = DefaultCodec
	}
	vc, err := gocv.OpenVideoCapture(index)
	if err != nil {
		return nil, fmt.Errorf("open capture source %d: %w", index, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("open capture source %d: device not available", index)
	}
	return &Source{index: index, fps: fps, codec: codec, cap: vc}, nil
}

// NewClip creates the video file at path sized to the source's frames.
func (s *Source) NewClip(path string) (recording.Clip, error) {
	s.mu.Lock()
	w := int(s.cap.Get(gocv.VideoCaptureFrameWidth))
	h := int(s.cap.Get(gocv.VideoCaptureFrameHeight))
	s.mu.Unlock()
	if w == 0 || h == 0 {
		return nil, fmt.Errorf("capture source %d reports no frame size", s.index)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create video dir: %w", err)
	}
	writer, err := gocv.VideoWriterFile(path, s.codec, s.fps, w, h, true)
	if err != nil {
		return nil, fmt.Errorf("create video %s: %w", path, err)
	}
	return &clip{src: s, writer: writer, frame: gocv.NewMat()}, nil
}

// Close releases the camera.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cap.Close()
}

type clip struct {
	src    *Source
	writer *gocv.VideoWriter
	frame  gocv.Mat
}

func (c *clip) CaptureFrame() error {
	c.src.mu.Lock()
	ok := c.src.cap.Read(&c.frame)
	c.src.mu.Unlock()
	if !ok || c.frame.Empty() {
		return ErrNoFrame
	}
	return c.writer.Write(c.frame)
}

func (c *clip) Close() error {
	c.frame.Close()
	return c.writer.Close()
}
