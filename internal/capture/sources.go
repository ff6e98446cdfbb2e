package capture

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/png" // JPEG is registered by capture.go
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/andresmejia3/irisgate/internal/utils"
)

const megabyte = 1024 * 1024

// FileSource serves a single still image.
type FileSource struct {
	img image.Image
}

// OpenFile decodes a JPEG or PNG image from path.
func OpenFile(path string) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &FileSource{img: img}, nil
}

// NewImageSource wraps an in-memory image.
func NewImageSource(img image.Image) *FileSource {
	return &FileSource{img: img}
}

func (s *FileSource) Frame(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.img, nil
}

func (s *FileSource) Close() error { return nil }

// FFmpegSource reads a camera device through ffmpeg and keeps the newest frame.
type FFmpegSource struct {
	cmd    *utils.SafeCommand
	cancel context.CancelFunc
	log    *slog.Logger

	mu     sync.Mutex
	latest []byte
	err    error

	done      chan struct{}
	closeOnce sync.Once
}

// FFmpegOptions selects the ffmpeg input.
type FFmpegOptions struct {
	Format string // v4l2, avfoundation, dshow; empty for a recorded clip
	Device string
	Size   string
}

// OpenFFmpeg starts ffmpeg and begins collecting frames. The process is stopped
// on every error path before returning.
func OpenFFmpeg(ctx context.Context, opts FFmpegOptions, log *slog.Logger) (*FFmpegSource, error) {
	if log == nil {
		log = slog.Default()
	}
	if opts.Device == "" {
		return nil, fmt.Errorf("%w: no camera device configured", ErrSourceUnavailable)
	}

	ctx, cancel := context.WithCancel(ctx)
	cmd := utils.NewFFmpegCaptureCmd(ctx, opts.Format, opts.Device, opts.Size)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("%w: start ffmpeg: %v", ErrSourceUnavailable, err)
	}

	s := &FFmpegSource{
		cmd:    cmd,
		cancel: cancel,
		log:    log,
		done:   make(chan struct{}),
	}
	go s.readFrames(stdout)
	return s, nil
}

// readFrames splits the MJPEG stream and keeps only the most recent frame.
func (s *FFmpegSource) readFrames(stdout io.Reader) {
	defer close(s.done)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, megabyte), 16*megabyte)
	scanner.Split(utils.SplitJpeg)

	for scanner.Scan() {
		frame := append([]byte(nil), scanner.Bytes()...)
		s.mu.Lock()
		s.latest = frame
		s.mu.Unlock()
	}

	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	s.mu.Lock()
	s.err = err
	s.latest = nil
	s.mu.Unlock()
	s.log.Debug("camera stream ended", "error", err, "stderr", s.cmd.Stderr.String())
}

// Frame decodes the newest frame. It reports ErrSourceUnavailable before the
// first frame arrives and for good once the stream has ended.
func (s *FFmpegSource) Frame(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	data := s.latest
	streamErr := s.err
	s.mu.Unlock()

	if streamErr != nil {
		return nil, fmt.Errorf("%w: camera stream ended: %v", ErrSourceUnavailable, streamErr)
	}
	if data == nil {
		return nil, fmt.Errorf("%w: camera not ready", ErrSourceUnavailable)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode camera frame: %w", err)
	}
	return img, nil
}

// Command exposes the ffmpeg process so callers can dump its stderr on failure.
func (s *FFmpegSource) Command() *utils.SafeCommand { return s.cmd }

// Close stops ffmpeg and waits for the reader to drain.
func (s *FFmpegSource) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
		// Killed by cancel, so a non-nil Wait error is expected here.
		_ = s.cmd.Wait()
	})
	return nil
}
