// Package capture turns the current frame of an image source into an encoded
// JPEG payload. The pipeline owns its source for the whole session and is the
// only component allowed to release it.
package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"math"
	"sync"
)

// ErrSourceUnavailable means no source is attached, permission was denied, or the
// source has not produced a frame yet.
var ErrSourceUnavailable = errors.New("image source unavailable")

// Source yields the most recent frame of an image source.
type Source interface {
	Frame(ctx context.Context) (image.Image, error)
	Close() error
}

// Pipeline encodes frames from an attached Source on demand.
type Pipeline struct {
	mu       sync.Mutex
	source   Source
	released bool
}

// NewPipeline returns a pipeline with src attached. src may be nil.
func NewPipeline(src Source) *Pipeline {
	return &Pipeline{source: src}
}

// Attach replaces the current source. The previous source, if any, is closed.
func (p *Pipeline) Attach(src Source) error {
	p.mu.Lock()
	prev := p.source
	p.source = src
	p.released = false
	p.mu.Unlock()
	if prev != nil && prev != src {
		return prev.Close()
	}
	return nil
}

// Ready reports whether a source is attached.
func (p *Pipeline) Ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.source != nil && !p.released
}

// CaptureFrame JPEG-encodes the current frame. quality is a compression factor
// in (0, 1]; 0.7 is a cheap probe, 0.9 a terminal-decision frame.
func (p *Pipeline) CaptureFrame(ctx context.Context, quality float64) ([]byte, error) {
	p.mu.Lock()
	src := p.source
	released := p.released
	p.mu.Unlock()
	if src == nil || released {
		return nil, ErrSourceUnavailable
	}

	img, err := src.Frame(ctx)
	if err != nil {
		if errors.Is(err, ErrSourceUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality(quality)}); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return buf.Bytes(), nil
}

// Release stops the underlying device. Safe to call more than once.
func (p *Pipeline) Release() error {
	p.mu.Lock()
	src := p.source
	already := p.released
	p.released = true
	p.mu.Unlock()
	if src == nil || already {
		return nil
	}
	return src.Close()
}

// jpegQuality maps a (0, 1] factor onto the 1..100 scale of image/jpeg.
func jpegQuality(q float64) int {
	v := int(math.Round(q * 100))
	if v < 1 {
		return 1
	}
	if v > 100 {
		return 100
	}
	return v
}
