package worker

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/andresmejia3/irisgate/internal/types"
	"github.com/andresmejia3/irisgate/internal/utils" // Using the SafeCommand wrapper
)

// Request opcodes understood by the Python worker.
const (
	OpDetect  byte = 0x01
	OpExtract byte = 0x02
)

const maxReplyBytes = 16 * 1024 * 1024

type PythonWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser

	mu sync.Mutex // one request in flight per process
}

func NewPythonWorker(ctx context.Context, id int, script string) (*PythonWorker, error) {
	// 1. Initialize the SafeCommand
	py := utils.NewSafeCommand(ctx, "python3", "-u", script)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close() // Prevent FD leak
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &PythonWorker{
		ID:       id,
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
	}, nil
}

// Communicate sends one request and returns the raw JSON reply.
func (w *PythonWorker) Communicate(op byte, data []byte) ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	// Protocol: [Length][Op][Data], Length counts the op byte
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data)+1)); err != nil {
		return nil, fmt.Errorf("worker %d write: %w", w.ID, err)
	}
	if _, err := w.Stdin.Write([]byte{op}); err != nil {
		return nil, fmt.Errorf("worker %d write: %w", w.ID, err)
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, fmt.Errorf("worker %d write: %w", w.ID, err)
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, fmt.Errorf("worker %d read: %w", w.ID, err) // This is where we catch a crashed interpreter
	}

	respLen := binary.BigEndian.Uint32(header)
	if respLen > maxReplyBytes {
		return nil, fmt.Errorf("worker %d reply too large: %d bytes", w.ID, respLen)
	}
	respBody := make([]byte, respLen)
	if _, err := io.ReadFull(w.DataPipe, respBody); err != nil {
		return nil, fmt.Errorf("worker %d read: %w", w.ID, err)
	}
	return respBody, nil
}

// Detect locates a face and eye in a JPEG frame.
func (w *PythonWorker) Detect(image []byte) (types.DetectionResult, error) {
	raw, err := w.Communicate(OpDetect, image)
	if err != nil {
		return types.DetectionResult{}, err
	}
	var res types.DetectionResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return types.DetectionResult{}, fmt.Errorf("decode detect reply: %w", err)
	}
	return res, nil
}

// ErrNoEye is returned by Extract when the worker found no eye to encode.
var ErrNoEye = errors.New("no eye detected")

// Extract returns the iris feature vector for a JPEG frame.
func (w *PythonWorker) Extract(image []byte) ([]float64, error) {
	raw, err := w.Communicate(OpExtract, image)
	if err != nil {
		return nil, err
	}
	var reply struct {
		types.Features
		types.ErrorResult
	}
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, fmt.Errorf("decode extract reply: %w", err)
	}
	if reply.Error != "" {
		return nil, fmt.Errorf("python worker error: %s", reply.Error)
	}
	if len(reply.Vec) == 0 {
		return nil, ErrNoEye
	}
	return reply.Vec, nil
}

func (w *PythonWorker) Close() error {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd == nil {
		return nil
	}
	return w.Cmd.Wait()
}

// Pool hands out workers one request at a time.
type Pool struct {
	idle    chan *PythonWorker
	workers []*PythonWorker
}

// NewPool starts n workers running script. Already started workers are closed
// if a later one fails.
func NewPool(ctx context.Context, n int, script string) (*Pool, error) {
	workers := make([]*PythonWorker, 0, n)
	for i := 0; i < n; i++ {
		w, err := NewPythonWorker(ctx, i, script)
		if err != nil {
			for _, started := range workers {
				started.Close()
			}
			return nil, err
		}
		workers = append(workers, w)
	}
	return NewPoolFrom(workers...), nil
}

// NewPoolFrom wraps existing workers.
func NewPoolFrom(workers ...*PythonWorker) *Pool {
	p := &Pool{idle: make(chan *PythonWorker, len(workers)), workers: workers}
	for _, w := range workers {
		p.idle <- w
	}
	return p
}

func (p *Pool) acquire(ctx context.Context) (*PythonWorker, error) {
	select {
	case w := <-p.idle:
		return w, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pool) release(w *PythonWorker) { p.idle <- w }

// Detect runs OpDetect on the next free worker.
func (p *Pool) Detect(ctx context.Context, image []byte) (types.DetectionResult, error) {
	w, err := p.acquire(ctx)
	if err != nil {
		return types.DetectionResult{}, err
	}
	defer p.release(w)
	return w.Detect(image)
}

// Extract runs OpExtract on the next free worker.
func (p *Pool) Extract(ctx context.Context, image []byte) ([]float64, error) {
	w, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer p.release(w)
	return w.Extract(image)
}

// Stderr returns the captured logs of every worker, for crash reports.
func (p *Pool) Stderr() string {
	var out string
	for _, w := range p.workers {
		if w.Cmd != nil && w.Cmd.Stderr.Len() > 0 {
			out += fmt.Sprintf("[worker %d]\n%s\n", w.ID, w.Cmd.Stderr.String())
		}
	}
	return out
}

// Close shuts down every worker.
func (p *Pool) Close() {
	for _, w := range p.workers {
		w.Close()
	}
}
