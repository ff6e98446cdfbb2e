package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"math"
	"strings"
	"testing"
	"time"
)

// MockCloser wraps a bytes.Buffer to satisfy io.ReadCloser and io.WriteCloser interfaces.
// This allows us to use in-memory buffers as if they were OS Pipes.
type MockCloser struct {
	*bytes.Buffer
}

func (m *MockCloser) Close() error { return nil }

// newMockWorker returns a worker whose data pipe holds the given JSON replies.
func newMockWorker(replies ...string) (*PythonWorker, *MockCloser) {
	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}
	for _, r := range replies {
		binary.Write(dataPipeMock, binary.BigEndian, uint32(len(r)))
		dataPipeMock.WriteString(r)
	}
	// Cmd is nil because we aren't testing process management, just the protocol
	return &PythonWorker{ID: 1, Stdin: stdinMock, DataPipe: dataPipeMock}, stdinMock
}

func TestDetect(t *testing.T) {
	w, stdin := newMockWorker(`{"detected":true,"face":{"x":10,"y":10,"width":200,"height":200},"eye":{"x":40,"y":60,"width":30,"height":20},"eyeImage":"yv4="}`)

	inputFrame := []byte{0xDE, 0xAD, 0xBE, 0xEF} // Fake image bytes
	res, err := w.Detect(inputFrame)
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}

	// Verify Go sent [len][op][frame] TO Python
	sent := stdin.Bytes()
	if len(sent) != 4+1+len(inputFrame) {
		t.Fatalf("Expected %d bytes sent, got %d", 4+1+len(inputFrame), len(sent))
	}
	if n := binary.BigEndian.Uint32(sent[:4]); n != uint32(1+len(inputFrame)) {
		t.Errorf("Expected length header %d, got %d", 1+len(inputFrame), n)
	}
	if sent[4] != OpDetect {
		t.Errorf("Expected op %#x, got %#x", OpDetect, sent[4])
	}

	if !res.Present || res.EyeBox == nil || res.EyeBox.Width != 30 {
		t.Errorf("Unexpected detection %+v", res)
	}
	if !bytes.Equal(res.PreviewImage, []byte{0xCA, 0xFE}) {
		t.Errorf("Unexpected preview bytes %v", res.PreviewImage)
	}
}

func TestExtract(t *testing.T) {
	w, stdin := newMockWorker(`{"vec":[0.5,0.25,-1]}`)

	vec, err := w.Extract([]byte("frame"))
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if stdin.Bytes()[4] != OpExtract {
		t.Errorf("Expected extract op, got %#x", stdin.Bytes()[4])
	}
	// Use epsilon for float comparison
	if len(vec) != 3 || math.Abs(vec[0]-0.5) > 1e-9 {
		t.Errorf("Unexpected vector %v", vec)
	}
}

func TestExtract_Error(t *testing.T) {
	errMsg := "Python Exception: Import Error"
	w, _ := newMockWorker(`{"error":"` + errMsg + `"}`)

	_, err := w.Extract([]byte("frame"))
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if err.Error() != "python worker error: "+errMsg {
		t.Errorf("Expected error message '%s', got '%v'", "python worker error: "+errMsg, err)
	}
}

func TestExtract_NoEye(t *testing.T) {
	w, _ := newMockWorker(`{"vec":[]}`)
	if _, err := w.Extract([]byte("frame")); !errors.Is(err, ErrNoEye) {
		t.Errorf("Expected ErrNoEye, got %v", err)
	}
}

func TestCommunicate_Crash(t *testing.T) {
	// Empty data pipe: the interpreter died before replying.
	w, _ := newMockWorker()
	_, err := w.Communicate(OpDetect, []byte("frame"))
	if err == nil || !strings.Contains(err.Error(), "worker 1 read") {
		t.Errorf("Expected read error, got %v", err)
	}
}

func TestCommunicate_ReplyTooLarge(t *testing.T) {
	stdin := &MockCloser{Buffer: new(bytes.Buffer)}
	pipe := &MockCloser{Buffer: new(bytes.Buffer)}
	binary.Write(pipe, binary.BigEndian, uint32(maxReplyBytes+1))
	w := &PythonWorker{ID: 2, Stdin: stdin, DataPipe: pipe}

	if _, err := w.Communicate(OpExtract, nil); err == nil || !strings.Contains(err.Error(), "too large") {
		t.Errorf("Expected size error, got %v", err)
	}
}

func TestPool(t *testing.T) {
	w, _ := newMockWorker(`{"detected":false}`, `{"vec":[1]}`)
	p := NewPoolFrom(w)

	res, err := p.Detect(context.Background(), []byte("a"))
	if err != nil || res.Present {
		t.Fatalf("Unexpected detect result %+v, %v", res, err)
	}
	vec, err := p.Extract(context.Background(), []byte("b"))
	if err != nil || len(vec) != 1 {
		t.Fatalf("Unexpected extract result %v, %v", vec, err)
	}

	// Hold the only worker so the next request must wait.
	held, _ := p.acquire(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := p.Extract(ctx, []byte("c")); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline while pool is exhausted, got %v", err)
	}
	p.release(held)
}
