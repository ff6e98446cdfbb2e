package server

import (
	"context"
	"image"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/andresmejia3/irisgate/internal/auth"
	"github.com/andresmejia3/irisgate/internal/capture"
	"github.com/andresmejia3/irisgate/internal/credential"
	"github.com/andresmejia3/irisgate/internal/session"
	"github.com/andresmejia3/irisgate/internal/token"
	"github.com/andresmejia3/irisgate/internal/transport"
	"github.com/andresmejia3/irisgate/internal/types"
)

// constAnalyzer sees an eye in every frame and always extracts the same vector.
type constAnalyzer struct{ vec []float64 }

func (a constAnalyzer) Detect(ctx context.Context, image []byte) (types.DetectionResult, error) {
	return types.DetectionResult{Present: true, EyeBox: &types.Rect{Width: 10, Height: 10}}, nil
}

func (a constAnalyzer) Extract(ctx context.Context, image []byte) ([]float64, error) {
	return a.vec, nil
}

func waitResult(t *testing.T, c *session.Client) session.Result {
	t.Helper()
	select {
	case r := <-c.Results():
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("No result from session")
	}
	return session.Result{}
}

func TestSessionAgainstServer(t *testing.T) {
	signer, err := token.NewSigner(testSecret, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(New(constAnalyzer{vec: []float64{0.6, 0.8}}, newFakeTemplates(), signer, Options{Logger: quiet}).Handler())
	defer srv.Close()

	store := credential.NewMemoryStore()
	pipeline := capture.NewPipeline(capture.NewImageSource(image.NewGray(image.Rect(0, 0, 16, 16))))
	c := session.New(session.Config{
		Endpoint: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		Identity: "alice",
		Interval: 50 * time.Millisecond,
		Logger:   quiet,
	}, transport.New(transport.Options{Logger: quiet}), pipeline, auth.NewIssuer(store, quiet))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	go c.Run(ctx)
	defer c.Close()

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		snap, err := c.Snapshot(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if snap.EyePresent() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Detection never reported an eye")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := c.Enroll(ctx); err != nil {
		t.Fatalf("Enroll failed: %v", err)
	}
	if r := waitResult(t, c); r.Err != nil || r.Kind != session.RequestEnroll {
		t.Fatalf("Unexpected enroll result %+v", r)
	}

	if err := c.Authenticate(ctx); err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	r := waitResult(t, c)
	if r.Err != nil || r.User == nil || r.User.Username != "alice" {
		t.Fatalf("Unexpected auth result %+v", r)
	}
	if r.Verdict == nil || r.Verdict.Percent == nil || *r.Verdict.Percent < 99.9 {
		t.Errorf("Expected ~100%% similarity, got %+v", r.Verdict)
	}

	raw, ok, _ := store.Get(ctx, credential.TokenKey)
	if !ok {
		t.Fatal("Credential was not stored")
	}
	if _, err := signer.Verify(raw); err != nil {
		t.Errorf("Stored credential does not verify: %v", err)
	}

	snap, _ := c.Snapshot(ctx)
	if !snap.Enrolled || snap.Busy() || snap.Status.Kind != session.KindSuccess {
		t.Errorf("Unexpected final snapshot %+v", snap)
	}
}
