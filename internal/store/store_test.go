package store

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestVecToString(t *testing.T) {
	tests := []struct {
		in   []float64
		want string
	}{
		{nil, "[]"},
		{[]float64{1}, "[1.000000]"},
		{[]float64{0.5, -0.25}, "[0.500000,-0.250000]"},
	}
	for _, tt := range tests {
		if got := vecToString(tt.in); got != tt.want {
			t.Errorf("vecToString(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// TestStoreIntegration runs a full integration test against a real Postgres container.
// It requires Docker to be running.
func TestStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	// Explicitly check for Docker availability and fail hard if missing
	// We wrap this in a function to recover from panics inside testcontainers (e.g. socket not found)
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("testcontainers panicked: %v", r)
			}
		}()
		_, err = testcontainers.NewDockerClientWithOpts(ctx)
		return
	}()
	if err != nil {
		t.Fatalf("Docker not available, cannot run integration test: %v", err)
	}

	// Start Postgres Container with pgvector
	pgContainer, err := postgres.Run(ctx, "pgvector/pgvector:pg16",
		postgres.WithDatabase("irisgate_test"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
		testcontainers.WithLogger(noopLogger{}),
	)
	if err != nil {
		t.Fatalf("Failed to start postgres container: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("Failed to terminate container: %v", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	// Initialize Store (runs migrations)
	s, err := New(ctx, connStr)
	if err != nil {
		t.Fatalf("Failed to connect to store: %v", err)
	}
	defer s.Close()

	// --- Test Scenarios ---

	vecA := make([]float64, 128)
	vecA[0] = 1.0 // Vector A points along X axis
	if err := s.UpsertTemplate(ctx, "alice", vecA); err != nil {
		t.Fatalf("UpsertTemplate failed: %v", err)
	}

	enrolled, err := s.HasTemplate(ctx, "alice")
	if err != nil || !enrolled {
		t.Fatalf("Expected alice enrolled, got %v (%v)", enrolled, err)
	}
	if enrolled, _ := s.HasTemplate(ctx, "bob"); enrolled {
		t.Error("bob should not be enrolled")
	}

	// Exact match
	sim, ok, err := s.Similarity(ctx, "alice", vecA)
	if err != nil || !ok {
		t.Fatalf("Similarity failed: ok=%v err=%v", ok, err)
	}
	if math.Abs(sim-1.0) > 1e-6 {
		t.Errorf("Expected similarity ~1.0, got %f", sim)
	}

	// Orthogonal vector
	vecB := make([]float64, 128)
	vecB[1] = 1.0
	sim, _, err = s.Similarity(ctx, "alice", vecB)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(sim) > 1e-6 {
		t.Errorf("Expected similarity ~0.0, got %f", sim)
	}

	// Unknown identity
	if _, ok, err := s.Similarity(ctx, "bob", vecA); err != nil || ok {
		t.Errorf("Expected no template for bob, ok=%v err=%v", ok, err)
	}

	if err := s.RecordAttempt(ctx, "alice", 1.0, true); err != nil {
		t.Fatalf("RecordAttempt failed: %v", err)
	}
	if err := s.RecordAttempt(ctx, "alice", 0.0, false); err != nil {
		t.Fatalf("RecordAttempt failed: %v", err)
	}

	// Re-enrollment replaces the template
	if err := s.UpsertTemplate(ctx, "alice", vecB); err != nil {
		t.Fatal(err)
	}
	sim, _, _ = s.Similarity(ctx, "alice", vecB)
	if math.Abs(sim-1.0) > 1e-6 {
		t.Errorf("Expected re-enrolled template to match vecB, got %f", sim)
	}

	templates, err := s.ListTemplates(ctx)
	if err != nil {
		t.Fatalf("ListTemplates failed: %v", err)
	}
	if len(templates) != 1 {
		t.Fatalf("Expected 1 template, got %d", len(templates))
	}
	if templates[0].Attempts != 2 || templates[0].Successes != 1 || templates[0].LastAttempt == nil {
		t.Errorf("Unexpected attempt counters %+v", templates[0])
	}
	if n, _ := s.CountTemplates(ctx); n != 1 {
		t.Errorf("Expected count 1, got %d", n)
	}

	deleted, err := s.DeleteTemplate(ctx, "alice")
	if err != nil || !deleted {
		t.Fatalf("DeleteTemplate failed: %v %v", deleted, err)
	}
	if deleted, _ := s.DeleteTemplate(ctx, "alice"); deleted {
		t.Error("Second delete should report nothing removed")
	}

	if err := s.Reset(ctx); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
}

type noopLogger struct{}

func (n noopLogger) Printf(format string, v ...interface{}) {}
