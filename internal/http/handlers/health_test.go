package handlers

import (
	"context"
	"testing"

	"github.com/SimonGino/video-processor/internal/scheduler"
)

func TestHealthHandler_GetHealth(t *testing.T) {
	handler := NewHealthHandler("1.0.0")

	output, err := handler.GetHealth(context.Background(), &HealthInput{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if output == nil {
		t.Fatal("expected non-nil output")
	}

	if output.Body.Status != "healthy" {
		t.Errorf("expected status 'healthy', got '%s'", output.Body.Status)
	}

	if output.Body.Version != "1.0.0" {
		t.Errorf("expected version '1.0.0', got '%s'", output.Body.Version)
	}

	if output.Body.Uptime == "" {
		t.Error("expected non-empty uptime")
	}

	if output.Body.Runtime.GoVersion == "" {
		t.Error("expected non-empty go version")
	}

	if output.Body.Runtime.Goroutines == 0 {
		t.Error("expected non-zero goroutine count")
	}

	if output.Body.CPUInfo.Cores == 0 {
		t.Error("expected non-zero CPU cores")
	}

	if output.Body.Checks["database"] != "unknown" {
		t.Errorf("expected database check 'unknown' without a db, got '%s'", output.Body.Checks["database"])
	}

	if output.Body.Checks["job_runner"] != "unknown" {
		t.Errorf("expected job_runner check 'unknown' without a runner, got '%s'", output.Body.Checks["job_runner"])
	}

	if output.Body.Disk != nil {
		t.Error("expected no disk info without a storage dir")
	}
}

func TestHealthHandler_GetHealth_WithStorageDir(t *testing.T) {
	handler := NewHealthHandler("1.0.0").WithStorageDir(t.TempDir())

	output, err := handler.GetHealth(context.Background(), &HealthInput{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if output.Body.Disk == nil {
		t.Fatal("expected disk info for the storage dir")
	}

	if output.Body.Disk.TotalGB <= 0 {
		t.Errorf("expected positive disk total, got %f", output.Body.Disk.TotalGB)
	}

	if output.Body.Disk.UsedPercent < 0 || output.Body.Disk.UsedPercent > 100 {
		t.Errorf("expected used percent within [0,100], got %f", output.Body.Disk.UsedPercent)
	}
}

func TestHealthHandler_GetHealth_WithRunner(t *testing.T) {
	jobRepo := newMockJobRepo()
	runner := scheduler.NewRunner(jobRepo, scheduler.NewExecutor(jobRepo, testLogger()), testLogger())
	handler := NewHealthHandler("1.0.0").WithRunner(runner)

	output, err := handler.GetHealth(context.Background(), &HealthInput{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if output.Body.Components.JobRunner.Status != "stopped" {
		t.Errorf("expected job runner 'stopped' before Start, got '%s'", output.Body.Components.JobRunner.Status)
	}

	if output.Body.Components.JobRunner.Workers == 0 {
		t.Error("expected non-zero worker count")
	}
}
