package storage

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNilStoreReportsNotConfigured(t *testing.T) {
	var s *Store
	ctx := context.Background()

	if _, err := s.InsertExecution(ctx, ExecutionRecord{}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("InsertExecution: expected ErrNotConfigured, got %v", err)
	}
	if _, err := s.ListRecentExecutions(ctx, 10); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("ListRecentExecutions: expected ErrNotConfigured, got %v", err)
	}
	if _, err := s.ListExecutionsBetween(ctx, time.Now().Add(-time.Hour), time.Now()); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("ListExecutionsBetween: expected ErrNotConfigured, got %v", err)
	}
	if _, _, err := s.TryAdvisoryLock(ctx, 1); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("TryAdvisoryLock: expected ErrNotConfigured, got %v", err)
	}
	if err := s.EnsureSchema(ctx); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("EnsureSchema: expected ErrNotConfigured, got %v", err)
	}
	s.Close()
}
