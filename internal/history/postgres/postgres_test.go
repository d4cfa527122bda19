package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/simvisor/internal/history"
)

func TestPostgresSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	postgresContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}
	defer func() {
		if err := postgresContainer.Terminate(ctx); err != nil {
			t.Errorf("Failed to terminate PostgreSQL container: %v", err)
		}
	}()

	connStr, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	sink, err := New(connStr)
	if err != nil {
		t.Fatalf("Failed to create PostgreSQL sink: %v", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
	}()

	started := history.Event{
		Type:       history.EventSessionStarted,
		Kind:       "logcapture",
		SessionID:  "cap-1",
		Target:     "booted",
		OccurredAt: time.Now().UTC(),
	}
	if err := sink.Send(ctx, started); err != nil {
		t.Fatalf("Failed to send start event: %v", err)
	}
	stopped := started
	stopped.Type = history.EventSessionStopped
	stopped.Detail = "entries=3 dropped=0"
	stopped.OccurredAt = time.Now().UTC()
	if err := sink.Send(ctx, stopped); err != nil {
		t.Fatalf("Failed to send stop event: %v", err)
	}

	var count int
	err = sink.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM simvisor_history WHERE session_id = $1", "cap-1").Scan(&count)
	if err != nil {
		t.Fatalf("Failed to query simvisor_history: %v", err)
	}
	if count != 2 {
		t.Errorf("Expected 2 events in history, got %d", count)
	}
}

func TestPostgresSink_EmptyDSN(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Error("expected error for empty DSN")
	}
}
