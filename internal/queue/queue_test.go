package queue

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

var errTransientTest = errors.New("transient test failure")

func startTestBroker(t *testing.T) (*EmbeddedServer, *Broker) {
	t.Helper()

	tempDir, err := os.MkdirTemp("", "queue-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tempDir) })

	srv, err := NewEmbeddedServer(EmbeddedServerConfig{
		Port:      14333,
		JetStream: true,
		DataDir:   filepath.Join(tempDir, "jetstream"),
	})
	if err != nil {
		t.Fatalf("failed to create embedded broker: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("failed to start embedded broker: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	broker, err := NewBroker(srv.URL())
	if err != nil {
		t.Fatalf("failed to connect broker client: %v", err)
	}
	t.Cleanup(broker.Close)

	return srv, broker
}

func TestBroker_EnqueueAndConsume(t *testing.T) {
	_, broker := startTestBroker(t)

	job := &Job{Kind: "research", SprintID: "sprint-1"}
	if err := broker.Enqueue(QueueResearch, job); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	received := make(chan *Job, 1)
	stop := make(chan struct{})
	go broker.Consume(QueueResearch, stop, func(j *Job, progress chan<- string) error {
		received <- j
		return nil
	})
	defer close(stop)

	select {
	case j := <-received:
		if j.SprintID != "sprint-1" {
			t.Errorf("expected sprint-1, got %s", j.SprintID)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("did not receive enqueued job")
	}
}

func TestBroker_RetryOnHandlerError(t *testing.T) {
	_, broker := startTestBroker(t)

	job := &Job{Kind: "planning", SprintID: "sprint-2"}
	if err := broker.Enqueue(QueuePlanning, job); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	attempts := make(chan int, 5)
	stop := make(chan struct{})
	go broker.Consume(QueuePlanning, stop, func(j *Job, progress chan<- string) error {
		attempts <- j.Attempt
		if j.Attempt < 2 {
			return errTransientTest
		}
		return nil
	})
	defer close(stop)

	seen := 0
	deadline := time.After(5 * time.Second)
	for seen < 2 {
		select {
		case <-attempts:
			seen++
		case <-deadline:
			t.Fatalf("expected at least 2 delivery attempts, saw %d", seen)
		}
	}
}

func TestBroker_PausedHandlerAcksWithoutRetry(t *testing.T) {
	_, broker := startTestBroker(t)

	job := &Job{Kind: "developer-task", SprintID: "sprint-3"}
	if err := broker.Enqueue(DeveloperQueue("dev-1"), job); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	attempts := make(chan int, 5)
	stop := make(chan struct{})
	go broker.Consume(DeveloperQueue("dev-1"), stop, func(j *Job, progress chan<- string) error {
		attempts <- j.Attempt
		return ErrPaused
	})
	defer close(stop)

	select {
	case <-attempts:
	case <-time.After(3 * time.Second):
		t.Fatal("expected the paused handler to be invoked once")
	}

	select {
	case n := <-attempts:
		t.Fatalf("expected no redelivery after ErrPaused, got a second attempt (attempt=%d)", n)
	case <-time.After(1 * time.Second):
		// Expected: ErrPaused acks the message, no backoff/retry.
	}
}

func TestDeveloperQueue_Name(t *testing.T) {
	if got := DeveloperQueue("dev-1"); got != "impl-dev-1" {
		t.Errorf("DeveloperQueue(dev-1) = %s, want impl-dev-1", got)
	}
}

func TestBackoff_GrowsAndCaps(t *testing.T) {
	if backoff(0) != 1*time.Second {
		t.Errorf("backoff(0) = %s, want 1s", backoff(0))
	}
	if backoff(10) != 5*time.Minute {
		t.Errorf("backoff(10) = %s, want cap of 5m", backoff(10))
	}
}
