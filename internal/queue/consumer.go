package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

func newID() string { return uuid.New().String() }

// MaxAttempts bounds redelivery per spec.md §4.3 "bounded attempts".
const MaxAttempts = 5

// ErrPaused is a distinguished, non-failure sentinel a Handler returns
// to mean "this job cannot proceed right now because the sprint is
// paused, and has already been re-queued" (spec.md §4.6 Developer row:
// "if sprint is paused on entry, re-queue and raise a distinguished
// paused error that is not a failure"). The consumer acks the original
// delivery instead of nak'ing it, since nak/backoff/attempt-counting is
// for genuine failures and a pause is an expected, recoverable state.
var ErrPaused = errors.New("job paused, re-queued")

// backoff returns the delay before redelivery attempt n, growing
// exponentially and capped at five minutes.
func backoff(attempt int) time.Duration {
	d := time.Duration(1<<uint(attempt)) * time.Second
	if d > 5*time.Minute {
		d = 5 * time.Minute
	}
	return d
}

// Handler processes one job. Returning an error causes the job to be
// nak'd with backoff and retried, whatever the error kind; when the
// MaxAttempts-th delivery fails the job is terminated instead. ErrPaused
// is acked without a retry.
type Handler func(job *Job, progress chan<- string) error

// Consume starts a single blocking consumer goroutine-equivalent for
// queueName: spec.md §4.5 "Worker concurrency per queue is 1". Call in
// its own goroutine; it returns when stop is closed.
func (b *Broker) Consume(queueName string, stop <-chan struct{}, handle Handler) error {
	consumer := consumerName(queueName)
	sub, err := b.js.PullSubscribe(subject(queueName), consumer, nats.ManualAck(), nats.AckWait(2*time.Minute))
	if err != nil {
		return fmt.Errorf("pull subscribe %s: %w", queueName, err)
	}

	for {
		select {
		case <-stop:
			return nil
		default:
		}

		msgs, err := sub.Fetch(1, nats.MaxWait(2*time.Second))
		if err != nil {
			if err == nats.ErrTimeout {
				continue
			}
			log.Printf("[QUEUE] fetch error on %s: %v", queueName, err)
			continue
		}
		for _, msg := range msgs {
			b.process(queueName, msg, handle)
		}
	}
}

func (b *Broker) process(queueName string, msg *nats.Msg, handle Handler) {
	var job Job
	if err := json.Unmarshal(msg.Data, &job); err != nil {
		log.Printf("[QUEUE] malformed job on %s, dropping: %v", queueName, err)
		msg.Ack()
		return
	}

	meta, _ := msg.Metadata()
	if meta != nil {
		job.Attempt = int(meta.NumDelivered)
	}

	progress := make(chan string, 64)
	done := make(chan error, 1)
	go func() {
		done <- handle(&job, progress)
	}()

	for {
		select {
		case line, ok := <-progress:
			if !ok {
				progress = nil
				continue
			}
			log.Printf("[QUEUE] %s/%s progress: %s", queueName, job.ID, line)
		case err := <-done:
			if err == nil {
				msg.Ack()
				return
			}
			if errors.Is(err, ErrPaused) {
				log.Printf("[QUEUE] %s/%s paused, re-queued: %v", queueName, job.ID, err)
				msg.Ack()
				return
			}
			if job.Attempt >= MaxAttempts {
				log.Printf("[QUEUE] %s/%s exhausted %d attempts, dropping: %v", queueName, job.ID, job.Attempt, err)
				msg.Term()
				return
			}
			log.Printf("[QUEUE] %s/%s attempt %d failed, retrying after %s: %v",
				queueName, job.ID, job.Attempt, backoff(job.Attempt), err)
			msg.NakWithDelay(backoff(job.Attempt))
			return
		}
	}
}
