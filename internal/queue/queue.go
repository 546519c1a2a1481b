// Package queue implements the Queue Broker Binding (spec.md §4.3):
// named durable queues backed by NATS JetStream, one per role plus one
// per configured developer slot, each with a single consumer and
// at-least-once delivery semantics.
package queue

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
)

// Names of the fixed role queues (spec.md §4.3 "Queue set"). Developer
// queues are named dynamically via DeveloperQueue.
const (
	QueueResearch = "research"
	QueuePlanning = "planning"
	QueueTesting  = "testing"
	QueueReview   = "review"
	QueuePRCreate = "pr-create"

	streamName = "SPRINTQUEUE"
)

// DeveloperQueue returns the subject/queue name for a developer slot.
func DeveloperQueue(slot string) string {
	return "impl-" + slot
}

// Job is the envelope carried on every queue (spec.md §4.6 "job
// envelope"). Kind identifies which role worker should claim it.
type Job struct {
	ID            string          `json:"id"`
	IdempotencyID string          `json:"idempotency_id"`
	Kind          string          `json:"kind"`
	SprintID      string          `json:"sprint_id"`
	TaskID        int             `json:"task_id,omitempty"`
	DeveloperSlot string          `json:"developer_slot,omitempty"`
	ReviewCycle   int             `json:"review_cycle,omitempty"`
	Attempt       int             `json:"attempt"`
	EnqueuedAt    time.Time       `json:"enqueued_at"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// Broker owns the JetStream stream backing every named queue and the
// subject-level idempotency bookkeeping used to dedupe retried
// enqueues (spec.md §4.3 "per-job idempotency key").
type Broker struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

// NewBroker connects to a NATS server and ensures the queue stream
// exists. url may point to an embedded or external server.
func NewBroker(url string) (*Broker, error) {
	nc, err := nats.Connect(url,
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[QUEUE] disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Printf("[QUEUE] reconnected to %s", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to queue broker: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	b := &Broker{nc: nc, js: js}
	if err := b.setupStream(); err != nil {
		nc.Close()
		return nil, err
	}
	return b, nil
}

func (b *Broker) setupStream() error {
	cfg := &nats.StreamConfig{
		Name:        streamName,
		Description: "sprint orchestrator role and developer job queues",
		Subjects:    []string{"queue.>"},
		Storage:     nats.FileStorage,
		Retention:   nats.WorkQueuePolicy,
		MaxAge:      7 * 24 * time.Hour,
	}

	_, err := b.js.StreamInfo(streamName)
	if err == nats.ErrStreamNotFound {
		log.Printf("[QUEUE] creating stream %s", streamName)
		_, err = b.js.AddStream(cfg)
		return err
	}
	if err != nil {
		return fmt.Errorf("stream info: %w", err)
	}
	_, err = b.js.UpdateStream(cfg)
	return err
}

func subject(queue string) string { return "queue." + queue }

// Enqueue publishes a job to the named queue. The job's IdempotencyID
// is carried as the JetStream Nats-Msg-Id header so a retried enqueue
// with the same id is deduplicated by the server rather than processed
// twice.
func (b *Broker) Enqueue(queueName string, job *Job) error {
	if job.ID == "" {
		job.ID = newID()
	}
	if job.IdempotencyID == "" {
		job.IdempotencyID = job.ID
	}
	job.EnqueuedAt = time.Now()

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	msg := nats.NewMsg(subject(queueName))
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, job.IdempotencyID)

	_, err = b.js.PublishMsg(msg)
	if err != nil {
		return fmt.Errorf("enqueue to %s: %w", queueName, err)
	}
	return nil
}

// Drain removes every waiting job for a sprint from every configured
// queue (spec.md §4.3 "Drain on cancel"). Already-delivered (in-flight)
// jobs are unaffected; their ack/nak proceeds normally.
func (b *Broker) Drain(queues []string, sprintID string) error {
	for _, q := range queues {
		consumer := consumerName(q)
		sub, err := b.js.PullSubscribe(subject(q), consumer, nats.ManualAck())
		if err != nil {
			continue
		}
		// Other sprints' jobs are held unacked until the queue is
		// exhausted, then nak'd back, so they do not hide later jobs.
		var others []*nats.Msg
		for {
			msgs, err := sub.Fetch(1, nats.MaxWait(50*time.Millisecond))
			if err != nil || len(msgs) == 0 {
				break
			}
			var job Job
			if json.Unmarshal(msgs[0].Data, &job) == nil && job.SprintID == sprintID {
				msgs[0].Ack()
				continue
			}
			others = append(others, msgs[0])
		}
		for _, m := range others {
			m.Nak()
		}
	}
	return nil
}

// Close releases the underlying NATS connection.
func (b *Broker) Close() {
	if b.nc != nil {
		b.nc.Close()
	}
}

func consumerName(queue string) string {
	return "worker-" + queue
}
