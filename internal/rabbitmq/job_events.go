package rabbitmq

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"empi/internal/model"
)

const (
	// DefaultExchange carries job lifecycle notifications.
	DefaultExchange = "empi.jobs"

	// SchedulerQueue is consumed by the matching scheduler to wake early
	// when a job is created.
	SchedulerQueue = "empi.jobs.scheduler"

	RoutingKeyJobCreated   = "job.created"
	RoutingKeyJobSucceeded = "job.succeeded"
	RoutingKeyJobFailed    = "job.failed"
)

// JobEvent is the notification payload published on job transitions.
type JobEvent struct {
	JobID     int64           `json:"job_id"`
	JobType   model.JobType   `json:"job_type"`
	Status    model.JobStatus `json:"status"`
	Reason    string          `json:"reason,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// JobNotifier publishes job lifecycle events. A nil notifier is valid
// and drops everything, so callers don't branch on broker availability.
type JobNotifier struct {
	client   Client
	exchange string
}

// NewJobNotifier declares the exchange and scheduler queue and returns
// the notifier.
func NewJobNotifier(client Client, exchange string) (*JobNotifier, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	if err := client.DeclareExchange(exchange, "topic"); err != nil {
		return nil, fmt.Errorf("declare job exchange: %w", err)
	}
	if _, err := client.DeclareQueue(SchedulerQueue); err != nil {
		return nil, fmt.Errorf("declare scheduler queue: %w", err)
	}
	if err := client.BindQueue(SchedulerQueue, exchange, RoutingKeyJobCreated); err != nil {
		return nil, fmt.Errorf("bind scheduler queue: %w", err)
	}
	return &JobNotifier{client: client, exchange: exchange}, nil
}

// Publish sends one job event. Failures are logged and swallowed: the
// scheduler's poll loop covers for lost notifications.
func (n *JobNotifier) Publish(routingKey string, ev JobEvent) {
	if n == nil {
		return
	}
	ev.Timestamp = time.Now()
	body, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal job event")
		return
	}
	if err := n.client.Publish(n.exchange, routingKey, body, nil); err != nil {
		log.Warn().
			Err(err).
			Str("routing_key", routingKey).
			Int64("job_id", ev.JobID).
			Msg("Failed to publish job event")
	}
}

// WakeChannel consumes the scheduler queue and converts deliveries into
// bare wake-up ticks.
func (n *JobNotifier) WakeChannel(consumerTag string) (<-chan struct{}, error) {
	if n == nil {
		return nil, nil
	}
	deliveries, err := n.client.Consume(SchedulerQueue, consumerTag)
	if err != nil {
		return nil, fmt.Errorf("consume scheduler queue: %w", err)
	}

	wake := make(chan struct{}, 1)
	go func() {
		defer close(wake)
		for range deliveries {
			select {
			case wake <- struct{}{}:
			default:
			}
		}
	}()
	return wake, nil
}
