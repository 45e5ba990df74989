package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

// setupNudgeConsumer subscribes to the job notification queue. Nudges are
// an optimization only: the store stays the single source of truth and the
// poll loop works identically without them.
func (w *Worker) setupNudgeConsumer() (<-chan amqp.Delivery, error) {
	deliveries, err := w.rabbitClient.Consume(w.workerID)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	w.logger.Info("Job nudge consumer started",
		slog.String("consumer_tag", w.workerID),
	)

	return deliveries, nil
}

// consumeNudges turns queue deliveries into "poll now" signals. The nudge
// channel holds one pending signal; extra nudges while a poll is already
// pending are dropped.
func (w *Worker) consumeNudges(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return

		case <-w.stopChan:
			return

		case delivery, ok := <-deliveries:
			if !ok {
				w.logger.Warn("Job nudge channel closed, relying on polling alone")
				return
			}

			var msg struct {
				JobID string `json:"job_id"`
			}
			if err := json.Unmarshal(delivery.Body, &msg); err != nil {
				w.logger.Error("Failed to parse nudge message",
					slog.String("error", err.Error()),
					slog.String("body", string(delivery.Body)),
				)
				if nackErr := delivery.Nack(false, false); nackErr != nil {
					w.logger.Error("Failed to NACK malformed nudge",
						slog.String("error", nackErr.Error()),
					)
				}
				continue
			}

			// Ack immediately: a lost nudge costs at most one poll interval.
			if err := delivery.Ack(false); err != nil {
				w.logger.Error("Failed to ACK nudge",
					slog.String("job_id", msg.JobID),
					slog.String("error", err.Error()),
				)
			}

			select {
			case w.nudgeChan <- struct{}{}:
				w.logger.Debug("Poll nudged",
					slog.String("job_id", msg.JobID),
				)
			default:
				// A poll is already pending.
			}
		}
	}
}
