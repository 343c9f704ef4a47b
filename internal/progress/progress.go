// Package progress delivers step-progress events emitted by running
// workflows to logs and to Redis pub/sub subscribers.
package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/orchestra/model"
)

// Publisher delivers one progress event. Implementations must be safe for
// concurrent use.
type Publisher interface {
	Publish(ctx context.Context, event model.StepProgress) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, event model.StepProgress) error

// Publish calls f(ctx, event).
func (f PublisherFunc) Publish(ctx context.Context, event model.StepProgress) error {
	return f(ctx, event)
}

// --- LogPublisher ---

// LogPublisher writes each event as a debug log line.
type LogPublisher struct {
	logger *zap.Logger
}

// NewLogPublisher creates a publisher that logs through logger.
func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	return &LogPublisher{logger: logger.Named("progress")}
}

// Publish logs the event.
func (p *LogPublisher) Publish(_ context.Context, event model.StepProgress) error {
	p.logger.Debug("step progress",
		zap.String("execution_id", event.ExecutionID),
		zap.String("workflow", event.WorkflowName),
		zap.String("correlation_id", event.CorrelationID),
		zap.String("step", event.StepName),
		zap.Int("step_index", event.StepIndex),
		zap.Int("current", event.Current),
		zap.Int("total", event.Total),
		zap.String("message", event.Message),
	)
	return nil
}

// --- RedisPublisher ---

// RedisPublisher publishes events as JSON on the channel
// "<prefix>:<workflow>".
type RedisPublisher struct {
	client redis.Cmdable
	prefix string
}

// NewRedisPublisher creates a Redis pub/sub publisher.
func NewRedisPublisher(client redis.Cmdable, prefix string) *RedisPublisher {
	return &RedisPublisher{client: client, prefix: prefix}
}

// Channel returns the channel name events for workflowName are published on.
func (p *RedisPublisher) Channel(workflowName string) string {
	return p.prefix + ":" + workflowName
}

// Publish marshals the event and publishes it.
func (p *RedisPublisher) Publish(ctx context.Context, event model.StepProgress) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal progress event: %w", err)
	}
	if err := p.client.Publish(ctx, p.Channel(event.WorkflowName), data).Err(); err != nil {
		return fmt.Errorf("redis publish %q: %w", p.Channel(event.WorkflowName), err)
	}
	return nil
}

// HealthCheck pings Redis.
func (p *RedisPublisher) HealthCheck(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// --- Fanout ---

// Fanout delivers each event to every publisher. One publisher failing does
// not stop delivery to the rest; all failures are joined.
type Fanout []Publisher

// Publish sends event to every publisher in order.
func (f Fanout) Publish(ctx context.Context, event model.StepProgress) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// --- Instrumentation ---

// Recorder counts published events.
type Recorder interface {
	RecordProgressEvent(workflow, publisher string, err error)
}

// Instrument wraps p so every publish is counted under name.
func Instrument(name string, p Publisher, rec Recorder) Publisher {
	if rec == nil {
		return p
	}
	return PublisherFunc(func(ctx context.Context, event model.StepProgress) error {
		err := p.Publish(ctx, event)
		rec.RecordProgressEvent(event.WorkflowName, name, err)
		return err
	})
}
