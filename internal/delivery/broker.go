// Package delivery moves task attempts between the controller and the
// workers: a watermill Pub/Sub broker with delayed publishing, a worker pool,
// the retry policy with dead-lettering and a sweeper for lost deliveries.
package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/hugo-lorenzo-mato/stepwise/internal/core"
	"github.com/hugo-lorenzo-mato/stepwise/internal/logging"
)

// DefaultTopic is the queue name used when none is configured.
const DefaultTopic = "stepwise.tasks"

// BrokerConfig configures a Broker.
type BrokerConfig struct {
	Topic string
	// Buffer is the output channel size of the subscription.
	Buffer int64
}

// Broker publishes deliveries on an in-process watermill topic. It
// implements core.Scheduler.
type Broker struct {
	pubsub *gochannel.GoChannel
	topic  string
	logger *logging.Logger

	subscribers atomic.Int32

	mu     sync.Mutex
	timers map[*time.Timer]core.Delivery
	closed bool
}

// NewBroker creates a broker.
func NewBroker(cfg BrokerConfig, logger *logging.Logger) *Broker {
	if logger == nil {
		logger = logging.NewNop()
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	pubsub := gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer:            cfg.Buffer,
			Persistent:                     false,
			BlockPublishUntilSubscriberAck: false,
		},
		watermill.NewSlogLogger(logger.Logger),
	)
	return &Broker{
		pubsub: pubsub,
		topic:  cfg.Topic,
		logger: logger,
		timers: make(map[*time.Timer]core.Delivery),
	}
}

// Topic returns the queue name.
func (b *Broker) Topic() string { return b.topic }

// Schedule publishes d, after d.Delay if set.
func (b *Broker) Schedule(_ context.Context, d core.Delivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return core.ErrState(core.CodeBrokerClosed, "broker is closed")
	}
	if d.Delay <= 0 {
		return b.publish(d)
	}

	var timer *time.Timer
	timer = time.AfterFunc(d.Delay, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.timers[timer]; !ok {
			return
		}
		delete(b.timers, timer)
		if err := b.publish(d); err != nil {
			b.logger.WithTask(string(d.TaskID)).Warn("delayed publish failed, sweeper will pick it up", "error", err)
		}
	})
	b.timers[timer] = d
	return nil
}

// Delayed returns the number of deliveries waiting for their delay.
func (b *Broker) Delayed() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.timers)
}

func (b *Broker) publish(d core.Delivery) error {
	payload, err := Encode(d)
	if err != nil {
		return err
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("task_id", string(d.TaskID))
	msg.Metadata.Set("retries", fmt.Sprint(d.Retries))
	if err := b.pubsub.Publish(b.topic, msg); err != nil {
		return fmt.Errorf("publishing delivery for task %s: %w", d.TaskID, err)
	}
	return nil
}

// Subscribe returns a channel of decoded deliveries. Messages are acked on
// receipt; a delivery lost after that is recovered by the sweeper. The
// channel is closed when ctx is done or the broker is closed.
func (b *Broker) Subscribe(ctx context.Context) (<-chan core.Delivery, error) {
	msgs, err := b.pubsub.Subscribe(ctx, b.topic)
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", b.topic, err)
	}

	out := make(chan core.Delivery)
	b.subscribers.Add(1)
	go func() {
		defer b.subscribers.Add(-1)
		defer close(out)
		for msg := range msgs {
			d, err := Decode(msg.Payload)
			msg.Ack()
			if err != nil {
				b.logger.Error("dropping malformed delivery", "message_id", msg.UUID, "error", err)
				continue
			}
			select {
			case out <- d:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Subscribers returns the number of live subscriptions. Deliveries
// published with none are dropped.
func (b *Broker) Subscribers() int { return int(b.subscribers.Load()) }

// Close stops pending delayed deliveries and closes the Pub/Sub.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	dropped := 0
	for t := range b.timers {
		if t.Stop() {
			dropped++
		}
		delete(b.timers, t)
	}
	b.mu.Unlock()

	if dropped > 0 {
		b.logger.Info("broker closed with delayed deliveries pending", "count", dropped)
	}
	return b.pubsub.Close()
}

// Encode serializes a delivery for the wire.
func Encode(d core.Delivery) ([]byte, error) {
	return json.Marshal(d)
}

// Decode parses a delivery and checks it names a task and workflow.
func Decode(payload []byte) (core.Delivery, error) {
	var d core.Delivery
	if err := json.Unmarshal(payload, &d); err != nil {
		return core.Delivery{}, core.ErrValidation(core.CodeMalformedDelivery, "decoding delivery").WithCause(err)
	}
	if d.TaskID == "" || d.WorkflowID == "" {
		return core.Delivery{}, core.ErrValidation(core.CodeMalformedDelivery, "delivery must name a task and a workflow")
	}
	return d, nil
}
