package eventbus

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// ChannelMetadataKey carries the logical channel when several channels share one topic.
const ChannelMetadataKey = "nodeflow_channel"

const subscriptionBuffer = 64

type WatermillEventBus struct {
	publisher   message.Publisher
	subscriber  message.Subscriber
	sharedTopic string
}

type WatermillOption func(*WatermillEventBus)

// WithSharedTopic publishes every channel to topic and filters on the
// subscriber side. Used for brokers where a topic per workflow instance is
// too expensive, such as Kafka.
func WithSharedTopic(topic string) WatermillOption {
	return func(eb *WatermillEventBus) {
		eb.sharedTopic = topic
	}
}

func NewWatermillEventBus(pub message.Publisher, sub message.Subscriber, opts ...WatermillOption) *WatermillEventBus {
	eb := &WatermillEventBus{
		publisher:  pub,
		subscriber: sub,
	}

	for _, opt := range opts {
		opt(eb)
	}

	return eb
}

func (eb *WatermillEventBus) topic(channel string) string {
	if eb.sharedTopic != "" {
		return eb.sharedTopic
	}

	return channel
}

func (eb *WatermillEventBus) Publish(ctx context.Context, channel string, payload []byte) error {
	msg := message.NewMessage("msg-"+watermill.NewULID(), payload)
	msg.Metadata.Set(ChannelMetadataKey, channel)
	msg.SetContext(ctx)

	return eb.publisher.Publish(eb.topic(channel), msg)
}

func (eb *WatermillEventBus) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	messages, err := eb.subscriber.Subscribe(subCtx, eb.topic(channel))
	if err != nil {
		cancel()

		return nil, err
	}

	sub := &watermillSubscription{
		out:    make(chan []byte, subscriptionBuffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go sub.forward(subCtx, channel, messages)

	return sub, nil
}

func (eb *WatermillEventBus) Close() error {
	err := eb.publisher.Close()
	if err != nil {
		return err
	}

	return eb.subscriber.Close()
}

type watermillSubscription struct {
	out    chan []byte
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

func (s *watermillSubscription) forward(ctx context.Context, channel string, messages <-chan *message.Message) {
	defer close(s.done)
	defer close(s.out)

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				if ctx.Err() == nil {
					s.setErr(ErrBusClosed)
				}

				return
			}

			if msg.Metadata.Get(ChannelMetadataKey) != channel {
				msg.Ack()

				continue
			}

			select {
			case s.out <- msg.Payload:
				msg.Ack()
			case <-ctx.Done():
				msg.Nack()

				return
			}
		}
	}
}

func (s *watermillSubscription) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.err = err
}

func (s *watermillSubscription) Messages() <-chan []byte { return s.out }

func (s *watermillSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.err
}

func (s *watermillSubscription) Close() error {
	s.cancel()
	<-s.done

	return nil
}
