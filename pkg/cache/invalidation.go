package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dukex/nodeflow/pkg/eventbus"
	"github.com/dukex/nodeflow/pkg/models"
)

const (
	// InvalidationChannel is shared by every cache of every process.
	InvalidationChannel = "nodeflow.invalidation"

	// TokenAll invalidates every entry of a tag.
	TokenAll = "ALL"

	DefaultReconnectBackoff = 5 * time.Second
	DefaultPublishTimeout   = 5 * time.Second
)

var ErrMalformedInvalidation = errors.New("malformed invalidation message")

// Invalidator is implemented by every cache that reacts to invalidations.
type Invalidator interface {
	Invalidate(rowKey string)
	InvalidateAll()
}

// FormatInvalidation renders "<TAG> <rowKey|ALL>".
func FormatInvalidation(tag models.EntityTag, token string) string {
	return string(tag) + " " + token
}

func ParseInvalidation(msg string) (models.EntityTag, string, error) {
	tag, token, ok := strings.Cut(strings.TrimSpace(msg), " ")
	if !ok || token == "" || strings.ContainsRune(token, ' ') {
		return "", "", fmt.Errorf("%w: %q", ErrMalformedInvalidation, msg)
	}

	if !models.EntityTag(tag).Valid() {
		return "", "", fmt.Errorf("%w: unknown tag %q", ErrMalformedInvalidation, tag)
	}

	return models.EntityTag(tag), token, nil
}

// InvalidationPublisher emits invalidations without blocking the write that
// caused them. Failures are logged and otherwise ignored.
type InvalidationPublisher struct {
	bus     eventbus.Bus
	channel string
	timeout time.Duration
	logger  *slog.Logger
	wg      sync.WaitGroup
}

func NewInvalidationPublisher(bus eventbus.Bus, logger *slog.Logger) *InvalidationPublisher {
	return &InvalidationPublisher{
		bus:     bus,
		channel: InvalidationChannel,
		timeout: DefaultPublishTimeout,
		logger:  logger.With("module", "invalidation_publisher"),
	}
}

// Publish sends one message per token.
func (p *InvalidationPublisher) Publish(ctx context.Context, tag models.EntityTag, tokens ...string) {
	for _, token := range tokens {
		msg := FormatInvalidation(tag, token)

		p.wg.Add(1)

		go func() {
			defer p.wg.Done()

			pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
			defer cancel()

			err := p.bus.Publish(pubCtx, p.channel, []byte(msg))
			if err != nil {
				p.logger.WarnContext(pubCtx, "failed to publish invalidation", "message", msg, "error", err)

				return
			}

			p.logger.DebugContext(pubCtx, "published invalidation", "message", msg)
		}()
	}
}

// Wait blocks until every in-flight publish has finished.
func (p *InvalidationPublisher) Wait() {
	p.wg.Wait()
}

// InvalidationSubscriber listens on the invalidation channel and routes each
// message to the caches registered for its tag. Transport failures are
// retried with a fixed backoff until Stop is called or the context ends.
type InvalidationSubscriber struct {
	bus     eventbus.Bus
	channel string
	backoff time.Duration
	logger  *slog.Logger

	mu           sync.RWMutex
	invalidators map[models.EntityTag][]Invalidator
	cancel       context.CancelFunc

	stopped   atomic.Bool
	ready     chan struct{}
	readyOnce sync.Once
}

func NewInvalidationSubscriber(bus eventbus.Bus, backoff time.Duration, logger *slog.Logger) *InvalidationSubscriber {
	if backoff <= 0 {
		backoff = DefaultReconnectBackoff
	}

	return &InvalidationSubscriber{
		bus:          bus,
		channel:      InvalidationChannel,
		backoff:      backoff,
		logger:       logger.With("module", "invalidation_subscriber"),
		invalidators: map[models.EntityTag][]Invalidator{},
		ready:        make(chan struct{}),
	}
}

func (s *InvalidationSubscriber) Register(tag models.EntityTag, invalidator Invalidator) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.invalidators[tag] = append(s.invalidators[tag], invalidator)
}

// Ready is closed once the first subscription is established.
func (s *InvalidationSubscriber) Ready() <-chan struct{} {
	return s.ready
}

// Run blocks until Stop is called or ctx is done.
func (s *InvalidationSubscriber) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	if s.stopped.Load() {
		return nil
	}

	for !s.stopped.Load() && ctx.Err() == nil {
		sub, err := s.bus.Subscribe(ctx, s.channel)
		if err != nil {
			s.logger.WarnContext(ctx, "failed to subscribe, retrying", "error", err, "backoff", s.backoff)
			s.sleep(ctx)

			continue
		}

		s.readyOnce.Do(func() { close(s.ready) })
		s.logger.InfoContext(ctx, "listening for invalidations", "channel", s.channel)

		s.consume(ctx, sub)

		subErr := sub.Err()
		_ = sub.Close()

		if s.stopped.Load() || ctx.Err() != nil {
			break
		}

		s.logger.WarnContext(ctx, "invalidation subscription lost, reconnecting", "error", subErr, "backoff", s.backoff)
		s.sleep(ctx)
	}

	s.logger.InfoContext(ctx, "invalidation subscriber stopped")

	return nil
}

func (s *InvalidationSubscriber) consume(ctx context.Context, sub eventbus.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-sub.Messages():
			if !ok {
				return
			}

			s.Dispatch(ctx, payload)
		}
	}
}

func (s *InvalidationSubscriber) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(s.backoff):
	}
}

// Stop ends Run at its next check.
func (s *InvalidationSubscriber) Stop() {
	s.stopped.Store(true)

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.cancel != nil {
		s.cancel()
	}
}

// Dispatch applies one invalidation message.
func (s *InvalidationSubscriber) Dispatch(ctx context.Context, payload []byte) {
	tag, token, err := ParseInvalidation(string(payload))
	if err != nil {
		s.logger.WarnContext(ctx, "ignoring invalidation", "error", err)

		return
	}

	s.mu.RLock()
	targets := s.invalidators[tag]
	s.mu.RUnlock()

	if len(targets) == 0 {
		s.logger.DebugContext(ctx, "no cache registered for tag", "tag", tag)

		return
	}

	for _, target := range targets {
		if token == TokenAll {
			target.InvalidateAll()
		} else {
			target.Invalidate(token)
		}
	}
}
