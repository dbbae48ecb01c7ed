package broker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

var _ Gateway = (*MemoryBroker)(nil)
var _ Consumer = (*MemoryBroker)(nil)

// MemoryBroker wires both services through an in-process routing table. Used
// by tests and single-binary development setups; semantics match AMQPBroker:
// Request blocks on the handler's reply, Emit dispatches asynchronously and
// reports nothing back.
type MemoryBroker struct {
	logger *zap.Logger

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func NewMemoryBroker(logger *zap.Logger) (*MemoryBroker, error) {
	if logger == nil {
		return nil, extErrors.New("nil Logger is invalid")
	}
	return &MemoryBroker{
		logger:   logger,
		handlers: make(map[string]HandlerFunc),
	}, nil
}

func (b *MemoryBroker) handler(topic string) (HandlerFunc, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	h, ok := b.handlers[topic]
	if !ok {
		return nil, extErrors.Errorf("No handler subscribed to topic %s", topic)
	}
	return h, nil
}

// Request implements Gateway.
func (b *MemoryBroker) Request(ctx context.Context, topic string, payload interface{}, timeout time.Duration) (json.RawMessage, error) {
	h, err := b.handler(topic)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot encode request payload")
	}
	waiter := make(chan envelope, 1)
	go func() {
		waiter <- invoke(ctx, h, body)
	}()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, ErrRequestTimeout
	case env := <-waiter:
		return env.unwrap(topic)
	}
}

// Emit implements Gateway.
func (b *MemoryBroker) Emit(topic string, payload interface{}) error {
	h, err := b.handler(topic)
	if err != nil {
		return err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return extErrors.Wrap(err, "Cannot encode emit payload")
	}
	go func() {
		if env := invoke(context.Background(), h, body); env.Err != "" {
			b.logger.Error("Handler failed for emitted message",
				zap.String("Topic", topic),
				zap.String("HandlerError", env.Err),
			)
		}
	}()
	return nil
}

// Subscribe implements Consumer.
func (b *MemoryBroker) Subscribe(topic string, handler HandlerFunc) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.handlers[topic]; ok {
		return extErrors.Errorf("Duplicate handler for topic %s", topic)
	}
	b.handlers[topic] = handler
	return nil
}

// Start implements Consumer. Handlers are invoked inline, nothing to run.
func (b *MemoryBroker) Start(ctx context.Context) error {
	return nil
}

func (b *MemoryBroker) Close() {}
