package broker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	extErrors "github.com/pkg/errors"
	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

var _ Gateway = (*AMQPBroker)(nil)
var _ Consumer = (*AMQPBroker)(nil)

// AMQPBroker implements the messaging gateway over RabbitMQ. Topics map to
// durable queues on the default exchange. Replies travel through an exclusive
// auto-delete queue owned by this process, matched to waiting callers by
// correlation id.
type AMQPBroker struct {
	connection *amqp.Connection
	channel    *amqp.Channel
	logger     *zap.Logger

	replyQueue string

	pubMu    sync.Mutex // amqp.Channel is not safe for concurrent Publish
	mu       sync.Mutex
	pending  map[string]chan envelope
	handlers map[string]HandlerFunc
	declared map[string]bool
	started  bool
}

// NewAMQPBroker connects to RabbitMQ and begins consuming the reply queue.
func NewAMQPBroker(amqpURI string, logger *zap.Logger) (*AMQPBroker, error) {
	if logger == nil {
		return nil, extErrors.New("nil Logger is invalid")
	}
	amqpConn, err := amqp.Dial(amqpURI)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot connect to Message Broker")
	}
	amqpChan, err := amqpConn.Channel()
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot create broker channel")
	}
	b := &AMQPBroker{
		connection: amqpConn,
		channel:    amqpChan,
		logger:     logger,
		pending:    make(map[string]chan envelope),
		handlers:   make(map[string]HandlerFunc),
		declared:   make(map[string]bool),
	}
	if err := b.setupReplyQueue(); err != nil {
		return nil, extErrors.Wrap(err, "Cannot setup reply queue")
	}
	return b, nil
}

func (b *AMQPBroker) setupReplyQueue() error {
	q, err := b.channel.QueueDeclare(
		"",    // name (broker-generated)
		false, // durable
		true,  // auto-deleted
		true,  // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return err
	}
	b.replyQueue = q.Name
	msgChan, err := b.channel.Consume(
		q.Name,
		"",   // consumer tag
		true, // auto-ack: a lost reply degrades into a caller timeout
		true, // exclusive
		false,
		false,
		nil,
	)
	if err != nil {
		return err
	}
	go func() {
		for d := range msgChan {
			b.dispatchReply(d)
		}
	}()
	return nil
}

func (b *AMQPBroker) dispatchReply(d amqp.Delivery) {
	var env envelope
	if err := json.Unmarshal(d.Body, &env); err != nil {
		b.logger.Error("Cannot decode reply envelope",
			zap.String("CorrelationId", d.CorrelationId),
			zap.Error(err),
		)
		return
	}
	b.mu.Lock()
	waiter, ok := b.pending[d.CorrelationId]
	delete(b.pending, d.CorrelationId)
	b.mu.Unlock()
	if !ok {
		// late reply after the caller timed out
		b.logger.Warn("Discarding uncorrelated reply",
			zap.String("CorrelationId", d.CorrelationId),
		)
		return
	}
	waiter <- env
}

func (b *AMQPBroker) ensureQueue(topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.declared[topic] {
		return nil
	}
	_, err := b.channel.QueueDeclare(
		topic,
		true,  // durable
		false, // auto-deleted
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return err
	}
	b.declared[topic] = true
	return nil
}

func (b *AMQPBroker) publish(topic string, p amqp.Publishing) error {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	return b.channel.Publish(
		"", // default exchange routes by queue name
		topic,
		false,
		false,
		p,
	)
}

// Request implements Gateway.
func (b *AMQPBroker) Request(ctx context.Context, topic string, payload interface{}, timeout time.Duration) (json.RawMessage, error) {
	if err := b.ensureQueue(topic); err != nil {
		return nil, extErrors.Wrap(err, "Cannot declare topic queue")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot encode request payload")
	}

	corrID := uuid.New().String()
	waiter := make(chan envelope, 1)
	b.mu.Lock()
	b.pending[corrID] = waiter
	b.mu.Unlock()

	if err := b.publish(topic, amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: corrID,
		ReplyTo:       b.replyQueue,
		Body:          body,
	}); err != nil {
		b.mu.Lock()
		delete(b.pending, corrID)
		b.mu.Unlock()
		return nil, extErrors.Wrap(err, "Cannot publish request")
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		b.forget(corrID)
		return nil, ctx.Err()
	case <-timer.C:
		b.forget(corrID)
		return nil, ErrRequestTimeout
	case env := <-waiter:
		return env.unwrap(topic)
	}
}

func (b *AMQPBroker) forget(corrID string) {
	b.mu.Lock()
	delete(b.pending, corrID)
	b.mu.Unlock()
}

// Emit implements Gateway.
func (b *AMQPBroker) Emit(topic string, payload interface{}) error {
	if err := b.ensureQueue(topic); err != nil {
		return extErrors.Wrap(err, "Cannot declare topic queue")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return extErrors.Wrap(err, "Cannot encode emit payload")
	}
	if err := b.publish(topic, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	}); err != nil {
		return extErrors.Wrap(err, "Cannot publish emit")
	}
	return nil
}

// Subscribe implements Consumer. Must be called before Start.
func (b *AMQPBroker) Subscribe(topic string, handler HandlerFunc) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return extErrors.New("Cannot subscribe after consumer has started")
	}
	if _, ok := b.handlers[topic]; ok {
		return extErrors.Errorf("Duplicate handler for topic %s", topic)
	}
	b.handlers[topic] = handler
	return nil
}

// Start implements Consumer: one consume loop per subscribed topic, one
// goroutine per delivery so slow handlers do not block unrelated messages.
func (b *AMQPBroker) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return extErrors.New("Consumer already started")
	}
	b.started = true
	handlers := make(map[string]HandlerFunc, len(b.handlers))
	for topic, h := range b.handlers {
		handlers[topic] = h
	}
	b.mu.Unlock()

	for topic, handler := range handlers {
		if err := b.ensureQueue(topic); err != nil {
			return extErrors.Wrapf(err, "Cannot declare queue for topic %s", topic)
		}
		msgChan, err := b.channel.Consume(
			topic,
			"",
			false, // manual ack
			false,
			false,
			false,
			nil,
		)
		if err != nil {
			return extErrors.Wrapf(err, "Cannot consume topic %s", topic)
		}
		go b.consumeLoop(ctx, topic, handler, msgChan)
	}
	return nil
}

func (b *AMQPBroker) consumeLoop(ctx context.Context, topic string, handler HandlerFunc, msgChan <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-msgChan:
			if !ok {
				return
			}
			go b.handleDelivery(ctx, topic, handler, d)
		}
	}
}

func (b *AMQPBroker) handleDelivery(ctx context.Context, topic string, handler HandlerFunc, d amqp.Delivery) {
	if !json.Valid(d.Body) {
		b.logger.Error("Dropping malformed message",
			zap.String("Topic", topic),
		)
		d.Nack(false, false)
		return
	}
	env := invoke(ctx, handler, d.Body)
	if env.Err != "" && d.ReplyTo == "" {
		// fire-and-forget handlers are terminal: log, never requeue, the
		// consumer loop must survive bad messages
		b.logger.Error("Handler failed for emitted message",
			zap.String("Topic", topic),
			zap.String("HandlerError", env.Err),
		)
	}
	if d.ReplyTo != "" {
		body, err := json.Marshal(&env)
		if err == nil {
			err = b.publish(d.ReplyTo, amqp.Publishing{
				ContentType:   "application/json",
				CorrelationId: d.CorrelationId,
				Body:          body,
			})
		}
		if err != nil {
			b.logger.Error("Cannot publish reply",
				zap.String("Topic", topic),
				zap.Error(err),
			)
		}
	}
	d.Ack(false)
}

// Close will close the channel and connection to release resources
func (b *AMQPBroker) Close() {
	b.channel.Close()
	b.connection.Close()
}
