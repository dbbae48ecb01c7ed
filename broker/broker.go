package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrRequestTimeout is returned when a Request exceeds its deadline without a
// correlated reply arriving. Callers should treat it as retryable.
var ErrRequestTimeout = errors.New("broker: request timed out waiting for reply")

// HandlerFunc processes one inbound message. The returned value is marshalled
// into the reply envelope when the sender asked for one, and discarded for
// fire-and-forget deliveries.
type HandlerFunc func(ctx context.Context, body json.RawMessage) (interface{}, error)

// Gateway defines the two primitives every inter-service call is expressed
// through: a blocking request/reply and a fire-and-forget emit.
type Gateway interface {
	// Request publishes payload on topic with a unique correlation token and
	// suspends the calling goroutine until a reply tagged with that token
	// arrives, or the timeout elapses (ErrRequestTimeout). Exactly one caller
	// receives each reply.
	Request(ctx context.Context, topic string, payload interface{}, timeout time.Duration) (json.RawMessage, error)
	// Emit publishes without waiting. The caller gets no acknowledgment of
	// delivery or of processing beyond the broker's own guarantees.
	Emit(topic string, payload interface{}) error
	Close()
}

// Consumer defines the receiving side. The topic-to-handler routing table is
// built explicitly at startup via Subscribe, then Start runs the consume
// loops until ctx is cancelled.
type Consumer interface {
	Subscribe(topic string, handler HandlerFunc) error
	Start(ctx context.Context) error
	Close()
}

// RemoteError carries a handler-side failure back to the requester.
type RemoteError struct {
	Topic   string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("broker: remote handler for %s failed: %s", e.Topic, e.Message)
}

// envelope is the reply wire frame: either Err or Response is populated.
type envelope struct {
	Err      string          `json:"err,omitempty"`
	Response json.RawMessage `json:"response,omitempty"`
}

func invoke(ctx context.Context, h HandlerFunc, body json.RawMessage) envelope {
	result, err := h(ctx, body)
	if err != nil {
		return envelope{Err: err.Error()}
	}
	marshalled, err := json.Marshal(result)
	if err != nil {
		return envelope{Err: err.Error()}
	}
	return envelope{Response: marshalled}
}

func (e *envelope) unwrap(topic string) (json.RawMessage, error) {
	if e.Err != "" {
		return nil, &RemoteError{Topic: topic, Message: e.Err}
	}
	return e.Response, nil
}
