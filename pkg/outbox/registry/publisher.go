package registry

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/angelmondragon/keymarket-backend/pkg/config"
	"github.com/angelmondragon/keymarket-backend/pkg/db/models"
	"github.com/angelmondragon/keymarket-backend/pkg/enums"
	"github.com/angelmondragon/keymarket-backend/pkg/outbox"
	"github.com/angelmondragon/keymarket-backend/pkg/outbox/payloads"
	"github.com/google/uuid"
)

// EventDescriptor links an event type to its aggregate/topic/payload schema.
type EventDescriptor struct {
	EventType      enums.OutboxEventType
	AggregateType  enums.OutboxAggregateType
	Topic          string
	PayloadFactory func() any
}

// ResolvedEvent is the result of decoding an outbox row.
type ResolvedEvent struct {
	Descriptor EventDescriptor
	Envelope   outbox.PayloadEnvelope
	Payload    any
}

// EventRegistry maps each supported event type to its descriptor.
type EventRegistry struct {
	entries map[enums.OutboxEventType]EventDescriptor
}

// NonRetryableError signals the dispatcher should stop retrying a row.
type NonRetryableError struct {
	Err error
}

func (e NonRetryableError) Error() string {
	if e.Err == nil {
		return "non-retryable error"
	}
	return e.Err.Error()
}

func (e NonRetryableError) Unwrap() error {
	return e.Err
}

// NewNonRetryableError wraps an error to signal no retries.
func NewNonRetryableError(err error) NonRetryableError {
	return NonRetryableError{Err: err}
}

// NewEventRegistry routes order lifecycle events to the orders topic, review
// and override events to the audit topic, and cart housekeeping to the domain topic.
func NewEventRegistry(cfg config.PubSubConfig) (*EventRegistry, error) {
	switch {
	case cfg.OrdersTopic == "":
		return nil, fmt.Errorf("orders topic is required")
	case cfg.AuditTopic == "":
		return nil, fmt.Errorf("audit topic is required")
	case cfg.DomainTopic == "":
		return nil, fmt.Errorf("domain topic is required")
	}

	reg := &EventRegistry{entries: make(map[enums.OutboxEventType]EventDescriptor)}
	for _, desc := range []EventDescriptor{
		{enums.EventOrderCreated, enums.AggregateOrder, cfg.OrdersTopic, func() any { return &payloads.OrderCreatedEvent{} }},
		{enums.EventOrderPaid, enums.AggregateOrder, cfg.OrdersTopic, func() any { return &payloads.OrderPaidEvent{} }},
		{enums.EventOrderCancelled, enums.AggregateOrder, cfg.OrdersTopic, func() any { return &payloads.OrderCancelledEvent{} }},
		{enums.EventOrderTimedOut, enums.AggregateOrder, cfg.OrdersTopic, func() any { return &payloads.OrderCancelledEvent{} }},
		{enums.EventPaymentReplaced, enums.AggregatePayment, cfg.OrdersTopic, func() any { return &payloads.PaymentReplacedEvent{} }},
		{enums.EventOrderStatusOverridden, enums.AggregateOrder, cfg.AuditTopic, func() any { return &payloads.OrderStatusOverriddenEvent{} }},
		{enums.EventPaymentNeedsReview, enums.AggregatePayment, cfg.AuditTopic, func() any { return &payloads.PaymentNeedsReviewEvent{} }},
		{enums.EventCartRecovered, enums.AggregateCart, cfg.DomainTopic, func() any { return &payloads.CartRecoveredEvent{} }},
	} {
		reg.entries[desc.EventType] = desc
	}
	return reg, nil
}

// Topics lists every topic the registry may route to.
func (r *EventRegistry) Topics() []string {
	seen := map[string]struct{}{}
	var out []string
	for _, desc := range r.entries {
		if _, ok := seen[desc.Topic]; ok {
			continue
		}
		seen[desc.Topic] = struct{}{}
		out = append(out, desc.Topic)
	}
	return out
}

// Resolve validates the row and decodes its typed payload.
func (r *EventRegistry) Resolve(event models.OutboxEvent) (*ResolvedEvent, error) {
	desc, ok := r.entries[event.EventType]
	if !ok {
		return nil, NewNonRetryableError(fmt.Errorf("unsupported event type %s", event.EventType))
	}
	if desc.AggregateType != event.AggregateType {
		return nil, NewNonRetryableError(fmt.Errorf("aggregate mismatch: expected %s got %s", desc.AggregateType, event.AggregateType))
	}
	if event.AggregateID == uuid.Nil {
		return nil, NewNonRetryableError(fmt.Errorf("missing aggregate_id"))
	}

	var envelope outbox.PayloadEnvelope
	if err := json.Unmarshal(event.Payload, &envelope); err != nil {
		return nil, NewNonRetryableError(fmt.Errorf("decode envelope: %w", err))
	}
	trimmed := bytes.TrimSpace(envelope.Data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, NewNonRetryableError(fmt.Errorf("payload missing for %s", event.EventType))
	}

	payload := desc.PayloadFactory()
	if err := json.Unmarshal(envelope.Data, payload); err != nil {
		return nil, NewNonRetryableError(fmt.Errorf("decode %s payload: %w", event.EventType, err))
	}
	return &ResolvedEvent{Descriptor: desc, Envelope: envelope, Payload: payload}, nil
}
