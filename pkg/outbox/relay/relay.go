// Package relay drains committed outbox rows onto the message bus. Rows are
// delivered at least once; consumers dedupe on the envelope event id.
package relay

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/keymarket-backend/pkg/db/models"
	"github.com/angelmondragon/keymarket-backend/pkg/enums"
	"github.com/angelmondragon/keymarket-backend/pkg/logger"
	"github.com/angelmondragon/keymarket-backend/pkg/metrics"
	"github.com/angelmondragon/keymarket-backend/pkg/outbox/registry"
)

const (
	defaultBatchSize   = 50
	defaultPoll        = 500 * time.Millisecond
	defaultMaxAttempts = 10
	defaultSendTimeout = 15 * time.Second
	maxIdleBackoff     = 10 * time.Second
	jitterWindow       = 250 * time.Millisecond
)

// Message is what a Sink puts on the wire.
type Message struct {
	Data       []byte
	Attributes map[string]string
}

// Sink delivers one message to a topic and waits for the broker ack.
type Sink interface {
	Send(ctx context.Context, topic string, msg Message) error
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type rowStore interface {
	FetchUnpublishedForPublish(tx *gorm.DB, limit, maxAttempts int) ([]models.OutboxEvent, error)
	MarkPublishedTx(tx *gorm.DB, id uuid.UUID) error
	MarkFailedTx(tx *gorm.DB, id uuid.UUID, err error) error
	MarkTerminalTx(tx *gorm.DB, id uuid.UUID, err error, terminalAttempts int) error
}

type deadLetters interface {
	InsertTx(tx *gorm.DB, entry models.OutboxDLQ) error
}

type resolver interface {
	Resolve(models.OutboxEvent) (*registry.ResolvedEvent, error)
}

type Params struct {
	DB           txRunner
	Rows         rowStore
	DeadLetters  deadLetters
	Registry     resolver
	Sink         Sink
	Logger       *logger.Logger
	Metrics      *metrics.OutboxMetrics
	BatchSize    int
	MaxAttempts  int
	PollInterval time.Duration
	SendTimeout  time.Duration
}

// Relay moves outbox rows to the bus in created order, one batch per transaction.
type Relay struct {
	db          txRunner
	rows        rowStore
	dlq         deadLetters
	registry    resolver
	sink        Sink
	logg        *logger.Logger
	metrics     *metrics.OutboxMetrics
	batch       int
	maxAttempts int
	poll        time.Duration
	sendTimeout time.Duration
	now         func() time.Time
}

func New(p Params) (*Relay, error) {
	switch {
	case p.DB == nil:
		return nil, errors.New("transaction runner required")
	case p.Rows == nil:
		return nil, errors.New("outbox repository required")
	case p.DeadLetters == nil:
		return nil, errors.New("dlq repository required")
	case p.Registry == nil:
		return nil, errors.New("event registry required")
	case p.Sink == nil:
		return nil, errors.New("sink required")
	case p.Logger == nil:
		return nil, errors.New("logger required")
	}
	r := &Relay{
		db:          p.DB,
		rows:        p.Rows,
		dlq:         p.DeadLetters,
		registry:    p.Registry,
		sink:        p.Sink,
		logg:        p.Logger,
		metrics:     p.Metrics,
		batch:       orDefault(p.BatchSize, defaultBatchSize),
		maxAttempts: orDefault(p.MaxAttempts, defaultMaxAttempts),
		poll:        p.PollInterval,
		sendTimeout: p.SendTimeout,
		now:         func() time.Time { return time.Now().UTC() },
	}
	if r.poll <= 0 {
		r.poll = defaultPoll
	}
	if r.sendTimeout <= 0 {
		r.sendTimeout = defaultSendTimeout
	}
	return r, nil
}

// Run drains until ctx is canceled. A full batch is followed immediately by
// the next one; an empty or failed batch waits with jittered backoff.
func (r *Relay) Run(ctx context.Context) error {
	wait := r.poll
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := r.Drain(ctx)
		switch {
		case err != nil:
			r.logg.Error(ctx, "outbox.drain_failed", err)
			wait = min(wait*2, maxIdleBackoff)
		case n > 0:
			wait = r.poll
			continue
		default:
			wait = r.poll
		}

		if err := sleep(ctx, wait+rand.N(jitterWindow)); err != nil {
			return err
		}
	}
}

type verdict int

const (
	delivered verdict = iota
	retryLater
	deadLettered
)

func (v verdict) String() string {
	switch v {
	case delivered:
		return "delivered"
	case retryLater:
		return "retry"
	default:
		return "dead_lettered"
	}
}

// Drain handles one batch and reports how many rows it touched.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	var touched int
	err := r.db.WithTx(ctx, func(tx *gorm.DB) error {
		rows, err := r.rows.FetchUnpublishedForPublish(tx, r.batch, r.maxAttempts)
		if err != nil {
			return fmt.Errorf("fetch outbox rows: %w", err)
		}
		touched = len(rows)
		for _, row := range rows {
			if err := r.handle(ctx, tx, row); err != nil {
				return err
			}
		}
		return nil
	})
	return touched, err
}

func (r *Relay) handle(ctx context.Context, tx *gorm.DB, row models.OutboxEvent) error {
	rowCtx := r.logg.WithFields(ctx, map[string]any{
		"outbox_id":      row.ID.String(),
		"event_type":     string(row.EventType),
		"aggregate_type": string(row.AggregateType),
		"aggregate_id":   row.AggregateID.String(),
		"attempt_count":  row.AttemptCount,
	})

	topic, v, cause := r.deliver(rowCtx, row)
	r.metrics.ObservePublish(topic, v.String())

	switch v {
	case delivered:
		if err := r.rows.MarkPublishedTx(tx, row.ID); err != nil {
			return fmt.Errorf("mark published %s: %w", row.ID, err)
		}
		r.logg.Info(r.logg.WithField(rowCtx, "topic", topic), "outbox.published")
	case retryLater:
		r.logg.Warn(r.logg.WithField(rowCtx, "error", cause.Error()), "outbox.publish_retry")
		if err := r.rows.MarkFailedTx(tx, row.ID, cause); err != nil {
			return fmt.Errorf("mark failed %s: %w", row.ID, err)
		}
	case deadLettered:
		reason := enums.OutboxDLQReasonNonRetryable
		if !isNonRetryable(cause) {
			reason = enums.OutboxDLQReasonMaxAttempts
		}
		r.logg.Warn(r.logg.WithFields(rowCtx, map[string]any{
			"error":        cause.Error(),
			"error_reason": string(reason),
		}), "outbox.dead_lettered")
		msg := cause.Error()
		if err := r.dlq.InsertTx(tx, models.OutboxDLQ{
			EventID:       row.ID,
			EventType:     row.EventType,
			AggregateType: row.AggregateType,
			AggregateID:   row.AggregateID,
			Payload:       row.Payload,
			ErrorReason:   reason,
			ErrorMessage:  &msg,
			AttemptCount:  row.AttemptCount,
			FailedAt:      r.now(),
		}); err != nil {
			return fmt.Errorf("insert dlq %s: %w", row.ID, err)
		}
		if err := r.rows.MarkTerminalTx(tx, row.ID, cause, r.maxAttempts); err != nil {
			return fmt.Errorf("mark terminal %s: %w", row.ID, err)
		}
	}
	return nil
}

// deliver resolves and sends one row. Unroutable rows are dead-lettered at
// once; transport failures are retried until the attempt budget runs out.
func (r *Relay) deliver(ctx context.Context, row models.OutboxEvent) (string, verdict, error) {
	resolved, err := r.registry.Resolve(row)
	if err != nil {
		return "", deadLettered, registry.NewNonRetryableError(err)
	}
	topic := resolved.Descriptor.Topic

	sendCtx, cancel := context.WithTimeout(ctx, r.sendTimeout)
	defer cancel()
	err = r.sink.Send(sendCtx, topic, Message{Data: row.Payload, Attributes: attributes(row, resolved)})
	switch {
	case err == nil:
		return topic, delivered, nil
	case isNonRetryable(err):
		return topic, deadLettered, err
	case row.AttemptCount+1 >= r.maxAttempts:
		return topic, deadLettered, fmt.Errorf("max publish attempts reached: %w", err)
	default:
		return topic, retryLater, err
	}
}

func attributes(row models.OutboxEvent, resolved *registry.ResolvedEvent) map[string]string {
	return map[string]string{
		"event_id":       resolved.Envelope.EventID,
		"event_type":     string(row.EventType),
		"aggregate_type": string(row.AggregateType),
		"aggregate_id":   row.AggregateID.String(),
		"occurred_at":    resolved.Envelope.OccurredAt.UTC().Format(time.RFC3339Nano),
		"schema_version": strconv.Itoa(resolved.Envelope.Version),
	}
}

func isNonRetryable(err error) bool {
	var nr registry.NonRetryableError
	return errors.As(err, &nr)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
