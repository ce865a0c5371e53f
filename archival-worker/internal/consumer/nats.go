package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/aaronwang/escrow-auction/shared/models"
)

const (
	// StreamName must match the stream the gateway publishes to.
	StreamName   = "LEDGER_EVENTS"
	durableName  = "archival-worker"
	filter       = "ledger.events.>"
	storeTimeout = 10 * time.Second
)

var errUnknownEvent = errors.New("unknown event type")

// Store persists archived ledger events. Every method must be idempotent by
// event id since JetStream delivers at least once.
type Store interface {
	SaveListing(ctx context.Context, ev *models.LedgerEvent) error
	SaveBid(ctx context.Context, ev *models.LedgerEvent) error
	SaveWithdrawal(ctx context.Context, ev *models.LedgerEvent) error
}

// message is the part of jetstream.Msg the consumer uses.
type message interface {
	Data() []byte
	Ack() error
	Nak() error
	Term() error
}

// NATSConsumer consumes ledger events from JetStream and persists them
type NATSConsumer struct {
	js     jetstream.JetStream
	store  Store
	logger *slog.Logger
}

// NewNATSConsumer creates a new consumer
func NewNATSConsumer(js jetstream.JetStream, store Store, logger *slog.Logger) *NATSConsumer {
	return &NATSConsumer{
		js:     js,
		store:  store,
		logger: logger,
	}
}

// Start consumes with a durable consumer until ctx is done.
func (c *NATSConsumer) Start(ctx context.Context) error {
	cons, err := c.js.CreateOrUpdateConsumer(ctx, StreamName, jetstream.ConsumerConfig{
		Durable:       durableName,
		FilterSubject: filter,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    10,
	})
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	cc, err := cons.Consume(func(msg jetstream.Msg) {
		c.handleMessage(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}
	defer cc.Stop()

	c.logger.Info("consuming ledger events", "stream", StreamName, "durable", durableName, "filter", filter)
	<-ctx.Done()
	return nil
}

// handleMessage persists one event. Transient store failures are redelivered;
// events that can never be stored are terminated.
func (c *NATSConsumer) handleMessage(ctx context.Context, msg message) {
	var ev models.LedgerEvent
	if err := json.Unmarshal(msg.Data(), &ev); err != nil {
		c.logger.Error("dropping malformed event", "error", err)
		msg.Term()
		return
	}

	dbCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	if err := c.persist(dbCtx, &ev); err != nil {
		if errors.Is(err, errUnknownEvent) {
			c.logger.Error("dropping event", "event_id", ev.EventID, "type", ev.Type, "error", err)
			msg.Term()
			return
		}
		c.logger.Warn("failed to persist event, will retry", "event_id", ev.EventID, "error", err)
		msg.Nak()
		return
	}

	c.logger.Debug("archived ledger event",
		"event_id", ev.EventID, "type", ev.Type, "listing_id", ev.ListingID, "user_id", ev.UserID)
	msg.Ack()
}

func (c *NATSConsumer) persist(ctx context.Context, ev *models.LedgerEvent) error {
	switch ev.Type {
	case models.EventItemListed:
		return c.store.SaveListing(ctx, ev)
	case models.EventNewHighestBid:
		return c.store.SaveBid(ctx, ev)
	case models.EventWithdrawal:
		return c.store.SaveWithdrawal(ctx, ev)
	default:
		return fmt.Errorf("%w: %q", errUnknownEvent, ev.Type)
	}
}
