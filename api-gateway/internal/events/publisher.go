// Package events fans committed ledger events out to the real-time and
// archival pipelines.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/aaronwang/escrow-auction/api-gateway/internal/ledger"
	"github.com/aaronwang/escrow-auction/shared/models"
)

const (
	// StreamName is the JetStream stream the archival worker consumes from.
	StreamName = "LEDGER_EVENTS"
	// SubjectPrefix is followed by the listing id.
	SubjectPrefix = "ledger.events."

	publishTimeout = 5 * time.Second
	queueSize      = 1024
)

// StreamPublisher is the subset of jetstream.JetStream used for archival.
type StreamPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// Broadcaster pushes an event to the real-time Pub/Sub channel of a listing.
type Broadcaster interface {
	PublishEvent(ctx context.Context, listingID uint64, payload []byte) error
}

// Publisher implements ledger.Notifier. Publishing is asynchronous and best
// effort: a failed publish is logged and never affects the ledger. Each sink
// has one worker draining a queue, so a sink sees events in the order they
// were committed.
type Publisher struct {
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	closed bool
	sinks  []*sink
	wg     sync.WaitGroup
}

type outbound struct {
	ctx  context.Context
	ev   *models.LedgerEvent
	data []byte
}

type sink struct {
	name  string
	queue chan outbound
	send  func(ctx context.Context, ev *models.LedgerEvent, data []byte) error
}

// NewPublisher creates a publisher and starts one worker per sink. Either sink
// may be nil. Close stops the workers.
func NewPublisher(stream StreamPublisher, broadcast Broadcaster, logger *slog.Logger) *Publisher {
	p := &Publisher{
		logger: logger,
		now:    time.Now,
	}
	if broadcast != nil {
		p.start("broadcast", func(ctx context.Context, ev *models.LedgerEvent, data []byte) error {
			return broadcast.PublishEvent(ctx, ev.ListingID, data)
		})
	}
	if stream != nil {
		p.start("archive", func(ctx context.Context, ev *models.LedgerEvent, data []byte) error {
			ack, err := stream.Publish(ctx, Subject(ev.ListingID), data, jetstream.WithMsgID(ev.EventID))
			if err != nil {
				return err
			}
			p.logger.Debug("archived ledger event", "subject", Subject(ev.ListingID), "seq", ack.Sequence)
			return nil
		})
	}
	return p
}

func (p *Publisher) start(name string, send func(context.Context, *models.LedgerEvent, []byte) error) {
	s := &sink{name: name, queue: make(chan outbound, queueSize), send: send}
	p.sinks = append(p.sinks, s)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for out := range s.queue {
			ctx, cancel := context.WithTimeout(out.ctx, publishTimeout)
			if err := s.send(ctx, out.ev, out.data); err != nil {
				p.logger.Warn("failed to publish ledger event", "sink", s.name,
					"event_id", out.ev.EventID, "listing_id", out.ev.ListingID, "error", err)
			}
			cancel()
		}
	}()
}

// EnsureStream creates or updates the archival stream.
func EnsureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Description: "Committed ledger events for archival",
		Subjects:    []string{SubjectPrefix + ">"},
		Storage:     jetstream.FileStorage,
		Retention:   jetstream.WorkQueuePolicy,
		MaxAge:      24 * time.Hour,
		Replicas:    1,
	})
	if err != nil {
		return fmt.Errorf("failed to create/update stream: %w", err)
	}
	return nil
}

// Notify publishes a committed ledger event.
func (p *Publisher) Notify(ctx context.Context, ev ledger.Event) {
	p.publish(ctx, Envelope(ev, p.now()))
}

// PublishWithdrawal publishes a successful withdrawal or claim.
func (p *Publisher) PublishWithdrawal(ctx context.Context, listingID uint64, userID string, amount int64) {
	p.publish(ctx, &models.LedgerEvent{
		EventID:   uuid.New().String(),
		Type:      models.EventWithdrawal,
		ListingID: listingID,
		UserID:    userID,
		Amount:    amount,
		Timestamp: p.now().UTC(),
	})
}

// Close stops accepting events and waits for the queued ones to be sent.
func (p *Publisher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, s := range p.sinks {
		close(s.queue)
	}
	p.mu.Unlock()

	p.wg.Wait()
}

// Envelope converts a ledger event into its wire form.
func Envelope(ev ledger.Event, at time.Time) *models.LedgerEvent {
	out := &models.LedgerEvent{
		EventID:   uuid.New().String(),
		ListingID: ev.ListingID,
		UserID:    string(ev.Identity),
		Amount:    ev.Amount,
		Timestamp: at.UTC(),
	}
	switch ev.Kind {
	case ledger.EventItemListed:
		out.Type = models.EventItemListed
		out.ItemName = ev.ItemName
	case ledger.EventNewHighestBid:
		out.Type = models.EventNewHighestBid
	default:
		out.Type = string(ev.Kind)
	}
	return out
}

// Subject returns the archival subject for a listing.
func Subject(listingID uint64) string {
	return SubjectPrefix + strconv.FormatUint(listingID, 10)
}

func (p *Publisher) publish(ctx context.Context, ev *models.LedgerEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("failed to marshal ledger event", "event_id", ev.EventID, "error", err)
		return
	}
	// The request may finish before the publish does.
	out := outbound{ctx: context.WithoutCancel(ctx), ev: ev, data: data}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		p.logger.Warn("publisher closed, dropping ledger event", "event_id", ev.EventID)
		return
	}
	for _, s := range p.sinks {
		select {
		case s.queue <- out:
		default:
			p.logger.Warn("publish queue full, dropping ledger event", "sink", s.name,
				"event_id", ev.EventID, "listing_id", ev.ListingID)
		}
	}
}
