package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/aaronwang/escrow-auction/shared/models"
)

// ChannelPrefix is followed by the listing id on every ledger event channel.
const ChannelPrefix = "ledger_events:"

// ErrSubscriptionClosed is returned by Listen when Redis closes the
// subscription underneath it.
var ErrSubscriptionClosed = errors.New("redis subscription closed")

// Subscriber wraps Redis Pub/Sub functionality
type Subscriber struct {
	client *redis.Client
	pubsub *redis.PubSub
	logger *slog.Logger
}

// NewSubscriber creates a new Redis Pub/Sub subscriber
func NewSubscriber(ctx context.Context, addr, password string, db int, logger *slog.Logger) (*Subscriber, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Subscriber{
		client: rdb,
		logger: logger,
	}, nil
}

// SubscribeAll subscribes to the events of every listing.
func (s *Subscriber) SubscribeAll(ctx context.Context) error {
	s.pubsub = s.client.PSubscribe(ctx, ChannelPrefix+"*")
	// Receive waits for the subscription to be confirmed.
	if _, err := s.pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	return nil
}

// Message represents a parsed Pub/Sub message
type Message struct {
	ListingID uint64
	Payload   string
	Event     models.LedgerEvent
}

// Listen forwards messages until ctx is done or the subscription closes.
// This is a blocking operation - run in a goroutine
func (s *Subscriber) Listen(ctx context.Context, out chan<- *Message) error {
	if s.pubsub == nil {
		return errors.New("not subscribed to any channel")
	}

	ch := s.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return ErrSubscriptionClosed
			}
			m, err := parseMessage(msg.Channel, msg.Payload)
			if err != nil {
				s.logger.Warn("dropping pub/sub message", "channel", msg.Channel, "error", err)
				continue
			}
			select {
			case out <- m:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func parseMessage(channel, payload string) (*Message, error) {
	id, err := listingIDFromChannel(channel)
	if err != nil {
		return nil, err
	}
	m := &Message{ListingID: id, Payload: payload}
	if err := json.Unmarshal([]byte(payload), &m.Event); err != nil {
		return nil, fmt.Errorf("failed to parse event: %w", err)
	}
	return m, nil
}

// listingIDFromChannel extracts the listing id from a channel name.
// Example: "ledger_events:42" -> 42
func listingIDFromChannel(channel string) (uint64, error) {
	rest, ok := strings.CutPrefix(channel, ChannelPrefix)
	if !ok {
		return 0, fmt.Errorf("unexpected channel %q", channel)
	}
	return strconv.ParseUint(rest, 10, 64)
}

// Close closes the subscriber
func (s *Subscriber) Close() error {
	if s.pubsub != nil {
		s.pubsub.Close()
	}
	return s.client.Close()
}
