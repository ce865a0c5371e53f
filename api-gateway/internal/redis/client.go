package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aaronwang/escrow-auction/api-gateway/internal/ledger"
)

var (
	// ErrInsufficientFunds is returned when a wallet cannot cover a bid.
	ErrInsufficientFunds = errors.New("insufficient wallet balance")
	// ErrTransferRefused is returned when a frozen wallet refuses a payout.
	ErrTransferRefused = errors.New("recipient wallet refused transfer")
)

// Client wraps the Redis client with wallet operations. It moves value in and
// out of the ledger's custody and implements ledger.Funds.
type Client struct {
	client *redis.Client
	// Lua scripts for atomic wallet updates
	debitScript  *redis.Script
	creditScript *redis.Script
}

// NewClient creates a new Redis client
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	// Both scripts run atomically on the Redis server.
	debitScript := redis.NewScript(`
		-- KEYS[1]: wallet:{userID}:balance
		-- ARGV[1]: amount to debit
		local balance = tonumber(redis.call('GET', KEYS[1]) or '0')
		local amount = tonumber(ARGV[1])

		if balance < amount then
			return {0, balance}
		end
		return {1, redis.call('DECRBY', KEYS[1], amount)}
	`)

	creditScript := redis.NewScript(`
		-- KEYS[1]: wallet:{userID}:balance
		-- KEYS[2]: wallet:{userID}:frozen
		-- ARGV[1]: amount to credit
		if redis.call('EXISTS', KEYS[2]) == 1 then
			return {0, tonumber(redis.call('GET', KEYS[1]) or '0')}
		end
		return {1, redis.call('INCRBY', KEYS[1], ARGV[1])}
	`)

	return &Client{
		client:       rdb,
		debitScript:  debitScript,
		creditScript: creditScript,
	}, nil
}

func balanceKey(userID string) string { return fmt.Sprintf("wallet:%s:balance", userID) }
func frozenKey(userID string) string  { return fmt.Sprintf("wallet:%s:frozen", userID) }

// Receive debits amount from the bidder's wallet into escrow.
func (c *Client) Receive(ctx context.Context, from ledger.Identity, amount int64) error {
	ok, _, err := runWalletScript(ctx, c.debitScript, c.client,
		[]string{balanceKey(string(from))}, amount)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInsufficientFunds
	}
	return nil
}

// Send credits amount to the recipient's wallet. Frozen wallets refuse.
func (c *Client) Send(ctx context.Context, to ledger.Identity, amount int64) error {
	ok, _, err := runWalletScript(ctx, c.creditScript, c.client,
		[]string{balanceKey(string(to)), frozenKey(string(to))}, amount)
	if err != nil {
		return err
	}
	if !ok {
		return ErrTransferRefused
	}
	return nil
}

// runWalletScript executes a script returning [success_flag, balance].
func runWalletScript(ctx context.Context, s *redis.Script, rdb *redis.Client, keys []string, amount int64) (bool, int64, error) {
	result, err := s.Run(ctx, rdb, keys, amount).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("failed to execute wallet script: %w", err)
	}
	if len(result) != 2 {
		return false, 0, fmt.Errorf("unexpected script result format")
	}
	return result[0] == 1, result[1], nil
}

// Deposit adds funds to a wallet and returns the new balance.
func (c *Client) Deposit(ctx context.Context, userID string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("deposit amount must be positive")
	}
	balance, err := c.client.IncrBy(ctx, balanceKey(userID), amount).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to deposit: %w", err)
	}
	return balance, nil
}

// Balance returns the wallet balance, zero for unknown wallets.
func (c *Client) Balance(ctx context.Context, userID string) (int64, error) {
	balance, err := c.client.Get(ctx, balanceKey(userID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get wallet balance: %w", err)
	}
	return balance, nil
}

// SetFrozen marks a wallet as refusing (or accepting) incoming transfers.
func (c *Client) SetFrozen(ctx context.Context, userID string, frozen bool) error {
	var err error
	if frozen {
		err = c.client.Set(ctx, frozenKey(userID), 1, 0).Err()
	} else {
		err = c.client.Del(ctx, frozenKey(userID)).Err()
	}
	if err != nil {
		return fmt.Errorf("failed to update wallet state: %w", err)
	}
	return nil
}

// PublishEvent publishes a ledger event to Redis Pub/Sub
// This will be picked up by the broadcast service for real-time WebSocket updates
func (c *Client) PublishEvent(ctx context.Context, listingID uint64, payload []byte) error {
	channel := fmt.Sprintf("ledger_events:%d", listingID)
	return c.client.Publish(ctx, channel, payload).Err()
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.client.Close()
}
