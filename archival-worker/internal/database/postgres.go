package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/aaronwang/escrow-auction/shared/models"
)

// PostgresClient wraps the PostgreSQL database connection
type PostgresClient struct {
	db *sql.DB
}

// NewPostgresClient creates a new PostgreSQL client
func NewPostgresClient(ctx context.Context, connStr string) (*PostgresClient, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &PostgresClient{db: db}, nil
}

// InitSchema creates the necessary database tables
func (c *PostgresClient) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS listings (
		id BIGINT PRIMARY KEY,
		event_id VARCHAR(64) NOT NULL UNIQUE,
		item_name TEXT NOT NULL,
		lister VARCHAR(255) NOT NULL,
		highest_bid BIGINT NOT NULL DEFAULT 0,
		highest_bidder VARCHAR(255),
		claimed BOOLEAN NOT NULL DEFAULT FALSE,
		listed_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS bids (
		event_id VARCHAR(64) PRIMARY KEY,
		listing_id BIGINT NOT NULL,
		user_id VARCHAR(255) NOT NULL,
		total BIGINT NOT NULL,
		timestamp TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS withdrawals (
		event_id VARCHAR(64) PRIMARY KEY,
		listing_id BIGINT NOT NULL,
		user_id VARCHAR(255) NOT NULL,
		amount BIGINT NOT NULL,
		timestamp TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_bids_listing_id ON bids(listing_id);
	CREATE INDEX IF NOT EXISTS idx_bids_user_id ON bids(user_id);
	CREATE INDEX IF NOT EXISTS idx_withdrawals_listing_id ON withdrawals(listing_id);
	`

	if _, err := c.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// SaveListing records a new listing. Replays of the same event are ignored.
func (c *PostgresClient) SaveListing(ctx context.Context, ev *models.LedgerEvent) error {
	query := `
		INSERT INTO listings (id, event_id, item_name, lister, listed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`
	if _, err := c.db.ExecContext(ctx, query, ev.ListingID, ev.EventID, ev.ItemName, ev.UserID, ev.Timestamp); err != nil {
		return fmt.Errorf("failed to insert listing: %w", err)
	}
	return nil
}

// SaveBid records a new highest bid and raises the listing's highest bid.
// Bids may arrive out of order, so the listing only ever moves up.
func (c *PostgresClient) SaveBid(ctx context.Context, ev *models.LedgerEvent) error {
	return c.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO bids (event_id, listing_id, user_id, total, timestamp)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (event_id) DO NOTHING
		`, ev.EventID, ev.ListingID, ev.UserID, ev.Amount, ev.Timestamp)
		if err != nil {
			return fmt.Errorf("failed to insert bid: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil || n == 0 {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE listings
			SET highest_bid = $1,
			    highest_bidder = $2,
			    updated_at = CURRENT_TIMESTAMP
			WHERE id = $3 AND highest_bid < $1
		`, ev.Amount, ev.UserID, ev.ListingID)
		if err != nil {
			return fmt.Errorf("failed to update listing: %w", err)
		}
		return nil
	})
}

// SaveWithdrawal records a payout. A payout to the lister marks the listing
// claimed.
func (c *PostgresClient) SaveWithdrawal(ctx context.Context, ev *models.LedgerEvent) error {
	return c.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO withdrawals (event_id, listing_id, user_id, amount, timestamp)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (event_id) DO NOTHING
		`, ev.EventID, ev.ListingID, ev.UserID, ev.Amount, ev.Timestamp)
		if err != nil {
			return fmt.Errorf("failed to insert withdrawal: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil || n == 0 {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE listings
			SET claimed = TRUE, updated_at = CURRENT_TIMESTAMP
			WHERE id = $1 AND lister = $2
		`, ev.ListingID, ev.UserID)
		if err != nil {
			return fmt.Errorf("failed to update listing: %w", err)
		}
		return nil
	})
}

// GetBidHistory retrieves the most recent bids on a listing
func (c *PostgresClient) GetBidHistory(ctx context.Context, listingID uint64, limit int) ([]*models.BidRecord, error) {
	query := `
		SELECT event_id, listing_id, user_id, total, timestamp
		FROM bids
		WHERE listing_id = $1
		ORDER BY total DESC
		LIMIT $2
	`

	rows, err := c.db.QueryContext(ctx, query, listingID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query bids: %w", err)
	}
	defer rows.Close()

	var bids []*models.BidRecord
	for rows.Next() {
		bid := &models.BidRecord{}
		if err := rows.Scan(&bid.EventID, &bid.ListingID, &bid.UserID, &bid.Total, &bid.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan bid: %w", err)
		}
		bids = append(bids, bid)
	}
	return bids, rows.Err()
}

// Close closes the database connection
func (c *PostgresClient) Close() error {
	return c.db.Close()
}

func (c *PostgresClient) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
